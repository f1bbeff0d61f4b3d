package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/u2mcp/pkg/security"
)

// maxMessageSize caps one newline-delimited message.
const maxMessageSize = 16 << 20

// maxConcurrentMessages bounds requests in flight on one stdio stream. Tool
// calls still run one at a time against the session; this keeps ping and
// tools/list responsive while a call is waiting.
const maxConcurrentMessages = 8

// StdioTransport serves newline-delimited JSON-RPC over a reader/writer
// pair, normally the process's stdin and stdout.
type StdioTransport struct {
	server *Server
	in     io.Reader

	mu  sync.Mutex
	out *bufio.Writer
}

// NewStdioTransport creates a transport reading requests from in and
// writing responses to out.
func NewStdioTransport(server *Server, in io.Reader, out io.Writer) *StdioTransport {
	return &StdioTransport{server: server, in: in, out: bufio.NewWriter(out)}
}

// Serve reads messages until EOF or until ctx is done. Requests in flight
// when input ends are answered before Serve returns.
func (t *StdioTransport) Serve(ctx context.Context) error {
	ctx = security.WithRequestInfo(ctx, security.RequestInfo{ClientID: "stdio", Transport: "stdio"})

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			msg := make([]byte, len(line))
			copy(msg, line)
			select {
			case lines <- msg:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentMessages)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case msg, ok := <-lines:
			if !ok {
				werr := g.Wait()
				var rerr error
				select {
				case rerr = <-readErr:
				default:
				}
				if rerr != nil {
					return fmt.Errorf("stdio: read: %w", rerr)
				}
				return werr
			}
			g.Go(func() error {
				resp := t.server.HandleMessage(gctx, msg)
				if resp == nil {
					return nil
				}
				return t.write(resp)
			})
		}
	}
}

func (t *StdioTransport) write(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(msg); err != nil {
		return fmt.Errorf("stdio: write: %w", err)
	}
	if err := t.out.WriteByte('\n'); err != nil {
		return fmt.Errorf("stdio: write: %w", err)
	}
	if err := t.out.Flush(); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		return fmt.Errorf("stdio: write: %w", err)
	}
	return nil
}
