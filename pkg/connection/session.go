package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of the backend session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is the single live backend connection and its open file cache.
// It is owned by a Manager and only touched while the Manager's session
// lock is held, except for close which may run from an abandoned call.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time

	driver Driver
	files  map[string]File

	// abandoned is set when a call on driver timed out; the goroutine that
	// eventually finishes that call closes the session.
	abandoned bool
	closeOnce sync.Once
}

func newSession(id string, driver Driver, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		driver:       driver,
		files:        make(map[string]File),
	}
}

// close releases every cached file and the driver. Safe to call twice.
func (s *Session) close() error {
	var err error
	s.closeOnce.Do(func() {
		var errs []error
		for name, f := range s.files {
			if cerr := f.Close(); cerr != nil {
				errs = append(errs, fmt.Errorf("close file %s: %w", name, cerr))
			}
		}
		if cerr := s.driver.Close(); cerr != nil {
			errs = append(errs, cerr)
		}
		err = errors.Join(errs...)
	})
	return err
}

func (s *Session) fileNames() []string {
	names := make([]string, 0, len(s.files))
	for n := range s.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SessionInfo is a point-in-time snapshot of the manager and its session.
type SessionInfo struct {
	ID              string    `json:"id,omitempty"`
	State           string    `json:"state"`
	Host            string    `json:"host"`
	Account         string    `json:"account"`
	Service         string    `json:"service"`
	ConnectedAt     time.Time `json:"connected_at,omitzero"`
	LastActivity    time.Time `json:"last_activity,omitzero"`
	OpenFiles       []string  `json:"open_files,omitempty"`
	InTransaction   bool      `json:"in_transaction"`
	TransactionLost bool      `json:"transaction_lost,omitempty"`
	Busy            bool      `json:"busy"`
}

// Active reports whether the snapshot was taken on a connected session.
func (i SessionInfo) Active() bool { return i.State == Connected.String() }

var errAbandoned = errors.New("call abandoned")

type callResult[T any] struct {
	val T
	err error
}

// invoke runs fn on its own goroutine and waits until it returns, timeout
// elapses or ctx ends. Nothing can interrupt fn, so on the last two paths the
// goroutine is left running and reap is called with its result once it
// finally returns. The returned error then wraps errAbandoned.
func invoke[T any](ctx context.Context, timeout time.Duration, fn func() (T, error), reap func(T, error)) (T, error) {
	done := make(chan callResult[T], 1)
	go func() {
		var r callResult[T]
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("driver panic: %v", p)
			}
			done <- r
		}()
		r.val, r.err = fn()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var cause error
	select {
	case r := <-done:
		return r.val, r.err
	case <-timer:
		cause = fmt.Errorf("no response within %s: %w", timeout, errAbandoned)
	case <-ctx.Done():
		cause = fmt.Errorf("%w: %w", ctx.Err(), errAbandoned)
	}

	go func() {
		r := <-done
		if reap != nil {
			reap(r.val, r.err)
		}
	}()
	var zero T
	return zero, cause
}
