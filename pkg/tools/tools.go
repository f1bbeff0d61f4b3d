// Package tools defines the MCP tools that expose the connection manager.
//
// Every tool is listed in Registry and registered once at startup by
// Register. Handlers translate connection errors into mcp.ToolError so the
// client sees the error kind and, for transient failures, a retry hint.
package tools

import (
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/u2mcp/pkg/config"
	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/mcp"
	"github.com/aixgo-dev/u2mcp/pkg/security"
	"github.com/aixgo-dev/u2mcp/pkg/watchdog"
)

// Deps are the runtime objects tool handlers close over.
type Deps struct {
	Manager *connection.Manager
	// Watchdog is optional; health_check reports its counters when set.
	Watchdog *watchdog.Watchdog
	// ProbeTimeout bounds the health_check probe.
	ProbeTimeout time.Duration
	// Connection identifies the session in list_connections.
	Connection string
}

// Entry maps a tool name to the constructor of its definition.
type Entry struct {
	Name  string
	Build func(*Deps) mcp.Tool
}

// Registry returns every tool the server exposes.
func Registry() []Entry {
	return []Entry{
		{"connect", connectTool},
		{"disconnect", disconnectTool},
		{"list_connections", listConnectionsTool},
		{"health_check", healthCheckTool},
		{"list_files", listFilesTool},
		{"open_file", openFileTool},
		{"read_record", readRecordTool},
		{"write_record", writeRecordTool},
		{"delete_record", deleteRecordTool},
		{"list_dictionary", listDictionaryTool},
		{"execute_query", executeQueryTool},
		{"execute_command", executeCommandTool},
		{"begin_transaction", beginTransactionTool},
		{"commit_transaction", commitTransactionTool},
		{"rollback_transaction", rollbackTransactionTool},
		{"call_subroutine", callSubroutineTool},
		{"list_catalog", listCatalogTool},
	}
}

// Option customises Register.
type Option func(*Deps)

// WithWatchdog lets health_check report watchdog counters.
func WithWatchdog(w *watchdog.Watchdog) Option {
	return func(d *Deps) { d.Watchdog = w }
}

// Register adds every tool in Registry to server.
func Register(server *mcp.Server, m *connection.Manager, cfg *config.Config, opts ...Option) error {
	if m == nil {
		return errors.New("tools: connection manager is required")
	}
	deps := &Deps{
		Manager:      m,
		ProbeTimeout: cfg.Watchdog.Timeout,
		Connection:   "default",
	}
	for _, opt := range opts {
		opt(deps)
	}

	for _, e := range Registry() {
		tool := e.Build(deps)
		if tool.Name != e.Name {
			return fmt.Errorf("tools: entry %s built tool %s", e.Name, tool.Name)
		}
		if err := server.RegisterTool(tool); err != nil {
			return fmt.Errorf("tools: register %s: %w", e.Name, err)
		}
	}
	return nil
}

var kindCodes = map[connection.Kind]security.ErrorCode{
	connection.KindConnection:      security.ErrCodeConnection,
	connection.KindTimeout:         security.ErrCodeTimeout,
	connection.KindSafetyViolation: security.ErrCodeSafetyViolation,
	connection.KindProtocol:        security.ErrCodeProtocol,
	connection.KindTransaction:     security.ErrCodeTransaction,
	connection.KindBackend:         security.ErrCodeBackend,
}

// toolError converts a manager error for the client. The message carries
// the kind and operation; driver detail stays in Err.
func toolError(err error) error {
	if err == nil {
		return nil
	}
	var ce *connection.Error
	if !errors.As(err, &ce) {
		return &mcp.ToolError{Code: security.ErrCodeInternal, Message: "unexpected failure", Err: err}
	}

	code, ok := kindCodes[ce.Kind]
	if !ok {
		code = security.ErrCodeInternal
	}
	msg := fmt.Sprintf("%s: %s: %s", ce.Kind, ce.Op, ce.Message)
	switch {
	case errors.Is(err, connection.ErrRecordNotFound):
		code, msg = security.ErrCodeNotFound, fmt.Sprintf("%s: record not found", ce.Op)
	case errors.Is(err, connection.ErrFileNotFound):
		code, msg = security.ErrCodeNotFound, fmt.Sprintf("%s: file not found", ce.Op)
	case ce.Kind == connection.KindBackend && ce.Err != nil:
		// the backend's own message is what the caller needs to fix the command
		msg += ": " + ce.Err.Error()
	}
	if ce.SessionInvalidated {
		msg += " (session was reset)"
	}
	return &mcp.ToolError{Code: code, Message: msg, Retryable: ce.Retryable, Err: err}
}

func invalidInput(format string, args ...any) error {
	return &mcp.ToolError{Code: security.ErrCodeInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func ptr[T any](v T) *T { return &v }
