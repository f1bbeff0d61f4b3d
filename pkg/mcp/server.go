package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	tracing "github.com/aixgo-dev/u2mcp/internal/observability"
	"github.com/aixgo-dev/u2mcp/pkg/log"
	"github.com/aixgo-dev/u2mcp/pkg/observability"
	"github.com/aixgo-dev/u2mcp/pkg/security"
)

// DefaultToolTimeout bounds a whole tool call, including reconnect attempts.
const DefaultToolTimeout = 5 * time.Minute

const anonymousClient = "anonymous"

// Server represents an MCP server that hosts tools
type Server struct {
	name    string
	version string
	tools   *ToolRegistry
	logger  zerolog.Logger

	auditLogger     security.AuditLogger
	rateLimiter     *security.RateLimiter
	toolRateLimiter *security.ToolRateLimiter
	timeoutManager  *security.TimeoutManager
	debugMode       bool
}

// ServerOption is a functional option for configuring the server
type ServerOption func(*Server)

// WithAuditLogger sets the audit logger
func WithAuditLogger(logger security.AuditLogger) ServerOption {
	return func(s *Server) {
		s.auditLogger = logger
	}
}

// WithRateLimit sets per-client rate limiting
func WithRateLimit(requestsPerSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimiter = security.NewRateLimiter(requestsPerSecond, burst)
	}
}

// WithToolRateLimit limits calls to one tool across all clients.
func WithToolRateLimit(tool string, requestsPerSecond float64, burst int) ServerOption {
	return func(s *Server) {
		s.toolRateLimiter.SetToolLimit(tool, security.Limit{Rate: requestsPerSecond, Burst: burst})
	}
}

// WithToolTimeout sets the default deadline of a tool call.
func WithToolTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.timeoutManager = security.NewTimeoutManager(d)
	}
}

// WithToolTimeoutFor overrides the deadline of one tool.
func WithToolTimeoutFor(tool string, d time.Duration) ServerOption {
	return func(s *Server) {
		s.timeoutManager.SetToolTimeout(tool, d)
	}
}

// WithDebugMode enables debug mode (exposes internal errors)
func WithDebugMode(debug bool) ServerOption {
	return func(s *Server) {
		s.debugMode = debug
	}
}

// WithVersion sets the version reported in initialize.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// NewServer creates a new MCP server with options
func NewServer(name string, opts ...ServerOption) *Server {
	server := &Server{
		name:            name,
		version:         "dev",
		tools:           NewToolRegistry(),
		logger:          log.WithComponent("mcp"),
		auditLogger:     security.NewNoOpAuditLogger(),
		toolRateLimiter: security.NewToolRateLimiter(),
		timeoutManager:  security.NewTimeoutManager(DefaultToolTimeout),
	}
	for _, opt := range opts {
		opt(server)
	}
	return server
}

// RegisterTool registers a tool with the server
func (s *Server) RegisterTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if err := security.ValidateToolName(tool.Name); err != nil {
		return err
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s: handler cannot be nil", tool.Name)
	}
	return s.tools.Register(tool)
}

// ListTools returns all registered tools sorted by name.
func (s *Server) ListTools() []Tool {
	return s.tools.List()
}

// CallTool executes a tool by name. Failures are reported in the result
// with IsError set; the returned error is reserved for transport use.
func (s *Server) CallTool(ctx context.Context, params CallToolParams) (result *CallToolResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "mcp.call_tool", attribute.String("mcp.tool", params.Name))
	start := time.Now()
	status := "error"
	defer func() {
		observability.RecordMCPToolCall(params.Name, status, time.Since(start))
		var spanErr error
		if result != nil && result.IsError && len(result.Content) > 0 {
			spanErr = errors.New(result.Content[0].Text)
		}
		tracing.EndSpan(span, spanErr)
	}()

	if err := security.ValidateToolName(params.Name); err != nil {
		s.auditLogger.LogToolExecution(ctx, params.Name, params.Arguments, nil, err)
		return s.errorResult(security.ErrCodeValidation, "invalid tool name", err)
	}

	clientID := anonymousClient
	if info, ok := security.RequestInfoFrom(ctx); ok && info.ClientID != "" {
		clientID = info.ClientID
	}

	if s.rateLimiter != nil && !s.rateLimiter.Allow(clientID) {
		status = "rate_limited"
		s.auditLogger.LogToolExecution(ctx, params.Name, params.Arguments, nil, fmt.Errorf("rate limit exceeded"))
		return s.errorResult(security.ErrCodeRateLimit, "rate limit exceeded", nil)
	}

	tool, exists := s.tools.Get(params.Name)
	if !exists {
		s.auditLogger.LogToolExecution(ctx, params.Name, params.Arguments, nil, fmt.Errorf("tool not found"))
		return s.errorResult(security.ErrCodeToolNotFound, fmt.Sprintf("tool not found: %s", params.Name), nil)
	}

	if !s.toolRateLimiter.Allow(params.Name) {
		status = "rate_limited"
		s.auditLogger.LogToolExecution(ctx, params.Name, params.Arguments, nil, fmt.Errorf("tool rate limit exceeded"))
		return s.errorResult(security.ErrCodeRateLimit, fmt.Sprintf("rate limit exceeded for tool: %s", params.Name), nil)
	}

	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	if err := security.ValidateJSONObject(params.Arguments); err != nil {
		s.auditLogger.LogToolExecution(ctx, params.Name, params.Arguments, nil, err)
		return s.errorResult(security.ErrCodeValidation, "invalid arguments: must be a JSON object", err)
	}

	if err := validateToolArguments(params.Arguments); err != nil {
		s.auditLogger.LogToolExecution(ctx, params.Name, params.Arguments, nil, err)
		return s.errorResult(security.ErrCodeValidation, "argument validation failed", err)
	}

	if len(tool.Schema) > 0 {
		if err := tool.Schema.ValidateArgs(Args(params.Arguments)); err != nil {
			s.auditLogger.LogToolExecution(ctx, params.Name, params.Arguments, nil, err)
			return s.errorResult(security.ErrCodeValidation, err.Error(), nil)
		}
	}

	toolCtx, cancel := s.timeoutManager.WithTimeout(ctx, params.Name)
	defer cancel()

	out, err := s.runHandler(toolCtx, tool, Args(params.Arguments))
	s.auditLogger.LogToolExecution(ctx, params.Name, params.Arguments, out, err)

	if err != nil {
		s.logger.Debug().Str("tool", params.Name).Err(err).Msg("tool failed")
		if te, ok := AsToolError(err); ok {
			return s.toolErrorResult(te)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
			return s.errorResult(security.ErrCodeTimeout, "tool call exceeded its deadline", err)
		}
		return s.errorResult(security.ErrCodeToolExecution, "tool execution failed", err)
	}

	status = "success"
	return &CallToolResult{Content: []Content{formatResult(out)}}, nil
}

// runHandler calls the tool handler and turns a panic into an error so one
// request cannot take the process down.
func (s *Server) runHandler(ctx context.Context, tool Tool, args Args) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("tool", tool.Name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("tool handler panicked")
			out, err = nil, fmt.Errorf("tool handler panicked: %v", r)
		}
	}()
	return tool.Handler(ctx, args)
}

// errorResult creates an error result with sanitized error messages
func (s *Server) errorResult(code security.ErrorCode, message string, err error) (*CallToolResult, error) {
	errorText := fmt.Sprintf("%s: %s", code, message)

	if err != nil {
		sanitized := security.SanitizeErrorWithCode(err, code, message, s.debugMode)
		if sanitized != nil && s.debugMode {
			if detail, ok := sanitized.Details["error"].(string); ok {
				errorText = fmt.Sprintf("%s: %s: %s", code, message, detail)
			}
		}
	}

	return &CallToolResult{
		Content: []Content{{Type: "text", Text: errorText}},
		IsError: true,
	}, nil
}

// retryHint is appended to failures that may succeed once the backend is
// reachable again.
const retryHint = "The request can be retried; the session reconnects automatically on the next call."

func (s *Server) toolErrorResult(te *ToolError) (*CallToolResult, error) {
	text := fmt.Sprintf("%s: %s", te.Code, security.SanitizeMessage(te.Message))
	if s.debugMode && te.Err != nil {
		text += ": " + security.SanitizeMessage(te.Err.Error())
	}
	if te.Retryable {
		text += "\n" + retryHint
	}
	return &CallToolResult{
		Content: []Content{{Type: "text", Text: text}},
		IsError: true,
	}, nil
}

// Name returns the server name
func (s *Server) Name() string {
	return s.name
}

// Version returns the server version
func (s *Server) Version() string {
	return s.version
}

// Close releases the audit sink.
func (s *Server) Close() error {
	return s.auditLogger.Close()
}

// formatResult converts a tool result to MCP Content
func formatResult(result any) Content {
	switch v := result.(type) {
	case nil:
		return Content{Type: "text", Text: "ok"}
	case string:
		return Content{Type: "text", Text: v}
	default:
		jsonBytes, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return Content{Type: "text", Text: fmt.Sprintf("%v", v)}
		}
		return Content{Type: "text", Text: string(jsonBytes)}
	}
}

// argumentValidator applies to every string argument. Control characters
// are allowed because record text legitimately carries delimiter marks
// once decoded; NUL is not.
var argumentValidator = &security.StringValidator{
	MaxLength:         1 << 20,
	DisallowNullBytes: true,
}

// validateToolArguments applies default validation to tool arguments
func validateToolArguments(args map[string]any) error {
	return validateMapRecursive(args, argumentValidator, 0, 10)
}

// validateMapRecursive recursively validates all string values in a map
func validateMapRecursive(m map[string]any, validator *security.StringValidator, depth, maxDepth int) error {
	if depth > maxDepth {
		return fmt.Errorf("maximum nesting depth exceeded")
	}

	for key, value := range m {
		if err := validator.Validate(key); err != nil {
			return fmt.Errorf("invalid key %q: %w", key, err)
		}

		switch v := value.(type) {
		case string:
			if err := validator.Validate(v); err != nil {
				return fmt.Errorf("invalid value for key %q: %w", key, err)
			}
		case map[string]any:
			if err := validateMapRecursive(v, validator, depth+1, maxDepth); err != nil {
				return fmt.Errorf("invalid nested object in key %q: %w", key, err)
			}
		case []any:
			if err := validateSliceRecursive(v, validator, depth+1, maxDepth); err != nil {
				return fmt.Errorf("invalid array in key %q: %w", key, err)
			}
		}
	}

	return nil
}

// validateSliceRecursive recursively validates all string values in a slice
func validateSliceRecursive(s []any, validator *security.StringValidator, depth, maxDepth int) error {
	if depth > maxDepth {
		return fmt.Errorf("maximum nesting depth exceeded")
	}

	for i, value := range s {
		switch v := value.(type) {
		case string:
			if err := validator.Validate(v); err != nil {
				return fmt.Errorf("invalid value at index %d: %w", i, err)
			}
		case map[string]any:
			if err := validateMapRecursive(v, validator, depth+1, maxDepth); err != nil {
				return fmt.Errorf("invalid nested object at index %d: %w", i, err)
			}
		case []any:
			if err := validateSliceRecursive(v, validator, depth+1, maxDepth); err != nil {
				return fmt.Errorf("invalid nested array at index %d: %w", i, err)
			}
		}
	}

	return nil
}
