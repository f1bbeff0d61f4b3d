package security

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Audit event types.
const (
	EventToolExecution  = "tool.execution"
	EventPolicyDecision = "policy.decision"
)

// AuditEvent represents a security-relevant event
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	RequestID string         `json:"request_id,omitempty"`
	ClientID  string         `json:"client_id,omitempty"`
	Transport string         `json:"transport,omitempty"`
	Resource  string         `json:"resource"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuditLogger defines the interface for audit logging
type AuditLogger interface {
	Log(event *AuditEvent)
	LogToolExecution(ctx context.Context, toolName string, args map[string]any, result any, err error)
	LogPolicyDecision(ctx context.Context, command string, decision Decision)
	Close() error
}

// RequestInfo identifies the caller of a tool for audit purposes.
type RequestInfo struct {
	RequestID string
	ClientID  string
	Transport string
}

type requestInfoKey struct{}

// WithRequestInfo attaches caller details to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the caller details stored in ctx, if any.
func RequestInfoFrom(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}

// toolExecutionEvent builds the event shared by every logger. Argument
// values are never recorded, only their names.
func toolExecutionEvent(ctx context.Context, toolName string, args map[string]any, err error) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventToolExecution,
		Resource:  toolName,
		Action:    "execute",
		Metadata:  make(map[string]any),
	}
	stampRequest(ctx, event)

	if args != nil {
		names := make([]string, 0, len(args))
		for k := range args {
			names = append(names, k)
		}
		event.Metadata["args_count"] = len(args)
		event.Metadata["arg_names"] = names
	}

	if err != nil {
		event.Result = "failure"
		event.Error = sanitizeErrorMessage(err.Error())
	} else {
		event.Result = "success"
	}
	return event
}

func policyDecisionEvent(ctx context.Context, command string, d Decision) *AuditEvent {
	event := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: EventPolicyDecision,
		Resource:  firstToken(command),
		Action:    "evaluate",
		Metadata:  map[string]any{"mutating": d.Mutating},
	}
	stampRequest(ctx, event)

	if d.Allowed {
		event.Result = "allowed"
	} else {
		event.Result = "denied"
		event.Error = d.Reason
	}
	if d.RecordCap > 0 {
		event.Metadata["record_cap"] = d.RecordCap
	}
	return event
}

func stampRequest(ctx context.Context, event *AuditEvent) {
	if info, ok := RequestInfoFrom(ctx); ok {
		event.RequestID = info.RequestID
		event.ClientID = info.ClientID
		event.Transport = info.Transport
	}
}

// firstToken keeps audit records free of command arguments, which may
// carry record data.
func firstToken(command string) string {
	start := -1
	for i, r := range command {
		space := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if start < 0 && !space {
			start = i
		} else if start >= 0 && space {
			return command[start:i]
		}
	}
	if start < 0 {
		return ""
	}
	return command[start:]
}

// InMemoryAuditLogger stores audit events in memory (for testing)
type InMemoryAuditLogger struct {
	events []AuditEvent
	mu     sync.RWMutex
}

// NewInMemoryAuditLogger creates a new in-memory audit logger
func NewInMemoryAuditLogger() *InMemoryAuditLogger {
	return &InMemoryAuditLogger{
		events: make([]AuditEvent, 0),
	}
}

// Log records an audit event
func (l *InMemoryAuditLogger) Log(event *AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *event)
}

// LogToolExecution logs a tool execution event
func (l *InMemoryAuditLogger) LogToolExecution(ctx context.Context, toolName string, args map[string]any, result any, err error) {
	l.Log(toolExecutionEvent(ctx, toolName, args, err))
}

// LogPolicyDecision logs a command guard decision
func (l *InMemoryAuditLogger) LogPolicyDecision(ctx context.Context, command string, decision Decision) {
	l.Log(policyDecisionEvent(ctx, command, decision))
}

// GetEvents returns a copy of all logged events
func (l *InMemoryAuditLogger) GetEvents() []AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	events := make([]AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// Close closes the audit logger
func (l *InMemoryAuditLogger) Close() error {
	return nil
}

// JSONAuditLogger writes one JSON line per audit event.
type JSONAuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewJSONAuditLogger creates a JSON audit logger writing to w.
func NewJSONAuditLogger(w io.Writer) *JSONAuditLogger {
	return &JSONAuditLogger{logger: zerolog.New(w)}
}

// Log records an audit event as JSON
func (l *JSONAuditLogger) Log(event *AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := l.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("event_type", event.EventType).
		Str("resource", event.Resource).
		Str("action", event.Action).
		Str("result", event.Result)
	if event.RequestID != "" {
		e = e.Str("request_id", event.RequestID)
	}
	if event.ClientID != "" {
		e = e.Str("client_id", event.ClientID)
	}
	if event.Transport != "" {
		e = e.Str("transport", event.Transport)
	}
	if event.Error != "" {
		e = e.Str("error", event.Error)
	}
	if len(event.Metadata) > 0 {
		e = e.Interface("metadata", event.Metadata)
	}
	e.Send()
}

// LogToolExecution logs a tool execution event
func (l *JSONAuditLogger) LogToolExecution(ctx context.Context, toolName string, args map[string]any, result any, err error) {
	l.Log(toolExecutionEvent(ctx, toolName, args, err))
}

// LogPolicyDecision logs a command guard decision
func (l *JSONAuditLogger) LogPolicyDecision(ctx context.Context, command string, decision Decision) {
	l.Log(policyDecisionEvent(ctx, command, decision))
}

// Close closes the audit logger
func (l *JSONAuditLogger) Close() error {
	return nil
}

// NoOpAuditLogger is a no-op implementation (for when audit logging is disabled)
type NoOpAuditLogger struct{}

// NewNoOpAuditLogger creates a new no-op audit logger
func NewNoOpAuditLogger() *NoOpAuditLogger {
	return &NoOpAuditLogger{}
}

func (l *NoOpAuditLogger) Log(event *AuditEvent) {}

func (l *NoOpAuditLogger) LogToolExecution(ctx context.Context, toolName string, args map[string]any, result any, err error) {
}

func (l *NoOpAuditLogger) LogPolicyDecision(ctx context.Context, command string, decision Decision) {}

func (l *NoOpAuditLogger) Close() error {
	return nil
}
