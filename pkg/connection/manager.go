package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	tracing "github.com/aixgo-dev/u2mcp/internal/observability"
	"github.com/aixgo-dev/u2mcp/pkg/dynarray"
	"github.com/aixgo-dev/u2mcp/pkg/log"
	"github.com/aixgo-dev/u2mcp/pkg/observability"
	"github.com/aixgo-dev/u2mcp/pkg/security"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultQueryTimeout   = 30 * time.Second
	DefaultConnectRetries = 3

	// HealthCommand is the no-op TCL command used to probe the session.
	HealthCommand = "WHO"
)

// Options configure a Manager. They are copied at construction.
type Options struct {
	Params ConnectParams
	Dialer Dialer
	Policy security.Policy

	// ConnectTimeout bounds each connect attempt.
	ConnectTimeout time.Duration
	// QueryTimeout is the default deadline of a backend call. Falls back to
	// Policy.CommandTimeout, then DefaultQueryTimeout.
	QueryTimeout time.Duration
	// ConnectRetries is the number of connect attempts per reconnect.
	ConnectRetries int
	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration

	Audit security.AuditLogger
}

// Manager owns the backend session and serialises all access to it. Callers
// are admitted one at a time in arrival order.
type Manager struct {
	opts   Options
	sem    *semaphore.Weighted
	busy   atomic.Bool
	logger zerolog.Logger

	// mu guards the fields below for Status. Writers also hold sem.
	mu      sync.Mutex
	state   State
	session *Session
	tx      txState
}

// NewManager validates opts and returns a disconnected Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, errors.New("connection: dialer is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = opts.Policy.CommandTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.ConnectRetries <= 0 {
		opts.ConnectRetries = DefaultConnectRetries
	}
	if opts.Audit == nil {
		opts.Audit = security.NewNoOpAuditLogger()
	}

	observability.SetSessionState(int(Disconnected))
	return &Manager{
		opts:   opts,
		sem:    semaphore.NewWeighted(1),
		logger: log.WithComponent("connection"),
		state:  Disconnected,
	}, nil
}

// Policy returns the command policy the manager enforces.
func (m *Manager) Policy() security.Policy { return m.opts.Policy }

// Status returns a snapshot without waiting for the session.
func (m *Manager) Status() SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// snapshot requires m.mu.
func (m *Manager) snapshot() SessionInfo {
	info := SessionInfo{
		State:           m.state.String(),
		Host:            m.opts.Params.Host,
		Account:         m.opts.Params.Account,
		Service:         m.opts.Params.Service,
		InTransaction:   m.tx.open,
		TransactionLost: m.tx.lost,
		Busy:            m.busy.Load(),
	}
	if s := m.session; s != nil {
		info.ID = s.ID
		info.ConnectedAt = s.CreatedAt
		info.LastActivity = s.LastActivity
		info.OpenFiles = s.fileNames()
	}
	return info
}

// EnsureSession returns the live session, connecting or reconnecting first
// when the state is Disconnected or Failed.
func (m *Manager) EnsureSession(ctx context.Context) (info SessionInfo, err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.ensure_session")
	defer func() { tracing.EndSpan(span, err) }()

	if err := m.acquire(ctx, "ensure_session"); err != nil {
		return SessionInfo{}, err
	}
	_, err = m.ensureLocked(ctx, "ensure_session")
	m.release()
	return m.Status(), err
}

// Connect establishes the session. It is a no-op when already connected.
func (m *Manager) Connect(ctx context.Context) (SessionInfo, error) {
	return m.EnsureSession(ctx)
}

// Disconnect releases the session and clears the file cache. An open
// transaction is reported as lost on the next transaction call. Idempotent.
func (m *Manager) Disconnect(ctx context.Context) (err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.disconnect")
	defer func() { tracing.EndSpan(span, err) }()

	if err := m.acquire(ctx, "disconnect"); err != nil {
		return err
	}
	defer m.release()

	m.resetLocked("disconnect")
	m.setState(Disconnected)
	return nil
}

// ProbeResult is the outcome of ProbeIfIdle.
type ProbeResult int

const (
	ProbeSkipped ProbeResult = iota
	ProbeHealthy
	ProbeFailed
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeHealthy:
		return "ok"
	case ProbeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// HealthCheck waits for the session, reconnecting if needed, and runs
// HealthCommand. It reports false instead of returning errors.
func (m *Manager) HealthCheck(ctx context.Context, timeout time.Duration) bool {
	ctx, span := tracing.StartSpan(ctx, "connection.health_check")
	defer span.End()

	if err := m.acquire(ctx, "health_check"); err != nil {
		return false
	}
	defer m.release()
	return m.probeLocked(ctx, timeout)
}

// ProbeIfIdle runs a health probe only if no caller holds the session and
// a session is expected to exist (Connected or Failed). It never waits.
func (m *Manager) ProbeIfIdle(ctx context.Context, timeout time.Duration) ProbeResult {
	if !m.sem.TryAcquire(1) {
		return ProbeSkipped
	}
	m.busy.Store(true)
	defer m.release()

	if m.state == Disconnected {
		return ProbeSkipped
	}

	ctx, span := tracing.StartSpan(ctx, "connection.probe")
	defer span.End()
	if m.probeLocked(ctx, timeout) {
		return ProbeHealthy
	}
	return ProbeFailed
}

func (m *Manager) probeLocked(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = m.opts.QueryTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s, err := m.ensureLocked(ctx, "health_check")
	if err != nil {
		m.logger.Debug().Err(err).Msg("health check could not connect")
		return false
	}
	if _, err := do(ctx, m, s, "health_check", timeout, func(d Driver) (string, error) {
		return d.Execute(HealthCommand)
	}); err != nil {
		m.logger.Debug().Err(err).Msg("health check failed")
		return false
	}
	return true
}

func (m *Manager) acquire(ctx context.Context, op string) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return newError(KindTimeout, op, "gave up waiting for the session", err)
	}
	m.busy.Store(true)
	return nil
}

func (m *Manager) release() {
	m.busy.Store(false)
	m.sem.Release(1)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	observability.SetSessionState(int(s))
}

// ensureLocked requires sem. It returns the connected session or builds a
// new one with up to ConnectRetries attempts.
func (m *Manager) ensureLocked(ctx context.Context, op string) (*Session, error) {
	if m.state == Connected && m.session != nil {
		return m.session, nil
	}

	m.resetLocked("reconnect")

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= m.opts.ConnectRetries; attempt++ {
		if attempt > 1 && m.opts.RetryBackoff > 0 {
			wait := time.NewTimer(time.Duration(attempt-1) * m.opts.RetryBackoff)
			select {
			case <-ctx.Done():
				wait.Stop()
				lastErr = ctx.Err()
			case <-wait.C:
			}
			if ctx.Err() != nil {
				break
			}
		}

		attempts++
		m.setState(Connecting)
		drv, err := invoke(ctx, m.opts.ConnectTimeout, func() (Driver, error) {
			return m.opts.Dialer.Dial(m.opts.Params)
		}, func(d Driver, err error) {
			if err == nil && d != nil {
				_ = d.Close()
			}
		})
		if err == nil && drv == nil {
			err = errors.New("dialer returned no connection")
		}
		if err == nil {
			s := newSession(uuid.NewString(), drv, time.Now())
			m.mu.Lock()
			m.session = s
			m.state = Connected
			m.mu.Unlock()
			observability.SetSessionState(int(Connected))
			observability.RecordConnect("ok")
			m.logger.Info().
				Str("session", s.ID).
				Str("host", m.opts.Params.Host).
				Str("account", m.opts.Params.Account).
				Int("attempt", attempt).
				Msg("connected")
			return s, nil
		}

		observability.RecordConnect("failed")
		m.logger.Warn().
			Err(err).
			Str("host", m.opts.Params.Host).
			Int("attempt", attempt).
			Int("max_attempts", m.opts.ConnectRetries).
			Msg("connect attempt failed")
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	m.setState(Failed)
	e := newError(KindConnection, op,
		fmt.Sprintf("could not connect to %s after %d attempt(s)", m.opts.Params.Host, attempts), lastErr)
	e.SessionInvalidated = true
	return nil, e
}

// resetLocked requires sem. It drops the current session and marks an open
// transaction lost. A session with an abandoned call is closed by that call.
func (m *Manager) resetLocked(reason string) {
	m.mu.Lock()
	s := m.session
	m.session = nil
	lost := m.tx.open
	if lost {
		m.tx = txState{lost: true}
	}
	m.mu.Unlock()

	if lost {
		observability.RecordTransactionLost()
		m.logger.Warn().Str("reason", reason).Msg("open transaction lost")
	}
	if s == nil {
		return
	}
	if !s.abandoned {
		if err := s.close(); err != nil {
			m.logger.Warn().Err(err).Str("session", s.ID).Msg("error closing session")
		}
	}
	m.logger.Info().Str("session", s.ID).Str("reason", reason).Msg("session released")
}

// invalidate marks s Failed so the next caller reconnects.
func (m *Manager) invalidate(s *Session, abandoned bool) {
	m.mu.Lock()
	if abandoned {
		s.abandoned = true
	}
	current := m.session == s
	if current {
		m.state = Failed
	}
	m.mu.Unlock()
	if current {
		observability.SetSessionState(int(Failed))
	}
}

// do runs fn against the session's driver with a deadline and classifies
// any failure. Requires sem.
func do[T any](ctx context.Context, m *Manager, s *Session, op string, timeout time.Duration, fn func(Driver) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = m.opts.QueryTimeout
	}
	start := time.Now()
	val, err := invoke(ctx, timeout, func() (T, error) {
		return fn(s.driver)
	}, func(T, error) {
		if cerr := s.close(); cerr != nil {
			m.logger.Debug().Err(cerr).Str("session", s.ID).Msg("closing abandoned session")
		}
	})
	if err == nil {
		m.mu.Lock()
		s.LastActivity = time.Now()
		m.mu.Unlock()
		observability.RecordBackendCall(op, "ok", time.Since(start))
		return val, nil
	}

	e := m.classify(op, s, err)
	observability.RecordBackendCall(op, string(e.Kind), time.Since(start))
	return val, e
}

func (m *Manager) classify(op string, s *Session, err error) *Error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, errAbandoned):
		m.invalidate(s, true)
		e = newError(KindTimeout, op, "backend call abandoned", err)
		e.SessionInvalidated = true
		m.logger.Warn().Err(err).Str("op", op).Str("session", s.ID).Msg("backend call timed out, session invalidated")
	case errors.Is(err, ErrConnectionLost):
		m.invalidate(s, false)
		e = newError(KindConnection, op, "session lost", err)
		e.SessionInvalidated = true
		m.logger.Warn().Err(err).Str("op", op).Str("session", s.ID).Msg("backend connection lost")
	case errors.Is(err, dynarray.ErrMalformed):
		e = newError(KindProtocol, op, "malformed record text", err)
	default:
		e = newError(KindBackend, op, "backend rejected the request", err)
	}
	return e
}

// guard evaluates command against the policy and audits the decision.
func (m *Manager) guard(ctx context.Context, op, command string) (security.Decision, error) {
	d := security.Evaluate(command, m.opts.Policy)
	m.opts.Audit.LogPolicyDecision(ctx, command, d)
	if d.Allowed {
		return d, nil
	}
	observability.RecordGuardDenial(d.Reason)
	m.logger.Warn().Str("op", op).Str("verb", verb(command)).Str("reason", d.Reason).Msg("command refused")
	return d, newError(KindSafetyViolation, op, fmt.Sprintf("%s: %s", d.Reason, verb(command)), nil)
}

func (m *Manager) guardRecord(op string, rop security.RecordOp) error {
	d := security.EvaluateRecordOp(rop, m.opts.Policy)
	if d.Allowed {
		return nil
	}
	observability.RecordGuardDenial(d.Reason)
	return newError(KindSafetyViolation, op, d.Reason, nil)
}

func verb(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

func spanAttrs(op string, kv ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{attribute.String("u2.op", op)}, kv...)
}
