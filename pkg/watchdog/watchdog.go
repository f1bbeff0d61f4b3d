// Package watchdog periodically probes the backend session and forces a
// reconnect after repeated failures.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/log"
	"github.com/aixgo-dev/u2mcp/pkg/observability"
)

const (
	DefaultInterval    = 60 * time.Second
	DefaultTimeout     = 10 * time.Second
	DefaultMaxFailures = 3
)

// Target is the part of connection.Manager the watchdog drives.
type Target interface {
	ProbeIfIdle(ctx context.Context, timeout time.Duration) connection.ProbeResult
	Disconnect(ctx context.Context) error
}

// Config controls probing.
type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
}

// State is the watchdog's position in its check cycle.
type State string

const (
	StateStopped  State = "stopped"
	StateIdle     State = "idle"
	StateChecking State = "checking"
)

// Stats is a snapshot of watchdog activity.
type Stats struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Checks              int       `json:"checks"`
	Failures            int       `json:"failures"`
	Skipped             int       `json:"skipped"`
	Resets              int       `json:"resets"`
	LastCheck           time.Time `json:"last_check,omitzero"`
	LastResult          string    `json:"last_result,omitempty"`
}

// Watchdog probes a Target on a cron schedule.
type Watchdog struct {
	target Target
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	stats    Stats
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	checking sync.Mutex
}

// New returns a stopped watchdog. Zero config fields take defaults.
func New(target Target, cfg Config) (*Watchdog, error) {
	if target == nil {
		return nil, errors.New("watchdog: target is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Watchdog{
		target: target,
		cfg:    cfg,
		logger: log.WithComponent("watchdog"),
		stats:  Stats{State: StateStopped},
	}, nil
}

// Start schedules probing every Interval until Stop or ctx ends. A probe
// still running when the next one is due causes that one to be skipped.
func (w *Watchdog) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return errors.New("watchdog: already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", w.cfg.Interval), func() { w.Tick(w.runContext()) }); err != nil {
		return fmt.Errorf("watchdog: schedule: %w", err)
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.cron = c
	w.stats.State = StateIdle
	c.Start()

	w.logger.Info().
		Dur("interval", w.cfg.Interval).
		Dur("timeout", w.cfg.Timeout).
		Int("max_failures", w.cfg.MaxFailures).
		Msg("watchdog started")

	go func(done <-chan struct{}) {
		<-done
		w.Stop()
	}(w.ctx.Done())
	return nil
}

func (w *Watchdog) runContext() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx == nil {
		return context.Background()
	}
	return w.ctx
}

// Stop halts scheduling and waits for a running probe. Idempotent.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	c, cancel := w.cron, w.cancel
	w.cron, w.cancel = nil, nil
	w.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	<-c.Stop().Done()

	w.mu.Lock()
	w.stats.State = StateStopped
	w.mu.Unlock()
	w.logger.Info().Msg("watchdog stopped")
}

// Tick runs one check cycle. It is what the schedule calls and may be
// called directly.
func (w *Watchdog) Tick(ctx context.Context) connection.ProbeResult {
	w.checking.Lock()
	defer w.checking.Unlock()

	w.setState(StateChecking)
	result := w.target.ProbeIfIdle(ctx, w.cfg.Timeout)
	observability.RecordWatchdogCheck(result.String())

	w.mu.Lock()
	w.stats.LastCheck = time.Now()
	w.stats.LastResult = result.String()
	reset := false
	switch result {
	case connection.ProbeSkipped:
		w.stats.Skipped++
	case connection.ProbeHealthy:
		w.stats.Checks++
		w.stats.ConsecutiveFailures = 0
	case connection.ProbeFailed:
		w.stats.Checks++
		w.stats.Failures++
		w.stats.ConsecutiveFailures++
		if w.stats.ConsecutiveFailures >= w.cfg.MaxFailures {
			w.stats.ConsecutiveFailures = 0
			w.stats.Resets++
			reset = true
		}
	}
	failures := w.stats.ConsecutiveFailures
	w.mu.Unlock()

	switch {
	case reset:
		w.logger.Warn().Int("max_failures", w.cfg.MaxFailures).Msg("health check failure threshold reached, forcing disconnect")
		observability.RecordWatchdogReset()
		if err := w.target.Disconnect(context.WithoutCancel(ctx)); err != nil {
			w.logger.Error().Err(err).Msg("forced disconnect failed")
		}
	case result == connection.ProbeFailed:
		w.logger.Warn().Int("consecutive_failures", failures).Int("max_failures", w.cfg.MaxFailures).Msg("health check failed")
	case result == connection.ProbeSkipped:
		w.logger.Debug().Msg("session busy or not connected, check skipped")
	}

	w.setState(StateIdle)
	return result
}

// setState records s; a watchdog with no schedule rests in StateStopped.
func (w *Watchdog) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s == StateIdle && w.cron == nil {
		s = StateStopped
	}
	w.stats.State = s
}

// Stats returns a snapshot.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
