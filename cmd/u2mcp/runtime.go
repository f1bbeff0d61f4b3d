package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	tracing "github.com/aixgo-dev/u2mcp/internal/observability"
	"github.com/aixgo-dev/u2mcp/pkg/config"
	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/driver/memdb"
	"github.com/aixgo-dev/u2mcp/pkg/log"
	"github.com/aixgo-dev/u2mcp/pkg/mcp"
	"github.com/aixgo-dev/u2mcp/pkg/observability"
	"github.com/aixgo-dev/u2mcp/pkg/security"
	"github.com/aixgo-dev/u2mcp/pkg/tools"
	"github.com/aixgo-dev/u2mcp/pkg/watchdog"
)

// shutdownTimeout bounds the graceful stop of listeners and the session.
const shutdownTimeout = 10 * time.Second

// appRuntime is everything a command needs to talk to the backend.
type appRuntime struct {
	logger   zerolog.Logger
	manager  *connection.Manager
	watchdog *watchdog.Watchdog
	server   *mcp.Server
}

// loadConfig reads the file and environment, applies command-line
// overrides and fills the password from the keychain.
func loadConfig(flags *globalFlags, override func(*config.Config)) (*config.Config, error) {
	if flags.configFile != "" {
		if err := security.ValidateFilePath(flags.configFile); err != nil {
			return nil, fmt.Errorf("config path: %w", err)
		}
	}
	cfg, err := config.LoadConfig(flags.configFile)
	if err != nil {
		return nil, err
	}
	if flags.backend != "" {
		cfg.Connection.Backend = flags.backend
	}
	if override != nil {
		override(cfg)
	}

	log.Init(log.Config{Level: log.ParseLevel(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	if err := cfg.ResolvePassword(config.NewKeyringStore()); err != nil {
		// The password may still arrive some other way, e.g. a backend
		// that needs none.
		logger := log.WithComponent("config")
		logger.Warn().Err(err).Msg("keychain lookup failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newRuntime wires tracing, metrics, audit, the session manager and the MCP
// server. The caller owns close.
func newRuntime(cfg *config.Config) (*appRuntime, error) {
	logger := log.WithComponent("cli")

	if err := tracing.Init(tracing.ConfigFromEnv()); err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
	}
	observability.InitMetrics()

	audit, err := newAuditLogger(cfg)
	if err != nil {
		return nil, err
	}

	dialer, err := dialerFor(cfg)
	if err != nil {
		_ = audit.Close()
		return nil, err
	}

	manager, err := connection.NewManager(cfg.ManagerOptions(dialer, audit))
	if err != nil {
		_ = audit.Close()
		return nil, err
	}

	wd, err := watchdog.New(manager, cfg.WatchdogSettings())
	if err != nil {
		_ = audit.Close()
		return nil, err
	}

	limits, err := toolLimits(cfg)
	if err != nil {
		_ = audit.Close()
		return nil, err
	}
	server := mcp.NewServer("u2mcp", append([]mcp.ServerOption{
		mcp.WithVersion(Version),
		mcp.WithAuditLogger(audit),
		mcp.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		mcp.WithToolTimeoutFor("execute_command", tools.MaxCommandTimeout+cfg.Connection.ConnectTimeout),
		mcp.WithDebugMode(log.ParseLevel(cfg.Log.Level) == log.DebugLevel),
	}, limits...)...)
	if err := tools.Register(server, manager, cfg, tools.WithWatchdog(wd)); err != nil {
		_ = server.Close()
		return nil, err
	}

	logger.Info().
		Str("backend", cfg.Connection.Backend).
		Str("host", cfg.Connection.Host).
		Str("account", cfg.Connection.Account).
		Bool("read_only", cfg.Safety.ReadOnly).
		Int("tools", len(tools.Registry())).
		Msg("runtime ready")

	return &appRuntime{logger: logger, manager: manager, watchdog: wd, server: server}, nil
}

// toolLimits turns the configured per-tool limits into server options.
// Names must be registered tools so a typo does not silently drop a limit.
func toolLimits(cfg *config.Config) ([]mcp.ServerOption, error) {
	known := make(map[string]bool)
	for _, e := range tools.Registry() {
		known[e.Name] = true
	}
	var opts []mcp.ServerOption
	for tool, l := range cfg.RateLimit.Tools {
		if !known[tool] {
			return nil, fmt.Errorf("rate_limit: unknown tool %q", tool)
		}
		if l.Unlimited() {
			continue
		}
		opts = append(opts, mcp.WithToolRateLimit(tool, l.Rate, l.Burst))
	}
	return opts, nil
}

func newAuditLogger(cfg *config.Config) (security.AuditLogger, error) {
	switch cfg.Audit.Sink {
	case "redis":
		l, err := security.NewRedisAuditLogger(cfg.RedisAudit())
		if err != nil {
			return nil, fmt.Errorf("audit sink: %w", err)
		}
		return l, nil
	case "none":
		return security.NewNoOpAuditLogger(), nil
	default:
		return security.NewJSONAuditLogger(os.Stderr), nil
	}
}

// dialerFor returns the dialer for the configured backend. The memory
// backend is created here so it can be seeded from a fixture.
func dialerFor(cfg *config.Config) (connection.Dialer, error) {
	if cfg.Connection.Backend == "memory" {
		db := memdb.New()
		if path := cfg.Memory.Fixture; path != "" {
			if err := security.ValidateFilePath(path); err != nil {
				return nil, fmt.Errorf("memory fixture: %w", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("memory fixture: %w", err)
			}
			if err := db.LoadYAML(data); err != nil {
				return nil, fmt.Errorf("memory fixture %s: %w", path, err)
			}
		}
		connection.RegisterDialer("memory", db.Dialer())
	}
	return connection.LookupDialer(cfg.Connection.Backend)
}

// healthChecker reports the session and watchdog on /health.
func (r *appRuntime) healthChecker() *observability.HealthChecker {
	hc := observability.NewHealthChecker(Version)
	hc.RegisterCheck(observability.StatusCheck("session",
		func() error {
			if st := r.manager.Status(); st.State == connection.Failed.String() {
				return errors.New("session failed; the next call reconnects")
			}
			return nil
		},
		func() any { return r.manager.Status() },
	))
	hc.RegisterCheck(observability.StatusCheck("watchdog",
		func() error { return nil },
		func() any { return r.watchdog.Stats() },
	))
	return hc
}

// close stops the watchdog, ends the session and flushes audit and traces.
func (r *appRuntime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	r.watchdog.Stop()
	if err := r.manager.Disconnect(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("disconnect failed")
	}
	if err := r.server.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("audit close failed")
	}
	if err := tracing.Shutdown(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("tracing shutdown failed")
	}
}
