// Package config loads the server configuration from a YAML file and U2_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/security"
	"github.com/aixgo-dev/u2mcp/pkg/watchdog"
)

// Config represents the application configuration. After Load it is
// treated as immutable.
type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	Safety     SafetyConfig     `yaml:"safety"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	HTTP       HTTPConfig       `yaml:"http"`
	Audit      AuditConfig      `yaml:"audit"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Log        LogConfig        `yaml:"log"`
	Memory     MemoryConfig     `yaml:"memory"`
}

// ConnectionConfig holds the backend login and timing settings
type ConnectionConfig struct {
	// Backend names a registered dialer: "u2" or "memory".
	Backend  string `yaml:"backend"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Account  string `yaml:"account"`
	// Service is "uvcs" (UniVerse) or "udcs" (UniData).
	Service string `yaml:"service"`
	SSL     bool   `yaml:"ssl"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	ConnectRetries int           `yaml:"connect_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// SafetyConfig feeds the command policy
type SafetyConfig struct {
	ReadOnly        bool     `yaml:"read_only"`
	MaxRecords      int      `yaml:"max_records"`
	BlockedCommands []string `yaml:"blocked_commands"`
}

// WatchdogConfig controls background health probing
type WatchdogConfig struct {
	// Enabled forces the watchdog on for stdio; the HTTP transport always
	// runs it.
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"max_failures"`
}

// HTTPConfig holds the HTTP transport and observability listener settings
type HTTPConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	// MetricsPort serves /metrics and /health; 0 shares Port.
	MetricsPort int `yaml:"metrics_port"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// AuditConfig selects where audit events go
type AuditConfig struct {
	// Sink is "log", "redis" or "none".
	Sink          string `yaml:"sink"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisKey      string `yaml:"redis_key"`
	MaxEvents     int64  `yaml:"max_events"`
}

// RateLimitConfig bounds tool calls per client and, for the tools that
// hold the backend session, across all clients. A tool entry with
// requests_per_second 0 removes its default limit.
type RateLimitConfig struct {
	RequestsPerSecond float64                   `yaml:"requests_per_second"`
	Burst             int                       `yaml:"burst"`
	Tools             map[string]security.Limit `yaml:"tools"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MemoryConfig seeds the in-memory backend
type MemoryConfig struct {
	Fixture string `yaml:"fixture"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Backend:        "u2",
			Port:           31438,
			Service:        "uvcs",
			ConnectTimeout: 30 * time.Second,
			QueryTimeout:   30 * time.Second,
			ConnectRetries: connection.DefaultConnectRetries,
			RetryBackoff:   time.Second,
		},
		Safety: SafetyConfig{
			MaxRecords:      10000,
			BlockedCommands: append([]string(nil), security.DefaultBlockedCommands...),
		},
		Watchdog: WatchdogConfig{
			Interval:    watchdog.DefaultInterval,
			Timeout:     watchdog.DefaultTimeout,
			MaxFailures: watchdog.DefaultMaxFailures,
		},
		HTTP: HTTPConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Audit: AuditConfig{
			Sink:      "log",
			RedisKey:  "u2mcp:audit",
			MaxEvents: 10000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Tools:             security.DefaultToolLimits(),
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig loads path over the defaults, then applies the environment.
// An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		parser := security.NewSafeYAMLParser(security.DefaultYAMLLimits())
		err = parser.UnmarshalYAMLFromReader(f, cfg)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// ApplyEnv overlays U2_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	// Plain integers are seconds; Go duration strings are also accepted.
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseSeconds(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	conn := &c.Connection
	str("U2_BACKEND", &conn.Backend)
	str("U2_HOST", &conn.Host)
	num("U2_PORT", &conn.Port)
	str("U2_USER", &conn.User)
	str("U2_PASSWORD", &conn.Password)
	str("U2_ACCOUNT", &conn.Account)
	str("U2_SERVICE", &conn.Service)
	flag("U2_SSL", &conn.SSL)
	dur("U2_TIMEOUT", &conn.ConnectTimeout)
	dur("U2_QUERY_TIMEOUT", &conn.QueryTimeout)
	num("U2_CONNECT_RETRIES", &conn.ConnectRetries)

	flag("U2_READ_ONLY", &c.Safety.ReadOnly)
	num("U2_MAX_RECORDS", &c.Safety.MaxRecords)
	list("U2_BLOCKED_COMMANDS", &c.Safety.BlockedCommands)

	flag("U2_WATCHDOG_ENABLED", &c.Watchdog.Enabled)
	dur("U2_WATCHDOG_INTERVAL", &c.Watchdog.Interval)
	dur("U2_WATCHDOG_TIMEOUT", &c.Watchdog.Timeout)
	num("U2_WATCHDOG_MAX_FAILURES", &c.Watchdog.MaxFailures)

	str("U2_HTTP_HOST", &c.HTTP.Host)
	num("U2_HTTP_PORT", &c.HTTP.Port)
	list("U2_HTTP_CORS_ORIGINS", &c.HTTP.CORSOrigins)

	str("U2_AUDIT_SINK", &c.Audit.Sink)
	str("U2_AUDIT_REDIS_ADDR", &c.Audit.RedisAddr)
	str("U2_AUDIT_REDIS_PASSWORD", &c.Audit.RedisPassword)

	str("U2_LOG_LEVEL", &c.Log.Level)
	flag("U2_LOG_JSON", &c.Log.JSON)
	str("U2_MEMORY_FIXTURE", &c.Memory.Fixture)

	return errors.Join(errs...)
}

func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) normalize() {
	c.Connection.Service = strings.ToLower(strings.TrimSpace(c.Connection.Service))
	c.Connection.Backend = strings.ToLower(strings.TrimSpace(c.Connection.Backend))
	for i, b := range c.Safety.BlockedCommands {
		c.Safety.BlockedCommands[i] = strings.ToUpper(strings.Join(strings.Fields(b), " "))
	}
	if c.Audit.Sink == "" {
		c.Audit.Sink = "log"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	conn := c.Connection

	if conn.Backend != "memory" {
		if conn.Host == "" {
			errs = append(errs, errors.New("host is required (U2_HOST)"))
		}
		if conn.User == "" {
			errs = append(errs, errors.New("user is required (U2_USER)"))
		}
	}
	if conn.Account == "" {
		errs = append(errs, errors.New("account is required (U2_ACCOUNT)"))
	}
	if conn.Service != "uvcs" && conn.Service != "udcs" {
		errs = append(errs, fmt.Errorf("service must be 'uvcs' (UniVerse) or 'udcs' (UniData), got %q", conn.Service))
	}
	if conn.Port <= 0 || conn.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d is out of range", conn.Port))
	}
	if conn.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if conn.QueryTimeout <= 0 {
		errs = append(errs, errors.New("query_timeout must be positive"))
	}
	if conn.ConnectRetries < 1 {
		errs = append(errs, errors.New("connect_retries must be at least 1"))
	}
	if c.Safety.MaxRecords < 0 {
		errs = append(errs, errors.New("max_records cannot be negative"))
	}
	if c.Watchdog.Interval <= 0 || c.Watchdog.Timeout <= 0 {
		errs = append(errs, errors.New("watchdog interval and timeout must be positive"))
	}
	if c.Watchdog.MaxFailures < 1 {
		errs = append(errs, errors.New("watchdog max_failures must be at least 1"))
	}
	for tool, l := range c.RateLimit.Tools {
		if !l.Unlimited() && l.Burst < 1 {
			errs = append(errs, fmt.Errorf("rate_limit tool %s: burst must be at least 1", tool))
		}
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http port %d is out of range", c.HTTP.Port))
	}
	switch c.Audit.Sink {
	case "log", "none":
	case "redis":
		if c.Audit.RedisAddr == "" {
			errs = append(errs, errors.New("audit redis_addr is required for the redis sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown audit sink %q", c.Audit.Sink))
	}
	return errors.Join(errs...)
}

// Policy returns the command policy.
func (c *Config) Policy() security.Policy {
	return security.Policy{
		BlockedCommands: append([]string(nil), c.Safety.BlockedCommands...),
		ReadOnly:        c.Safety.ReadOnly,
		MaxRecords:      c.Safety.MaxRecords,
		CommandTimeout:  c.Connection.QueryTimeout,
	}
}

// ConnectParams returns the login details for the dialer.
func (c *Config) ConnectParams() connection.ConnectParams {
	conn := c.Connection
	return connection.ConnectParams{
		Host:     conn.Host,
		Port:     conn.Port,
		User:     conn.User,
		Password: conn.Password,
		Account:  conn.Account,
		Service:  conn.Service,
		SSL:      conn.SSL,
	}
}

// ManagerOptions builds connection.Manager options around dialer and audit.
func (c *Config) ManagerOptions(dialer connection.Dialer, audit security.AuditLogger) connection.Options {
	return connection.Options{
		Params:         c.ConnectParams(),
		Dialer:         dialer,
		Policy:         c.Policy(),
		ConnectTimeout: c.Connection.ConnectTimeout,
		QueryTimeout:   c.Connection.QueryTimeout,
		ConnectRetries: c.Connection.ConnectRetries,
		RetryBackoff:   c.Connection.RetryBackoff,
		Audit:          audit,
	}
}

// WatchdogSettings returns the watchdog configuration.
func (c *Config) WatchdogSettings() watchdog.Config {
	return watchdog.Config{
		Interval:    c.Watchdog.Interval,
		Timeout:     c.Watchdog.Timeout,
		MaxFailures: c.Watchdog.MaxFailures,
	}
}

// RedisAudit returns the Redis audit sink settings.
func (c *Config) RedisAudit() security.RedisAuditConfig {
	return security.RedisAuditConfig{
		Addr:      c.Audit.RedisAddr,
		Password:  c.Audit.RedisPassword,
		DB:        c.Audit.RedisDB,
		Key:       c.Audit.RedisKey,
		MaxEvents: c.Audit.MaxEvents,
	}
}
