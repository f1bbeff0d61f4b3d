package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/u2mcp/pkg/security"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "u2mcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	path := writeFile(t, strings.Repeat("x: value\n", 200000))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeFile(t, `
connection:
  host: u2.example.com
  user: svc
  account: DEMO
  service: UDCS
  query_timeout: 45s
safety:
  read_only: true
  max_records: 500
  blocked_commands: ["delete.file", "create   table"]
watchdog:
  enabled: true
  interval: 15s
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "u2.example.com", cfg.Connection.Host)
	assert.Equal(t, "udcs", cfg.Connection.Service)
	assert.Equal(t, 31438, cfg.Connection.Port, "defaults survive a partial file")
	assert.Equal(t, 45*time.Second, cfg.Connection.QueryTimeout)
	assert.Equal(t, []string{"DELETE.FILE", "CREATE TABLE"}, cfg.Safety.BlockedCommands)
	assert.True(t, cfg.Watchdog.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Watchdog.Interval)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_ToolRateLimits(t *testing.T) {
	path := writeFile(t, `
rate_limit:
  tools:
    execute_command: {requests_per_second: 0.2, burst: 1}
    connect: {requests_per_second: 0}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	tools := cfg.RateLimit.Tools
	assert.Equal(t, 0.2, tools["execute_command"].Rate)
	assert.True(t, tools["connect"].Unlimited(), "zero removes the default limit")
	assert.False(t, tools["execute_query"].Unlimited(), "other defaults are kept")

	cfg.Connection.Host, cfg.Connection.User, cfg.Connection.Account = "h", "u", "A"
	require.NoError(t, cfg.Validate())
	cfg.RateLimit.Tools["execute_query"] = security.Limit{Rate: 1}
	assert.ErrorContains(t, cfg.Validate(), "burst must be at least 1")
}

func TestLoadConfig_NonexistentFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, "connection:\n  host: [[[\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestLoadConfig_NoFileUsesEnvironment(t *testing.T) {
	t.Setenv("U2_HOST", "env-host")
	t.Setenv("U2_USER", "env-user")
	t.Setenv("U2_ACCOUNT", "ENV")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Connection.Host)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"U2_HOST":                  "h",
		"U2_PORT":                  "31500",
		"U2_SSL":                   "true",
		"U2_TIMEOUT":               "10",
		"U2_QUERY_TIMEOUT":         "1m",
		"U2_READ_ONLY":             "1",
		"U2_MAX_RECORDS":           "25",
		"U2_BLOCKED_COMMANDS":      " DELETE.FILE , ,CNAME",
		"U2_WATCHDOG_MAX_FAILURES": "5",
		"U2_HTTP_PORT":             "9090",
		"U2_AUDIT_REDIS_ADDR":      "localhost:6379",
	}))
	require.NoError(t, err)

	assert.Equal(t, "h", cfg.Connection.Host)
	assert.Equal(t, 31500, cfg.Connection.Port)
	assert.True(t, cfg.Connection.SSL)
	assert.Equal(t, 10*time.Second, cfg.Connection.ConnectTimeout)
	assert.Equal(t, time.Minute, cfg.Connection.QueryTimeout)
	assert.True(t, cfg.Safety.ReadOnly)
	assert.Equal(t, 25, cfg.Safety.MaxRecords)
	assert.Equal(t, []string{"DELETE.FILE", "CNAME"}, cfg.Safety.BlockedCommands)
	assert.Equal(t, 5, cfg.Watchdog.MaxFailures)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "localhost:6379", cfg.Audit.RedisAddr)
}

func TestApplyEnv_CollectsErrors(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"U2_PORT":    "abc",
		"U2_SSL":     "maybe",
		"U2_TIMEOUT": "soon",
	}))
	require.Error(t, err)
	for _, key := range []string{"U2_PORT", "U2_SSL", "U2_TIMEOUT"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestApplyEnv_EmptyBlocklistClearsDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(envMap(map[string]string{"U2_BLOCKED_COMMANDS": ""})))
	assert.Empty(t, cfg.Safety.BlockedCommands)
}

func validConfig() *Config {
	cfg := Default()
	cfg.Connection.Host = "h"
	cfg.Connection.User = "u"
	cfg.Connection.Account = "A"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing host", func(c *Config) { c.Connection.Host = "" }, "host is required"},
		{"memory backend needs no host", func(c *Config) { c.Connection.Backend = "memory"; c.Connection.Host = "" }, ""},
		{"missing account", func(c *Config) { c.Connection.Account = "" }, "account is required"},
		{"bad service", func(c *Config) { c.Connection.Service = "odbc" }, "service must be"},
		{"bad port", func(c *Config) { c.Connection.Port = 70000 }, "out of range"},
		{"zero timeout", func(c *Config) { c.Connection.QueryTimeout = 0 }, "query_timeout"},
		{"watchdog failures", func(c *Config) { c.Watchdog.MaxFailures = 0 }, "max_failures"},
		{"redis sink needs addr", func(c *Config) { c.Audit.Sink = "redis" }, "redis_addr"},
		{"unknown sink", func(c *Config) { c.Audit.Sink = "kafka" }, "unknown audit sink"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProjections(t *testing.T) {
	cfg := validConfig()
	cfg.Safety.ReadOnly = true
	cfg.Connection.Password = "pw"

	policy := cfg.Policy()
	assert.True(t, policy.ReadOnly)
	assert.Equal(t, 10000, policy.MaxRecords)
	assert.Equal(t, 30*time.Second, policy.CommandTimeout)
	policy.BlockedCommands[0] = "CHANGED"
	assert.NotEqual(t, "CHANGED", cfg.Safety.BlockedCommands[0], "policy does not alias config")

	opts := cfg.ManagerOptions(nil, nil)
	assert.Equal(t, "h", opts.Params.Host)
	assert.Equal(t, "pw", opts.Params.Password)
	assert.Equal(t, "uvcs", opts.Params.Service)
	assert.Equal(t, 3, opts.ConnectRetries)

	wd := cfg.WatchdogSettings()
	assert.Equal(t, 3, wd.MaxFailures)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTP.Addr())
	assert.Equal(t, "u2mcp:audit", cfg.RedisAudit().Key)
}

type fakeStore map[string]string

func (s fakeStore) Get(key string) (string, error) {
	if v, ok := s[key]; ok {
		return v, nil
	}
	return "", ErrSecretNotFound
}

type brokenStore struct{}

func (brokenStore) Get(string) (string, error) { return "", errors.New("locked") }

func TestResolvePassword(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.ResolvePassword(fakeStore{"u@h": "from-keychain"}))
	assert.Equal(t, "from-keychain", cfg.Connection.Password)

	cfg = validConfig()
	cfg.Connection.Password = "explicit"
	require.NoError(t, cfg.ResolvePassword(fakeStore{"u@h": "from-keychain"}))
	assert.Equal(t, "explicit", cfg.Connection.Password)

	cfg = validConfig()
	require.NoError(t, cfg.ResolvePassword(fakeStore{}))
	assert.Empty(t, cfg.Connection.Password)

	cfg = validConfig()
	assert.Error(t, cfg.ResolvePassword(brokenStore{}))
}
