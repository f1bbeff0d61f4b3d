package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/u2mcp/pkg/log"
)

// RedisAuditConfig holds Redis audit sink configuration.
type RedisAuditConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Key is the list that receives events (default: "u2mcp:audit").
	Key string
	// MaxEvents caps the list length; older events are trimmed (default: 10000).
	MaxEvents int64
}

// RedisAuditLogger appends audit events to a capped Redis list so several
// server instances can share one audit trail.
type RedisAuditLogger struct {
	client    *redis.Client
	key       string
	maxEvents int64
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewRedisAuditLogger connects to Redis and verifies the connection.
func NewRedisAuditLogger(cfg RedisAuditConfig) (*RedisAuditLogger, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisAuditLoggerFromClient(client, cfg.Key, cfg.MaxEvents), nil
}

// NewRedisAuditLoggerFromClient wraps an existing client. Useful with miniredis.
func NewRedisAuditLoggerFromClient(client *redis.Client, key string, maxEvents int64) *RedisAuditLogger {
	if key == "" {
		key = "u2mcp:audit"
	}
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	return &RedisAuditLogger{
		client:    client,
		key:       key,
		maxEvents: maxEvents,
		timeout:   2 * time.Second,
	}
}

// Log appends event to the list. Failures are logged, never returned, so a
// Redis outage cannot fail a tool call.
func (l *RedisAuditLogger) Log(event *AuditEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Logger.Error().Err(err).Msg("marshal audit event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	pipe := l.client.Pipeline()
	pipe.RPush(ctx, l.key, data)
	pipe.LTrim(ctx, l.key, -l.maxEvents, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Logger.Warn().Err(err).Str("key", l.key).Msg("audit event not stored")
	}
}

// LogToolExecution logs a tool execution event
func (l *RedisAuditLogger) LogToolExecution(ctx context.Context, toolName string, args map[string]any, result any, err error) {
	l.Log(toolExecutionEvent(ctx, toolName, args, err))
}

// LogPolicyDecision logs a command guard decision
func (l *RedisAuditLogger) LogPolicyDecision(ctx context.Context, command string, decision Decision) {
	l.Log(policyDecisionEvent(ctx, command, decision))
}

// Recent returns up to n of the newest events, oldest first.
func (l *RedisAuditLogger) Recent(ctx context.Context, n int64) ([]AuditEvent, error) {
	raw, err := l.client.LRange(ctx, l.key, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read audit events: %w", err)
	}

	events := make([]AuditEvent, 0, len(raw))
	for _, r := range raw {
		var ev AuditEvent
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close closes the Redis client.
func (l *RedisAuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.client.Close()
}
