package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func auditCtx() context.Context {
	return WithRequestInfo(context.Background(), RequestInfo{
		RequestID: "req-1",
		ClientID:  "client-a",
		Transport: "stdio",
	})
}

func TestAuditLogger_ToolExecutionSuccess(t *testing.T) {
	logger := NewInMemoryAuditLogger()

	logger.LogToolExecution(auditCtx(), "read_record", map[string]any{"file": "CUST", "id": "C100"}, "ok", nil)

	events := logger.GetEvents()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, EventToolExecution, ev.EventType)
	assert.Equal(t, "read_record", ev.Resource)
	assert.Equal(t, "success", ev.Result)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, "client-a", ev.ClientID)
	assert.Equal(t, "stdio", ev.Transport)
	assert.Equal(t, 2, ev.Metadata["args_count"])
	assert.ElementsMatch(t, []string{"file", "id"}, ev.Metadata["arg_names"])
	assert.WithinDuration(t, time.Now(), ev.Timestamp, time.Second)
}

func TestAuditLogger_ToolExecutionFailureIsSanitized(t *testing.T) {
	logger := NewInMemoryAuditLogger()

	logger.LogToolExecution(context.Background(), "connect", nil, nil, errors.New("login failed password=secret"))

	ev := logger.GetEvents()[0]
	assert.Equal(t, "failure", ev.Result)
	assert.NotContains(t, ev.Error, "secret")
	assert.Empty(t, ev.RequestID)
}

func TestAuditLogger_ArgumentValuesNeverRecorded(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONAuditLogger(&buf)

	logger.LogToolExecution(auditCtx(), "write_record", map[string]any{"record": "SSN 123-45-6789"}, nil, nil)

	assert.NotContains(t, buf.String(), "123-45-6789")
	assert.Contains(t, buf.String(), "record")
}

func TestAuditLogger_PolicyDecision(t *testing.T) {
	logger := NewInMemoryAuditLogger()
	policy := Policy{BlockedCommands: DefaultBlockedCommands, MaxRecords: 50}

	logger.LogPolicyDecision(auditCtx(), "DELETE.FILE CUSTOMERS", Evaluate("DELETE.FILE CUSTOMERS", policy))
	logger.LogPolicyDecision(auditCtx(), "  LIST CUST NAME", Evaluate("LIST CUST NAME", policy))

	events := logger.GetEvents()
	require.Len(t, events, 2)

	assert.Equal(t, "denied", events[0].Result)
	assert.Equal(t, ReasonBlocked, events[0].Error)
	assert.Equal(t, "DELETE.FILE", events[0].Resource)

	assert.Equal(t, "allowed", events[1].Result)
	assert.Equal(t, "LIST", events[1].Resource)
	assert.Equal(t, 50, events[1].Metadata["record_cap"])
}

func TestAuditLogger_ConcurrentLogging(t *testing.T) {
	logger := NewInMemoryAuditLogger()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.LogToolExecution(context.Background(), "health_check", nil, nil, nil)
		}()
	}
	wg.Wait()

	assert.Len(t, logger.GetEvents(), 50)
}

func TestJSONAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONAuditLogger(&buf)

	logger.LogToolExecution(auditCtx(), "execute_query", map[string]any{"query": "LIST CUST"}, nil, nil)
	require.NoError(t, logger.Close())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, EventToolExecution, entry["event_type"])
	assert.Equal(t, "execute_query", entry["resource"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "success", entry["result"])
}

func TestNoOpAuditLogger(t *testing.T) {
	logger := NewNoOpAuditLogger()
	logger.Log(&AuditEvent{})
	logger.LogToolExecution(context.Background(), "x", nil, nil, nil)
	logger.LogPolicyDecision(context.Background(), "x", Decision{})
	assert.NoError(t, logger.Close())
}

func TestFirstToken(t *testing.T) {
	assert.Equal(t, "LIST", firstToken("  LIST CUST"))
	assert.Equal(t, "WHO", firstToken("WHO"))
	assert.Equal(t, "", firstToken("   "))
}

func setupRedisAudit(t *testing.T, maxEvents int64) (*miniredis.Miniredis, *RedisAuditLogger) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := NewRedisAuditLoggerFromClient(client, "test:audit", maxEvents)

	t.Cleanup(func() {
		_ = logger.Close()
	})
	return mr, logger
}

func TestRedisAuditLogger_StoresEvents(t *testing.T) {
	_, logger := setupRedisAudit(t, 0)
	ctx := context.Background()

	logger.LogToolExecution(auditCtx(), "open_file", map[string]any{"file": "CUST"}, nil, nil)
	logger.LogPolicyDecision(auditCtx(), "CLEAR.FILE CUST", Decision{Allowed: false, Reason: ReasonBlocked})

	events, err := logger.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "open_file", events[0].Resource)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.Equal(t, EventPolicyDecision, events[1].EventType)
	assert.Equal(t, "denied", events[1].Result)
}

func TestRedisAuditLogger_TrimsToMaxEvents(t *testing.T) {
	mr, logger := setupRedisAudit(t, 3)

	for i := 0; i < 5; i++ {
		logger.LogToolExecution(context.Background(), "ping", nil, nil, nil)
	}

	items, err := mr.List("test:audit")
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestRedisAuditLogger_OutageDoesNotPanic(t *testing.T) {
	mr, logger := setupRedisAudit(t, 0)
	mr.Close()

	assert.NotPanics(t, func() {
		logger.LogToolExecution(context.Background(), "ping", nil, nil, nil)
	})
}

func TestRedisAuditLogger_ClosedDropsEvents(t *testing.T) {
	mr, logger := setupRedisAudit(t, 0)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())

	logger.LogToolExecution(context.Background(), "ping", nil, nil, nil)
	assert.False(t, mr.Exists("test:audit"))
}

func TestNewRedisAuditLogger_RequiresAddr(t *testing.T) {
	_, err := NewRedisAuditLogger(RedisAuditConfig{})
	assert.Error(t, err)
}

func TestAuditLogger_InterfaceCompliance(t *testing.T) {
	var _ AuditLogger = (*InMemoryAuditLogger)(nil)
	var _ AuditLogger = (*JSONAuditLogger)(nil)
	var _ AuditLogger = (*NoOpAuditLogger)(nil)
	var _ AuditLogger = (*RedisAuditLogger)(nil)
}
