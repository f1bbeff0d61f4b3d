package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/u2mcp/pkg/config"
	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/driver/memdb"
	"github.com/aixgo-dev/u2mcp/pkg/dynarray"
	"github.com/aixgo-dev/u2mcp/pkg/mcp"
	"github.com/aixgo-dev/u2mcp/pkg/security"
	"github.com/aixgo-dev/u2mcp/pkg/watchdog"
)

type fixture struct {
	db      *memdb.DB
	manager *connection.Manager
	client  *mcp.LocalClient
}

func newFixture(t *testing.T, configure func(*config.Config)) *fixture {
	t.Helper()

	db := memdb.New()
	db.SetCredentials("svc", "secret")
	db.Put("CUSTOMERS", "C100", "Alice"+dynarray.AttributeMark+"CA")
	db.Put("CUSTOMERS", "C200", "Bob"+dynarray.AttributeMark+"NY")
	db.Put("DICT CUSTOMERS", "NAME", strings.Join([]string{"D", "1", "", "Name", "20L", "S"}, dynarray.AttributeMark))
	db.Put("DICT CUSTOMERS", "PHONES", strings.Join([]string{"D Phone numbers", "3", "", "Phone", "12L", "M", "CONTACT"}, dynarray.AttributeMark))
	db.Catalog("CALC.TAX", func(args []string) ([]string, error) {
		out := append([]string(nil), args...)
		out[len(out)-1] = "TAX:" + args[0]
		return out, nil
	})

	cfg := config.Default()
	cfg.Connection.Backend = "memory"
	cfg.Connection.Host = "memory"
	cfg.Connection.User = "svc"
	cfg.Connection.Password = "secret"
	cfg.Connection.Account = "DEMO"
	cfg.Connection.ConnectRetries = 1
	cfg.Connection.RetryBackoff = time.Millisecond
	cfg.Connection.QueryTimeout = time.Second
	cfg.Watchdog.Timeout = time.Second
	cfg.Safety.MaxRecords = 5
	if configure != nil {
		configure(cfg)
	}

	m, err := connection.NewManager(cfg.ManagerOptions(db.Dialer(), nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Disconnect(context.Background()) })

	wd, err := watchdog.New(m, cfg.WatchdogSettings())
	require.NoError(t, err)

	server := mcp.NewServer("u2mcp-test")
	require.NoError(t, Register(server, m, cfg, WithWatchdog(wd)))

	return &fixture{db: db, manager: m, client: mcp.NewLocalClient(server, "test")}
}

// call returns the decoded JSON result, or the error text of a failed call.
func (f *fixture) call(t *testing.T, name string, args map[string]any) (map[string]any, string) {
	t.Helper()
	res, err := f.client.CallTool(context.Background(), name, args)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	if res.IsError {
		return nil, res.Content[0].Text
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content[0].Text), &out), res.Content[0].Text)
	return out, ""
}

func (f *fixture) mustCall(t *testing.T, name string, args map[string]any) map[string]any {
	t.Helper()
	out, errText := f.call(t, name, args)
	require.Empty(t, errText)
	return out
}

func (f *fixture) mustFail(t *testing.T, name string, args map[string]any, code security.ErrorCode) string {
	t.Helper()
	_, errText := f.call(t, name, args)
	require.NotEmpty(t, errText, "%s succeeded", name)
	assert.True(t, strings.HasPrefix(errText, string(code)+":"), "want %s, got %q", code, errText)
	return errText
}

func TestRegistry(t *testing.T) {
	entries := Registry()
	require.Len(t, entries, 17)

	seen := map[string]bool{}
	for _, e := range entries {
		assert.False(t, seen[e.Name], "duplicate %s", e.Name)
		seen[e.Name] = true
	}

	f := newFixture(t, nil)
	tools, err := f.client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 17)
	for _, tool := range tools {
		assert.True(t, seen[tool.Name])
		assert.NotEmpty(t, tool.Description, tool.Name)
		assert.Equal(t, "object", tool.InputSchema["type"], tool.Name)
	}
}

func TestRegister_RequiresManager(t *testing.T) {
	assert.Error(t, Register(mcp.NewServer("x"), nil, config.Default()))
}

func TestConnectionTools(t *testing.T) {
	f := newFixture(t, nil)

	out := f.mustCall(t, "list_connections", nil)
	assert.Empty(t, out["connections"])

	out = f.mustCall(t, "connect", nil)
	assert.Equal(t, "connected", out["status"])
	assert.Equal(t, "DEMO", out["account"])
	assert.Equal(t, "uvcs", out["service"])
	assert.NotEmpty(t, out["session_id"])

	out = f.mustCall(t, "list_connections", nil)
	conns := out["connections"].([]any)
	require.Len(t, conns, 1)
	conn := conns[0].(map[string]any)
	assert.Equal(t, "default", conn["name"])
	assert.Equal(t, true, conn["is_active"])

	out = f.mustCall(t, "health_check", nil)
	assert.Equal(t, true, out["healthy"])
	assert.Contains(t, out, "watchdog")

	out = f.mustCall(t, "disconnect", nil)
	assert.Equal(t, "disconnected", out["status"])
	assert.Equal(t, float64(1), out["connections_closed"])

	out = f.mustCall(t, "disconnect", nil)
	assert.Equal(t, float64(0), out["connections_closed"], "disconnect is idempotent")
}

func TestConnectFailureIsRetryable(t *testing.T) {
	f := newFixture(t, nil)
	f.db.SetDown(true)

	text := f.mustFail(t, "connect", nil, security.ErrCodeConnection)
	assert.Contains(t, text, "connection:")
	assert.Contains(t, text, "retried")

	f.db.SetDown(false)
	f.mustCall(t, "connect", nil)
}

func TestLoginFailureIsNotRetryable(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Connection.Password = "wrong" })

	text := f.mustFail(t, "read_record", map[string]any{"file": "CUSTOMERS", "id": "C100"}, security.ErrCodeConnection)
	assert.NotContains(t, text, "wrong", "credentials never reach the client")
}

func TestRecordTools(t *testing.T) {
	f := newFixture(t, nil)

	out := f.mustCall(t, "list_files", nil)
	assert.Contains(t, out["files"], "CUSTOMERS")

	out = f.mustCall(t, "open_file", map[string]any{"file": "CUSTOMERS"})
	assert.Equal(t, "open", out["status"])
	f.mustFail(t, "open_file", map[string]any{"file": "NOPE"}, security.ErrCodeNotFound)
	f.mustFail(t, "open_file", map[string]any{"file": "BAD NAME"}, security.ErrCodeInvalidInput)

	out = f.mustCall(t, "read_record", map[string]any{"file": "CUSTOMERS", "id": "C100"})
	assert.Equal(t, []any{"Alice", "CA"}, out["fields"])
	assert.Equal(t, float64(2), out["attributes"])

	f.mustCall(t, "write_record", map[string]any{
		"file":   "CUSTOMERS",
		"id":     "C300",
		"fields": map[string]any{"1": "Carol", "3": []any{"a", []any{"b", "c"}}},
	})
	raw, ok := f.db.Get("CUSTOMERS", "C300")
	require.True(t, ok)
	assert.Equal(t, "Carol"+dynarray.AttributeMark+dynarray.AttributeMark+"a"+dynarray.ValueMark+"b"+dynarray.SubvalueMark+"c", raw)

	out = f.mustCall(t, "read_record", map[string]any{"file": "CUSTOMERS", "id": "C300"})
	assert.Equal(t, []any{"Carol", "", []any{"a", []any{"b", "c"}}}, out["fields"])

	f.mustFail(t, "write_record", map[string]any{"file": "CUSTOMERS", "id": "C1", "fields": 12.5}, security.ErrCodeInvalidInput)
	f.mustFail(t, "write_record", map[string]any{"file": "CUSTOMERS", "id": "X1", "fields": map[string]any{"9223372036854775807": "x"}}, security.ErrCodeInvalidInput)
	f.mustFail(t, "write_record", map[string]any{"file": "CUSTOMERS", "id": "X1", "fields": map[string]any{"200000000": "x"}}, security.ErrCodeInvalidInput)
	f.mustFail(t, "write_record", map[string]any{"file": "CUSTOMERS", "id": "C1", "fields": []any{"x" + dynarray.ItemMark}}, security.ErrCodeProtocol)
	f.mustFail(t, "write_record", map[string]any{"file": "CUSTOMERS", "id": "C1"}, security.ErrCodeValidation)

	out = f.mustCall(t, "delete_record", map[string]any{"file": "CUSTOMERS", "id": "C300"})
	assert.Equal(t, "deleted", out["status"])
	f.mustFail(t, "read_record", map[string]any{"file": "CUSTOMERS", "id": "C300"}, security.ErrCodeNotFound)
	f.mustFail(t, "delete_record", map[string]any{"file": "CUSTOMERS", "id": "C300"}, security.ErrCodeNotFound)
}

func TestDictionaryTools(t *testing.T) {
	f := newFixture(t, nil)

	out := f.mustCall(t, "list_dictionary", map[string]any{"file": "CUSTOMERS"})
	assert.Equal(t, "CUSTOMERS", out["file"])
	assert.Equal(t, float64(2), out["count"])
	items := out["items"].([]any)
	name := items[0].(map[string]any)
	assert.Equal(t, "NAME", name["name"])
	assert.Equal(t, "D", name["type"])
	assert.Equal(t, "1", name["location"])
	assert.Equal(t, "20L", name["format"])
	assert.Equal(t, false, name["multivalue"])
	phones := items[1].(map[string]any)
	assert.Equal(t, "D", phones["type"])
	assert.Equal(t, true, phones["multivalue"])
	assert.Equal(t, "CONTACT", phones["association"])

	// the dictionary and data handles are cached separately
	out = f.mustCall(t, "read_record", map[string]any{"file": "CUSTOMERS", "id": "NAME", "dict": true})
	assert.Equal(t, "DICT CUSTOMERS", out["file"])
	assert.Equal(t, "Name", out["fields"].([]any)[3])
	f.mustFail(t, "read_record", map[string]any{"file": "CUSTOMERS", "id": "NAME"}, security.ErrCodeNotFound)
	f.mustCall(t, "read_record", map[string]any{"file": "DICT CUSTOMERS", "id": "PHONES"})

	out = f.mustCall(t, "list_connections", nil)
	conn := out["connections"].([]any)[0].(map[string]any)
	assert.ElementsMatch(t, []any{"CUSTOMERS", "DICT CUSTOMERS"}, conn["open_files"])

	f.mustCall(t, "write_record", map[string]any{"file": "CUSTOMERS", "id": "CITY", "dict": true, "fields": []any{"D", "2", "", "City", "10L", "S"}})
	_, ok := f.db.Get("DICT CUSTOMERS", "CITY")
	assert.True(t, ok)
	_, ok = f.db.Get("CUSTOMERS", "CITY")
	assert.False(t, ok)

	f.mustFail(t, "list_dictionary", map[string]any{"file": "NOPE"}, security.ErrCodeNotFound)
	f.mustFail(t, "list_dictionary", map[string]any{"file": "BAD NAME"}, security.ErrCodeInvalidInput)
}

func TestReadOnlyMode(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Safety.ReadOnly = true })

	f.mustCall(t, "read_record", map[string]any{"file": "CUSTOMERS", "id": "C100"})
	f.mustFail(t, "write_record", map[string]any{"file": "CUSTOMERS", "id": "C1", "fields": []any{"x"}}, security.ErrCodeSafetyViolation)
	f.mustFail(t, "delete_record", map[string]any{"file": "CUSTOMERS", "id": "C100"}, security.ErrCodeSafetyViolation)
	f.mustFail(t, "execute_command", map[string]any{"command": "DELETE CUSTOMERS C100"}, security.ErrCodeSafetyViolation)

	_, ok := f.db.Get("CUSTOMERS", "C100")
	assert.True(t, ok)
}

func TestBlockedCommand(t *testing.T) {
	f := newFixture(t, nil)

	text := f.mustFail(t, "execute_command", map[string]any{"command": "delete.file CUSTOMERS"}, security.ErrCodeSafetyViolation)
	assert.Contains(t, text, "blocked command")
	assert.NotContains(t, text, "retried")
	assert.Equal(t, 0, f.db.Dials(), "refused commands never touch the backend")
}

func TestQueryTools(t *testing.T) {
	f := newFixture(t, nil)
	for i := range 8 {
		f.db.Put("ORDERS", fmt.Sprintf("O%d", i), "open")
	}

	out := f.mustCall(t, "execute_query", map[string]any{"query": "SELECT ORDERS"})
	assert.Len(t, out["ids"], 5)
	assert.Equal(t, float64(8), out["total"])
	assert.Equal(t, true, out["truncated"])

	out = f.mustCall(t, "execute_query", map[string]any{"query": "SELECT ORDERS", "max_records": 2})
	assert.Len(t, out["ids"], 2)

	out = f.mustCall(t, "execute_query", map[string]any{"query": `SELECT CUSTOMERS WITH F2 = "NY"`})
	assert.Equal(t, []any{"C200"}, out["ids"])

	out = f.mustCall(t, "execute_query", map[string]any{"query": "LIST ORDERS"})
	assert.Contains(t, out["output"], "record(s) listed")

	f.mustFail(t, "execute_query", map[string]any{"query": "SELECT ORDERS", "max_records": -1}, security.ErrCodeValidation)

	out = f.mustCall(t, "execute_command", map[string]any{"command": "COUNT ORDERS"})
	assert.Contains(t, out["output"], "8 record(s) counted")

	text := f.mustFail(t, "execute_command", map[string]any{"command": "FROBNICATE"}, security.ErrCodeBackend)
	assert.Contains(t, text, "backend:")
}

func TestTransactionTools(t *testing.T) {
	f := newFixture(t, nil)

	f.mustFail(t, "commit_transaction", nil, security.ErrCodeTransaction)

	out := f.mustCall(t, "begin_transaction", nil)
	assert.Equal(t, "started", out["status"])
	f.mustFail(t, "begin_transaction", nil, security.ErrCodeTransaction)

	f.mustCall(t, "write_record", map[string]any{"file": "CUSTOMERS", "id": "T1", "fields": []any{"pending"}})
	_, ok := f.db.Get("CUSTOMERS", "T1")
	assert.False(t, ok, "writes are held until commit")

	out = f.mustCall(t, "rollback_transaction", nil)
	assert.Equal(t, "rolled_back", out["status"])
	_, ok = f.db.Get("CUSTOMERS", "T1")
	assert.False(t, ok)

	f.mustCall(t, "begin_transaction", nil)
	f.mustCall(t, "write_record", map[string]any{"file": "CUSTOMERS", "id": "T2", "fields": []any{"kept"}})
	out = f.mustCall(t, "commit_transaction", nil)
	assert.Equal(t, "committed", out["status"])
	raw, ok := f.db.Get("CUSTOMERS", "T2")
	assert.True(t, ok)
	assert.Equal(t, "kept", raw)
}

func TestLostTransactionIsReported(t *testing.T) {
	f := newFixture(t, nil)

	f.mustCall(t, "begin_transaction", nil)
	out := f.mustCall(t, "disconnect", nil)
	assert.Equal(t, true, out["transaction_lost"])

	text := f.mustFail(t, "commit_transaction", nil, security.ErrCodeTransaction)
	assert.Contains(t, text, "lost")
	f.mustFail(t, "commit_transaction", nil, security.ErrCodeTransaction)
	f.mustCall(t, "begin_transaction", nil)

	// begin reports a lost transaction the same way
	f.mustCall(t, "disconnect", nil)
	text = f.mustFail(t, "begin_transaction", nil, security.ErrCodeTransaction)
	assert.Contains(t, text, "lost")
	f.mustCall(t, "begin_transaction", nil)
	f.mustCall(t, "rollback_transaction", nil)
}

func TestSubroutineTools(t *testing.T) {
	f := newFixture(t, nil)

	out := f.mustCall(t, "call_subroutine", map[string]any{"name": "CALC.TAX", "args": []any{"100"}, "num_args": 3})
	assert.Equal(t, []any{"100", "", "TAX:100"}, out["args_out"])
	assert.Equal(t, float64(3), out["num_args"])

	out = f.mustCall(t, "call_subroutine", map[string]any{"name": "CALC.TAX", "args": []any{"5", ""}})
	assert.Equal(t, []any{"5", "TAX:5"}, out["args_out"])

	text := f.mustFail(t, "call_subroutine", map[string]any{"name": "CALC.TAX", "args": []any{"a", "b"}, "num_args": 1}, security.ErrCodeInvalidInput)
	assert.Contains(t, text, "num_args (1) cannot be less than args length (2)")

	f.mustFail(t, "call_subroutine", map[string]any{"name": "CALC.TAX", "args": []any{1}}, security.ErrCodeInvalidInput)
	tooMany := make([]any, security.MaxSubroutineArgs+1)
	for i := range tooMany {
		tooMany[i] = "x"
	}
	f.mustFail(t, "call_subroutine", map[string]any{"name": "CALC.TAX", "args": tooMany}, security.ErrCodeInvalidInput)
	f.mustFail(t, "call_subroutine", map[string]any{"name": "CNAME", "args": []any{}}, security.ErrCodeSafetyViolation)

	out = f.mustCall(t, "list_catalog", nil)
	assert.Equal(t, []any{"CALC.TAX"}, out["programs"])
	assert.Equal(t, "*", out["pattern"])

	out = f.mustCall(t, "list_catalog", map[string]any{"pattern": "GET*"})
	assert.Empty(t, out["programs"])

	f.mustFail(t, "list_catalog", map[string]any{"pattern": `X" DELETE.FILE CUSTOMERS`}, security.ErrCodeSafetyViolation)
}

func TestToolError(t *testing.T) {
	assert.Nil(t, toolError(nil))

	te, ok := mcp.AsToolError(toolError(errors.New("boom")))
	require.True(t, ok)
	assert.Equal(t, security.ErrCodeInternal, te.Code)

	kinds := map[connection.Kind]security.ErrorCode{
		connection.KindConnection:      security.ErrCodeConnection,
		connection.KindTimeout:         security.ErrCodeTimeout,
		connection.KindSafetyViolation: security.ErrCodeSafetyViolation,
		connection.KindProtocol:        security.ErrCodeProtocol,
		connection.KindTransaction:     security.ErrCodeTransaction,
		connection.KindBackend:         security.ErrCodeBackend,
	}
	for kind, code := range kinds {
		err := &connection.Error{Kind: kind, Op: "execute", Message: "m", Retryable: kind == connection.KindTimeout}
		te, ok := mcp.AsToolError(toolError(fmt.Errorf("wrapped: %w", err)))
		require.True(t, ok)
		assert.Equal(t, code, te.Code, kind)
		assert.True(t, strings.HasPrefix(te.Message, string(kind)+": execute: m"), te.Message)
		assert.Equal(t, kind == connection.KindTimeout, te.Retryable)
	}

	err := &connection.Error{Kind: connection.KindTimeout, Op: "execute", Message: "backend call abandoned", SessionInvalidated: true, Retryable: true}
	te, _ = mcp.AsToolError(toolError(err))
	assert.Contains(t, te.Message, "session was reset")
}
