package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/u2mcp/pkg/config"
	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/driver/memdb"
	"github.com/aixgo-dev/u2mcp/pkg/mcp"
	"github.com/aixgo-dev/u2mcp/pkg/security"
	"github.com/aixgo-dev/u2mcp/pkg/tools"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()

	db := memdb.New()
	db.Put("CUSTOMERS", "C1", "Alice")
	db.Put("CUSTOMERS", "C2", "Bob")

	cfg := config.Default()
	cfg.Connection.Backend = "memory"
	cfg.Connection.Account = "DEMO"
	cfg.Connection.ConnectRetries = 1

	m, err := connection.NewManager(cfg.ManagerOptions(db.Dialer(), nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Disconnect(context.Background()) })

	server := mcp.NewServer("u2mcp")
	require.NoError(t, tools.Register(server, m, cfg))

	var out bytes.Buffer
	sh := &shell{client: mcp.NewLocalClient(server, "shell"), out: &out}
	infos, err := sh.client.ListTools(context.Background())
	require.NoError(t, err)
	for _, i := range infos {
		sh.tools = append(sh.tools, i.Name)
	}
	return sh, &out
}

func TestShellHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("command output is plain text", func(t *testing.T) {
		sh, out := newTestShell(t)
		assert.False(t, sh.handle(ctx, "COUNT CUSTOMERS"))
		assert.Equal(t, "2 record(s) counted.\n", out.String())
	})

	t.Run("select runs as a query", func(t *testing.T) {
		sh, out := newTestShell(t)
		sh.handle(ctx, "SELECT CUSTOMERS")
		assert.Contains(t, out.String(), `"ids"`)
		assert.Contains(t, out.String(), "C2")
	})

	t.Run("blocked command", func(t *testing.T) {
		sh, out := newTestShell(t)
		sh.handle(ctx, "DELETE.FILE CUSTOMERS")
		assert.Contains(t, out.String(), "SAFETY_VIOLATION")
	})

	t.Run("call with arguments", func(t *testing.T) {
		sh, out := newTestShell(t)
		sh.handle(ctx, `.call read_record {"file": "CUSTOMERS", "id": "C1"}`)
		assert.Contains(t, out.String(), "Alice")
	})

	t.Run("call with bad json", func(t *testing.T) {
		sh, out := newTestShell(t)
		sh.handle(ctx, `.call read_record {`)
		assert.Contains(t, out.String(), "invalid JSON arguments")
	})

	t.Run("unknown meta command", func(t *testing.T) {
		sh, out := newTestShell(t)
		sh.handle(ctx, ".frob")
		assert.Contains(t, out.String(), "unknown command .frob")
	})

	t.Run("quit", func(t *testing.T) {
		sh, _ := newTestShell(t)
		assert.True(t, sh.handle(ctx, ".quit"))
	})
}

func TestShellComplete(t *testing.T) {
	sh := &shell{tools: []string{"read_record", "rollback_transaction", "write_record"}}

	assert.Equal(t, []string{".call ", ".help"}, sh.complete(".")[:2])
	assert.Equal(t, []string{".call read_record ", ".call rollback_transaction "}, sh.complete(".call r"))
	assert.Empty(t, sh.complete("LIST"))
}

func TestToolLimits(t *testing.T) {
	cfg := config.Default()
	opts, err := toolLimits(cfg)
	require.NoError(t, err)
	assert.Len(t, opts, len(security.DefaultToolLimits()))

	cfg.RateLimit.Tools["execute_command"] = security.Limit{}
	opts, err = toolLimits(cfg)
	require.NoError(t, err)
	assert.Len(t, opts, len(security.DefaultToolLimits())-1)

	cfg.RateLimit.Tools["execute_comand"] = security.Limit{Rate: 1, Burst: 1}
	_, err = toolLimits(cfg)
	assert.ErrorContains(t, err, `unknown tool "execute_comand"`)
}

func TestServeRejectsUnknownTransport(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"serve", "--transport", "grpc"})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "u2mcp "+Version)
}
