package tools

import (
	"context"
	"time"

	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/mcp"
	"github.com/aixgo-dev/u2mcp/pkg/watchdog"
)

type noInput struct{}

type connectOutput struct {
	Status      string    `json:"status"`
	SessionID   string    `json:"session_id"`
	Host        string    `json:"host"`
	Account     string    `json:"account"`
	Service     string    `json:"service"`
	ConnectedAt time.Time `json:"connected_at"`
}

func connectTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("connect",
		"Establish the session to the UniVerse/UniData server using the configured host, account and credentials. "+
			"Other tools connect on demand, so this is only needed to verify connectivity up front.",
		func(ctx context.Context, _ noInput) (connectOutput, error) {
			info, err := d.Manager.Connect(ctx)
			if err != nil {
				return connectOutput{}, toolError(err)
			}
			return connectOutput{
				Status:      "connected",
				SessionID:   info.ID,
				Host:        info.Host,
				Account:     info.Account,
				Service:     info.Service,
				ConnectedAt: info.ConnectedAt,
			}, nil
		}).ToTool()
}

type disconnectOutput struct {
	Status            string `json:"status"`
	ConnectionsClosed int    `json:"connections_closed"`
	TransactionLost   bool   `json:"transaction_lost,omitempty"`
}

func disconnectTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("disconnect",
		"Close the session. An open transaction is discarded and reported as lost on the next transaction call.",
		func(ctx context.Context, _ noInput) (disconnectOutput, error) {
			before := d.Manager.Status()
			if err := d.Manager.Disconnect(ctx); err != nil {
				return disconnectOutput{}, toolError(err)
			}
			out := disconnectOutput{Status: "disconnected", TransactionLost: before.InTransaction}
			if before.ID != "" {
				out.ConnectionsClosed = 1
			}
			return out, nil
		}).ToTool()
}

type connectionInfo struct {
	Name          string    `json:"name"`
	SessionID     string    `json:"session_id"`
	State         string    `json:"state"`
	Host          string    `json:"host"`
	Account       string    `json:"account"`
	Service       string    `json:"service"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IsActive      bool      `json:"is_active"`
	InTransaction bool      `json:"in_transaction"`
	OpenFiles     []string  `json:"open_files"`
}

type listConnectionsOutput struct {
	Connections []connectionInfo `json:"connections"`
}

func listConnectionsTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("list_connections",
		"List the server's database sessions with host, account, service, connection time and activity.",
		func(ctx context.Context, _ noInput) (listConnectionsOutput, error) {
			info := d.Manager.Status()
			out := listConnectionsOutput{Connections: []connectionInfo{}}
			if info.ID == "" {
				return out, nil
			}
			files := info.OpenFiles
			if files == nil {
				files = []string{}
			}
			out.Connections = append(out.Connections, connectionInfo{
				Name:          d.Connection,
				SessionID:     info.ID,
				State:         info.State,
				Host:          info.Host,
				Account:       info.Account,
				Service:       info.Service,
				ConnectedAt:   info.ConnectedAt,
				LastActivity:  info.LastActivity,
				IsActive:      info.Active(),
				InTransaction: info.InTransaction,
				OpenFiles:     files,
			})
			return out, nil
		}).ReadOnly().ToTool()
}

type healthOutput struct {
	Healthy  bool                   `json:"healthy"`
	Session  connection.SessionInfo `json:"session"`
	Watchdog *watchdog.Stats        `json:"watchdog,omitempty"`
}

func healthCheckTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("health_check",
		"Probe the session with a no-op command, reconnecting first if it is down. Reports session state and watchdog counters.",
		func(ctx context.Context, _ noInput) (healthOutput, error) {
			out := healthOutput{Healthy: d.Manager.HealthCheck(ctx, d.ProbeTimeout)}
			out.Session = d.Manager.Status()
			if d.Watchdog != nil {
				stats := d.Watchdog.Stats()
				out.Watchdog = &stats
			}
			return out, nil
		}).ReadOnly().ToTool()
}
