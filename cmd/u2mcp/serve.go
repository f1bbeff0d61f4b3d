package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/u2mcp/pkg/config"
	"github.com/aixgo-dev/u2mcp/pkg/mcp"
	"github.com/aixgo-dev/u2mcp/pkg/observability"
)

// errClientGone ends the process when the stdio client closes stdin.
var errClientGone = errors.New("stdio client disconnected")

type serveFlags struct {
	transport string
	host      string
	port      int
}

func newServeCmd(global *globalFlags) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP over stdio or HTTP",
		Long: `Serve the tools to an MCP client.

With --transport stdio (the default) requests arrive on stdin and responses
leave on stdout; logs go to stderr. With --transport http the endpoint is
POST /mcp, next to /health and /metrics, and the watchdog always runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch flags.transport {
			case "stdio", "http":
			default:
				return fmt.Errorf("unknown transport %q (want stdio or http)", flags.transport)
			}

			cfg, err := loadConfig(global, func(c *config.Config) {
				if cmd.Flags().Changed("host") {
					c.HTTP.Host = flags.host
				}
				if cmd.Flags().Changed("port") {
					c.HTTP.Port = flags.port
				}
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, flags.transport)
		},
	}

	cmd.Flags().StringVar(&flags.transport, "transport", "stdio", "MCP transport: stdio or http")
	cmd.Flags().StringVar(&flags.host, "host", "", "HTTP listen host (overrides configuration)")
	cmd.Flags().IntVar(&flags.port, "port", 0, "HTTP listen port (overrides configuration)")
	return cmd
}

// serve runs the transport, the HTTP listeners and the watchdog until ctx
// ends or one of them fails.
func serve(ctx context.Context, cfg *config.Config, transport string) error {
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	g, ctx := errgroup.WithContext(ctx)

	var servers []*observability.Server
	if transport == "http" {
		srv := observability.NewServer(cfg.HTTP.Addr(), rt.healthChecker())
		srv.Handle("/mcp", rt.server.HTTPHandler(cfg.HTTP.CORSOrigins))
		servers = append(servers, srv)
	}
	if cfg.HTTP.MetricsPort > 0 {
		addr := net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.MetricsPort))
		servers = append(servers, observability.NewServer(addr, rt.healthChecker()))
	}
	for _, srv := range servers {
		if err := srv.Listen(); err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr(), err)
		}
	}
	for _, srv := range servers {
		rt.logger.Info().Str("addr", srv.Addr()).Msg("http listener started")
		g.Go(srv.Start)
	}

	if transport == "http" || cfg.Watchdog.Enabled {
		if err := rt.watchdog.Start(ctx); err != nil {
			return err
		}
	}

	if transport == "stdio" {
		g.Go(func() error {
			err := mcp.NewStdioTransport(rt.server, os.Stdin, os.Stdout).Serve(ctx)
			if err == nil && ctx.Err() == nil {
				rt.logger.Info().Msg("stdio client disconnected")
				return errClientGone
			}
			return err
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		rt.logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				rt.logger.Warn().Err(err).Str("addr", srv.Addr()).Msg("http shutdown failed")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errClientGone) {
		return err
	}
	return nil
}
