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
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/helixmcp/internal/api/mcp"
	"github.com/scrypster/helixmcp/internal/logging"
	"github.com/scrypster/helixmcp/internal/notify"
	"github.com/scrypster/helixmcp/internal/server"
	"github.com/scrypster/helixmcp/internal/tracing"
	"github.com/scrypster/helixmcp/web/handlers"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP tools (default command)",
		Long:  "Wire the HelixDB client, session registry and update coordinator, then serve MCP over the configured transport.",
		RunE:  runServe,
	}
	addServeFlags(cmd)
	return cmd
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().String("transport", "", "override server.transport (stdio, http or tcp)")
	cmd.Flags().String("host", "", "override server.host")
	cmd.Flags().Int("port", 0, "override the http or tcp port of the selected transport")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Setup(ctx, cfg.Tracing, cfg.Server.Name, cfg.Server.Version, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("journal close failed", zap.Error(err))
		}
	}()

	if err := a.probe(ctx); err != nil {
		logger.Warn("backend probe failed; continuing", zap.Error(err))
	}

	logger.Info("helix-mcp starting",
		zap.String("version", version),
		zap.String("transport", cfg.Server.Transport),
		zap.String("embedding_mode", cfg.Embedding.Mode),
		zap.String("backend", cfg.HelixBaseURL()),
		zap.Int("tools", len(a.router.Tools())))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sessions.Run(ctx)
		return nil
	})
	g.Go(func() error {
		err := serveTransport(ctx, a)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		// The transport returning ends the process, e.g. on stdin EOF.
		stop()
		return err
	})

	err = g.Wait()
	logger.Info("helix-mcp stopped")
	return err
}

func serveTransport(ctx context.Context, a *app) error {
	cfg := a.cfg.Server
	switch cfg.Transport {
	case "stdio":
		a.logger.Info("serving JSON-RPC 2.0 on stdin/stdout")
		return mcp.NewStdioTransport(a.mcp, os.Stdin, os.Stdout, a.logger.Named("stdio")).Serve(ctx)

	case "tcp":
		return mcp.NewTCPTransport(a.mcp, mcp.TCPConfig{
			Addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort)),
			NoDelay:   cfg.TCPNoDelay,
			KeepAlive: cfg.TCPKeepAlive,
		}, a.logger.Named("tcp")).Serve(ctx)

	case "http":
		watcher := notify.NewEventWatcher(a.cfg.Journal.DataPath, a.hub.Publish, a.logger.Named("events"))
		if err := watcher.Start(); err != nil {
			a.logger.Warn("event watcher unavailable; only local events are streamed", zap.Error(err))
		} else {
			defer watcher.Stop()
		}

		srv := server.New(server.Config{
			Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort)),
			APIToken:    cfg.APIToken,
			CORSOrigins: cfg.CORSOrigins,
			RateLimit:   cfg.RateLimit,
			RateBurst:   cfg.RateBurst,
		}, server.Routes{
			MCP:     a.mcp,
			Health:  handlers.NewHealthHandler(a.client, a.sessions, cfg.Version),
			Metrics: a.metrics.Handler(),
			Events:  handlers.NewEventStream(a.hub, cfg.CORSOrigins, a.logger.Named("ws")),
		}, a.logger.Named("http"))
		return srv.Start(ctx)
	}
	return fmt.Errorf("unsupported transport %q", cfg.Transport)
}
