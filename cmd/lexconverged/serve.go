package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexconverge/internal/config"
	apihttp "github.com/fyrsmithlabs/lexconverge/internal/http"
	"github.com/fyrsmithlabs/lexconverge/internal/mcp"
)

// runServe starts the HTTP job API and blocks until ctx is cancelled.
//
// Startup order:
//  1. Load and validate configuration
//  2. Initialize logger and telemetry
//  3. Wire agents, validation adapters, NATS and the job manager
//  4. Start the HTTP server
//  5. Drain on cancellation within the shutdown timeout
func runServe(ctx context.Context, path string) error {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Observability, false)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting lexconverged",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := d.Close(closeCtx); err != nil {
			logger.Warn(closeCtx, "daemon shutdown incomplete", zap.Error(err))
		}
	}()

	opts := []apihttp.Option{
		apihttp.WithGatherer(d.registry),
		apihttp.WithTelemetry(d.telemetry),
		apihttp.WithHTTPMetrics(apihttp.NewHTTPMetrics(logger.Underlying())),
		apihttp.WithVersion(version),
	}
	if d.natsConn != nil {
		opts = append(opts, apihttp.WithEvents(d.natsConn))
	}
	srv, err := apihttp.NewServer(d.manager, logger, &apihttp.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}

// runMCP serves the job tools on stdio until the client disconnects or
// ctx is cancelled. Jobs run in process.
func runMCP(ctx context.Context, path string) error {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg.Observability, true)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	d, err := newDaemon(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize daemon: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = d.Close(closeCtx)
	}()

	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "lexconverge",
		Version: version,
		Logger:  logger.Named("mcp").Underlying(),
		MaxWait: cfg.Jobs.Timeout,
	}, d.manager)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	return srv.Run(ctx)
}
