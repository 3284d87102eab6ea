// gmp-api runs the mock relay HTTP server: task queue, event ingestion,
// broadcast lifecycle and payload storage behind one gateway.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commonprefix/mock-gmp-api/pkg/api"
	"github.com/commonprefix/mock-gmp-api/pkg/broadcast"
	"github.com/commonprefix/mock-gmp-api/pkg/config"
	"github.com/commonprefix/mock-gmp-api/pkg/ingest"
	"github.com/commonprefix/mock-gmp-api/pkg/observability"
	"github.com/commonprefix/mock-gmp-api/pkg/payload"
	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, observability.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tasks, err := store.NewTaskStore(db)
	if err != nil {
		return err
	}
	events, err := store.NewEventStore(db)
	if err != nil {
		return err
	}
	broadcasts, err := store.NewBroadcastStore(db)
	if err != nil {
		return err
	}
	queries, err := store.NewQueryStore(db)
	if err != nil {
		return err
	}

	payloads, err := payload.New(ctx, cfg.Payload.Backend, db, payload.S3Config{
		Bucket:   cfg.Payload.S3Bucket,
		Region:   cfg.Payload.S3Region,
		Endpoint: cfg.Payload.S3Endpoint,
		Prefix:   cfg.Payload.S3Prefix,
	})
	if err != nil {
		return err
	}

	engine := broadcast.NewEngine(
		broadcasts,
		queries,
		&broadcast.CommandExecutor{Command: cfg.Executor.Command},
		&broadcast.CommandChecker{Command: cfg.Executor.CheckCommand},
		logger,
		broadcast.Config{
			PollInterval:    cfg.Executor.PollInterval,
			MaxPollAttempts: cfg.Executor.MaxPollAttempts,
			CallTimeout:     cfg.Executor.CallTimeout,
		},
	).WithTelemetry(telemetry)
	defer engine.Close()

	ingestor := ingest.New(events, tasks, logger)
	server := api.NewServer(logger, tasks, ingestor, engine, payloads, api.Options{
		RateLimitRPS:   cfg.API.RateLimitRPS,
		RateLimitBurst: cfg.API.RateLimitBurst,
		IdempotencyTTL: cfg.API.IdempotencyTTL,
		Telemetry:      telemetry,
	})
	defer server.Close()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", httpServer.Addr, "driver", cfg.Database.Driver, "payload_backend", cfg.Payload.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
