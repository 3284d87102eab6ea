// gmp-subscriber consumes amplifier work items from Redis and turns them
// into chain tasks in the shared database.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/commonprefix/mock-gmp-api/pkg/bus"
	"github.com/commonprefix/mock-gmp-api/pkg/config"
	"github.com/commonprefix/mock-gmp-api/pkg/observability"
	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("subscriber exited", "error", err)
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

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tasks, err := store.NewTaskStore(db)
	if err != nil {
		return err
	}
	queries, err := store.NewQueryStore(db)
	if err != nil {
		return err
	}

	sub := bus.New(cfg.Redis.Addr, cfg.Redis.Queue, tasks, queries, logger)
	defer func() { _ = sub.Close() }()

	return sub.Run(ctx)
}
