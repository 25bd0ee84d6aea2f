package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"attachsync/backend/internal/app"
	"attachsync/backend/internal/config"
	"attachsync/backend/internal/logger"
)

// main 独立运行同步 worker，只适用于 Redis 队列
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Queue.Backend != config.QueueRedis {
		fmt.Fprintf(os.Stderr, "standalone worker needs queue.backend=redis, got %q\n", cfg.Queue.Backend)
		os.Exit(2)
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log = logger.Component(log, "worker")

	if err := run(cfg, log); err != nil {
		log.Error("Worker stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Worker exited cleanly")
	_ = log.Sync()
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer application.Close()

	worker, err := application.NewWorker(ctx)
	if err != nil {
		return fmt.Errorf("create sync worker: %w", err)
	}

	log.Info("Consuming sync jobs",
		zap.String("prefix", cfg.Queue.Prefix),
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Bool("recover_on_start", cfg.Queue.RecoverOnStart),
	)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
