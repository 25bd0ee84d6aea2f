package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"attachsync/backend/internal/app"
	"attachsync/backend/internal/config"
	"attachsync/backend/internal/logger"
	httptransport "attachsync/backend/internal/transport/http"
)

// main 启动附件 API，按配置在同一进程内运行同步 worker
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("Server stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Server exited cleanly")
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

	// 内存队列只能由本进程消费；inline 队列不需要 worker
	var worker interface{ Run(context.Context) error }
	if cfg.Server.EmbeddedWorker {
		w, err := application.NewWorker(ctx)
		switch {
		case errors.Is(err, app.ErrNoConsumer):
			log.Info("Inline queue configured, no embedded worker")
		case err != nil:
			return fmt.Errorf("create sync worker: %w", err)
		default:
			worker = w
		}
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:      cfg,
		Attachments: application.Attachments,
		Metrics:     application.Metrics,
		Health:      application.Health,
		Logger:      logger.Component(log, "http"),
	})
	httpServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("address", httpServer.Addr),
			zap.String("queue", cfg.Queue.Backend),
			zap.Bool("embedded_worker", worker != nil),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if worker != nil {
		group.Go(func() error {
			return worker.Run(groupCtx)
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("Shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
