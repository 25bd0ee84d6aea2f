// Package app 按配置组装同步引擎、存储层和任务队列，供各个命令共用
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"attachsync/backend/internal/attachment"
	"attachsync/backend/internal/cache"
	"attachsync/backend/internal/config"
	"attachsync/backend/internal/health"
	"attachsync/backend/internal/jobs"
	"attachsync/backend/internal/logger"
	"attachsync/backend/internal/monitoring"
	"attachsync/backend/internal/service"
	"attachsync/backend/internal/storage"
	"attachsync/backend/internal/storage/memory"
	redisstore "attachsync/backend/internal/storage/redis"
	sqlstore "attachsync/backend/internal/storage/sql"
	"attachsync/backend/internal/storage/tiers"
	"attachsync/backend/internal/variant"
)

// App 组装完成的运行时组件
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Metrics     *monitoring.Metrics
	Health      *health.HealthChecker
	Repo        storage.AttachmentRepository
	Tiers       *tiers.Set
	Engine      *attachment.Engine
	Runner      *jobs.Runner
	Attachments *service.AttachmentService

	queue      jobs.Queue
	consumer   jobs.Consumer
	locker     jobs.Locker
	inline     *jobs.InlineQueue
	redisQueue *redisstore.Queue
	closers    []func() error
}

// New 按配置创建所有组件
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: monitoring.NewMetrics(),
		Health:  health.NewHealthChecker(logger.Component(log, "health")),
	}

	if err := a.openRepository(); err != nil {
		a.Close()
		return nil, err
	}

	set, err := tiers.OpenSet(ctx, cfg.Storage.Staging, cfg.Storage.Stores, logger.Component(log, "storage"))
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Tiers = set

	transformer := variant.NewImagingTransformer(cfg.Processing.Quality)
	registry, err := attachment.BuildRegistry(cfg.Attachments, set, transformer, logger.Component(log, "variant"))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Engine = attachment.NewEngine(a.Repo, registry, nil, logger.Component(log, "engine"),
		attachment.WithMetrics(a.Metrics),
	)
	a.Runner = jobs.NewRunner(a.Engine, logger.Component(log, "runner"))

	if err := a.openQueue(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Engine.SetScheduler(jobs.NewScheduler(a.queue, logger.Component(log, "scheduler")))

	var opts []service.Option
	if cfg.Cache.MaxBytes > 0 {
		opts = append(opts, service.WithContentCache(cache.NewLocalCache(cfg.Cache.MaxBytes, cfg.Cache.TTL)))
	}
	a.Attachments = service.NewAttachmentService(a.Engine, a.Repo, logger.Component(log, "service"), opts...)

	log.Info("Attachment engine ready",
		zap.String("queue", cfg.Queue.Backend),
		zap.Int("attachments", len(cfg.Attachments)),
		zap.Int("stores", len(set.Stores)),
	)
	return a, nil
}

func (a *App) openRepository() error {
	cfg := a.Config.Database
	if cfg.Type == "" {
		a.Repo = memory.NewStore()
		a.Logger.Warn("Using memory repository, attachment records are lost on restart")
	} else {
		store, err := sqlstore.NewStore(
			cfg.Type,
			cfg.DSN,
			cfg.MaxOpenConns,
			cfg.MaxIdleConns,
			cfg.ConnMaxLifetime,
			logger.Component(a.Logger, "repository"),
		)
		if err != nil {
			return fmt.Errorf("open %s repository: %w", cfg.Type, err)
		}
		a.Repo = store
		a.closers = append(a.closers, store.Close)
		a.Logger.Info("Using database repository", zap.String("type", cfg.Type))
	}
	a.Health.AddDependency("database", a.Repo, true)
	return nil
}

func (a *App) openQueue(ctx context.Context) error {
	switch a.Config.Queue.Backend {
	case config.QueueMemory:
		q := jobs.NewMemoryQueue()
		a.queue, a.consumer, a.locker = q, q, q
	case config.QueueInline:
		a.inline = jobs.NewInlineQueue(a.Runner, logger.Component(a.Logger, "inline"))
		a.queue = a.inline
	case config.QueueRedis:
		client, err := redisstore.New(ctx, &a.Config.Redis, logger.Component(a.Logger, "redis"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		a.redisQueue = redisstore.NewQueue(client, a.Config.Queue.Prefix)
		a.queue, a.consumer, a.locker = a.redisQueue, a.redisQueue, a.redisQueue
		a.Health.AddDependency("redis", health.PingerFunc(client.Ping), true)
	default:
		return fmt.Errorf("unsupported queue backend %q", a.Config.Queue.Backend)
	}
	return nil
}

// ErrNoConsumer 当前队列不需要独立 worker
var ErrNoConsumer = errors.New("queue backend has no consumer")

// NewWorker 创建消费队列的 worker
func (a *App) NewWorker(ctx context.Context) (*jobs.Worker, error) {
	if a.consumer == nil {
		return nil, ErrNoConsumer
	}
	if a.redisQueue != nil && a.Config.Queue.RecoverOnStart {
		if _, err := a.redisQueue.Recover(ctx); err != nil {
			return nil, err
		}
	}
	return jobs.NewWorker(
		a.Config.Worker,
		a.consumer,
		a.queue,
		a.locker,
		a.Runner,
		a.Metrics,
		logger.Component(a.Logger, "worker"),
	), nil
}

// Close 等待内联任务完成并关闭连接
func (a *App) Close() {
	if a.inline != nil {
		a.inline.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
	a.closers = nil
}
