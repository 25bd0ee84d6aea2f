package jobs

import (
	"context"
	"errors"
	"time"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/monitoring"
	"attachsync/backend/internal/pool"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WorkerConfig 后台同步进程配置
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`      // 同时执行的任务数
	RateLimit      float64       `mapstructure:"rate_limit"`       // 每秒最多开始的任务数，0 表示不限
	Burst          int           `mapstructure:"burst"`            // 令牌桶容量
	MaxAttempts    int           `mapstructure:"max_attempts"`     // 超过后转入死信
	BaseBackoff    time.Duration `mapstructure:"base_backoff"`     // 第一次重试间隔
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`      // 重试间隔上限
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`     // 阻塞取任务的超时
	LockTTL        time.Duration `mapstructure:"lock_ttl"`         // 任务锁过期时间，应大于单个任务耗时
	LockRetryDelay time.Duration `mapstructure:"lock_retry_delay"` // 拿不到锁时的重新入队延迟
}

// DefaultWorkerConfig 默认配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:    4,
		RateLimit:      0,
		Burst:          1,
		MaxAttempts:    8,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     10 * time.Minute,
		PollTimeout:    5 * time.Second,
		LockTTL:        10 * time.Minute,
		LockRetryDelay: 5 * time.Second,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	d := DefaultWorkerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockRetryDelay <= 0 {
		c.LockRetryDelay = d.LockRetryDelay
	}
	return c
}

// Worker 从队列取任务并执行
type Worker struct {
	cfg      WorkerConfig
	consumer Consumer
	queue    Queue
	locker   Locker
	runner   Performer
	pool     *pool.WorkerPool
	limiter  *rate.Limiter
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// NewWorker 创建后台同步进程
func NewWorker(cfg WorkerConfig, consumer Consumer, queue Queue, locker Locker, runner Performer, metrics *monitoring.Metrics, logger *zap.Logger) *Worker {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	p := pool.NewWorkerPool(cfg.Concurrency, cfg.Concurrency, logger)
	p.OnPanic(func(interface{}) { metrics.RecordPanic() })

	return &Worker{
		cfg:      cfg,
		consumer: consumer,
		queue:    queue,
		locker:   locker,
		runner:   runner,
		pool:     p,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		metrics:  metrics,
		logger:   logger,
	}
}

// Run 持续消费直到 ctx 结束
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Sync worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Float64("rate_limit", w.cfg.RateLimit),
	)
	w.pool.Start(ctx)
	defer w.pool.Stop()

	for {
		if ctx.Err() != nil {
			w.logger.Info("Sync worker stopping",
				zap.Int("busy", w.pool.Busy()),
				zap.Int("pending", w.pool.Pending()),
			)
			return nil
		}

		env, err := w.consumer.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("Failed to dequeue job", zap.Error(err))
			w.metrics.RecordError("dequeue", "worker")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if env == nil {
			w.reportDepth(ctx)
			continue
		}

		if !w.pool.Submit(ctx, func() { w.Handle(ctx, env) }) {
			return nil
		}
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	depth, err := w.consumer.Depth(ctx)
	if err != nil {
		return
	}
	w.metrics.UpdateQueueDepth("sync", depth)
}

// Handle 执行一条任务并按结果确认、重试或转入死信
//
// 确认和重新入队使用不随 ctx 取消的上下文，关闭期间被打断的任务会放回队列
func (w *Worker) Handle(ctx context.Context, env *Envelope) {
	settle := context.WithoutCancel(ctx)
	logger := w.logger.With(
		zap.String("job_id", env.ID),
		zap.String("key", env.Job.LockKey()),
		zap.Int("attempts", env.Attempts),
	)

	if err := w.limiter.Wait(ctx); err != nil {
		w.release(settle, env, logger)
		return
	}

	key := env.Job.LockKey()
	token, ok, err := w.locker.TryLock(ctx, key, w.cfg.LockTTL)
	if err != nil {
		if ctx.Err() != nil {
			w.release(settle, env, logger)
			return
		}
		logger.Warn("Failed to acquire job lock", zap.Error(err))
		w.retry(settle, env, err, logger)
		return
	}
	if !ok {
		logger.Debug("Job for the same attachment and store is running, deferring")
		w.requeue(settle, env, w.cfg.LockRetryDelay, logger)
		return
	}
	defer func() {
		if err := w.locker.Unlock(settle, key, token); err != nil {
			logger.Warn("Failed to release job lock", zap.Error(err))
		}
	}()

	w.metrics.JobStarted()
	defer w.metrics.JobFinished()

	err = w.runner.Perform(ctx, env.Job)
	switch {
	case err == nil:
		w.metrics.RecordJob(env.Job.Action, "ok")
		if ackErr := w.consumer.Ack(settle, env); ackErr != nil {
			logger.Warn("Failed to ack job", zap.Error(ackErr))
		}
	case domain.IsPermanent(err):
		logger.Error("Job failed permanently", zap.Error(err))
		w.bury(settle, env, err, logger)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		w.release(settle, env, logger)
	default:
		w.retry(settle, env, err, logger)
	}
}

// release 把被关闭打断的任务原样放回队列，不计入重试次数
func (w *Worker) release(ctx context.Context, env *Envelope, logger *zap.Logger) {
	next := *env
	next.Receipt = ""
	w.metrics.RecordJob(env.Job.Action, "interrupted")
	if err := w.queue.EnqueueNow(ctx, next); err != nil {
		// 未确认的任务留在处理中列表，由 Recover 找回
		logger.Error("Failed to return interrupted job to queue", zap.Error(err))
		return
	}
	if err := w.consumer.Ack(ctx, env); err != nil {
		logger.Warn("Failed to ack interrupted job", zap.Error(err))
	}
	logger.Info("Job interrupted by shutdown, returned to queue")
}

func (w *Worker) retry(ctx context.Context, env *Envelope, cause error, logger *zap.Logger) {
	next := *env
	next.Attempts++
	next.LastError = cause.Error()
	next.Receipt = ""

	if next.Attempts >= w.cfg.MaxAttempts {
		logger.Error("Job exhausted retries", zap.Error(cause))
		w.bury(ctx, env, cause, logger)
		return
	}

	delay := Backoff(next.Attempts, w.cfg.BaseBackoff, w.cfg.MaxBackoff)
	logger.Warn("Job failed, retrying",
		zap.Error(cause),
		zap.Duration("delay", delay),
	)
	w.metrics.RecordJob(env.Job.Action, "retry")
	if err := w.queue.EnqueueAfter(ctx, next, delay); err != nil {
		logger.Error("Failed to schedule retry", zap.Error(err))
		return
	}
	if err := w.consumer.Ack(ctx, env); err != nil {
		logger.Warn("Failed to ack retried job", zap.Error(err))
	}
}

func (w *Worker) requeue(ctx context.Context, env *Envelope, delay time.Duration, logger *zap.Logger) {
	next := *env
	next.Receipt = ""
	w.metrics.RecordJob(env.Job.Action, "deferred")
	if err := w.queue.EnqueueAfter(ctx, next, delay); err != nil {
		logger.Error("Failed to defer job", zap.Error(err))
		return
	}
	if err := w.consumer.Ack(ctx, env); err != nil {
		logger.Warn("Failed to ack deferred job", zap.Error(err))
	}
}

func (w *Worker) bury(ctx context.Context, env *Envelope, cause error, logger *zap.Logger) {
	w.metrics.RecordJob(env.Job.Action, "buried")
	if err := w.consumer.Bury(ctx, env, cause); err != nil {
		logger.Error("Failed to bury job", zap.Error(err))
	}
}
