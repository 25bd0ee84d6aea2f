package jobs

import (
	"context"
	"time"

	"attachsync/backend/internal/attachment"
	"attachsync/backend/internal/domain"

	"go.uber.org/zap"
)

// Scheduler 把同步任务放入队列
type Scheduler struct {
	queue  Queue
	logger *zap.Logger
}

var _ attachment.Scheduler = (*Scheduler)(nil)

// NewScheduler 创建调度器
func NewScheduler(queue Queue, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{queue: queue, logger: logger}
}

// ScheduleSync 入队；delay 大于 0 时延迟执行
func (s *Scheduler) ScheduleSync(ctx context.Context, job domain.SyncJob, delay time.Duration) error {
	if err := job.Validate(); err != nil {
		return err
	}

	env := NewEnvelope(job)
	var err error
	if delay > 0 {
		err = s.queue.EnqueueAfter(ctx, env, delay)
	} else {
		err = s.queue.EnqueueNow(ctx, env)
	}
	if err != nil {
		return err
	}

	s.logger.Debug("Job scheduled",
		zap.String("job_id", env.ID),
		zap.String("action", job.Action),
		zap.String("key", job.LockKey()),
		zap.Duration("delay", delay),
	)
	return nil
}
