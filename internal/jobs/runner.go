package jobs

import (
	"context"
	"errors"

	"attachsync/backend/internal/attachment"
	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/storage"

	"go.uber.org/zap"
)

// Performer 执行单个任务
type Performer interface {
	Perform(ctx context.Context, job domain.SyncJob) error
}

// Runner 根据任务载荷重新加载附件并执行同步
type Runner struct {
	engine *attachment.Engine
	logger *zap.Logger
}

var _ Performer = (*Runner)(nil)

// NewRunner 创建任务执行器
func NewRunner(engine *attachment.Engine, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{engine: engine, logger: logger}
}

// Perform 执行任务
//
// 记录已不存在视为成功。读取暂存文件时遇到失效句柄或文件不存在，
// 再确认一次记录是否还在：还在就返回错误等待重试，已删除则忽略。
func (r *Runner) Perform(ctx context.Context, job domain.SyncJob) error {
	if err := job.Validate(); err != nil {
		return err
	}
	logger := r.logger.With(
		zap.String("attachment", job.Ref().String()),
		zap.String("action", job.Action),
		zap.String("store", job.StoreID),
	)

	a, err := r.engine.Open(ctx, job.Ref())
	if errors.Is(err, domain.ErrRecordNotFound) {
		logger.Info("Record no longer exists, skipping job")
		return nil
	}
	if err != nil {
		return err
	}

	if job.IsProcess() {
		err = a.Reprocess(ctx)
	} else {
		err = a.UploadTo(ctx, job.Store())
	}
	if err == nil {
		return nil
	}

	if storage.IsStale(err) || errors.Is(err, domain.ErrMissingFiles) {
		exists, checkErr := r.engine.Exists(ctx, job.Ref())
		if checkErr != nil {
			logger.Warn("Failed to re-check record after stale read", zap.Error(checkErr))
			return err
		}
		if !exists {
			logger.Warn("Record removed while syncing, dropping job", zap.Error(err))
			return nil
		}
	}
	return err
}
