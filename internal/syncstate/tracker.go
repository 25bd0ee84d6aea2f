package syncstate

import (
	"context"
	"fmt"
	"time"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/storage"

	"go.uber.org/zap"
)

// Tracker 维护附件在各永久存储上的同步标记
//
// 内存中的标记只是数据库的镜像，false -> true 只能经由 MarkSynced 的条件更新
type Tracker struct {
	repo   storage.AttachmentRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker 创建同步状态跟踪器
func NewTracker(repo storage.AttachmentRepository, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{repo: repo, logger: logger, now: time.Now}
}

// SupportsStore 记录是否跟踪该存储
func (t *Tracker) SupportsStore(a *domain.Attachment, store domain.StoreID) bool {
	return a != nil && a.State(store) != nil
}

// IsSynced 是否已同步到该存储
func (t *Tracker) IsSynced(a *domain.Attachment, store domain.StoreID) bool {
	if a == nil {
		return false
	}
	st := a.State(store)
	return st != nil && st.Synced
}

// AllSynced 所有跟踪的存储都已同步
//
// 没有任何跟踪行时返回 false，暂存副本不能被回收
func (t *Tracker) AllSynced(a *domain.Attachment) bool {
	if a == nil || len(a.SyncStates) == 0 {
		return false
	}
	for _, st := range a.SyncStates {
		if !st.Synced {
			return false
		}
	}
	return true
}

// Reset 在内存中重置标记，等宿主下一次保存时写回
func (t *Tracker) Reset(a *domain.Attachment, store domain.StoreID) {
	st := a.State(store)
	if st == nil {
		return
	}
	st.Synced = false
	st.SyncedAt = nil
	st.Pending = true
}

// MarkPending 立即把标记写成 false
//
// 不跟踪该存储时直接跳过；标记已经是 false 时不产生写入
func (t *Tracker) MarkPending(ctx context.Context, a *domain.Attachment, store domain.StoreID) error {
	st := a.State(store)
	if st == nil || !st.Synced {
		return nil
	}
	if err := t.repo.ResetSynced(ctx, a.ID, store); err != nil {
		return fmt.Errorf("reset synced flag for %s on %s: %w", a.Ref(), store, err)
	}
	st.Synced = false
	st.SyncedAt = nil
	return nil
}

// MarkSynced 条件更新标记为 true
//
// 只有记录仍存在且内容代数未变时才会成功；记录已删除返回 false 而不是错误
func (t *Tracker) MarkSynced(ctx context.Context, a *domain.Attachment, store domain.StoreID) (bool, error) {
	st := a.State(store)
	if st == nil {
		return false, nil
	}

	now := t.now()
	n, err := t.repo.MarkSynced(ctx, a.ID, store, a.Generation, now)
	if err != nil {
		return false, fmt.Errorf("mark %s synced to %s: %w", a.Ref(), store, err)
	}
	if n != 1 {
		t.logger.Info("Synced flag not updated, record changed or removed",
			zap.String("attachment", a.Ref().String()),
			zap.String("store", string(store)),
			zap.Int64("generation", a.Generation),
			zap.Int64("rows", n),
		)
		return false, nil
	}

	st.Synced = true
	st.SyncedAt = &now
	st.Pending = false

	if err := t.repo.Touch(ctx, a.ID, now); err != nil {
		// 标记已经写入，touch 失败只影响缓存失效
		t.logger.Warn("Failed to touch record after sync",
			zap.String("attachment", a.Ref().String()),
			zap.Error(err),
		)
	} else {
		a.UpdatedAt = now
	}
	return true, nil
}
