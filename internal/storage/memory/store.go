package memory

import (
	"context"
	"sync"
	"time"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/storage"

	"github.com/google/uuid"
)

// Store 使用内存保存附件记录，主要用于开发验证和测试。
type Store struct {
	mu          sync.RWMutex
	attachments map[string]*domain.Attachment // attachmentID -> attachment
	byRef       map[domain.Ref]string         // ref -> attachmentID
	now         func() time.Time
}

var _ storage.AttachmentRepository = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		attachments: make(map[string]*domain.Attachment),
		byRef:       make(map[domain.Ref]string),
		now:         time.Now,
	}
}

// Find 按定位信息查找附件
func (s *Store) Find(_ context.Context, ref domain.Ref) (*domain.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byRef[ref]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return s.attachments[id].Clone(), nil
}

// Exists 判断附件记录是否存在
func (s *Store) Exists(_ context.Context, ref domain.Ref) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byRef[ref]
	return ok, nil
}

// Save 保存附件字段
//
// 已存在的同步行保留持久化的值，只有 Pending 的行会被写回 false
func (s *Store) Save(_ context.Context, attachment *domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if attachment.ID == "" {
		if id, ok := s.byRef[attachment.Ref()]; ok {
			attachment.ID = id
		} else {
			attachment.ID = uuid.New().String()
		}
	}
	if attachment.CreatedAt.IsZero() {
		attachment.CreatedAt = now
	}
	attachment.UpdatedAt = now

	stored := attachment.Clone()
	stored.SyncStates = nil
	if existing, ok := s.attachments[attachment.ID]; ok {
		stored.SyncStates = existing.SyncStates
	}

	for i := range attachment.SyncStates {
		in := &attachment.SyncStates[i]
		in.AttachmentID = attachment.ID

		row := stored.State(in.StoreID)
		switch {
		case row == nil:
			row = stored.EnsureState(in.StoreID)
			row.AttachmentID = attachment.ID
			row.Synced = false
		case in.Pending:
			row.Synced = false
			row.SyncedAt = nil
		}
		in.Pending = false
	}

	s.attachments[attachment.ID] = stored
	s.byRef[attachment.Ref()] = attachment.ID
	return nil
}

// Delete 删除附件记录
func (s *Store) Delete(_ context.Context, ref domain.Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRef[ref]
	if !ok {
		return nil
	}
	delete(s.byRef, ref)
	delete(s.attachments, id)
	return nil
}

// ResetSynced 立即把同步标记写成 false
func (s *Store) ResetSynced(_ context.Context, attachmentID string, store domain.StoreID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.attachments[attachmentID]; ok {
		if row := a.State(store); row != nil {
			row.Synced = false
			row.SyncedAt = nil
		}
	}
	return nil
}

// MarkSynced 条件更新同步标记
func (s *Store) MarkSynced(_ context.Context, attachmentID string, store domain.StoreID, generation int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attachments[attachmentID]
	if !ok || a.Generation != generation {
		return 0, nil
	}
	row := a.State(store)
	if row == nil {
		return 0, nil
	}
	row.Synced = true
	t := at
	row.SyncedAt = &t
	return 1, nil
}

// Touch 更新记录时间
func (s *Store) Touch(_ context.Context, attachmentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.attachments[attachmentID]; ok {
		a.UpdatedAt = at
	}
	return nil
}

// Health 内存存储始终可用
func (s *Store) Health(context.Context) error {
	return nil
}

// Count 返回记录数量
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attachments)
}
