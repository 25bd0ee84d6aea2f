package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attachsync/backend/internal/attachment"
	"attachsync/backend/internal/cache"
	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/storage"
)

var (
	ErrUnknownAttachment = errors.New("unknown attachment")
	ErrNoFile            = errors.New("attachment has no file")
)

// AttachmentService 附件相关业务操作
type AttachmentService struct {
	engine  *attachment.Engine
	repo    storage.AttachmentRepository
	content *cache.LocalCache
	logger  *zap.Logger
}

// Option 附件服务可选项
type Option func(*AttachmentService)

// WithContentCache 缓存已读取的样式内容
func WithContentCache(c *cache.LocalCache) Option {
	return func(s *AttachmentService) {
		s.content = c
	}
}

// NewAttachmentService 创建附件业务服务
func NewAttachmentService(engine *attachment.Engine, repo storage.AttachmentRepository, logger *zap.Logger, opts ...Option) *AttachmentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AttachmentService{
		engine: engine,
		repo:   repo,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// contentKey 每次分配或重新处理都会递增 generation，旧条目自然失效
func contentKey(ref domain.Ref, generation int64, style string) string {
	return fmt.Sprintf("%s|%d|%s", ref, generation, style)
}

// StoreStatus 单个永久存储的同步状态
type StoreStatus struct {
	StoreID  domain.StoreID `json:"storeId"`
	Synced   bool           `json:"synced"`
	SyncedAt *time.Time     `json:"syncedAt,omitempty"`
}

// AttachmentStatus 附件对外展示的状态
type AttachmentStatus struct {
	domain.Ref
	Present         bool              `json:"present"`
	FileName        string            `json:"fileName,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	FileSize        int64             `json:"fileSize"`
	FileUpdatedAt   *time.Time        `json:"fileUpdatedAt,omitempty"`
	Generation      int64             `json:"generation"`
	State           string            `json:"state"`
	AllSynced       bool              `json:"allSynced"`
	Stores          []StoreStatus     `json:"stores"`
	URLs            map[string]string `json:"urls"`
	ProcessingError string            `json:"processingError,omitempty"`
}

// Content 某个样式的文件内容
type Content struct {
	FileName    string
	ContentType string
	Data        []byte
}

func (s *AttachmentService) lookup(ref domain.Ref) error {
	if _, err := s.engine.Registry().Lookup(ref.RecordType, ref.Name); err != nil {
		return fmt.Errorf("%w: %s.%s", ErrUnknownAttachment, ref.RecordType, ref.Name)
	}
	return nil
}

func (s *AttachmentService) open(ctx context.Context, ref domain.Ref) (*attachment.Attachment, error) {
	if err := s.lookup(ref); err != nil {
		return nil, err
	}
	return s.engine.Open(ctx, ref)
}

// Upload 分配新文件并保存，暂存完成后把传播任务交给队列
func (s *AttachmentService) Upload(ctx context.Context, ref domain.Ref, upload *domain.Upload) (*AttachmentStatus, error) {
	if err := s.lookup(ref); err != nil {
		return nil, err
	}
	a, err := s.engine.OpenOrNew(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := a.Assign(ctx, upload); err != nil {
		return nil, err
	}
	if err := a.Commit(ctx); err != nil {
		return nil, err
	}
	a = s.reload(ctx, a)

	s.logger.Info("Attachment uploaded",
		zap.String("ref", ref.String()),
		zap.String("file_name", a.Record().FileName),
		zap.Int64("size", a.Record().FileSize),
		zap.Int64("generation", a.Record().Generation),
		zap.Stringer("state", a.State()),
	)
	return toStatus(a), nil
}

// Get 返回附件状态
func (s *AttachmentService) Get(ctx context.Context, ref domain.Ref) (*AttachmentStatus, error) {
	a, err := s.open(ctx, ref)
	if err != nil {
		return nil, err
	}
	return toStatus(a), nil
}

// Content 读取样式内容
func (s *AttachmentService) Content(ctx context.Context, ref domain.Ref, style string) (*Content, error) {
	a, err := s.open(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !a.Present() {
		return nil, ErrNoFile
	}
	if style == "" {
		style = domain.OriginalStyle
	}
	if _, ok := a.Definition().Styles().Get(style); !ok && style != domain.OriginalStyle {
		return nil, fmt.Errorf("%w: unknown style %q", storage.ErrNotFound, style)
	}

	key := contentKey(ref, a.Record().Generation, style)
	data, hit := s.cachedContent(key)
	if !hit {
		data, err = a.Resolve(ctx, style, "")
		if err != nil {
			return nil, err
		}
		if s.content != nil {
			s.content.Set(key, data)
		}
	}
	return &Content{
		FileName:    a.Record().FileName,
		ContentType: a.ContentType(style),
		Data:        data,
	}, nil
}

func (s *AttachmentService) cachedContent(key string) ([]byte, bool) {
	if s.content == nil {
		return nil, false
	}
	return s.content.Get(key)
}

// CacheStats 返回内容缓存统计，未启用缓存时返回零值
func (s *AttachmentService) CacheStats() cache.Stats {
	if s.content == nil {
		return cache.Stats{}
	}
	return s.content.Stats()
}

// URL 返回样式的公开地址
func (s *AttachmentService) URL(ctx context.Context, ref domain.Ref, style string, versioned bool) (string, error) {
	if err := s.lookup(ref); err != nil {
		return "", err
	}
	a, err := s.engine.OpenOrNew(ctx, ref)
	if err != nil {
		return "", err
	}
	if style == "" {
		style = domain.OriginalStyle
	}
	if versioned {
		return a.VersionedURL(style), nil
	}
	return a.URL(style), nil
}

// Delete 删除附件文件和记录
func (s *AttachmentService) Delete(ctx context.Context, ref domain.Ref) error {
	a, err := s.open(ctx, ref)
	if err != nil {
		return err
	}
	generation := a.Record().Generation
	styles := a.StyleNames()
	if err := a.Destroy(ctx); err != nil {
		return err
	}
	if s.content != nil {
		for _, style := range styles {
			s.content.Delete(contentKey(ref, generation, style))
		}
	}
	if err := s.repo.Delete(ctx, ref); err != nil {
		return fmt.Errorf("delete attachment record %s: %w", ref, err)
	}
	s.logger.Info("Attachment deleted", zap.String("ref", ref.String()))
	return nil
}

// Reprocess 从原始文件重新生成所有样式
func (s *AttachmentService) Reprocess(ctx context.Context, ref domain.Ref) (*AttachmentStatus, error) {
	a, err := s.open(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !a.Present() {
		return nil, ErrNoFile
	}
	if err := a.Reprocess(ctx); err != nil {
		return nil, err
	}
	return toStatus(s.reload(ctx, a)), nil
}

// reload 重新读取记录
//
// 内联队列在 Commit 内就完成了传播并回收暂存，调用方手里的记录已经过时
func (s *AttachmentService) reload(ctx context.Context, a *attachment.Attachment) *attachment.Attachment {
	fresh, err := s.engine.Open(ctx, a.Record().Ref())
	if err != nil {
		s.logger.Warn("Failed to reload attachment after save",
			zap.String("ref", a.Record().Ref().String()),
			zap.Error(err),
		)
		return a
	}
	return fresh
}

// Sync 立即把暂存内容传播到指定存储
func (s *AttachmentService) Sync(ctx context.Context, ref domain.Ref, store domain.StoreID) (*AttachmentStatus, error) {
	a, err := s.open(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := a.UploadTo(ctx, store); err != nil {
		return nil, err
	}
	return toStatus(a), nil
}

func toStatus(a *attachment.Attachment) *AttachmentStatus {
	rec := a.Record()
	status := &AttachmentStatus{
		Ref:             rec.Ref(),
		Present:         a.Present(),
		FileName:        rec.FileName,
		ContentType:     rec.ContentType,
		FileSize:        rec.FileSize,
		FileUpdatedAt:   rec.FileUpdatedAt,
		Generation:      rec.Generation,
		State:           a.State().String(),
		AllSynced:       a.AllSynced(),
		ProcessingError: rec.ProcessingError,
		URLs:            make(map[string]string),
	}
	for _, id := range a.Definition().StoreIDs() {
		st := rec.State(id)
		if st == nil {
			continue
		}
		status.Stores = append(status.Stores, StoreStatus{
			StoreID:  id,
			Synced:   a.IsSynced(id),
			SyncedAt: st.SyncedAt,
		})
	}
	for _, style := range a.StyleNames() {
		status.URLs[style] = a.VersionedURL(style)
	}
	return status
}
