package attachment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/monitoring"
	"attachsync/backend/internal/storage"
	"attachsync/backend/internal/syncstate"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Scheduler 把任务交给队列
type Scheduler interface {
	ScheduleSync(ctx context.Context, job domain.SyncJob, delay time.Duration) error
}

// Engine 同步引擎：持有附件句柄共享的依赖
type Engine struct {
	repo      storage.AttachmentRepository
	registry  *Registry
	tracker   *syncstate.Tracker
	scheduler Scheduler
	http      *http.Client
	metrics   *monitoring.Metrics
	logger    *zap.Logger
	now       func() time.Time

	downloads singleflight.Group
}

// Option 引擎选项
type Option func(*Engine)

// WithHTTPClient 指定按 URL 下载时使用的客户端
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.http = c
	}
}

// WithMetrics 启用监控指标
func WithMetrics(m *monitoring.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine 创建同步引擎
func NewEngine(repo storage.AttachmentRepository, registry *Registry, scheduler Scheduler, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		repo:      repo,
		registry:  registry,
		tracker:   syncstate.NewTracker(repo, logger),
		scheduler: scheduler,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetScheduler 设置调度器
//
// 内联队列需要先有引擎才能构造，所以允许之后再设置
func (e *Engine) SetScheduler(s Scheduler) {
	e.scheduler = s
}

// Tracker 返回同步状态跟踪器
func (e *Engine) Tracker() *syncstate.Tracker {
	return e.tracker
}

// Registry 返回附件定义注册表
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Open 加载已存在的附件，记录不存在返回 domain.ErrRecordNotFound
func (e *Engine) Open(ctx context.Context, ref domain.Ref) (*Attachment, error) {
	def, err := e.registry.Lookup(ref.RecordType, ref.Name)
	if err != nil {
		return nil, err
	}
	rec, err := e.repo.Find(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.bind(def, rec), nil
}

// OpenOrNew 加载附件，不存在时返回一个尚未保存的空附件
func (e *Engine) OpenOrNew(ctx context.Context, ref domain.Ref) (*Attachment, error) {
	def, err := e.registry.Lookup(ref.RecordType, ref.Name)
	if err != nil {
		return nil, err
	}
	rec, err := e.repo.Find(ctx, ref)
	if errors.Is(err, domain.ErrRecordNotFound) {
		rec = &domain.Attachment{RecordType: ref.RecordType, RecordID: ref.RecordID, Name: ref.Name}
	} else if err != nil {
		return nil, err
	}
	return e.bind(def, rec), nil
}

// Exists 附件记录是否仍存在
func (e *Engine) Exists(ctx context.Context, ref domain.Ref) (bool, error) {
	return e.repo.Exists(ctx, ref)
}

func (e *Engine) bind(def *Definition, rec *domain.Attachment) *Attachment {
	a := &Attachment{
		engine:  e,
		def:     def,
		record:  rec,
		queued:  make(map[string]queuedFile),
		errors:  make(map[string]error),
		logger:  e.logger.With(zap.String("attachment", rec.Ref().String())),
		deletes: nil,
	}
	a.state = a.initialState()
	return a
}
