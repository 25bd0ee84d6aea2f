package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"attachsync/backend/internal/attachment"
	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/monitoring"
	"attachsync/backend/internal/storage/memory"
	"attachsync/backend/internal/storage/tiers"
	"attachsync/backend/internal/variant"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	engine *attachment.Engine
	repo   *memory.Store
	set    *tiers.Set
	queue  *MemoryQueue
	runner *Runner
	ref    domain.Ref
	upload *domain.Upload
}

func (e *harness) staging() *memory.Objects {
	return e.set.Staging.Client.(*memory.Objects)
}

func (e *harness) store(id domain.StoreID) *memory.Objects {
	t, _ := e.set.Lookup(id)
	return t.Client.(*memory.Objects)
}

func newHarness(t *testing.T, cfg attachment.DefinitionConfig) *harness {
	t.Helper()

	set := &tiers.Set{
		Staging: tiers.NewMemoryTier(domain.StagingStoreID, "http://cache.local/:key"),
		Stores: []*tiers.Tier{
			tiers.NewMemoryTier("store_1", "http://store.local/:key"),
			tiers.NewMemoryTier("store_2", "http://mirror.local/:key"),
		},
	}
	cfg.RecordType = "Post"
	cfg.Name = "image"
	if cfg.Key == "" {
		cfg.Key = ":filename"
	}

	def, err := attachment.NewDefinition(cfg, set, variant.PassthroughTransformer{}, zap.NewNop())
	require.NoError(t, err)
	registry := attachment.NewRegistry()
	require.NoError(t, registry.Register(def))

	repo := memory.NewStore()
	queue := NewMemoryQueue()
	engine := attachment.NewEngine(repo, registry, NewScheduler(queue, zap.NewNop()), zap.NewNop())

	return &harness{
		engine: engine,
		repo:   repo,
		set:    set,
		queue:  queue,
		runner: NewRunner(engine, zap.NewNop()),
		ref:    domain.Ref{RecordType: "Post", RecordID: "42", Name: "image"},
		upload: &domain.Upload{FileName: "test.txt", ContentType: "text/plain", Data: []byte("qwe")},
	}
}

func (e *harness) commit(t *testing.T, up *domain.Upload) {
	t.Helper()
	ctx := context.Background()
	a, err := e.engine.OpenOrNew(ctx, e.ref)
	require.NoError(t, err)
	require.NoError(t, a.Assign(ctx, up))
	require.NoError(t, a.Commit(ctx))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 30*time.Second), "attempt %d", tt.attempt)
	}
}

func TestScheduler_RejectsIncompleteJob(t *testing.T) {
	q := NewMemoryQueue()
	s := NewScheduler(q, nil)

	err := s.ScheduleSync(context.Background(), domain.SyncJob{Action: domain.JobActionSync, RecordType: "Post"}, 0)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Empty(t, q.Pending())

	job := domain.NewSyncJob(domain.Ref{RecordType: "Post", RecordID: "1", Name: "image"}, "store_1")
	require.NoError(t, s.ScheduleSync(context.Background(), job, time.Hour))
	assert.Equal(t, []domain.SyncJob{job}, q.Pending())
}

func TestRunner_PropagatesToEveryStore(t *testing.T) {
	ctx := context.Background()
	e := newHarness(t, attachment.DefinitionConfig{})
	e.commit(t, e.upload)

	require.Len(t, e.queue.Pending(), 2)
	require.NoError(t, e.queue.Drain(ctx, e.runner))

	for _, id := range []domain.StoreID{"store_1", "store_2"} {
		data, err := e.store(id).Get(ctx, "test.txt")
		require.NoError(t, err)
		assert.Equal(t, "qwe", string(data))
		assert.Equal(t, 1, e.store(id).PutCount("test.txt"))
	}

	a, err := e.engine.Open(ctx, e.ref)
	require.NoError(t, err)
	assert.True(t, a.AllSynced())
	assert.Empty(t, e.staging().Keys(), "staging is reclaimed after the last store")

	// 重复执行不会再次上传
	require.NoError(t, e.runner.Perform(ctx, domain.NewSyncJob(e.ref, "store_1")))
	assert.Equal(t, 1, e.store("store_1").PutCount("test.txt"))
}

func TestRunner_RecordGone(t *testing.T) {
	ctx := context.Background()
	e := newHarness(t, attachment.DefinitionConfig{})

	t.Run("记录不存在视为成功", func(t *testing.T) {
		err := e.runner.Perform(ctx, domain.NewSyncJob(e.ref, "store_1"))
		assert.NoError(t, err)
	})

	t.Run("缺失文件且记录存在时返回永久错误", func(t *testing.T) {
		e.commit(t, e.upload)
		require.NoError(t, e.staging().Delete(ctx, "test.txt"))

		err := e.runner.Perform(ctx, domain.NewSyncJob(e.ref, "store_1"))
		require.Error(t, err)
		assert.True(t, domain.IsPermanent(err))
	})

	t.Run("无效载荷", func(t *testing.T) {
		err := e.runner.Perform(ctx, domain.SyncJob{})
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}

func TestRunner_ProcessJob(t *testing.T) {
	ctx := context.Background()
	e := newHarness(t, attachment.DefinitionConfig{
		Key:             ":style/:filename",
		Styles:          []variant.Style{{Name: "thumb", Geometry: "50x50#"}},
		DelayProcessing: true,
	})
	e.commit(t, &domain.Upload{FileName: "cat.png", ContentType: "image/png", Data: []byte("png")})

	pending := e.queue.Pending()
	require.Len(t, pending, 1)
	assert.True(t, pending[0].IsProcess())

	require.NoError(t, e.queue.Drain(ctx, e.runner))

	assert.ElementsMatch(t, []string{"original/cat.png", "thumb/cat.png"}, e.store("store_1").Keys())
	assert.ElementsMatch(t, []string{"original/cat.png", "thumb/cat.png"}, e.store("store_2").Keys())
	assert.Empty(t, e.queue.Buried())
}

type fakePerformer struct {
	mu    sync.Mutex
	err   error
	calls []domain.SyncJob
}

func (p *fakePerformer) Perform(_ context.Context, job domain.SyncJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, job)
	return p.err
}

func (p *fakePerformer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func dequeueOne(t *testing.T, q *MemoryQueue) *Envelope {
	t.Helper()
	got, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestWorker_Handle(t *testing.T) {
	ctx := context.Background()
	job := domain.NewSyncJob(domain.Ref{RecordType: "Post", RecordID: "1", Name: "image"}, "store_1")
	cfg := WorkerConfig{MaxAttempts: 3, BaseBackoff: time.Hour, LockRetryDelay: time.Hour}

	t.Run("成功后确认", func(t *testing.T) {
		q := NewMemoryQueue()
		p := &fakePerformer{}
		w := NewWorker(cfg, q, q, q, p, monitoring.NewMetrics(), zap.NewNop())

		require.NoError(t, q.EnqueueNow(ctx, NewEnvelope(job)))
		w.Handle(ctx, dequeueOne(t, q))

		assert.Equal(t, 1, p.Calls())
		assert.Empty(t, q.Pending())
		assert.Empty(t, q.Buried())
	})

	t.Run("临时错误延迟重试", func(t *testing.T) {
		q := NewMemoryQueue()
		p := &fakePerformer{err: errors.New("connection reset")}
		w := NewWorker(cfg, q, q, q, p, nil, zap.NewNop())

		require.NoError(t, q.EnqueueNow(ctx, NewEnvelope(job)))
		w.Handle(ctx, dequeueOne(t, q))

		require.Len(t, q.Pending(), 1)
		depth, _ := q.Depth(ctx)
		assert.Equal(t, int64(1), depth)
		q.mu.Lock()
		require.Len(t, q.delayed, 1)
		assert.Equal(t, 1, q.delayed[0].env.Attempts)
		assert.Equal(t, "connection reset", q.delayed[0].env.LastError)
		q.mu.Unlock()
	})

	t.Run("重试耗尽转入死信", func(t *testing.T) {
		q := NewMemoryQueue()
		p := &fakePerformer{err: errors.New("timeout")}
		w := NewWorker(cfg, q, q, q, p, nil, zap.NewNop())

		envl := NewEnvelope(job)
		envl.Attempts = 2
		require.NoError(t, q.EnqueueNow(ctx, envl))
		w.Handle(ctx, dequeueOne(t, q))

		assert.Empty(t, q.Pending())
		require.Len(t, q.Buried(), 1)
		assert.Equal(t, "timeout", q.Buried()[0].LastError)
	})

	t.Run("永久错误直接转入死信", func(t *testing.T) {
		q := NewMemoryQueue()
		p := &fakePerformer{err: domain.MissingFilesError(job.Ref(), "store_1", "original")}
		w := NewWorker(cfg, q, q, q, p, nil, zap.NewNop())

		require.NoError(t, q.EnqueueNow(ctx, NewEnvelope(job)))
		w.Handle(ctx, dequeueOne(t, q))

		assert.Empty(t, q.Pending())
		assert.Len(t, q.Buried(), 1)
	})

	t.Run("同一附件同一存储的任务互斥", func(t *testing.T) {
		q := NewMemoryQueue()
		p := &fakePerformer{}
		w := NewWorker(cfg, q, q, q, p, nil, zap.NewNop())

		token, ok, err := q.TryLock(ctx, job.LockKey(), time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, q.EnqueueNow(ctx, NewEnvelope(job)))
		w.Handle(ctx, dequeueOne(t, q))

		assert.Equal(t, 0, p.Calls())
		assert.Len(t, q.Pending(), 1, "job is deferred, not dropped")
		require.NoError(t, q.Unlock(ctx, job.LockKey(), token))
	})
}

// cancellingPerformer 模拟执行到一半收到关闭信号
type cancellingPerformer struct {
	cancel context.CancelFunc
}

func (p cancellingPerformer) Perform(ctx context.Context, _ domain.SyncJob) error {
	p.cancel()
	return ctx.Err()
}

func TestWorker_HandleShutdown(t *testing.T) {
	job := domain.NewSyncJob(domain.Ref{RecordType: "Post", RecordID: "1", Name: "image"}, "store_1")
	cfg := WorkerConfig{MaxAttempts: 3, BaseBackoff: time.Hour, LockRetryDelay: time.Hour}

	assertReturned := func(t *testing.T, q *MemoryQueue) {
		t.Helper()
		pending := q.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, job, pending[0])
		assert.Empty(t, q.Buried())

		q.mu.Lock()
		defer q.mu.Unlock()
		assert.Empty(t, q.inflight, "interrupted job must not stay unacked")
		require.Len(t, q.ready, 1)
		assert.Equal(t, 0, q.ready[0].Attempts)
	}

	t.Run("执行中被取消的任务放回队列", func(t *testing.T) {
		q := NewMemoryQueue()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		w := NewWorker(cfg, q, q, q, cancellingPerformer{cancel: cancel}, nil, zap.NewNop())

		require.NoError(t, q.EnqueueNow(context.Background(), NewEnvelope(job)))
		w.Handle(ctx, dequeueOne(t, q))

		assertReturned(t, q)
		_, ok, err := q.TryLock(context.Background(), job.LockKey(), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "lock must be released")
	})

	t.Run("等待限流时已关闭的任务放回队列", func(t *testing.T) {
		q := NewMemoryQueue()
		p := &fakePerformer{}
		w := NewWorker(cfg, q, q, q, p, nil, zap.NewNop())

		require.NoError(t, q.EnqueueNow(context.Background(), NewEnvelope(job)))
		env := dequeueOne(t, q)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		w.Handle(ctx, env)

		assert.Equal(t, 0, p.Calls())
		assertReturned(t, q)
	})
}

func TestWorker_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newHarness(t, attachment.DefinitionConfig{})
	w := NewWorker(WorkerConfig{Concurrency: 2, PollTimeout: 20 * time.Millisecond}, e.queue, e.queue, e.queue, e.runner, monitoring.NewMetrics(), zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	e.commit(t, e.upload)

	require.Eventually(t, func() bool {
		a, err := e.engine.Open(context.Background(), e.ref)
		return err == nil && a.AllSynced()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestInlineQueue(t *testing.T) {
	ctx := context.Background()
	e := newHarness(t, attachment.DefinitionConfig{})

	inline := NewInlineQueue(e.runner, zap.NewNop())
	e.engine.SetScheduler(NewScheduler(inline, zap.NewNop()))

	e.commit(t, e.upload)

	a, err := e.engine.Open(ctx, e.ref)
	require.NoError(t, err)
	assert.True(t, a.AllSynced())
	assert.Empty(t, e.queue.Pending())
	assert.Empty(t, e.staging().Keys())
}

func TestMemoryQueue_DelayedPromotion(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	job := domain.NewSyncJob(domain.Ref{RecordType: "Post", RecordID: "1", Name: "image"}, "store_1")

	require.NoError(t, q.EnqueueAfter(ctx, NewEnvelope(job), 30*time.Millisecond))

	got, err := q.Dequeue(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job, got.Job)
	assert.NotEmpty(t, got.Receipt)
}
