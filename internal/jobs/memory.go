package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"attachsync/backend/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type delayedEnvelope struct {
	env Envelope
	due time.Time
}

// MemoryQueue 进程内队列，开发环境和测试使用
//
// 同时实现 Queue、Consumer 和 Locker；进程退出后未完成的任务会丢失
type MemoryQueue struct {
	mu       sync.Mutex
	ready    []Envelope
	delayed  []delayedEnvelope
	inflight map[string]Envelope
	buried   []Envelope
	locks    map[string]string
	notify   chan struct{}
	now      func() time.Time
}

var (
	_ Queue    = (*MemoryQueue)(nil)
	_ Consumer = (*MemoryQueue)(nil)
	_ Locker   = (*MemoryQueue)(nil)
)

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]Envelope),
		locks:    make(map[string]string),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// EnqueueNow 立即入队
func (q *MemoryQueue) EnqueueNow(_ context.Context, env Envelope) error {
	q.mu.Lock()
	q.ready = append(q.ready, env)
	q.mu.Unlock()
	q.signal()
	return nil
}

// EnqueueAfter 延迟入队
func (q *MemoryQueue) EnqueueAfter(ctx context.Context, env Envelope, delay time.Duration) error {
	if delay <= 0 {
		return q.EnqueueNow(ctx, env)
	}
	q.mu.Lock()
	q.delayed = append(q.delayed, delayedEnvelope{env: env, due: q.now().Add(delay)})
	q.mu.Unlock()
	q.signal()
	return nil
}

// promote 把到期的延迟任务移到就绪队列，返回下一个到期时间
func (q *MemoryQueue) promote() (time.Time, bool) {
	now := q.now()
	sort.SliceStable(q.delayed, func(i, j int) bool { return q.delayed[i].due.Before(q.delayed[j].due) })

	n := 0
	for n < len(q.delayed) && !q.delayed[n].due.After(now) {
		q.ready = append(q.ready, q.delayed[n].env)
		n++
	}
	q.delayed = q.delayed[n:]
	if len(q.delayed) == 0 {
		return time.Time{}, false
	}
	return q.delayed[0].due, true
}

func (q *MemoryQueue) pop() (*Envelope, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next, hasNext := q.promote()
	if len(q.ready) == 0 {
		return nil, next, hasNext
	}
	env := q.ready[0]
	q.ready = q.ready[1:]
	env.Receipt = uuid.New().String()
	q.inflight[env.Receipt] = env
	return &env, next, hasNext
}

// Dequeue 取出一条任务，超时返回 nil, nil
func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	deadline := q.now().Add(timeout)
	for {
		env, next, hasNext := q.pop()
		if env != nil {
			return env, nil
		}

		wait := deadline.Sub(q.now())
		if wait <= 0 {
			return nil, nil
		}
		if hasNext {
			if untilDue := next.Sub(q.now()); untilDue < wait {
				wait = untilDue
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack 确认完成
func (q *MemoryQueue) Ack(_ context.Context, env *Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, env.Receipt)
	return nil
}

// Bury 转入死信
func (q *MemoryQueue) Bury(_ context.Context, env *Envelope, reason error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, env.Receipt)
	dead := *env
	dead.Receipt = ""
	if reason != nil {
		dead.LastError = reason.Error()
	}
	q.buried = append(q.buried, dead)
	return nil
}

// Depth 就绪和延迟任务总数
func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.ready) + len(q.delayed)), nil
}

// TryLock 获取锁，ttl 在内存实现中忽略
func (q *MemoryQueue) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, held := q.locks[key]; held {
		return "", false, nil
	}
	token := uuid.New().String()
	q.locks[key] = token
	return token, true, nil
}

// Unlock 释放锁，token 不匹配时不做任何事
func (q *MemoryQueue) Unlock(_ context.Context, key, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locks[key] == token {
		delete(q.locks, key)
	}
	return nil
}

// Pending 返回就绪和延迟中的任务
func (q *MemoryQueue) Pending() []domain.SyncJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.SyncJob, 0, len(q.ready)+len(q.delayed))
	for _, env := range q.ready {
		out = append(out, env.Job)
	}
	for _, d := range q.delayed {
		out = append(out, d.env.Job)
	}
	return out
}

// Buried 返回死信任务
func (q *MemoryQueue) Buried() []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Envelope, len(q.buried))
	copy(out, q.buried)
	return out
}

// Drain 同步执行所有就绪任务（含执行中新产生的），延迟任务保留
//
// 返回第一个错误，失败的任务转入死信
func (q *MemoryQueue) Drain(ctx context.Context, performer Performer) error {
	var first error
	for {
		q.mu.Lock()
		if len(q.ready) == 0 {
			q.mu.Unlock()
			return first
		}
		env := q.ready[0]
		q.ready = q.ready[1:]
		q.mu.Unlock()

		if err := performer.Perform(ctx, env.Job); err != nil {
			if first == nil {
				first = err
			}
			_ = q.Bury(ctx, &env, err)
		}
	}
}

// InlineQueue 入队即执行，适合没有后台进程的部署
type InlineQueue struct {
	performer Performer
	logger    *zap.Logger
	wg        sync.WaitGroup
}

var _ Queue = (*InlineQueue)(nil)

// NewInlineQueue 创建内联队列
func NewInlineQueue(performer Performer, logger *zap.Logger) *InlineQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InlineQueue{performer: performer, logger: logger}
}

// EnqueueNow 在调用方协程内执行
func (q *InlineQueue) EnqueueNow(ctx context.Context, env Envelope) error {
	if q.performer == nil {
		return errors.New("inline queue has no performer")
	}
	return q.performer.Perform(ctx, env.Job)
}

// EnqueueAfter 延迟后在后台执行，错误只记录日志
func (q *InlineQueue) EnqueueAfter(ctx context.Context, env Envelope, delay time.Duration) error {
	if delay <= 0 {
		return q.EnqueueNow(ctx, env)
	}
	q.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer q.wg.Done()
		if err := q.performer.Perform(context.Background(), env.Job); err != nil {
			q.logger.Error("Delayed inline job failed",
				zap.String("key", env.Job.LockKey()),
				zap.Error(err),
			)
		}
	})
	return nil
}

// Wait 等待所有延迟任务结束
func (q *InlineQueue) Wait() {
	q.wg.Wait()
}
