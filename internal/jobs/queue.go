package jobs

import (
	"context"
	"time"

	"attachsync/backend/internal/domain"

	"github.com/google/uuid"
)

// Envelope 队列中的一条任务
type Envelope struct {
	ID         string         `json:"id"`
	Job        domain.SyncJob `json:"job"`
	Attempts   int            `json:"attempts"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	LastError  string         `json:"lastError,omitempty"`

	// Receipt 由消费端填写的投递凭据，Ack/Bury 时使用
	Receipt string `json:"-"`
}

// NewEnvelope 包装任务
func NewEnvelope(job domain.SyncJob) Envelope {
	return Envelope{
		ID:         uuid.New().String(),
		Job:        job,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue 生产端
type Queue interface {
	EnqueueNow(ctx context.Context, env Envelope) error
	EnqueueAfter(ctx context.Context, env Envelope, delay time.Duration) error
}

// Consumer 消费端
//
// Dequeue 超时没有任务时返回 nil, nil；取出的任务必须 Ack 或 Bury
type Consumer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*Envelope, error)
	Ack(ctx context.Context, env *Envelope) error
	Bury(ctx context.Context, env *Envelope, reason error) error
	Depth(ctx context.Context) (int64, error)
}

// Locker 同一记录同一存储的任务互斥
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// Backoff 第 attempt 次失败后的重试间隔：指数增长，封顶 max
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
