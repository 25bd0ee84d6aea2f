package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"attachsync/backend/internal/jobs"
)

// DefaultQueuePrefix 队列键前缀
const DefaultQueuePrefix = "attachsync:jobs"

// promoteScript 把到期的延迟任务移入就绪列表
var promoteScript = goredis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, item in ipairs(items) do
	redis.call('ZREM', KEYS[1], item)
	redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// unlockScript 只删除自己持有的锁
var unlockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Queue 基于 Redis 列表的可靠队列
//
// ready 列表 -> BLMOVE -> processing 列表，确认时从 processing 删除；
// 延迟任务放在有序集合中，取任务前提升到期项。
type Queue struct {
	rdb    *goredis.Client
	prefix string
	log    *zap.Logger
}

var (
	_ jobs.Queue    = (*Queue)(nil)
	_ jobs.Consumer = (*Queue)(nil)
	_ jobs.Locker   = (*Queue)(nil)
)

// NewQueue 创建队列
func NewQueue(c *Client, prefix string) *Queue {
	if prefix == "" {
		prefix = DefaultQueuePrefix
	}
	return &Queue{rdb: c.rdb, prefix: prefix, log: c.log}
}

func (q *Queue) readyKey() string      { return q.prefix + ":ready" }
func (q *Queue) processingKey() string { return q.prefix + ":processing" }
func (q *Queue) delayedKey() string    { return q.prefix + ":delayed" }
func (q *Queue) deadKey() string       { return q.prefix + ":dead" }
func (q *Queue) lockKey(key string) string {
	return q.prefix + ":lock:" + key
}

func encodeEnvelope(env jobs.Envelope) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(data), nil
}

// EnqueueNow 立即入队
func (q *Queue) EnqueueNow(ctx context.Context, env jobs.Envelope) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, q.readyKey(), payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// EnqueueAfter 延迟入队
func (q *Queue) EnqueueAfter(ctx context.Context, env jobs.Envelope, delay time.Duration) error {
	if delay <= 0 {
		return q.EnqueueNow(ctx, env)
	}
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), goredis.Z{Score: float64(due), Member: payload}).Err(); err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

func (q *Queue) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey(), q.readyKey()}, now, 100).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}

// Dequeue 阻塞取任务，超时返回 nil, nil
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*jobs.Envelope, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	payload, err := q.rdb.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	var env jobs.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		q.log.Error("Dropping undecodable job", zap.String("payload", payload), zap.Error(err))
		if pushErr := q.rdb.LPush(ctx, q.deadKey(), payload).Err(); pushErr != nil {
			return nil, fmt.Errorf("bury undecodable job: %w", pushErr)
		}
		_ = q.rdb.LRem(ctx, q.processingKey(), 1, payload).Err()
		return nil, nil
	}
	env.Receipt = payload
	return &env, nil
}

// Ack 确认完成
func (q *Queue) Ack(ctx context.Context, env *jobs.Envelope) error {
	if err := q.rdb.LRem(ctx, q.processingKey(), 1, env.Receipt).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", env.ID, err)
	}
	return nil
}

// Bury 转入死信列表
func (q *Queue) Bury(ctx context.Context, env *jobs.Envelope, reason error) error {
	dead := *env
	dead.Receipt = ""
	if reason != nil {
		dead.LastError = reason.Error()
	}
	payload, err := encodeEnvelope(dead)
	if err != nil {
		return err
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(), 1, env.Receipt)
		pipe.LPush(ctx, q.deadKey(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bury job %s: %w", env.ID, err)
	}
	return nil
}

// Depth 就绪和延迟任务总数
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	ready, err := q.rdb.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.rdb.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

// Recover 把上次进程退出时未确认的任务放回就绪列表
//
// 只应在没有其他消费进程运行时调用
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.rdb.RPopLPush(ctx, q.processingKey(), q.readyKey()).Err()
		if errors.Is(err, goredis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("recover in-flight jobs: %w", err)
		}
		n++
	}
	if n > 0 {
		q.log.Info("Recovered in-flight jobs", zap.Int("count", n))
	}
	return n, nil
}

// TryLock 获取任务锁
func (q *Queue) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := q.rdb.SetNX(ctx, q.lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock %s: %w", key, err)
	}
	return token, ok, nil
}

// Unlock 释放任务锁
func (q *Queue) Unlock(ctx context.Context, key, token string) error {
	err := unlockScript.Run(ctx, q.rdb, []string{q.lockKey(key)}, token).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	return nil
}
