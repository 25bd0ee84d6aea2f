// Package redis 基于 Redis 的同步任务队列
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"attachsync/backend/internal/config"
)

const connectTimeout = 5 * time.Second

// Client 队列和去重锁共用的连接
type Client struct {
	rdb *goredis.Client
	log *zap.Logger
}

// options 由配置生成连接参数
//
// Dequeue 使用 BLMOVE 阻塞读取，go-redis 会在读超时之上叠加阻塞时长
func options(cfg *config.RedisConfig) *goredis.Options {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}
	return &goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  connectTimeout,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     poolSize,
		MinIdleConns: min(2, poolSize),
	}
}

// New 连接 Redis，连接失败时返回错误
func New(ctx context.Context, cfg *config.RedisConfig, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	rdb := goredis.NewClient(options(cfg))

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}

	log.Info("Connected to Redis",
		zap.String("address", cfg.Address),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", rdb.Options().PoolSize),
	)
	return &Client{rdb: rdb, log: log}, nil
}

// Close 关闭连接池
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.log.Error("Failed to close Redis connection", zap.Error(err))
		return err
	}
	c.log.Info("Redis connection closed")
	return nil
}

// Ping 就绪检查使用
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
