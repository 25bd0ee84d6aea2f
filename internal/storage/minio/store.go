package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"attachsync/backend/internal/storage"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Config MinIO 存储配置
type Config struct {
	Endpoint   string `mapstructure:"endpoint"` // host:port，不带协议
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Bucket     string `mapstructure:"bucket"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	PublicURL  string `mapstructure:"public_url"`
	AutoCreate bool   `mapstructure:"auto_create"` // bucket 不存在时自动创建
}

// Store 基于 minio-go 的永久存储
type Store struct {
	client    *minio.Client
	bucket    string
	bucketURL string
	logger    *zap.Logger
}

var (
	_ storage.Client    = (*Store)(nil)
	_ storage.Presigner = (*Store)(nil)
)

// NewStore 创建 MinIO 客户端并检查 bucket
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	if cfg.AutoCreate {
		exists, err := client.BucketExists(ctx, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("check bucket existence: %w", err)
		}
		if !exists {
			if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
			}
			logger.Info("Created bucket", zap.String("bucket", cfg.Bucket))
		}
	}

	return &Store{
		client:    client,
		bucket:    cfg.Bucket,
		bucketURL: BucketURL(cfg),
		logger:    logger,
	}, nil
}

// BucketURL 返回 bucket 的公开访问前缀
func BucketURL(cfg Config) string {
	if cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/")
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
}

// Put 上传对象
func (s *Store) Put(ctx context.Context, key string, body []byte, meta storage.Metadata) error {
	opts := minio.PutObjectOptions{
		ContentType:  meta.ContentType,
		CacheControl: meta.CacheControl,
		Expires:      meta.Expires,
	}
	if meta.Public {
		opts.UserMetadata = map[string]string{"x-amz-acl": "public-read"}
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), opts)
	if err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}

// Get 下载对象
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	defer obj.Close()

	// GetObject 是惰性的，错误在第一次读取时才出现
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return data, nil
}

// Exists 判断对象是否存在
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat object %q: %w", key, err)
	}
	return true, nil
}

// Delete 删除对象
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("remove object %q: %w", key, err)
	}
	return nil
}

// URL 返回公开访问地址
func (s *Store) URL(key string) string {
	return s.bucketURL + "/" + strings.TrimLeft(key, "/")
}

// BucketURL 返回 bucket 公开访问前缀
func (s *Store) BucketURL() string {
	return s.bucketURL
}

// PresignGet 生成临时下载地址
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get %q: %w", key, err)
	}
	return u.String(), nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
