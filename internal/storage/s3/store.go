package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"attachsync/backend/internal/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// Config S3 存储配置
type Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"` // 自定义端点（MinIO、兼容 S3 的云存储）
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PublicURL string `mapstructure:"public_url"` // 为空时根据端点和 bucket 推导
	PathStyle bool   `mapstructure:"path_style"`
}

// api 便于测试替换的 S3 调用子集
type api interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

// Store 基于 aws-sdk-go-v2 的永久存储
type Store struct {
	client    api
	presign   *awss3.PresignClient
	bucket    string
	bucketURL string
	logger    *zap.Logger
}

var (
	_ storage.Client    = (*Store)(nil)
	_ storage.Presigner = (*Store)(nil)
)

// NewStore 创建 S3 存储
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		client:    client,
		presign:   awss3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		bucketURL: BucketURL(cfg),
		logger:    logger,
	}, nil
}

// BucketURL 返回 bucket 的公开访问前缀
//
// 与签名客户端的寻址方式一致：path_style 时 bucket 在路径里，否则在主机名里
func BucketURL(cfg Config) string {
	if cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		region := cfg.Region
		if region == "" {
			region = "us-east-1"
		}
		endpoint = fmt.Sprintf("https://s3.%s.amazonaws.com", region)
	}
	if cfg.PathStyle {
		return endpoint + "/" + cfg.Bucket
	}

	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint + "/" + cfg.Bucket
	}
	u.Host = cfg.Bucket + "." + u.Host
	return u.String()
}

// Put 上传对象，公开读并带长缓存时间
func (s *Store) Put(ctx context.Context, key string, body []byte, meta storage.Metadata) error {
	in := &awss3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if meta.ContentType != "" {
		in.ContentType = aws.String(meta.ContentType)
	}
	if meta.CacheControl != "" {
		in.CacheControl = aws.String(meta.CacheControl)
	}
	if !meta.Expires.IsZero() {
		in.Expires = aws.Time(meta.Expires)
	}
	if meta.Public {
		in.ACL = types.ObjectCannedACLPublicRead
	}

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	return nil
}

// Get 下载对象
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	return data, nil
}

// Exists 判断对象是否存在
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("head object %q: %w", key, err)
	}
	return true, nil
}

// Delete 删除对象，不存在视为成功
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete object %q: %w", key, err)
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
	if s.presign == nil {
		return "", fmt.Errorf("presign client is not configured")
	}
	req, err := s.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign get %q: %w", key, err)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
