package storage

import (
	"context"
	"errors"
	"io/fs"
	"syscall"
	"time"

	"attachsync/backend/internal/domain"
)

// CacheMaxAge 存储对象的缓存时长（10年）
const CacheMaxAge = 10 * 365 * 24 * time.Hour

var (
	// ErrNotFound 对象不存在，属于正常控制流
	ErrNotFound = errors.New("object not found")
)

// Metadata 写入对象时附带的元数据
type Metadata struct {
	ContentType  string
	CacheControl string
	Expires      time.Time
	Public       bool
}

// NewMetadata 生成带长缓存时间的公开读元数据
func NewMetadata(contentType string) Metadata {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Metadata{
		ContentType:  contentType,
		CacheControl: "max-age=315360000",
		Expires:      time.Now().Add(CacheMaxAge).UTC(),
		Public:       true,
	}
}

// Client 单个存储层的统一接口
//
// 副作用只限于该存储本身；不存在的对象对 Get 返回 ErrNotFound，
// 对 Exists/Delete 不视为错误。其它错误都是可重试的临时错误。
type Client interface {
	Put(ctx context.Context, key string, body []byte, meta Metadata) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// URL 返回公开读地址
	URL(key string) string
}

// PathProvider 具备稳定文件系统路径的存储
type PathProvider interface {
	Path(key string) string
}

// Presigner 可以生成临时签名下载地址的存储
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// AttachmentRepository 宿主记录上附件字段的存取。
//
// Save 只会把同步标记写成 false（Pending 的行），从不写 true；
// true 只能通过 MarkSynced 的条件更新写入。
type AttachmentRepository interface {
	// Find 不存在时返回 domain.ErrRecordNotFound
	Find(ctx context.Context, ref domain.Ref) (*domain.Attachment, error)
	Exists(ctx context.Context, ref domain.Ref) (bool, error)
	Save(ctx context.Context, attachment *domain.Attachment) error
	Delete(ctx context.Context, ref domain.Ref) error
	// ResetSynced 立即把标记写成 false，没有对应行时不做任何事
	ResetSynced(ctx context.Context, attachmentID string, store domain.StoreID) error
	// MarkSynced 仅当附件仍是该代内容时把标记写成 true，返回受影响行数
	MarkSynced(ctx context.Context, attachmentID string, store domain.StoreID, generation int64, at time.Time) (int64, error)
	// Touch 更新记录的 updated_at
	Touch(ctx context.Context, attachmentID string, at time.Time) error
	Health(ctx context.Context) error
}

// IsNotFound 判断是否为对象不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// IsStale 判断是否为"句柄失效/文件不存在"类错误
//
// 这类错误可能只是记录已被删除，需要调用方重新确认记录是否存在
func IsStale(err error) bool {
	return IsNotFound(err) || errors.Is(err, syscall.ESTALE) || errors.Is(err, syscall.ENOENT)
}
