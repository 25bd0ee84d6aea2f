package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration 配置错误：未知存储、缺少模板等，立即失败且不重试
	ErrConfiguration = errors.New("configuration error")
	// ErrMissingFiles 传播时缺少暂存文件，说明前序步骤有缺陷，不应重试
	ErrMissingFiles = errors.New("missing files for propagation")
	// ErrRecordNotFound 宿主记录不存在
	ErrRecordNotFound = errors.New("record not found")
	// ErrPathUnsupported 当前存储层没有稳定的文件系统路径
	ErrPathUnsupported = errors.New("path is not available for this storage, use Resolve instead")
	// ErrNotSynced 尚未同步到所有永久存储
	ErrNotSynced = errors.New("attachment is not synced to all stores")
	// ErrInvalidUpload 上传内容不完整或未通过校验
	ErrInvalidUpload = errors.New("invalid upload")
)

// ConfigError 构造配置错误
func ConfigError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// MissingFilesError 构造缺失文件错误，附带定位信息便于监控
func MissingFilesError(ref Ref, store StoreID, style string) error {
	return fmt.Errorf("%w in %s for %s:%s", ErrMissingFiles, store, ref, style)
}

// IsPermanent 判断错误是否不可通过重试恢复
func IsPermanent(err error) bool {
	return errors.Is(err, ErrConfiguration) || errors.Is(err, ErrMissingFiles)
}
