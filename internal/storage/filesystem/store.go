package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"attachsync/backend/internal/storage"

	"go.uber.org/zap"
)

// Store 文件系统存储实现，作为暂存层使用
type Store struct {
	basePath string // 存储根目录
	baseURL  string // 公开访问前缀
	logger   *zap.Logger
}

var (
	_ storage.Client       = (*Store)(nil)
	_ storage.PathProvider = (*Store)(nil)
)

// NewStore 创建文件系统存储实例
func NewStore(basePath, baseURL string, logger *zap.Logger) (*Store, error) {
	root, err := cleanRoot(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		basePath: root,
		baseURL:  strings.TrimRight(baseURL, "/"),
		logger:   logger,
	}, nil
}

// BasePath 返回存储根目录
func (s *Store) BasePath() string {
	return s.basePath
}

// Put 写入对象
//
// 先写同目录临时文件再 rename，读者不会看到半截内容
func (s *Store) Put(ctx context.Context, key string, body []byte, _ storage.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}

	target := s.Path(key)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		cleanup()
		return fmt.Errorf("failed to chmod %s: %w", key, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}
	return nil
}

// Get 读取对象
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return content, nil
}

// Exists 判断对象是否存在
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := checkKey(key); err != nil {
		return false, err
	}

	info, err := os.Stat(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Delete 删除对象并顺带清理空的上级目录
//
// 对象不存在视为成功；目录清理只是整理，失败不影响结果
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}

	target := s.Path(key)
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	s.pruneParents(filepath.Dir(target))
	return nil
}

// URL 返回公开访问地址
func (s *Store) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

// Path 返回对象在本地文件系统中的路径
func (s *Store) Path(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(strings.TrimLeft(key, "/")))
}

// pruneParents 自下而上删除空目录，不越过根目录
func (s *Store) pruneParents(dir string) {
	for {
		rel, err := filepath.Rel(s.basePath, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return
		}

		if err := os.Remove(dir); err != nil {
			if !isBenignRemoveError(err) {
				s.logger.Warn("Failed to remove empty directory",
					zap.String("dir", dir),
					zap.Error(err),
				)
			}
			return
		}
		dir = filepath.Dir(dir)
	}
}

func isBenignRemoveError(err error) bool {
	for _, target := range []error{
		syscall.EEXIST,
		syscall.ENOTEMPTY,
		syscall.ENOENT,
		syscall.EINVAL,
		syscall.ENOTDIR,
		syscall.ESTALE,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return errors.Is(err, os.ErrNotExist)
}
