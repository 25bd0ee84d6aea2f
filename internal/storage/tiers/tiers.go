package tiers

import (
	"context"
	"fmt"
	"strings"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/storage"
	"attachsync/backend/internal/storage/filesystem"
	"attachsync/backend/internal/storage/memory"
	"attachsync/backend/internal/storage/minio"
	"attachsync/backend/internal/storage/s3"

	"go.uber.org/zap"
)

// Kind 存储后端类型
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindMemory     Kind = "memory"
	KindS3         Kind = "s3"
	KindMinio      Kind = "minio"
)

// StoreConfig 单个存储层的配置
type StoreConfig struct {
	ID      string       `mapstructure:"id"`
	Kind    Kind         `mapstructure:"kind"`
	URL     string       `mapstructure:"url"`      // 公开地址模板，支持 :key 和 :bucket_url
	Root    string       `mapstructure:"root"`     // filesystem 根目录
	BaseURL string       `mapstructure:"base_url"` // filesystem / memory 公开前缀
	S3      s3.Config    `mapstructure:"s3"`
	Minio   minio.Config `mapstructure:"minio"`
}

// Tier 已打开的存储层
type Tier struct {
	ID          domain.StoreID
	Kind        Kind
	Client      storage.Client
	URLTemplate string // 仍包含 :key，由附件定义在配置阶段替换
	BucketURL   string
}

// Set 一个暂存层加若干永久存储
type Set struct {
	Staging *Tier
	Stores  []*Tier
}

// Lookup 按ID查找永久存储
func (s *Set) Lookup(id domain.StoreID) (*Tier, error) {
	for _, t := range s.Stores {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, domain.ConfigError("unknown store %q", id)
}

// IDs 返回所有永久存储ID
func (s *Set) IDs() []domain.StoreID {
	ids := make([]domain.StoreID, 0, len(s.Stores))
	for _, t := range s.Stores {
		ids = append(ids, t.ID)
	}
	return ids
}

// Open 按配置打开存储层
func Open(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (*Tier, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, domain.ConfigError("store id is required")
	}

	tier := &Tier{ID: domain.StoreID(cfg.ID), Kind: cfg.Kind}
	storeLogger := logger.With(zap.String("store", cfg.ID), zap.String("kind", string(cfg.Kind)))

	switch cfg.Kind {
	case KindFilesystem:
		fs, err := filesystem.NewStore(cfg.Root, cfg.BaseURL, storeLogger)
		if err != nil {
			return nil, fmt.Errorf("open filesystem store %s: %w", cfg.ID, err)
		}
		tier.Client = fs
		tier.BucketURL = strings.TrimRight(cfg.BaseURL, "/")
	case KindMemory:
		tier.Client = memory.NewObjects(cfg.BaseURL)
		tier.BucketURL = strings.TrimRight(cfg.BaseURL, "/")
	case KindS3:
		st, err := s3.NewStore(ctx, cfg.S3, storeLogger)
		if err != nil {
			return nil, fmt.Errorf("open s3 store %s: %w", cfg.ID, err)
		}
		tier.Client = st
		tier.BucketURL = st.BucketURL()
	case KindMinio:
		st, err := minio.NewStore(ctx, cfg.Minio, storeLogger)
		if err != nil {
			return nil, fmt.Errorf("open minio store %s: %w", cfg.ID, err)
		}
		tier.Client = st
		tier.BucketURL = st.BucketURL()
	default:
		return nil, domain.ConfigError("unknown storage kind %q for store %s", cfg.Kind, cfg.ID)
	}

	tier.URLTemplate = cfg.URL
	if tier.URLTemplate == "" {
		tier.URLTemplate = ":bucket_url/:key"
	}
	tier.URLTemplate = strings.ReplaceAll(tier.URLTemplate, ":bucket_url", tier.BucketURL)

	storeLogger.Info("Storage tier opened", zap.String("url_template", tier.URLTemplate))
	return tier, nil
}

// OpenSet 打开暂存层和所有永久存储
func OpenSet(ctx context.Context, staging StoreConfig, stores []StoreConfig, logger *zap.Logger) (*Set, error) {
	if len(stores) == 0 {
		return nil, domain.ConfigError("at least one permanent store is required")
	}
	if staging.ID == "" {
		staging.ID = string(domain.StagingStoreID)
	}

	set := &Set{}
	st, err := Open(ctx, staging, logger)
	if err != nil {
		return nil, err
	}
	set.Staging = st

	seen := map[domain.StoreID]bool{st.ID: true}
	for _, cfg := range stores {
		t, err := Open(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, domain.ConfigError("duplicate store id %q", t.ID)
		}
		seen[t.ID] = true
		set.Stores = append(set.Stores, t)
	}
	return set, nil
}

// NewMemoryTier 测试和开发用的内存存储层
func NewMemoryTier(id domain.StoreID, urlTemplate string) *Tier {
	return &Tier{
		ID:          id,
		Kind:        KindMemory,
		Client:      memory.NewObjects(""),
		URLTemplate: urlTemplate,
	}
}
