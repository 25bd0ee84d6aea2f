package attachment

import (
	"strings"
	"sync"
	"time"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/keys"
	"attachsync/backend/internal/security"
	"attachsync/backend/internal/storage/tiers"
	"attachsync/backend/internal/variant"

	"go.uber.org/zap"
)

// DefaultURLTemplate 附件不存在时的默认地址
const DefaultURLTemplate = "/:attachment/:style/missing.png"

// DefinitionConfig 附件定义的配置
type DefinitionConfig struct {
	RecordType      string          `mapstructure:"record_type"`
	Name            string          `mapstructure:"name"`
	Key             string          `mapstructure:"key"`    // 存储键模板
	Stores          []string        `mapstructure:"stores"` // 为空时使用全部永久存储，第一个为主存储
	Styles          []variant.Style `mapstructure:"styles"`
	DownloadByURL   bool            `mapstructure:"download_by_url"`
	DelayProcessing bool            `mapstructure:"delay_processing"`
	InlineMainSync  bool            `mapstructure:"inline_main_sync"`
	Whiny           bool            `mapstructure:"whiny"`
	PresignTTL      time.Duration   `mapstructure:"presign_ttl"`
	DefaultURL      string          `mapstructure:"default_url"`

	Validation security.UploadRules `mapstructure:"validation"`
}

// Definition 某个记录类型上的一个附件声明
type Definition struct {
	RecordType string
	Name       string

	keys       *keys.Resolver
	pipeline   *variant.Pipeline
	staging    *tiers.Tier
	stores     []*tiers.Tier // stores[0] 为主存储
	stagingURL string        // :key 已替换
	storeURLs  map[domain.StoreID]string
	defaultURL string
	policy     *security.UploadPolicy
	cfg        DefinitionConfig
}

// NewDefinition 校验配置并绑定存储层
func NewDefinition(cfg DefinitionConfig, set *tiers.Set, transformer variant.Transformer, logger *zap.Logger) (*Definition, error) {
	if strings.TrimSpace(cfg.RecordType) == "" || strings.TrimSpace(cfg.Name) == "" {
		return nil, domain.ConfigError("attachment definition needs record_type and name")
	}
	if set == nil || set.Staging == nil {
		return nil, domain.ConfigError("attachment %s.%s: staging tier is required", cfg.RecordType, cfg.Name)
	}
	if strings.TrimSpace(cfg.Key) == "" {
		return nil, domain.ConfigError("attachment %s.%s: key template is required", cfg.RecordType, cfg.Name)
	}

	resolver, err := keys.NewResolver(cfg.Key)
	if err != nil {
		return nil, domain.ConfigError("attachment %s.%s: %v", cfg.RecordType, cfg.Name, err)
	}

	styles, err := variant.NewStyles(cfg.Styles)
	if err != nil {
		return nil, err
	}

	var stores []*tiers.Tier
	if len(cfg.Stores) == 0 {
		stores = append(stores, set.Stores...)
	} else {
		for _, id := range cfg.Stores {
			t, err := set.Lookup(domain.StoreID(id))
			if err != nil {
				return nil, err
			}
			stores = append(stores, t)
		}
	}
	if len(stores) == 0 {
		return nil, domain.ConfigError("attachment %s.%s: at least one permanent store is required", cfg.RecordType, cfg.Name)
	}

	policy, err := security.NewUploadPolicy(cfg.Validation)
	if err != nil {
		return nil, domain.ConfigError("attachment %s.%s: %v", cfg.RecordType, cfg.Name, err)
	}

	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if cfg.DefaultURL == "" {
		cfg.DefaultURL = DefaultURLTemplate
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	def := &Definition{
		RecordType: cfg.RecordType,
		Name:       cfg.Name,
		keys:       resolver,
		pipeline:   variant.NewPipeline(styles, transformer, logger.With(zap.String("attachment", cfg.RecordType+"."+cfg.Name))),
		staging:    set.Staging,
		stores:     stores,
		stagingURL: keys.SubstituteKey(set.Staging.URLTemplate, cfg.Key),
		storeURLs:  make(map[domain.StoreID]string, len(stores)),
		defaultURL: cfg.DefaultURL,
		policy:     policy,
		cfg:        cfg,
	}
	for _, t := range stores {
		def.storeURLs[t.ID] = keys.SubstituteKey(t.URLTemplate, cfg.Key)
	}
	return def, nil
}

// Main 返回主存储
func (d *Definition) Main() *tiers.Tier {
	return d.stores[0]
}

// Staging 返回暂存层
func (d *Definition) Staging() *tiers.Tier {
	return d.staging
}

// StoreIDs 返回声明的永久存储
func (d *Definition) StoreIDs() []domain.StoreID {
	ids := make([]domain.StoreID, 0, len(d.stores))
	for _, t := range d.stores {
		ids = append(ids, t.ID)
	}
	return ids
}

// Store 查找声明的永久存储
func (d *Definition) Store(id domain.StoreID) (*tiers.Tier, error) {
	for _, t := range d.stores {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, domain.ConfigError("store %q is not declared for %s.%s", id, d.RecordType, d.Name)
}

// Styles 返回样式集合
func (d *Definition) Styles() *variant.Styles {
	return d.pipeline.Styles()
}

// Config 返回原始配置
func (d *Definition) Config() DefinitionConfig {
	return d.cfg
}

// stylesFor 返回需要存储的样式：只有需要处理的图片才有派生样式
func (d *Definition) stylesFor(contentType string) []string {
	if !variant.Processable(contentType) {
		return []string{domain.OriginalStyle}
	}
	return d.Styles().Names()
}

// Registry 记录类型 + 附件名 -> 定义
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

func registryKey(recordType, name string) string {
	return recordType + "." + name
}

// Register 注册定义，重复注册是配置错误
func (r *Registry) Register(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := registryKey(def.RecordType, def.Name)
	if _, ok := r.defs[k]; ok {
		return domain.ConfigError("attachment %s registered twice", k)
	}
	r.defs[k] = def
	return nil
}

// Lookup 查找定义
func (r *Registry) Lookup(recordType, name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[registryKey(recordType, name)]
	if !ok {
		return nil, domain.ConfigError("unknown attachment %s.%s", recordType, name)
	}
	return def, nil
}

// Definitions 返回全部定义
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// BuildRegistry 按配置创建并注册全部附件定义
func BuildRegistry(cfgs []DefinitionConfig, set *tiers.Set, transformer variant.Transformer, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		def, err := NewDefinition(cfg, set, transformer, logger)
		if err != nil {
			return nil, err
		}
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}
