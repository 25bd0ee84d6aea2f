package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/storage"
)

// Store SQL 数据库存储实现（支持 MySQL 5.7+ 和 PostgreSQL）
type Store struct {
	db         *gorm.DB
	driverName string // "mysql" or "postgres"
	log        *zap.Logger
}

var _ storage.AttachmentRepository = (*Store)(nil)

// NewStore 创建SQL数据库存储
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
	log *zap.Logger,
) (*Store, error) {
	var dialector gorm.Dialector
	switch driverName {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	store, err := NewStoreWithDialector(dialector, driverName, log)
	if err != nil {
		return nil, err
	}

	// 设置连接池参数
	sqlDB, err := store.db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)

	// 测试连接
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return store, nil
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, driverName string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Store{db: db, driverName: driverName, log: log}, nil
}

// Migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&domain.Attachment{},
		&domain.SyncState{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库健康状态
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("database connection is unavailable: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func whereRef(db *gorm.DB, ref domain.Ref) *gorm.DB {
	return db.Where("record_type = ? AND record_id = ? AND name = ?", ref.RecordType, ref.RecordID, ref.Name)
}

// Find 按定位信息查找附件及其同步状态
func (s *Store) Find(ctx context.Context, ref domain.Ref) (*domain.Attachment, error) {
	var a domain.Attachment
	err := whereRef(s.db.WithContext(ctx), ref).Preload("SyncStates").Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find attachment %s: %w", ref, err)
	}
	return &a, nil
}

// Exists 判断附件记录是否存在
func (s *Store) Exists(ctx context.Context, ref domain.Ref) (bool, error) {
	var n int64
	if err := whereRef(s.db.WithContext(ctx).Model(&domain.Attachment{}), ref).Count(&n).Error; err != nil {
		return false, fmt.Errorf("check attachment %s: %w", ref, err)
	}
	return n > 0, nil
}

// Save 保存附件字段和同步状态行
//
// 已存在的同步行只有 Pending 时才写回 false，其余保持数据库中的值；
// 标记只能由 MarkSynced 写成 true。
func (s *Store) Save(ctx context.Context, a *domain.Attachment) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if a.ID == "" {
			var existing domain.Attachment
			err := whereRef(tx.Select("id"), a.Ref()).Take(&existing).Error
			switch {
			case err == nil:
				a.ID = existing.ID
			case errors.Is(err, gorm.ErrRecordNotFound):
				a.ID = uuid.New().String()
			default:
				return err
			}
		}

		if err := tx.Omit(clause.Associations).Save(a).Error; err != nil {
			return err
		}

		conflict := []clause.Column{{Name: "attachment_id"}, {Name: "store_id"}}
		for i := range a.SyncStates {
			st := &a.SyncStates[i]
			st.AttachmentID = a.ID
			row := domain.SyncState{AttachmentID: a.ID, StoreID: st.StoreID}

			onConflict := clause.OnConflict{Columns: conflict, DoNothing: true}
			if st.Pending {
				onConflict = clause.OnConflict{
					Columns:   conflict,
					DoUpdates: clause.Assignments(map[string]interface{}{"synced": false, "synced_at": nil}),
				}
			}
			if err := tx.Clauses(onConflict).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save attachment %s: %w", a.Ref(), err)
	}

	for i := range a.SyncStates {
		a.SyncStates[i].Pending = false
	}
	return nil
}

// Delete 删除附件记录和同步状态
func (s *Store) Delete(ctx context.Context, ref domain.Ref) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a domain.Attachment
		err := whereRef(tx.Select("id"), ref).Take(&a).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Where("attachment_id = ?", a.ID).Delete(&domain.SyncState{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", a.ID).Delete(&domain.Attachment{}).Error
	})
}

// ResetSynced 立即把同步标记写成 false
func (s *Store) ResetSynced(ctx context.Context, attachmentID string, store domain.StoreID) error {
	return s.db.WithContext(ctx).
		Model(&domain.SyncState{}).
		Where("attachment_id = ? AND store_id = ?", attachmentID, store).
		Updates(map[string]interface{}{"synced": false, "synced_at": nil}).Error
}

// MarkSynced 条件更新同步标记
//
// 只有记录仍存在且内容代数未变时才会更新，返回受影响的行数
func (s *Store) MarkSynced(ctx context.Context, attachmentID string, store domain.StoreID, generation int64, at time.Time) (int64, error) {
	current := s.db.Model(&domain.Attachment{}).
		Select("id").
		Where("id = ? AND generation = ?", attachmentID, generation)

	res := s.db.WithContext(ctx).
		Model(&domain.SyncState{}).
		Where("attachment_id IN (?) AND store_id = ?", current, store).
		Updates(map[string]interface{}{"synced": true, "synced_at": at})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// Touch 更新记录时间
func (s *Store) Touch(ctx context.Context, attachmentID string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&domain.Attachment{}).
		Where("id = ?", attachmentID).
		UpdateColumn("updated_at", at).Error
}
