package domain

import (
	"strings"
	"time"
)

// StoreID 永久存储的稳定标识
type StoreID string

// StagingStoreID 暂存层的固定标识
const StagingStoreID StoreID = "staging"

// OriginalStyle 原始文件对应的样式名
const OriginalStyle = "original"

// Ref 定位一个附件：宿主记录类型 + 记录ID + 附件名
type Ref struct {
	RecordType string `json:"recordType"`
	RecordID   string `json:"recordId"`
	Name       string `json:"name"`
}

// String 返回便于日志输出的形式
func (r Ref) String() string {
	return r.RecordType + ":" + r.RecordID + ":" + r.Name
}

// Attachment 表示宿主记录上的一个附件。
//
// 文件名为空时附件视为"不存在"，此时同步标记没有意义。
type Attachment struct {
	ID              string      `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RecordType      string      `json:"recordType" gorm:"type:varchar(100);not null;uniqueIndex:idx_attachment_owner"`
	RecordID        string      `json:"recordId" gorm:"type:varchar(64);not null;uniqueIndex:idx_attachment_owner"`
	Name            string      `json:"name" gorm:"type:varchar(100);not null;uniqueIndex:idx_attachment_owner"`
	FileName        string      `json:"fileName" gorm:"type:varchar(255)"`
	ContentType     string      `json:"contentType" gorm:"type:varchar(100)"`
	FileSize        int64       `json:"fileSize"`
	FileUpdatedAt   *time.Time  `json:"fileUpdatedAt,omitempty"`
	Generation      int64       `json:"generation" gorm:"not null;default:0"`       // 每次写入新内容时递增
	ProcessingError string      `json:"processingError,omitempty" gorm:"type:text"` // 样式生成的永久失败
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	SyncStates      []SyncState `json:"syncStates" gorm:"foreignKey:AttachmentID;constraint:OnDelete:CASCADE"`
}

// TableName 指定表名
func (Attachment) TableName() string {
	return "attachments"
}

// SyncState 记录附件在某个永久存储上的同步状态。
//
// 没有对应行表示该记录类型不跟踪这个存储。
type SyncState struct {
	AttachmentID string     `json:"attachmentId" gorm:"primaryKey;type:varchar(36)"`
	StoreID      StoreID    `json:"storeId" gorm:"primaryKey;type:varchar(64)"`
	Synced       bool       `json:"synced" gorm:"not null;default:false"`
	SyncedAt     *time.Time `json:"syncedAt,omitempty"`

	// Pending 表示内存中已重置、等待宿主保存时写回 false
	Pending bool `json:"-" gorm:"-"`
}

// TableName 指定表名
func (SyncState) TableName() string {
	return "attachment_sync_states"
}

// Ref 返回附件定位信息
func (a *Attachment) Ref() Ref {
	return Ref{RecordType: a.RecordType, RecordID: a.RecordID, Name: a.Name}
}

// Present 是否已分配文件
func (a *Attachment) Present() bool {
	return strings.TrimSpace(a.FileName) != ""
}

// State 返回指定存储的同步状态行，不存在时返回 nil
func (a *Attachment) State(store StoreID) *SyncState {
	for i := range a.SyncStates {
		if a.SyncStates[i].StoreID == store {
			return &a.SyncStates[i]
		}
	}
	return nil
}

// EnsureState 为存储添加同步状态行（已存在则不变）
func (a *Attachment) EnsureState(store StoreID) *SyncState {
	if st := a.State(store); st != nil {
		return st
	}
	a.SyncStates = append(a.SyncStates, SyncState{AttachmentID: a.ID, StoreID: store})
	return &a.SyncStates[len(a.SyncStates)-1]
}

// Clone 深拷贝，内存仓库和测试使用
func (a *Attachment) Clone() *Attachment {
	if a == nil {
		return nil
	}
	out := *a
	if a.FileUpdatedAt != nil {
		t := *a.FileUpdatedAt
		out.FileUpdatedAt = &t
	}
	out.SyncStates = make([]SyncState, len(a.SyncStates))
	copy(out.SyncStates, a.SyncStates)
	return &out
}
