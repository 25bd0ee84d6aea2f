package domain

// 任务动作
const (
	JobActionSync    = "sync"    // 把暂存内容复制到 StoreID 指定的永久存储
	JobActionProcess = "process" // 延迟处理：从原图重新生成样式
)

// SyncJob 传播任务载荷。
//
// 队列只保证基础类型往返，所以这里只放字符串标识，
// 执行时根据这些标识重新加载记录。
type SyncJob struct {
	Action     string `json:"action,omitempty"`
	RecordType string `json:"record_type"`
	RecordID   string `json:"record_id"`
	Attachment string `json:"attachment"`
	StoreID    string `json:"store_id,omitempty"`
}

// NewSyncJob 根据附件定位信息创建同步任务
func NewSyncJob(ref Ref, store StoreID) SyncJob {
	return SyncJob{
		Action:     JobActionSync,
		RecordType: ref.RecordType,
		RecordID:   ref.RecordID,
		Attachment: ref.Name,
		StoreID:    string(store),
	}
}

// NewProcessJob 创建延迟处理任务
func NewProcessJob(ref Ref) SyncJob {
	return SyncJob{
		Action:     JobActionProcess,
		RecordType: ref.RecordType,
		RecordID:   ref.RecordID,
		Attachment: ref.Name,
	}
}

// IsProcess 是否为延迟处理任务
func (j SyncJob) IsProcess() bool {
	return j.Action == JobActionProcess
}

// Ref 返回任务对应的附件定位信息
func (j SyncJob) Ref() Ref {
	return Ref{RecordType: j.RecordType, RecordID: j.RecordID, Name: j.Attachment}
}

// Store 返回目标存储
func (j SyncJob) Store() StoreID {
	return StoreID(j.StoreID)
}

// LockKey 同一 (附件, 存储) 的去重键
func (j SyncJob) LockKey() string {
	if j.IsProcess() {
		return j.Ref().String() + ":" + JobActionProcess
	}
	return j.Ref().String() + ":" + j.StoreID
}

// Validate 检查载荷是否完整
func (j SyncJob) Validate() error {
	if j.RecordType == "" || j.RecordID == "" || j.Attachment == "" {
		return ConfigError("incomplete job payload %+v", j)
	}
	if !j.IsProcess() && j.StoreID == "" {
		return ConfigError("sync job without store id for %s", j.Ref())
	}
	return nil
}
