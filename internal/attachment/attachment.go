package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/keys"
	"attachsync/backend/internal/storage"
	"attachsync/backend/internal/variant"

	"go.uber.org/zap"
)

// State 附件实例的状态
type State int

const (
	StateClean         State = iota // 没有待写入或待删除的内容
	StateDirty                      // 新内容已分配，尚未写入暂存层
	StateFlushed                    // 已写入暂存层，永久存储标记已重置
	StatePropagating                // 有同步任务未完成
	StateSynced                     // 所有永久存储标记为 true
	StatePendingDelete              // 内容已清除，等待删除暂存副本
	StateDeleted                    // 暂存副本已删除
)

var stateNames = map[State]string{
	StateClean:         "clean",
	StateDirty:         "dirty",
	StateFlushed:       "flushed",
	StatePropagating:   "propagating",
	StateSynced:        "synced",
	StatePendingDelete: "pending_delete",
	StateDeleted:       "deleted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type queuedFile struct {
	data        []byte
	contentType string
}

type stagedFile struct {
	style       string
	key         string
	data        []byte
	contentType string
}

// Attachment 单条记录上一个附件的句柄
//
// 句柄不是并发安全的，和宿主记录一样只在一个请求或任务内使用
type Attachment struct {
	engine *Engine
	def    *Definition
	record *domain.Attachment
	state  State

	queued  map[string]queuedFile // style -> 待写入内容
	deletes []string              // 待删除的暂存键
	jobs    []domain.SyncJob      // 等宿主提交后交给队列
	dirty   bool                  // 分配后尚未经过一次 Flush
	errors  map[string]error
	logger  *zap.Logger
}

func (a *Attachment) initialState() State {
	switch {
	case !a.record.Present():
		return StateClean
	case a.engine.tracker.AllSynced(a.record):
		return StateSynced
	default:
		return StatePropagating
	}
}

// Record 返回宿主记录上的附件字段
func (a *Attachment) Record() *domain.Attachment {
	return a.record
}

// Ref 返回附件定位信息
func (a *Attachment) Ref() domain.Ref {
	return a.record.Ref()
}

// Definition 返回附件定义
func (a *Attachment) Definition() *Definition {
	return a.def
}

// State 返回当前状态
func (a *Attachment) State() State {
	return a.state
}

// Present 是否有内容
func (a *Attachment) Present() bool {
	return a.record.Present()
}

// Errors 返回最近一次样式处理的错误
func (a *Attachment) Errors() map[string]error {
	out := make(map[string]error, len(a.errors))
	for k, v := range a.errors {
		out[k] = v
	}
	return out
}

// ProcessingError 持久化的样式处理失败信息
func (a *Attachment) ProcessingError() string {
	return a.record.ProcessingError
}

// PendingJobs 返回尚未交给队列的任务
func (a *Attachment) PendingJobs() []domain.SyncJob {
	out := make([]domain.SyncJob, len(a.jobs))
	copy(out, a.jobs)
	return out
}

// IsSynced 是否已同步到指定存储
func (a *Attachment) IsSynced(store domain.StoreID) bool {
	return a.engine.tracker.IsSynced(a.record, store)
}

// AllSynced 是否已同步到所有跟踪的存储
func (a *Attachment) AllSynced() bool {
	return a.engine.tracker.AllSynced(a.record)
}

// Key 返回样式的存储键
func (a *Attachment) Key(style string) string {
	ctx := a.keyContext()
	if st, ok := a.def.Styles().Get(style); ok {
		ctx.Format = st.Format
	}
	return a.def.keys.Key(ctx, style)
}

func (a *Attachment) keyContext() keys.Context {
	return keys.Context{
		Class:      a.record.RecordType,
		ID:         a.record.RecordID,
		Attachment: a.record.Name,
		FileName:   a.record.FileName,
		Generation: a.record.Generation,
	}
}

func (a *Attachment) currentKeys() []string {
	if !a.record.Present() {
		return nil
	}
	styles := a.def.stylesFor(a.record.ContentType)
	out := make([]string, 0, len(styles))
	for _, s := range styles {
		out = append(out, a.Key(s))
	}
	return out
}

// StyleNames 当前内容需要存储的样式
func (a *Attachment) StyleNames() []string {
	return a.def.stylesFor(a.record.ContentType)
}

// ContentType 返回样式输出的内容类型
func (a *Attachment) ContentType(style string) string {
	if style == "" {
		style = domain.OriginalStyle
	}
	return a.contentTypeFor(style)
}

func (a *Attachment) contentTypeFor(style string) string {
	if st, ok := a.def.Styles().Get(style); ok {
		return variant.ContentTypeFor(st, a.record.ContentType)
	}
	return a.record.ContentType
}

// Assign 分配新内容
//
// 之前未写入的样式输出会被整体替换；所有跟踪的存储标记在内存中重置，
// 由宿主下一次保存写回。传 nil 等同于 Clear。
func (a *Attachment) Assign(ctx context.Context, upload *domain.Upload) error {
	if upload == nil {
		a.Clear()
		return nil
	}
	if strings.TrimSpace(upload.FileName) == "" {
		return fmt.Errorf("%w: file name is required", domain.ErrInvalidUpload)
	}

	contentType := upload.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(upload.Data)
	}
	if err := a.def.policy.Check(upload.FileName, contentType, upload.Data); err != nil {
		return err
	}

	a.Clear()

	now := a.engine.now()
	data := make([]byte, len(upload.Data))
	copy(data, upload.Data)

	rec := a.record
	rec.FileName = keys.SanitizeFilename(upload.FileName)
	rec.ContentType = contentType
	rec.FileSize = upload.Size()
	rec.FileUpdatedAt = &now
	rec.Generation++
	rec.ProcessingError = ""

	a.queued = map[string]queuedFile{
		domain.OriginalStyle: {data: data, contentType: contentType},
	}
	a.errors = make(map[string]error)
	a.jobs = nil
	a.dirty = true

	for _, id := range a.def.StoreIDs() {
		rec.EnsureState(id)
		a.engine.tracker.Reset(rec, id)
	}
	a.state = StateDirty

	if a.def.cfg.DelayProcessing {
		return nil
	}
	return a.postProcess(ctx, nil)
}

// postProcess 生成派生样式并放入待写入队列
func (a *Attachment) postProcess(ctx context.Context, fetch variant.Fetcher) error {
	if !variant.Processable(a.record.ContentType) || a.def.Styles().Len() == 0 {
		return nil
	}
	original, ok := a.queued[domain.OriginalStyle]
	if !ok {
		return fmt.Errorf("original of %s is not queued", a.Ref())
	}

	res := a.def.pipeline.Run(ctx, original.data, fetch)
	for name, out := range res.Outputs {
		if name == domain.OriginalStyle {
			continue
		}
		a.queued[name] = queuedFile{data: out, contentType: a.contentTypeFor(name)}
	}
	a.errors = res.Errors
	if !res.Failed() {
		return nil
	}

	names := make([]string, 0, len(res.Errors))
	for name := range res.Errors {
		names = append(names, name)
		a.engine.metrics.RecordProcessingError(name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+res.Errors[name].Error())
	}
	a.record.ProcessingError = strings.Join(parts, "; ")

	a.logger.Warn("Style processing failed",
		zap.Strings("styles", names),
		zap.String("error", a.record.ProcessingError),
	)
	if a.def.cfg.Whiny {
		return fmt.Errorf("processing %s failed: %s", a.Ref(), a.record.ProcessingError)
	}
	return nil
}

// Clear 清除内容：当前暂存键排队删除，文件字段清空
//
// 永久存储上的副本不会被删除
func (a *Attachment) Clear() {
	rec := a.record
	if rec.Present() {
		a.deletes = append(a.deletes, a.currentKeys()...)
		rec.Generation++
	}

	rec.FileName = ""
	rec.ContentType = ""
	rec.FileSize = 0
	rec.FileUpdatedAt = nil
	rec.ProcessingError = ""

	a.queued = make(map[string]queuedFile)
	a.errors = make(map[string]error)
	a.jobs = nil
	a.dirty = false

	if len(a.deletes) > 0 {
		a.state = StatePendingDelete
	} else {
		a.state = StateClean
	}
}

// Flush 先删除再写入暂存层，然后把每个支持的永久存储标记为未同步并排队同步任务
//
// 开启延迟处理且本次是分配后的第一次 Flush 时，只排队一个处理任务
func (a *Attachment) Flush(ctx context.Context) error {
	if err := a.flushDeletes(ctx); err != nil {
		return err
	}
	if len(a.queued) == 0 {
		return nil
	}

	staging := a.def.staging
	for _, style := range a.queuedOrder() {
		f := a.queued[style]
		key := a.Key(style)
		err := staging.Client.Put(ctx, key, f.data, storage.NewMetadata(f.contentType))
		a.engine.metrics.RecordStagedWrite(len(f.data), err)
		if err != nil {
			return fmt.Errorf("stage %s: %w", key, err)
		}
	}
	a.queued = make(map[string]queuedFile)
	a.state = StateFlushed

	delayed := a.def.cfg.DelayProcessing && a.dirty
	a.dirty = false
	if delayed {
		a.jobs = append(a.jobs, domain.NewProcessJob(a.Ref()))
		return nil
	}
	return a.schedulePropagation(ctx)
}

func (a *Attachment) flushDeletes(ctx context.Context) error {
	if len(a.deletes) == 0 {
		return nil
	}

	writing := make(map[string]bool, len(a.queued))
	for style := range a.queued {
		writing[a.Key(style)] = true
	}

	staging := a.def.staging
	for len(a.deletes) > 0 {
		key := a.deletes[0]
		if !writing[key] {
			if err := staging.Client.Delete(ctx, key); err != nil {
				return fmt.Errorf("delete staged %s: %w", key, err)
			}
		}
		a.deletes = a.deletes[1:]
	}
	a.deletes = nil

	if !a.record.Present() {
		a.state = StateDeleted
	}
	return nil
}

// queuedOrder original 在前，其余按样式依赖顺序
func (a *Attachment) queuedOrder() []string {
	order := make([]string, 0, len(a.queued))
	for _, name := range a.def.Styles().Names() {
		if _, ok := a.queued[name]; ok {
			order = append(order, name)
		}
	}
	return order
}

func (a *Attachment) schedulePropagation(ctx context.Context) error {
	tracker := a.engine.tracker
	for i, id := range a.def.StoreIDs() {
		if !tracker.SupportsStore(a.record, id) {
			continue
		}
		// 新写入暂存层的内容让所有永久存储失效
		if err := tracker.MarkPending(ctx, a.record, id); err != nil {
			return err
		}
		if i == 0 && a.def.cfg.InlineMainSync {
			if err := a.SyncTo(ctx, id); err != nil {
				return err
			}
			continue
		}
		a.jobs = append(a.jobs, domain.NewSyncJob(a.Ref(), id))
	}

	switch {
	case len(a.jobs) > 0:
		a.state = StatePropagating
	case tracker.AllSynced(a.record):
		a.state = StateSynced
	}
	return nil
}

// FlushJobs 把排队的任务交给调度器，应在宿主事务提交之后调用
func (a *Attachment) FlushJobs(ctx context.Context) error {
	if len(a.jobs) == 0 {
		return nil
	}
	if a.engine.scheduler == nil {
		return domain.ConfigError("no job scheduler configured")
	}
	for len(a.jobs) > 0 {
		job := a.jobs[0]
		if err := a.engine.scheduler.ScheduleSync(ctx, job, 0); err != nil {
			return fmt.Errorf("schedule %s: %w", job.LockKey(), err)
		}
		a.jobs = a.jobs[1:]
	}
	a.jobs = nil
	return nil
}

// Save 保存宿主记录上的附件字段
func (a *Attachment) Save(ctx context.Context) error {
	return a.engine.repo.Save(ctx, a.record)
}

// Commit 宿主保存流程：保存记录、写暂存层、提交后排队任务
func (a *Attachment) Commit(ctx context.Context) error {
	if err := a.Save(ctx); err != nil {
		return fmt.Errorf("save %s: %w", a.Ref(), err)
	}
	if err := a.Flush(ctx); err != nil {
		return err
	}
	return a.FlushJobs(ctx)
}

// SyncTo 把当前内容复制到一个永久存储并翻转标记
//
// 已同步或不跟踪时直接返回；缺少任何样式都是 domain.ErrMissingFiles
func (a *Attachment) SyncTo(ctx context.Context, store domain.StoreID) error {
	tier, err := a.def.Store(store)
	if err != nil {
		return err
	}

	tracker := a.engine.tracker
	rec := a.record
	if !rec.Present() || !tracker.SupportsStore(rec, store) || tracker.IsSynced(rec, store) {
		return nil
	}

	start := a.engine.now()
	main := a.def.Main()
	staging := a.def.staging
	source := staging
	if store != main.ID && tracker.IsSynced(rec, main.ID) {
		source = main
	}

	styles := a.def.stylesFor(rec.ContentType)
	files := make([]stagedFile, 0, len(styles))
	for _, style := range styles {
		key := a.Key(style)
		data, err := source.Client.Get(ctx, key)
		if storage.IsNotFound(err) && source != staging {
			data, err = staging.Client.Get(ctx, key)
		}
		if err != nil {
			if storage.IsNotFound(err) {
				return a.missingFile(ctx, store, style, key)
			}
			return fmt.Errorf("read %s from %s: %w", key, source.ID, err)
		}
		files = append(files, stagedFile{style: style, key: key, data: data, contentType: a.contentTypeFor(style)})
	}

	for _, f := range files {
		err := tier.Client.Put(ctx, f.key, f.data, storage.NewMetadata(f.contentType))
		a.engine.metrics.RecordUpload(string(store), len(f.data), err)
		if err != nil {
			return fmt.Errorf("upload %s to %s: %w", f.key, store, err)
		}
	}

	ok, err := tracker.MarkSynced(ctx, rec, store)
	if err != nil {
		return err
	}
	a.engine.metrics.RecordSyncDuration(string(store), a.engine.now().Sub(start))
	if !ok {
		a.engine.metrics.RecordFlagRejected(string(store))
		return nil
	}

	a.logger.Info("Attachment synced",
		zap.String("store", string(store)),
		zap.Int("files", len(files)),
		zap.Int64("generation", rec.Generation),
	)
	if tracker.AllSynced(rec) {
		a.state = StateSynced
	} else {
		a.state = StatePropagating
	}
	return nil
}

// missingFile 区分"内容已被替换/记录已删除"和真正的数据缺失
func (a *Attachment) missingFile(ctx context.Context, store domain.StoreID, style, key string) error {
	current, err := a.engine.repo.Find(ctx, a.Ref())
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		a.logger.Info("Record removed before sync, skipping", zap.String("store", string(store)))
		return nil
	case err != nil:
		return fmt.Errorf("reload %s: %w", a.Ref(), err)
	case current.Generation != a.record.Generation:
		a.logger.Info("Content superseded before sync, skipping",
			zap.String("store", string(store)),
			zap.Int64("generation", a.record.Generation),
			zap.Int64("current_generation", current.Generation),
		)
		return nil
	}

	a.engine.metrics.RecordMissingFiles(string(store))
	a.logger.Error("Missing files for propagation",
		zap.String("store", string(store)),
		zap.String("style", style),
		zap.String("key", key),
		zap.Int64("generation", a.record.Generation),
	)
	return domain.MissingFilesError(a.Ref(), store, style)
}

// UploadTo 同步到指定存储，全部同步后回收暂存副本
func (a *Attachment) UploadTo(ctx context.Context, store domain.StoreID) error {
	if err := a.SyncTo(ctx, store); err != nil {
		return err
	}
	if a.record.Present() && a.engine.tracker.AllSynced(a.record) {
		return a.reclaimStaging(ctx)
	}
	return nil
}

// DeleteLocal 删除暂存副本，要求已同步到所有永久存储
func (a *Attachment) DeleteLocal(ctx context.Context) error {
	if !a.record.Present() {
		return nil
	}
	if !a.engine.tracker.AllSynced(a.record) {
		return domain.ErrNotSynced
	}
	return a.reclaimStaging(ctx)
}

// reclaimStaging 删除当前内容的暂存副本
//
// 先确认数据库中仍是同一代内容，避免删掉刚分配的新内容
func (a *Attachment) reclaimStaging(ctx context.Context) error {
	current, err := a.engine.repo.Find(ctx, a.Ref())
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reload %s: %w", a.Ref(), err)
	}
	if current.Generation != a.record.Generation {
		a.logger.Info("Content changed, keeping staged copies",
			zap.Int64("generation", a.record.Generation),
			zap.Int64("current_generation", current.Generation),
		)
		return nil
	}

	staging := a.def.staging
	for _, key := range a.currentKeys() {
		if err := staging.Client.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete staged %s: %w", key, err)
		}
	}
	a.engine.metrics.RecordStagingReclaimed()
	a.logger.Debug("Staged copies reclaimed")
	return nil
}

// Destroy 清除内容并删除暂存副本
func (a *Attachment) Destroy(ctx context.Context) error {
	a.Clear()
	return a.Flush(ctx)
}

// Reclaim 显式删除永久存储上的旧对象
//
// 只有全部同步后才允许；当前内容的键永远不会被删除
func (a *Attachment) Reclaim(ctx context.Context, staleKeys []string) error {
	if !a.engine.tracker.AllSynced(a.record) {
		return domain.ErrNotSynced
	}

	current := make(map[string]bool)
	for _, k := range a.currentKeys() {
		current[k] = true
	}

	for _, key := range staleKeys {
		if current[key] {
			a.logger.Warn("Refusing to reclaim key of current content", zap.String("key", key))
			continue
		}
		for _, t := range a.def.stores {
			if err := t.Client.Delete(ctx, key); err != nil {
				return fmt.Errorf("reclaim %s from %s: %w", key, t.ID, err)
			}
		}
		if err := a.def.staging.Client.Delete(ctx, key); err != nil {
			return fmt.Errorf("reclaim staged %s: %w", key, err)
		}
	}
	return nil
}

// Reprocess 从已存储的原图重新生成样式，然后保存并排队同步
func (a *Attachment) Reprocess(ctx context.Context) error {
	if !a.record.Present() {
		return fmt.Errorf("reprocess %s: %w", a.Ref(), storage.ErrNotFound)
	}

	original, err := a.Resolve(ctx, domain.OriginalStyle, "")
	if err != nil {
		return fmt.Errorf("load original of %s: %w", a.Ref(), err)
	}

	a.queued = map[string]queuedFile{
		domain.OriginalStyle: {data: original, contentType: a.record.ContentType},
	}
	a.record.ProcessingError = ""

	// 依赖的样式从旧内容读取，所以先处理再推进代数
	fetch := func(ctx context.Context, style string) (io.ReadCloser, error) {
		data, err := a.Resolve(ctx, style, "")
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	processErr := a.postProcess(ctx, fetch)

	// 键模板含 :generation 时旧键需要清理
	a.deletes = append(a.deletes, a.currentKeys()...)

	rec := a.record
	rec.Generation++
	for _, id := range a.def.StoreIDs() {
		rec.EnsureState(id)
		a.engine.tracker.Reset(rec, id)
	}
	a.dirty = false
	a.state = StateDirty

	if err := a.Commit(ctx); err != nil {
		return err
	}
	return processErr
}
