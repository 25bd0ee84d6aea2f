package attachment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/keys"
	"attachsync/backend/internal/storage"
	"attachsync/backend/internal/storage/tiers"

	"go.uber.org/zap"
)

// Resolve 读取某个样式的内容
//
// store 为空时按 待写入 -> 暂存层 -> 主存储 的顺序查找；
// 主存储只有在标记为已同步时才会被读取。
func (a *Attachment) Resolve(ctx context.Context, style string, store domain.StoreID) ([]byte, error) {
	if style == "" {
		style = domain.OriginalStyle
	}
	if store != "" {
		tier, err := a.def.Store(store)
		if err != nil {
			return nil, err
		}
		return tier.Client.Get(ctx, a.Key(style))
	}

	if f, ok := a.queued[style]; ok {
		a.engine.metrics.RecordDownload("queued")
		out := make([]byte, len(f.data))
		copy(out, f.data)
		return out, nil
	}
	if !a.record.Present() {
		return nil, storage.ErrNotFound
	}

	key := a.Key(style)
	data, err := a.def.staging.Client.Get(ctx, key)
	if err == nil {
		a.engine.metrics.RecordDownload("staging")
		return data, nil
	}

	main := a.def.Main()
	if !a.engine.tracker.IsSynced(a.record, main.ID) {
		if storage.IsNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read staged %s: %w", key, err)
	}
	if !storage.IsNotFound(err) {
		a.logger.Warn("Staged read failed, falling back to main store",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return a.fetchMain(ctx, main, style, key)
}

// fetchMain 相同对象的并发读取合并为一次
func (a *Attachment) fetchMain(ctx context.Context, main *tiers.Tier, style, key string) ([]byte, error) {
	flight := string(main.ID) + "|" + key
	v, err, _ := a.engine.downloads.Do(flight, func() (interface{}, error) {
		if a.def.cfg.DownloadByURL {
			return a.downloadByURL(ctx, main, style, key)
		}
		return main.Client.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	a.engine.metrics.RecordDownload(string(main.ID))

	shared := v.([]byte)
	out := make([]byte, len(shared))
	copy(out, shared)
	return out, nil
}

func (a *Attachment) downloadByURL(ctx context.Context, main *tiers.Tier, style, key string) ([]byte, error) {
	target := a.interpolate(a.def.storeURLs[main.ID], style)
	if p, ok := main.Client.(storage.Presigner); ok {
		signed, err := p.PresignGet(ctx, key, a.def.cfg.PresignTTL)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", key, err)
		}
		if target, err = mergeQuery(target, signed); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := a.engine.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, storage.ErrNotFound
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("download %s: unexpected status %d", key, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// mergeQuery 把签名参数合并到公开地址上
func mergeQuery(base, signed string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", base, err)
	}
	s, err := url.Parse(signed)
	if err != nil {
		return "", fmt.Errorf("parse presigned url: %w", err)
	}
	q := b.Query()
	for k, vs := range s.Query() {
		q[k] = vs
	}
	b.RawQuery = q.Encode()
	return b.String(), nil
}

func (a *Attachment) interpolate(template, style string) string {
	ctx := a.keyContext()
	ctx.Style = style
	if st, ok := a.def.Styles().Get(style); ok {
		ctx.Format = st.Format
	}
	return keys.Interpolate(template, ctx)
}

// URL 返回样式的公开地址：已同步到主存储时指向主存储，否则指向暂存层
func (a *Attachment) URL(style string) string {
	if style == "" {
		style = domain.OriginalStyle
	}
	if !a.record.Present() {
		return a.interpolate(a.def.defaultURL, style)
	}
	main := a.def.Main()
	if a.engine.tracker.IsSynced(a.record, main.ID) {
		return a.interpolate(a.def.storeURLs[main.ID], style)
	}
	return a.interpolate(a.def.stagingURL, style)
}

// VersionedURL 在 URL 后追加更新时间戳，内容变化后缓存失效
func (a *Attachment) VersionedURL(style string) string {
	u := a.URL(style)
	if !a.record.Present() || a.record.FileUpdatedAt == nil {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + strconv.FormatInt(a.record.FileUpdatedAt.Unix(), 10)
}

// Path 返回暂存文件的本地路径
//
// 全部同步后暂存副本随时可能被回收，此时返回 domain.ErrPathUnsupported
func (a *Attachment) Path(style string) (string, error) {
	if style == "" {
		style = domain.OriginalStyle
	}
	pp, ok := a.def.staging.Client.(storage.PathProvider)
	if !ok {
		return "", domain.ErrPathUnsupported
	}
	if !a.record.Present() {
		return "", storage.ErrNotFound
	}
	if a.engine.tracker.AllSynced(a.record) {
		return "", domain.ErrPathUnsupported
	}
	return pp.Path(a.Key(style)), nil
}

// Exists 样式是否存在；store 为空时检查当前读取位置
func (a *Attachment) Exists(ctx context.Context, style string, store domain.StoreID) (bool, error) {
	if style == "" {
		style = domain.OriginalStyle
	}
	if store != "" {
		tier, err := a.def.Store(store)
		if err != nil {
			return false, err
		}
		return tier.Client.Exists(ctx, a.Key(style))
	}
	if _, ok := a.queued[style]; ok {
		return true, nil
	}
	if !a.record.Present() {
		return false, nil
	}
	main := a.def.Main()
	if a.engine.tracker.IsSynced(a.record, main.ID) {
		return main.Client.Exists(ctx, a.Key(style))
	}
	return a.def.staging.Client.Exists(ctx, a.Key(style))
}
