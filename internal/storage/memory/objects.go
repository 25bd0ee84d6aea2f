package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"attachsync/backend/internal/storage"
)

// Objects 内存对象存储，实现 storage.Client
type Objects struct {
	mu      sync.RWMutex
	baseURL string
	objects map[string]object
	puts    map[string]int // key -> Put 次数
	failPut error          // 非空时 Put 直接返回该错误
}

type object struct {
	data []byte
	meta storage.Metadata
}

var (
	_ storage.Client    = (*Objects)(nil)
	_ storage.Presigner = (*Objects)(nil)
)

// NewObjects 创建内存对象存储
func NewObjects(baseURL string) *Objects {
	return &Objects{
		baseURL: strings.TrimRight(baseURL, "/"),
		objects: make(map[string]object),
		puts:    make(map[string]int),
	}
}

// Put 写入对象
func (o *Objects) Put(ctx context.Context, key string, body []byte, meta storage.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.failPut != nil {
		return o.failPut
	}
	data := make([]byte, len(body))
	copy(data, body)
	o.objects[key] = object{data: data, meta: meta}
	o.puts[key]++
	return nil
}

// Get 读取对象
func (o *Objects) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	obj, ok := o.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, nil
}

// Exists 判断对象是否存在
func (o *Objects) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.objects[key]
	return ok, nil
}

// Delete 删除对象，不存在视为成功
func (o *Objects) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, key)
	return nil
}

// URL 返回公开访问地址
func (o *Objects) URL(key string) string {
	return o.baseURL + "/" + strings.TrimLeft(key, "/")
}

// PresignGet 生成带过期时间的伪签名地址
func (o *Objects) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s?X-Expires=%d", o.URL(key), expires), nil
}

// Keys 返回当前所有键（已排序）
func (o *Objects) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	keys := make([]string, 0, len(o.objects))
	for k := range o.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Metadata 返回对象元数据
func (o *Objects) Metadata(key string) (storage.Metadata, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	obj, ok := o.objects[key]
	return obj.meta, ok
}

// PutCount 返回某个键被写入的次数
func (o *Objects) PutCount(key string) int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.puts[key]
}

// TotalPuts 返回写入总次数
func (o *Objects) TotalPuts() int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	total := 0
	for _, n := range o.puts {
		total += n
	}
	return total
}

// FailPuts 让后续 Put 返回指定错误，传 nil 恢复
func (o *Objects) FailPuts(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failPut = err
}
