package cache

import (
	"container/list"
	"sync"
	"time"
)

// LocalCache 本地内存缓存（L1 缓存），缓存已读取的附件内容
//
// 特点：
// - 按字节数限制容量，超出时淘汰最久未使用的条目
// - 支持 TTL 过期
// - 单个条目超过容量一半时不缓存
type LocalCache struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // 头部为最近使用
	size     int64
	maxBytes int64
	ttl      time.Duration
	now      func() time.Time

	hits   int64
	misses int64
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Stats 缓存统计
type Stats struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// NewLocalCache 创建本地缓存
//
// 参数:
//   - maxBytes: 最大缓存字节数，<=0 时缓存不保存任何内容
//   - ttl: 条目过期时间
func NewLocalCache(maxBytes int64, ttl time.Duration) *LocalCache {
	return &LocalCache{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		maxBytes: maxBytes,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get 获取缓存值，返回副本
func (c *LocalCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*cacheEntry)

	// 检查是否过期
	if c.ttl > 0 && c.now().After(entry.expiresAt) {
		c.remove(el)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(el)
	c.hits++
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true
}

// Set 设置缓存值
func (c *LocalCache) Set(key string, value []byte) {
	size := int64(len(value))
	if c.maxBytes <= 0 || size > c.maxBytes/2 {
		return
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
	el := c.order.PushFront(&cacheEntry{
		key:       key,
		value:     stored,
		expiresAt: c.now().Add(c.ttl),
	})
	c.items[key] = el
	c.size += size

	for c.size > c.maxBytes {
		c.remove(c.order.Back())
	}
}

// Delete 删除缓存值
func (c *LocalCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.remove(el)
	}
}

// Clear 清空所有缓存
func (c *LocalCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
}

// Stats 返回统计信息
func (c *LocalCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries: len(c.items),
		Bytes:   c.size,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

func (c *LocalCache) remove(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.items, entry.key)
	c.size -= int64(len(entry.value))
}
