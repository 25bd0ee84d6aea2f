package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCache(t *testing.T) {
	t.Run("读取返回副本", func(t *testing.T) {
		c := NewLocalCache(100, time.Minute)
		c.Set("a", []byte("qwe"))

		got, ok := c.Get("a")
		assert.True(t, ok)
		assert.Equal(t, "qwe", string(got))

		got[0] = 'x'
		again, _ := c.Get("a")
		assert.Equal(t, "qwe", string(again))
	})

	t.Run("超出容量淘汰最久未使用", func(t *testing.T) {
		c := NewLocalCache(10, time.Minute)
		c.Set("a", []byte("1234"))
		c.Set("b", []byte("1234"))
		_, _ = c.Get("a")
		c.Set("c", []byte("1234"))

		_, okA := c.Get("a")
		_, okB := c.Get("b")
		_, okC := c.Get("c")
		assert.True(t, okA)
		assert.False(t, okB)
		assert.True(t, okC)
		assert.Equal(t, int64(8), c.Stats().Bytes)
	})

	t.Run("过大的条目不缓存", func(t *testing.T) {
		c := NewLocalCache(10, time.Minute)
		c.Set("big", []byte("123456"))
		_, ok := c.Get("big")
		assert.False(t, ok)
	})

	t.Run("过期条目失效", func(t *testing.T) {
		now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		c := NewLocalCache(100, time.Minute)
		c.now = func() time.Time { return now }
		c.Set("a", []byte("qwe"))

		now = now.Add(2 * time.Minute)
		_, ok := c.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Stats().Entries)
	})

	t.Run("删除与清空", func(t *testing.T) {
		c := NewLocalCache(100, time.Minute)
		c.Set("a", []byte("1"))
		c.Set("b", []byte("2"))
		c.Delete("a")
		_, ok := c.Get("a")
		assert.False(t, ok)

		c.Clear()
		stats := c.Stats()
		assert.Equal(t, 0, stats.Entries)
		assert.Equal(t, int64(0), stats.Bytes)
		assert.Equal(t, int64(2), stats.Misses)
	})

	t.Run("容量为零时不缓存", func(t *testing.T) {
		c := NewLocalCache(0, time.Minute)
		c.Set("a", []byte("1"))
		_, ok := c.Get("a")
		assert.False(t, ok)
	})
}
