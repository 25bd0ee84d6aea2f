package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// UploadLimiter 上传并发和速率限制器
//
// 上传内容整体读入内存，并发数决定峰值内存占用
type UploadLimiter struct {
	maxConcurrent int
	current       int
	mu            sync.Mutex
	rate          *rate.Limiter
}

// NewUploadLimiter 创建上传限制器
//
// 参数:
//   - maxConcurrent: 最大并发上传数，<=0 表示不限制
//   - perSecond: 每秒最多接受的新上传数，<=0 表示不限制
func NewUploadLimiter(maxConcurrent int, perSecond float64) *UploadLimiter {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond))
	}
	return &UploadLimiter{
		maxConcurrent: maxConcurrent,
		rate:          rate.NewLimiter(limit, burst),
	}
}

// Acquire 获取上传许可
func (l *UploadLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.maxConcurrent > 0 && l.current >= l.maxConcurrent {
		return false
	}
	if !l.rate.Allow() {
		return false
	}

	l.current++
	return true
}

// Release 释放上传许可
func (l *UploadLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current > 0 {
		l.current--
	}
}

// Current 当前上传数
func (l *UploadLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Middleware 超出限制时返回 429
func (l *UploadLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Acquire() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "too_many_uploads",
					"message": "too many concurrent uploads, retry later",
				},
			})
			return
		}
		defer l.Release()
		c.Next()
	}
}
