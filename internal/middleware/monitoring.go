package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attachsync/backend/internal/monitoring"
)

// unmatchedEndpoint 未匹配路由统一归到一个标签值，避免标签基数随路径增长
const unmatchedEndpoint = "unmatched"

// MonitoringMiddleware 请求指标和 panic 恢复
type MonitoringMiddleware struct {
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewMonitoringMiddleware 创建监控中间件，metrics 可以为 nil
func NewMonitoringMiddleware(metrics *monitoring.Metrics, logger *zap.Logger) *MonitoringMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MonitoringMiddleware{
		metrics: metrics,
		logger:  logger,
	}
}

// HTTPMetrics 按路由模板记录请求数、耗时和并发数
func (mm *MonitoringMiddleware) HTTPMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		mm.metrics.HTTPStarted()
		defer mm.metrics.HTTPFinished()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = unmatchedEndpoint
		}
		status := c.Writer.Status()
		mm.metrics.RecordHTTPRequest(c.Request.Method, endpoint, strconv.Itoa(status), time.Since(start))
		if status >= http.StatusInternalServerError {
			mm.metrics.RecordError("http_error", "http")
		}
	}
}

// PanicRecovery 恢复 handler 中的 panic 并返回 500
func (mm *MonitoringMiddleware) PanicRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			mm.metrics.RecordPanic()
			mm.logger.Error("Panic recovered",
				zap.Any("panic", recovered),
				zap.String("request_id", c.GetString(RequestIDKey)),
				zap.String("method", c.Request.Method),
				zap.String("route", c.FullPath()),
				zap.Stack("stack"),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"code": "internal_error", "message": "internal server error"},
			})
		}()

		c.Next()
	}
}
