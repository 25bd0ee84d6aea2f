package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"attachsync/backend/internal/monitoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMonitoringMiddleware(t *testing.T) {
	metrics := monitoring.NewMetrics()
	mm := NewMonitoringMiddleware(metrics, zap.NewNop())

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	t.Run("记录请求指标", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/ok", "200")))
		assert.Equal(t, float64(0), testutil.ToFloat64(metrics.HTTPInFlight))
	})

	t.Run("未匹配路由归为一类", func(t *testing.T) {
		for _, path := range []string{"/a", "/b"} {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		}
		assert.Equal(t, float64(2), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
	})

	t.Run("恢复 panic 返回 500", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "internal_error")
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PanicsTotal))
	})
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.POST("/upload", BodySizeLimit(4), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	t.Run("未超限通过", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("abc")))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "4", rec.Header().Get("X-Max-Body-Size"))
	})

	t.Run("超限返回 413", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("abcdef")))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Contains(t, rec.Body.String(), "payload_too_large")
	})
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	r := gin.New()
	r.Use(RequestID(), RequestLogger(zap.New(core)), SecurityHeaders())
	r.GET("/records/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	t.Run("沿用调用方的请求 ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/records/7?x=1", nil)
		req.Header.Set(RequestIDHeader, "req-1")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.Equal(t, "req-1", rec.Header().Get(RequestIDHeader))

		entries := logs.FilterMessage("Request rejected").All()
		if assert.Len(t, entries, 1) {
			fields := entries[0].ContextMap()
			assert.Equal(t, "req-1", fields["request_id"])
			assert.Equal(t, "/records/:id", fields["route"])
			assert.Equal(t, "/records/7", fields["path"])
		}
	})

	t.Run("缺失时生成请求 ID", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/records/8", nil))
		assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
	})
}

func TestUploadLimiter(t *testing.T) {
	t.Run("并发数达到上限时拒绝", func(t *testing.T) {
		l := NewUploadLimiter(1, 0)
		assert.True(t, l.Acquire())
		assert.False(t, l.Acquire())
		l.Release()
		assert.Equal(t, 0, l.Current())
		assert.True(t, l.Acquire())
	})

	t.Run("速率超出时拒绝", func(t *testing.T) {
		l := NewUploadLimiter(0, 1)
		assert.True(t, l.Acquire())
		l.Release()
		assert.False(t, l.Acquire())
	})

	t.Run("中间件返回 429", func(t *testing.T) {
		l := NewUploadLimiter(1, 0)
		release := make(chan struct{})
		entered := make(chan struct{})

		r := gin.New()
		r.POST("/upload", l.Middleware(), func(c *gin.Context) {
			close(entered)
			<-release
			c.Status(http.StatusOK)
		})

		done := make(chan int)
		go func() {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", nil))
			done <- w.Code
		}()
		<-entered

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/upload", nil))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Contains(t, w.Body.String(), "too_many_uploads")

		close(release)
		assert.Equal(t, http.StatusOK, <-done)
		assert.Equal(t, 0, l.Current())
	})
}
