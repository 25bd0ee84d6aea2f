package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthChecker(t *testing.T) {
	ok := PingerFunc(func(context.Context) error { return nil })
	down := PingerFunc(func(context.Context) error { return errors.New("connection refused") })

	t.Run("所有依赖正常", func(t *testing.T) {
		hc := NewHealthChecker(zap.NewNop())
		hc.AddDependency("database", ok, true)

		report := hc.CheckHealth(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		require.Len(t, report.Checks, 2)
		assert.Equal(t, "database", report.Checks[0].Name)
		assert.True(t, hc.IsHealthy(context.Background()))

		rec := httptest.NewRecorder()
		hc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("关键依赖失败", func(t *testing.T) {
		hc := NewHealthChecker(zap.NewNop())
		hc.AddDependency("database", down, true)

		report := hc.CheckHealth(context.Background())
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "connection refused", report.Checks[0].Message)

		rec := httptest.NewRecorder()
		hc.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		rec = httptest.NewRecorder()
		hc.LiveHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("非关键依赖失败只降级", func(t *testing.T) {
		hc := NewHealthChecker(zap.NewNop())
		hc.AddDependency("database", ok, true)
		hc.AddDependency("store_2", down, false)

		report := hc.CheckHealth(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)

		rec := httptest.NewRecorder()
		hc.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
