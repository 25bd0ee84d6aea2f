package httptransport

import (
	"context"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attachsync/backend/internal/config"
	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/health"
	"attachsync/backend/internal/middleware"
	"attachsync/backend/internal/monitoring"
	"attachsync/backend/internal/service"
)

// AttachmentService 路由使用的附件业务接口
type AttachmentService interface {
	Upload(ctx context.Context, ref domain.Ref, upload *domain.Upload) (*service.AttachmentStatus, error)
	Get(ctx context.Context, ref domain.Ref) (*service.AttachmentStatus, error)
	Content(ctx context.Context, ref domain.Ref, style string) (*service.Content, error)
	URL(ctx context.Context, ref domain.Ref, style string, versioned bool) (string, error)
	Delete(ctx context.Context, ref domain.Ref) error
	Reprocess(ctx context.Context, ref domain.Ref) (*service.AttachmentStatus, error)
	Sync(ctx context.Context, ref domain.Ref, store domain.StoreID) (*service.AttachmentStatus, error)
}

var _ AttachmentService = (*service.AttachmentService)(nil)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config      *config.Config
	Attachments AttachmentService
	Metrics     *monitoring.Metrics
	Health      *health.HealthChecker
	Logger      *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, logger)
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestID())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Max-Body-Size", middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health", func(c *gin.Context) {
			report := deps.Health.CheckHealth(c.Request.Context())
			status := http.StatusOK
			if report.Status == health.StatusUnhealthy {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, report)
		})
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	h := NewAttachmentHandler(deps.Attachments, logger)

	v1 := router.Group("/api/v1")
	{
		att := v1.Group("/records/:type/:id/attachments/:name")
		uploads := middleware.NewUploadLimiter(deps.Config.Server.MaxConcurrentUploads, deps.Config.Server.UploadRate)
		uploadChain := []gin.HandlerFunc{
			uploads.Middleware(),
			middleware.UploadSizeLimit(deps.Config.Server.MaxUploadBytes),
			h.upload,
		}
		att.PUT("", uploadChain...)
		att.POST("", uploadChain...)
		att.GET("", h.status)
		att.GET("/content", h.content)
		att.GET("/url", h.url)
		att.DELETE("", h.delete)
		att.POST("/reprocess", h.reprocess)
		att.POST("/sync/:store", h.sync)
	}

	return router
}
