package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Status 单项检查结果
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// 检查超时
const checkTimeout = 5 * time.Second

// Pinger 可探测的依赖（数据库、Redis 等）
type Pinger interface {
	Health(ctx context.Context) error
}

// PingerFunc 适配函数为 Pinger
type PingerFunc func(ctx context.Context) error

// Health 实现 Pinger
func (f PingerFunc) Health(ctx context.Context) error { return f(ctx) }

// CheckResult 单项检查
type CheckResult struct {
	Name     string        `json:"name"`
	Status   Status        `json:"status"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Report 健康报告
type Report struct {
	Status    Status        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	Checks    []CheckResult `json:"checks"`
}

type dependency struct {
	name     string
	pinger   Pinger
	critical bool
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health        healthcheck.Handler
	deps          []dependency
	maxGoroutines int
	startTime     time.Time
	logger        *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:        healthcheck.NewHandler(),
		maxGoroutines: 10000,
		startTime:     time.Now(),
		logger:        logger,
	}
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(hc.maxGoroutines))
	return hc
}

// AddDependency 注册依赖
//
// critical 为 true 时依赖失败会让 /ready 返回 503，否则只在报告中标记降级
func (hc *HealthChecker) AddDependency(name string, p Pinger, critical bool) {
	hc.deps = append(hc.deps, dependency{name: name, pinger: p, critical: critical})
	if critical {
		hc.health.AddReadinessCheck(name, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
			defer cancel()
			return p.Health(ctx)
		})
	}
}

// AddTCPDependency 注册只需 TCP 可达的依赖（例如 Redis 地址）
func (hc *HealthChecker) AddTCPDependency(name, addr string) {
	hc.health.AddReadinessCheck(name, healthcheck.TCPDialCheck(addr, checkTimeout))
}

// Handler 返回 /live 与 /ready 处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活检查
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 执行所有检查并汇总
func (hc *HealthChecker) CheckHealth(ctx context.Context) *Report {
	report := &Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(hc.startTime),
		Checks:    make([]CheckResult, 0, len(hc.deps)+1),
	}

	for _, dep := range hc.deps {
		start := time.Now()
		result := CheckResult{Name: dep.name, Status: StatusHealthy}

		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := dep.pinger.Health(cctx)
		cancel()

		if err != nil {
			result.Status = StatusDegraded
			if dep.critical {
				result.Status = StatusUnhealthy
			}
			result.Message = err.Error()
		}
		result.Duration = time.Since(start)
		report.add(result)
	}

	report.add(hc.checkGoroutines())

	switch report.Status {
	case StatusUnhealthy:
		hc.logger.Error("Health check failed", zap.Any("checks", report.Checks))
	case StatusDegraded:
		hc.logger.Warn("Health check degraded", zap.Any("checks", report.Checks))
	}
	return report
}

func (hc *HealthChecker) checkGoroutines() CheckResult {
	n := runtime.NumGoroutine()
	result := CheckResult{Name: "goroutines", Status: StatusHealthy, Message: fmt.Sprintf("Goroutines: %d", n)}
	if n > hc.maxGoroutines {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", n)
	}
	return result
}

func (r *Report) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
	switch c.Status {
	case StatusUnhealthy:
		r.Status = StatusUnhealthy
	case StatusDegraded:
		if r.Status != StatusUnhealthy {
			r.Status = StatusDegraded
		}
	}
}

// IsHealthy 检查系统是否健康
func (hc *HealthChecker) IsHealthy(ctx context.Context) bool {
	return hc.CheckHealth(ctx).Status == StatusHealthy
}
