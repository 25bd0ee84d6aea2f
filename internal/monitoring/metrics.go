package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record/Update 方法都允许 nil 接收者，未启用监控时可以直接传 nil
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge

	// 暂存层指标
	StagedWritesTotal *prometheus.CounterVec
	StagedBytes       prometheus.Counter
	StagingReclaimed  prometheus.Counter

	// 传播指标
	UploadsTotal      *prometheus.CounterVec
	UploadBytes       *prometheus.CounterVec
	SyncDuration      *prometheus.HistogramVec
	MissingFilesTotal *prometheus.CounterVec
	FlagFlipsRejected *prometheus.CounterVec

	// 任务指标
	JobsTotal    *prometheus.CounterVec
	JobsInFlight prometheus.Gauge
	QueueDepth   *prometheus.GaugeVec

	// 读取指标
	DownloadsTotal *prometheus.CounterVec

	// 样式处理指标
	ProcessingErrors *prometheus.CounterVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标，注册到独立的注册表
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attachsync_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "attachsync_http_requests_in_flight",
				Help: "Number of HTTP requests being served",
			},
		),

		StagedWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachsync_staged_writes_total",
				Help: "Style outputs written to the staging tier",
			},
			[]string{"result"},
		),

		StagedBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "attachsync_staged_bytes_total",
				Help: "Bytes written to the staging tier",
			},
		),

		StagingReclaimed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "attachsync_staging_reclaimed_total",
				Help: "Attachments whose staged copies were removed after full sync",
			},
		),

		UploadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachsync_uploads_total",
				Help: "Object uploads to permanent stores",
			},
			[]string{"store", "result"},
		),

		UploadBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachsync_upload_bytes_total",
				Help: "Bytes uploaded to permanent stores",
			},
			[]string{"store"},
		),

		SyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "attachsync_sync_duration_seconds",
				Help:    "Duration of a sync to one permanent store",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"store"},
		),

		MissingFilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachsync_missing_files_total",
				Help: "Sync attempts that found staged files missing",
			},
			[]string{"store"},
		),

		FlagFlipsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachsync_flag_flips_rejected_total",
				Help: "Conditional synced-flag updates that matched no row",
			},
			[]string{"store"},
		),

		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachsync_jobs_total",
				Help: "Executed jobs by action and outcome",
			},
			[]string{"action", "result"},
		),

		JobsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "attachsync_jobs_in_flight",
				Help: "Jobs currently executing",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "attachsync_queue_depth",
				Help: "Jobs waiting in the queue",
			},
			[]string{"queue"},
		),

		DownloadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachsync_downloads_total",
				Help: "Variant reads by resolving tier",
			},
			[]string{"source"},
		),

		ProcessingErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachsync_processing_errors_total",
				Help: "Style production failures",
			},
			[]string{"style"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "attachsync_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "attachsync_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// HTTPStarted 请求开始
func (m *Metrics) HTTPStarted() {
	if m == nil {
		return
	}
	m.HTTPInFlight.Inc()
}

// HTTPFinished 请求结束
func (m *Metrics) HTTPFinished() {
	if m == nil {
		return
	}
	m.HTTPInFlight.Dec()
}

// RecordStagedWrite 记录暂存写入
func (m *Metrics) RecordStagedWrite(size int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.StagedWritesTotal.WithLabelValues("error").Inc()
		return
	}
	m.StagedWritesTotal.WithLabelValues("ok").Inc()
	m.StagedBytes.Add(float64(size))
}

// RecordStagingReclaimed 记录暂存副本回收
func (m *Metrics) RecordStagingReclaimed() {
	if m == nil {
		return
	}
	m.StagingReclaimed.Inc()
}

// RecordUpload 记录一次上传
func (m *Metrics) RecordUpload(store string, size int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.UploadsTotal.WithLabelValues(store, "error").Inc()
		return
	}
	m.UploadsTotal.WithLabelValues(store, "ok").Inc()
	m.UploadBytes.WithLabelValues(store).Add(float64(size))
}

// RecordSyncDuration 记录同步耗时
func (m *Metrics) RecordSyncDuration(store string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SyncDuration.WithLabelValues(store).Observe(duration.Seconds())
}

// RecordMissingFiles 记录缺失文件
func (m *Metrics) RecordMissingFiles(store string) {
	if m == nil {
		return
	}
	m.MissingFilesTotal.WithLabelValues(store).Inc()
}

// RecordFlagRejected 记录条件更新未命中
func (m *Metrics) RecordFlagRejected(store string) {
	if m == nil {
		return
	}
	m.FlagFlipsRejected.WithLabelValues(store).Inc()
}

// RecordJob 记录任务结果：ok、retry、deferred、interrupted、buried
func (m *Metrics) RecordJob(action, result string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(action, result).Inc()
}

// JobStarted 任务开始
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

// JobFinished 任务结束
func (m *Metrics) JobFinished() {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
}

// UpdateQueueDepth 更新队列长度
func (m *Metrics) UpdateQueueDepth(queue string, depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordDownload 记录读取命中的层：queued、staging、store、url
func (m *Metrics) RecordDownload(source string) {
	if m == nil {
		return
	}
	m.DownloadsTotal.WithLabelValues(source).Inc()
}

// RecordProcessingError 记录样式生成失败
func (m *Metrics) RecordProcessingError(style string) {
	if m == nil {
		return
	}
	m.ProcessingErrors.WithLabelValues(style).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
