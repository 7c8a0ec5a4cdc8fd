// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/mediaflow/generation/reconcile"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，实现各组件的 Recorder/Observer 接口
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 生成任务指标
	submissionsTotal    *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
	chargedFailedTotal  *prometheus.CounterVec
	chargedFailedUnits  *prometheus.CounterVec
	mediaPersistedTotal *prometheus.CounterVec

	// 轮询指标
	pollOutcomesTotal *prometheus.CounterVec
	pollAttempts      *prometheus.HistogramVec
	pollDuration      *prometheus.HistogramVec

	// 准入指标
	admissionsTotal *prometheus.CounterVec
	admittedUnits   prometheus.Counter

	// 模型目录缓存指标
	catalogEvents *prometheus.CounterVec

	// 对账指标
	sweepsTotal   *prometheus.CounterVec
	sweepTasks    *prometheus.CounterVec
	sweepDuration prometheus.Histogram

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 生成任务指标
	c.submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_submissions_total",
			Help:      "Total number of generation submissions by result",
		},
		[]string{"provider", "media_kind", "result"},
	)

	c.transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"provider", "from", "to"},
	)

	c.chargedFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_failed_total",
			Help:      "Requests that failed after credits were debited",
		},
		[]string{"provider", "stage"},
	)

	c.chargedFailedUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_failed_units_total",
			Help:      "Credits debited for requests that later failed",
		},
		[]string{"provider"},
	)

	c.mediaPersistedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_persist_total",
			Help:      "Result media URLs handled by media persistence",
		},
		[]string{"result"}, // persisted, skipped, failed
	)

	// 轮询指标
	c.pollOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_outcomes_total",
			Help:      "Polling loops by outcome",
		},
		[]string{"outcome"},
	)

	c.pollAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_attempts",
			Help:      "Attempts per polling loop",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"outcome"},
	)

	c.pollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Polling loop duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"outcome"},
	)

	// 准入指标
	c.admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission gate decisions",
		},
		[]string{"result"},
	)

	c.admittedUnits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admitted_units_total",
			Help:      "Credits debited by the admission gate",
		},
	)

	// 模型目录缓存指标
	c.catalogEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_events_total",
			Help:      "Model catalog cache events (hit, stale, miss, refreshed, fetch_error)",
		},
		[]string{"provider", "event"},
	)

	// 对账指标
	c.sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_sweeps_total",
			Help:      "Reconciler sweeps",
		},
		[]string{"skipped"},
	)

	c.sweepTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_tasks_total",
			Help:      "Tasks handled by reconciler sweeps",
		},
		[]string{"result"}, // scanned, advanced, completed, abandoned, error
	)

	c.sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_sweep_duration_seconds",
			Help:      "Reconciler sweep duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🎨 生成任务指标记录
// =============================================================================

// RecordSubmission 记录一次提交结果。model 不作为 label，避免基数膨胀
func (c *Collector) RecordSubmission(provider, _ string, mediaKind, result string) {
	c.submissionsTotal.WithLabelValues(provider, mediaKind, result).Inc()
}

// RecordTransition 记录任务状态变更
func (c *Collector) RecordTransition(provider, from, to string) {
	c.transitionsTotal.WithLabelValues(provider, from, to).Inc()
}

// RecordChargedFailure 记录扣费后失败的请求
func (c *Collector) RecordChargedFailure(provider, stage string, cost int64) {
	c.chargedFailedTotal.WithLabelValues(provider, stage).Inc()
	c.chargedFailedUnits.WithLabelValues(provider).Add(float64(cost))
}

// RecordMediaPersistence 记录媒体持久化结果
func (c *Collector) RecordMediaPersistence(persisted, skipped, failed int) {
	c.mediaPersistedTotal.WithLabelValues("persisted").Add(float64(persisted))
	c.mediaPersistedTotal.WithLabelValues("skipped").Add(float64(skipped))
	c.mediaPersistedTotal.WithLabelValues("failed").Add(float64(failed))
}

// RecordPollOutcome 记录一次轮询循环的结果
func (c *Collector) RecordPollOutcome(outcome string, attempts int, elapsed time.Duration) {
	c.pollOutcomesTotal.WithLabelValues(outcome).Inc()
	c.pollAttempts.WithLabelValues(outcome).Observe(float64(attempts))
	c.pollDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordAdmission 记录准入决策
func (c *Collector) RecordAdmission(result string, cost int64) {
	c.admissionsTotal.WithLabelValues(result).Inc()
	if result == "admitted" && cost > 0 {
		c.admittedUnits.Add(float64(cost))
	}
}

// ObserveCatalog 记录模型目录缓存事件
func (c *Collector) ObserveCatalog(provider, event string) {
	c.catalogEvents.WithLabelValues(provider, event).Inc()
}

// RecordSweep 记录一次对账
func (c *Collector) RecordSweep(r reconcile.Report) {
	c.sweepsTotal.WithLabelValues(strconv.FormatBool(r.Skipped)).Inc()
	if r.Skipped {
		return
	}
	c.sweepTasks.WithLabelValues("scanned").Add(float64(r.Scanned))
	c.sweepTasks.WithLabelValues("advanced").Add(float64(r.Advanced))
	c.sweepTasks.WithLabelValues("completed").Add(float64(r.Completed))
	c.sweepTasks.WithLabelValues("abandoned").Add(float64(r.Abandoned))
	c.sweepTasks.WithLabelValues("error").Add(float64(r.Errors))
	c.sweepDuration.Observe(r.Duration.Seconds())
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
