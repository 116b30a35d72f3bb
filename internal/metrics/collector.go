// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// 所有 Record 方法对 nil 接收者安全，组件未注入收集器时直接跳过。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 注册表指标
	registryWritesTotal *prometheus.CounterVec
	registryNodes       prometheus.Gauge

	// 交换指标
	exchangeRequestsTotal   *prometheus.CounterVec
	exchangeArtifactsTotal  *prometheus.CounterVec
	exchangeRequestDuration *prometheus.HistogramVec

	// 查询路由指标
	routeDuration     prometheus.Histogram
	routeNodeOutcomes *prometheus.CounterVec

	// 维护周期指标
	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram

	// 检查结果指标
	healthMeanQuality  prometheus.Gauge
	healthStatus       *prometheus.GaugeVec
	integrityStatus    *prometheus.GaugeVec
	provenanceValidity prometheus.Gauge

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

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

	// 注册表指标
	c.registryWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_writes_total",
			Help:      "Total number of durable registry writes",
		},
		[]string{"operation", "status"},
	)

	c.registryNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_nodes",
			Help:      "Number of nodes in the registry after the last write",
		},
	)

	// 交换指标
	c.exchangeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_requests_total",
			Help:      "Total number of artifact exchange requests",
		},
		[]string{"direction", "status"},
	)

	c.exchangeArtifactsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_artifacts_total",
			Help:      "Total number of artifacts moved across the exchange boundary",
		},
		[]string{"direction"},
	)

	c.exchangeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_request_duration_seconds",
			Help:      "Artifact exchange duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"direction"},
	)

	// 查询路由指标
	c.routeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_route_duration_seconds",
			Help:      "Cross-node query duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	c.routeNodeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_node_outcomes_total",
			Help:      "Per-node outcomes of query fan-out",
		},
		[]string{"outcome"},
	)

	// 维护周期指标
	c.cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_cycles_total",
			Help:      "Total number of propagation cycles by status",
		},
		[]string{"status"},
	)

	c.cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "propagation_cycle_duration_seconds",
			Help:      "Propagation cycle duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// 检查结果指标
	c.healthMeanQuality = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_mean_quality",
			Help:      "Mean knowledge unit quality at the last health check",
		},
	)

	c.healthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_status",
			Help:      "1 for the status reported by the last health check",
		},
		[]string{"status"},
	)

	c.integrityStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integrity_status",
			Help:      "1 for the status reported by the last integrity check",
		},
		[]string{"status"},
	)

	c.provenanceValidity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provenance_validity_rate",
			Help:      "Fraction of provenance references that resolved at the last validation",
		},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
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

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🗂️ 注册表与交换指标记录
// =============================================================================

// RecordRegistryWrite 记录一次注册表持久化
func (c *Collector) RecordRegistryWrite(operation string, err error, nodes int) {
	if c == nil {
		return
	}
	c.registryWritesTotal.WithLabelValues(operation, outcome(err)).Inc()
	if err == nil {
		c.registryNodes.Set(float64(nodes))
	}
}

// RecordExchange 记录一次工件交换（direction: request / share / import）
func (c *Collector) RecordExchange(direction string, err error, artifacts int, duration time.Duration) {
	if c == nil {
		return
	}
	c.exchangeRequestsTotal.WithLabelValues(direction, outcome(err)).Inc()
	c.exchangeArtifactsTotal.WithLabelValues(direction).Add(float64(artifacts))
	c.exchangeRequestDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// =============================================================================
// 🔀 查询与维护周期指标记录
// =============================================================================

// RecordRoute 记录一次跨节点查询
func (c *Collector) RecordRoute(duration time.Duration) {
	if c == nil {
		return
	}
	c.routeDuration.Observe(duration.Seconds())
}

// RecordNodeOutcome 记录单个节点的扇出结果（ok / timeout / error）
func (c *Collector) RecordNodeOutcome(outcome string) {
	if c == nil {
		return
	}
	c.routeNodeOutcomes.WithLabelValues(outcome).Inc()
}

// RecordCycle 记录一次维护周期
func (c *Collector) RecordCycle(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.cyclesTotal.WithLabelValues(status).Inc()
	c.cycleDuration.Observe(duration.Seconds())
}

// =============================================================================
// 🩺 检查结果指标记录
// =============================================================================

// RecordHealth 记录健康检查结果
func (c *Collector) RecordHealth(status string, meanQuality float64) {
	if c == nil {
		return
	}
	c.healthMeanQuality.Set(meanQuality)
	setExclusive(c.healthStatus, status, "healthy", "warning", "critical")
}

// RecordIntegrity 记录完整性检查结果
func (c *Collector) RecordIntegrity(status string) {
	if c == nil {
		return
	}
	setExclusive(c.integrityStatus, status, "intact", "corrupted", "missing")
}

// RecordProvenance 记录溯源校验有效率
func (c *Collector) RecordProvenance(validityRate float64) {
	if c == nil {
		return
	}
	c.provenanceValidity.Set(validityRate)
}

// =============================================================================
// 💾 缓存与数据库指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
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

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// setExclusive 将当前状态置 1，其余置 0
func setExclusive(g *prometheus.GaugeVec, current string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		g.WithLabelValues(s).Set(v)
	}
}
