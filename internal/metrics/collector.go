// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every Prometheus series the orchestrator exports.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Admission metrics
	admissionRejections *prometheus.CounterVec
	inflightRequests    *prometheus.GaugeVec

	// Mesh metrics
	meshDispatchTotal    *prometheus.CounterVec
	meshDispatchDuration *prometheus.HistogramVec
	meshNodesOnline      prometheus.Gauge

	// Kernel metrics
	kernelCommandsTotal   *prometheus.CounterVec
	kernelCommandDuration *prometheus.HistogramVec

	// Federation metrics
	fedUpdatesTotal *prometheus.CounterVec
	fedModelVersion prometheus.Gauge

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers all series under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP metrics
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

	// Admission metrics
	c.admissionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Requests rejected by admission stage",
		},
		[]string{"stage"},
	)

	c.inflightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_requests",
			Help:      "Currently executing requests per resource class",
		},
		[]string{"class"},
	)

	// Mesh metrics
	c.meshDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mesh_dispatch_total",
			Help:      "Total commands dispatched to mesh nodes",
		},
		[]string{"node", "status"},
	)

	c.meshDispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mesh_dispatch_duration_seconds",
			Help:      "Mesh dispatch duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"node"},
	)

	c.meshNodesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mesh_nodes_online",
			Help:      "Number of mesh nodes currently online",
		},
	)

	// Kernel metrics
	c.kernelCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kernel_commands_total",
			Help:      "Total commands routed to kernel backends",
		},
		[]string{"kernel", "type", "status"},
	)

	c.kernelCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kernel_command_duration_seconds",
			Help:      "Kernel command duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kernel", "type"},
	)

	// Federation metrics
	c.fedUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fed_updates_total",
			Help:      "Federated updates received",
		},
		[]string{"status"},
	)

	c.fedModelVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fed_model_version",
			Help:      "Current global model version",
		},
	)

	// Cache metrics
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

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordAdmissionRejection counts a rejection by chain stage.
func (c *Collector) RecordAdmissionRejection(stage string) {
	c.admissionRejections.WithLabelValues(stage).Inc()
}

// SetInflight publishes the live concurrency for a resource class.
func (c *Collector) SetInflight(class string, n int) {
	c.inflightRequests.WithLabelValues(class).Set(float64(n))
}

// RecordMeshDispatch records one command sent to a mesh node.
func (c *Collector) RecordMeshDispatch(node string, success bool, duration time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	c.meshDispatchTotal.WithLabelValues(node, status).Inc()
	c.meshDispatchDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// SetMeshNodesOnline publishes the current online node count.
func (c *Collector) SetMeshNodesOnline(n int) {
	c.meshNodesOnline.Set(float64(n))
}

// RecordKernelCommand records one command routed to a kernel backend.
func (c *Collector) RecordKernelCommand(kernel, cmdType string, success bool, duration time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	c.kernelCommandsTotal.WithLabelValues(kernel, cmdType, status).Inc()
	c.kernelCommandDuration.WithLabelValues(kernel, cmdType).Observe(duration.Seconds())
}

// RecordFedUpdate counts an accepted or rejected federated update.
func (c *Collector) RecordFedUpdate(status string) {
	c.fedUpdatesTotal.WithLabelValues(status).Inc()
}

// SetFedModelVersion publishes the global model version.
func (c *Collector) SetFedModelVersion(v int64) {
	c.fedModelVersion.Set(float64(v))
}

// RecordCacheHit counts a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss counts a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// statusCode buckets HTTP status codes into series-friendly classes.
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
