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
// 📊 Collector
// =============================================================================

// Collector owns every Prometheus vector of the coordinator. All Record
// methods are safe on a nil *Collector so components can run without metrics.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Task queue
	tasksSubmitted     *prometheus.CounterVec
	tasksAcquired      *prometheus.CounterVec
	tasksTerminal      *prometheus.CounterVec
	taskQueueWait      *prometheus.HistogramVec
	tasksBroadcast     *prometheus.CounterVec
	admissionRejected  *prometheus.CounterVec
	validationTimeouts prometheus.Counter

	// Matching
	matchPollAttempts prometheus.Histogram
	verdictsReported  *prometheus.CounterVec
	alertsRaised      *prometheus.CounterVec

	// Delegates
	delegateRegistrations *prometheus.CounterVec
	delegateConnections   prometheus.Gauge
	delegateSelfDestructs prometheus.Counter

	// Cache
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// Database
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers the vectors under namespace with the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP
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
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	// Task queue
	c.tasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Total number of persisted task submissions",
		},
		[]string{"rank", "mode"}, // mode: sync, async
	)

	c.tasksAcquired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_acquire_total",
			Help:      "Acquire calls by outcome",
		},
		[]string{"outcome"}, // assigned, reacquired, taken, validation, ineligible
	)

	c.tasksTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_terminal_total",
			Help:      "Tasks that reached a terminal status",
		},
		[]string{"status"},
	)

	c.taskQueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_queue_wait_seconds",
			Help:      "Time between submission and assignment",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"rank"},
	)

	c.tasksBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_broadcasts_total",
			Help:      "Broadcast hints sent on account channels",
		},
		[]string{"type"},
	)

	c.admissionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Submissions rejected by rank ceilings",
		},
		[]string{"rank"},
	)

	c.validationTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_timeouts_total",
			Help:      "Tasks failed because connection validation timed out",
		},
	)

	// Matching
	c.matchPollAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "match_poll_attempts",
			Help:      "Verdict polling attempts per matching pass",
			Buckets:   []float64{1, 2, 3, 5, 8, 10},
		},
	)

	c.verdictsReported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_verdicts_total",
			Help:      "Capability verdicts reported by delegates",
		},
		[]string{"verdict"},
	)

	c.alertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Operator visible scheduling alerts",
		},
		[]string{"code"},
	)

	// Delegates
	c.delegateRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegate_registrations_total",
			Help:      "Delegate registrations by resolution path",
		},
		[]string{"path"},
	)

	c.delegateConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delegate_connections",
			Help:      "Live delegate connections seen by this replica",
		},
	)

	c.delegateSelfDestructs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegate_self_destructs_total",
			Help:      "Connections instructed to self-terminate",
		},
	)

	// Cache
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

	// Database
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
// 🎯 HTTP
// =============================================================================

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 📬 Task queue
// =============================================================================

// RecordTaskSubmitted records a persisted submission.
func (c *Collector) RecordTaskSubmitted(rank string, sync bool) {
	if c == nil {
		return
	}
	mode := "async"
	if sync {
		mode = "sync"
	}
	c.tasksSubmitted.WithLabelValues(rank, mode).Inc()
}

// RecordAcquire records the outcome of an acquire call.
func (c *Collector) RecordAcquire(outcome string) {
	if c == nil {
		return
	}
	c.tasksAcquired.WithLabelValues(outcome).Inc()
}

// RecordAssignment records queue wait time of an assigned task.
func (c *Collector) RecordAssignment(rank string, wait time.Duration) {
	if c == nil {
		return
	}
	c.taskQueueWait.WithLabelValues(rank).Observe(wait.Seconds())
}

// RecordTerminal records a task reaching status.
func (c *Collector) RecordTerminal(status string) {
	if c == nil {
		return
	}
	c.tasksTerminal.WithLabelValues(status).Inc()
}

// RecordBroadcast records a broadcast hint.
func (c *Collector) RecordBroadcast(eventType string) {
	if c == nil {
		return
	}
	c.tasksBroadcast.WithLabelValues(eventType).Inc()
}

// RecordAdmissionRejected records a rank ceiling rejection.
func (c *Collector) RecordAdmissionRejected(rank string) {
	if c == nil {
		return
	}
	c.admissionRejected.WithLabelValues(rank).Inc()
}

// RecordValidationTimeout records a task failed by the validation monitor.
func (c *Collector) RecordValidationTimeout() {
	if c == nil {
		return
	}
	c.validationTimeouts.Inc()
}

// =============================================================================
// 🧩 Matching
// =============================================================================

// RecordMatchPoll records how many verdict polling attempts a pass needed.
func (c *Collector) RecordMatchPoll(attempts int) {
	if c == nil {
		return
	}
	c.matchPollAttempts.Observe(float64(attempts))
}

// RecordVerdict records a reported capability verdict.
func (c *Collector) RecordVerdict(verdict string) {
	if c == nil {
		return
	}
	c.verdictsReported.WithLabelValues(verdict).Inc()
}

// RecordAlert records a scheduling alert.
func (c *Collector) RecordAlert(code string) {
	if c == nil {
		return
	}
	c.alertsRaised.WithLabelValues(code).Inc()
}

// =============================================================================
// 🛰️ Delegates
// =============================================================================

// RecordRegistration records how a registration was resolved.
func (c *Collector) RecordRegistration(path string) {
	if c == nil {
		return
	}
	c.delegateRegistrations.WithLabelValues(path).Inc()
}

// AddDelegateConnections moves the live connection gauge by delta.
func (c *Collector) AddDelegateConnections(delta int) {
	if c == nil {
		return
	}
	c.delegateConnections.Add(float64(delta))
}

// RecordSelfDestruct records a connection told to self-terminate.
func (c *Collector) RecordSelfDestruct() {
	if c == nil {
		return
	}
	c.delegateSelfDestructs.Inc()
}

// =============================================================================
// 💾 Cache and database
// =============================================================================

// RecordCacheHit records a cache hit.
func (c *Collector) RecordCacheHit(cacheType string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss.
func (c *Collector) RecordCacheMiss(cacheType string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections records pool sizes.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 Helpers
// =============================================================================

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
