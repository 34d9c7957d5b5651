package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ipamctl/ipamctl/pkg/engine"
)

// Metrics provides Prometheus metrics for the reconciliation engine. It
// implements engine.Metrics so it can be handed to RunnerDeps directly.
// A Metrics built with Enabled=false is a no-op on every method.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Operation metrics
	operationsCompleted *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	operationRetries    *prometheus.CounterVec
	deferredResolutions *prometheus.CounterVec

	// Batch metrics
	batchesCompleted *prometheus.CounterVec
	batchDuration    *prometheus.HistogramVec

	// Throttle metrics
	throttleCeiling  prometheus.Gauge
	throttleInFlight prometheus.Gauge

	// Remote API metrics
	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	remoteErrors   *prometheus.CounterVec
	rateLimitHits  prometheus.Counter

	// Resolver metrics
	resolutions *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of reconciliation runs started",
			},
			[]string{"dry_run"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of reconciliation runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of reconciliation runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		operationsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_completed_total",
				Help:      "Total number of operations reaching a terminal status",
			},
			[]string{"resource_type", "kind", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operation execution in seconds",
				Buckets:   buckets,
			},
			[]string{"resource_type", "kind"},
		),
		operationRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_retries_total",
				Help:      "Total number of operation retry attempts",
			},
			[]string{"resource_type", "class"},
		),
		deferredResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deferred_resolutions_total",
				Help:      "Total number of deferred references resolved at dispatch",
			},
			[]string{"resource_type"},
		),

		batchesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_completed_total",
				Help:      "Total number of execution batches completed",
			},
			[]string{"phase"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_duration_seconds",
				Help:      "Duration of execution batches in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),

		throttleCeiling: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "throttle_ceiling",
				Help:      "Current adaptive concurrency ceiling",
			},
		),
		throttleInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "throttle_in_flight",
				Help:      "Current number of in-flight remote operations",
			},
		),

		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_calls_total",
				Help:      "Total number of remote API calls",
			},
			[]string{"method", "status"},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "remote_call_duration_seconds",
				Help:      "Duration of remote API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"method"},
		),
		remoteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_errors_total",
				Help:      "Total number of remote API errors",
			},
			[]string{"method", "class"},
		),
		rateLimitHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Total number of rate-limit responses from the remote API",
			},
		),

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of path resolutions by source",
			},
			[]string{"source"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.operationsCompleted,
		m.operationDuration,
		m.operationRetries,
		m.deferredResolutions,
		m.batchesCompleted,
		m.batchDuration,
		m.throttleCeiling,
		m.throttleInFlight,
		m.remoteCalls,
		m.remoteDuration,
		m.remoteErrors,
		m.rateLimitHits,
		m.resolutions,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Run metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(dryRun bool) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(strconv.FormatBool(dryRun)).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// engine.Metrics implementation

// OperationCompleted records one terminal operation outcome.
func (m *Metrics) OperationCompleted(resourceType string, kind engine.OperationKind, status engine.OperationStatus, duration time.Duration) {
	if m.operationsCompleted == nil {
		return
	}
	m.operationsCompleted.WithLabelValues(resourceType, string(kind), string(status)).Inc()
	m.operationDuration.WithLabelValues(resourceType, string(kind)).Observe(duration.Seconds())
}

// OperationRetried records one retry attempt.
func (m *Metrics) OperationRetried(resourceType string, class engine.ErrorClass) {
	if m.operationRetries == nil {
		return
	}
	m.operationRetries.WithLabelValues(resourceType, string(class)).Inc()
}

// BatchCompleted records a finished plan batch.
func (m *Metrics) BatchCompleted(phase engine.Phase, size int, duration time.Duration) {
	if m.batchesCompleted == nil {
		return
	}
	m.batchesCompleted.WithLabelValues(string(phase)).Inc()
	m.batchDuration.WithLabelValues(string(phase)).Observe(duration.Seconds())
}

// ThrottleCeiling records the current concurrency ceiling.
func (m *Metrics) ThrottleCeiling(ceiling int) {
	if m.throttleCeiling == nil {
		return
	}
	m.throttleCeiling.Set(float64(ceiling))
}

// ThrottleInFlight records the current in-flight operation count.
func (m *Metrics) ThrottleInFlight(inFlight int) {
	if m.throttleInFlight == nil {
		return
	}
	m.throttleInFlight.Set(float64(inFlight))
}

// DeferredResolved records one deferred reference resolution.
func (m *Metrics) DeferredResolved(resourceType string) {
	if m.deferredResolutions == nil {
		return
	}
	m.deferredResolutions.WithLabelValues(resourceType).Inc()
}

// Remote API metrics

// RecordRemoteCall records a remote API call with its HTTP status and duration.
func (m *Metrics) RecordRemoteCall(method string, status int, duration time.Duration) {
	if m.remoteCalls == nil {
		return
	}
	m.remoteCalls.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.remoteDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRemoteError records a classified remote API error.
func (m *Metrics) RecordRemoteError(method string, class engine.ErrorClass) {
	if m.remoteErrors == nil {
		return
	}
	m.remoteErrors.WithLabelValues(method, string(class)).Inc()
}

// RecordRateLimit records a rate-limit response.
func (m *Metrics) RecordRateLimit() {
	if m.rateLimitHits == nil {
		return
	}
	m.rateLimitHits.Inc()
}

// Resolver metrics

// ResolutionSource labels for RecordResolution.
const (
	ResolutionConfirmed = "confirmed"
	ResolutionCache     = "cache"
	ResolutionPending   = "pending"
	ResolutionLive      = "live"
)

// RecordResolution records a path resolution by source.
func (m *Metrics) RecordResolution(source string) {
	if m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(source).Inc()
}

// Error metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
