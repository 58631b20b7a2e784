package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A zero Metrics (or a nil pointer)
// is valid and records nothing.
type Metrics struct {
	// Execution metrics
	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ExecutionAttempts   *prometheus.HistogramVec
	ConcurrencyInFlight *prometheus.GaugeVec
	UsageRecorded       *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitDecisions *prometheus.CounterVec
	RateLimitDegraded  *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec

	// Backing store metrics
	StoreOperationDuration *prometheus.HistogramVec
	StoreConnections       *prometheus.GaugeVec
	DatabaseConnections    *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec

	// HTTP metrics for the admin surface
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "agentguard",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates all metrics and registers them with registry. A nil
// registry uses the process-wide Prometheus registry.
func NewMetrics(config *Config, registry *prometheus.Registry) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if registry != nil {
		registerer = registry
		gatherer = registry
	}

	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "executions_total",
				Help:      "Total number of executions by terminal status",
			},
			[]string{"resource", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "execution_duration_seconds",
				Help:      "Execution duration in seconds, retries included",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"resource", "status"},
		),
		ExecutionAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "execution_attempts",
				Help:      "Attempts made per execution",
				Buckets:   []float64{1, 2, 3, 4, 5, 7, 10},
			},
			[]string{"resource"},
		),
		ConcurrencyInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "concurrency_in_flight",
				Help:      "Executions currently holding a concurrency slot",
			},
			[]string{"resource"},
		),
		UsageRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "usage_recorded_total",
				Help:      "Token or cost units recorded after successful executions",
			},
			[]string{"resource"},
		),
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limiter decisions by dimension and outcome",
			},
			[]string{"dimension", "outcome"},
		),
		RateLimitDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "ratelimit_degraded_total",
				Help:      "Decisions that failed open because the counting store was unavailable",
			},
			[]string{"operation"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"resource"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"resource", "from", "to"},
		),
		BreakerRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "breaker_rejections_total",
				Help:      "Calls rejected by an open circuit",
			},
			[]string{"resource"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "store_operation_duration_seconds",
				Help:      "Counting store operation duration in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"operation", "outcome"},
		),
		StoreConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "store_connections",
				Help:      "Counting store connection pool",
			},
			[]string{"state"},
		),
		DatabaseConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "database_connections",
				Help:      "Execution ledger connection pool",
			},
			[]string{"state"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Classified errors by component and kind",
			},
			[]string{"component", "kind"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Recovered panics in units of work",
			},
			[]string{"component"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionAttempts,
		m.ConcurrencyInFlight,
		m.UsageRecorded,
		m.RateLimitDecisions,
		m.RateLimitDegraded,
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.StoreOperationDuration,
		m.StoreConnections,
		m.DatabaseConnections,
		m.ErrorsTotal,
		m.PanicsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
	)

	return m
}

// RecordExecution records a terminal execution
func (m *Metrics) RecordExecution(resource, status string, attempts int, duration time.Duration) {
	if m == nil || m.ExecutionsTotal == nil {
		return
	}

	m.ExecutionsTotal.WithLabelValues(resource, status).Inc()
	m.ExecutionDuration.WithLabelValues(resource, status).Observe(duration.Seconds())
	if attempts > 0 {
		m.ExecutionAttempts.WithLabelValues(resource).Observe(float64(attempts))
	}
}

// ExecutionStarted marks a concurrency slot as taken
func (m *Metrics) ExecutionStarted(resource string) {
	if m == nil || m.ConcurrencyInFlight == nil {
		return
	}
	m.ConcurrencyInFlight.WithLabelValues(resource).Inc()
}

// ExecutionFinished marks a concurrency slot as released
func (m *Metrics) ExecutionFinished(resource string) {
	if m == nil || m.ConcurrencyInFlight == nil {
		return
	}
	m.ConcurrencyInFlight.WithLabelValues(resource).Dec()
}

// RecordUsage records consumed token or cost units
func (m *Metrics) RecordUsage(resource string, amount int64) {
	if m == nil || m.UsageRecorded == nil || amount <= 0 {
		return
	}
	m.UsageRecorded.WithLabelValues(resource).Add(float64(amount))
}

// RecordDecision records a rate limit decision
func (m *Metrics) RecordDecision(dimension string, allowed bool) {
	if m == nil || m.RateLimitDecisions == nil {
		return
	}

	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.RateLimitDecisions.WithLabelValues(dimension, outcome).Inc()
}

// RecordDegraded records a fail-open decision
func (m *Metrics) RecordDegraded(operation string) {
	if m == nil || m.RateLimitDegraded == nil {
		return
	}
	m.RateLimitDegraded.WithLabelValues(operation).Inc()
}

// RecordBreakerTransition records a state change and updates the state gauge
func (m *Metrics) RecordBreakerTransition(resource, from, to string, state int) {
	if m == nil || m.BreakerTransitions == nil {
		return
	}

	m.BreakerTransitions.WithLabelValues(resource, from, to).Inc()
	m.BreakerState.WithLabelValues(resource).Set(float64(state))
}

// SetBreakerState sets the state gauge without counting a transition
func (m *Metrics) SetBreakerState(resource string, state int) {
	if m == nil || m.BreakerState == nil {
		return
	}
	m.BreakerState.WithLabelValues(resource).Set(float64(state))
}

// RecordBreakerRejection records a call short-circuited by an open breaker
func (m *Metrics) RecordBreakerRejection(resource string) {
	if m == nil || m.BreakerRejections == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(resource).Inc()
}

// RecordStoreOperation records a counting store round trip
func (m *Metrics) RecordStoreOperation(operation string, err error, duration time.Duration) {
	if m == nil || m.StoreOperationDuration == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StoreOperationDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// UpdateStoreConnections updates counting store pool metrics
func (m *Metrics) UpdateStoreConnections(total, idle, stale int) {
	if m == nil || m.StoreConnections == nil {
		return
	}

	m.StoreConnections.WithLabelValues("total").Set(float64(total))
	m.StoreConnections.WithLabelValues("idle").Set(float64(idle))
	m.StoreConnections.WithLabelValues("stale").Set(float64(stale))
}

// UpdateDatabaseConnections updates ledger pool metrics
func (m *Metrics) UpdateDatabaseConnections(open, idle, max int) {
	if m == nil || m.DatabaseConnections == nil {
		return
	}

	m.DatabaseConnections.WithLabelValues("open").Set(float64(open))
	m.DatabaseConnections.WithLabelValues("idle").Set(float64(idle))
	m.DatabaseConnections.WithLabelValues("max").Set(float64(max))
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, kind string) {
	if m == nil || m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, kind).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m == nil || m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m != nil && m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// CollectFunc refreshes gauges that are sampled rather than event driven
type CollectFunc func(m *Metrics)

// MetricsCollector runs collect functions periodically
type MetricsCollector struct {
	metrics    *Metrics
	interval   time.Duration
	collectors []CollectFunc
	stopCh     chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, interval time.Duration, collectors ...CollectFunc) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:    metrics,
		interval:   interval,
		collectors: collectors,
		stopCh:     make(chan struct{}),
	}
}

// Start begins metrics collection and blocks until ctx is done or Stop is called
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.Collect()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

// Collect runs every collector once
func (mc *MetricsCollector) Collect() {
	for _, collect := range mc.collectors {
		collect(mc.metrics)
	}
}
