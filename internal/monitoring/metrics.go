package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Validation metrics
	ValidationsTotal       *prometheus.CounterVec
	SignatureFailuresTotal prometheus.Counter

	// Generation metrics
	KeysGeneratedTotal    prometheus.Counter
	KeyGenerationDuration prometheus.Histogram

	// Lifecycle metrics
	ActivationsTotal prometheus.Counter
	RevocationsTotal prometheus.Counter

	// Rate limiting metrics
	RateLimitDeniedTotal      *prometheus.CounterVec
	RateLimitStoreErrorsTotal prometheus.Counter

	// Audit log metrics
	AuditLogFlushedTotal prometheus.Counter
	AuditLogDroppedTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBQueryDuration     *prometheus.HistogramVec
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		ValidationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_validations_total",
				Help: "Total number of license validation requests by verdict",
			},
			[]string{"verdict"},
		),
		SignatureFailuresTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "license_signature_failures_total",
				Help: "Total number of combined-signature verification failures",
			},
		),

		KeysGeneratedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "license_keys_generated_total",
				Help: "Total number of license keys generated",
			},
		),
		KeyGenerationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "license_key_generation_duration_seconds",
				Help:    "Duration of key batch generation in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),

		ActivationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "license_activations_total",
				Help: "Total number of successful license activations",
			},
		),
		RevocationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "license_revocations_total",
				Help: "Total number of license key revocations",
			},
		),

		RateLimitDeniedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_denied_total",
				Help: "Total number of requests denied by the rate limiter",
			},
			[]string{"class"},
		),
		RateLimitStoreErrorsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_store_errors_total",
				Help: "Total number of rate limit store failures (fail-open admissions)",
			},
		),

		AuditLogFlushedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_log_entries_flushed_total",
				Help: "Total number of validation log entries flushed to storage",
			},
		),
		AuditLogDroppedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_log_entries_dropped_total",
				Help: "Total number of validation log entries dropped",
			},
		),

		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"query_type"},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		// Track in-flight requests
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordValidation records a validation verdict
func RecordValidation(verdict string) {
	Get().ValidationsTotal.WithLabelValues(verdict).Inc()
}

// RecordSignatureFailure records a combined-signature verification failure
func RecordSignatureFailure() {
	Get().SignatureFailuresTotal.Inc()
}

// RecordKeysGenerated records generated keys
func RecordKeysGenerated(count int) {
	Get().KeysGeneratedTotal.Add(float64(count))
}

// ObserveKeyGenerationDuration records the duration of a batch generation
func ObserveKeyGenerationDuration(d time.Duration) {
	Get().KeyGenerationDuration.Observe(d.Seconds())
}

// RecordActivation records a successful activation
func RecordActivation() {
	Get().ActivationsTotal.Inc()
}

// RecordRevocation records a key revocation
func RecordRevocation() {
	Get().RevocationsTotal.Inc()
}

// RecordRateLimitDenied records a rate limit denial
func RecordRateLimitDenied(class string) {
	Get().RateLimitDeniedTotal.WithLabelValues(class).Inc()
}

// RecordRateLimitStoreError records a rate limit store failure
func RecordRateLimitStoreError() {
	Get().RateLimitStoreErrorsTotal.Inc()
}

// RecordAuditLogFlushed records flushed validation log entries
func RecordAuditLogFlushed(count int) {
	Get().AuditLogFlushedTotal.Add(float64(count))
}

// RecordAuditLogDropped records dropped validation log entries
func RecordAuditLogDropped(count int) {
	Get().AuditLogDroppedTotal.Add(float64(count))
}

// RecordDBQuery records a database query duration
func RecordDBQuery(queryType string, duration time.Duration) {
	Get().DBQueryDuration.WithLabelValues(queryType).Observe(duration.Seconds())
}

// SetDBConnections sets database connection metrics
func SetDBConnections(active, idle int) {
	Get().DBConnectionsActive.Set(float64(active))
	Get().DBConnectionsIdle.Set(float64(idle))
}
