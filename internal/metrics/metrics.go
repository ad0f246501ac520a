package metrics

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// HTTP API metrics
	apiRequestsTotal   *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec

	// Scanner metrics
	scannerRequestsTotal   *prometheus.CounterVec
	scannerRequestDuration *prometheus.HistogramVec
	scannerErrors          *prometheus.CounterVec
	circuitBreakerState    *prometheus.GaugeVec

	// Scan lifecycle metrics
	scansStarted     *prometheus.CounterVec
	scansCompleted   *prometheus.CounterVec
	scansFailed      *prometheus.CounterVec
	scanDuration     *prometheus.HistogramVec
	activeScans      prometheus.Gauge
	quotaRejections  *prometheus.CounterVec
	featureFailures  *prometheus.CounterVec
	alertsDiscovered *prometheus.CounterVec

	// Live progress metrics
	progressSubscribers prometheus.Gauge
	progressDropped     prometheus.Counter

	// Report metrics
	reportsGenerated *prometheus.CounterVec

	// System metrics
	memoryUsage    *prometheus.GaugeVec
	goroutineCount prometheus.Gauge
}

// NewMetrics registers all collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		apiRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnscope_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "route", "status_code"},
		),
		apiRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vulnscope_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		scannerRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnscope_scanner_requests_total",
				Help: "Total number of Scanner API requests",
			},
			[]string{"operation", "status_code"},
		),
		scannerRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vulnscope_scanner_request_duration_seconds",
				Help:    "Scanner API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		scannerErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnscope_scanner_errors_total",
				Help: "Total number of Scanner API errors",
			},
			[]string{"operation"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnscope_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),

		scansStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnscope_scans_started_total",
				Help: "Total number of scans started",
			},
			[]string{"kind", "follow_up"},
		),
		scansCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnscope_scans_completed_total",
				Help: "Total number of scans completed",
			},
			[]string{"kind"},
		),
		scansFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnscope_scans_failed_total",
				Help: "Total number of scans failed",
			},
			[]string{"kind", "reason"},
		),
		scanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vulnscope_scan_duration_seconds",
				Help:    "Scan duration from start to terminal state",
				Buckets: prometheus.ExponentialBuckets(10, 2, 12),
			},
			[]string{"kind", "status"},
		),
		activeScans: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vulnscope_active_scans",
				Help: "Number of scans currently being polled",
			},
		),
		quotaRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnscope_scan_rejections_total",
				Help: "Total number of scan requests rejected before start",
			},
			[]string{"reason"},
		),
		featureFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnscope_optional_feature_failures_total",
				Help: "Best-effort scan features that failed and were skipped",
			},
			[]string{"feature"},
		),
		alertsDiscovered: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnscope_alerts_discovered_total",
				Help: "Total number of alerts stored",
			},
			[]string{"severity"},
		),

		progressSubscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vulnscope_progress_subscribers",
				Help: "Number of connected live progress subscribers",
			},
		),
		progressDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vulnscope_progress_events_dropped_total",
				Help: "Progress events dropped for slow subscribers",
			},
		),

		reportsGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vulnscope_reports_generated_total",
				Help: "Total number of reports generated",
			},
			[]string{"format", "source"},
		),

		memoryUsage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vulnscope_memory_usage_bytes",
				Help: "Memory usage in bytes",
			},
			[]string{"type"},
		),
		goroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vulnscope_goroutines",
				Help: "Number of goroutines",
			},
		),
	}
}

// RecordAPIRequest records an API request
func (m *Metrics) RecordAPIRequest(method, route string, statusCode int, duration time.Duration) {
	m.apiRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	m.apiRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordScannerRequest records a Scanner API call
func (m *Metrics) RecordScannerRequest(operation string, statusCode int, duration time.Duration, err error) {
	m.scannerRequestsTotal.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	m.scannerRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.scannerErrors.WithLabelValues(operation).Inc()
	}
}

// UpdateCircuitBreakerState updates circuit breaker state
func (m *Metrics) UpdateCircuitBreakerState(service, state string) {
	var stateValue float64
	switch state {
	case "closed":
		stateValue = 0
	case "half-open":
		stateValue = 1
	case "open":
		stateValue = 2
	}
	m.circuitBreakerState.WithLabelValues(service).Set(stateValue)
}

// RecordScanStarted records an accepted scan
func (m *Metrics) RecordScanStarted(kind string, followUp bool) {
	m.scansStarted.WithLabelValues(kind, strconv.FormatBool(followUp)).Inc()
	m.activeScans.Inc()
}

// RecordScanCompleted records a completed scan
func (m *Metrics) RecordScanCompleted(kind string, duration time.Duration) {
	m.scansCompleted.WithLabelValues(kind).Inc()
	m.scanDuration.WithLabelValues(kind, "completed").Observe(duration.Seconds())
	m.activeScans.Dec()
}

// RecordScanFailed records a failed scan
func (m *Metrics) RecordScanFailed(kind, reason string, duration time.Duration) {
	m.scansFailed.WithLabelValues(kind, reason).Inc()
	m.scanDuration.WithLabelValues(kind, "failed").Observe(duration.Seconds())
	m.activeScans.Dec()
}

// RecordRejection records a scan request refused before start
func (m *Metrics) RecordRejection(reason string) {
	m.quotaRejections.WithLabelValues(reason).Inc()
}

// RecordFeatureFailure records a skipped best-effort feature
func (m *Metrics) RecordFeatureFailure(feature string) {
	m.featureFailures.WithLabelValues(feature).Inc()
}

// RecordAlerts records stored alerts by severity
func (m *Metrics) RecordAlerts(severity string, count int) {
	if count > 0 {
		m.alertsDiscovered.WithLabelValues(severity).Add(float64(count))
	}
}

// SetProgressSubscribers sets the live subscriber count
func (m *Metrics) SetProgressSubscribers(count int) {
	m.progressSubscribers.Set(float64(count))
}

// RecordProgressDropped records an event not delivered to a slow subscriber
func (m *Metrics) RecordProgressDropped() {
	m.progressDropped.Inc()
}

// RecordReport records a generated report; source is scanner or fallback
func (m *Metrics) RecordReport(format, source string) {
	m.reportsGenerated.WithLabelValues(format, source).Inc()
}

// UpdateSystemMetrics updates system metrics
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.memoryUsage.WithLabelValues("alloc").Set(float64(memStats.Alloc))
	m.memoryUsage.WithLabelValues("sys").Set(float64(memStats.Sys))
	m.memoryUsage.WithLabelValues("heap_alloc").Set(float64(memStats.HeapAlloc))
	m.memoryUsage.WithLabelValues("heap_sys").Set(float64(memStats.HeapSys))

	m.goroutineCount.Set(float64(runtime.NumGoroutine()))
}

// StartMetricsCollection refreshes system metrics until ctx is done
func (m *Metrics) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.UpdateSystemMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateSystemMetrics()
		}
	}
}
