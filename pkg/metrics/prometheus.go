// Package metrics provides Prometheus metrics for the geopresence service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Manager manages all Prometheus metrics for the geopresence service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Ingestion
	samples      *prometheus.CounterVec
	regionEvents *prometheus.CounterVec

	// Reconciliation
	transitions       *prometheus.CounterVec
	debounce          *prometheus.CounterVec
	reconcileLatency  prometheus.Histogram
	activeUsers       prometheus.Gauge
	occupiedUsers     prometheus.Gauge
	userEvictions     prometheus.Counter
	sessionEnds       prometheus.Counter
	forcedExits       prometheus.Counter
	mailboxRejections *prometheus.CounterVec

	// Regions
	regionCount   prometheus.Gauge
	regionReloads *prometheus.CounterVec

	// Presence directory
	directoryLookups *prometheus.CounterVec
	directoryLatency prometheus.Histogram

	// Fan-out and sinks
	notifications   *prometheus.CounterVec
	fanoutSize      prometheus.Histogram
	publishFailures *prometheus.CounterVec

	// Worker pool
	workerCount      prometheus.Gauge
	workerQueueSize  prometheus.Gauge
	workerLatency    prometheus.Histogram
	workerErrors     prometheus.Counter
	workerRejections prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorRateByEndpoint *prometheus.CounterVec
	errorRateByType     *prometheus.CounterVec
	rateLimited         prometheus.Counter

	// Errors
	errorRateByComponent *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "geopresence",
		subsystem:        "",
		histogramBuckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000},
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()

	return m
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        name,
		Help:        help,
		Buckets:     buckets,
		ConstLabels: m.customLabels,
	})
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	m.samples = m.counterVec("samples_total", "Location samples received, by outcome", "outcome")
	m.regionEvents = m.counterVec("region_events_total", "OS region callbacks received, by kind and outcome", "kind", "outcome")

	m.transitions = m.counterVec("transitions_total", "Committed presence transitions", "kind")
	m.debounce = m.counterVec("debounce_total", "Debounced candidate resolutions", "result")
	m.reconcileLatency = m.histogram("reconcile_latency_milliseconds", "Time spent applying one input to a user state machine", m.histogramBuckets)
	m.activeUsers = m.gauge("active_users", "Users with a live reconciliation actor")
	m.occupiedUsers = m.gauge("occupied_users", "Users currently inside a region")
	m.userEvictions = m.counter("user_evictions_total", "Idle user actors evicted")
	m.sessionEnds = m.counter("session_ends_total", "User sessions ended with queued input dropped")
	m.forcedExits = m.counter("forced_exits_total", "Exits forced by a region set reload")
	m.mailboxRejections = m.counterVec("mailbox_rejections_total", "Inputs not accepted by a user mailbox", "reason")

	m.regionCount = m.gauge("regions", "Regions in the current snapshot")
	m.regionReloads = m.counterVec("region_reloads_total", "Region set reloads, by result", "result")

	m.directoryLookups = m.counterVec("directory_lookups_total", "Group directory lookups, by kind and result", "kind", "result")
	m.directoryLatency = m.histogram("directory_latency_milliseconds", "Latency of group directory fetches", m.histogramBuckets)

	m.notifications = m.counterVec("notifications_total", "Notifications handed to the delivery sink", "audience", "result")
	m.fanoutSize = m.histogram("fanout_recipients", "Peer recipients per transition", []float64{0, 1, 2, 5, 10, 25, 50, 100})
	m.publishFailures = m.counterVec("publish_failures_total", "Transition publish failures, by publisher", "publisher")

	m.workerCount = m.gauge("worker_count", "Fan-out workers")
	m.workerQueueSize = m.gauge("worker_queue_size", "Transitions waiting for a fan-out worker")
	m.workerLatency = m.histogram("worker_processing_latency_milliseconds", "Time to publish and fan out one transition", m.histogramBuckets)
	m.workerErrors = m.counter("worker_errors_total", "Fan-out worker failures")
	m.workerRejections = m.counter("worker_rejections_total", "Transitions dropped because a worker queue was full or closed")

	m.httpRequests = m.counterVec("http_requests_total", "Total number of HTTP requests", "endpoint", "method", "status_code")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "http_request_duration_milliseconds",
		Help:        "HTTP request duration in milliseconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}, []string{"endpoint", "method", "status_code"})
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Total number of errors by endpoint", "endpoint", "method", "error_type")
	m.errorRateByType = m.counterVec("errors_by_type_total", "Total number of errors by type", "error_type", "severity")
	m.rateLimited = m.counter("rate_limited_total", "Ingestion requests rejected by the per-user limiter")

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Total number of errors by component", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// RecordSample counts a location sample by outcome.
func RecordSample(outcome string) {
	globalManager.samples.WithLabelValues(outcome).Inc()
}

// RecordRegionEvent counts an OS region callback by kind and outcome.
func RecordRegionEvent(kind, outcome string) {
	globalManager.regionEvents.WithLabelValues(kind, outcome).Inc()
}

// RecordTransition counts a committed transition.
func RecordTransition(kind string) {
	globalManager.transitions.WithLabelValues(kind).Inc()
}

// RecordDebounce counts how a pending candidate was resolved.
func RecordDebounce(result string) {
	globalManager.debounce.WithLabelValues(result).Inc()
}

// RecordReconcileLatency records state machine latency in milliseconds.
func RecordReconcileLatency(latencyMs float64) {
	globalManager.reconcileLatency.Observe(latencyMs)
}

// UpdateActiveUsers sets the number of live user actors.
func UpdateActiveUsers(count int) {
	globalManager.activeUsers.Set(float64(count))
}

// UpdateOccupiedUsers sets the number of users inside a region.
func UpdateOccupiedUsers(count int) {
	globalManager.occupiedUsers.Set(float64(count))
}

// RecordUserEviction counts an idle actor eviction.
func RecordUserEviction() {
	globalManager.userEvictions.Inc()
}

// RecordSessionEnd counts an ended session.
func RecordSessionEnd() {
	globalManager.sessionEnds.Inc()
}

// RecordForcedExit counts an exit forced by a region reload.
func RecordForcedExit() {
	globalManager.forcedExits.Inc()
}

// RecordMailboxRejection counts an input a user mailbox refused.
func RecordMailboxRejection(reason string) {
	globalManager.mailboxRejections.WithLabelValues(reason).Inc()
}

// UpdateRegionCount sets the number of loaded regions.
func UpdateRegionCount(count int) {
	globalManager.regionCount.Set(float64(count))
}

// RecordRegionReload counts a region reload attempt.
func RecordRegionReload(result string) {
	globalManager.regionReloads.WithLabelValues(result).Inc()
}

// RecordDirectoryLookup counts a group directory lookup.
func RecordDirectoryLookup(kind, result string) {
	globalManager.directoryLookups.WithLabelValues(kind, result).Inc()
}

// RecordDirectoryLatency records a directory fetch latency in milliseconds.
func RecordDirectoryLatency(latencyMs float64) {
	globalManager.directoryLatency.Observe(latencyMs)
}

// RecordNotification counts a notification hand-off.
func RecordNotification(audience, result string) {
	globalManager.notifications.WithLabelValues(audience, result).Inc()
}

// RecordFanoutSize records the number of peer recipients for a transition.
func RecordFanoutSize(n int) {
	globalManager.fanoutSize.Observe(float64(n))
}

// RecordPublishFailure counts a failed transition publish.
func RecordPublishFailure(publisher string) {
	globalManager.publishFailures.WithLabelValues(publisher).Inc()
}

// UpdateWorkerCount sets the current worker count.
func UpdateWorkerCount(count int) {
	globalManager.workerCount.Set(float64(count))
}

// UpdateWorkerQueueSize sets the number of transitions waiting in worker queues.
func UpdateWorkerQueueSize(size int) {
	globalManager.workerQueueSize.Set(float64(size))
}

// RecordWorkerProcessingLatency records worker processing latency.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerLatency.Observe(latencyMs)
}

// RecordWorkerError increments the worker error counter.
func RecordWorkerError() {
	globalManager.workerErrors.Inc()
}

// RecordWorkerRejection counts a transition a worker queue refused.
func RecordWorkerRejection() {
	globalManager.workerRejections.Inc()
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// RecordErrorByType records an error with type and severity labels.
func RecordErrorByType(errorType, severity string) {
	globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
}

// RecordRateLimited counts a rate limited ingestion request.
func RecordRateLimited() {
	globalManager.rateLimited.Inc()
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
