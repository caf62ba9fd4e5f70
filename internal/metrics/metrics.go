package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreOperation identifies the namespace store method being instrumented.
type StoreOperation string

const (
	// StoreOperationGet records entry lookups.
	StoreOperationGet StoreOperation = "get"
	// StoreOperationPut records entry writes.
	StoreOperationPut StoreOperation = "put"
	// StoreOperationDelete records entry and namespace deletions.
	StoreOperationDelete StoreOperation = "delete"
)

// StoreResult captures the outcome of a store operation.
type StoreResult string

const (
	// StoreResultHit indicates a lookup found an entry.
	StoreResultHit StoreResult = "hit"
	// StoreResultMiss indicates a lookup found nothing. A miss is a normal
	// branch, never an error.
	StoreResultMiss StoreResult = "miss"
	// StoreResultOK indicates a mutation completed.
	StoreResultOK StoreResult = "ok"
	// StoreResultError indicates the operation failed.
	StoreResultError StoreResult = "error"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	storeOperations *prometheus.CounterVec
	storeLatency    *prometheus.HistogramVec
	evictionRuns    prometheus.Counter
	evictedEntries  prometheus.Counter
	lifecycle       *prometheus.CounterVec
	installFailures prometheus.Counter
	clients         prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a
// dedicated registry is created so multiple recorders can coexist without
// conflicting with the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "intercept",
		Name:      "requests_total",
		Help:      "Total intercepted requests processed by the gateway.",
	}, []string{"category", "strategy", "outcome", "status_code", "from_cache"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offgate",
		Subsystem: "intercept",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed intercepted requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"category", "strategy", "outcome"})

	storeOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Namespace store operations executed by the gateway.",
	}, []string{"operation", "result"})

	storeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "offgate",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for namespace store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	evictionRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "lifecycle",
		Name:      "eviction_runs_total",
		Help:      "Eviction passes executed against the runtime namespace.",
	})

	evictedEntries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "lifecycle",
		Name:      "evicted_entries_total",
		Help:      "Runtime cache entries removed by the eviction policy.",
	})

	lifecycle := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Lifecycle state transitions per version instance.",
	}, []string{"state"})

	installFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "offgate",
		Subsystem: "lifecycle",
		Name:      "install_asset_failures_total",
		Help:      "Manifest assets that failed to pre-cache during install.",
	})

	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "offgate",
		Subsystem: "clients",
		Name:      "connected",
		Help:      "Dashboard clients currently subscribed to the event stream.",
	})

	reg.MustRegister(requests, requestLatency, storeOperations, storeLatency,
		evictionRuns, evictedEntries, lifecycle, installFailures, clients)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		requests:        requests,
		requestLatency:  requestLatency,
		storeOperations: storeOperations,
		storeLatency:    storeLatency,
		evictionRuns:    evictionRuns,
		evictedEntries:  evictedEntries,
		lifecycle:       lifecycle,
		installFailures: installFailures,
		clients:         clients,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed intercepted
// request.
func (r *Recorder) ObserveRequest(category, strategy, outcome string, statusCode int, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	categoryLabel := normalizeLabel(category)
	strategyLabel := normalizeLabel(strategy)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.requests.WithLabelValues(categoryLabel, strategyLabel, outcomeLabel, statusLabel, cacheLabel).Inc()
	r.requestLatency.WithLabelValues(categoryLabel, strategyLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveStore records the result of a namespace store operation.
func (r *Recorder) ObserveStore(operation StoreOperation, result StoreResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(StoreOperationGet)
	}
	resLabel := string(result)
	if resLabel == "" {
		resLabel = string(StoreResultError)
	}
	r.storeOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.storeLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveEviction records one eviction pass and the number of entries removed.
func (r *Recorder) ObserveEviction(removed int) {
	if r == nil {
		return
	}
	r.evictionRuns.Inc()
	if removed > 0 {
		r.evictedEntries.Add(float64(removed))
	}
}

// ObserveLifecycle records a lifecycle state transition.
func (r *Recorder) ObserveLifecycle(state string) {
	if r == nil {
		return
	}
	r.lifecycle.WithLabelValues(normalizeLabel(state)).Inc()
}

// ObserveInstallFailure records a manifest asset that failed to pre-cache.
func (r *Recorder) ObserveInstallFailure() {
	if r == nil {
		return
	}
	r.installFailures.Inc()
}

// SetConnectedClients publishes the current event-stream subscriber count.
func (r *Recorder) SetConnectedClients(n int) {
	if r == nil {
		return
	}
	r.clients.Set(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
