package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// executionDuration tracks how long a sandboxed execution ran, by its
	// terminal status.
	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gradedag_execution_seconds",
			Help:    "Sandboxed execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	// cacheLookups counts fingerprint lookups by hit/miss.
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradedag_cache_lookups_total",
			Help: "Total result cache lookups by outcome",
		},
		[]string{"outcome"}, // hit, miss
	)

	// executionsTotal counts terminal executions by status.
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradedag_executions_total",
			Help: "Total executions reaching a terminal status",
		},
		[]string{"status"},
	)

	// storeBytes tracks the file store's total resident size.
	storeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gradedag_store_bytes",
			Help: "Total bytes currently held in the file store",
		},
	)

	// activeEvaluations tracks how many DAG evaluations are in flight on
	// this executor (0 or 1, since one evaluation runs at a time).
	activeEvaluations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gradedag_active_evaluations",
			Help: "Current number of in-flight DAG evaluations",
		},
	)

	// connectedWorkers tracks how many workers are currently connected.
	connectedWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gradedag_connected_workers",
			Help: "Current number of connected workers",
		},
	)
)

// RecordExecution records one terminal execution's duration and status.
func RecordExecution(durationSeconds float64, status string) {
	executionDuration.WithLabelValues(status).Observe(durationSeconds)
	executionsTotal.WithLabelValues(status).Inc()
}

// RecordCacheLookup increments the cache hit or miss counter.
func RecordCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// SetStoreBytes sets the file store size gauge.
func SetStoreBytes(n int64) {
	storeBytes.Set(float64(n))
}

// IncrementActiveEvaluations increments the in-flight evaluation gauge.
func IncrementActiveEvaluations() { activeEvaluations.Inc() }

// DecrementActiveEvaluations decrements the in-flight evaluation gauge.
func DecrementActiveEvaluations() { activeEvaluations.Dec() }

// SetConnectedWorkers sets the connected-worker gauge.
func SetConnectedWorkers(n int) {
	connectedWorkers.Set(float64(n))
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
