// Package metrics exposes Prometheus collectors for the parcel mapper.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registryRequestsTotal      *prometheus.CounterVec
	registryRequestDuration    *prometheus.HistogramVec
	registryRetriesTotal       prometheus.Counter
	parcelOutcomesTotal        *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	artifactWritesTotal        *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		registryRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parcelmap_registry_requests_total",
				Help: "Total number of registry GET attempts, labeled by result.",
			},
			[]string{"result"},
		)

		registryRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parcelmap_registry_request_duration_seconds",
				Help:    "Histogram of registry GET latencies, labeled by result.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"result"},
		)

		registryRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parcelmap_registry_retries_total",
				Help: "Total number of registry attempts that were retried after a transient failure.",
			},
		)

		parcelOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parcelmap_parcel_outcomes_total",
				Help: "Terminal outcomes per parcel, labeled by kind.",
			},
			[]string{"kind"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parcelmap_active_workers",
				Help: "Number of workers currently resolving a parcel.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
			},
			[]string{"method", "route"},
		)

		artifactWritesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parcelmap_artifact_writes_total",
				Help: "Artifacts written to the blob store, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRegistryRequest records one registry attempt.
func ObserveRegistryRequest(ok bool, duration time.Duration) {
	Init()
	result := "ok"
	if !ok {
		result = "error"
	}
	registryRequestsTotal.WithLabelValues(result).Inc()
	registryRequestDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveRetry increments the retry counter.
func ObserveRetry() {
	Init()
	registryRetriesTotal.Inc()
}

// ObserveOutcome increments the per-kind outcome counter.
func ObserveOutcome(kind string) {
	Init()
	parcelOutcomesTotal.WithLabelValues(kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveArtifactWrite records one blob store write.
func ObserveArtifactWrite(kind string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	artifactWritesTotal.WithLabelValues(kind, result).Inc()
}
