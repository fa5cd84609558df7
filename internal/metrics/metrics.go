// Package metrics exposes Prometheus collectors for the aggregator service.
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
	aggregatorJobsTotal          *prometheus.CounterVec
	aggregatorItemsTotal         *prometheus.CounterVec
	aggregatorStageFailuresTotal *prometheus.CounterVec
	aggregatorStageDuration      *prometheus.HistogramVec
	aggregatorActiveWorkers      prometheus.Gauge
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		aggregatorJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_jobs_total",
				Help: "Total number of refresh jobs processed, labeled by terminal status.",
			},
			[]string{"status"},
		)

		aggregatorItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_items_total",
				Help: "Total number of items processed, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		aggregatorStageFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aggregator_stage_failures_total",
				Help: "Total pipeline failures, labeled by stage and retryability.",
			},
			[]string{"stage", "retryable"},
		)

		aggregatorStageDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aggregator_stage_duration_seconds",
				Help:    "Histogram of per-stage latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		)

		aggregatorActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "aggregator_active_workers",
				Help: "Number of workers currently processing a task.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	aggregatorJobsTotal.WithLabelValues(status).Inc()
}

// ObserveItem increments the item counter for the given outcome.
func ObserveItem(outcome string) {
	aggregatorItemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveStageFailure counts one classified pipeline failure.
func ObserveStageFailure(stage string, retryable bool) {
	aggregatorStageFailuresTotal.WithLabelValues(stage, strconv.FormatBool(retryable)).Inc()
}

// ObserveStageDuration records how long one stage took.
func ObserveStageDuration(stage string, duration time.Duration) {
	aggregatorStageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	aggregatorActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	aggregatorActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
