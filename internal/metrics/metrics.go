// Package metrics exposes Prometheus collectors for the crawler service.
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

// Upstream request outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeRateLimit = "rate_limited"
	OutcomeTransport = "transport_error"
	OutcomeUpstream  = "upstream_error"
)

var (
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	upstreamRequestsTotal         *prometheus.CounterVec
	upstreamRateLimitHitsTotal    prometheus.Counter
	upstreamRetriesTotal          prometheus.Counter
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerEntriesTotal           *prometheus.CounterVec
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerActiveWorkers          prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	retentionPurgedTotal          prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scopus_upstream_requests_total",
				Help: "Total upstream API requests, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		upstreamRateLimitHitsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scopus_upstream_rate_limit_hits_total",
				Help: "Total quota exhaustion responses received from the upstream API.",
			},
		)

		upstreamRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scopus_upstream_retries_total",
				Help: "Total page fetches retried after a transport error.",
			},
		)

		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of result pages processed, labeled by category.",
			},
			[]string{"category"},
		)

		crawlerEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_entries_total",
				Help: "Total number of result entries seen, labeled by result.",
			},
			[]string{"result"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of client-side pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint"},
		)

		retentionPurgedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_retention_purged_total",
				Help: "Total stale searches hard-deleted by the retention sweeper.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveUpstream records one upstream call outcome.
func ObserveUpstream(endpoint, outcome string) {
	if upstreamRequestsTotal == nil {
		return
	}
	upstreamRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	if outcome == OutcomeRateLimit {
		upstreamRateLimitHitsTotal.Inc()
	}
}

// ObserveRetry counts a transport retry.
func ObserveRetry() {
	if upstreamRetriesTotal == nil {
		return
	}
	upstreamRetriesTotal.Inc()
}

// ObservePage counts a processed page for a category.
func ObservePage(category string) {
	if crawlerPagesTotal == nil {
		return
	}
	crawlerPagesTotal.WithLabelValues(category).Inc()
}

// ObserveEntry counts an entry by result (created, already_exists, skipped).
func ObserveEntry(result string) {
	if crawlerEntriesTotal == nil {
		return
	}
	crawlerEntriesTotal.WithLabelValues(result).Inc()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	if crawlerJobsTotal == nil {
		return
	}
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if crawlerActiveWorkers == nil {
		return
	}
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if crawlerActiveWorkers == nil {
		return
	}
	crawlerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(endpoint string, duration time.Duration) {
	if crawlerRateLimitDelaysSeconds == nil {
		return
	}
	crawlerRateLimitDelaysSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObservePurged adds hard-deleted searches to the retention counter.
func ObservePurged(n int) {
	if retentionPurgedTotal == nil || n <= 0 {
		return
	}
	retentionPurgedTotal.Add(float64(n))
}
