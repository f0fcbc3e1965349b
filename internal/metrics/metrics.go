// Package metrics exposes Prometheus collectors for the schema-crawl service.
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
	jobsTotal                  *prometheus.CounterVec
	jobsInFlight               prometheus.Gauge
	progressEventsTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple
// times; the helper functions are no-ops until it has run.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schemagen_jobs_total",
				Help: "Total number of jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		jobsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "schemagen_jobs_in_flight",
				Help: "Number of crawl jobs currently running.",
			},
		)

		progressEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schemagen_progress_events_total",
				Help: "Total progress events reported by crawl runners, labeled by level.",
			},
			[]string{"level"},
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

// ObserveJob increments the terminal job counter for the given status.
func ObserveJob(status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(status).Inc()
}

// IncJobsInFlight increments the running jobs gauge.
func IncJobsInFlight() {
	if jobsInFlight == nil {
		return
	}
	jobsInFlight.Inc()
}

// DecJobsInFlight decrements the running jobs gauge.
func DecJobsInFlight() {
	if jobsInFlight == nil {
		return
	}
	jobsInFlight.Dec()
}

// ObserveProgressEvent increments the progress event counter for a level.
func ObserveProgressEvent(level string) {
	if progressEventsTotal == nil {
		return
	}
	progressEventsTotal.WithLabelValues(level).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
