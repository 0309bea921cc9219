// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal                 *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobTransitionsTotal        *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      prometheus.Histogram
	queueDepth                 *prometheus.GaugeVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_items_total",
				Help: "Total number of processed queue items, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrape_fetch_duration_seconds",
				Help:    "Histogram of scraper service call latencies, labeled by site and status.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_fetch_bytes_total",
				Help: "Total characters of extracted text, labeled by site.",
			},
			[]string{"site"},
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

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrape_job_transitions_total",
				Help: "Total number of job status transitions, labeled by target status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrape_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scrape_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "scrape_queue_depth",
				Help: "Number of dispatch tasks, labeled by queue state.",
			},
			[]string{"state"},
		)
	})
}

// QueueDepth is the per-state task count published by SetQueueDepth.
type QueueDepth struct {
	Waiting, Active, Completed, Failed, Delayed, Paused int64
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem counts one processed item by outcome name.
func ObserveItem(outcome string) {
	itemsTotal.WithLabelValues(outcome).Inc()
}

// ObserveFetch records one scraper service call.
func ObserveFetch(targetURL string, success bool, length int, duration time.Duration) {
	site := SanitizeSite(targetURL)
	status := "error"
	if success {
		status = "success"
	}
	fetchDurationSeconds.WithLabelValues(site, status).Observe(duration.Seconds())
	if length > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(length))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJobTransition counts a job moving into status.
func ObserveJobTransition(status string) {
	jobTransitionsTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// SetQueueDepth publishes the latest queue snapshot.
func SetQueueDepth(d QueueDepth) {
	queueDepth.WithLabelValues("waiting").Set(float64(d.Waiting))
	queueDepth.WithLabelValues("active").Set(float64(d.Active))
	queueDepth.WithLabelValues("completed").Set(float64(d.Completed))
	queueDepth.WithLabelValues("failed").Set(float64(d.Failed))
	queueDepth.WithLabelValues("delayed").Set(float64(d.Delayed))
	queueDepth.WithLabelValues("paused").Set(float64(d.Paused))
}
