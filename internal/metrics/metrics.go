// Package metrics exposes Prometheus collectors for the discovery service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	reposTotal                 *prometheus.CounterVec
	batchSize                  prometheus.Histogram
	newestID                   prometheus.Gauge
	oracleProbesTotal          *prometheus.CounterVec
	handlerAttemptsTotal       *prometheus.CounterVec
	handlerOutcomesTotal       *prometheus.CounterVec
	archiveTotal               *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		reposTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poacher_repos_total",
				Help: "Repositories observed by the discovery loop, labeled by disposition.",
			},
			[]string{"status"},
		)

		batchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "poacher_listing_batch_size",
				Help:    "Number of repositories returned per non-empty listing call.",
				Buckets: []float64{1, 5, 10, 25, 50, 100},
			},
		)

		newestID = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "poacher_newest_id",
				Help: "Highest repository identifier seen by the polling cursor.",
			},
		)

		oracleProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poacher_oracle_probes_total",
				Help: "Existence probes issued by the ID locator, labeled by result.",
			},
			[]string{"result"},
		)

		handlerAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poacher_handler_attempts_total",
				Help: "Handler invocations, labeled by handler and result.",
			},
			[]string{"handler", "result"},
		)

		handlerOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poacher_handler_outcomes_total",
				Help: "Final handler outcomes after retries, labeled by handler and outcome.",
			},
			[]string{"handler", "outcome"},
		)

		archiveTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poacher_archive_total",
				Help: "Working copy dispositions, labeled by action and result.",
			},
			[]string{"action", "result"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poacher_rate_limit_delays_seconds",
				Help:    "Histogram of forge API rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	Init()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// ObserveRepo increments the repository counter for the given disposition.
func ObserveRepo(status string) {
	Init()
	reposTotal.WithLabelValues(status).Inc()
}

// ObserveBatch records a non-empty listing batch and the new cursor.
func ObserveBatch(size int, newest int64) {
	Init()
	batchSize.Observe(float64(size))
	newestID.Set(float64(newest))
}

// ObserveProbe counts one oracle probe.
func ObserveProbe(result string) {
	Init()
	oracleProbesTotal.WithLabelValues(result).Inc()
}

// ObserveHandlerAttempt counts a single handler invocation.
func ObserveHandlerAttempt(handler, result string) {
	Init()
	handlerAttemptsTotal.WithLabelValues(handler, result).Inc()
}

// ObserveHandlerOutcome counts the final outcome for a repository.
func ObserveHandlerOutcome(handler, outcome string) {
	Init()
	handlerOutcomesTotal.WithLabelValues(handler, outcome).Inc()
}

// ObserveArchive counts an archive or removal of a working copy.
func ObserveArchive(action, result string) {
	Init()
	archiveTotal.WithLabelValues(action, result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
