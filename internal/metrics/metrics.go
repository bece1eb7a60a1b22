// Package metrics exposes Prometheus collectors for the lookup service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	stageOutcomesTotal         *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	poolActiveSlots            prometheus.Gauge
	poolPendingTasks           prometheus.Gauge
	poolPanicsTotal            prometheus.Counter
	captchaSolveSeconds        *prometheus.HistogramVec
	captchaSolvesTotal         *prometheus.CounterVec
	reapedJobsTotal            prometheus.Counter
	rateLimitDelaySeconds      *prometheus.HistogramVec
	publishFailuresTotal       prometheus.Counter

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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		stageOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consulta_stage_outcomes_total",
				Help: "Total number of stage executions, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consulta_stage_duration_seconds",
				Help:    "Histogram of stage execution latencies.",
				Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 180},
			},
			[]string{"stage"},
		)

		poolActiveSlots = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "consulta_pool_active_slots",
				Help: "Number of pool slots currently running a task.",
			},
		)

		poolPendingTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "consulta_pool_pending_tasks",
				Help: "Number of tasks waiting for a free slot.",
			},
		)

		poolPanicsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consulta_pool_panics_total",
				Help: "Total number of task panics recovered by pool slots.",
			},
		)

		captchaSolveSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consulta_captcha_solve_seconds",
				Help:    "Histogram of CAPTCHA solve durations, labeled by outcome.",
				Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120},
			},
			[]string{"outcome"},
		)

		captchaSolvesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consulta_captcha_solves_total",
				Help: "Total number of CAPTCHA solve attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		reapedJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consulta_reaped_jobs_total",
				Help: "Total number of job records removed by the reaper.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consulta_rate_limit_delay_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		publishFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consulta_result_publish_failures_total",
				Help: "Total number of terminal results that could not be published.",
			},
		)
	})
}

// SanitizeHost sanitizes a URL to extract a lowercase hostname.
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveStage records one stage execution.
func ObserveStage(stage, outcome string, duration time.Duration) {
	Init()
	stageOutcomesTotal.WithLabelValues(stage, outcome).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// SetPoolActive sets the active slots gauge.
func SetPoolActive(n int) {
	Init()
	poolActiveSlots.Set(float64(n))
}

// SetPoolPending sets the backlog gauge.
func SetPoolPending(n int) {
	Init()
	poolPendingTasks.Set(float64(n))
}

// ObservePoolPanic counts a recovered task panic.
func ObservePoolPanic() {
	Init()
	poolPanicsTotal.Inc()
}

// ObserveCaptchaSolve records a solve attempt and its duration.
func ObserveCaptchaSolve(outcome string, duration time.Duration) {
	Init()
	captchaSolvesTotal.WithLabelValues(outcome).Inc()
	captchaSolveSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveReaped adds n removed jobs.
func ObserveReaped(n int) {
	if n <= 0 {
		return
	}
	Init()
	reapedJobsTotal.Add(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObservePublishFailure counts a failed result notification.
func ObservePublishFailure() {
	Init()
	publishFailuresTotal.Inc()
}
