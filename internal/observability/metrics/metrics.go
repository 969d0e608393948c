package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "launchpad"

var (
	registry = prometheus.NewRegistry()
	factory  = promauto.With(registry)

	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
	}, []string{"handler", "method"})

	launches = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "launches_total",
		Help:      "Launch workflows by result (agent, fallback, failed).",
	}, []string{"result"})

	dispatchAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_attempts_total",
		Help:      "Agent dispatch attempts by outcome.",
	}, []string{"outcome"})

	payments = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_total",
		Help:      "Payment challenges paid, by whether a swap top-up was needed.",
	}, []string{"swapped"})

	sweeps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweeps_total",
		Help:      "Burner sweeps by terminal status.",
	}, []string{"status"})

	fundingLatency = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "funding_confirmation_seconds",
		Help:      "Time from funding submission to confirmation.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 8),
	})

	backgroundJobs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "background_jobs_total",
		Help:      "Background jobs by name and result.",
	}, []string{"job", "result"})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveLaunch counts a finished launch workflow.
func ObserveLaunch(result string) {
	launches.WithLabelValues(result).Inc()
}

// ObserveDispatchAttempt counts one agent attempt.
func ObserveDispatchAttempt(outcome string) {
	dispatchAttempts.WithLabelValues(outcome).Inc()
}

// ObservePayment counts a satisfied payment challenge.
func ObservePayment(swapped bool) {
	payments.WithLabelValues(strconv.FormatBool(swapped)).Inc()
}

// ObserveSweep counts a sweep by terminal status.
func ObserveSweep(status string) {
	sweeps.WithLabelValues(status).Inc()
}

// ObserveFundingConfirmed records funding confirmation latency.
func ObserveFundingConfirmed(d time.Duration) {
	fundingLatency.Observe(d.Seconds())
}

// ObserveJob counts a background job result.
func ObserveJob(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	backgroundJobs.WithLabelValues(job, result).Inc()
}

// Registry exposes the collector registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
