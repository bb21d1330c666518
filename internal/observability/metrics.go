package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API and the sync runner.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	batchesStartedTotal *prometheus.CounterVec
	jobsCompletedTotal  *prometheus.CounterVec
	phaseDuration       *prometheus.HistogramVec
	sourceCallDuration  *prometheus.HistogramVec
	jobsInFlight        *prometheus.GaugeVec
	staleJobsSweptTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "medsync",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "medsync",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "medsync",
				Name:      "batches_started_total",
				Help:      "Total number of sync batches accepted, grouped by source.",
			},
			[]string{"source"},
		),
		jobsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "medsync",
				Name:      "jobs_completed_total",
				Help:      "Total number of import jobs reaching a terminal status, grouped by source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "medsync",
				Name:      "batch_phase_duration_seconds",
				Help:      "Batch phase duration in seconds grouped by source and phase.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"source", "phase"},
		),
		sourceCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "medsync",
				Name:      "source_call_duration_seconds",
				Help:      "External source call duration in seconds grouped by source and operation.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"source", "operation"},
		),
		jobsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "medsync",
				Name:      "jobs_inflight",
				Help:      "Current number of jobs being processed, grouped by source.",
			},
			[]string{"source"},
		),
		staleJobsSweptTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "medsync",
				Name:      "stale_jobs_swept_total",
				Help:      "Total number of orphaned processing jobs failed by the recovery sweep.",
			},
			[]string{"source"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesStartedTotal,
		m.jobsCompletedTotal,
		m.phaseDuration,
		m.sourceCallDuration,
		m.jobsInFlight,
		m.staleJobsSweptTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncBatchStarted(source string) {
	if m == nil {
		return
	}
	m.batchesStartedTotal.WithLabelValues(normalizeSource(source)).Inc()
}

func (m *Metrics) IncJobCompleted(source string, outcome string) {
	if m == nil {
		return
	}
	outcomeLabel := strings.TrimSpace(strings.ToLower(outcome))
	if outcomeLabel == "" {
		outcomeLabel = "unknown"
	}
	m.jobsCompletedTotal.WithLabelValues(normalizeSource(source), outcomeLabel).Inc()
}

func (m *Metrics) ObservePhaseDuration(source string, phase string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.phaseDuration.WithLabelValues(normalizeSource(source), phase).Observe(seconds)
}

func (m *Metrics) ObserveSourceCallDuration(source string, operation string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sourceCallDuration.WithLabelValues(normalizeSource(source), operation).Observe(seconds)
}

func (m *Metrics) IncJobInFlight(source string) {
	if m == nil {
		return
	}
	m.jobsInFlight.WithLabelValues(normalizeSource(source)).Inc()
}

func (m *Metrics) DecJobInFlight(source string) {
	if m == nil {
		return
	}
	m.jobsInFlight.WithLabelValues(normalizeSource(source)).Dec()
}

func (m *Metrics) IncStaleJobsSwept(source string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.staleJobsSweptTotal.WithLabelValues(normalizeSource(source)).Add(float64(count))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func normalizeSource(source string) string {
	normalized := strings.TrimSpace(strings.ToLower(source))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	return c.Response().StatusCode()
}
