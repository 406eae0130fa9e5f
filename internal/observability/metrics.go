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

// Metrics stores Prometheus collectors used by the intake API and the
// aggregation workers.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	recordsCreatedTotal  *prometheus.CounterVec
	aggregationRunsTotal prometheus.Counter
	recordsClaimedTotal  *prometheus.CounterVec
	digestsSentTotal     *prometheus.CounterVec
	digestsFailedTotal   *prometheus.CounterVec
	digestSendDuration   *prometheus.HistogramVec
	workerInflight       prometheus.Gauge
	stalePendingVessels  prometheus.Gauge
	stuckGroups          prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "digest_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		recordsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_engine",
				Name:      "records_created_total",
				Help:      "Total number of pending notification records created by intake.",
			},
			[]string{"digest_type"},
		),
		aggregationRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "digest_engine",
				Name:      "aggregation_runs_total",
				Help:      "Total number of aggregation tasks executed.",
			},
		),
		recordsClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_engine",
				Name:      "records_claimed_total",
				Help:      "Total number of records claimed from PENDING into a digest group.",
			},
			[]string{"digest_type"},
		),
		digestsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_engine",
				Name:      "digests_sent_total",
				Help:      "Total number of digest mails confirmed sent.",
			},
			[]string{"digest_type"},
		),
		digestsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "digest_engine",
				Name:      "digests_failed_total",
				Help:      "Total number of digest sends that failed, leaving records grouped.",
			},
			[]string{"digest_type", "reason"},
		),
		digestSendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "digest_engine",
				Name:      "digest_send_duration_seconds",
				Help:      "Mail transport send duration in seconds grouped by digest type.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"digest_type"},
		),
		workerInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "digest_engine",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight aggregation tasks.",
			},
		),
		stalePendingVessels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "digest_engine",
				Name:      "stale_pending_vessels",
				Help:      "Vessels holding PENDING records older than the stale threshold, from the last sweep.",
			},
		),
		stuckGroups: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "digest_engine",
				Name:      "stuck_groups",
				Help:      "GROUPED-but-never-SENT digest groups older than the stale threshold, from the last sweep.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.recordsCreatedTotal,
		m.aggregationRunsTotal,
		m.recordsClaimedTotal,
		m.digestsSentTotal,
		m.digestsFailedTotal,
		m.digestSendDuration,
		m.workerInflight,
		m.stalePendingVessels,
		m.stuckGroups,
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

func (m *Metrics) IncRecordCreated(digestType string) {
	if m == nil {
		return
	}
	m.recordsCreatedTotal.WithLabelValues(normalizeDigestType(digestType)).Inc()
}

func (m *Metrics) IncAggregationRun() {
	if m == nil {
		return
	}
	m.aggregationRunsTotal.Inc()
}

func (m *Metrics) AddRecordsClaimed(digestType string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.recordsClaimedTotal.WithLabelValues(normalizeDigestType(digestType)).Add(float64(count))
}

func (m *Metrics) IncDigestSent(digestType string) {
	if m == nil {
		return
	}
	m.digestsSentTotal.WithLabelValues(normalizeDigestType(digestType)).Inc()
}

func (m *Metrics) IncDigestFailed(digestType string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.digestsFailedTotal.WithLabelValues(normalizeDigestType(digestType), reasonLabel).Inc()
}

func (m *Metrics) ObserveDigestSendDuration(digestType string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.digestSendDuration.WithLabelValues(normalizeDigestType(digestType)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Inc()
}

func (m *Metrics) DecWorkerInFlight() {
	if m == nil {
		return
	}
	m.workerInflight.Dec()
}

func (m *Metrics) SetStalePendingVessels(count int) {
	if m == nil {
		return
	}
	m.stalePendingVessels.Set(float64(count))
}

func (m *Metrics) SetStuckGroups(count int) {
	if m == nil {
		return
	}
	m.stuckGroups.Set(float64(count))
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

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeDigestType(digestType string) string {
	normalized := strings.ToLower(strings.TrimSpace(digestType))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
