// Package metrics holds the Prometheus collectors for the auth core. Every method is safe to
// call on a nil *Metrics, so components can run without metrics wired in.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AuthOutcomesTotal     *prometheus.CounterVec
	RateLimitDeniedTotal  *prometheus.CounterVec
	TokenReuseTotal       prometheus.Counter
	PermissionCacheTotal  *prometheus.CounterVec
	AuditWriteFailedTotal prometheus.Counter
	AuditQueueDepth       prometheus.Gauge
	SweepRunsTotal        *prometheus.CounterVec
}

// New creates and registers all metrics on registry. A nil registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "credential_http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credential_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "credential_auth_outcomes_total", Help: "Request authentication outcomes by result"},
			[]string{"outcome"},
		),
		RateLimitDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "credential_rate_limit_denied_total", Help: "Requests denied by the rate limiter"},
			[]string{"endpoint"},
		),
		TokenReuseTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "credential_refresh_token_reuse_total", Help: "Refresh token reuse detections"},
		),
		PermissionCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "credential_permission_cache_total", Help: "Permission cache lookups by result"},
			[]string{"result"},
		),
		AuditWriteFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "credential_audit_write_failed_total", Help: "Audit entries that could not be persisted"},
		),
		AuditQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "credential_audit_queue_depth", Help: "Audit entries waiting to be written"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "credential_sweep_runs_total", Help: "Background sweep runs by task and result"},
			[]string{"task", "result"},
		),
	}
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthOutcomesTotal,
		m.RateLimitDeniedTotal,
		m.TokenReuseTotal,
		m.PermissionCacheTotal,
		m.AuditWriteFailedTotal,
		m.AuditQueueDepth,
		m.SweepRunsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one finished HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// AuthOutcome counts one authentication result (e.g. "ok", "expired", "forbidden").
func (m *Metrics) AuthOutcome(outcome string) {
	if m == nil {
		return
	}
	m.AuthOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RateLimited counts one denial for endpoint.
func (m *Metrics) RateLimited(endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitDeniedTotal.WithLabelValues(endpoint).Inc()
}

// TokenReuse counts one reuse detection.
func (m *Metrics) TokenReuse() {
	if m == nil {
		return
	}
	m.TokenReuseTotal.Inc()
}

// PermissionCache counts a cache hit or miss.
func (m *Metrics) PermissionCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.PermissionCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.PermissionCacheTotal.WithLabelValues("miss").Inc()
}

// AuditWriteFailed counts one lost audit write.
func (m *Metrics) AuditWriteFailed() {
	if m == nil {
		return
	}
	m.AuditWriteFailedTotal.Inc()
}

// AuditQueue sets the current audit queue depth.
func (m *Metrics) AuditQueue(depth int) {
	if m == nil {
		return
	}
	m.AuditQueueDepth.Set(float64(depth))
}

// SweepRun counts one run of a sweep task.
func (m *Metrics) SweepRun(task string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SweepRunsTotal.WithLabelValues(task, result).Inc()
}
