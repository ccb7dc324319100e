// Package monitoring provides Prometheus metrics for the gateway.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP proxy metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Routing metrics
	RoutesResolved *prometheus.CounterVec
	RouteMisses    prometheus.Counter

	// Upstream metrics
	UpstreamErrors *prometheus.CounterVec

	// WebSocket bridge metrics
	BridgesActive prometheus.Gauge
	BridgesTotal  prometheus.Counter

	// Session proxy metrics
	ContextsActive prometheus.Gauge

	// VNC relay metrics
	RelaySessionsActive prometheus.Gauge
	RelayAuthRejected   prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	m.registry = reg
	return m
}

// Registry returns the gatherer backing this collector. Collectors created
// with NewMetricsWith gather from the default registry.
func (m *Metrics) Registry() prometheus.Gatherer {
	if m.registry == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

// NewMetricsWith creates a metrics collector registered on the given registerer.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of proxied HTTP requests",
			},
			[]string{"method", "status", "provider"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "Proxied HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "provider"},
		),
		RoutesResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_routes_resolved_total",
				Help: "Hostnames resolved to a backend route, by grammar provider",
			},
			[]string{"provider"},
		),
		RouteMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_route_misses_total",
				Help: "Hostnames that matched no routing grammar",
			},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_errors_total",
				Help: "Failed forwards to resolved backends",
			},
			[]string{"kind"},
		),
		BridgesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_ws_bridges_active",
				Help: "Currently open WebSocket bridges",
			},
		),
		BridgesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_ws_bridges_total",
				Help: "Total WebSocket bridges opened",
			},
		),
		ContextsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_proxy_contexts_active",
				Help: "Currently registered session proxy contexts",
			},
		),
		RelaySessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_vnc_sessions_active",
				Help: "Live VNC relay sessions",
			},
		),
		RelayAuthRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_vnc_auth_rejected_total",
				Help: "VNC relay requests rejected for bad token or session",
			},
		),
		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	go m.trackUptime()

	return m
}

// RecordRequest records a proxied HTTP request.
func (m *Metrics) RecordRequest(method, status, provider string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, status, provider).Inc()
	m.RequestDuration.WithLabelValues(method, provider).Observe(duration.Seconds())
}

// RecordResolve records a route resolution by grammar provider.
func (m *Metrics) RecordResolve(provider string) {
	m.RoutesResolved.WithLabelValues(provider).Inc()
}

// RecordUpstreamError records a failed forward attempt.
func (m *Metrics) RecordUpstreamError(kind string) {
	m.UpstreamErrors.WithLabelValues(kind).Inc()
}

// BridgeOpened marks a WebSocket bridge as open.
func (m *Metrics) BridgeOpened() {
	m.BridgesActive.Inc()
	m.BridgesTotal.Inc()
}

// BridgeClosed marks a WebSocket bridge as closed.
func (m *Metrics) BridgeClosed() {
	m.BridgesActive.Dec()
}

func (m *Metrics) trackUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}
