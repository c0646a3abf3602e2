// Package metrics exposes Prometheus collectors for the bridge. A nil
// *Metrics is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	upstreamState    *prometheus.GaugeVec
	upstreamLaunches prometheus.Counter
	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	messages         *prometheus.CounterVec
	inflight         prometheus.Gauge
	timeouts         *prometheus.CounterVec
	dropped          *prometheus.CounterVec
}

// New registers the bridge collectors in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		upstreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_bridge_upstream_state",
			Help: "1 for the current upstream connection state, 0 otherwise",
		}, []string{"state"}),
		upstreamLaunches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_bridge_upstream_launches_total",
			Help: "Number of times the upstream process was spawned",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_bridge_sessions_active",
			Help: "Number of open SSE sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_bridge_sessions_total",
			Help: "Number of SSE sessions opened since start",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_messages_total",
			Help: "JSON-RPC messages relayed, by direction and kind",
		}, []string{"direction", "kind"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_bridge_inflight_requests",
			Help: "Requests forwarded upstream and not yet answered",
		}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_request_timeouts_total",
			Help: "Forwarded requests that exceeded their deadline",
		}, []string{"method"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_bridge_dropped_messages_total",
			Help: "Messages dropped instead of delivered, by reason",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.upstreamState,
		m.upstreamLaunches,
		m.sessionsActive,
		m.sessionsTotal,
		m.messages,
		m.inflight,
		m.timeouts,
		m.dropped,
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

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetUpstreamState marks state as the only active state label.
func (m *Metrics) SetUpstreamState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.upstreamState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) UpstreamLaunched() {
	if m == nil {
		return
	}
	m.upstreamLaunches.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// Message counts a relayed message. direction is "inbound" (browser to
// upstream) or "outbound".
func (m *Metrics) Message(direction, kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(direction, kind).Inc()
}

func (m *Metrics) InflightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inflight.Add(delta)
}

func (m *Metrics) Timeout(method string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(method).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
