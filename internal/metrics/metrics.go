// Package metrics exposes Prometheus counters for chat sessions and the relay.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_session"

type Metrics struct {
	registry *prometheus.Registry

	Transitions       *prometheus.CounterVec
	ReconnectAttempts *prometheus.CounterVec
	SessionErrors     *prometheus.CounterVec
	SendTimeouts      prometheus.Counter
	DuplicatesDropped prometheus.Counter
	ActiveSessions    prometheus.Gauge

	RelayConnections prometheus.Gauge
	RelayFrames      *prometheus.CounterVec
	RelayRateLimited prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Session state transitions.",
		}, []string{"from", "to"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts by room kind.",
		}, []string{"room_kind"}),
		SessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Sessions that entered the error state, by kind.",
		}, []string{"kind"}),
		SendTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_timeouts_total",
			Help:      "Local sends marked failed after the send timeout.",
		}),
		DuplicatesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Inbound messages dropped because their id was already listed.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently joined to their room.",
		}),
		RelayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open relay WebSocket connections.",
		}),
		RelayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Inbound relay frames by type.",
		}, []string{"type"}),
		RelayRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rate_limited_total",
			Help:      "Frames rejected by the per-connection limiter.",
		}),
	}
	m.registry.MustRegister(
		m.Transitions,
		m.ReconnectAttempts,
		m.SessionErrors,
		m.SendTimeouts,
		m.DuplicatesDropped,
		m.ActiveSessions,
		m.RelayConnections,
		m.RelayFrames,
		m.RelayRateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
	switch {
	case to == "active":
		m.ActiveSessions.Inc()
	case from == "active":
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) ObserveReconnect(roomKind string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(roomKind).Inc()
}

func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveSendTimeout() {
	if m == nil {
		return
	}
	m.SendTimeouts.Inc()
}

func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesDropped.Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.RelayConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.RelayConnections.Dec()
}

func (m *Metrics) ObserveFrame(frameType string) {
	if m == nil {
		return
	}
	m.RelayFrames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RelayRateLimited.Inc()
}
