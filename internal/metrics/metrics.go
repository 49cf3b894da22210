// Package metrics exposes Prometheus collectors for the realtime core.
// All methods are safe on a nil *Metrics, which disables collection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "carelink"

type Metrics struct {
	connections   prometheus.Gauge
	online        prometheus.Gauge
	inbound       *prometheus.CounterVec
	dropped       prometheus.Counter
	messagesSent  prometheus.Counter
	rejectedConns prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Live websocket connections.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "online_identities",
			Help:      "Identities with at least one live connection.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "inbound_events_total",
			Help:      "Inbound websocket events by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "dropped_events_total",
			Help:      "Outbound events not queued because the connection was closed or slow.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "messages_sent_total",
			Help:      "Messages persisted and broadcast.",
		}),
		rejectedConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "rejected_connections_total",
			Help:      "Connections refused by the connection limit.",
		}),
	}
	reg.MustRegister(m.connections, m.online, m.inbound, m.dropped, m.messagesSent, m.rejectedConns)
	return m
}

// SetPresence records the current connection and identity counts.
func (m *Metrics) SetPresence(connections, identities int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.online.Set(float64(identities))
}

func (m *Metrics) InboundEvent(eventType string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DroppedEvent() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) RejectedConnection() {
	if m == nil {
		return
	}
	m.rejectedConns.Inc()
}
