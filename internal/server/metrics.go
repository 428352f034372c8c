package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "overlay_chat"

// Metrics are the Prometheus collectors updated by the hub.
type Metrics struct {
	Connections     prometheus.Gauge
	Rooms           prometheus.Gauge
	Members         prometheus.Gauge
	RoomsCreated    prometheus.Counter
	ChatMessages    prometheus.Counter
	MalformedFrames prometheus.Counter
	Commands        *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Open WebSocket connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rooms",
			Help:      "Live rooms.",
		}),
		Members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "room_members",
			Help:      "Connections currently in a room.",
		}),
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created since start.",
		}),
		ChatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chat_messages_total",
			Help:      "Chat lines relayed.",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Decoded commands by type.",
		}, []string{"type"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejections_total",
			Help:      "Commands answered with an error event, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.Connections,
		m.Rooms,
		m.Members,
		m.RoomsCreated,
		m.ChatMessages,
		m.MalformedFrames,
		m.Commands,
		m.Rejections,
	)
	return m
}
