// Package metrics exposes Prometheus collectors for the relay transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector the transport layer emits. Construct one
// per process and inject it; tests can use their own instance without
// colliding on the default registerer.
type Registry struct {
	ConnectAttempts  *prometheus.CounterVec
	Reconnects       prometheus.Counter
	FallbackSwitches prometheus.Counter
	GiveUps          prometheus.Counter

	State prometheus.Gauge

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec

	QueueDepth prometheus.Gauge
	QueueDrops prometheus.Counter

	PollLatency prometheus.Histogram
}

// New builds the collectors and registers them with reg. A nil reg leaves
// the collectors unregistered, which is what unit tests want.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_connect_attempts_total",
				Help: "Connection attempts by transport kind",
			},
			[]string{"transport"},
		),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_reconnects_total",
			Help: "Automatic reconnection attempts scheduled",
		}),
		FallbackSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_fallback_switches_total",
			Help: "Escalations from the primary to the fallback channel",
		}),
		GiveUps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_giveups_total",
			Help: "Terminal give-ups after retry policy exhaustion",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connection_state",
			Help: "Current connection state (0=idle 1=connecting 2=open 3=degrading 4=fallback 5=closing 6=closed)",
		}),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_sent_total",
				Help: "Outbound messages accepted by a transport",
			},
			[]string{"transport"},
		),
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_received_total",
				Help: "Inbound messages delivered to the dispatcher",
			},
			[]string{"transport"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_dropped_total",
				Help: "Messages dropped, by reason",
			},
			[]string{"reason"},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Outbound messages waiting for a channel",
		}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_queue_drops_total",
			Help: "Messages evicted from the outbound queue on overflow",
		}),
		PollLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_poll_latency_seconds",
			Help:    "Long-poll round-trip latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
	if reg != nil {
		reg.MustRegister(
			r.ConnectAttempts, r.Reconnects, r.FallbackSwitches, r.GiveUps,
			r.State,
			r.MessagesSent, r.MessagesReceived, r.MessagesDropped,
			r.QueueDepth, r.QueueDrops,
			r.PollLatency,
		)
	}
	return r
}
