package relay

import "github.com/prometheus/client_golang/prometheus"

// Drop reasons.
const (
	DropInvalidFrame = "invalid_frame"
	DropRateLimited  = "rate_limited"
	DropIDMismatch   = "id_mismatch"
	DropSlowConsumer = "slow_consumer"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Rooms    prometheus.Gauge
	Clients  prometheus.Gauge
	Relayed  prometheus.Counter
	Dropped  *prometheus.CounterVec
	Presence *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peer_meet",
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Sessions with at least one connected participant.",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "peer_meet",
			Subsystem: "relay",
			Name:      "clients",
			Help:      "Connected WebSocket participants.",
		}),
		Relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "peer_meet",
			Subsystem: "relay",
			Name:      "frames_relayed_total",
			Help:      "Frames accepted from a participant and fanned out to its session.",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peer_meet",
			Subsystem: "relay",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped by the relay.",
		}, []string{"reason"}),
		Presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peer_meet",
			Subsystem: "relay",
			Name:      "presence_events_total",
			Help:      "Participant joins and leaves.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.Rooms, m.Clients, m.Relayed, m.Dropped, m.Presence)
	}
	return m
}

func (m *Metrics) drop(reason string) {
	m.Dropped.WithLabelValues(reason).Inc()
}
