package switchboard

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus series the daemon publishes on /metrics:
// message counters, a presence heartbeat counter, and lazily-sampled
// undelivered/connected gauges.
type Metrics struct {
	messagesEmitted  prometheus.Counter
	messagesAcked    prometheus.Counter
	heartbeats       prometheus.Counter
	undeliveredGauge prometheus.GaugeFunc
	connectedGauge   prometheus.GaugeFunc
}

// MustNewMetrics registers the daemon's series on registry. undelivered and
// connected are sampled lazily at scrape time via GaugeFunc, so the daemon
// never has to remember to update a plain Gauge on every mutation.
func MustNewMetrics(registry prometheus.Registerer, undelivered, connected func() float64) *Metrics {
	m := &Metrics{
		messagesEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_messages_emitted_total",
			Help: "Messages accepted by /emit or the emit WebSocket frame.",
		}),
		messagesAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_messages_acked_total",
			Help: "Messages removed from an inbox via ack or DELETE.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_heartbeats_total",
			Help: "WebSocket ping/pong heartbeat round trips observed.",
		}),
	}
	m.undeliveredGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "switchboard_undelivered_messages",
		Help: "Total messages sitting in inboxes across every agent.",
	}, undelivered)
	m.connectedGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "switchboard_connected_agents",
		Help: "Agents with a live WebSocket connection.",
	}, connected)
	registry.MustRegister(m.messagesEmitted, m.messagesAcked, m.heartbeats, m.undeliveredGauge, m.connectedGauge)
	return m
}
