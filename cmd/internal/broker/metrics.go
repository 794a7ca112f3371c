package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the broker collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	subscribes  prometheus.Counter
	published   prometheus.Counter
	deliveries  prometheus.Counter
	rejected    *prometheus.CounterVec
}

// NewMetrics registers the broker collectors on reg (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	const ns, sub = "tuitui", "broker"

	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "connections",
			Help: "Open STOMP sessions",
		}),
		subscribes: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "subscribes_total",
			Help: "SUBSCRIBE frames accepted",
		}),
		published: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "messages_published_total",
			Help: "Chat messages persisted from SEND frames",
		}),
		deliveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "fanout_deliveries_total",
			Help: "MESSAGE frames enqueued to subscribers",
		}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "frames_rejected_total",
			Help: "Inbound frames answered with ERROR, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) setConnections(n int) {
	if m != nil {
		m.connections.Set(float64(n))
	}
}

func (m *Metrics) subscribed() {
	if m != nil {
		m.subscribes.Inc()
	}
}

func (m *Metrics) publishedOne() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *Metrics) fanout(n int) {
	if m != nil && n > 0 {
		m.deliveries.Add(float64(n))
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}
