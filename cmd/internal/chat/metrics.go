package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine collectors. A nil *Metrics records nothing.
type Metrics struct {
	connState     prometheus.Gauge
	reconnects    prometheus.Counter
	framesDropped *prometheus.CounterVec
	queueOverflow prometheus.Counter
	confirmations prometheus.Counter
	failures      prometheus.Counter
	historyErrors *prometheus.CounterVec
	openRooms     prometheus.Gauge
}

// NewMetrics registers the engine collectors on reg (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	const ns, sub = "tuitui", "chat"

	return &Metrics{
		connState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "connection_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "reconnects_total",
			Help: "Reconnect attempts scheduled",
		}),
		framesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "frames_dropped_total",
			Help: "Inbound frames dropped by reason",
		}, []string{"reason"}),
		queueOverflow: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "outbound_queue_overflow_total",
			Help: "Queued publish frames dropped because the queue was full",
		}),
		confirmations: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "pending_confirmed_total",
			Help: "Pending messages reconciled with a broadcast",
		}),
		failures: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "pending_failed_total",
			Help: "Pending messages expired to failed",
		}),
		historyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "history_errors_total",
			Help: "History fetch failures by kind",
		}, []string{"kind"}),
		openRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "open_rooms",
			Help: "Room sessions currently open",
		}),
	}
}

func (m *Metrics) setState(s ConnState) {
	if m != nil {
		m.connState.Set(float64(s))
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) frameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) overflow() {
	if m != nil {
		m.queueOverflow.Inc()
	}
}

func (m *Metrics) confirmed(n int) {
	if m != nil && n > 0 {
		m.confirmations.Add(float64(n))
	}
}

func (m *Metrics) failed(n int) {
	if m != nil && n > 0 {
		m.failures.Add(float64(n))
	}
}

func (m *Metrics) historyError(kind string) {
	if m != nil {
		m.historyErrors.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) roomOpened() {
	if m != nil {
		m.openRooms.Inc()
	}
}

func (m *Metrics) roomClosed() {
	if m != nil {
		m.openRooms.Dec()
	}
}
