package chat

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.setState(StateConnected)
	m.reconnect()
	m.frameDropped("x")
	m.overflow()
	m.confirmed(1)
	m.failed(1)
	m.historyError("status")
	m.roomOpened()
	m.roomClosed()
}

func TestMetrics_ConnectionCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	srv := newFakeServer()
	srv.hold()
	c := newTestConn(t, srv, func(cfg *ConnConfig) {
		cfg.QueueCap = 1
		cfg.Metrics = m
	})
	c.Start(context.Background())
	_ = c.Send(publishFrame("a"))
	_ = c.Send(publishFrame("b"))

	if got := testutil.ToFloat64(m.queueOverflow); got != 1 {
		t.Fatalf("expected one overflow, got %v", got)
	}
	if got := testutil.ToFloat64(m.connState); got != float64(StateConnecting) {
		t.Fatalf("expected connecting gauge, got %v", got)
	}

	srv.release()
	eventually(t, "connected", func() bool { return c.State() == StateConnected })
	if got := testutil.ToFloat64(m.connState); got != float64(StateConnected) {
		t.Fatalf("expected connected gauge, got %v", got)
	}

	srv.last().pushRaw([]byte("not a frame"))
	eventually(t, "malformed frame counted", func() bool {
		return testutil.ToFloat64(m.framesDropped.WithLabelValues("malformed")) == 1
	})

	if n, err := testutil.GatherAndCount(reg, "tuitui_chat_outbound_queue_overflow_total"); err != nil || n != 1 {
		t.Fatalf("expected the overflow series registered, got %d %v", n, err)
	}
}
