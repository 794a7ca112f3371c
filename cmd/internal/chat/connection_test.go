package chat

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
)

func TestConnection_SendBeforeStart(t *testing.T) {
	c := newTestConn(t, newFakeServer(), nil)
	if err := c.Send(publishFrame("x")); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestConnection_QueuesUntilConnected(t *testing.T) {
	srv := newFakeServer()
	srv.hold()
	c := newTestConn(t, srv, nil)
	c.Start(context.Background())

	for _, body := range []string{"0", "1", "2"} {
		if err := c.Send(publishFrame(body)); err != nil {
			t.Fatalf("send %s: %v", body, err)
		}
	}
	if c.State() != StateConnecting {
		t.Fatalf("expected connecting, got %s", c.State())
	}
	if c.QueueLen() != 3 {
		t.Fatalf("expected 3 queued, got %d", c.QueueLen())
	}

	srv.release()
	eventually(t, "queued frames flushed", func() bool {
		return srv.connCount() == 1 && len(srv.last().frames(frame.SEND)) == 3
	})
	if got := srv.last().bodies(frame.SEND); !slices.Equal(got, []string{"0", "1", "2"}) {
		t.Fatalf("expected FIFO order, got %v", got)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}
	if c.QueueLen() != 0 {
		t.Fatalf("expected empty queue, got %d", c.QueueLen())
	}
}

func TestConnection_QueueOverflowDropsOldest(t *testing.T) {
	srv := newFakeServer()
	srv.hold()
	c := newTestConn(t, srv, func(cfg *ConnConfig) { cfg.QueueCap = 2 })
	c.Start(context.Background())

	for _, body := range []string{"a", "b", "c"} {
		if err := c.Send(publishFrame(body)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if c.QueueLen() != 2 {
		t.Fatalf("expected queue capped at 2, got %d", c.QueueLen())
	}

	srv.release()
	eventually(t, "flush", func() bool {
		return srv.connCount() == 1 && len(srv.last().frames(frame.SEND)) == 2
	})
	if got := srv.last().bodies(frame.SEND); !slices.Equal(got, []string{"b", "c"}) {
		t.Fatalf("expected oldest dropped, got %v", got)
	}
}

func TestConnection_ControlFramesDroppedWhileNotConnected(t *testing.T) {
	srv := newFakeServer()
	srv.hold()
	c := newTestConn(t, srv, nil)
	c.Start(context.Background())

	if err := c.Send(subscribeFrame(7)); err != nil {
		t.Fatalf("send subscribe: %v", err)
	}
	if c.QueueLen() != 0 {
		t.Fatalf("control frames must not enter the publish queue")
	}
	srv.release()
	eventually(t, "connected", func() bool { return c.State() == StateConnected })

	if err := c.Send(publishFrame("after")); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "publish written", func() bool { return len(srv.last().frames(frame.SEND)) == 1 })
	if n := len(srv.last().frames(frame.SUBSCRIBE)); n != 0 {
		t.Fatalf("expected stale SUBSCRIBE discarded, got %d", n)
	}
}

func TestConnection_ReconnectCycle(t *testing.T) {
	srv := newFakeServer()
	c := newTestConn(t, srv, nil)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)
	c.Start(context.Background())

	eventually(t, "first connect", func() bool { return c.State() == StateConnected })
	srv.conn(0).drop()
	eventually(t, "reconnect", func() bool { return srv.connCount() == 2 && c.State() == StateConnected })

	want := []ConnState{StateConnecting, StateConnected, StateReconnecting, StateConnecting, StateConnected}
	if got := rec.states(); !slices.Equal(got, want) {
		t.Fatalf("unexpected states\n got %v\nwant %v", got, want)
	}
	if !rec.any(func(sc StateChange) bool { return sc.To == StateReconnecting && sc.Err != nil }) {
		t.Fatalf("expected the reconnecting transition to carry the cause")
	}
}

func TestConnection_PublishRequeuedAfterWriteFailure(t *testing.T) {
	srv := newFakeServer()
	c := newTestConn(t, srv, nil)
	c.Start(context.Background())
	eventually(t, "connected", func() bool { return c.State() == StateConnected })

	srv.mu.Lock()
	srv.failNextSend = true
	srv.mu.Unlock()
	if err := c.Send(publishFrame("retry-me")); err != nil {
		t.Fatalf("send: %v", err)
	}

	eventually(t, "frame written on the next connection", func() bool {
		return srv.connCount() == 2 && len(srv.conn(1).frames(frame.SEND)) == 1
	})
	if got := srv.conn(1).bodies(frame.SEND); got[0] != "retry-me" {
		t.Fatalf("unexpected body %q", got[0])
	}
	if n := len(srv.conn(0).frames(frame.SEND)); n != 0 {
		t.Fatalf("expected nothing recorded on the failed connection, got %d", n)
	}
}

func TestConnection_OfflineAfterMaxAttempts(t *testing.T) {
	srv := newFakeServer()
	srv.failDials = 3
	c := newTestConn(t, srv, func(cfg *ConnConfig) { cfg.MaxReconnectAttempts = 3 })
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)
	c.Start(context.Background())

	eventually(t, "connected after failures", func() bool { return c.State() == StateConnected })
	if !rec.any(func(sc StateChange) bool { return sc.Offline }) {
		t.Fatalf("expected offline to be raised after 3 failures")
	}
	if c.Offline() {
		t.Fatalf("expected offline cleared on connect")
	}
	if srv.dialCount() != 4 {
		t.Fatalf("expected 4 dials, got %d", srv.dialCount())
	}
}

func TestConnection_HandshakeError(t *testing.T) {
	srv := newFakeServer()
	srv.connectReply = func(*frame.Frame) *frame.Frame {
		return frame.New(frame.ERROR, hdrMessage, "bad credentials")
	}
	c := newTestConn(t, srv, nil)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)
	c.Start(context.Background())

	eventually(t, "handshake failure", func() bool {
		return rec.any(func(sc StateChange) bool { return errors.Is(sc.Err, ErrHandshake) })
	})
	if c.State() == StateConnected {
		t.Fatalf("must not report connected after an ERROR reply")
	}
}

func TestConnection_AuthorizationHeaders(t *testing.T) {
	srv := newFakeServer()
	sess := &staticSession{token: "tok"}
	c := newTestConn(t, srv, func(cfg *ConnConfig) { cfg.Session = sess })
	c.Start(context.Background())
	eventually(t, "connected", func() bool { return c.State() == StateConnected })

	srv.mu.Lock()
	h := srv.headers[0]
	srv.mu.Unlock()
	if got := h.Get("Authorization"); got != "Bearer tok" {
		t.Fatalf("unexpected upgrade header %q", got)
	}
	connect := srv.last().frames(frame.CONNECT)
	if len(connect) != 1 {
		t.Fatalf("expected one CONNECT, got %d", len(connect))
	}
	if got := connect[0].Header.Get(hdrAuthorization); got != "Bearer tok" {
		t.Fatalf("unexpected CONNECT auth header %q", got)
	}
	if got := connect[0].Header.Get(hdrHost); got != "chat.test" {
		t.Fatalf("unexpected host header %q", got)
	}
}

func TestConnection_AuthErrorForwarded(t *testing.T) {
	srv := newFakeServer()
	srv.dialErr = &AuthError{Status: 401}
	sess := &staticSession{token: "expired"}
	c := newTestConn(t, srv, func(cfg *ConnConfig) { cfg.Session = sess })
	c.Start(context.Background())

	eventually(t, "auth error forwarded", func() bool { return sess.authErrs.Load() >= 1 })
}

func TestConnection_Dispatch(t *testing.T) {
	srv := newFakeServer()
	c := newTestConn(t, srv, nil)
	var got atomic.Value
	c.OnFrame(func(in InboundFrame) { got.Store(in) })
	c.Start(context.Background())
	eventually(t, "connected", func() bool { return c.State() == StateConnected })

	tr := srv.last()
	tr.pushRaw([]byte("\n"))
	tr.pushRaw([]byte("garbage without a command terminator"))
	msg := frame.New(frame.MESSAGE, hdrDestination, "/sub/chat/room/9", hdrSubscription, "sub-9")
	msg.Body = []byte(`{"x":1}`)
	tr.push(msg)

	eventually(t, "frame dispatched", func() bool { return got.Load() != nil })
	in := got.Load().(InboundFrame)
	if in.Destination != "/sub/chat/room/9" || in.Subscription != "sub-9" || string(in.Body) != `{"x":1}` {
		t.Fatalf("unexpected frame %+v", in)
	}
	if c.State() != StateConnected || srv.connCount() != 1 {
		t.Fatalf("malformed frames must not affect the connection")
	}
}

func TestConnection_Stop(t *testing.T) {
	srv := newFakeServer()
	c := newTestConn(t, srv, nil)
	rec := &stateRecorder{}
	c.OnStateChange(rec.record)
	c.Start(context.Background())
	eventually(t, "connected", func() bool { return c.State() == StateConnected })

	c.Stop()
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if n := len(srv.last().frames(frame.DISCONNECT)); n != 1 {
		t.Fatalf("expected DISCONNECT written, got %d", n)
	}
	if err := c.Send(publishFrame("late")); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted after stop, got %v", err)
	}
	states := rec.states()
	if states[len(states)-1] != StateDisconnected {
		t.Fatalf("expected final disconnected transition, got %v", states)
	}

	// restart reuses the manager
	c.Start(context.Background())
	eventually(t, "reconnected after restart", func() bool { return c.State() == StateConnected && srv.connCount() == 2 })
}

func TestConnection_ReconnectJitterDefault(t *testing.T) {
	cases := []struct {
		name   string
		jitter float64
		want   float64
	}{
		{"zero takes default", 0, defaultReconnectJitter},
		{"negative disables", -1, 0},
		{"explicit", 0.2, 0.2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewConnectionManager(ConnConfig{URL: "ws://chat.test/ws-stomp", ReconnectJitter: tc.jitter})
			if c.backoff.Jitter != tc.want {
				t.Fatalf("jitter=%v want %v", c.backoff.Jitter, tc.want)
			}
		})
	}
	if defaultReconnectJitter != 0.5 {
		t.Fatalf("default jitter=%v want 0.5", defaultReconnectJitter)
	}
}

func TestConnection_ConcurrentStartStop(t *testing.T) {
	srv := newFakeServer()
	c := newTestConn(t, srv, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			c.Stop()
		}()
	}
	wg.Wait()

	// whichever call won, a started manager must be driven by its own run loop
	c.Start(context.Background())
	eventually(t, "connected after start/stop churn", func() bool { return c.State() == StateConnected })
	if err := c.Send(publishFrame("after")); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "publish written", func() bool { return len(srv.last().frames(frame.SEND)) == 1 })

	c.Stop()
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
}
