package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

// fakeServer is an in-memory Dialer. Each successful Dial yields a fakeTransport that answers
// CONNECT with CONNECTED (or whatever connectReply returns) and records every frame written.
type fakeServer struct {
	mu           sync.Mutex
	gate         chan struct{}
	failDials    int
	dialErr      error
	connectReply func(*frame.Frame) *frame.Frame
	failNextSend bool
	conns        []*fakeTransport
	headers      []http.Header
	dials        int
}

func newFakeServer() *fakeServer {
	return &fakeServer{}
}

// hold makes Dial block until release is called.
func (s *fakeServer) hold() {
	s.mu.Lock()
	s.gate = make(chan struct{})
	s.mu.Unlock()
}

func (s *fakeServer) release() {
	s.mu.Lock()
	g := s.gate
	s.gate = nil
	s.mu.Unlock()
	if g != nil {
		close(g)
	}
}

func (s *fakeServer) Dial(ctx context.Context, _ string, header http.Header) (Transport, error) {
	s.mu.Lock()
	g := s.gate
	s.mu.Unlock()
	if g != nil {
		select {
		case <-ctx.Done():
			return nil, &TransportError{Op: "dial", Err: ctx.Err()}
		case <-g:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	s.headers = append(s.headers, header.Clone())
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	if s.failDials > 0 {
		s.failDials--
		return nil, &TransportError{Op: "dial", Err: errors.New("connection refused")}
	}
	t := &fakeTransport{
		srv:    s,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	s.conns = append(s.conns, t)
	return t, nil
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeServer) conn(i int) *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

func (s *fakeServer) last() *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[len(s.conns)-1]
}

type fakeTransport struct {
	srv *fakeServer

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []*frame.Frame
}

func (t *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, io.EOF
	case b := <-t.in:
		return b, nil
	}
}

func (t *fakeTransport) WriteFrame(_ context.Context, data []byte) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	f, err := decodeFrame(data)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}

	if f.Command == frame.SEND {
		t.srv.mu.Lock()
		fail := t.srv.failNextSend
		t.srv.failNextSend = false
		t.srv.mu.Unlock()
		if fail {
			t.drop()
			return io.ErrClosedPipe
		}
	}

	t.mu.Lock()
	t.written = append(t.written, f)
	t.mu.Unlock()

	if f.Command == frame.CONNECT || f.Command == frame.STOMP {
		t.srv.mu.Lock()
		replyFn := t.srv.connectReply
		t.srv.mu.Unlock()
		reply := frame.New(frame.CONNECTED, hdrVersion, "1.2")
		if replyFn != nil {
			reply = replyFn(f)
		}
		t.push(reply)
	}
	return nil
}

func (t *fakeTransport) Ping(context.Context) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
		return nil
	}
}

func (t *fakeTransport) Close(string) error {
	t.drop()
	return nil
}

// drop simulates the server side going away.
func (t *fakeTransport) drop() {
	t.closeOnce.Do(func() { close(t.closed) })
}

func (t *fakeTransport) push(f *frame.Frame) {
	b, err := encodeFrame(f)
	if err != nil {
		panic(err)
	}
	t.in <- b
}

func (t *fakeTransport) pushRaw(b []byte) {
	t.in <- b
}

func (t *fakeTransport) frames(cmd string) []*frame.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*frame.Frame
	for _, f := range t.written {
		if cmd == "" || f.Command == cmd {
			out = append(out, f)
		}
	}
	return out
}

func (t *fakeTransport) bodies(cmd string) []string {
	var out []string
	for _, f := range t.frames(cmd) {
		out = append(out, string(f.Body))
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestConn(t *testing.T, srv *fakeServer, mutate func(*ConnConfig)) *ConnectionManager {
	t.Helper()
	cfg := ConnConfig{
		URL:               "ws://chat.test/ws-stomp",
		Dialer:            srv,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectMaxDelay: 10 * time.Millisecond,
		PingInterval:      -1,
		HandshakeTimeout:  2 * time.Second,
		Logger:            testLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := NewConnectionManager(cfg)
	t.Cleanup(c.Stop)
	return c
}

func publishFrame(body string) *frame.Frame {
	return sendFrame([]byte(body))
}

// stateRecorder collects StateChange events in delivery order.
type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) record(sc StateChange) {
	r.mu.Lock()
	r.changes = append(r.changes, sc)
	r.mu.Unlock()
}

func (r *stateRecorder) states() []ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnState, 0, len(r.changes))
	for _, sc := range r.changes {
		out = append(out, sc.To)
	}
	return out
}

func (r *stateRecorder) any(fn func(StateChange) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sc := range r.changes {
		if fn(sc) {
			return true
		}
	}
	return false
}
