package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"golang.org/x/sync/errgroup"
)

// ConnState is the lifecycle state of the shared connection.
type ConnState uint8

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is delivered to OnStateChange listeners.
// Offline is set once MaxReconnectAttempts consecutive attempts have failed.
type StateChange struct {
	From    ConnState
	To      ConnState
	Err     error
	Offline bool
}

// ConnConfig configures a ConnectionManager. Zero durations take the package defaults.
type ConnConfig struct {
	// URL is the STOMP WebSocket endpoint, e.g. wss://host/ws-stomp.
	URL string
	// Host is the STOMP host header. Defaults to the URL host.
	Host string

	Dialer  Dialer
	Session SessionProvider

	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
	// ReconnectJitter adds up to this fraction of the base delay. 0 takes the default, negative disables.
	ReconnectJitter float64
	// MaxReconnectAttempts raises Offline after this many consecutive failures (0 = never).
	MaxReconnectAttempts int

	QueueCap int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.Dialer == nil {
		c.Dialer = WSDialer{}
	}
	if c.Host == "" {
		if u, err := url.Parse(c.URL); err == nil {
			c.Host = u.Hostname()
		}
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	switch {
	case c.ReconnectJitter == 0:
		c.ReconnectJitter = defaultReconnectJitter
	case c.ReconnectJitter < 0:
		c.ReconnectJitter = 0
	}
	if c.QueueCap <= 0 {
		c.QueueCap = defaultOutboundQueueCap
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type outFrame struct {
	data    []byte
	retried bool
}

// ConnectionManager owns the single transport of the process.
//
// Frames are written by one writer goroutine per connection. SUBSCRIBE/UNSUBSCRIBE go through a
// control lane drained before publishes and discarded when the connection is lost; publishes wait
// in a bounded FIFO until a connection is available.
type ConnectionManager struct {
	cfg ConnConfig
	log *slog.Logger

	// life serializes Start and Stop so a Stop waiting for its run loop cannot clobber the next one.
	life sync.Mutex

	mu        sync.Mutex
	state     ConnState
	offline   bool
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	transport Transport
	control   []outFrame
	publish   []outFrame
	handlers  []func(InboundFrame)
	listeners []func(StateChange)

	wake chan struct{}

	// owned by the run goroutine
	backoff  Backoff
	failures int
}

// NewConnectionManager constructs a manager in the Disconnected state.
func NewConnectionManager(cfg ConnConfig) *ConnectionManager {
	cfg = cfg.withDefaults()
	return &ConnectionManager{
		cfg:  cfg,
		log:  cfg.Logger,
		wake: make(chan struct{}, 1),
		backoff: Backoff{
			Base:   cfg.ReconnectDelay,
			Max:    cfg.ReconnectMaxDelay,
			Jitter: cfg.ReconnectJitter,
		},
	}
}

// OnFrame registers a handler for inbound MESSAGE frames. Handlers run on the reader goroutine.
func (c *ConnectionManager) OnFrame(h func(InboundFrame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnStateChange registers a state listener. Listeners are called in transition order without
// internal locks held; on entering Connected they run before any queued frame is written.
func (c *ConnectionManager) OnStateChange(fn func(StateChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current connection state.
func (c *ConnectionManager) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Offline reports whether reconnect attempts are exhausted.
func (c *ConnectionManager) Offline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline
}

// QueueLen returns the number of publish frames waiting to be written.
func (c *ConnectionManager) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.publish)
}

// Start begins connecting. It returns immediately; calling it twice is a no-op.
func (c *ConnectionManager) Start(ctx context.Context) {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	from := c.state
	c.state = StateConnecting
	c.mu.Unlock()

	c.backoff.Reset()
	c.failures = 0
	c.transition(StateChange{From: from, To: StateConnecting})
	go c.run(runCtx)
}

// Stop tears the connection down, drops queued frames and returns to Disconnected.
// Subscription listeners clear their room sets on this transition.
func (c *ConnectionManager) Stop() {
	c.life.Lock()
	defer c.life.Unlock()

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel, done, t := c.cancel, c.done, c.transport
	c.mu.Unlock()

	if t != nil {
		if b, err := encodeFrame(disconnectFrame()); err == nil {
			ctx, cc := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
			_ = t.WriteFrame(ctx, b)
			cc()
		}
	}
	cancel()
	<-done

	c.mu.Lock()
	from := c.state
	c.state = StateDisconnected
	c.transport = nil
	c.control = nil
	c.publish = nil
	c.offline = false
	c.mu.Unlock()

	c.transition(StateChange{From: from, To: StateDisconnected})
}

// Send enqueues f for writing. Publish frames are queued while not connected; control frames
// sent while not connected are discarded (subscriptions are re-issued on Connected).
// Transport failures never surface here.
func (c *ConnectionManager) Send(f *frame.Frame) error {
	b, err := encodeFrame(f)
	if err != nil {
		return &ProtocolError{Reason: "encode frame", Err: err}
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if isControl(f) {
		if c.state == StateConnected {
			c.control = append(c.control, outFrame{data: b})
		}
		c.mu.Unlock()
		c.signal()
		return nil
	}

	dropped := false
	if len(c.publish) >= c.cfg.QueueCap {
		c.publish = c.publish[1:]
		dropped = true
	}
	c.publish = append(c.publish, outFrame{data: b})
	n := len(c.publish)
	c.mu.Unlock()

	if dropped {
		c.cfg.Metrics.overflow()
		c.log.Error("queue.overflow.drop", "cap", c.cfg.QueueCap, "queued", n)
	}
	c.signal()
	return nil
}

// sendIfConnected queues a control frame only while Connected. The check and the enqueue are
// atomic, so a frame accepted here is either written on the current connection or purged with it.
func (c *ConnectionManager) sendIfConnected(f *frame.Frame) (bool, error) {
	b, err := encodeFrame(f)
	if err != nil {
		return false, &ProtocolError{Reason: "encode frame", Err: err}
	}
	c.mu.Lock()
	if !c.started || c.state != StateConnected {
		c.mu.Unlock()
		return false, nil
	}
	c.control = append(c.control, outFrame{data: b})
	c.mu.Unlock()
	c.signal()
	return true, nil
}

func isControl(f *frame.Frame) bool {
	return f.Command == frame.SUBSCRIBE || f.Command == frame.UNSUBSCRIBE
}

func (c *ConnectionManager) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// ---- run loop ----

func (c *ConnectionManager) run(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		c.failures++
		limit := c.cfg.MaxReconnectAttempts

		c.mu.Lock()
		from := c.state
		c.state = StateReconnecting
		c.transport = nil
		c.control = nil
		if limit > 0 && c.failures >= limit && !c.offline {
			c.offline = true
			c.log.Warn("conn.offline", "attempts", c.failures)
		}
		offline := c.offline
		c.mu.Unlock()

		c.transition(StateChange{From: from, To: StateReconnecting, Err: err, Offline: offline})

		delay := c.backoff.Next(time.Now())
		c.cfg.Metrics.reconnect()
		c.log.Info("conn.reconnect.wait", "delay", delay, "attempt", c.backoff.Attempts(), "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		from = c.state
		c.state = StateConnecting
		offline = c.offline
		c.mu.Unlock()
		c.transition(StateChange{From: from, To: StateConnecting, Offline: offline})
	}
}

// connectOnce dials, performs the STOMP handshake and serves the connection until it fails.
func (c *ConnectionManager) connectOnce(ctx context.Context) error {
	t, err := c.handshake(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = t.Close("bye") }()

	c.mu.Lock()
	from := c.state
	c.state = StateConnected
	c.transport = t
	c.offline = false
	c.mu.Unlock()

	c.failures = 0
	c.backoff.Connected(time.Now())
	c.transition(StateChange{From: from, To: StateConnected})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, t) })
	g.Go(func() error { return c.writeLoop(gctx, t) })
	g.Go(func() error { return c.pingLoop(gctx, t) })
	return g.Wait()
}

func (c *ConnectionManager) handshake(ctx context.Context) (Transport, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	var token string
	header := http.Header{}
	if c.cfg.Session != nil {
		tok, err := c.cfg.Session.AccessToken(hctx)
		if err != nil {
			return nil, &TransportError{Op: "token", Err: err}
		}
		token = tok
		if token != "" {
			header.Set(hdrAuthorization, "Bearer "+token)
		}
	}

	t, err := c.cfg.Dialer.Dial(hctx, c.cfg.URL, header)
	if err != nil {
		if IsAuthError(err) {
			forwardAuthError(ctx, c.cfg.Session, err)
		}
		return nil, err
	}

	fail := func(err error) (Transport, error) {
		_ = t.Close("handshake failed")
		return nil, &TransportError{Op: "handshake", Err: errors.Join(ErrHandshake, err)}
	}

	b, err := encodeFrame(connectFrame(c.cfg.Host, token))
	if err != nil {
		return fail(err)
	}
	if err := t.WriteFrame(hctx, b); err != nil {
		return fail(err)
	}
	for {
		data, err := t.ReadFrame(hctx)
		if err != nil {
			return fail(err)
		}
		f, err := decodeFrame(data)
		if err != nil {
			return fail(err)
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			c.log.Debug("stomp.connected", "version", f.Header.Get(hdrVersion))
			return t, nil
		case frame.ERROR:
			return fail(errorFrameErr(f))
		default:
			return fail(&ProtocolError{Reason: "unexpected frame before CONNECTED: " + f.Command})
		}
	}
}

func (c *ConnectionManager) readLoop(ctx context.Context, t Transport) error {
	for {
		data, err := t.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "read", Err: err}
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.cfg.Metrics.frameDropped("malformed")
			c.log.Warn("frame.decode.fail", "err", err)
			continue
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.MESSAGE:
			c.dispatch(inboundFromFrame(f))
		case frame.ERROR:
			c.cfg.Metrics.frameDropped("error_frame")
			c.log.Warn("stomp.error.frame", "err", errorFrameErr(f))
		case frame.RECEIPT, frame.CONNECTED:
		default:
			c.cfg.Metrics.frameDropped("unexpected")
			c.log.Debug("stomp.frame.ignored", "command", f.Command)
		}
	}
}

func (c *ConnectionManager) dispatch(in InboundFrame) {
	c.mu.Lock()
	hs := c.handlers
	c.mu.Unlock()
	for _, h := range hs {
		h(in)
	}
}

func (c *ConnectionManager) writeLoop(ctx context.Context, t Transport) error {
	for {
		item, control, ok := c.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}

		wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		err := t.WriteFrame(wctx, item.data)
		cancel()
		if err != nil {
			if !control {
				c.requeue(item)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "write", Err: err}
		}
	}
}

func (c *ConnectionManager) dequeue() (outFrame, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.control) > 0 {
		f := c.control[0]
		c.control = c.control[1:]
		return f, true, true
	}
	if len(c.publish) > 0 {
		f := c.publish[0]
		c.publish = c.publish[1:]
		return f, false, true
	}
	return outFrame{}, false, false
}

// requeue puts a publish frame whose write failed back at the head, once.
func (c *ConnectionManager) requeue(f outFrame) {
	if f.retried {
		c.log.Error("queue.write.drop", "reason", "write failed twice")
		return
	}
	f.retried = true

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.publish) >= c.cfg.QueueCap {
		c.publish = c.publish[:len(c.publish)-1]
	}
	c.publish = append([]outFrame{f}, c.publish...)
}

func (c *ConnectionManager) pingLoop(ctx context.Context, t Transport) error {
	if c.cfg.PingInterval < 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	tk := time.NewTicker(c.cfg.PingInterval)
	defer tk.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
			err := t.Ping(pctx)
			cancel()

			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures++
				c.log.Info("conn.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					return &TransportError{Op: "ping", Err: err}
				}
				continue
			}
			failures = 0
		}
	}
}

// transition logs, records and notifies a state change.
func (c *ConnectionManager) transition(sc StateChange) {
	c.cfg.Metrics.setState(sc.To)
	if sc.Err != nil {
		c.log.Info("conn.state.change", "from", sc.From.String(), "to", sc.To.String(), "offline", sc.Offline, "err", sc.Err)
	} else {
		c.log.Info("conn.state.change", "from", sc.From.String(), "to", sc.To.String(), "offline", sc.Offline)
	}
	c.notify(sc)
}

func (c *ConnectionManager) notify(sc StateChange) {
	c.mu.Lock()
	ls := c.listeners
	c.mu.Unlock()
	for _, fn := range ls {
		fn(sc)
	}
}
