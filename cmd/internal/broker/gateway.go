package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"tuitui/cmd/identity/ids"
	v1 "tuitui/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/samber/lo"
)

const (
	gwDefaultSendQueueSize = 256
	gwMinSendQueueSize     = 32

	gwDefaultWriteTimeout = 5 * time.Second
	gwCloseGrace          = 1 * time.Second

	gwMaxPingFailures = 3
)

// GatewayConfig tunes the STOMP gateway. Zero values take the defaults.
type GatewayConfig struct {
	// OriginRequired rejects upgrades without an Origin header. Native clients send none.
	OriginRequired bool
	// AllowedOrigins is the Origin allowlist; "*" allows any origin.
	AllowedOrigins []string
	// DevInsecure disables the websocket origin check entirely.
	DevInsecure bool

	WriteTimeout time.Duration
	// ReadIdleTimeout closes sessions that send nothing for this long; 0 disables it.
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	// HeartbeatInterval is the ping period; negative disables pings.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration

	ConnectTimeout time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = gwDefaultWriteTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = gwDefaultSendQueueSize
	}
	if c.SendQueueSize < gwMinSendQueueSize {
		c.SendQueueSize = gwMinSendQueueSize
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = connectTimeout
	}
	return c
}

// Authorizer reports whether a bearer token may open a session.
type Authorizer func(token string) bool

// Gateway is the STOMP-over-WebSocket endpoint of the dev broker.
//
// It enforces origin policy, subprotocol selection, the CONNECT handshake, rate limits and
// heartbeats, and routes SUBSCRIBE/SEND frames to the Hub and MessageStore.
type Gateway struct {
	log   *slog.Logger
	hub   *Hub
	store MessageStore
	auth  Authorizer
	cfg   GatewayConfig

	// Derived for websocket.Accept origin checks: cross-origin upgrades need OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a gateway. A nil store falls back to the in-memory store; a nil
// auth accepts every CONNECT.
func NewGateway(log *slog.Logger, hub *Hub, store MessageStore, auth Authorizer, cfg GatewayConfig) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if hub == nil {
		hub = NewHub(log, nil)
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	cfg = cfg.withDefaults()
	return &Gateway{
		log:            log,
		hub:            hub,
		store:          store,
		auth:           auth,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state of HandleWS.
type session struct {
	g      *Gateway
	conn   *websocket.Conn
	client *Client
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// shutdown is idempotent. It does NOT close client.Send: topic removal happens first, so a
// concurrent Broadcast sees either a live client or none.
func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.g.hub.Unregister(s.client)
		s.client.Close()
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

// abort drops the connection without a close handshake.
func (s *session) abort() {
	s.closeOnce.Do(func() {
		s.g.hub.Unregister(s.client)
		s.client.Close()
		_ = s.conn.CloseNow()
		s.cancel()
	})
}

// HandleWS upgrades an HTTP request to a STOMP session and runs it until either side closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// A token on the upgrade request is checked before the upgrade so clients see a 401.
	// Without one the CONNECT frame must carry it.
	if h := r.Header.Get(hdrAuthorization); g.auth != nil && h != "" {
		if token := bearerToken(h); token == "" || !g.auth(token) {
			g.log.Info("ws.reject.unauthorized", "remote", r.RemoteAddr)
			g.hub.metrics.reject("unauthorized")
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       stompSubprotocols,
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sessionID := ids.MustULID(time.Now())
	ctx, cancel := context.WithCancel(r.Context())
	s := &session{
		g:      g,
		conn:   conn,
		client: NewClient(sessionID, g.cfg.SendQueueSize),
		log:    g.log.With("session_id", sessionID),
		ctx:    ctx,
		cancel: cancel,
	}
	s.client.kill = s.abort
	defer s.shutdown(websocket.StatusNormalClosure, "bye")

	if err := s.handshake(); err != nil {
		s.log.Info("stomp.connect.reject", "err", err, "subprotocol", conn.Subprotocol())
		return
	}
	g.hub.Register(s.client)
	s.log.Info("stomp.session.open", "subprotocol", conn.Subprotocol(), "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop()
	}()

	s.readLoop()

	s.shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone
	select {
	case <-heartbeatDone:
	case <-time.After(gwCloseGrace):
	}
	s.log.Info("stomp.session.closed")
}

// handshake waits for CONNECT, checks the bearer token and answers CONNECTED. The reply is
// written directly since the writer is not running yet.
func (s *session) handshake() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.g.cfg.ConnectTimeout)
	defer cancel()

	var f *frame.Frame
	for f == nil {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.shutdown(websocket.StatusPolicyViolation, "connect timeout")
			return fmt.Errorf("read connect: %w", err)
		}
		if f, err = decodeFrame(data); err != nil {
			s.reject(ctx, "bad_frame", "malformed frame", err.Error(), websocket.StatusProtocolError)
			return err
		}
	}

	if f.Command != frame.CONNECT && f.Command != frame.STOMP {
		s.reject(ctx, "not_connected", "expected CONNECT", f.Command, websocket.StatusProtocolError)
		return fmt.Errorf("unexpected %s before CONNECT", f.Command)
	}
	if s.g.auth != nil {
		token := bearerToken(f.Header.Get(hdrAuthorization))
		if token == "" || !s.g.auth(token) {
			s.reject(ctx, "unauthorized", "unauthorized", "invalid or missing bearer token", websocket.StatusPolicyViolation)
			return errors.New("unauthorized")
		}
	}

	b, err := encodeFrame(connectedFrame(s.client.SessionID))
	if err != nil {
		return err
	}
	wctx, wcancel := context.WithTimeout(s.ctx, s.g.cfg.WriteTimeout)
	defer wcancel()
	if err := s.conn.Write(wctx, websocket.MessageText, b); err != nil {
		s.shutdown(websocket.StatusAbnormalClosure, "write failed")
		return fmt.Errorf("write connected: %w", err)
	}
	return nil
}

// reject writes an ERROR frame synchronously and closes the connection.
func (s *session) reject(ctx context.Context, reason, msg, detail string, code websocket.StatusCode) {
	s.g.hub.metrics.reject(reason)
	if b, err := encodeFrame(errorFrame(msg, detail)); err == nil {
		_ = s.conn.Write(ctx, websocket.MessageText, b)
	}
	s.shutdown(code, msg)
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case b := <-s.client.Send:
			ctx, cancel := context.WithTimeout(s.ctx, s.g.cfg.WriteTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, b)
			cancel()
			if err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *session) heartbeatLoop() {
	if s.g.cfg.HeartbeatInterval < 0 {
		return
	}
	t := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.g.cfg.HeartbeatTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				s.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= gwMaxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *session) readLoop() {
	rl := NewRateLimiter(s.g.cfg.RateEvents, s.g.cfg.RateWindow)
	for {
		data, err := s.read()
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose, readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				s.log.Info("ws.read.fail", "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			s.sendError("bad_frame", "malformed frame", err.Error())
			continue
		}
		if f == nil {
			continue
		}

		if !rl.Allow(time.Now()) {
			s.sendError("rate_limited", "rate limited", "too many frames")
			s.shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		switch f.Command {
		case frame.SUBSCRIBE:
			s.onSubscribe(f)
		case frame.UNSUBSCRIBE:
			s.onUnsubscribe(f)
		case frame.SEND:
			s.onSend(f)
		case frame.DISCONNECT:
			s.sendReceipt(f)
			s.log.Debug("stomp.disconnect")
			return
		case frame.ACK, frame.NACK, frame.BEGIN, frame.COMMIT, frame.ABORT:
			s.sendReceipt(f)
		default:
			s.sendError("unsupported", "unsupported frame", f.Command)
		}
	}
}

func (s *session) read() ([]byte, error) {
	ctx := s.ctx
	if s.g.cfg.ReadIdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.g.cfg.ReadIdleTimeout)
		defer cancel()
	}
	mt, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

// ---- frame handlers ----

func (s *session) onSubscribe(f *frame.Frame) {
	subID := strings.TrimSpace(f.Header.Get(hdrID))
	if subID == "" {
		s.sendError("bad_subscribe", "missing id header", "")
		return
	}
	roomID, err := v1.RoomIDFromTopic(f.Header.Get(hdrDestination))
	if err != nil {
		s.sendError("bad_destination", "unknown destination", err.Error())
		return
	}
	if !s.g.hub.Subscribe(s.client, roomID, subID) {
		s.sendError("duplicate_subscription", "subscription id in use", subID)
		return
	}
	s.log.Debug("stomp.subscribe", "room_id", roomID, "sub_id", subID)
	s.sendReceipt(f)
}

func (s *session) onUnsubscribe(f *frame.Frame) {
	subID := strings.TrimSpace(f.Header.Get(hdrID))
	if !s.g.hub.Unsubscribe(s.client, subID) {
		s.log.Debug("stomp.unsubscribe.unknown", "sub_id", subID)
	}
	s.sendReceipt(f)
}

func (s *session) onSend(f *frame.Frame) {
	if dest := f.Header.Get(hdrDestination); dest != v1.PublishDestination {
		s.sendError("bad_destination", "unknown destination", dest)
		return
	}

	var p v1.PublishPayload
	if err := json.Unmarshal(f.Body, &p); err != nil {
		s.sendError("bad_json", "invalid JSON", err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		s.sendError("bad_payload", "invalid payload", err.Error())
		return
	}

	stored, err := s.g.store.AppendMessage(s.ctx, AppendMessageInput{
		RoomID:            p.RoomID,
		SenderProfileID:   p.SenderProfileID,
		ReceiverProfileID: p.ReceiverProfileID,
		Content:           p.Content,
		Now:               time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			s.sendError("room_not_found", "room not found", fmt.Sprint(p.RoomID))
			return
		}
		s.log.Error("store.append.fail", "room_id", p.RoomID, "err", err)
		s.sendError("store_failed", "store append failed", "")
		return
	}
	s.g.hub.metrics.publishedOne()

	body, err := json.Marshal(toWire(stored))
	if err != nil {
		s.log.Error("message.encode.fail", "err", err)
		return
	}
	dest := v1.RoomTopic(stored.RoomID)
	n := s.g.hub.Broadcast(stored.RoomID, func(subID string) ([]byte, error) {
		return encodeFrame(messageFrame(dest, subID, stored.ChatContentID, body))
	})
	s.log.Debug("stomp.send", "room_id", stored.RoomID, "chat_content_id", stored.ChatContentID, "deliveries", n)
	s.sendReceipt(f)
}

// ---- send helpers ----

func (s *session) sendError(reason, msg, detail string) {
	s.g.hub.metrics.reject(reason)
	s.enqueue(errorFrame(msg, detail))
}

func (s *session) sendReceipt(f *frame.Frame) {
	if id := f.Header.Get(hdrReceipt); id != "" {
		s.enqueue(receiptFrame(id))
	}
}

func (s *session) enqueue(f *frame.Frame) {
	b, err := encodeFrame(f)
	if err != nil {
		s.log.Error("frame.encode.fail", "command", f.Command, "err", err)
		return
	}
	if !s.client.enqueue(b) {
		s.log.Info("ws.backpressure", "command", f.Command)
	}
}

func bearerToken(h string) string {
	h = strings.TrimSpace(h)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if g.cfg.DevInsecure {
		return nil
	}

	host := originHost(origin)
	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		switch {
		case a == "":
		case a == "*", a == origin:
			return nil
		case host != "" && host == originHost(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost extracts the lower-cased host of a URL or host[:port] value.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept host patterns from the allowlist.
func originPatterns(allowed []string) []string {
	hosts := lo.Uniq(lo.FilterMap(allowed, func(a string, _ int) (string, bool) {
		if strings.TrimSpace(a) == "*" {
			return "*", true
		}
		h := originHost(a)
		return h, h != ""
	}))
	slices.Sort(hosts)
	return hosts
}
