package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	v1 "tuitui/shared/contracts/chat/v1"
)

// Config configures an Engine. Zero values take the package defaults.
type Config struct {
	// APIURL is the REST base URL, e.g. https://host:8443.
	APIURL string

	// Conn configures the shared connection; Conn.URL is the STOMP endpoint.
	Conn ConnConfig

	Session    SessionProvider
	HTTPClient *http.Client

	PublishTimeout  time.Duration
	ExpireInterval  time.Duration
	HistoryPageSize int
	MailboxSize     int

	OpenAttempts     int
	OpenRetryDelay   time.Duration
	SubscribeTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = defaultExpireInterval
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = defaultHistoryPageSize
	}
	if c.HistoryPageSize > maxHistoryPageSize {
		c.HistoryPageSize = maxHistoryPageSize
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = defaultMailboxSize
	}
	if c.OpenAttempts <= 0 {
		c.OpenAttempts = defaultOpenAttempts
	}
	if c.OpenRetryDelay <= 0 {
		c.OpenRetryDelay = defaultOpenRetryDelay
	}
	if c.SubscribeTimeout <= 0 {
		c.SubscribeTimeout = defaultSubscribeTimeout
	}
	if c.Conn.Session == nil {
		c.Conn.Session = c.Session
	}
	if c.Conn.Logger == nil {
		c.Conn.Logger = c.Logger
	}
	if c.Conn.Metrics == nil {
		c.Conn.Metrics = c.Metrics
	}
	return c
}

// Engine wires the connection, subscriptions, history and publishing, and owns the registry
// of open room sessions.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	conn    *ConnectionManager
	subs    *RoomSubscription
	history *HistoryLoader
	rooms   *RoomDirectory
	pub     *Publisher
	codec   FrameCodec

	storeOpts []StoreOption

	mu       sync.Mutex
	baseCtx  context.Context
	sessions map[int64]*RoomSession
}

// NewEngine constructs an engine. Nothing connects until Start or OpenRoom.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.Conn.URL == "" {
		return nil, errors.New("chat: websocket url required")
	}
	rest, err := NewRESTClient(cfg.APIURL, cfg.HTTPClient, cfg.Session, cfg.Logger)
	if err != nil {
		return nil, err
	}

	conn := NewConnectionManager(cfg.Conn)
	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		conn:     conn,
		subs:     NewRoomSubscription(conn, cfg.Logger),
		history:  NewHistoryLoader(rest, cfg.Metrics),
		rooms:    NewRoomDirectory(rest),
		pub:      NewPublisher(conn, cfg.Logger),
		sessions: make(map[int64]*RoomSession),
	}
	// registered after the subscription listener: sessions observe updated flags
	conn.OnStateChange(e.onStateChange)
	conn.OnFrame(e.onFrame)
	return e, nil
}

// Conn returns the shared connection manager.
func (e *Engine) Conn() *ConnectionManager { return e.conn }

// Subscriptions returns the room subscription registry.
func (e *Engine) Subscriptions() *RoomSubscription { return e.subs }

// History returns the history loader.
func (e *Engine) History() *HistoryLoader { return e.history }

// Directory returns the room directory.
func (e *Engine) Directory() *RoomDirectory { return e.rooms }

// Start connects. Rooms opened later share the connection; ctx bounds the engine lifetime.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.baseCtx == nil {
		e.baseCtx = ctx
	}
	base := e.baseCtx
	e.mu.Unlock()
	e.conn.Start(base)
}

// Stop closes every room and disconnects.
func (e *Engine) Stop() {
	e.mu.Lock()
	sessions := make([]*RoomSession, 0, len(e.sessions))
	for id, s := range e.sessions {
		sessions = append(sessions, s)
		delete(e.sessions, id)
	}
	e.baseCtx = nil
	e.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	e.conn.Stop()
}

// OpenRoom creates the session of room and starts opening it: subscribe and the first
// history page run concurrently. It returns at once; use WaitOpen or Ready to observe the
// outcome. An already open session is returned unchanged.
func (e *Engine) OpenRoom(ctx context.Context, room ChatRoom) (*RoomSession, error) {
	if room.RoomID <= 0 {
		return nil, errors.New("chat: room id required")
	}

	e.mu.Lock()
	if s, ok := e.sessions[room.RoomID]; ok && s.State() != RoomClosed {
		e.mu.Unlock()
		return s, nil
	}
	if e.baseCtx == nil {
		e.baseCtx = context.WithoutCancel(ctx)
	}
	base := e.baseCtx
	s := newRoomSession(base, e, room)
	e.sessions[room.RoomID] = s
	e.mu.Unlock()

	e.conn.Start(base)
	e.metrics.roomOpened()
	s.log.Info("room.opening")
	s.start()
	return s, nil
}

// CloseRoom unsubscribes the room, cancels its history fetch and discards its session.
func (e *Engine) CloseRoom(roomID int64) error {
	e.mu.Lock()
	s, ok := e.sessions[roomID]
	delete(e.sessions, roomID)
	e.mu.Unlock()
	if !ok {
		return ErrRoomNotOpen
	}
	s.close()
	s.log.Info("room.closed")
	return nil
}

// Room returns the session of roomID.
func (e *Engine) Room(roomID int64) (*RoomSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[roomID]
	return s, ok
}

func (e *Engine) liveRoom(roomID int64) (*RoomSession, error) {
	s, ok := e.Room(roomID)
	if !ok || s.State() == RoomClosed {
		return nil, ErrRoomNotOpen
	}
	return s, nil
}

// Send publishes content in roomID and returns the pending entry.
func (e *Engine) Send(ctx context.Context, roomID int64, content string, senderProfileID, receiverProfileID int64) (Message, error) {
	s, err := e.liveRoom(roomID)
	if err != nil {
		return Message{}, err
	}
	return e.pub.Send(ctx, s, content, senderProfileID, receiverProfileID)
}

// Resend republishes a failed entry of roomID.
func (e *Engine) Resend(ctx context.Context, roomID int64, localID string) (Message, error) {
	s, err := e.liveRoom(roomID)
	if err != nil {
		return Message{}, err
	}
	return e.pub.Resend(ctx, s, localID)
}

// LoadOlder merges the next history page of roomID.
func (e *Engine) LoadOlder(ctx context.Context, roomID int64) (int, error) {
	s, err := e.liveRoom(roomID)
	if err != nil {
		return 0, err
	}
	return s.LoadOlder(ctx)
}

func (e *Engine) onFrame(in InboundFrame) {
	roomID, err := v1.RoomIDFromTopic(in.Destination)
	if err != nil {
		e.metrics.frameDropped("destination")
		e.log.Warn("frame.destination.unknown", "destination", in.Destination, "err", err)
		return
	}
	m, err := e.codec.Decode(in.Body)
	if err != nil {
		e.metrics.frameDropped("malformed")
		e.log.Warn("frame.decode.fail", "room_id", roomID, "err", err)
		return
	}
	m.RoomID = roomID

	s, ok := e.Room(roomID)
	if !ok {
		e.metrics.frameDropped("room_closed")
		e.log.Debug("frame.room.unknown", "room_id", roomID)
		return
	}
	s.deliver(m)
}

func (e *Engine) onStateChange(StateChange) {
	e.mu.Lock()
	sessions := make([]*RoomSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		s.notify()
	}
}
