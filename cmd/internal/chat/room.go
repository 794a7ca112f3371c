package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/errgroup"
)

// RoomState is the lifecycle state of a room session.
type RoomState uint8

const (
	RoomClosed RoomState = iota
	RoomOpening
	RoomOpen
)

func (s RoomState) String() string {
	switch s {
	case RoomClosed:
		return "closed"
	case RoomOpening:
		return "opening"
	case RoomOpen:
		return "open"
	default:
		return "unknown"
	}
}

// RoomSession is the state of one mounted room: its message store, subscription and
// history progress. All store mutations go through the session mailbox.
type RoomSession struct {
	room ChatRoom
	eng  *Engine
	log  *slog.Logger

	store *MessageStore // owned by the mailbox goroutine
	mb    *mailbox

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         RoomState
	historyLoaded bool
	err           error
	snap          []Message
	timeouts      map[string]*PublishTimeout
	nextPage      int
	exhausted     bool

	ready     chan struct{}
	readyOnce sync.Once
	changes   chan struct{}
	closeOnce sync.Once

	// serializes LoadOlder
	olderMu sync.Mutex
}

func newRoomSession(parent context.Context, eng *Engine, room ChatRoom) *RoomSession {
	ctx, cancel := context.WithCancel(parent)
	s := &RoomSession{
		room:     room,
		eng:      eng,
		log:      eng.log.With("room_id", room.RoomID),
		store:    NewMessageStore(room.RoomID, eng.cfg.PublishTimeout, eng.storeOpts...),
		mb:       newMailbox(eng.cfg.MailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		state:    RoomOpening,
		timeouts: make(map[string]*PublishTimeout),
		ready:    make(chan struct{}),
		changes:  make(chan struct{}, 1),
	}
	return s
}

// start launches the mailbox, the expiry ticker and the opening sequence.
func (s *RoomSession) start() {
	go s.mb.run(s.store, s.refresh)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.expireLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.open()
	}()
}

// RoomID returns the room id.
func (s *RoomSession) RoomID() int64 { return s.room.RoomID }

// Room returns the chat room descriptor.
func (s *RoomSession) Room() ChatRoom { return s.room }

// State returns the lifecycle state.
func (s *RoomSession) State() RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribed reports whether the room topic is subscribed on a live connection.
func (s *RoomSession) Subscribed() bool {
	return s.State() != RoomClosed && s.eng.subs.IsSubscribed(s.room.RoomID)
}

// HistoryLoaded reports whether the first history page was applied.
func (s *RoomSession) HistoryLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLoaded
}

// Offline reports that reconnect attempts are exhausted. History stays browsable and sends
// are queued.
func (s *RoomSession) Offline() bool {
	return s.eng.conn.Offline()
}

// Err returns the fatal opening error of a closed session.
func (s *RoomSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Ready is closed once the session is Open or Closed.
func (s *RoomSession) Ready() <-chan struct{} { return s.ready }

// Changes receives a value (coalesced) whenever messages or flags change.
func (s *RoomSession) Changes() <-chan struct{} { return s.changes }

// Snapshot returns the messages, newest first.
func (s *RoomSession) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.snap))
	copy(out, s.snap)
	return out
}

// FailedErr returns the PublishTimeout of a failed entry, or nil.
func (s *RoomSession) FailedErr(localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pt, ok := s.timeouts[localID]; ok {
		return pt
	}
	return nil
}

// WaitOpen blocks until the session is Open. It returns the opening error when the session
// closed instead.
func (s *RoomSession) WaitOpen(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == RoomOpen {
		return nil
	}
	if s.err != nil {
		return s.err
	}
	return ErrRoomNotOpen
}

// ---- opening ----

func (s *RoomSession) open() {
	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.withRetry(gctx, "subscribe", s.subscribeOnce) })
	g.Go(func() error { return s.withRetry(gctx, "history", s.fetchFirstPage) })

	err := g.Wait()
	if s.ctx.Err() != nil {
		return
	}
	if err != nil {
		var re *RoomError
		if !errors.As(err, &re) {
			err = &RoomError{RoomID: s.room.RoomID, Op: "open", Err: err}
		}
		s.log.Warn("room.open.fail", "err", err)
		s.shutdown(err)
		return
	}

	s.mu.Lock()
	if s.state == RoomOpening {
		s.state = RoomOpen
	}
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.log.Info("room.open")
	s.notify()
}

func (s *RoomSession) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := s.eng.cfg.OpenRetryDelay
	err := retry.Do(
		func() error { return fn(ctx) },
		retry.Context(ctx),
		retry.Attempts(uint(s.eng.cfg.OpenAttempts)),
		retry.Delay(delay),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return time.Duration(n+1) * delay
		}),
		retry.RetryIf(IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.log.Info("room.open.retry", "op", op, "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		return &RoomError{RoomID: s.room.RoomID, Op: op, Err: err}
	}
	return nil
}

// subscribeOnce waits for the room's SUBSCRIBE to reach the broker. A subscribe deferred by a
// lost connection keeps waiting for the next Connected; only a stall on a live connection
// counts as a failed attempt.
func (s *RoomSession) subscribeOnce(ctx context.Context) error {
	if _, err := s.eng.subs.Subscribe(s.room.RoomID); err != nil {
		return err
	}
	for {
		wctx, cancel := context.WithTimeout(ctx, s.eng.cfg.SubscribeTimeout)
		err := s.eng.subs.WaitSubscribed(wctx, s.room.RoomID)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return err
		}
		state := s.eng.conn.State()
		if state == StateConnected {
			return &TransportError{Op: "subscribe", Err: err}
		}
		s.log.Debug("room.subscribe.deferred", "state", state, "offline", s.eng.conn.Offline())
	}
}

func (s *RoomSession) fetchFirstPage(ctx context.Context) error {
	msgs, err := s.eng.history.Fetch(ctx, s.room.RoomID, 0, s.eng.cfg.HistoryPageSize)
	if err != nil {
		return err
	}
	return s.applyHistory(ctx, func(st *MessageStore) {
		st.Seed(msgs)
		s.mu.Lock()
		s.historyLoaded = true
		s.nextPage = 1
		s.exhausted = len(msgs) < s.eng.cfg.HistoryPageSize
		s.mu.Unlock()
	})
}

// applyHistory runs op on the mailbox unless the fetch was cancelled in the meantime.
func (s *RoomSession) applyHistory(ctx context.Context, op func(*MessageStore)) error {
	return s.mb.call(ctx, func(st *MessageStore) {
		if ctx.Err() != nil {
			return
		}
		op(st)
	})
}

// LoadOlder fetches the next history page and merges it. It returns the number of entries added;
// 0 with a nil error means no older messages remain.
func (s *RoomSession) LoadOlder(ctx context.Context) (int, error) {
	s.olderMu.Lock()
	defer s.olderMu.Unlock()

	s.mu.Lock()
	state, loaded, page, exhausted := s.state, s.historyLoaded, s.nextPage, s.exhausted
	s.mu.Unlock()
	if state == RoomClosed {
		return 0, ErrRoomNotOpen
	}
	if !loaded {
		return 0, errors.New("history not loaded yet")
	}
	if exhausted {
		return 0, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	size := s.eng.cfg.HistoryPageSize
	msgs, err := s.eng.history.Fetch(ctx, s.room.RoomID, page, size)
	if err != nil {
		return 0, err
	}

	added := 0
	err = s.applyHistory(ctx, func(st *MessageStore) {
		added = st.MergeHistory(msgs)
		s.mu.Lock()
		s.nextPage = page + 1
		s.exhausted = len(msgs) < size
		s.mu.Unlock()
	})
	return added, err
}

// ---- live traffic ----

// deliver hands a live frame to the room's mailbox. It runs on the connection's reader goroutine
// and never waits: a room whose backlog is full drops the frame.
func (s *RoomSession) deliver(m Message) {
	err := s.mb.trySubmit(func(st *MessageStore) {
		if _, confirmed := st.AppendLive(m); confirmed {
			s.eng.metrics.confirmed(1)
		}
	})
	switch {
	case errors.Is(err, ErrMailboxFull):
		s.eng.metrics.frameDropped("mailbox_full")
		s.log.Warn("frame.room.backlog.drop", "cap", cap(s.mb.ops))
	case err != nil:
		s.log.Debug("frame.room.closed", "err", err)
	}
}

func (s *RoomSession) expireLoop() {
	t := time.NewTicker(s.eng.cfg.ExpireInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			_ = s.mb.submit(s.ctx, s.expire)
		}
	}
}

func (s *RoomSession) expire(st *MessageStore) {
	failed := st.ExpirePending()
	if len(failed) == 0 {
		return
	}
	s.eng.metrics.failed(len(failed))

	s.mu.Lock()
	for _, m := range failed {
		pt := &PublishTimeout{RoomID: s.room.RoomID, LocalID: m.LocalID, After: s.eng.cfg.PublishTimeout}
		s.timeouts[m.LocalID] = pt
		s.log.Warn("publish.timeout", "local_id", m.LocalID, "err", pt)
	}
	s.mu.Unlock()
}

func (s *RoomSession) clearTimeout(localID string) {
	s.mu.Lock()
	delete(s.timeouts, localID)
	s.mu.Unlock()
}

// refresh publishes a new snapshot; it runs on the mailbox goroutine after every operation.
func (s *RoomSession) refresh() {
	snap := s.store.Snapshot()
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.notify()
}

func (s *RoomSession) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// ---- closing ----

// shutdown moves the session to Closed: it cancels in-flight fetches, stops the mailbox and
// unsubscribes. err is the fatal opening error, nil for a regular close.
func (s *RoomSession) shutdown(err error) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.mb.close()

		if uerr := s.eng.subs.Unsubscribe(s.room.RoomID); uerr != nil {
			s.log.Warn("room.unsubscribe.fail", "err", uerr)
		}

		s.mu.Lock()
		s.state = RoomClosed
		if err != nil {
			s.err = err
		}
		s.mu.Unlock()

		s.readyOnce.Do(func() { close(s.ready) })
		s.eng.metrics.roomClosed()
		s.notify()
	})
}

// close shuts the session down and waits for its goroutines.
func (s *RoomSession) close() {
	s.shutdown(nil)
	s.wg.Wait()
}
