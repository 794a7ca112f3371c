package chat

import (
	"context"
	"log/slog"
	"sync"
)

type subEntry struct {
	// sent is true once SUBSCRIBE was accepted on the current connection.
	sent  bool
	ready chan struct{}
}

func newSubEntry() *subEntry {
	return &subEntry{ready: make(chan struct{})}
}

func (e *subEntry) markSent() {
	if !e.sent {
		e.sent = true
		close(e.ready)
	}
}

func (e *subEntry) reset() {
	if e.sent {
		e.sent = false
		e.ready = make(chan struct{})
	}
}

// release wakes waiters of an entry being removed.
func (e *subEntry) release() {
	if !e.sent {
		close(e.ready)
	}
}

// RoomSubscription multiplexes room topics over the shared connection.
//
// The active set survives reconnects: every room in it is subscribed exactly once per
// connection. Stop on the ConnectionManager clears it.
type RoomSubscription struct {
	conn *ConnectionManager
	log  *slog.Logger

	// lock order: mu, then conn.mu
	mu     sync.Mutex
	active map[int64]*subEntry
}

// NewRoomSubscription attaches a subscription registry to conn.
func NewRoomSubscription(conn *ConnectionManager, log *slog.Logger) *RoomSubscription {
	if log == nil {
		log = slog.Default()
	}
	rs := &RoomSubscription{
		conn:   conn,
		log:    log,
		active: make(map[int64]*subEntry),
	}
	conn.OnStateChange(rs.onStateChange)
	return rs
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	RoomID int64
	rs     *RoomSubscription
}

// Active reports whether the room is currently subscribed on a live connection.
func (s *Subscription) Active() bool { return s.rs.IsSubscribed(s.RoomID) }

// Wait blocks until the room is subscribed on a live connection.
func (s *Subscription) Wait(ctx context.Context) error { return s.rs.WaitSubscribed(ctx, s.RoomID) }

// Unsubscribe removes the room from the active set.
func (s *Subscription) Unsubscribe() error { return s.rs.Unsubscribe(s.RoomID) }

// Subscribe adds roomID to the active set. While connected the SUBSCRIBE frame is issued at once;
// otherwise it is deferred to the next Connected. Subscribing an active room is a no-op.
func (rs *RoomSubscription) Subscribe(roomID int64) (*Subscription, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	e, ok := rs.active[roomID]
	if !ok {
		e = newSubEntry()
		rs.active[roomID] = e
	}
	if !e.sent {
		sent, err := rs.conn.sendIfConnected(subscribeFrame(roomID))
		if err != nil {
			return nil, err
		}
		if sent {
			e.markSent()
			rs.log.Debug("sub.subscribe", "room_id", roomID)
		} else {
			rs.log.Debug("sub.pending", "room_id", roomID)
		}
	}
	return &Subscription{RoomID: roomID, rs: rs}, nil
}

// Unsubscribe issues UNSUBSCRIBE when connected and always removes roomID from the active set.
func (rs *RoomSubscription) Unsubscribe(roomID int64) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	e, ok := rs.active[roomID]
	if !ok {
		return nil
	}
	delete(rs.active, roomID)
	e.release()

	if e.sent {
		if _, err := rs.conn.sendIfConnected(unsubscribeFrame(roomID)); err != nil {
			return err
		}
		rs.log.Debug("sub.unsubscribe", "room_id", roomID)
	}
	return nil
}

// IsSubscribed reports whether roomID is active and subscribed on the live connection.
func (rs *RoomSubscription) IsSubscribed(roomID int64) bool {
	rs.mu.Lock()
	e, ok := rs.active[roomID]
	sent := ok && e.sent
	rs.mu.Unlock()
	return sent && rs.conn.State() == StateConnected
}

// IsActive reports whether roomID is in the active set, subscribed or pending.
func (rs *RoomSubscription) IsActive(roomID int64) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, ok := rs.active[roomID]
	return ok
}

// Active returns the active room ids.
func (rs *RoomSubscription) Active() []int64 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]int64, 0, len(rs.active))
	for id := range rs.active {
		out = append(out, id)
	}
	return out
}

// WaitSubscribed blocks until roomID is subscribed on a live connection, the room is
// unsubscribed (ErrRoomNotOpen) or ctx is done.
func (rs *RoomSubscription) WaitSubscribed(ctx context.Context, roomID int64) error {
	for {
		rs.mu.Lock()
		e, ok := rs.active[roomID]
		if !ok {
			rs.mu.Unlock()
			return ErrRoomNotOpen
		}
		if e.sent {
			rs.mu.Unlock()
			return nil
		}
		ch := e.ready
		rs.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (rs *RoomSubscription) onStateChange(sc StateChange) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch sc.To {
	case StateConnected:
		n := 0
		for roomID, e := range rs.active {
			if e.sent {
				continue
			}
			sent, err := rs.conn.sendIfConnected(subscribeFrame(roomID))
			if err != nil {
				rs.log.Error("sub.resubscribe.fail", "room_id", roomID, "err", err)
				continue
			}
			if sent {
				e.markSent()
				n++
			}
		}
		if n > 0 {
			rs.log.Info("sub.resubscribe", "rooms", n)
		}

	case StateDisconnected:
		for roomID, e := range rs.active {
			e.release()
			delete(rs.active, roomID)
		}

	default:
		for _, e := range rs.active {
			e.reset()
		}
	}
}
