package chat

import (
	"time"

	"tuitui/cmd/identity/ids"
)

// MessageStore is the ordered message list of one room, newest first by CreatedAt.
//
// It is not safe for concurrent use: a room mailbox owns it and applies every mutation.
// No two entries share a LocalID or a ServerID.
type MessageStore struct {
	roomID  int64
	timeout time.Duration
	now     func() time.Time
	newID   func(time.Time) string

	msgs   []Message
	seeded bool
}

// StoreOption customizes a MessageStore.
type StoreOption func(*MessageStore)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *MessageStore) { s.now = now }
}

// WithIDGenerator overrides LocalID generation.
func WithIDGenerator(gen func(time.Time) string) StoreOption {
	return func(s *MessageStore) { s.newID = gen }
}

// NewMessageStore creates an empty store for roomID. timeout is the pending window T.
func NewMessageStore(roomID int64, timeout time.Duration, opts ...StoreOption) *MessageStore {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	s := &MessageStore{
		roomID:  roomID,
		timeout: timeout,
		now:     time.Now,
		newID:   ids.MustULID,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RoomID returns the room this store belongs to.
func (s *MessageStore) RoomID() int64 { return s.roomID }

// Len returns the number of entries.
func (s *MessageStore) Len() int { return len(s.msgs) }

// Seeded reports whether the first history page was applied.
func (s *MessageStore) Seeded() bool { return s.seeded }

// Seed applies the first history page. It runs at most once per store; later calls are
// ignored and return false. Live entries already present are kept and deduplicated.
func (s *MessageStore) Seed(history []Message) bool {
	if s.seeded {
		return false
	}
	s.seeded = true
	for _, m := range history {
		s.mergeConfirmed(m, false)
	}
	return true
}

// MergeHistory merges an older history page and returns the number of entries added.
func (s *MessageStore) MergeHistory(page []Message) int {
	n := 0
	for _, m := range page {
		if s.mergeConfirmed(m, false) {
			n++
		}
	}
	return n
}

// AppendLive applies a broadcast message.
//
// The oldest pending entry with the same sender and content younger than the timeout is
// confirmed in place: it keeps its LocalID and takes the server id and createdAt. Otherwise m is
// inserted as a new confirmed entry. Broadcasts already present are ignored.
// It returns the resulting entry and whether a pending entry was confirmed.
func (s *MessageStore) AppendLive(m Message) (Message, bool) {
	if i := s.indexDuplicate(m); i >= 0 {
		return s.msgs[i], false
	}

	if i := s.matchPending(m); i >= 0 {
		p := s.msgs[i]
		p.ServerID = cloneID(m.ServerID)
		if !m.CreatedAt.IsZero() {
			p.CreatedAt = m.CreatedAt
		}
		p.Status = StatusConfirmed
		s.removeAt(i)
		s.insertSorted(p, true)
		return p, true
	}

	m = s.prepareConfirmed(m)
	s.insertSorted(m, true)
	return m, false
}

// AppendPending inserts a locally sent message with a fresh LocalID and status Pending.
// A zero CreatedAt takes the current time.
func (s *MessageStore) AppendPending(m Message) Message {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	m.LocalID = s.newID(m.CreatedAt)
	m.ServerID = nil
	m.Status = StatusPending
	if m.RoomID == 0 {
		m.RoomID = s.roomID
	}
	s.insertSorted(m, true)
	return m
}

// ExpirePending turns every pending entry older than the timeout into Failed and returns them.
func (s *MessageStore) ExpirePending() []Message {
	now := s.now()
	var out []Message
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.Status == StatusPending && now.Sub(m.CreatedAt) >= s.timeout {
			m.Status = StatusFailed
			out = append(out, *m)
		}
	}
	return out
}

// Get returns the entry with localID.
func (s *MessageStore) Get(localID string) (Message, bool) {
	if i := s.indexLocal(localID); i >= 0 {
		return s.msgs[i], true
	}
	return Message{}, false
}

// Remove deletes the entry with localID.
func (s *MessageStore) Remove(localID string) (Message, bool) {
	i := s.indexLocal(localID)
	if i < 0 {
		return Message{}, false
	}
	m := s.msgs[i]
	s.removeAt(i)
	return m, true
}

// Snapshot returns a copy of the entries, newest first.
func (s *MessageStore) Snapshot() []Message {
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		m.ServerID = cloneID(m.ServerID)
		out[i] = m
	}
	return out
}

// Oldest returns the oldest entry.
func (s *MessageStore) Oldest() (Message, bool) {
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

// CountStatus returns the number of entries with status st.
func (s *MessageStore) CountStatus(st Status) int {
	n := 0
	for _, m := range s.msgs {
		if m.Status == st {
			n++
		}
	}
	return n
}

// mergeConfirmed adds a history message unless it is already present. A pending entry it
// corresponds to is confirmed instead of duplicated.
func (s *MessageStore) mergeConfirmed(m Message, tiesFirst bool) bool {
	if s.indexDuplicate(m) >= 0 {
		return false
	}
	if i := s.matchPending(m); i >= 0 {
		p := s.msgs[i]
		p.ServerID = cloneID(m.ServerID)
		p.CreatedAt = m.CreatedAt
		p.Status = StatusConfirmed
		s.removeAt(i)
		s.insertSorted(p, tiesFirst)
		return false
	}
	s.insertSorted(s.prepareConfirmed(m), tiesFirst)
	return true
}

func (s *MessageStore) prepareConfirmed(m Message) Message {
	if m.RoomID == 0 {
		m.RoomID = s.roomID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if m.LocalID == "" || s.indexLocal(m.LocalID) >= 0 {
		m.LocalID = s.newID(m.CreatedAt)
	}
	m.ServerID = cloneID(m.ServerID)
	m.Status = StatusConfirmed
	return m
}

// indexDuplicate finds an entry that is the same server message as m: equal server id or,
// when m has none, a confirmed entry with the same sender, content and createdAt.
func (s *MessageStore) indexDuplicate(m Message) int {
	for i, e := range s.msgs {
		if m.HasServerID() {
			if e.sameServerID(m) {
				return i
			}
			continue
		}
		if e.Status == StatusConfirmed &&
			e.SenderProfileID == m.SenderProfileID &&
			e.Content == m.Content &&
			e.CreatedAt.Equal(m.CreatedAt) {
			return i
		}
	}
	return -1
}

// matchPending returns the oldest pending entry correlated with m, or -1.
func (s *MessageStore) matchPending(m Message) int {
	now := s.now()
	best := -1
	for i, e := range s.msgs {
		if e.Status != StatusPending ||
			e.SenderProfileID != m.SenderProfileID ||
			e.Content != m.Content ||
			now.Sub(e.CreatedAt) >= s.timeout {
			continue
		}
		if best < 0 || !e.CreatedAt.After(s.msgs[best].CreatedAt) {
			best = i
		}
	}
	return best
}

func (s *MessageStore) indexLocal(localID string) int {
	if localID == "" {
		return -1
	}
	for i, e := range s.msgs {
		if e.LocalID == localID {
			return i
		}
	}
	return -1
}

// insertSorted keeps newest-first order. With tiesFirst, m goes before entries of equal
// createdAt (live arrival order); otherwise after them (history page order).
func (s *MessageStore) insertSorted(m Message, tiesFirst bool) {
	i := 0
	for ; i < len(s.msgs); i++ {
		c := s.msgs[i].CreatedAt
		if c.Before(m.CreatedAt) || (tiesFirst && c.Equal(m.CreatedAt)) {
			break
		}
	}
	s.msgs = append(s.msgs, Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
}

func (s *MessageStore) removeAt(i int) {
	copy(s.msgs[i:], s.msgs[i+1:])
	s.msgs[len(s.msgs)-1] = Message{}
	s.msgs = s.msgs[:len(s.msgs)-1]
}

func cloneID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
