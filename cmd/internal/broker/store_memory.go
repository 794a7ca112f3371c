package broker

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is the default store when no database is configured.
type InMemoryStore struct {
	mu       sync.Mutex
	nextRoom int64
	rooms    map[int64]*memRoom
	pairs    map[[2]int64]int64 // ordered profile pair -> room id
}

type memRoom struct {
	room   Room
	nextID int64
	msgs   []StoredMessage // ascending chat_content_id
}

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rooms: make(map[int64]*memRoom),
		pairs: make(map[[2]int64]int64),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func pairKey(a, b int64) [2]int64 {
	if a > b {
		a, b = b, a
	}
	return [2]int64{a, b}
}

// CreateRoom returns the room of the pair, creating it on first use.
func (s *InMemoryStore) CreateRoom(ctx context.Context, hostProfileID, guestProfileID int64) (Room, error) {
	if err := validPair(hostProfileID, guestProfileID); err != nil {
		return Room{}, err
	}
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(hostProfileID, guestProfileID)
	if id, ok := s.pairs[key]; ok {
		return s.rooms[id].room, nil
	}
	s.nextRoom++
	r := Room{
		RoomID:         s.nextRoom,
		HostProfileID:  hostProfileID,
		GuestProfileID: guestProfileID,
		CreatedAt:      time.Now().UTC(),
	}
	s.rooms[r.RoomID] = &memRoom{room: r, nextID: 1}
	s.pairs[key] = r.RoomID
	return r, nil
}

// ListRooms returns the rooms profileID takes part in, by room id.
func (s *InMemoryStore) ListRooms(ctx context.Context, profileID int64) ([]Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Room
	for id := int64(1); id <= s.nextRoom; id++ {
		r, ok := s.rooms[id]
		if !ok {
			continue
		}
		if r.room.HostProfileID == profileID || r.room.GuestProfileID == profileID {
			out = append(out, r.room)
		}
	}
	return out, nil
}

// AppendMessage persists a message and allocates its chat_content_id.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (StoredMessage, error) {
	if err := validAppend(in); err != nil {
		return StoredMessage{}, err
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok {
		return StoredMessage{}, ErrRoomNotFound
	}
	m := StoredMessage{
		ChatContentID:     r.nextID,
		RoomID:            in.RoomID,
		SenderProfileID:   in.SenderProfileID,
		ReceiverProfileID: in.ReceiverProfileID,
		Content:           in.Content,
		CreatedAt:         now,
	}
	r.nextID++
	r.msgs = append(r.msgs, m)

	// Bound memory in dev.
	if over := len(r.msgs) - memMaxMessagesPerRoom; over > 0 {
		r.msgs = r.msgs[over:]
	}
	return m, nil
}

// FetchHistory returns one page, newest first.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) ([]StoredMessage, error) {
	in = in.normalized()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[in.RoomID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	end := len(r.msgs) - in.PageNo*in.PageSize
	if end <= 0 {
		return []StoredMessage{}, nil
	}
	start := max(end-in.PageSize, 0)

	out := make([]StoredMessage, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, r.msgs[i])
	}
	return out, nil
}
