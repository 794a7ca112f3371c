package broker

import (
	"log/slog"
	"sync"
)

type member struct {
	client *Client
	subID  string
}

// Topic is the subscriber set of one room destination.
//
// Add/Remove are safe under concurrent Broadcast. Broadcast never blocks: a member whose queue
// is full misses the frame.
type Topic struct {
	log    *slog.Logger
	RoomID int64

	mu      sync.RWMutex
	members map[string]member // session_id/sub_id -> member
}

// NewTopic constructs an empty topic.
func NewTopic(log *slog.Logger, roomID int64) *Topic {
	return &Topic{log: log, RoomID: roomID, members: make(map[string]member)}
}

func memberKey(sessionID, subID string) string { return sessionID + "/" + subID }

// Add registers a subscription of client under subID.
func (t *Topic) Add(client *Client, subID string) {
	t.mu.Lock()
	t.members[memberKey(client.SessionID, subID)] = member{client: client, subID: subID}
	t.mu.Unlock()
	t.log.Debug("topic.member.add", "room_id", t.RoomID, "session_id", client.SessionID, "sub_id", subID)
}

// Remove drops one subscription.
func (t *Topic) Remove(sessionID, subID string) {
	t.mu.Lock()
	delete(t.members, memberKey(sessionID, subID))
	t.mu.Unlock()
	t.log.Debug("topic.member.remove", "room_id", t.RoomID, "session_id", sessionID, "sub_id", subID)
}

// Len returns the number of subscriptions.
func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Broadcast renders a frame per subscription and enqueues it. It returns the deliveries made.
func (t *Topic) Broadcast(render func(subID string) ([]byte, error)) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, m := range t.members {
		b, err := render(m.subID)
		if err != nil {
			t.log.Error("topic.render.fail", "room_id", t.RoomID, "err", err)
			continue
		}
		if m.client.enqueue(b) {
			n++
		}
	}
	return n
}
