// Package chat contains the tuitui real-time chat session engine.
//
// One ConnectionManager owns the single STOMP-over-WebSocket transport of the app.
// RoomSubscription multiplexes room topics over it, HistoryLoader pages past messages over REST,
// and every open room serializes its MessageStore mutations through a single-writer mailbox.
package chat

import (
	"time"
)

// Status is the delivery status of a message in a room store.
type Status uint8

const (
	// StatusPending is a locally sent message awaiting its broadcast confirmation.
	StatusPending Status = iota
	// StatusConfirmed is a message known to the server.
	StatusConfirmed
	// StatusFailed is a pending message that was never confirmed within the timeout.
	StatusFailed
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is a chat message as held by a room store.
//
// LocalID is client-generated and stable for the lifetime of the entry.
// ServerID is set once the server has assigned an id (history or broadcast).
type Message struct {
	LocalID           string
	ServerID          *int64
	RoomID            int64
	SenderProfileID   int64
	ReceiverProfileID int64
	Content           string
	CreatedAt         time.Time
	Status            Status
}

// HasServerID reports whether the server id is known.
func (m Message) HasServerID() bool { return m.ServerID != nil }

// sameServerID reports whether both messages carry the same server id.
func (m Message) sameServerID(o Message) bool {
	return m.ServerID != nil && o.ServerID != nil && *m.ServerID == *o.ServerID
}

// ChatRoom identifies a 1:1 conversation; created by the room API and never mutated here.
type ChatRoom struct {
	RoomID         int64
	HostProfileID  int64
	GuestProfileID int64
}

// Peer returns the other participant of the room as seen by profileID.
func (r ChatRoom) Peer(profileID int64) int64 {
	if r.HostProfileID == profileID {
		return r.GuestProfileID
	}
	return r.HostProfileID
}
