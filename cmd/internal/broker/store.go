package broker

import (
	"context"
	"errors"
	"time"
)

// ErrRoomNotFound is returned for operations on an unknown room.
var ErrRoomNotFound = errors.New("room not found")

// StoredMessage is the canonical persisted chat message.
type StoredMessage struct {
	ChatContentID     int64
	RoomID            int64
	SenderProfileID   int64
	ReceiverProfileID int64
	Content           string
	CreatedAt         time.Time
}

// Room is a persisted 1:1 chat room.
type Room struct {
	RoomID         int64
	HostProfileID  int64
	GuestProfileID int64
	CreatedAt      time.Time
}

// MessageStore persists rooms and messages.
//
// Requirements:
//   - chat_content_id is monotonic per room
//   - FetchHistory pages newest first: page 0 holds the most recent pageSize messages
//   - CreateRoom is idempotent per unordered profile pair
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (StoredMessage, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) ([]StoredMessage, error)
	CreateRoom(ctx context.Context, hostProfileID, guestProfileID int64) (Room, error)
	ListRooms(ctx context.Context, profileID int64) ([]Room, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	RoomID            int64
	SenderProfileID   int64
	ReceiverProfileID int64
	Content           string
	Now               time.Time
}

// FetchHistoryInput selects one history page.
type FetchHistoryInput struct {
	RoomID   int64
	PageNo   int
	PageSize int
}

func (in FetchHistoryInput) normalized() FetchHistoryInput {
	if in.PageNo < 0 {
		in.PageNo = 0
	}
	if in.PageSize <= 0 {
		in.PageSize = defaultPageSize
	}
	if in.PageSize > maxPageSize {
		in.PageSize = maxPageSize
	}
	return in
}

func validAppend(in AppendMessageInput) error {
	if in.RoomID <= 0 || in.SenderProfileID <= 0 || in.Content == "" {
		return errors.New("invalid input")
	}
	return nil
}

func validPair(host, guest int64) error {
	if host <= 0 || guest <= 0 {
		return errors.New("host and guest profile ids required")
	}
	if host == guest {
		return errors.New("host and guest must differ")
	}
	return nil
}
