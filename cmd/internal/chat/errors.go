package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyContent is returned by Publisher.Send for empty or whitespace-only content.
	ErrEmptyContent = errors.New("empty content")

	// ErrContentTooLong is returned by Publisher.Send when content exceeds the wire limit.
	ErrContentTooLong = errors.New("content too long")

	// ErrNotStarted is returned by ConnectionManager.Send before Start or after Stop.
	ErrNotStarted = errors.New("connection not started")

	// ErrRoomNotOpen is returned for operations on a room without a live session.
	ErrRoomNotOpen = errors.New("room not open")

	// ErrMailboxClosed is returned when submitting to a closed room mailbox.
	ErrMailboxClosed = errors.New("mailbox closed")

	// ErrMailboxFull is returned by a non-blocking submit into a full room mailbox.
	ErrMailboxFull = errors.New("mailbox full")

	// ErrMessageNotFound is returned by Resend for an unknown local id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrNotFailed is returned by Resend for a message that is not in the Failed state.
	ErrNotFailed = errors.New("message not failed")

	// ErrHandshake is the Kind of a TransportError raised while establishing the STOMP session.
	ErrHandshake = errors.New("stomp handshake failed")
)

// TransportError is a socket-level failure. It drives the reconnect loop and is never
// surfaced per message.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a malformed frame. It is logged and dropped; connection state is unaffected.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// HistoryFetchError is a failed history page request. Callers may retry it.
type HistoryFetchError struct {
	RoomID int64
	PageNo int
	Status int
	Err    error
}

func (e *HistoryFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("history room=%d page=%d: status %d: %v", e.RoomID, e.PageNo, e.Status, e.Err)
	}
	return fmt.Sprintf("history room=%d page=%d: %v", e.RoomID, e.PageNo, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failed fetch may succeed when repeated.
func (e *HistoryFetchError) Retryable() bool { return true }

// PublishTimeout describes a pending message that was not confirmed in time.
type PublishTimeout struct {
	RoomID  int64
	LocalID string
	After   time.Duration
}

func (e *PublishTimeout) Error() string {
	return fmt.Sprintf("publish room=%d local_id=%s: not confirmed after %s", e.RoomID, e.LocalID, e.After)
}

// AuthError is an authentication failure reported by the backend. It is opaque to the engine,
// forwarded to the session collaborator and never retried here.
type AuthError struct {
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: status %d", e.Status)
	}
	return fmt.Sprintf("auth: status %d: %v", e.Status, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RoomError is a fatal failure while opening a room.
type RoomError struct {
	RoomID int64
	Op     string
	Err    error
}

func (e *RoomError) Error() string {
	return fmt.Sprintf("room %d %s: %v", e.RoomID, e.Op, e.Err)
}

func (e *RoomError) Unwrap() error { return e.Err }

// IsAuthError reports whether err carries an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsProtocolError reports whether err carries a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsRetryable reports whether a room-level operation failing with err may be attempted again.
func IsRetryable(err error) bool {
	if err == nil || IsAuthError(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var he *HistoryFetchError
	if errors.As(err, &he) {
		return he.Retryable()
	}
	return true
}
