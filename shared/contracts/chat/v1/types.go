package v1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ---- REST bodies ----

// Response is the envelope every tuitui REST endpoint wraps its payload in.
type Response[T any] struct {
	Data T `json:"data"`
}

// HistoryPage is the payload of GET /api/chat/rooms/{roomId}/messages.
type HistoryPage struct {
	Contents []WireMessage `json:"contents"`
}

// ChatRoom identifies a 1:1 conversation.
type ChatRoom struct {
	RoomID         int64 `json:"roomId"`
	HostProfileID  int64 `json:"hostProfileId"`
	GuestProfileID int64 `json:"guestProfileId"`
}

// Peer returns the other participant of the room as seen by profileID.
func (r ChatRoom) Peer(profileID int64) int64 {
	if r.HostProfileID == profileID {
		return r.GuestProfileID
	}
	return r.HostProfileID
}

// CreateRoomRequest is the body of POST /api/chat/rooms.
type CreateRoomRequest struct {
	HostProfileID  int64 `json:"hostProfileId"`
	GuestProfileID int64 `json:"guestProfileId"`
}

// TokenPair is the payload of GET /api/token?grant_type=refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// ErrorBody is a generic REST error payload.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---- timestamps ----

// Timestamp is a createdAt value as produced by the chat backend.
//
// Accepted encodings: RFC3339 (with or without fraction), zone-less ISO-8601 local date-time
// (interpreted as UTC), "2006-01-02 15:04:05", and epoch milliseconds as a JSON number.
// It always encodes as RFC3339Nano in UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// NewTimestamp wraps t (normalized to UTC).
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// ParseTimestamp parses the textual forms accepted by Timestamp.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return NewTimestamp(t), nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return NewTimestamp(time.UnixMilli(ms)), nil
	}
	return Timestamp{}, fmt.Errorf("unsupported timestamp: %q", s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		*t = parsed
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("unsupported timestamp: %s", b)
	}
	*t = NewTimestamp(time.UnixMilli(ms))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
