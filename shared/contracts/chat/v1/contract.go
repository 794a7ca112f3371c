// Package v1 defines the tuitui chat wire contract (STOMP destinations and JSON bodies).
//
// This package is dependency-light and shared between the client engine, the dev broker
// and the smoke tooling so the wire format stays authoritative in one place.
package v1

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Destinations (wire-stable).
const (
	// EndpointPath is the WebSocket path of the STOMP endpoint.
	EndpointPath = "/ws-stomp"

	// SubscribePrefix prefixes every room topic (client SUBSCRIBE, server MESSAGE).
	SubscribePrefix = "/sub/chat/room/"

	// PublishDestination receives every outgoing chat message (client SEND).
	PublishDestination = "/pub/chat/message"

	// MessageTypeChat is the only message type the mobile client emits.
	MessageTypeChat = "CHAT"
)

// MaxContentChars bounds the message text length (runes).
const MaxContentChars = 4000

// RoomTopic returns the deterministic topic of a room.
func RoomTopic(roomID int64) string {
	return SubscribePrefix + strconv.FormatInt(roomID, 10)
}

// RoomIDFromTopic parses a room topic back into its room id.
func RoomIDFromTopic(dest string) (int64, error) {
	dest = strings.TrimSpace(dest)
	if !strings.HasPrefix(dest, SubscribePrefix) {
		return 0, fmt.Errorf("not a room topic: %q", dest)
	}
	raw := strings.TrimPrefix(dest, SubscribePrefix)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid room id in topic: %q", dest)
	}
	return id, nil
}

// PublishPayload is the canonical body of a SEND to PublishDestination.
type PublishPayload struct {
	Content           string `json:"content"`
	SenderProfileID   int64  `json:"senderProfileId"`
	ReceiverProfileID int64  `json:"receiverProfileId"`
	RoomID            int64  `json:"roomId"`
	MessageType       string `json:"messageType"`
}

// Validate performs strict structural validation for a PublishPayload.
func (p PublishPayload) Validate() error {
	if strings.TrimSpace(p.Content) == "" {
		return errors.New("missing field: content")
	}
	if len([]rune(p.Content)) > MaxContentChars {
		return fmt.Errorf("content too long: max=%d chars", MaxContentChars)
	}
	if p.SenderProfileID <= 0 {
		return errors.New("missing field: senderProfileId")
	}
	if p.ReceiverProfileID <= 0 {
		return errors.New("missing field: receiverProfileId")
	}
	if p.RoomID <= 0 {
		return errors.New("missing field: roomId")
	}
	if p.MessageType != MessageTypeChat {
		return fmt.Errorf("unsupported messageType: %q", p.MessageType)
	}
	return nil
}

// WireMessage is a chat message as broadcast on a room topic or returned by the history API.
//
// Older servers send the text under "message" instead of "content"; Text() hides the difference.
type WireMessage struct {
	ChatContentID     *int64    `json:"chatContentId,omitempty"`
	RoomID            int64     `json:"roomId,omitempty"`
	SenderProfileID   int64     `json:"senderProfileId"`
	ReceiverProfileID int64     `json:"receiverProfileId,omitempty"`
	Content           string    `json:"content,omitempty"`
	Message           string    `json:"message,omitempty"`
	CreatedAt         Timestamp `json:"createdAt"`
	MessageType       string    `json:"messageType,omitempty"`
}

// Text returns the message text, preferring "content" over the legacy "message" field.
func (m WireMessage) Text() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Message
}

// Validate checks the fields the client engine relies on.
func (m WireMessage) Validate() error {
	if m.SenderProfileID <= 0 {
		return errors.New("missing field: senderProfileId")
	}
	if strings.TrimSpace(m.Text()) == "" {
		return errors.New("missing field: content")
	}
	if m.CreatedAt.IsZero() {
		return errors.New("missing field: createdAt")
	}
	return nil
}
