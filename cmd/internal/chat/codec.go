package chat

import (
	"encoding/json"
	"unicode/utf8"

	v1 "tuitui/shared/contracts/chat/v1"
)

// FrameCodec converts between STOMP frame bodies and domain messages.
// It is stateless and safe for concurrent use.
type FrameCodec struct{}

// Decode parses a MESSAGE body (UTF-8 JSON) into a confirmed Message.
// Any failure is a *ProtocolError; callers log and drop the frame.
func (FrameCodec) Decode(body []byte) (Message, error) {
	if len(body) == 0 {
		return Message{}, &ProtocolError{Reason: "empty body"}
	}
	if !utf8.Valid(body) {
		return Message{}, &ProtocolError{Reason: "body is not valid utf-8"}
	}

	var w v1.WireMessage
	if err := json.Unmarshal(body, &w); err != nil {
		return Message{}, &ProtocolError{Reason: "bad json", Err: err}
	}
	if err := w.Validate(); err != nil {
		return Message{}, &ProtocolError{Reason: "bad message", Err: err}
	}
	return fromWire(w, w.RoomID), nil
}

// DecodeText is Decode for frames delivered as text.
func (c FrameCodec) DecodeText(s string) (Message, error) {
	return c.Decode([]byte(s))
}

// Encode produces the canonical publish payload.
func (FrameCodec) Encode(content string, senderProfileID, receiverProfileID, roomID int64) ([]byte, error) {
	p := v1.PublishPayload{
		Content:           content,
		SenderProfileID:   senderProfileID,
		ReceiverProfileID: receiverProfileID,
		RoomID:            roomID,
		MessageType:       v1.MessageTypeChat,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// fromWire maps a wire message to a confirmed domain message.
// roomID is used when the wire message does not carry one.
func fromWire(w v1.WireMessage, roomID int64) Message {
	m := Message{
		RoomID:            w.RoomID,
		SenderProfileID:   w.SenderProfileID,
		ReceiverProfileID: w.ReceiverProfileID,
		Content:           w.Text(),
		CreatedAt:         w.CreatedAt.UTC(),
		Status:            StatusConfirmed,
	}
	if m.RoomID == 0 {
		m.RoomID = roomID
	}
	if w.ChatContentID != nil {
		id := *w.ChatContentID
		m.ServerID = &id
	}
	return m
}
