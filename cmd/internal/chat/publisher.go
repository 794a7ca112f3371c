package chat

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	v1 "tuitui/shared/contracts/chat/v1"
)

// Publisher validates outgoing messages, records them as pending and hands them to the
// connection. There is no protocol ack: success means written or queued, not delivered.
type Publisher struct {
	conn  *ConnectionManager
	codec FrameCodec
	log   *slog.Logger
}

// NewPublisher constructs a publisher writing through conn.
func NewPublisher(conn *ConnectionManager, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{conn: conn, log: log}
}

// Send publishes content to the room of s as senderProfileID and returns the pending entry.
func (p *Publisher) Send(ctx context.Context, s *RoomSession, content string, senderProfileID, receiverProfileID int64) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > v1.MaxContentChars {
		return Message{}, ErrContentTooLong
	}

	roomID := s.RoomID()
	body, err := p.codec.Encode(content, senderProfileID, receiverProfileID, roomID)
	if err != nil {
		return Message{}, err
	}

	var pending Message
	if err := s.mb.call(ctx, func(st *MessageStore) {
		pending = st.AppendPending(Message{
			RoomID:            roomID,
			SenderProfileID:   senderProfileID,
			ReceiverProfileID: receiverProfileID,
			Content:           content,
		})
	}); err != nil {
		return Message{}, err
	}

	if err := p.conn.Send(sendFrame(body)); err != nil {
		p.log.Warn("publish.send.fail", "room_id", roomID, "local_id", pending.LocalID, "err", err)
		_ = s.mb.call(ctx, func(st *MessageStore) {
			if i := st.indexLocal(pending.LocalID); i >= 0 && st.msgs[i].Status == StatusPending {
				st.msgs[i].Status = StatusFailed
			}
		})
		return pending, err
	}

	p.log.Debug("publish.queued", "room_id", roomID, "local_id", pending.LocalID)
	return pending, nil
}

// Resend removes the failed entry localID and publishes its content again as a new pending entry.
func (p *Publisher) Resend(ctx context.Context, s *RoomSession, localID string) (Message, error) {
	var (
		old    Message
		resErr error
	)
	if err := s.mb.call(ctx, func(st *MessageStore) {
		m, ok := st.Get(localID)
		switch {
		case !ok:
			resErr = ErrMessageNotFound
		case m.Status != StatusFailed:
			resErr = ErrNotFailed
		default:
			old, _ = st.Remove(localID)
		}
	}); err != nil {
		return Message{}, err
	}
	if resErr != nil {
		return Message{}, resErr
	}
	s.clearTimeout(localID)

	return p.Send(ctx, s, old.Content, old.SenderProfileID, old.ReceiverProfileID)
}
