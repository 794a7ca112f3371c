package broker

import (
	v1 "tuitui/shared/contracts/chat/v1"
)

// toWire renders a stored message the way room topics and the history API carry it.
func toWire(m StoredMessage) v1.WireMessage {
	id := m.ChatContentID
	return v1.WireMessage{
		ChatContentID:     &id,
		RoomID:            m.RoomID,
		SenderProfileID:   m.SenderProfileID,
		ReceiverProfileID: m.ReceiverProfileID,
		Content:           m.Content,
		CreatedAt:         v1.NewTimestamp(m.CreatedAt),
		MessageType:       v1.MessageTypeChat,
	}
}

func roomToWire(r Room) v1.ChatRoom {
	return v1.ChatRoom{RoomID: r.RoomID, HostProfileID: r.HostProfileID, GuestProfileID: r.GuestProfileID}
}
