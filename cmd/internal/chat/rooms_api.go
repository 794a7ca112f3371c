package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/samber/lo"

	v1 "tuitui/shared/contracts/chat/v1"
)

// RoomDirectory lists and creates chat rooms. Rooms are never mutated by the engine.
type RoomDirectory struct {
	rest *RESTClient
}

// NewRoomDirectory constructs a directory on top of a shared REST client.
func NewRoomDirectory(rest *RESTClient) *RoomDirectory {
	return &RoomDirectory{rest: rest}
}

// ListRooms returns the rooms profileID takes part in.
func (d *RoomDirectory) ListRooms(ctx context.Context, profileID int64) ([]ChatRoom, error) {
	if profileID <= 0 {
		return nil, errors.New("profile id required")
	}
	var resp v1.Response[[]v1.ChatRoom]
	if err := d.rest.do(ctx, http.MethodGet, fmt.Sprintf("/api/chat/rooms/%d", profileID), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return lo.Map(resp.Data, func(r v1.ChatRoom, _ int) ChatRoom { return roomFromWire(r) }), nil
}

// CreateRoom creates (or returns the existing) room between host and guest.
func (d *RoomDirectory) CreateRoom(ctx context.Context, hostProfileID, guestProfileID int64) (ChatRoom, error) {
	if hostProfileID <= 0 || guestProfileID <= 0 {
		return ChatRoom{}, errors.New("host and guest profile ids required")
	}
	if hostProfileID == guestProfileID {
		return ChatRoom{}, errors.New("host and guest must differ")
	}
	req := v1.CreateRoomRequest{HostProfileID: hostProfileID, GuestProfileID: guestProfileID}
	var resp v1.Response[v1.ChatRoom]
	if err := d.rest.do(ctx, http.MethodPost, "/api/chat/rooms", nil, req, &resp); err != nil {
		return ChatRoom{}, fmt.Errorf("create room: %w", err)
	}
	if resp.Data.RoomID <= 0 {
		return ChatRoom{}, &ProtocolError{Reason: "create room: missing roomId"}
	}
	return roomFromWire(resp.Data), nil
}

func roomFromWire(r v1.ChatRoom) ChatRoom {
	return ChatRoom{RoomID: r.RoomID, HostProfileID: r.HostProfileID, GuestProfileID: r.GuestProfileID}
}
