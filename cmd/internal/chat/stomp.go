package chat

import (
	"bytes"
	"errors"
	"strconv"

	"github.com/go-stomp/stomp/v3/frame"

	v1 "tuitui/shared/contracts/chat/v1"
)

// STOMP header names used on the wire.
const (
	hdrAcceptVersion = "accept-version"
	hdrHost          = "host"
	hdrHeartBeat     = "heart-beat"
	hdrAuthorization = "Authorization"
	hdrDestination   = "destination"
	hdrID            = "id"
	hdrSubscription  = "subscription"
	hdrContentType   = "content-type"
	hdrMessage       = "message"
	hdrVersion       = "version"
)

const stompAcceptVersions = "1.2,1.1,1.0"

// stompSubprotocols are offered during the WebSocket handshake (SockJS/Spring naming).
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// encodeFrame serializes one STOMP frame (one frame per WebSocket message).
func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeFrame parses one STOMP frame. A bare EOL is a heart-beat: (nil, nil).
func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, &ProtocolError{Reason: "bad stomp frame", Err: err}
	}
	if f == nil {
		return nil, nil
	}
	return f, nil
}

func connectFrame(host, token string) *frame.Frame {
	f := frame.New(frame.CONNECT,
		hdrAcceptVersion, stompAcceptVersions,
		hdrHost, host,
		hdrHeartBeat, "0,0",
	)
	if token != "" {
		f.Header.Add(hdrAuthorization, "Bearer "+token)
	}
	return f
}

func subscriptionID(roomID int64) string {
	return "sub-" + strconv.FormatInt(roomID, 10)
}

func subscribeFrame(roomID int64) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		hdrID, subscriptionID(roomID),
		hdrDestination, v1.RoomTopic(roomID),
	)
}

func unsubscribeFrame(roomID int64) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, hdrID, subscriptionID(roomID))
}

func sendFrame(body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		hdrDestination, v1.PublishDestination,
		hdrContentType, "application/json",
	)
	f.Body = body
	return f
}

func disconnectFrame() *frame.Frame {
	return frame.New(frame.DISCONNECT)
}

// errorFrameErr converts a server ERROR frame into a ProtocolError.
func errorFrameErr(f *frame.Frame) error {
	msg := f.Header.Get(hdrMessage)
	if msg == "" {
		msg = string(f.Body)
	}
	if msg == "" {
		msg = "unspecified"
	}
	return &ProtocolError{Reason: "server error frame", Err: errors.New(msg)}
}

// InboundFrame is a MESSAGE frame delivered to OnFrame handlers.
type InboundFrame struct {
	Destination  string
	Subscription string
	Body         []byte
}

func inboundFromFrame(f *frame.Frame) InboundFrame {
	return InboundFrame{
		Destination:  f.Header.Get(hdrDestination),
		Subscription: f.Header.Get(hdrSubscription),
		Body:         f.Body,
	}
}
