package chat

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// Transport is one physical WebSocket connection carrying STOMP frames.
// Only ConnectionManager holds a Transport.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer opens new transports. Tests swap it to inject failures.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WSDialer dials with github.com/coder/websocket.
type WSDialer struct {
	HTTPClient *http.Client
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: stompSubprotocols,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode, Err: err}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	mt, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}
