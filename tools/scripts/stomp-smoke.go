// Package main provides a CI-friendly STOMP smoke test for a tuitui broker.
//
// It validates:
//   - room creation over REST
//   - WebSocket handshake + STOMP subprotocol selection
//   - CONNECT/CONNECTED for two clients
//   - SUBSCRIBE with receipts
//   - SEND fanout to both subscribers
//   - history fetch returning the sent message
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "tuitui/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name string
	conn *websocket.Conn
}

func main() {
	var (
		apiURL  = flag.String("url", "http://127.0.0.1:8080", "broker base URL")
		token   = flag.String("token", "", "bearer token (optional)")
		host    = flag.Int64("host", 1, "host profile id")
		guest   = flag.Int64("guest", 2, "guest profile id")
		text    = flag.String("text", "hello tuitui 👋", "message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	base, err := url.Parse(strings.TrimRight(*apiURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fatalf("invalid -url: %q", *apiURL)
	}
	wsURL := *base
	wsURL.Scheme = map[string]string{"http": "ws", "https": "wss"}[base.Scheme]
	wsURL.Path = v1.EndpointPath

	root := context.Background()

	room := mustCreateRoom(root, base.String(), *token, *host, *guest, *timeout)
	if *verbose {
		fmt.Printf("room created: %d\n", room.RoomID)
	}

	a := mustConnect(root, "A", wsURL.String(), base.Host, *token, *timeout)
	defer closeWS(a.conn)
	b := mustConnect(root, "B", wsURL.String(), base.Host, *token, *timeout)
	defer closeWS(b.conn)

	mustSubscribe(root, a, room.RoomID, *timeout)
	mustSubscribe(root, b, room.RoomID, *timeout)

	body, err := json.Marshal(v1.PublishPayload{
		Content:           *text,
		SenderProfileID:   *host,
		ReceiverProfileID: *guest,
		RoomID:            room.RoomID,
		MessageType:       v1.MessageTypeChat,
	})
	if err != nil {
		fatalf("encode payload: %v", err)
	}
	f := frame.New(frame.SEND, frame.Destination, v1.PublishDestination, frame.ContentType, "application/json")
	f.Body = body
	mustWrite(root, a, f, *timeout)

	var sent v1.WireMessage
	for _, c := range []*smokeClient{a, b} {
		msg := mustReadCommand(root, c, frame.MESSAGE, *timeout)
		if got := msg.Header.Get(frame.Destination); got != v1.RoomTopic(room.RoomID) {
			fatalf("[%s] MESSAGE destination=%q", c.name, got)
		}
		var wm v1.WireMessage
		if err := json.Unmarshal(msg.Body, &wm); err != nil {
			fatalf("[%s] decode MESSAGE: %v", c.name, err)
		}
		if wm.Content != *text || wm.SenderProfileID != *host || wm.ChatContentID == nil {
			fatalf("[%s] unexpected MESSAGE body: %s", c.name, msg.Body)
		}
		sent = wm
	}
	if *verbose {
		fmt.Printf("fanout ok: chatContentId=%d\n", *sent.ChatContentID)
	}

	page := mustHistory(root, base.String(), *token, room.RoomID, *timeout)
	found := false
	for _, m := range page.Contents {
		if m.ChatContentID != nil && *m.ChatContentID == *sent.ChatContentID && m.Content == *text {
			found = true
		}
	}
	if !found {
		fatalf("history missing chatContentId=%d", *sent.ChatContentID)
	}

	for _, c := range []*smokeClient{a, b} {
		_ = writeFrame(root, c, frame.New(frame.DISCONNECT), *timeout)
	}
	fmt.Println("OK")
}

func mustCreateRoom(ctx context.Context, base, token string, hostID, guestID int64, timeout time.Duration) v1.ChatRoom {
	body, _ := json.Marshal(v1.CreateRoomRequest{HostProfileID: hostID, GuestProfileID: guestID})
	var out v1.Response[v1.ChatRoom]
	if err := doJSON(ctx, http.MethodPost, base+"/api/chat/rooms", token, bytes.NewReader(body), &out, timeout); err != nil {
		fatalf("create room: %v", err)
	}
	if out.Data.RoomID <= 0 {
		fatalf("create room: missing roomId")
	}
	return out.Data
}

func mustHistory(ctx context.Context, base, token string, roomID int64, timeout time.Duration) v1.HistoryPage {
	u := fmt.Sprintf("%s/api/chat/rooms/%d/messages?pageNo=0&pageSize=20&sortBy=createdAt", base, roomID)
	var out v1.Response[v1.HistoryPage]
	if err := doJSON(ctx, http.MethodGet, u, token, nil, &out, timeout); err != nil {
		fatalf("history: %v", err)
	}
	return out.Data
}

func doJSON(parent context.Context, method, u, token string, body io.Reader, dst any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return json.Unmarshal(raw, dst)
}

func mustConnect(parent context.Context, name, wsURL, host, token string, timeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader:   hdr,
		Subprotocols: []string{"v12.stomp", "v11.stomp", "v10.stomp"},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("[%s] dial: %v", name, err)
	}
	conn.SetReadLimit(maxReadBytes)
	if !strings.HasSuffix(conn.Subprotocol(), ".stomp") {
		closeWS(conn)
		fatalf("[%s] unexpected subprotocol %q", name, conn.Subprotocol())
	}

	c := &smokeClient{name: name, conn: conn}
	args := []string{frame.AcceptVersion, "1.2,1.1,1.0", frame.Host, host, frame.HeartBeat, "0,0"}
	if token != "" {
		args = append(args, "Authorization", "Bearer "+token)
	}
	mustWrite(parent, c, frame.New(frame.CONNECT, args...), timeout)
	connected := mustReadCommand(parent, c, frame.CONNECTED, timeout)
	if v := connected.Header.Get(frame.Version); v == "" {
		fatalf("[%s] CONNECTED without version", name)
	}
	return c
}

func mustSubscribe(ctx context.Context, c *smokeClient, roomID int64, timeout time.Duration) {
	subID := fmt.Sprintf("sub-%s-%d", strings.ToLower(c.name), roomID)
	mustWrite(ctx, c, frame.New(frame.SUBSCRIBE,
		frame.Id, subID,
		frame.Destination, v1.RoomTopic(roomID),
		frame.Receipt, "r-"+subID,
	), timeout)
	r := mustReadCommand(ctx, c, frame.RECEIPT, timeout)
	if got := r.Header.Get(frame.ReceiptId); got != "r-"+subID {
		fatalf("[%s] receipt-id=%q want %q", c.name, got, "r-"+subID)
	}
}

func mustWrite(ctx context.Context, c *smokeClient, f *frame.Frame, timeout time.Duration) {
	if err := writeFrame(ctx, c, f, timeout); err != nil {
		fatalf("[%s] write %s: %v", c.name, f.Command, err)
	}
}

func writeFrame(parent context.Context, c *smokeClient, f *frame.Frame, timeout time.Duration) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, buf.Bytes())
}

// mustReadCommand reads frames until one with cmd arrives, skipping heartbeats.
func mustReadCommand(parent context.Context, c *smokeClient, cmd string, timeout time.Duration) *frame.Frame {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			fatalf("[%s] waiting for %s: %v", c.name, cmd, err)
		}
		if len(bytes.Trim(data, "\r\n")) == 0 {
			continue
		}
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil {
			fatalf("[%s] decode frame: %v", c.name, err)
		}
		if f == nil {
			continue
		}
		if f.Command == frame.ERROR {
			fatalf("[%s] ERROR: %s %s", c.name, f.Header.Get(frame.Message), f.Body)
		}
		if f.Command == cmd {
			return f
		}
	}
}

func closeWS(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	err := conn.Close(websocket.StatusNormalClosure, "bye")
	if err != nil && !errors.Is(err, context.Canceled) {
		_ = conn.CloseNow()
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
