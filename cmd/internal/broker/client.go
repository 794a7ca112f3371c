package broker

import (
	"sync"
)

// Client is one STOMP session on a websocket connection.
//
// Send is never closed by the server, so concurrent broadcasters cannot panic; done signals
// shutdown and Close is idempotent.
type Client struct {
	SessionID string
	Send      chan []byte

	// subscription id -> room id
	mu   sync.Mutex
	subs map[string]int64

	kill      func()
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan []byte, sendQueueSize),
		subs:      make(map[string]int64),
		done:      make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// addSub records a subscription; it returns false when id is already in use.
func (c *Client) addSub(id string, roomID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; ok {
		return false
	}
	c.subs[id] = roomID
	return true
}

func (c *Client) removeSub(id string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	roomID, ok := c.subs[id]
	delete(c.subs, id)
	return roomID, ok
}

// takeSubs clears and returns all subscriptions.
func (c *Client) takeSubs() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.subs
	c.subs = make(map[string]int64)
	return out
}

// enqueue hands a frame to the writer without blocking.
func (c *Client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- b:
		return true
	default:
		return false
	}
}
