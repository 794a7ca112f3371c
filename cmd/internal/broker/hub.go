// Package broker is the tuitui development backend: a STOMP-over-WebSocket gateway with
// room topics, message persistence and the chat REST API.
package broker

import (
	"log/slog"
	"sync"
)

// Hub owns the room topics and the connected clients.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	mu         sync.RWMutex
	topics     map[int64]*Topic
	clients    map[string]*Client
	subscribes map[int64]int
}

// NewHub constructs an empty hub.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:        log,
		metrics:    metrics,
		topics:     make(map[int64]*Topic),
		clients:    make(map[string]*Client),
		subscribes: make(map[int64]int),
	}
}

func (h *Hub) topic(roomID int64, create bool) *Topic {
	if !create {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.topics[roomID]
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[roomID]
	if !ok {
		t = NewTopic(h.log, roomID)
		h.topics[roomID] = t
	}
	return t
}

// Register tracks a connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.SessionID] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.setConnections(n)
}

// Unregister drops every subscription of c and forgets it.
func (h *Hub) Unregister(c *Client) {
	for subID, roomID := range c.takeSubs() {
		if t := h.topic(roomID, false); t != nil {
			t.Remove(c.SessionID, subID)
		}
	}
	h.mu.Lock()
	delete(h.clients, c.SessionID)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.setConnections(n)
}

// Subscribe adds c to the topic of roomID under subID. A subID already in use on this
// session is rejected.
func (h *Hub) Subscribe(c *Client, roomID int64, subID string) bool {
	if !c.addSub(subID, roomID) {
		return false
	}
	h.topic(roomID, true).Add(c, subID)

	h.mu.Lock()
	h.subscribes[roomID]++
	h.mu.Unlock()
	h.metrics.subscribed()
	return true
}

// Unsubscribe removes the subscription subID of c.
func (h *Hub) Unsubscribe(c *Client, subID string) bool {
	roomID, ok := c.removeSub(subID)
	if !ok {
		return false
	}
	if t := h.topic(roomID, false); t != nil {
		t.Remove(c.SessionID, subID)
	}
	return true
}

// Broadcast fans a rendered frame out to every subscription of roomID.
func (h *Hub) Broadcast(roomID int64, render func(subID string) ([]byte, error)) int {
	t := h.topic(roomID, false)
	if t == nil {
		return 0
	}
	n := t.Broadcast(render)
	h.metrics.fanout(n)
	return n
}

// SubscribeCount returns the number of SUBSCRIBE frames accepted for roomID since start.
func (h *Hub) SubscribeCount(roomID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subscribes[roomID]
}

// Subscribers returns the current number of subscriptions of roomID.
func (h *Hub) Subscribers(roomID int64) int {
	t := h.topic(roomID, false)
	if t == nil {
		return 0
	}
	return t.Len()
}

// Connections returns the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DropConnections aborts every websocket connection and returns how many were dropped.
func (h *Hub) DropConnections() int {
	h.mu.RLock()
	cs := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		cs = append(cs, c)
	}
	h.mu.RUnlock()

	for _, c := range cs {
		if c.kill != nil {
			c.kill()
		}
	}
	h.log.Info("hub.drop.connections", "count", len(cs))
	return len(cs)
}
