// Package websocket serves the local status feed: every subscriber receives
// the current snapshot on connect and each update after it.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// TypeStatus frames carry a full status snapshot.
const TypeStatus = "status"

// Update is one frame of the status feed.
type Update struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

func NewUpdate(typ string, data any) Update {
	return Update{Type: typ, At: time.Now().UTC(), Data: data}
}

// Hub fans updates out to the subscribed clients.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]struct{}
	snapshot func() Update
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// SetSnapshot registers the function producing the first frame for new
// subscribers.
func (h *Hub) SetSnapshot(fn func() Update) {
	h.mu.Lock()
	h.snapshot = fn
	h.mu.Unlock()
}

// Register adds a client and queues the current snapshot for it.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	snapshot := h.snapshot
	h.mu.Unlock()

	if snapshot == nil {
		return
	}
	if data, ok := h.encode(snapshot()); ok {
		h.mu.RLock()
		if _, live := h.clients[c]; live {
			select {
			case c.send <- data:
			default:
			}
		}
		h.mu.RUnlock()
	}
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends u to every client. Slow clients miss updates rather
// than block the sender.
func (h *Hub) Broadcast(u Update) {
	data, ok := h.encode(u)
	if !ok {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Debug("status feed update dropped", "type", u.Type, "clients", dropped)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) encode(u Update) ([]byte, bool) {
	data, err := json.Marshal(u)
	if err != nil {
		h.logger.Error("marshal status update", "type", u.Type, "error", err)
		return nil, false
	}
	return data, true
}
