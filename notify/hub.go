// Package notify delivers user-facing events over websockets and persists
// them as notification rows so clients that were offline can catch up.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
)

const (
	writeWait         = 5 * time.Second
	heartbeatInterval = 30 * time.Second
	readWait          = 90 * time.Second
)

// Event is the envelope pushed to websocket clients.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// client wraps one websocket connection. Gorilla allows a single concurrent
// writer per connection, so every write holds mu.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
}

func (c *client) send(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(event)
}

// Hub tracks live websocket connections per wallet and fans events out to
// them. The persisted notification row is the source of truth; websocket
// delivery is best effort.
type Hub struct {
	store    storage.DataStore
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[*client]bool
	closed  bool
}

func NewHub(store storage.DataStore) *Hub {
	return &Hub{
		store: store,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// The dashboard is served from a different origin than the API
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]map[*client]bool),
	}
}

// ServeWS upgrades the request and keeps the connection registered for
// wallet until the peer goes away. Blocks for the connection lifetime.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, wallet string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	wallet = strings.ToLower(wallet)
	cl := &client{conn: conn, done: make(chan struct{})}
	if !h.register(wallet, cl) {
		conn.Close()
		return nil
	}
	log.Printf("[NotifyHub] Client connected for %s (%d active)", wallet, h.ClientCount(wallet))

	cl.send(Event{Type: "connected", Data: map[string]string{
		"message": "Connected to copy trade notifications",
	}})

	go h.heartbeatLoop(cl)
	h.readLoop(cl)

	h.unregister(wallet, cl)
	conn.Close()
	log.Printf("[NotifyHub] Client disconnected for %s", wallet)
	return nil
}

// Notify persists a notification for wallet and pushes it to any live
// connections.
func (h *Hub) Notify(ctx context.Context, wallet, kind, title, message string, data map[string]string) error {
	n := models.Notification{
		ID:        uuid.New(),
		UserID:    strings.ToLower(wallet),
		Type:      kind,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.SaveNotification(ctx, n); err != nil {
		return fmt.Errorf("save notification failed: %w", err)
	}

	h.Push(n.UserID, Event{Type: kind, Data: n})
	return nil
}

// Push sends an event to every connection registered for wallet without
// persisting anything. Dead connections are dropped.
func (h *Hub) Push(wallet string, event Event) {
	wallet = strings.ToLower(wallet)

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients[wallet]))
	for cl := range h.clients[wallet] {
		targets = append(targets, cl)
	}
	h.mu.RUnlock()

	for _, cl := range targets {
		if err := cl.send(event); err != nil {
			log.Printf("[NotifyHub] Dropping dead connection for %s: %v", wallet, err)
			cl.conn.Close()
			h.unregister(wallet, cl)
		}
	}
}

// ClientCount returns the number of live connections for wallet.
func (h *Hub) ClientCount(wallet string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[strings.ToLower(wallet)])
}

// Close drops every connection. New connections are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var conns []*client
	for _, set := range h.clients {
		for cl := range set {
			conns = append(conns, cl)
		}
	}
	h.clients = make(map[string]map[*client]bool)
	h.mu.Unlock()

	for _, cl := range conns {
		cl.conn.Close()
	}
	log.Printf("[NotifyHub] Closed %d connections", len(conns))
}

func (h *Hub) register(wallet string, cl *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.clients[wallet] == nil {
		h.clients[wallet] = make(map[*client]bool)
	}
	h.clients[wallet][cl] = true
	return true
}

func (h *Hub) unregister(wallet string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[wallet]; ok {
		delete(set, cl)
		if len(set) == 0 {
			delete(h.clients, wallet)
		}
	}
}

// readLoop consumes client messages until the connection dies. The only
// message clients send is a keep-alive ping, either as the bare text
// "ping" or as {"type": "ping"}.
func (h *Hub) readLoop(cl *client) {
	defer close(cl.done)

	cl.conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, msg, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		cl.conn.SetReadDeadline(time.Now().Add(readWait))

		var in struct {
			Type string `json:"type"`
		}
		if string(msg) == "ping" || (json.Unmarshal(msg, &in) == nil && in.Type == "ping") {
			cl.send(Event{Type: "pong"})
		}
	}
}

func (h *Hub) heartbeatLoop(cl *client) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.done:
			return
		case <-ticker.C:
			if err := cl.send(Event{Type: "heartbeat"}); err != nil {
				// Wakes the read loop so the connection unregisters
				cl.conn.Close()
				return
			}
		}
	}
}
