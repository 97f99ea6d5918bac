// ABOUTME: WebSocket event hub for bridge observers
// ABOUTME: Broadcasts typed JSON events, evicting clients that stall
package hub

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event is one broadcast frame.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// client pairs a connection with its write lock. The transport forbids
// concurrent writers, so every write must hold mu.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*client
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Add registers a client connection and returns its ID.
func (h *Hub) Add(conn *websocket.Conn) string {
	id := uuid.New().String()
	h.mu.Lock()
	h.clients[id] = &client{conn: conn}
	h.mu.Unlock()
	return id
}

// Remove drops a client and closes its connection.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		c.conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends event to every client. Broadcasts may overlap, so each
// client's write lock serializes access to its connection. Writes carry a
// short deadline so a stalled client cannot hold the bridge up; failed
// clients are evicted.
func (h *Hub) Broadcast(event Event) {
	h.mu.Lock()
	clients := make(map[string]*client, len(h.clients))
	for id, c := range h.clients {
		clients[id] = c
	}
	h.mu.Unlock()

	var failed []string
	var failedMu sync.Mutex
	var wg sync.WaitGroup

	for id, c := range clients {
		wg.Add(1)
		go func(id string, c *client) {
			defer wg.Done()
			c.mu.Lock()
			defer c.mu.Unlock()
			c.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
			if err := c.conn.WriteJSON(event); err != nil {
				failedMu.Lock()
				failed = append(failed, id)
				failedMu.Unlock()
			}
		}(id, c)
	}
	wg.Wait()

	for _, id := range failed {
		h.Remove(id)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades HTTP requests to observer connections. Clients are
// read-only; inbound frames are drained and discarded.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		id := h.Add(conn)
		defer h.Remove(id)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}
