// ABOUTME: Tests for the WebSocket event hub
// ABOUTME: Covers client registration, broadcast delivery, and eviction
package hub

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialHub(t *testing.T, h *Hub) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(h.Handler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		ts.Close()
		t.Fatalf("Dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		ts.Close()
	}
}

func TestHandlerRegistersClient(t *testing.T) {
	h := New()
	_, cleanup := dialHub(t, h)
	defer cleanup()

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.ClientCount() != 1 {
		t.Fatalf("ClientCount = %d, want 1", h.ClientCount())
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	h := New()
	conn, cleanup := dialHub(t, h)
	defer cleanup()

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.Broadcast(Event{Type: "sink/mode", Payload: map[string]string{"state": "play"}})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Type != "sink/mode" {
		t.Errorf("Type = %q, want sink/mode", got.Type)
	}
	payload, ok := got.Payload.(map[string]interface{})
	if !ok || payload["state"] != "play" {
		t.Errorf("Payload = %v", got.Payload)
	}
}

func TestRemoveDropsClient(t *testing.T) {
	h := New()
	_, cleanup := dialHub(t, h)
	defer cleanup()

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	h.mu.Lock()
	var id string
	for clientID := range h.clients {
		id = clientID
	}
	h.mu.Unlock()

	h.Remove(id)
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount = %d after Remove, want 0", h.ClientCount())
	}
}

func TestConcurrentBroadcastsWithStalledClient(t *testing.T) {
	h := New()
	_, cleanup := dialHub(t, h)
	defer cleanup()

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// The client never reads, so once buffers fill, writes block on the
	// deadline and overlapping broadcasts contend for the connection.
	// Writes to one connection must stay serialized throughout.
	payload := strings.Repeat("x", 4096)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h.Broadcast(Event{Type: "sink/mode", Payload: payload})
			}
		}()
	}
	wg.Wait()
}

func TestBroadcastEvictsClosedClient(t *testing.T) {
	h := New()
	conn, cleanup := dialHub(t, h)
	defer cleanup()

	deadline := time.Now().Add(time.Second)
	for h.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	// The first write may still land in OS buffers; broadcast until the
	// failure surfaces and the client is evicted.
	deadline = time.Now().Add(2 * time.Second)
	for h.ClientCount() > 0 && time.Now().Before(deadline) {
		h.Broadcast(Event{Type: "ping"})
		time.Sleep(10 * time.Millisecond)
	}
	if h.ClientCount() != 0 {
		t.Error("Closed client was not evicted by broadcast")
	}
}
