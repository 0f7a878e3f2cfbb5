// Package stream broadcasts committed changes to WebSocket subscribers. It
// implements shielded.PostCommitRegistry, the way the teacher's
// pkg/server/handlers.ChangeStreamManager fans oplog entries out to
// pkg/changestream subscribers over gorilla/websocket connections.
package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mnohosten/shielded/pkg/shielded"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ChangeEvent is what a watcher receives for each commit.
type ChangeEvent struct {
	Type      string   `json:"type"` // "event" or "heartbeat"
	CellCount int      `json:"cellCount,omitempty"`
	Cells     []string `json:"cells,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

type connection struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
	done chan struct{}
}

func (c *connection) send(ev ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(ev)
}

func (c *connection) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.conn.Close()
}

// Broadcaster fans committed cell sets out to every subscribed WebSocket
// connection. A *Broadcaster satisfies shielded.PostCommitRegistry, so
// shielded.WithPostCommitRegistry(b) wires it straight into a Runtime.
type Broadcaster struct {
	mu          sync.RWMutex
	connections map[string]*connection
}

// New constructs an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{connections: make(map[string]*connection)}
}

// Trigger implements shielded.PostCommitRegistry: it returns one action that
// broadcasts the committed cell set to every currently-connected watcher.
func (b *Broadcaster) Trigger(cells map[shielded.Cell]struct{}) []func() {
	if len(cells) == 0 {
		return nil
	}
	ids := make([]string, 0, len(cells))
	for c := range cells {
		ids = append(ids, fmt.Sprintf("%p", c))
	}
	ev := ChangeEvent{
		Type:      "event",
		CellCount: len(ids),
		Cells:     ids,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return []func(){func() { b.broadcast(ev) }}
}

func (b *Broadcaster) broadcast(ev ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.connections {
		if err := c.send(ev); err != nil {
			log.Printf("shielded/stream: dropping connection %s: %v", c.id, err)
		}
	}
}

func (b *Broadcaster) addConnection(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connections[c.id] = c
}

func (b *Broadcaster) removeConnection(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.connections, id)
}

// HandleWatch upgrades the request to a WebSocket and streams ChangeEvents
// to it until the client disconnects. A 30s heartbeat keeps idle
// connections alive through intermediate proxies.
func (b *Broadcaster) HandleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("shielded/stream: upgrade failed: %v", err)
		return
	}

	c := &connection{
		id:   fmt.Sprintf("ws-%d", time.Now().UnixNano()),
		conn: conn,
		done: make(chan struct{}),
	}
	b.addConnection(c)
	defer func() {
		b.removeConnection(c.id)
		c.Close()
	}()

	go func() {
		// Drain and discard client frames; their only purpose is letting
		// gorilla/websocket's control-frame handling notice a close.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				c.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(ChangeEvent{Type: "heartbeat"}); err != nil {
				return
			}
		}
	}
}

// HandleWatchHTTP answers plain HTTP POSTs to /_watch with a pointer to the
// WebSocket endpoint, mirroring the teacher's HandleChangeStreamHTTP
// fallback.
func (b *Broadcaster) HandleWatchHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message":  "use the WebSocket endpoint /_ws/watch for streaming commit events",
		"endpoint": "ws://<host>:<port>/_ws/watch",
	})
}

// Mount registers the broadcaster's routes on r.
func (b *Broadcaster) Mount(r chi.Router) {
	r.Get("/_ws/watch", b.HandleWatch)
	r.Post("/_watch", b.HandleWatchHTTP)
}
