// Package streamhub is the operator-facing live feed: a single WebSocket
// broadcaster pushing health snapshots and sync_log tail events to every
// connected dashboard client, sparing an operator who doesn't want to
// poll Redis directly.
package streamhub

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/tasksync/internal/model"
	"github.com/itskum47/tasksync/internal/observability"
	"github.com/itskum47/tasksync/internal/redisstore"
)

// maxConnections caps concurrent operator feed clients.
const maxConnections = 50

// Hub manages operator WebSocket connections and pushes health snapshots
// on a fixed cadence plus ad-hoc sync-log events as they're appended.
type Hub struct {
	store *redisstore.Store

	clients map[*websocket.Conn]struct{}
	register chan *websocket.Conn
	unregister chan *websocket.Conn
	mu sync.RWMutex
}

// NewHub builds a Hub that reads snapshots from store.
func NewHub(store *redisstore.Store) *Hub {
	return &Hub{
		store: store,
		clients: make(map[*websocket.Conn]struct{}),
		register: make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run drives the broadcast loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("streamhub: connection rejected, at capacity (%d)", maxConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
			observability.StreamHubClients.Set(float64(len(h.clients)))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			observability.StreamHubClients.Set(float64(len(h.clients)))

		case <-ticker.C:
			h.broadcastHealth(ctx)
		}
	}
}

func (h *Hub) broadcastHealth(ctx context.Context) {
	snap, err := h.store.GetHealth(ctx)
	if err != nil {
		return
	}
	h.send(snap)
}

// send pushes payload to every connected client, dropping any that fail
// to write within 5s (push feed is best-effort; a stuck
// client must never stall the broadcaster).
func (h *Hub) send(payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(payload); err != nil {
			log.Printf("streamhub: write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// BroadcastSyncEvent pushes a single sync_log entry as it happens, so
// operators watching the feed see events in near-real time rather than
// waiting for the next health tick.
func (h *Hub) BroadcastSyncEvent(entry model.SyncLogEntry) {
	h.send(entry)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
