package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"

	"questmaster/internal/logging"
)

// envelope is the wire shape of every server-initiated WebSocket message.
type envelope struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Hub tracks live WebSocket connections per game so out-of-band events
// (finished images, mostly) can reach every player watching that game.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*websocket.Conn]struct{})}
}

func (h *Hub) register(gameID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[gameID] == nil {
		h.conns[gameID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[gameID][conn] = struct{}{}
}

func (h *Hub) unregister(gameID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[gameID], conn)
	if len(h.conns[gameID]) == 0 {
		delete(h.conns, gameID)
	}
}

// Broadcast sends one event to every connection on a game. Write errors
// are logged and skipped; the read loop owns connection teardown.
func (h *Hub) Broadcast(gameID, event string, payload interface{}) {
	data, err := json.Marshal(envelope{Event: event, Payload: payload})
	if err != nil {
		logging.Get(logging.CategoryBoot).Error("broadcast marshal failed: %v", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns[gameID]))
	for conn := range h.conns[gameID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
			logging.SessionDebug("ws write to %s failed: %v", gameID, err)
		}
	}
}

// ConnectionCount reports live connections for a game.
func (h *Hub) ConnectionCount(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[gameID])
}
