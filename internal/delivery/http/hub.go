package api

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hub fans {type, ...payload} messages out to every connected UI/content
// surface. It is the process-boundary rendering of the old window-level
// broadcast message.
type Hub struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]bool
	lg    zerolog.Logger
}

func NewHub(lg zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[*websocket.Conn]bool),
		lg:    lg.With().Str("component", "hub").Logger(),
	}
}

// Broadcast sends one message to every listener. Writes are serialized under
// the hub lock; a failed listener is dropped on the spot.
func (h *Hub) Broadcast(msgType string, payload map[string]any) {
	msg := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		msg[k] = v
	}
	msg["type"] = msgType
	b, err := json.Marshal(msg)
	if err != nil {
		h.lg.Error().Err(err).Str("type", msgType).Msg("marshal broadcast")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			h.lg.Debug().Err(err).Msg("listener dropped")
			c.Close()
			delete(h.conns, c)
		}
	}
}

func (h *Hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.conns[c] = true
	h.mu.Unlock()
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	if h.conns[c] {
		c.Close()
		delete(h.conns, c)
	}
	h.mu.Unlock()
}
