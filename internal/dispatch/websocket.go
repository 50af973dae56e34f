// WebSocket transport for Dispatch, connecting the in-process notification
// model to remote agent processes over github.com/gorilla/websocket.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WebSocketHub is a Dispatch that holds one websocket connection per
// agent and writes notifications to it as JSON frames.
type WebSocketHub struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewWebSocketHub constructs an empty hub.
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{conns: make(map[string]*websocket.Conn)}
}

// ServeAgent upgrades the HTTP request to a websocket connection and
// registers it under agentID, replacing any prior connection for that
// agent. Intended to be wired as an http.HandlerFunc per agent route.
func (h *WebSocketHub) ServeAgent(agentID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		if old, ok := h.conns[agentID]; ok {
			old.Close()
		}
		h.conns[agentID] = conn
		h.mu.Unlock()
	}
}

// NotifyAgent writes kind/content/metadata as a JSON frame to agentID's
// live connection, if any.
func (h *WebSocketHub) NotifyAgent(ctx context.Context, agentID string, kind Kind, content string, metadata map[string]any) error {
	h.mu.Lock()
	conn, ok := h.conns[agentID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatch: no websocket connection for agent %s", agentID)
	}

	payload, err := json.Marshal(Notification{AgentID: agentID, Kind: kind, Content: content, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("dispatch: encode notification: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("dispatch: write to agent %s: %w", agentID, err)
	}
	return nil
}

// Disconnect closes and forgets agentID's connection, if any.
func (h *WebSocketHub) Disconnect(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.conns[agentID]; ok {
		conn.Close()
		delete(h.conns, agentID)
	}
}
