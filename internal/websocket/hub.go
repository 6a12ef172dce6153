package websocket

import (
	"sync"

	"github.com/google/uuid"

	"ai-voice-relay/internal/model"
	"ai-voice-relay/internal/pkg/logger"
)

// Hub tracks connected clients keyed by session id and fans server events
// out to them. One client per session; a session's events are delivered in
// order through its buffered Send channel.
type Hub struct {
	// Registered clients map: SessionID -> Client
	clients map[uuid.UUID]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Lock for safe map access
	mu sync.RWMutex

	logger logger.ILogger
}

func NewHub(log logger.ILogger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[uuid.UUID]*Client),
		logger:     log,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.SessionID] = client
			h.mu.Unlock()
			h.logger.Info("Hub", "Client registered", map[string]interface{}{"session_id": client.SessionID})

		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.SessionID]; ok && current == client {
				delete(h.clients, client.SessionID)
				close(client.Send)
				h.logger.Info("Hub", "Client unregistered", map[string]interface{}{"session_id": client.SessionID})
			}
			h.mu.Unlock()
		}
	}
}

// Deliver sends one event to the session's client. Returns false when the
// session has no connected client or its buffer is full (slow consumer).
func (h *Hub) Deliver(sessionID uuid.UUID, event model.ServerEvent) bool {
	h.mu.RLock()
	client, ok := h.clients[sessionID]
	h.mu.RUnlock()

	if !ok {
		return false
	}

	select {
	case client.Send <- event.Encode():
		return true
	default:
		h.logger.Warn("Hub", "Client Send buffer full, dropping message", map[string]interface{}{
			"session_id": sessionID,
			"type":       event.Type,
		})
		return false
	}
}
