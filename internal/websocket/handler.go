package websocket

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// SessionLifecycle opens and closes relay sessions around a connection's
// lifetime. Implemented by the relay service.
type SessionLifecycle interface {
	OpenSession(ctx context.Context) uuid.UUID
	CloseSession(ctx context.Context, sessionID uuid.UUID)
}

// ServeWs handles one client websocket connection: admits a session, runs
// the pumps, and tears the session down when the read side ends.
func ServeWs(hub *Hub, c *websocket.Conn, lifecycle SessionLifecycle, sink EventSink) {
	ctx := context.Background()
	sessionID := lifecycle.OpenSession(ctx)

	client := &Client{
		Hub:       hub,
		Conn:      c,
		SessionID: sessionID,
		Send:      make(chan []byte, 256),
		sink:      sink,
	}
	client.Hub.register <- client

	go client.writePump()
	client.readPump(ctx) // Run readPump in current goroutine (handler)

	lifecycle.CloseSession(ctx, sessionID)
}
