package session

import (
	"time"

	"github.com/google/uuid"
)

// State is the session lifecycle state. Closed is terminal.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosed     State = "closed"
)

// Session is one logical conversation with a single connected client.
// Owned exclusively by the Registry; all mutation happens under its lock.
type Session struct {
	ID            uuid.UUID `json:"id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastQuery     string    `json:"last_query,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"` // most recently allocated
	State         State     `json:"state"`

	lastActive time.Time
}

// Correlation binds one outstanding upstream exchange to exactly one session.
// Consumed (deleted) when the matching reply arrives or it expires.
type Correlation struct {
	ID        string
	SessionID uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (c *Correlation) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
