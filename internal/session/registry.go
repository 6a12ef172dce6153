package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"ai-voice-relay/internal/cache"
	"ai-voice-relay/internal/model"
	"ai-voice-relay/internal/pkg/logger"
)

// DefaultCorrelationTTL bounds how long an outstanding upstream exchange may
// stay unanswered before its reply is treated as an orphan.
const DefaultCorrelationTTL = 2 * time.Minute

// DefaultSweepInterval is how often expired correlations are collected.
const DefaultSweepInterval = 30 * time.Second

// Registry tracks live sessions and the correlation table binding upstream
// exchanges to them. Client connects/disconnects and upstream replies race on
// these maps, so every mutation is serialized through the single mutex —
// that is the one coordination point the routing correctness depends on.
type Registry struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*Session
	correlations map[string]*Correlation

	tier    *cache.Tier
	logger  logger.ILogger
	corrTTL time.Duration
}

func NewRegistry(tier *cache.Tier, log logger.ILogger) *Registry {
	return NewRegistryWithTTL(tier, log, DefaultCorrelationTTL)
}

// NewRegistryWithTTL overrides the correlation lifetime (tests).
func NewRegistryWithTTL(tier *cache.Tier, log logger.ILogger, corrTTL time.Duration) *Registry {
	return &Registry{
		sessions:     make(map[uuid.UUID]*Session),
		correlations: make(map[string]*Correlation),
		tier:         tier,
		logger:       log,
		corrTTL:      corrTTL,
	}
}

// Open admits a new session in Connecting state.
func (r *Registry) Open(ctx context.Context) *Session {
	now := time.Now()
	s := &Session{
		ID:          uuid.New(),
		ConnectedAt: now,
		State:       StateConnecting,
		lastActive:  now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	snapshot := *s
	r.mu.Unlock()

	r.persist(ctx, &snapshot)
	r.logger.Info("SessionRegistry", "Session opened", map[string]interface{}{"session_id": s.ID})
	return &snapshot
}

// Activate transitions Connecting -> Active once the upstream acknowledged
// the new-session handshake (or immediately, on the local fallback path).
func (r *Registry) Activate(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.State == StateClosed {
		r.mu.Unlock()
		return model.ErrUnknownSession
	}
	s.State = StateActive
	s.lastActive = time.Now()
	snapshot := *s
	r.mu.Unlock()

	r.persist(ctx, &snapshot)
	return nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id uuid.UUID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Touch records client activity: updates the last query and the MRU ordering.
func (r *Registry) Touch(ctx context.Context, id uuid.UUID, lastQuery string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.State == StateClosed {
		r.mu.Unlock()
		return
	}
	if lastQuery != "" {
		s.LastQuery = lastQuery
	}
	s.lastActive = time.Now()
	snapshot := *s
	r.mu.Unlock()

	r.persist(ctx, &snapshot)
}

// Close removes the session and releases every correlation it owns.
// Idempotent: closing an unknown or already-closed session is a no-op.
func (r *Registry) Close(ctx context.Context, id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.State = StateClosed
	delete(r.sessions, id)

	released := 0
	for corrID, c := range r.correlations {
		if c.SessionID == id {
			delete(r.correlations, corrID)
			released++
		}
	}
	r.mu.Unlock()

	r.tier.Delete(ctx, cache.RoleSession, cache.SessionKey(id.String()))
	r.logger.Info("SessionRegistry", "Session closed", map[string]interface{}{
		"session_id":            id,
		"correlations_released": released,
	})
}

// AllocateCorrelation binds a fresh correlation id to the session. Fails
// with ErrUnknownSession when the session is missing or was closed
// concurrently. Connecting sessions may allocate (the new-session handshake
// runs before activation); the router enforces Active for client traffic.
func (r *Registry) AllocateCorrelation(id uuid.UUID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.State == StateClosed {
		return "", model.ErrUnknownSession
	}

	now := time.Now()
	c := &Correlation{
		ID:        uuid.NewString(),
		SessionID: id,
		CreatedAt: now,
		ExpiresAt: now.Add(r.corrTTL),
	}
	r.correlations[c.ID] = c
	s.CorrelationID = c.ID
	s.lastActive = now
	return c.ID, nil
}

// ResolveCorrelation consumes the correlation and returns the owning session.
// Expired or unknown correlations resolve false; the reply is an orphan.
func (r *Registry) ResolveCorrelation(corrID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.correlations[corrID]
	if !ok {
		return uuid.Nil, false
	}
	delete(r.correlations, corrID)
	if c.Expired(time.Now()) {
		return uuid.Nil, false
	}
	if s, live := r.sessions[c.SessionID]; !live || s.State == StateClosed {
		return uuid.Nil, false
	}
	return c.SessionID, true
}

// PeekCorrelation resolves without consuming, for streamed replies where many
// messages share one correlation (audio chunks). The final message of a
// stream should use ResolveCorrelation.
func (r *Registry) PeekCorrelation(corrID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.correlations[corrID]
	if !ok || c.Expired(time.Now()) {
		return uuid.Nil, false
	}
	if s, live := r.sessions[c.SessionID]; !live || s.State == StateClosed {
		return uuid.Nil, false
	}
	return c.SessionID, true
}

// ReleaseCorrelation drops a correlation that will never get a reply
// (e.g. the upstream send failed). Unknown ids are a no-op.
func (r *Registry) ReleaseCorrelation(corrID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.correlations, corrID)
}

// CurrentCorrelation returns the session's most recently allocated
// correlation if it is still outstanding. Streamed uploads (mic chunks)
// ride the current exchange instead of allocating one per chunk.
func (r *Registry) CurrentCorrelation(id uuid.UUID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.CorrelationID == "" {
		return "", false
	}
	c, live := r.correlations[s.CorrelationID]
	if !live || c.Expired(time.Now()) {
		return "", false
	}
	return s.CorrelationID, true
}

// MostRecentlyActive returns the MRU open session. This is the documented
// best-effort fallback for upstream messages that carry no correlation id —
// never the primary routing mechanism.
func (r *Registry) MostRecentlyActive() (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		best   uuid.UUID
		bestAt time.Time
		found  bool
	)
	for id, s := range r.sessions {
		if s.State != StateActive {
			continue
		}
		if !found || s.lastActive.After(bestAt) {
			best, bestAt, found = id, s.lastActive, true
		}
	}
	return best, found
}

// Count returns the number of open sessions (health endpoint).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RunSweeper collects expired correlations until the context is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(DefaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.sweepExpired(); n > 0 {
				r.logger.Debug("SessionRegistry", "Swept expired correlations", map[string]interface{}{"count": n})
			}
		}
	}
}

func (r *Registry) sweepExpired() int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	swept := 0
	for id, c := range r.correlations {
		if c.Expired(now) {
			delete(r.correlations, id)
			swept++
		}
	}
	return swept
}

// persist writes session metadata into the session cache role. The registry
// map stays authoritative for routing; the cache only survives restarts.
func (r *Registry) persist(ctx context.Context, s *Session) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}
	r.tier.Set(ctx, cache.RoleSession, cache.SessionKey(s.ID.String()), string(data))
}
