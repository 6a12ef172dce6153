package cache

import (
	"context"

	"ai-voice-relay/internal/pkg/logger"
)

// Tier fronts the five cache roles with a single primary store. Store
// failures degrade to "absent" and never propagate; the session role
// additionally falls back to an in-process store so session metadata stays
// available (stale-but-available) while Redis is down. The fallback is never
// synced back, so a restart loses it.
type Tier struct {
	primary  Store
	fallback *MemoryStore
	logger   logger.ILogger
}

func NewTier(primary Store, log logger.ILogger) *Tier {
	return &Tier{
		primary:  primary,
		fallback: NewMemoryStore(),
		logger:   log,
	}
}

// Get returns the cached value for (role, key), or absent. A store failure
// is absorbed here: logged once per call strip and reported as a miss.
func (t *Tier) Get(ctx context.Context, role Role, key string) (string, bool) {
	val, found, err := t.primary.Get(ctx, key)
	if err == nil {
		if !found && role == RoleSession {
			// Primary is reachable but lost the entry (e.g. it restarted
			// while we were serving from the fallback).
			val, found, _ = t.fallback.Get(ctx, key)
		}
		return val, found
	}

	t.logger.Warn("CacheTier", "Store read failed, degrading to absent", map[string]interface{}{
		"role":  string(role),
		"key":   key,
		"error": err.Error(),
	})

	if role == RoleSession {
		val, found, _ = t.fallback.Get(ctx, key)
		return val, found
	}
	return "", false
}

// Set writes the value under the role's fixed TTL. The session role is
// mirrored into the fallback store so a store outage does not lose live
// session metadata.
func (t *Tier) Set(ctx context.Context, role Role, key, value string) {
	ttl := TTLFor(role)

	if role == RoleSession {
		_ = t.fallback.Set(ctx, key, value, ttl)
	}

	if err := t.primary.Set(ctx, key, value, ttl); err != nil {
		t.logger.Warn("CacheTier", "Store write failed", map[string]interface{}{
			"role":  string(role),
			"key":   key,
			"error": err.Error(),
		})
	}
}

// SetNX is the check-and-set used by the dedup window. A store failure
// reports "was new" so transport retries are never suppressed by an outage.
func (t *Tier) SetNX(ctx context.Context, role Role, key, value string) bool {
	ok, err := t.primary.SetNX(ctx, key, value, TTLFor(role))
	if err != nil {
		t.logger.Warn("CacheTier", "Store check-and-set failed", map[string]interface{}{
			"role":  string(role),
			"key":   key,
			"error": err.Error(),
		})
		return true
	}
	return ok
}

// Delete removes a key (session teardown).
func (t *Tier) Delete(ctx context.Context, role Role, key string) {
	if role == RoleSession {
		_ = t.fallback.Delete(ctx, key)
	}
	if err := t.primary.Delete(ctx, key); err != nil {
		t.logger.Warn("CacheTier", "Store delete failed", map[string]interface{}{
			"role":  string(role),
			"key":   key,
			"error": err.Error(),
		})
	}
}

// Healthy reports the primary store state for /health.
func (t *Tier) Healthy() bool {
	return t.primary.Healthy()
}
