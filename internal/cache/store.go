package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Role selects one of the five cache roles. Each role has a fixed key scheme
// and TTL; callers never pick TTLs themselves.
type Role string

const (
	RoleSession       Role = "session"
	RoleAudioDedup    Role = "audio_dedup"
	RoleExactResponse Role = "exact_response"
	RoleRawTranscript Role = "raw_transcript"
	RoleAudioRelay    Role = "audio_relay"
)

// Per-role TTLs.
const (
	SessionTTL       = 30 * time.Minute
	AudioDedupTTL    = 2 * time.Second
	ExactResponseTTL = 60 * time.Second
	RawTranscriptTTL = 300 * time.Second
	AudioRelayTTL    = 300 * time.Second
)

// TTLFor returns the fixed TTL of a role.
func TTLFor(role Role) time.Duration {
	switch role {
	case RoleSession:
		return SessionTTL
	case RoleAudioDedup:
		return AudioDedupTTL
	case RoleExactResponse:
		return ExactResponseTTL
	case RoleRawTranscript:
		return RawTranscriptTTL
	case RoleAudioRelay:
		return AudioRelayTTL
	}
	return time.Minute
}

// Key scheme helpers. Keys are namespaced per role so roles never collide.

func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

func DedupKey(scopeID string, hash uint64) string {
	return fmt.Sprintf("audio_chunk:%s:%x", scopeID, hash)
}

func ExactResponseKey(lang, text string) string {
	return fmt.Sprintf("exact_response:%s:%s", lang, NormalizeQuery(text))
}

func TranscriptKey(audioHash uint64) string {
	return fmt.Sprintf("stt_raw:%x", audioHash)
}

func RelayKey(responseID string) string {
	return "tts_relay:" + responseID
}

// NormalizeQuery canonicalizes query text for exact-response reuse:
// lowercase, trimmed, inner whitespace collapsed.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Store is one backing key-value store. Implementations: Redis (prod),
// in-memory go-cache (fallback, tests).
type Store interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes the value with the given TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes only when the key is absent. Returns true when the
	// write happened (the key was new).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Healthy reports whether the last operation against the backing
	// store succeeded. Consumed by the tier fallback logic and /health.
	Healthy() bool
}
