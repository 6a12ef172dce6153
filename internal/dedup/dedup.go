// Package dedup suppresses retransmitted audio chunks inside a short window.
// It hashes content with xxhash (fast, non-cryptographic — collisions are
// acceptable at low probability, this is retry suppression, not security).
package dedup

import (
	"context"

	"github.com/cespare/xxhash/v2"

	"ai-voice-relay/internal/cache"
)

// Checker marks content it has seen under (scope, hash) and reports repeats.
type Checker struct {
	tier *cache.Tier
}

func NewChecker(tier *cache.Tier) *Checker {
	return &Checker{tier: tier}
}

// IsDuplicate returns true when the same bytes were submitted under the same
// scope within the dedup TTL. The first submission plants the marker and
// returns false. A cache outage reports false so real traffic is never
// dropped.
func (c *Checker) IsDuplicate(ctx context.Context, scopeID string, data []byte) bool {
	key := cache.DedupKey(scopeID, xxhash.Sum64(data))
	wasNew := c.tier.SetNX(ctx, cache.RoleAudioDedup, key, "1")
	return !wasNew
}

// HashAudio exposes the content hash used for the raw transcript cache key,
// so STT results land under the same key the dedup path computes.
func HashAudio(data []byte) uint64 {
	return xxhash.Sum64(data)
}
