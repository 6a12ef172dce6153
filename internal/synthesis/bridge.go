package synthesis

import (
	"context"
	"encoding/base64"
	"fmt"

	"ai-voice-relay/internal/cache"
	"ai-voice-relay/internal/model"
	"ai-voice-relay/internal/pkg/logger"
)

// Engine is the synthesize(text, voice) -> audio contract the bridge consumes.
// Implemented by Client; faked in tests.
type Engine interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// Bridge feeds engine output into the audio relay cache. Engine calls run
// under a scoped acquisition of the client resource so a burst of sessions
// cannot exhaust engine connections.
type Bridge struct {
	engine Engine
	tier   *cache.Tier
	slots  chan struct{}
	logger logger.ILogger
}

func NewBridge(engine Engine, tier *cache.Tier, maxConcurrent int, log logger.ILogger) *Bridge {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Bridge{
		engine: engine,
		tier:   tier,
		slots:  make(chan struct{}, maxConcurrent),
		logger: log,
	}
}

// Synthesize produces audio for the text. Engine errors and empty streams
// surface as ErrSynthesisFailed; callers log it and deliver the text-only
// reply, never crash the relay on it.
func (b *Bridge) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	select {
	case b.slots <- struct{}{}:
		defer func() { <-b.slots }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", model.ErrSynthesisFailed, ctx.Err())
	}

	audio, err := b.engine.Synthesize(ctx, text, voiceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSynthesisFailed, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: engine returned empty stream", model.ErrSynthesisFailed)
	}
	return audio, nil
}

// SynthesizeForReplay synthesizes and stores the audio under the caller's
// response identifier, so the client can re-fetch it without resynthesis.
func (b *Bridge) SynthesizeForReplay(ctx context.Context, text, voiceID, responseID string) ([]byte, error) {
	audio, err := b.Synthesize(ctx, text, voiceID)
	if err != nil {
		return nil, err
	}
	b.StoreForReplay(ctx, responseID, audio)
	return audio, nil
}

// StoreForReplay persists already-synthesized audio into the relay cache.
func (b *Bridge) StoreForReplay(ctx context.Context, responseID string, audio []byte) {
	if responseID == "" {
		return
	}
	b.tier.Set(ctx, cache.RoleAudioRelay, cache.RelayKey(responseID),
		base64.StdEncoding.EncodeToString(audio))
}

// Replay fetches previously synthesized audio by response identifier.
// Returns absent after the relay TTL elapses — never stale data.
func (b *Bridge) Replay(ctx context.Context, responseID string) ([]byte, bool) {
	encoded, found := b.tier.Get(ctx, cache.RoleAudioRelay, cache.RelayKey(responseID))
	if !found {
		return nil, false
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		b.logger.Warn("SynthesisBridge", "Corrupt relay cache entry dropped", map[string]interface{}{
			"response_id": responseID,
		})
		return nil, false
	}
	return audio, true
}
