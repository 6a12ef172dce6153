package relay

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-voice-relay/internal/cache"
	"ai-voice-relay/internal/dedup"
	"ai-voice-relay/internal/model"
	"ai-voice-relay/internal/pkg/logger"
	"ai-voice-relay/internal/session"
	"ai-voice-relay/internal/synthesis"
	"ai-voice-relay/internal/upstream"
)

type sentEvent struct {
	corrID  string
	kind    string
	payload upstream.Payload
}

type fakeUpstream struct {
	mu        sync.Mutex
	connected bool
	sent      []sentEvent
}

func (f *fakeUpstream) Send(corrID, kind string, payload upstream.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return model.ErrUpstreamUnavailable
	}
	f.sent = append(f.sent, sentEvent{corrID: corrID, kind: kind, payload: payload})
	return nil
}

func (f *fakeUpstream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

func (f *fakeUpstream) sentEvents() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEvent, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeUpstream) lastSent(t *testing.T) sentEvent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type fakeHub struct {
	mu     sync.Mutex
	events map[uuid.UUID][]model.ServerEvent
}

func newFakeHub() *fakeHub {
	return &fakeHub{events: make(map[uuid.UUID][]model.ServerEvent)}
}

func (f *fakeHub) Deliver(sessionID uuid.UUID, event model.ServerEvent) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[sessionID] = append(f.events[sessionID], event)
	return true
}

func (f *fakeHub) eventsFor(sessionID uuid.UUID) []model.ServerEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ServerEvent, len(f.events[sessionID]))
	copy(out, f.events[sessionID])
	return out
}

func (f *fakeHub) kinds(sessionID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, ev := range f.events[sessionID] {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fakeHub) has(sessionID uuid.UUID, kind string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events[sessionID] {
		if ev.Type == kind {
			return true
		}
	}
	return false
}

type fakeEngine struct {
	audio []byte
	err   error
}

func (f fakeEngine) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	return f.audio, f.err
}

type rig struct {
	svc      *Service
	up       *fakeUpstream
	hub      *fakeHub
	registry *session.Registry
	tier     *cache.Tier
	bridge   *synthesis.Bridge
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log := logger.Nop()
	tier := cache.NewTier(cache.NewMemoryStore(), log)
	registry := session.NewRegistry(tier, log)
	up := &fakeUpstream{connected: true}
	hub := newFakeHub()
	bridge := synthesis.NewBridge(fakeEngine{audio: []byte("mp3 bytes")}, tier, 2, log)
	svc := NewService(
		registry,
		NewRouter(registry, log),
		up,
		tier,
		dedup.NewChecker(tier),
		bridge,
		hub,
		nil,
		"Joanna",
		"Hello! How can I help you today?",
		log,
	)
	return &rig{svc: svc, up: up, hub: hub, registry: registry, tier: tier, bridge: bridge}
}

func (r *rig) activeSession(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	sid := r.svc.OpenSession(ctx)
	require.NoError(t, r.registry.Activate(ctx, sid))
	return sid
}

func TestCreateSessionViaUpstream(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.svc.OpenSession(ctx)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventCreateSession})

	// Handshake went upstream; nothing is delivered until it acknowledges.
	sent := r.up.lastSent(t)
	assert.Equal(t, upstream.UpstreamEventNewSession, sent.kind)
	assert.Empty(t, r.hub.eventsFor(sid))

	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamSessionAcknowledged,
		CorrelationID: sent.corrID,
	})

	assert.Equal(t, []string{model.ServerEventSessionReady}, r.hub.kinds(sid))
	sess, ok := r.registry.Get(sid)
	require.True(t, ok)
	assert.Equal(t, session.StateActive, sess.State)
}

func TestCreateSessionLocalFallback(t *testing.T) {
	r := newRig(t)
	r.up.setConnected(false)
	ctx := context.Background()
	sid := r.svc.OpenSession(ctx)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventCreateSession})

	kinds := r.hub.kinds(sid)
	assert.Equal(t, []string{
		model.ServerEventSessionReady,
		model.ServerEventTextResponse,
		model.ServerEventStreamComplete,
	}, kinds)

	events := r.hub.eventsFor(sid)
	assert.Equal(t, "Hello! How can I help you today?", events[1].Text)

	sess, ok := r.registry.Get(sid)
	require.True(t, ok)
	assert.Equal(t, session.StateActive, sess.State)
	assert.Empty(t, r.up.sentEvents())
}

func TestLateGreetingSuppressedAfterFallback(t *testing.T) {
	r := newRig(t)
	r.up.setConnected(false)
	ctx := context.Background()
	sid := r.svc.OpenSession(ctx)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventCreateSession})
	before := len(r.hub.eventsFor(sid))

	// The upstream recovers and acknowledges the stale handshake. The session
	// is already active; the client must not see a second greeting.
	r.up.setConnected(true)
	corrID, err := r.registry.AllocateCorrelation(sid)
	require.NoError(t, err)
	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamSessionAcknowledged,
		CorrelationID: corrID,
	})

	assert.Len(t, r.hub.eventsFor(sid), before)
}

func TestRepeatedCreateSessionDoesNotDuplicateGreeting(t *testing.T) {
	r := newRig(t)
	r.up.setConnected(false)
	ctx := context.Background()
	sid := r.svc.OpenSession(ctx)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventCreateSession})
	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventCreateSession})

	kinds := r.hub.kinds(sid)
	// One extra session_ready, no second greeting.
	assert.Equal(t, []string{
		model.ServerEventSessionReady,
		model.ServerEventTextResponse,
		model.ServerEventStreamComplete,
		model.ServerEventSessionReady,
	}, kinds)
}

func TestTextQueryRoutesReplyToOwner(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	alice := r.activeSession(t)
	bob := r.activeSession(t)

	r.svc.HandleClientEvent(ctx, alice, model.ClientEvent{Type: model.ClientEventTextOnlyInput, Text: "what is the weather"})
	aliceCorr := r.up.lastSent(t).corrID
	r.svc.HandleClientEvent(ctx, bob, model.ClientEvent{Type: model.ClientEventTextOnlyInput, Text: "tell me a joke"})
	bobCorr := r.up.lastSent(t).corrID
	require.NotEqual(t, aliceCorr, bobCorr)

	// Replies arrive out of request order; each still lands on its owner.
	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamTextResponse,
		CorrelationID: bobCorr,
		Text:          "Here is a joke.",
		Final:         true,
	})
	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamTextResponse,
		CorrelationID: aliceCorr,
		Text:          "Sunny, 24 degrees.",
		Final:         true,
	})

	aliceEvents := r.hub.eventsFor(alice)
	require.NotEmpty(t, aliceEvents)
	assert.Equal(t, "Sunny, 24 degrees.", aliceEvents[0].Text)

	bobEvents := r.hub.eventsFor(bob)
	require.NotEmpty(t, bobEvents)
	assert.Equal(t, "Here is a joke.", bobEvents[0].Text)

	// Neither session ever sees the other's answer.
	for _, ev := range aliceEvents {
		assert.NotEqual(t, "Here is a joke.", ev.Text)
	}
	for _, ev := range bobEvents {
		assert.NotEqual(t, "Sunny, 24 degrees.", ev.Text)
	}
}

func TestOrphanReplyNeverCrossesSessions(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)

	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamTextResponse,
		CorrelationID: "expired-or-foreign",
		Text:          "stray reply",
		Final:         true,
	})

	assert.Empty(t, r.hub.eventsFor(sid))
}

func TestTextQueryRequiresActiveSession(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.svc.OpenSession(ctx) // still Connecting

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventTextInput, Text: "hello"})

	events := r.hub.eventsFor(sid)
	require.Len(t, events, 1)
	assert.Equal(t, model.ServerEventError, events[0].Type)
	assert.Equal(t, "unknown_session", events[0].Code)
	assert.Empty(t, r.up.sentEvents())
}

func TestTextQueryUpstreamDownFailsFast(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)
	r.up.setConnected(false)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventTextInput, Text: "hello"})

	events := r.hub.eventsFor(sid)
	require.Len(t, events, 1)
	assert.Equal(t, model.ServerEventError, events[0].Type)
	assert.Equal(t, "upstream_unavailable", events[0].Code)

	// The failed exchange's correlation was released.
	_, ok := r.registry.CurrentCorrelation(sid)
	assert.False(t, ok)
}

func TestExactResponseCacheShortCircuit(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	first := r.activeSession(t)

	r.svc.HandleClientEvent(ctx, first, model.ClientEvent{Type: model.ClientEventTextOnlyInput, Text: "What Is GO?"})
	corrID := r.up.lastSent(t).corrID
	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamTextResponse,
		CorrelationID: corrID,
		Text:          "Go is a programming language.",
		ResponseID:    "resp-1",
		Final:         true,
	})
	sendsAfterFirst := len(r.up.sentEvents())

	// A normalized-identical query from another session is answered from the
	// cache without touching the upstream.
	second := r.activeSession(t)
	r.svc.HandleClientEvent(ctx, second, model.ClientEvent{Type: model.ClientEventTextOnlyInput, Text: "  what is go?  "})

	assert.Len(t, r.up.sentEvents(), sendsAfterFirst)
	events := r.hub.eventsFor(second)
	require.Len(t, events, 3)
	assert.Equal(t, model.ServerEventQueryReceived, events[0].Type)
	assert.Equal(t, model.ServerEventTextResponse, events[1].Type)
	assert.Equal(t, "Go is a programming language.", events[1].Text)
	assert.True(t, events[1].Cached)
	assert.Equal(t, model.ServerEventStreamComplete, events[2].Type)
}

func TestFinalTextResponseTriggersSynthesis(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventTextInput, Text: "say something"})
	corrID := r.up.lastSent(t).corrID
	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamTextResponse,
		CorrelationID: corrID,
		Text:          "Something.",
		ResponseID:    "resp-tts",
		Final:         true,
	})

	assert.Eventually(t, func() bool {
		return r.hub.has(sid, model.ServerEventTTSAudio)
	}, 2*time.Second, 10*time.Millisecond)

	// The synthesized audio is also replayable.
	audio, ok := r.bridge.Replay(ctx, "resp-tts")
	require.True(t, ok)
	assert.Equal(t, []byte("mp3 bytes"), audio)
}

func TestVoiceInputInvalidBase64(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventVoiceInput, Audio: "!!not-base64!!"})

	events := r.hub.eventsFor(sid)
	require.Len(t, events, 1)
	assert.Equal(t, model.ServerEventError, events[0].Type)
	assert.Equal(t, "invalid_payload", events[0].Code)
	assert.Empty(t, r.up.sentEvents())
}

func TestVoiceInputTranscriptCacheHit(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)

	raw := []byte("pcm audio payload")
	encoded := base64.StdEncoding.EncodeToString(raw)

	// First upload goes upstream for transcription.
	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventVoiceInput, Audio: encoded, Format: "pcm16"})
	sent := r.up.lastSent(t)
	assert.Equal(t, upstream.UpstreamEventVoiceInput, sent.kind)

	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamTranscriptionDone,
		CorrelationID: sent.corrID,
		Text:          "turn on the lights",
	})
	assert.True(t, r.hub.has(sid, model.ServerEventTranscriptionDone))

	// A retried upload of the same bytes skips upstream STT entirely.
	sendsBefore := len(r.up.sentEvents())
	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventVoiceInput, Audio: encoded, Format: "pcm16"})

	events := r.hub.eventsFor(sid)
	var cachedTranscript *model.ServerEvent
	for i := range events {
		if events[i].Type == model.ServerEventTranscriptionDone && events[i].Cached {
			cachedTranscript = &events[i]
		}
	}
	require.NotNil(t, cachedTranscript)
	assert.Equal(t, "turn on the lights", cachedTranscript.Text)

	// The cached transcript still becomes a query, now as text.
	sent = r.up.lastSent(t)
	assert.Equal(t, upstream.UpstreamEventTextQuery, sent.kind)
	assert.Equal(t, "turn on the lights", sent.payload.Text)
	assert.Equal(t, sendsBefore+1, len(r.up.sentEvents()))
}

func TestAudioChunkDedup(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)

	chunk := base64.StdEncoding.EncodeToString([]byte("frame-0001"))
	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventAudioChunk, ChunkBase64: chunk})
	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventAudioChunk, ChunkBase64: chunk})

	// The retried duplicate was suppressed inside the dedup window.
	var chunkSends int
	for _, ev := range r.up.sentEvents() {
		if ev.kind == upstream.UpstreamEventAudioChunk {
			chunkSends++
		}
	}
	assert.Equal(t, 1, chunkSends)

	// A different chunk goes through.
	other := base64.StdEncoding.EncodeToString([]byte("frame-0002"))
	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventAudioChunk, ChunkBase64: other})
	chunkSends = 0
	for _, ev := range r.up.sentEvents() {
		if ev.kind == upstream.UpstreamEventAudioChunk {
			chunkSends++
		}
	}
	assert.Equal(t, 2, chunkSends)
}

func TestAudioChunkDedupIsScopedPerSession(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	alice := r.activeSession(t)
	bob := r.activeSession(t)

	chunk := base64.StdEncoding.EncodeToString([]byte("identical frame"))
	r.svc.HandleClientEvent(ctx, alice, model.ClientEvent{Type: model.ClientEventAudioChunk, ChunkBase64: chunk})
	r.svc.HandleClientEvent(ctx, bob, model.ClientEvent{Type: model.ClientEventAudioChunk, ChunkBase64: chunk})

	var chunkSends int
	for _, ev := range r.up.sentEvents() {
		if ev.kind == upstream.UpstreamEventAudioChunk {
			chunkSends++
		}
	}
	assert.Equal(t, 2, chunkSends)
}

func TestChangeVoiceRoundTrip(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventChangeVoice, VoiceID: "Matthew"})
	sent := r.up.lastSent(t)
	assert.Equal(t, upstream.UpstreamEventChangeVoice, sent.kind)
	assert.Equal(t, "Matthew", sent.payload.VoiceID)

	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamVoiceChanged,
		CorrelationID: sent.corrID,
		VoiceID:       "Matthew",
	})

	events := r.hub.eventsFor(sid)
	require.Len(t, events, 1)
	assert.Equal(t, model.ServerEventVoiceChanged, events[0].Type)
	assert.Equal(t, "Matthew", events[0].VoiceID)
}

func TestRepeatLast(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)

	// Nothing synthesized under this id yet: a miss, never stale data.
	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventRepeatLast, ResponseID: "resp-9"})
	events := r.hub.eventsFor(sid)
	require.Len(t, events, 1)
	assert.Equal(t, model.ServerEventError, events[0].Type)
	assert.Equal(t, "cache_miss", events[0].Code)

	r.bridge.StoreForReplay(ctx, "resp-9", []byte("stored audio"))
	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventRepeatLast, ResponseID: "resp-9"})

	events = r.hub.eventsFor(sid)
	require.Len(t, events, 2)
	assert.Equal(t, model.ServerEventTTSAudio, events[1].Type)
	assert.Equal(t, "resp-9", events[1].ResponseID)
	decoded, err := base64.StdEncoding.DecodeString(events[1].AudioB64)
	require.NoError(t, err)
	assert.Equal(t, []byte("stored audio"), decoded)
}

func TestUnknownClientEventType(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: "warp_drive"})

	events := r.hub.eventsFor(sid)
	require.Len(t, events, 1)
	assert.Equal(t, model.ServerEventError, events[0].Type)
	assert.Equal(t, "invalid_payload", events[0].Code)
}

func TestCloseSessionMakesLaterRepliesOrphans(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventTextOnlyInput, Text: "hello"})
	corrID := r.up.lastSent(t).corrID

	r.svc.CloseSession(ctx, sid)

	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamTextResponse,
		CorrelationID: corrID,
		Text:          "too late",
		Final:         true,
	})

	assert.Empty(t, r.hub.eventsFor(sid))
}

func TestUpstreamErrorForwarded(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	sid := r.activeSession(t)

	r.svc.HandleClientEvent(ctx, sid, model.ClientEvent{Type: model.ClientEventTextOnlyInput, Text: "hello"})
	corrID := r.up.lastSent(t).corrID

	r.svc.handleInbound(ctx, model.UpstreamMessage{
		Kind:          model.UpstreamError,
		CorrelationID: corrID,
		Code:          "overloaded",
		Message:       "try again shortly",
	})

	events := r.hub.eventsFor(sid)
	require.Len(t, events, 1)
	assert.Equal(t, model.ServerEventError, events[0].Type)
	assert.Equal(t, "overloaded", events[0].Code)
}
