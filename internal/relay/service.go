package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"ai-voice-relay/internal/cache"
	"ai-voice-relay/internal/dedup"
	"ai-voice-relay/internal/model"
	"ai-voice-relay/internal/pkg/logger"
	"ai-voice-relay/internal/session"
	"ai-voice-relay/internal/synthesis"
	"ai-voice-relay/internal/upstream"
)

const synthesisTimeout = 45 * time.Second

// Upstream is the connector surface the relay consumes.
type Upstream interface {
	Send(corrID, kind string, payload upstream.Payload) error
	IsConnected() bool
}

// pendingExchange remembers the client context of one outstanding upstream
// request, so replies can populate the right caches.
type pendingExchange struct {
	sessionID uuid.UUID
	query     string
	lang      string
	textOnly  bool
	audioHash uint64
	hasAudio  bool
}

// cachedResponse is the exact-response cache value.
type cachedResponse struct {
	Text       string `json:"text"`
	ResponseID string `json:"response_id,omitempty"`
}

// Service is the relay core: it admits sessions, turns client events into
// correlated upstream requests (short-circuiting through the cache tier
// where possible) and dispatches normalized upstream replies back to the
// owning session.
type Service struct {
	registry  *session.Registry
	router    *Router
	connector Upstream
	tier      *cache.Tier
	dedup     *dedup.Checker
	bridge    *synthesis.Bridge
	hub       Delivery
	pubSub    *gochannel.GoChannel
	logger    logger.ILogger

	defaultVoice string
	greeting     string

	mu      sync.Mutex
	pending map[string]pendingExchange // correlation id -> client context
	voices  map[uuid.UUID]string       // per-session synthesis voice
}

func NewService(
	registry *session.Registry,
	router *Router,
	connector Upstream,
	tier *cache.Tier,
	dedupChecker *dedup.Checker,
	bridge *synthesis.Bridge,
	hub Delivery,
	pubSub *gochannel.GoChannel,
	defaultVoice string,
	greeting string,
	log logger.ILogger,
) *Service {
	return &Service{
		registry:     registry,
		router:       router,
		connector:    connector,
		tier:         tier,
		dedup:        dedupChecker,
		bridge:       bridge,
		hub:          hub,
		pubSub:       pubSub,
		defaultVoice: defaultVoice,
		greeting:     greeting,
		logger:       log,
		pending:      make(map[string]pendingExchange),
		voices:       make(map[uuid.UUID]string),
	}
}

// OpenSession admits a session in Connecting state. The client drives the
// handshake with a create_session event.
func (s *Service) OpenSession(ctx context.Context) uuid.UUID {
	return s.registry.Open(ctx).ID
}

// CloseSession releases the session and every correlation it owns; replies
// that arrive afterward are orphans. Idempotent.
func (s *Service) CloseSession(ctx context.Context, sessionID uuid.UUID) {
	s.registry.Close(ctx, sessionID)

	s.mu.Lock()
	for corrID, p := range s.pending {
		if p.sessionID == sessionID {
			delete(s.pending, corrID)
		}
	}
	delete(s.voices, sessionID)
	s.mu.Unlock()
}

// HandleClientEvent processes one parsed client event.
func (s *Service) HandleClientEvent(ctx context.Context, sessionID uuid.UUID, event model.ClientEvent) {
	switch event.Type {
	case model.ClientEventCreateSession:
		s.handleCreateSession(ctx, sessionID)
	case model.ClientEventTextInput:
		s.handleTextQuery(ctx, sessionID, event.Text, event.Language, false)
	case model.ClientEventTextOnlyInput:
		s.handleTextQuery(ctx, sessionID, event.Text, event.Language, true)
	case model.ClientEventVoiceInput:
		s.handleVoiceInput(ctx, sessionID, event)
	case model.ClientEventAudioChunk:
		s.handleAudioChunk(ctx, sessionID, event)
	case model.ClientEventInterimSpeech:
		s.handleInterimSpeech(ctx, sessionID, event.Text)
	case model.ClientEventChangeVoice:
		s.handleChangeVoice(ctx, sessionID, event.VoiceID)
	case model.ClientEventGetVoices:
		s.handleGetVoices(ctx, sessionID)
	case model.ClientEventRepeatLast:
		s.handleRepeatLast(ctx, sessionID, event.ResponseID)
	default:
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventError,
			Code:    "invalid_payload",
			Message: "unrecognized event type: " + event.Type,
		})
	}
}

// handleCreateSession runs the new-session handshake. When the upstream is
// unreachable the session is activated immediately with a local fallback
// greeting; the late upstream acknowledgement is suppressed in handleInbound.
func (s *Service) handleCreateSession(ctx context.Context, sessionID uuid.UUID) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return
	}

	if sess.State == session.StateActive {
		// Repeated create_session: merge, never duplicate the greeting.
		s.hub.Deliver(sessionID, model.ServerEvent{Type: model.ServerEventSessionReady})
		return
	}

	if s.connector.IsConnected() {
		corrID, err := s.registry.AllocateCorrelation(sessionID)
		if err == nil {
			if err := s.connector.Send(corrID, upstream.UpstreamEventNewSession, upstream.Payload{}); err == nil {
				return // upstream will acknowledge with session_ready
			}
			s.registry.ReleaseCorrelation(corrID)
		}
	}

	// Local fallback: no upstream link. Activate now and greet locally.
	if err := s.registry.Activate(ctx, sessionID); err != nil {
		return
	}
	s.hub.Deliver(sessionID, model.ServerEvent{Type: model.ServerEventSessionReady})
	s.hub.Deliver(sessionID, model.ServerEvent{
		Type: model.ServerEventTextResponse,
		Text: s.greeting,
	})
	s.hub.Deliver(sessionID, model.ServerEvent{Type: model.ServerEventStreamComplete})
}

func (s *Service) handleTextQuery(ctx context.Context, sessionID uuid.UUID, text, lang string, textOnly bool) {
	if text == "" {
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventError,
			Code:    "invalid_payload",
			Message: "empty query text",
		})
		return
	}
	if !s.requireActive(sessionID) {
		return
	}
	if lang == "" {
		lang = "en"
	}

	s.registry.Touch(ctx, sessionID, text)

	// Exact-response short circuit.
	key := cache.ExactResponseKey(lang, text)
	if raw, hit := s.tier.Get(ctx, cache.RoleExactResponse, key); hit {
		var cached cachedResponse
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			s.deliverCachedResponse(ctx, sessionID, cached, textOnly)
			return
		}
	}

	corrID, err := s.registry.AllocateCorrelation(sessionID)
	if err != nil {
		s.logger.Warn("RelayService", "Session closed during routing", map[string]interface{}{"session_id": sessionID})
		return
	}

	s.trackPending(corrID, pendingExchange{
		sessionID: sessionID,
		query:     text,
		lang:      lang,
		textOnly:  textOnly,
	})

	kind := upstream.UpstreamEventTextQuery
	if textOnly {
		kind = upstream.UpstreamEventTextOnlyQuery
	}
	if err := s.connector.Send(corrID, kind, upstream.Payload{Text: text}); err != nil {
		s.failOutbound(sessionID, corrID, err)
	}
}

func (s *Service) deliverCachedResponse(ctx context.Context, sessionID uuid.UUID, cached cachedResponse, textOnly bool) {
	s.hub.Deliver(sessionID, model.ServerEvent{Type: model.ServerEventQueryReceived})
	s.hub.Deliver(sessionID, model.ServerEvent{
		Type:       model.ServerEventTextResponse,
		Text:       cached.Text,
		ResponseID: cached.ResponseID,
		Cached:     true,
	})
	s.hub.Deliver(sessionID, model.ServerEvent{Type: model.ServerEventStreamComplete})

	if textOnly {
		return
	}
	if cached.ResponseID != "" {
		if audio, ok := s.bridge.Replay(ctx, cached.ResponseID); ok {
			s.hub.Deliver(sessionID, model.ServerEvent{
				Type:       model.ServerEventTTSAudio,
				ResponseID: cached.ResponseID,
				AudioB64:   base64.StdEncoding.EncodeToString(audio),
			})
			return
		}
	}
	go s.synthesizeAndDeliver(sessionID, cached.Text, cached.ResponseID)
}

func (s *Service) handleVoiceInput(ctx context.Context, sessionID uuid.UUID, event model.ClientEvent) {
	if event.Audio == "" {
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventError,
			Code:    "invalid_payload",
			Message: "voice_input without audio",
		})
		return
	}
	if !s.requireActive(sessionID) {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(event.Audio)
	if err != nil {
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventError,
			Code:    "invalid_payload",
			Message: "audio is not valid base64",
		})
		return
	}

	// Raw transcript short circuit: a retried upload inside the retry
	// window skips upstream STT entirely.
	audioHash := dedup.HashAudio(raw)
	if transcript, hit := s.tier.Get(ctx, cache.RoleRawTranscript, cache.TranscriptKey(audioHash)); hit {
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:   model.ServerEventTranscriptionDone,
			Text:   transcript,
			Cached: true,
		})
		s.handleTextQuery(ctx, sessionID, transcript, event.Language, false)
		return
	}

	s.registry.Touch(ctx, sessionID, "")

	corrID, err := s.registry.AllocateCorrelation(sessionID)
	if err != nil {
		return
	}
	s.trackPending(corrID, pendingExchange{
		sessionID: sessionID,
		lang:      event.Language,
		audioHash: audioHash,
		hasAudio:  true,
	})

	if err := s.connector.Send(corrID, upstream.UpstreamEventVoiceInput, upstream.Payload{
		Audio:  event.Audio,
		Format: event.Format,
	}); err != nil {
		s.failOutbound(sessionID, corrID, err)
	}
}

func (s *Service) handleAudioChunk(ctx context.Context, sessionID uuid.UUID, event model.ClientEvent) {
	if !s.requireActive(sessionID) {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(event.ChunkBase64)
	if err != nil {
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventError,
			Code:    "invalid_payload",
			Message: "chunk is not valid base64",
		})
		return
	}

	// Transport retries resend identical chunks; suppress them inside the
	// dedup window.
	if s.dedup.IsDuplicate(ctx, sessionID.String(), raw) {
		return
	}

	corrID, ok := s.registry.CurrentCorrelation(sessionID)
	if !ok {
		var err error
		corrID, err = s.registry.AllocateCorrelation(sessionID)
		if err != nil {
			return
		}
		s.trackPending(corrID, pendingExchange{sessionID: sessionID})
	}

	if err := s.connector.Send(corrID, upstream.UpstreamEventAudioChunk, upstream.Payload{
		Audio:     event.ChunkBase64,
		SessionID: sessionID.String(),
	}); err != nil {
		s.failOutbound(sessionID, corrID, err)
	}
}

func (s *Service) handleInterimSpeech(ctx context.Context, sessionID uuid.UUID, text string) {
	if !s.requireActive(sessionID) {
		return
	}
	corrID, ok := s.registry.CurrentCorrelation(sessionID)
	if !ok {
		var err error
		corrID, err = s.registry.AllocateCorrelation(sessionID)
		if err != nil {
			return
		}
		s.trackPending(corrID, pendingExchange{sessionID: sessionID})
	}
	if err := s.connector.Send(corrID, upstream.UpstreamEventInterimSpeech, upstream.Payload{Text: text}); err != nil {
		s.failOutbound(sessionID, corrID, err)
	}
}

func (s *Service) handleChangeVoice(ctx context.Context, sessionID uuid.UUID, voiceID string) {
	if voiceID == "" {
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventError,
			Code:    "invalid_payload",
			Message: "change_voice without voice_id",
		})
		return
	}
	if !s.requireActive(sessionID) {
		return
	}
	corrID, err := s.registry.AllocateCorrelation(sessionID)
	if err != nil {
		return
	}
	s.trackPending(corrID, pendingExchange{sessionID: sessionID})
	if err := s.connector.Send(corrID, upstream.UpstreamEventChangeVoice, upstream.Payload{VoiceID: voiceID}); err != nil {
		s.failOutbound(sessionID, corrID, err)
	}
}

func (s *Service) handleGetVoices(ctx context.Context, sessionID uuid.UUID) {
	if !s.requireActive(sessionID) {
		return
	}
	corrID, err := s.registry.AllocateCorrelation(sessionID)
	if err != nil {
		return
	}
	s.trackPending(corrID, pendingExchange{sessionID: sessionID})
	if err := s.connector.Send(corrID, upstream.UpstreamEventGetVoices, upstream.Payload{}); err != nil {
		s.failOutbound(sessionID, corrID, err)
	}
}

// handleRepeatLast re-serves already synthesized audio. After the relay TTL
// it is a cache miss, never stale data.
func (s *Service) handleRepeatLast(ctx context.Context, sessionID uuid.UUID, responseID string) {
	if responseID == "" {
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventError,
			Code:    "invalid_payload",
			Message: "repeat_last without response_id",
		})
		return
	}
	audio, ok := s.bridge.Replay(ctx, responseID)
	if !ok {
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:       model.ServerEventError,
			Code:       "cache_miss",
			Message:    "audio no longer available",
			ResponseID: responseID,
		})
		return
	}
	s.hub.Deliver(sessionID, model.ServerEvent{
		Type:       model.ServerEventTTSAudio,
		ResponseID: responseID,
		AudioB64:   base64.StdEncoding.EncodeToString(audio),
	})
}

// RunDispatcher consumes the normalized upstream message topic until the
// context is cancelled. A single subscriber preserves per-correlation order.
func (s *Service) RunDispatcher(ctx context.Context) error {
	messages, err := s.pubSub.Subscribe(ctx, upstream.TopicUpstreamMessages)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			s.processUpstreamMessage(ctx, msg)
		}
	}()

	return nil
}

func (s *Service) processUpstreamMessage(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	var um model.UpstreamMessage
	if err := json.Unmarshal(msg.Payload, &um); err != nil {
		s.logger.Error("RelayService", "Failed to unmarshal upstream message", map[string]interface{}{"error": err.Error()})
		return
	}
	s.handleInbound(ctx, um)
}

// handleInbound routes one normalized upstream message to its owning
// session and applies the kind-specific side effects (cache population,
// synthesis kickoff, activation).
func (s *Service) handleInbound(ctx context.Context, msg model.UpstreamMessage) {
	sessionID, ok := s.router.Resolve(msg)
	if !ok {
		s.dropPending(msg.CorrelationID)
		return
	}

	switch msg.Kind {
	case model.UpstreamSessionAcknowledged:
		s.handleSessionReady(ctx, sessionID)

	case model.UpstreamStatus:
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventStatus,
			Message: msg.Message,
		})

	case model.UpstreamQueryAcknowledged:
		s.hub.Deliver(sessionID, model.ServerEvent{Type: model.ServerEventQueryReceived})

	case model.UpstreamTextResponse:
		s.handleTextResponse(ctx, sessionID, msg)

	case model.UpstreamTranscriptionStart:
		s.hub.Deliver(sessionID, model.ServerEvent{Type: model.ServerEventTranscriptionStart})

	case model.UpstreamTranscriptionDone:
		s.handleTranscriptionDone(ctx, sessionID, msg)

	case model.UpstreamAudioStart:
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:       model.ServerEventAudioStart,
			ResponseID: msg.ResponseID,
			Format:     msg.Format,
		})

	case model.UpstreamAudioChunk:
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:       model.ServerEventAudioChunk,
			ResponseID: msg.ResponseID,
			AudioB64:   msg.AudioB64,
			Format:     msg.Format,
		})

	case model.UpstreamAudioEnd:
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:       model.ServerEventAudioEnd,
			ResponseID: msg.ResponseID,
		})

	case model.UpstreamAudioInterrupted:
		s.hub.Deliver(sessionID, model.ServerEvent{Type: model.ServerEventAudioInterrupted})

	case model.UpstreamSpeculativeReady:
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:       model.ServerEventSpeculativeReady,
			Text:       msg.Text,
			ResponseID: msg.ResponseID,
		})

	case model.UpstreamResponseInterrupted:
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type: model.ServerEventResponseInterrupted,
			Text: msg.Text,
		})

	case model.UpstreamVoiceChanged:
		s.mu.Lock()
		s.voices[sessionID] = msg.VoiceID
		s.mu.Unlock()
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventVoiceChanged,
			VoiceID: msg.VoiceID,
		})

	case model.UpstreamAvailableVoices:
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:   model.ServerEventAvailableVoices,
			Voices: msg.Voices,
		})

	case model.UpstreamError:
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventError,
			Code:    msg.Code,
			Message: msg.Message,
		})
	}

	if isTerminal(msg) {
		s.dropPending(msg.CorrelationID)
	}
}

// handleSessionReady activates the session, or suppresses the late upstream
// greeting when the local fallback already activated it.
func (s *Service) handleSessionReady(ctx context.Context, sessionID uuid.UUID) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return
	}
	if sess.State == session.StateActive {
		s.logger.Info("RelayService", "Duplicate session greeting suppressed", map[string]interface{}{
			"session_id": sessionID,
		})
		return
	}
	if err := s.registry.Activate(ctx, sessionID); err != nil {
		return
	}
	s.hub.Deliver(sessionID, model.ServerEvent{Type: model.ServerEventSessionReady})
}

func (s *Service) handleTextResponse(ctx context.Context, sessionID uuid.UUID, msg model.UpstreamMessage) {
	responseID := msg.ResponseID
	if responseID == "" && msg.Final {
		responseID = uuid.NewString()
	}

	s.hub.Deliver(sessionID, model.ServerEvent{
		Type:       model.ServerEventTextResponse,
		Text:       msg.Text,
		ResponseID: responseID,
	})

	if !msg.Final {
		return
	}

	s.hub.Deliver(sessionID, model.ServerEvent{Type: model.ServerEventStreamComplete})

	p, tracked := s.peekPending(msg.CorrelationID)

	// Populate the exact-response cache under the query that produced this
	// answer. Short TTL; long-term semantic reuse belongs to the upstream.
	lang := msg.Language
	if lang == "" && tracked {
		lang = p.lang
	}
	if lang == "" {
		lang = "en"
	}
	query := ""
	if tracked {
		query = p.query
	}
	if query != "" {
		value, err := json.Marshal(cachedResponse{Text: msg.Text, ResponseID: responseID})
		if err == nil {
			s.tier.Set(ctx, cache.RoleExactResponse, cache.ExactResponseKey(lang, query), string(value))
		}
	}

	if tracked && p.textOnly {
		return
	}
	go s.synthesizeAndDeliver(sessionID, msg.Text, responseID)
}

func (s *Service) handleTranscriptionDone(ctx context.Context, sessionID uuid.UUID, msg model.UpstreamMessage) {
	s.hub.Deliver(sessionID, model.ServerEvent{
		Type: model.ServerEventTranscriptionDone,
		Text: msg.Text,
	})

	s.registry.Touch(ctx, sessionID, msg.Text)

	// The transcript doubles as the exchange's query for exact-response
	// caching, and lands in the raw transcript cache under the audio hash
	// the client upload produced.
	s.mu.Lock()
	p, tracked := s.pending[msg.CorrelationID]
	if tracked {
		p.query = msg.Text
		s.pending[msg.CorrelationID] = p
	}
	s.mu.Unlock()

	if tracked && p.hasAudio {
		s.tier.Set(ctx, cache.RoleRawTranscript, cache.TranscriptKey(p.audioHash), msg.Text)
	}
}

// synthesizeAndDeliver runs speech synthesis off the dispatcher goroutine so
// one session's synthesis never blocks another session's replies. Failure is
// absorbed: the text reply already reached the client.
func (s *Service) synthesizeAndDeliver(sessionID uuid.UUID, text, responseID string) {
	ctx, cancel := context.WithTimeout(context.Background(), synthesisTimeout)
	defer cancel()

	s.mu.Lock()
	voice, ok := s.voices[sessionID]
	s.mu.Unlock()
	if !ok {
		voice = s.defaultVoice
	}

	audio, err := s.bridge.SynthesizeForReplay(ctx, text, voice, responseID)
	if err != nil {
		s.logger.Warn("RelayService", "Synthesis failed, client keeps text-only reply", map[string]interface{}{
			"session_id":  sessionID,
			"response_id": responseID,
			"error":       err.Error(),
		})
		return
	}

	s.hub.Deliver(sessionID, model.ServerEvent{
		Type:       model.ServerEventTTSAudio,
		ResponseID: responseID,
		AudioB64:   base64.StdEncoding.EncodeToString(audio),
	})
}

// requireActive rejects traffic for sessions that are missing or not yet
// through the handshake. The offending event is rejected alone.
func (s *Service) requireActive(sessionID uuid.UUID) bool {
	sess, ok := s.registry.Get(sessionID)
	if !ok || sess.State != session.StateActive {
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventError,
			Code:    "unknown_session",
			Message: "session is not active",
		})
		return false
	}
	return true
}

// failOutbound releases a correlation whose upstream send failed and tells
// the client the upstream is temporarily unavailable. The connector's
// reconnect loop retries the link; the relay never disconnects the client.
func (s *Service) failOutbound(sessionID uuid.UUID, corrID string, err error) {
	s.registry.ReleaseCorrelation(corrID)
	s.dropPending(corrID)

	if errors.Is(err, model.ErrUpstreamUnavailable) {
		s.hub.Deliver(sessionID, model.ServerEvent{
			Type:    model.ServerEventError,
			Code:    "upstream_unavailable",
			Message: "the assistant is temporarily unavailable, please retry",
		})
		return
	}
	s.logger.Error("RelayService", "Upstream send failed", map[string]interface{}{
		"session_id": sessionID,
		"error":      err.Error(),
	})
}

func (s *Service) trackPending(corrID string, p pendingExchange) {
	s.mu.Lock()
	s.pending[corrID] = p
	s.mu.Unlock()
}

func (s *Service) peekPending(corrID string) (pendingExchange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[corrID]
	return p, ok
}

func (s *Service) dropPending(corrID string) {
	if corrID == "" {
		return
	}
	s.mu.Lock()
	delete(s.pending, corrID)
	s.mu.Unlock()
}
