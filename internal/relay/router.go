package relay

import (
	"github.com/google/uuid"

	"ai-voice-relay/internal/model"
	"ai-voice-relay/internal/pkg/logger"
	"ai-voice-relay/internal/session"
)

// Delivery pushes one server event to a session's outbound channel.
// Implemented by the websocket hub.
type Delivery interface {
	Deliver(sessionID uuid.UUID, event model.ServerEvent) bool
}

// Router resolves inbound upstream messages to their owning session. The
// correlation table is the primary mechanism; the most-recently-active
// session is an explicit, documented degradation used only for wire events
// that carry no correlation id at all.
type Router struct {
	registry *session.Registry
	logger   logger.ILogger
}

func NewRouter(registry *session.Registry, log logger.ILogger) *Router {
	return &Router{registry: registry, logger: log}
}

// terminalKinds end an upstream exchange: resolving one consumes its
// correlation. Every other kind peeks, because more replies follow on the
// same correlation (audio streams, transcription-then-response).
var terminalKinds = map[model.UpstreamKind]bool{
	model.UpstreamSessionAcknowledged: true,
	model.UpstreamAudioEnd:            true,
	model.UpstreamAudioInterrupted:    true,
	model.UpstreamResponseInterrupted: true,
	model.UpstreamVoiceChanged:        true,
	model.UpstreamAvailableVoices:     true,
	model.UpstreamError:               true,
}

func isTerminal(msg model.UpstreamMessage) bool {
	if msg.Kind == model.UpstreamTextResponse {
		return msg.Final
	}
	return terminalKinds[msg.Kind]
}

// Resolve maps the message to the session that owns it. A reply for a
// released or expired correlation is an orphan: logged and dropped, never
// delivered to a different session.
func (r *Router) Resolve(msg model.UpstreamMessage) (uuid.UUID, bool) {
	if msg.CorrelationID != "" {
		var (
			sid uuid.UUID
			ok  bool
		)
		if isTerminal(msg) {
			sid, ok = r.registry.ResolveCorrelation(msg.CorrelationID)
		} else {
			sid, ok = r.registry.PeekCorrelation(msg.CorrelationID)
		}
		if !ok {
			r.logger.Warn("MessageRouter", "Orphan reply dropped", map[string]interface{}{
				"kind":           string(msg.Kind),
				"correlation_id": msg.CorrelationID,
			})
		}
		return sid, ok
	}

	// Last-resort fallback for protocols that cannot carry a correlation
	// id end-to-end. Best effort only; wrong under true concurrency.
	sid, ok := r.registry.MostRecentlyActive()
	if !ok {
		r.logger.Warn("MessageRouter", "Orphan reply dropped, no open session", map[string]interface{}{
			"kind": string(msg.Kind),
		})
		return uuid.Nil, false
	}
	r.logger.Warn("MessageRouter", "Untagged upstream message routed to MRU session", map[string]interface{}{
		"kind":       string(msg.Kind),
		"session_id": sid,
	})
	return sid, true
}
