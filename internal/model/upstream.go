package model

// UpstreamKind identifies one normalized upstream message variant.
type UpstreamKind string

const (
	UpstreamStatus               UpstreamKind = "status"
	UpstreamTextResponse         UpstreamKind = "text_response"
	UpstreamQueryAcknowledged    UpstreamKind = "query_acknowledged"
	UpstreamAudioStart           UpstreamKind = "audio_start"
	UpstreamAudioChunk           UpstreamKind = "audio_chunk"
	UpstreamAudioEnd             UpstreamKind = "audio_end"
	UpstreamAudioInterrupted     UpstreamKind = "audio_interrupted"
	UpstreamTranscriptionStart   UpstreamKind = "transcription_start"
	UpstreamTranscriptionDone    UpstreamKind = "transcription_complete"
	UpstreamSpeculativeReady     UpstreamKind = "speculative_ready"
	UpstreamResponseInterrupted  UpstreamKind = "response_interrupted"
	UpstreamVoiceChanged         UpstreamKind = "voice_changed"
	UpstreamAvailableVoices      UpstreamKind = "available_voices"
	UpstreamError                UpstreamKind = "error"
	UpstreamSessionAcknowledged  UpstreamKind = "session_ready"
)

// Voice describes one synthesis voice offered by the upstream service.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
}

// UpstreamMessage is the normalized shape every upstream wire event is
// translated into. Kind selects the variant; only the fields that variant
// requires are populated (see normalize.go for the per-kind contract).
type UpstreamMessage struct {
	Kind UpstreamKind

	// CorrelationID binds the message to the request that caused it.
	// Empty when the wire event carried none (router falls back to the
	// most-recently-active session).
	CorrelationID string

	Text       string  // text_response, transcription_complete, status detail
	ResponseID string  // text_response, speculative_ready, audio_*
	AudioB64   string  // audio_chunk (base64 payload)
	Format     string  // audio_start/audio_chunk
	VoiceID    string  // voice_changed
	Voices     []Voice // available_voices
	Language   string  // text_response (exact-response cache key)
	Final      bool    // text_response: true once the stream is complete
	Code       string  // error
	Message    string  // error, status
}

// LinkStatus is the lifecycle state of one physical upstream connection.
type LinkStatus string

const (
	LinkDisconnected LinkStatus = "disconnected"
	LinkConnecting   LinkStatus = "connecting"
	LinkConnected    LinkStatus = "connected"
)

// UpstreamLink is a snapshot of the connector state, exposed for health checks.
type UpstreamLink struct {
	ConnectionID string     `json:"connection_id"`
	Status       LinkStatus `json:"status"`
	LastError    string     `json:"last_error,omitempty"`
}
