package model

import "encoding/json"

// Client → relay event types.
const (
	ClientEventCreateSession = "create_session"
	ClientEventTextInput     = "text_input"
	ClientEventTextOnlyInput = "text_only_input"
	ClientEventVoiceInput    = "voice_input"
	ClientEventAudioChunk    = "audio_chunk"
	ClientEventInterimSpeech = "interim_speech"
	ClientEventChangeVoice   = "change_voice"
	ClientEventGetVoices     = "get_voices"
	ClientEventRepeatLast    = "repeat_last"
)

// Relay → client event types.
const (
	ServerEventStatus              = "status"
	ServerEventSessionReady        = "session_ready"
	ServerEventQueryReceived       = "query_received"
	ServerEventTextResponse        = "text_response"
	ServerEventStreamComplete      = "stream_complete"
	ServerEventAudioStart          = "audio_start"
	ServerEventAudioChunk          = "audio_chunk"
	ServerEventAudioEnd            = "audio_end"
	ServerEventAudioInterrupted    = "audio_interrupted"
	ServerEventTranscriptionStart  = "transcription_start"
	ServerEventTranscriptionDone   = "transcription_complete"
	ServerEventSpeculativeReady    = "speculative_ready"
	ServerEventResponseInterrupted = "response_interrupted"
	ServerEventVoiceChanged        = "voice_changed"
	ServerEventAvailableVoices     = "available_voices"
	ServerEventTTSAudio            = "tts_audio"
	ServerEventError               = "error"
)

// ClientEvent is the inbound envelope read off a client websocket.
type ClientEvent struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Audio       string `json:"audio,omitempty"`  // base64 (voice_input)
	Format      string `json:"format,omitempty"` // voice_input
	ChunkBase64 string `json:"chunk,omitempty"`  // audio_chunk
	VoiceID     string `json:"voice_id,omitempty"`
	ResponseID  string `json:"response_id,omitempty"` // repeat_last
	Language    string `json:"language,omitempty"`
}

// ServerEvent is the outbound envelope delivered to a client websocket.
type ServerEvent struct {
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	AudioB64   string  `json:"audio,omitempty"`
	Format     string  `json:"format,omitempty"`
	VoiceID    string  `json:"voice_id,omitempty"`
	ResponseID string  `json:"response_id,omitempty"`
	Voices     []Voice `json:"voices,omitempty"`
	Code       string  `json:"code,omitempty"`
	Message    string  `json:"message,omitempty"`
	Cached     bool    `json:"cached,omitempty"`
}

// Encode serializes the event for the websocket write pump.
func (e ServerEvent) Encode() []byte {
	data, _ := json.Marshal(e)
	return data
}
