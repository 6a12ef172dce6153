package upstream

import (
	"encoding/json"
	"fmt"

	"ai-voice-relay/internal/model"
)

// wireEvent is the loose JSON shape the AI service emits. Normalize converts
// it into the closed set of typed variants; anything else is rejected as
// ErrInvalidPayload instead of being passed through untyped.
type wireEvent struct {
	Type          string        `json:"type"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Text          string        `json:"text,omitempty"`
	ResponseID    string        `json:"response_id,omitempty"`
	Audio         string        `json:"audio,omitempty"`
	Format        string        `json:"format,omitempty"`
	VoiceID       string        `json:"voice_id,omitempty"`
	Voices        []model.Voice `json:"voices,omitempty"`
	Language      string        `json:"language,omitempty"`
	Final         bool          `json:"final,omitempty"`
	Code          string        `json:"code,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// wireKinds maps upstream wire types onto normalized kinds.
var wireKinds = map[string]model.UpstreamKind{
	"status":                 model.UpstreamStatus,
	"text_response":          model.UpstreamTextResponse,
	"query_received":         model.UpstreamQueryAcknowledged,
	"query_acknowledged":     model.UpstreamQueryAcknowledged,
	"audio_start":            model.UpstreamAudioStart,
	"audio_chunk":            model.UpstreamAudioChunk,
	"audio_end":              model.UpstreamAudioEnd,
	"audio_interrupted":      model.UpstreamAudioInterrupted,
	"transcription_start":    model.UpstreamTranscriptionStart,
	"transcription_complete": model.UpstreamTranscriptionDone,
	"speculative_ready":      model.UpstreamSpeculativeReady,
	"response_interrupted":   model.UpstreamResponseInterrupted,
	"voice_changed":          model.UpstreamVoiceChanged,
	"available_voices":       model.UpstreamAvailableVoices,
	"error":                  model.UpstreamError,
	"session_ready":          model.UpstreamSessionAcknowledged,
}

// Normalize parses and validates one wire event. Required fields per kind
// are enforced here so downstream code never sees half-formed variants.
func Normalize(data []byte) (model.UpstreamMessage, error) {
	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return model.UpstreamMessage{}, fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}

	kind, ok := wireKinds[ev.Type]
	if !ok {
		return model.UpstreamMessage{}, fmt.Errorf("%w: unrecognized type %q", model.ErrInvalidPayload, ev.Type)
	}

	msg := model.UpstreamMessage{
		Kind:          kind,
		CorrelationID: ev.CorrelationID,
		Text:          ev.Text,
		ResponseID:    ev.ResponseID,
		AudioB64:      ev.Audio,
		Format:        ev.Format,
		VoiceID:       ev.VoiceID,
		Voices:        ev.Voices,
		Language:      ev.Language,
		Final:         ev.Final,
		Code:          ev.Code,
		Message:       ev.Message,
	}

	switch kind {
	case model.UpstreamTextResponse, model.UpstreamTranscriptionDone, model.UpstreamSpeculativeReady:
		if ev.Text == "" {
			return model.UpstreamMessage{}, fmt.Errorf("%w: %s without text", model.ErrInvalidPayload, ev.Type)
		}
	case model.UpstreamAudioChunk:
		if ev.Audio == "" {
			return model.UpstreamMessage{}, fmt.Errorf("%w: audio_chunk without audio", model.ErrInvalidPayload)
		}
	case model.UpstreamVoiceChanged:
		if ev.VoiceID == "" {
			return model.UpstreamMessage{}, fmt.Errorf("%w: voice_changed without voice_id", model.ErrInvalidPayload)
		}
	case model.UpstreamAvailableVoices:
		if len(ev.Voices) == 0 {
			return model.UpstreamMessage{}, fmt.Errorf("%w: available_voices without voices", model.ErrInvalidPayload)
		}
	case model.UpstreamError:
		if ev.Message == "" {
			return model.UpstreamMessage{}, fmt.Errorf("%w: error without message", model.ErrInvalidPayload)
		}
	}

	return msg, nil
}
