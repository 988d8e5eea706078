package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/raihanakbr/call-relay/internal/errs"
	"github.com/raihanakbr/call-relay/internal/session"
)

// AudioFormat is the companded 8 kHz telephony format used in both directions.
const AudioFormat = "g711_ulaw"

// EventKind tags an inbound AI-channel event.
type EventKind int

const (
	EventOther EventKind = iota
	EventAudioDelta
	EventTranscriptDelta
	EventExtractedFields
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventAudioDelta:
		return "audio_delta"
	case EventTranscriptDelta:
		return "transcript_delta"
	case EventExtractedFields:
		return "extracted_fields"
	case EventClosed:
		return "closed"
	default:
		return "other"
	}
}

// Event is one normalized inbound event from the AI channel.
type Event struct {
	Kind EventKind
	// Type is the wire event name.
	Type string

	// AudioDelta: base64 audio, passed through untouched
	Payload string

	// TranscriptDelta
	Speaker session.Speaker
	Text    string

	// ExtractedFields
	Fields map[string]any

	// Other: set when the frame could not be decoded, or for service error events.
	Err error
}

// Outbound messages

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	TurnDetection           turnDetection       `json:"turn_detection"`
	InputAudioTranscription *audioTranscription `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type audioTranscription struct {
	Model string `json:"model"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bufferCommit struct {
	Type string `json:"type"`
}

type responseCreate struct {
	Type     string          `json:"type"`
	Response *responseConfig `json:"response,omitempty"`
}

type responseConfig struct {
	Instructions string `json:"instructions,omitempty"`
}

// Inbound decoding

// audioShape is one observed spelling of an audio delta event.
type audioShape struct {
	eventType string
	field     string
}

// audioShapes are tried in order; the first match wins.
var audioShapes = []audioShape{
	{"response.audio.delta", "audio"},
	{"response.output_audio.delta", "delta"},
	{"response.audio.delta", "delta"},
}

// transcriptShape maps a wire event to a fixed or "from"-derived speaker.
type transcriptShape struct {
	eventType string
	field     string
	speaker   session.Speaker // empty: read from the "from" field
}

var transcriptShapes = []transcriptShape{
	{"transcript.delta", "text", ""},
	{"response.audio_transcript.done", "transcript", session.SpeakerAgent},
	{"response.output_audio_transcript.done", "transcript", session.SpeakerAgent},
	{"conversation.item.input_audio_transcription.completed", "transcript", session.SpeakerCaller},
}

// Decode normalizes one text frame from the AI channel.
func Decode(raw []byte) (Event, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, parseErr(raw, err)
	}

	var typ string
	if err := unmarshalField(env, "type", &typ); err != nil || typ == "" {
		return Event{}, parseErr(raw, errors.New("missing event type"))
	}

	isAudio := false
	for _, shape := range audioShapes {
		if shape.eventType != typ {
			continue
		}
		isAudio = true
		var payload string
		if unmarshalField(env, shape.field, &payload) == nil && payload != "" {
			return Event{Kind: EventAudioDelta, Type: typ, Payload: payload}, nil
		}
	}
	if isAudio {
		return Event{}, parseErr(raw, fmt.Errorf("%s without audio payload", typ))
	}

	for _, shape := range transcriptShapes {
		if shape.eventType != typ {
			continue
		}
		var text string
		if err := unmarshalField(env, shape.field, &text); err != nil {
			return Event{}, parseErr(raw, fmt.Errorf("%s: %w", typ, err))
		}
		speaker := shape.speaker
		if speaker == "" {
			var from string
			_ = unmarshalField(env, "from", &from)
			var ok bool
			if speaker, ok = speakerFrom(from); !ok {
				return Event{}, parseErr(raw, fmt.Errorf("unknown speaker %q", from))
			}
		}
		return Event{Kind: EventTranscriptDelta, Type: typ, Speaker: speaker, Text: text}, nil
	}

	switch typ {
	case "extracted.fields":
		var fields map[string]any
		if err := unmarshalField(env, "fields", &fields); err != nil || fields == nil {
			return Event{}, parseErr(raw, errors.New("extracted.fields without field map"))
		}
		return Event{Kind: EventExtractedFields, Type: typ, Fields: fields}, nil
	case "error":
		var body struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = unmarshalField(env, "error", &body)
		return Event{Kind: EventOther, Type: typ, Err: fmt.Errorf("service error %s: %s", body.Code, body.Message)}, nil
	}

	return Event{Kind: EventOther, Type: typ}, nil
}

func unmarshalField(env map[string]json.RawMessage, key string, dst any) error {
	raw, ok := env[key]
	if !ok {
		return fmt.Errorf("missing field %q", key)
	}
	return json.Unmarshal(raw, dst)
}

func speakerFrom(from string) (session.Speaker, bool) {
	switch strings.ToLower(from) {
	case "caller", "user", "customer":
		return session.SpeakerCaller, true
	case "", "agent", "assistant", "ai":
		return session.SpeakerAgent, true
	}
	return "", false
}

func parseErr(raw []byte, err error) error {
	return &errs.ParseError{Channel: "ai", Raw: raw, Err: err}
}
