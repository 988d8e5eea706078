package media

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raihanakbr/call-relay/internal/errs"
)

// EventKind tags an inbound caller-channel event.
type EventKind int

const (
	EventOther EventKind = iota
	EventStarted
	EventMedia
	EventStopped
	EventMalformed
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventMedia:
		return "media"
	case EventStopped:
		return "stopped"
	case EventMalformed:
		return "malformed"
	default:
		return "other"
	}
}

// Event is one decoded inbound frame from the caller channel.
type Event struct {
	Kind EventKind

	// Started
	StreamSid        string
	CallSid          string
	CustomParameters map[string]string

	// Media: base64 audio, passed through untouched
	Payload string

	// Malformed
	Err error

	// Other: the raw event name
	Name string
}

// Wire messages
type inboundMessage struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type startPayload struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

// Decode parses one text frame from the caller channel.
func Decode(raw []byte) (Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Event{}, &errs.ParseError{Channel: "caller", Raw: raw, Err: err}
	}

	switch msg.Event {
	case "start":
		if msg.Start == nil {
			return Event{}, parseErr(raw, "start event without start object")
		}
		sid := msg.Start.StreamSid
		if sid == "" {
			sid = msg.StreamSid
		}
		if sid == "" {
			return Event{}, parseErr(raw, "start event without streamSid")
		}
		return Event{
			Kind:             EventStarted,
			StreamSid:        sid,
			CallSid:          msg.Start.CallSid,
			CustomParameters: msg.Start.CustomParameters,
		}, nil
	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return Event{}, parseErr(raw, "media event without payload")
		}
		return Event{Kind: EventMedia, Payload: msg.Media.Payload}, nil
	case "stop":
		return Event{Kind: EventStopped}, nil
	case "":
		return Event{}, parseErr(raw, "missing event name")
	default:
		return Event{Kind: EventOther, Name: msg.Event}, nil
	}
}

var errUnexpectedBinary = errors.New("unexpected binary frame")

func parseErr(raw []byte, msg string) error {
	return &errs.ParseError{Channel: "caller", Raw: raw, Err: errors.New(msg)}
}

func encodeMedia(streamSid, payload string) ([]byte, error) {
	data, err := json.Marshal(outboundMedia{
		Event:     "media",
		StreamSid: streamSid,
		Media:     mediaPayload{Payload: payload},
	})
	if err != nil {
		return nil, fmt.Errorf("encode media event: %w", err)
	}
	return data, nil
}
