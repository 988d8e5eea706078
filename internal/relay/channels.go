package relay

import (
	"context"

	"github.com/raihanakbr/call-relay/internal/media"
	"github.com/raihanakbr/call-relay/internal/realtime"
)

// CallerChannel is the telephony side of a call. *media.Handler implements it.
type CallerChannel interface {
	Events() <-chan media.Event
	SendAudio(streamSid, payload string) error
	Close() error
}

// AIChannel is a connected, configured AI side. *realtime.Conn implements it.
type AIChannel interface {
	Events() <-chan realtime.Event
	SendAudio(payload string) error
	CommitInput() error
	RequestResponse(instructions string) error
	Close() error
}

// Connector opens the AI side of a call.
type Connector interface {
	Connect(ctx context.Context, instructions string) (AIChannel, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, instructions string) (AIChannel, error)

func (f ConnectorFunc) Connect(ctx context.Context, instructions string) (AIChannel, error) {
	return f(ctx, instructions)
}

// RealtimeConnector connects through a realtime.Client.
func RealtimeConnector(client *realtime.Client) Connector {
	return ConnectorFunc(func(ctx context.Context, instructions string) (AIChannel, error) {
		conn, err := client.Connect(ctx, instructions)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}
