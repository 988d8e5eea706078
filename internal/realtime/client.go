// Package realtime is the client side of the speech-to-speech AI channel.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raihanakbr/call-relay/internal/errs"
)

const (
	writeTimeout = 5 * time.Second
	drainTimeout = time.Second
	eventBuffer  = 64
	outboxSize   = 256

	transcriptionModel = "whisper-1"
)

// WebsocketDialer opens the outbound socket. *websocket.Dialer satisfies it.
type WebsocketDialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Client establishes AI-channel connections. One Client serves every call.
type Client struct {
	URL    string
	APIKey string
	Model  string
	Voice  string
	Dialer WebsocketDialer
	Logger *slog.Logger
}

// Connect dials the service and sends the session configuration. It returns
// once both have succeeded; any failure is a *errs.ConnectError.
func (c *Client) Connect(ctx context.Context, instructions string) (*Conn, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, &errs.ConnectError{URL: c.URL, Err: fmt.Errorf("failed to parse realtime URL: %w", err)}
	}
	if c.Model != "" {
		q := u.Query()
		q.Set("model", c.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+c.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		cerr := &errs.ConnectError{URL: u.Redacted(), Err: err}
		if resp != nil {
			cerr.StatusCode = resp.StatusCode
		}
		return nil, cerr
	}

	conn := newConn(ws, logger)
	update := sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            instructions,
			Voice:                   c.Voice,
			InputAudioFormat:        AudioFormat,
			OutputAudioFormat:       AudioFormat,
			TurnDetection:           turnDetection{Type: "server_vad"},
			InputAudioTranscription: &audioTranscription{Model: transcriptionModel},
		},
	}
	if err := conn.writeJSON(ctx, update); err != nil {
		ws.Close()
		return nil, &errs.ConnectError{URL: u.Redacted(), Err: fmt.Errorf("send session.update: %w", err)}
	}

	go conn.writeLoop()
	go conn.readLoop()
	logger.Debug("AI channel configured", slog.String("url", u.Redacted()))
	return conn, nil
}

// wsConn is the subset of *websocket.Conn used by Conn.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Conn is one live, configured AI channel. After Connect every outbound
// message goes through a single queue, so control events stay ordered
// behind the audio appended before them.
type Conn struct {
	ws     wsConn
	logger *slog.Logger

	closeOnce  sync.Once
	events     chan Event
	outbox     chan []byte
	done       chan struct{}
	writerDone chan struct{}
}

func newConn(ws wsConn, logger *slog.Logger) *Conn {
	return &Conn{
		ws:         ws,
		logger:     logger,
		events:     make(chan Event, eventBuffer),
		outbox:     make(chan []byte, outboxSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Events is the inbound stream. It ends with one EventClosed and is then closed.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// SendAudio queues one caller frame for the input buffer. It never blocks:
// a full queue drops the frame with errs.ErrBackpressure.
func (c *Conn) SendAudio(payload string) error {
	return c.enqueue(audioAppend{Type: "input_audio_buffer.append", Audio: payload}, 0)
}

// CommitInput marks the end of caller input.
func (c *Conn) CommitInput() error {
	return c.enqueue(bufferCommit{Type: "input_audio_buffer.commit"}, writeTimeout)
}

// RequestResponse asks the service to respond, optionally with per-response instructions.
func (c *Conn) RequestResponse(instructions string) error {
	msg := responseCreate{Type: "response.create"}
	if instructions != "" {
		msg.Response = &responseConfig{Instructions: instructions}
	}
	return c.enqueue(msg, writeTimeout)
}

// Close flushes queued messages for up to a second, then closes the
// socket. Repeated calls are no-ops.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		select {
		case <-c.writerDone:
		case <-time.After(drainTimeout):
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

// enqueue hands v to the writer. A zero wait drops v when the queue is full.
func (c *Conn) enqueue(v any, wait time.Duration) error {
	select {
	case <-c.done:
		return errs.ErrClosed
	case <-c.writerDone:
		return errs.ErrClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case c.outbox <- data:
		return nil
	default:
	}
	if wait <= 0 {
		return errs.ErrBackpressure
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case c.outbox <- data:
		return nil
	case <-c.done:
		return errs.ErrClosed
	case <-timer.C:
		return errs.ErrBackpressure
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case data := <-c.outbox:
			if err := c.write(data, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug("AI channel write failed", slog.String("error", err.Error()))
				return
			}
		case <-c.done:
			for {
				select {
				case data := <-c.outbox:
					if c.write(data, time.Now().Add(writeTimeout)) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// writeJSON writes v directly. Only used before the writer starts.
func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.write(data, deadline)
}

func (c *Conn) write(data []byte, deadline time.Time) error {
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readLoop() {
	defer close(c.events)
	defer c.Close()

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Info("AI channel closed", slog.String("reason", err.Error()))
			}
			c.emit(Event{Kind: EventClosed, Err: err})
			return
		}

		ev, err := Decode(message)
		if err != nil {
			ev = Event{Kind: EventOther, Err: err}
		}
		if !c.emit(ev) {
			return
		}
	}
}

// emit delivers ev unless the connection is being closed locally.
func (c *Conn) emit(ev Event) bool {
	if ev.Kind == EventClosed {
		// the terminal event must not be lost behind a full buffer
		select {
		case c.events <- ev:
		case <-time.After(writeTimeout):
		}
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}
