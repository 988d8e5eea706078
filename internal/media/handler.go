// Package media wraps the inbound telephony media-stream websocket.
package media

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raihanakbr/call-relay/internal/errs"
)

// DefaultWriteTimeout bounds each outbound write.
const DefaultWriteTimeout = 5 * time.Second

const (
	eventBuffer  = 64
	// about five seconds of 20 ms frames
	outboxSize   = 256
	drainTimeout = time.Second
)

// Conn is the subset of *websocket.Conn used by the handler.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Handler is the caller side of one call.
type Handler struct {
	conn         Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	startOnce  sync.Once
	closeOnce  sync.Once
	events     chan Event
	outbox     chan []byte
	done       chan struct{}
	writerDone chan struct{}
}

// NewHandler wraps an accepted media-stream connection. The connection is
// ready as soon as it is wrapped; Close must be called to release it.
func NewHandler(conn Conn, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		conn:         conn,
		logger:       logger,
		writeTimeout: DefaultWriteTimeout,
		events:       make(chan Event, eventBuffer),
		outbox:       make(chan []byte, outboxSize),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	go h.writeLoop()
	return h
}

// Events starts reading on first use and returns the inbound event stream.
// The channel is closed when the connection closes from either side.
func (h *Handler) Events() <-chan Event {
	h.startOnce.Do(func() { go h.readLoop() })
	return h.events
}

func (h *Handler) readLoop() {
	defer close(h.events)

	for {
		messageType, data, err := h.conn.ReadMessage()
		if err != nil {
			select {
			case <-h.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Warn("Caller channel read failed", slog.String("error", err.Error()))
				} else {
					h.logger.Debug("Caller channel closed", slog.String("reason", err.Error()))
				}
			}
			return
		}

		var ev Event
		if messageType != websocket.TextMessage {
			ev = Event{Kind: EventMalformed, Err: &errs.ParseError{Channel: "caller", Raw: data, Err: errUnexpectedBinary}}
		} else if ev, err = Decode(data); err != nil {
			ev = Event{Kind: EventMalformed, Err: err}
		}

		select {
		case h.events <- ev:
		case <-h.done:
			return
		}
	}
}

// SendAudio queues one outbound media event addressed to streamSid. It never
// blocks: a full queue drops the frame with errs.ErrBackpressure.
func (h *Handler) SendAudio(streamSid, payload string) error {
	if streamSid == "" {
		return errs.ErrRouteUnavailable
	}
	select {
	case <-h.done:
		return errs.ErrClosed
	case <-h.writerDone:
		return errs.ErrClosed
	default:
	}

	data, err := encodeMedia(streamSid, payload)
	if err != nil {
		return err
	}

	select {
	case h.outbox <- data:
		return nil
	default:
		return errs.ErrBackpressure
	}
}

// writeLoop is the only writer of data frames. On Close it flushes what is
// already queued before the socket is closed.
func (h *Handler) writeLoop() {
	defer close(h.writerDone)

	for {
		select {
		case data := <-h.outbox:
			if err := h.write(data); err != nil {
				h.logger.Debug("Caller channel write failed", slog.String("error", err.Error()))
				return
			}
		case <-h.done:
			for {
				select {
				case data := <-h.outbox:
					if h.write(data) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (h *Handler) write(data []byte) error {
	if err := h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
		return err
	}
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection. Calling it again, or after the remote end has
// gone away, is a no-op.
func (h *Handler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		select {
		case <-h.writerDone:
		case <-time.After(drainTimeout):
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = h.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = h.conn.Close()
	})
	return err
}
