// Package errs holds the error types shared by the caller channel, the AI
// channel and the relay.
package errs

import (
	"errors"
	"fmt"
)

// ErrRouteUnavailable is returned when caller-bound audio is sent before the
// caller channel has announced its stream sid.
var ErrRouteUnavailable = errors.New("stream route not yet known")

// ErrClosed is returned by sends on a connection that has already closed.
var ErrClosed = errors.New("connection closed")

// ErrBackpressure is returned when a frame cannot be queued because the
// peer is not draining its socket.
var ErrBackpressure = errors.New("outbound queue full")

// ConnectError reports a failed handshake or configuration write on the AI channel.
type ConnectError struct {
	URL        string
	StatusCode int // upgrade response status, 0 if the request never got one
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connect %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ParseError reports an inbound frame that could not be decoded.
type ParseError struct {
	Channel string // "caller" or "ai"
	Raw     []byte
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s event: %v", e.Channel, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NotifyError reports a failed summary delivery.
type NotifyError struct {
	CallID     string
	StatusCode int
	Err        error
}

func (e *NotifyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("notify call %s: status %d", e.CallID, e.StatusCode)
	}
	return fmt.Sprintf("notify call %s: %v", e.CallID, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }
