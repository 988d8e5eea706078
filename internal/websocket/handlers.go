package websocket

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/raihanakbr/call-relay/internal/media"
	"github.com/raihanakbr/call-relay/internal/relay"
	"github.com/raihanakbr/call-relay/internal/session"
)

// CallStartedHandler prepares a session for a new call and answers with the
// TwiML that points the call's media stream at this relay.
func (s *Server) CallStartedHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	callID := r.Form.Get("callId")
	if callID == "" {
		callID = r.Form.Get("CallSid")
	}
	if callID == "" {
		callID = session.NewCallID()
	}
	s.opts.Store.GetOrCreate(callID)

	host := s.opts.PublicHost
	if host == "" {
		host = r.Host
	}
	// String escapes Path once; RawPath keeps a '/' inside the id escaped.
	streamURL := url.URL{
		Scheme:  "wss",
		Host:    host,
		Path:    "/media/" + callID,
		RawPath: "/media/" + url.PathEscape(callID),
	}

	s.logger.Info("Call started",
		slog.String("call_id", callID),
		slog.String("stream_url", streamURL.String()),
	)

	var escaped bytes.Buffer
	_ = xml.EscapeText(&escaped, []byte(streamURL.String()))

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+
		`<Response><Connect><Stream url="%s"/></Connect></Response>`, escaped.String())
}

// HandleMediaStream accepts the caller media websocket and relays the call.
func (s *Server) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if r.URL.RawPath != "" {
		// chi matched on the escaped path
		if unescaped, err := url.PathUnescape(callID); err == nil {
			callID = unescaped
		}
	}
	if callID == "" {
		callID = r.URL.Query().Get("callId")
	}

	if s.ctx.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", slog.String("error", err.Error()))
		return
	}

	if callID == "" {
		callID = session.NewCallID()
	}
	logger := s.logger.With(slog.String("call_id", callID))
	if !s.track() {
		logger.Info("Rejecting call, server is shutting down")
		conn.Close()
		return
	}
	logger.Info("Caller connected", slog.String("remote", r.RemoteAddr))

	caller := media.NewHandler(conn, logger)
	rl := relay.New(callID, caller, relay.Deps{
		Store:     s.opts.Store,
		Connector: s.opts.Connector,
		Notifier:  s.opts.Notifier,
		Metrics:   s.opts.Metrics,
		Logger:    s.logger,
	}, s.opts.Relay)

	go func() {
		defer s.calls.Done()
		if err := rl.Run(s.ctx); err != nil {
			logger.Error("Call ended with error", slog.String("error", err.Error()))
		}
	}()
}

// API endpoint handlers

// GetSessionHandler returns a snapshot of a live session.
func (s *Server) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// GetTranscriptsHandler returns only the transcript of a live session.
func (s *Server) GetTranscriptsHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	rec := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"call_id":     rec.CallID,
		"transcripts": rec.Transcript,
		"count":       len(rec.Transcript),
	})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		http.Error(w, "call_id parameter is required", http.StatusBadRequest)
		return nil, false
	}
	sess, ok := s.opts.Store.Get(callID)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
