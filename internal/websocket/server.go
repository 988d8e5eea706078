package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/raihanakbr/call-relay/internal/metrics"
	"github.com/raihanakbr/call-relay/internal/notify"
	"github.com/raihanakbr/call-relay/internal/relay"
	"github.com/raihanakbr/call-relay/internal/session"
)

// Options configures a Server.
type Options struct {
	// PublicHost is the host the telephony provider uses to reach /media.
	// Empty means the Host header of the call-start request.
	PublicHost string
	Relay      relay.Config

	Store     *session.Store
	Connector relay.Connector
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// Server exposes the call-start hand-off, the media websocket and the
// inspection endpoints.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	calls  sync.WaitGroup
}

// NewServer creates a server. Relays started by it stop when Shutdown is called.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:     opts,
		logger:   opts.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Get("/calls/start", s.CallStartedHandler)
	r.Post("/calls/start", s.CallStartedHandler)

	// WebSocket endpoints
	r.Get("/media", s.HandleMediaStream)
	r.Get("/media/{callID}", s.HandleMediaStream)

	// REST API endpoints
	r.Get("/api/session", s.GetSessionHandler)
	r.Get("/api/transcripts", s.GetTranscriptsHandler)
	return r
}

// Shutdown closes every running call and waits for their relays to finish
// or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a new call unless Shutdown has begun. Holding mu keeps
// Add from racing with Wait.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.calls.Add(1)
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"live_sessions": s.opts.Store.Len(),
	})
}
