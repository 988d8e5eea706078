// Package relay runs one phone call: it pumps audio between the caller
// channel and the AI channel and closes out the call's session when either
// side hangs up.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/raihanakbr/call-relay/internal/errs"
	"github.com/raihanakbr/call-relay/internal/media"
	"github.com/raihanakbr/call-relay/internal/metrics"
	"github.com/raihanakbr/call-relay/internal/notify"
	"github.com/raihanakbr/call-relay/internal/realtime"
	"github.com/raihanakbr/call-relay/internal/session"
)

// State is the lifecycle position of a call.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Config holds the per-call behavior settings.
type Config struct {
	Instructions   string
	Greeting       string
	Closing        string
	ConnectTimeout time.Duration
	NotifyTimeout  time.Duration
}

// Deps are the collaborators shared by every relay in the process.
type Deps struct {
	Store     *session.Store
	Connector Connector
	Notifier  notify.Notifier
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Relay owns both channels of one call. All of its fields except state are
// only touched by the goroutine running Run.
type Relay struct {
	callID string
	caller CallerChannel
	deps   Deps
	cfg    Config
	logger *slog.Logger

	state         atomic.Int32
	route         string
	ai            AIChannel
	sess          *session.Session
	cancelConnect context.CancelFunc
	startedAt     time.Time
	finalize      bool
}

type connectResult struct {
	ai      AIChannel
	err     error
	elapsed time.Duration
}

// New creates the relay for callID. Nothing happens until Run.
func New(callID string, caller CallerChannel, deps Deps, cfg Config) *Relay {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	return &Relay{
		callID: callID,
		caller: caller,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(slog.String("call_id", callID)),
	}
}

// State returns the current lifecycle state. Safe for concurrent use.
func (r *Relay) State() State {
	return State(r.state.Load())
}

func (r *Relay) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	if prev != s {
		r.logger.Debug("Call state changed", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// Run relays the call until both channels are closed, then finalizes the
// session. It returns the connect error if the AI channel could not be
// opened, nil otherwise.
func (r *Relay) Run(ctx context.Context) error {
	r.sess = r.deps.Store.GetOrCreate(r.callID)
	r.startedAt = time.Now()
	r.deps.Metrics.CallsStarted.Inc()
	r.deps.Metrics.CallsActive.Inc()
	defer r.deps.Metrics.CallsActive.Dec()

	// Caller events are consumed from here on, before the AI side is ready,
	// so an early start event is never missed.
	callerEvents := r.caller.Events()

	connectCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()
	r.cancelConnect = cancel

	connected := make(chan connectResult, 1)
	go func() {
		start := time.Now()
		ai, err := r.deps.Connector.Connect(connectCtx, r.cfg.Instructions)
		connected <- connectResult{ai: ai, err: err, elapsed: time.Since(start)}
	}()

	r.logger.Info("Relay started")

	var (
		aiEvents <-chan realtime.Event
		shutdown = ctx.Done()
		runErr   error
	)
	for r.State() != StateTerminated {
		select {
		case ev, ok := <-callerEvents:
			if !ok {
				callerEvents = nil
				r.beginClosing("caller channel closed")
				continue
			}
			r.handleCallerEvent(ev)

		case res := <-connected:
			connected = nil
			runErr = r.handleConnect(res)
			if r.ai != nil {
				aiEvents = r.ai.Events()
			}

		case ev, ok := <-aiEvents:
			if !ok {
				aiEvents = nil
				r.handleAIClosed()
				continue
			}
			r.handleAIEvent(ev)

		case <-shutdown:
			shutdown = nil
			r.beginClosing("server shutting down")
		}
	}

	if r.finalize {
		r.finalizeAndNotify()
	}
	return runErr
}

func (r *Relay) handleCallerEvent(ev media.Event) {
	switch ev.Kind {
	case media.EventStarted:
		r.route = ev.StreamSid
		r.logger.Info("Caller stream started",
			slog.String("stream_sid", ev.StreamSid),
			slog.String("call_sid", ev.CallSid),
		)

	case media.EventMedia:
		if r.State() != StateActive || r.ai == nil {
			r.deps.Metrics.FramesDropped.WithLabelValues(metrics.DropAINotReady).Inc()
			return
		}
		if err := r.ai.SendAudio(ev.Payload); err != nil {
			r.dropFrame(err)
			r.logger.Debug("Failed to forward caller audio", slog.String("error", err.Error()))
			return
		}
		r.deps.Metrics.FramesToAI.Inc()

	case media.EventStopped:
		r.beginClosing("caller sent stop")

	case media.EventMalformed:
		r.deps.Metrics.ParseErrors.WithLabelValues("caller").Inc()
		r.logger.Warn("Skipping malformed caller event", slog.String("error", ev.Err.Error()))

	default:
		r.logger.Debug("Ignoring caller event", slog.String("kind", ev.Kind.String()), slog.String("event", ev.Name))
	}
}

func (r *Relay) handleConnect(res connectResult) error {
	hungUp := r.State() == StateClosing
	if hungUp {
		// The caller left while we were still connecting. Nothing was
		// relayed, so the session is dropped without a summary.
		if res.ai != nil {
			r.attempt("close ai channel", res.ai.Close)
		}
		if res.err == nil || errors.Is(res.err, context.Canceled) {
			r.logger.Info("Call ended before the AI channel was ready")
			r.abandon()
			return nil
		}
	}

	if res.err != nil {
		r.deps.Metrics.ConnectErrors.Inc()
		r.logger.Error("Failed to connect AI channel", slog.String("error", res.err.Error()))
		if !hungUp {
			r.attempt("close caller channel", r.caller.Close)
		}
		r.abandon()

		var cerr *errs.ConnectError
		if !errors.As(res.err, &cerr) {
			return &errs.ConnectError{Err: res.err}
		}
		return res.err
	}

	r.deps.Metrics.ConnectLatency.Observe(res.elapsed.Seconds())
	r.ai = res.ai
	r.setState(StateActive)
	r.logger.Info("AI channel ready", slog.Duration("connect_time", res.elapsed))
	r.attempt("request greeting", func() error { return r.ai.RequestResponse(r.cfg.Greeting) })
	return nil
}

// abandon ends a call that never reached Active. The session is removed
// without being finalized, so no summary is sent.
func (r *Relay) abandon() {
	r.setState(StateTerminated)
	r.deps.Store.Remove(r.callID)
}

func (r *Relay) handleAIEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventAudioDelta:
		if r.route == "" {
			r.deps.Metrics.FramesDropped.WithLabelValues(metrics.DropRouteUnknown).Inc()
			r.logger.Warn("Dropping AI audio", slog.String("error", errs.ErrRouteUnavailable.Error()))
			return
		}
		if err := r.caller.SendAudio(r.route, ev.Payload); err != nil {
			r.dropFrame(err)
			r.logger.Debug("Failed to forward AI audio", slog.String("error", err.Error()))
			return
		}
		r.deps.Metrics.FramesToCaller.Inc()

	case realtime.EventTranscriptDelta:
		r.sess.AppendTranscript(ev.Speaker, ev.Text)

	case realtime.EventExtractedFields:
		r.sess.MergeFields(ev.Fields)
		r.logger.Debug("Merged extracted fields", slog.Int("count", len(ev.Fields)))

	case realtime.EventClosed:
		r.handleAIClosed()

	default:
		if ev.Err == nil {
			r.logger.Debug("Ignoring AI event", slog.String("kind", ev.Kind.String()), slog.String("event", ev.Type))
			return
		}
		var perr *errs.ParseError
		if errors.As(ev.Err, &perr) {
			r.deps.Metrics.ParseErrors.WithLabelValues("ai").Inc()
			r.logger.Warn("Skipping malformed AI event", slog.String("error", ev.Err.Error()))
			return
		}
		r.logger.Warn("AI channel reported an error",
			slog.String("event", ev.Type),
			slog.String("error", ev.Err.Error()),
		)
	}
}

// handleAIClosed ends the call from the AI side.
func (r *Relay) handleAIClosed() {
	if r.State() != StateActive {
		return
	}
	r.logger.Info("AI channel closed, ending call")
	r.setState(StateClosing)
	r.attempt("close caller channel", r.caller.Close)
	r.finish()
}

// beginClosing tears the call down from the caller side.
func (r *Relay) beginClosing(reason string) {
	prev := r.State()
	if prev == StateClosing || prev == StateTerminated {
		return
	}
	r.logger.Info("Closing call", slog.String("reason", reason))
	r.setState(StateClosing)

	if prev == StateConnecting {
		// handleConnect ends the call once the pending connect resolves
		r.cancelConnect()
		r.attempt("close caller channel", r.caller.Close)
		return
	}

	r.attempt("commit input", r.ai.CommitInput)
	r.attempt("request closing response", func() error { return r.ai.RequestResponse(r.cfg.Closing) })
	r.attempt("close ai channel", r.ai.Close)
	r.attempt("close caller channel", r.caller.Close)
	r.finish()
}

func (r *Relay) finish() {
	r.setState(StateTerminated)
	r.finalize = true
	r.deps.Metrics.CallDuration.Observe(time.Since(r.startedAt).Seconds())
}

// finalizeAndNotify runs at most once per session, however many relays or
// close events reach it.
func (r *Relay) finalizeAndNotify() {
	if !r.sess.Finalize() {
		r.logger.Debug("Session already finalized")
		return
	}
	rec := r.sess.Snapshot()
	r.deps.Store.Remove(r.callID)

	r.logger.Info("Call finished",
		slog.Int("transcript_entries", len(rec.Transcript)),
		slog.Int("fields", len(rec.Fields)),
	)

	if r.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.NotifyTimeout)
	defer cancel()
	if err := r.deps.Notifier.Notify(ctx, rec); err != nil {
		r.deps.Metrics.Notifications.WithLabelValues(metrics.NotifyResultFailed).Inc()
		r.logger.Error("Failed to deliver call summary", slog.String("error", err.Error()))
		return
	}
	r.deps.Metrics.Notifications.WithLabelValues(metrics.NotifyResultOK).Inc()
}

func (r *Relay) dropFrame(err error) {
	reason := metrics.DropSendFailed
	if errors.Is(err, errs.ErrBackpressure) {
		reason = metrics.DropBackpressure
	}
	r.deps.Metrics.FramesDropped.WithLabelValues(reason).Inc()
}

// attempt runs one best-effort step and logs its failure.
func (r *Relay) attempt(step string, fn func() error) {
	if err := fn(); err != nil {
		r.logger.Warn("Best-effort step failed", slog.String("step", step), slog.String("error", err.Error()))
	}
}
