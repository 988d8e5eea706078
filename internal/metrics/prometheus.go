package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics for the call relay
type Metrics struct {
	// Call lifecycle
	CallsStarted   prometheus.Counter
	CallsActive    prometheus.Gauge
	CallDuration   prometheus.Histogram
	ConnectErrors  prometheus.Counter
	ConnectLatency prometheus.Histogram

	// Audio path
	FramesToAI     prometheus.Counter
	FramesToCaller prometheus.Counter
	FramesDropped  *prometheus.CounterVec

	// Inbound events
	ParseErrors *prometheus.CounterVec

	// Notification
	Notifications *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		CallsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_calls_started_total",
			Help: "Total number of calls whose relay was started",
		}),
		CallsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_calls_active",
			Help: "Current number of calls being relayed",
		}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_call_duration_seconds",
			Help:    "Duration of relayed calls",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		ConnectErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_ai_connect_errors_total",
			Help: "Total number of failed AI channel connects",
		}),
		ConnectLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_ai_connect_seconds",
			Help:    "Time to establish and configure the AI channel",
			Buckets: prometheus.DefBuckets,
		}),

		FramesToAI: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_to_ai_total",
			Help: "Caller audio frames forwarded to the AI channel",
		}),
		FramesToCaller: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_frames_to_caller_total",
			Help: "AI audio frames forwarded to the caller channel",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Audio frames dropped, by reason",
		}, []string{"reason"}),

		ParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_parse_errors_total",
			Help: "Inbound events that could not be decoded, by channel",
		}, []string{"channel"}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_notifications_total",
			Help: "Summary notifications, by result",
		}, []string{"result"}),
	}
}

// Drop reasons
const (
	DropAINotReady     = "ai_not_ready"
	DropRouteUnknown   = "route_unknown"
	DropSendFailed     = "send_failed"
	DropBackpressure   = "backpressure"
	NotifyResultOK     = "ok"
	NotifyResultFailed = "failed"
)
