// Package metrics registers the Prometheus collectors exported by the voice bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicebridge_active_sessions",
			Help: "Number of calls currently bridged",
		},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_sessions_total",
			Help: "Finished sessions by terminal status",
		},
		[]string{"outcome"},
	)

	FramesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_frames_forwarded_total",
			Help: "Audio chunks forwarded between legs",
		},
		[]string{"direction"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_frames_dropped_total",
			Help: "Audio chunks or frames dropped",
		},
		[]string{"direction", "reason"},
	)

	AIReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_ai_reconnects_total",
			Help: "Reconnect attempts to the voice AI endpoint",
		},
		[]string{"result"},
	)

	TurnsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_turns_logged_total",
			Help: "Conversation turns written",
		},
		[]string{"role"},
	)

	TurnLogErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "voicebridge_turn_log_errors_total",
			Help: "Conversation turn writes that failed",
		},
	)
)

// Drop reasons.
const (
	ReasonQueueFull   = "queue_full"
	ReasonCodec       = "codec"
	ReasonProtocol    = "protocol"
	ReasonTerminal    = "terminal"
	ReasonInterrupted = "interrupted"
	ReasonSendFailed  = "send_failed"
)
