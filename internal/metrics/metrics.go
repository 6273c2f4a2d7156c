// Package metrics defines Prometheus instrumentation for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_sessions_created_total",
		Help: "Total remote avatar sessions successfully created",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_sessions_ended_total",
		Help: "Total remote avatar sessions ended by reason",
	}, []string{"reason"})

	SessionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_session_errors_total",
		Help: "Remote avatar session errors (creation, transport, disconnect)",
	})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_session_duration_seconds",
		Help:    "Wall-clock duration of remote avatar sessions",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	QuotaMinutesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_quota_minutes_consumed_total",
		Help: "Quota minutes charged across all sessions",
	})

	QuotaResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avatar_quota_resets_total",
		Help: "Explicit quota resets",
	})

	UtterancesSpoken = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_speech_utterances_total",
		Help: "Local speech utterances by status",
	}, []string{"status"})

	ModeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_mode_transitions_total",
		Help: "Avatar mode transitions by from/to mode",
	}, []string{"from", "to"})
)
