package calls

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callrelay_sessions_active",
		Help: "Number of call sessions that have not reached a terminal state",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callrelay_session_transitions_total",
		Help: "Session state transitions by target state",
	}, []string{"state"})

	queuedChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callrelay_text_chunks_queued",
		Help: "Text chunks waiting for delivery across all sessions",
	})

	submittedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callrelay_text_chunks_submitted_total",
		Help: "Text chunks accepted from operators",
	})

	deliveredChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callrelay_text_chunks_delivered_total",
		Help: "Text chunks handed to an attached stream",
	})

	attachedStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callrelay_streams_attached",
		Help: "Number of sessions with an attached media stream",
	})

	statusCallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callrelay_status_callbacks_total",
		Help: "Carrier status notifications by outcome (applied, ignored)",
	}, []string{"state", "outcome"})

	sweptSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callrelay_sessions_swept_total",
		Help: "Sessions force-completed by the idle sweeper",
	})
)
