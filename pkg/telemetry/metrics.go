package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Engine ──────────────────────────────────────────────────────────────────

	EngineTasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "engine",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks accepted by the engine, labelled by scope.",
	}, []string{"scope"})

	EngineSubmitRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "engine",
		Name:      "submit_rate_limited_total",
		Help:      "Total task submissions rejected by the rate limiter.",
	})

	EngineClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "engine",
		Name:      "claims_total",
		Help:      "Claim attempts by outcome: won, empty, conflict.",
	}, []string{"outcome"})

	EngineTasksReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "engine",
		Name:      "tasks_released_total",
		Help:      "Terminal releases by status.",
	}, []string{"status"})

	EngineHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "engine",
		Name:      "worker_heartbeats_total",
		Help:      "Total worker heartbeats received.",
	})

	EngineClaimLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "engine",
		Name:      "claim_latency_seconds",
		Help:      "Latency of claim-next calls against the task store.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// ─── Notification fan-out ────────────────────────────────────────────────────

	NotifyStreamsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "notify",
		Name:      "streams_connected",
		Help:      "Worker hint streams currently connected to this instance.",
	})

	NotifyHintsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "notify",
		Name:      "hints_sent_total",
		Help:      "Hints delivered to worker streams, labelled by task scope.",
	}, []string{"scope"})

	NotifyHintsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "notify",
		Name:      "hints_dropped_total",
		Help:      "Hints dropped because a worker's stream buffer was full.",
	})

	// ─── Reaper ──────────────────────────────────────────────────────────────────

	ReaperCycles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "reaper",
		Name:      "cycles_total",
		Help:      "Completed reaper scan cycles on this instance.",
	})

	ReaperTasksRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "reaper",
		Name:      "tasks_requeued_total",
		Help:      "Stuck tasks returned to PENDING.",
	})

	ReaperTasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "reaper",
		Name:      "tasks_failed_total",
		Help:      "Tasks terminally failed by the reaper, labelled by reason.",
	}, []string{"reason"})

	ReaperCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "reaper",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of a full reaper scan cycle.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})
)
