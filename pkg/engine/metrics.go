package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TurnCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpersona_turns_total",
			Help: "Total number of processed turns",
		},
		[]string{"construct", "path"},
	)

	DriftCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpersona_drift_detections_total",
			Help: "Drift detections by final severity",
		},
		[]string{"construct", "severity"},
	)

	CorrectionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpersona_drift_corrections_total",
			Help: "Drift correction attempts by outcome",
		},
		[]string{"construct", "outcome"},
	)

	ViolationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpersona_lockdown_violations_total",
			Help: "Meta-leak sentences replaced by the post-filter",
		},
		[]string{"construct", "family"},
	)

	ReinforcementCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dotpersona_reinforcements_total",
			Help: "Blueprint revisions created by anchor reinforcement",
		},
		[]string{"construct"},
	)

	GenerationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "dotpersona_generation_latency_seconds",
			Help: "Latency of the main generation call in seconds",
		},
	)

	ActiveLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dotpersona_active_context_locks",
			Help: "Number of sessions currently bound to a persona",
		},
	)
)

// Turn paths.
const (
	PathSignature = "signature"
	PathGenerated = "generated"
	PathFallback  = "fallback"
)
