// Package metrics exposes Prometheus collectors for game orchestration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "impostor"

var (
	// StepsTotal counts advance-step calls.
	// Labels: outcome (committed, conflict, finished, not_found)
	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "steps_total",
			Help:      "Total number of step requests by outcome",
		},
		[]string{"outcome"},
	)

	// StepDuration tracks how long a committed step took end to end.
	StepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Duration of a full game step in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	// GamesActive is the number of registered games that have not finished.
	GamesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "games_active",
			Help:      "Number of registered games still in progress",
		},
	)

	// GamesFinished counts finished games.
	// Labels: winner (crewmates, impostor)
	GamesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "games_finished_total",
			Help:      "Total number of finished games by winner",
		},
		[]string{"winner"},
	)

	// Eliminations counts agents removed by vote.
	Eliminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "eliminations_total",
			Help:      "Total number of agents eliminated by vote",
		},
	)

	// TurnFallbacks counts turns replaced by the default decision.
	// Labels: reason (timeout, error, unparseable)
	TurnFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "turn_fallbacks_total",
			Help:      "Total number of agent turns replaced by the fallback decision",
		},
		[]string{"reason"},
	)

	// OracleCalls counts chat completions per provider.
	// Labels: provider, result (success, rate_limited, error)
	OracleCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "calls_total",
			Help:      "Total number of oracle provider calls by result",
		},
		[]string{"provider", "result"},
	)

	// JournalErrors counts failed journal writes; steps still commit.
	JournalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "errors_total",
			Help:      "Total number of journal write failures",
		},
	)
)
