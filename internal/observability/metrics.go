package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace defines the global prefix for all metrics (e.g., rollout_...).
const namespace = "rollout"

var (
	// -------------------------------------------------------------------------
	// EVALUATION PATH
	// -------------------------------------------------------------------------

	// EvaluationsTotal counts flag evaluations by outcome.
	// Metric: rollout_engine_evaluations_total
	EvaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Total flag evaluations by result",
	}, []string{"result"}) // true, false

	// FlagCacheHits counts flag set cache hits per backend.
	// Metric: rollout_cache_flag_set_hits_total
	FlagCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "flag_set_hits_total",
		Help:      "Total flag set cache hits",
	}, []string{"backend"}) // memory, redis

	// FlagCacheMisses counts flag set cache misses per backend.
	// Backend errors are counted as misses: the cache degrades, never fails.
	// Metric: rollout_cache_flag_set_misses_total
	FlagCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "flag_set_misses_total",
		Help:      "Total flag set cache misses (including backend errors)",
	}, []string{"backend"})

	// -------------------------------------------------------------------------
	// OVERRIDE MANAGEMENT
	// -------------------------------------------------------------------------

	// OverrideMutationsTotal counts add/remove override operations by outcome.
	// Metric: rollout_overrides_mutations_total
	OverrideMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "overrides",
		Name:      "mutations_total",
		Help:      "Total override mutations by operation and outcome",
	}, []string{"operation", "outcome"}) // add/remove, ok/not_found/rate_limited/error

	// -------------------------------------------------------------------------
	// SCHEDULE PROCESSOR
	// -------------------------------------------------------------------------

	// SchedulesClaimedTotal counts schedules claimed across all runs.
	// Metric: rollout_scheduler_claimed_total
	SchedulesClaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "claimed_total",
		Help:      "Total due schedules claimed",
	})

	// SchedulesProcessedTotal counts terminal per-item outcomes of processor runs.
	// Metric: rollout_scheduler_processed_total
	SchedulesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "processed_total",
		Help:      "Total schedules processed by outcome",
	}, []string{"outcome"}) // applied, retried, exhausted, invalid_flag, error

	// SchedulerRunDuration measures wall time of one processor run.
	// Metric: rollout_scheduler_run_duration_seconds
	SchedulerRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "run_duration_seconds",
		Help:      "Duration of a single claim-and-process run",
		Buckets:   prometheus.DefBuckets,
	})
)
