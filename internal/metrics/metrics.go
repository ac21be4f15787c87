// Package metrics holds the process-wide prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricLaunches     = "launches_total"
	MetricReaps        = "reaps_total"
	MetricRunning      = "running"
	MetricQueueDepth   = "queue_depth"
	MetricStepOutcomes = "step_outcomes_total"
	MetricIndexBatches = "index_batches_total"
)

// Launch outcomes.
const (
	LaunchStarted  = "started"
	LaunchSkipped  = "skipped"
	LaunchFailed   = "failed"
	LaunchReleased = "released"
)

// Reap outcomes.
const (
	ReapClean      = "clean"
	ReapReconciled = "reconciled"
	ReapTerminated = "terminated"
)

var CounterLaunches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siphon",
		Subsystem: "dispatcher",
		Name:      MetricLaunches,
		Help:      "Work items handled by the dispatcher, by outcome.",
	},
	[]string{"outcome"},
)

var CounterReaps = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siphon",
		Subsystem: "dispatcher",
		Name:      MetricReaps,
		Help:      "Worker processes reaped, by outcome.",
	},
	[]string{"outcome"},
)

var GaugeRunning = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "siphon",
		Subsystem: "dispatcher",
		Name:      MetricRunning,
		Help:      "Worker processes currently running.",
	},
)

var GaugeQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "siphon",
		Subsystem: "queue",
		Name:      MetricQueueDepth,
		Help:      "Unacknowledged work items.",
	},
)

var CounterStepOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siphon",
		Subsystem: "submission",
		Name:      MetricStepOutcomes,
		Help:      "Final step codes written by submission workers.",
	},
	[]string{"step", "code"},
)

var CounterIndexBatches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siphon",
		Subsystem: "index",
		Name:      MetricIndexBatches,
		Help:      "Index batches submitted, by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(CounterLaunches)
	prometheus.MustRegister(CounterReaps)
	prometheus.MustRegister(GaugeRunning)
	prometheus.MustRegister(GaugeQueueDepth)
	prometheus.MustRegister(CounterStepOutcomes)
	prometheus.MustRegister(CounterIndexBatches)
}
