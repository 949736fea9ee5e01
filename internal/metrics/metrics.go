// Package metrics exposes Prometheus instrumentation for the orchestration
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	TasksSubmitted   prometheus.Counter
	TasksFinal       *prometheus.CounterVec
	StageOutcomes    *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	RetriesScheduled prometheus.Counter
	LockWaits        prometheus.Counter
	QueueDepth       prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TasksSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_tasks_submitted_total",
			Help: "Tasks accepted for orchestration.",
		}),
		TasksFinal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_tasks_final_total",
			Help: "Tasks reaching a terminal state, by state.",
		}, []string{"state"}),
		StageOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskforge_stage_outcomes_total",
			Help: "Stage execution attempts, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskforge_stage_duration_seconds",
			Help:    "Wall-clock duration of stage execution attempts.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage"}),
		RetriesScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_retries_scheduled_total",
			Help: "Stage retries scheduled with backoff.",
		}),
		LockWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskforge_repo_lock_waits_total",
			Help: "Times a task queued behind a held repository lock.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskforge_queue_depth",
			Help: "Runnable tasks currently queued.",
		}),
	}
}
