// Package metrics defines the Prometheus instrumentation shared by the
// pipeline components. Gauges that mirror component state (queue depths,
// worker counts, breaker states) are refreshed by the stats collector
// goroutine in cmd/forgeflowd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksProcessed tracks the total number of processed tasks by outcome
	// and stage.
	// Labels:
	//   - status: "success", "retry", or "failed"
	//   - stage: "dev", "qa", "fix", "deploy"
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeflow_tasks_processed_total",
		Help: "The total number of processed tasks",
	}, []string{"status", "stage"})

	// TaskDuration tracks task processing latency in seconds per stage.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forgeflow_task_duration_seconds",
		Help:    "Duration of task processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// QueueDepth tracks the number of pending tasks per stage queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forgeflow_queue_depth",
		Help: "Number of pending tasks in each stage queue",
	}, []string{"queue"})

	// QueueLatency tracks time spent in a queue before processing starts.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forgeflow_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// WorkerCount tracks the current size of each worker pool.
	WorkerCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forgeflow_worker_count",
		Help: "Current number of workers per pool",
	}, []string{"pool"})

	// BreakerState exposes each circuit breaker's position
	// (0=CLOSED, 1=HALF_OPEN, 2=OPEN).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "forgeflow_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"dependency"})

	// EventsRouted tracks event router dispatch outcomes.
	// Labels:
	//   - outcome: "routed", "failed", "dead_lettered"
	EventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeflow_events_routed_total",
		Help: "Event router dispatch outcomes",
	}, []string{"outcome"})

	// DLQDepth tracks the current Dead Letter Queue size.
	DLQDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forgeflow_dlq_depth",
		Help: "Number of events in the dead letter queue",
	})

	// CacheLookups tracks result cache effectiveness.
	// Labels:
	//   - outcome: "hit" or "miss"
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeflow_cache_lookups_total",
		Help: "Generation result cache lookups",
	}, []string{"outcome"})
)
