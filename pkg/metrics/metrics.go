// Package metrics exposes the pipeline's Prometheus instrumentation:
// cache hit/miss counters per stage, circuit breaker transitions,
// rate-limiter wait durations, and queue depth. A fresh Registry is
// built and populated explicitly rather than relying on the global
// default registry, so a process embedding the pipeline as a library
// can run multiple independent collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the pipeline emits. Fields are public
// so callers can pass them directly into instrumentation call sites.
type Metrics struct {
	Registry *prometheus.Registry

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
	CacheWrites *prometheus.CounterVec

	BreakerTransitions *prometheus.CounterVec

	LimiterWaitSeconds *prometheus.HistogramVec

	QueueDepth *prometheus.GaugeVec

	TasksCompleted   *prometheus.CounterVec
	TasksQuarantined *prometheus.CounterVec

	LLMCallSeconds *prometheus.HistogramVec
	LLMTokensUsed  *prometheus.CounterVec
}

// New builds and registers the full metric set against a fresh
// registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashcard_cache_hits_total",
				Help: "Total cache hits by stage and layer (hot or durable).",
			},
			[]string{"stage", "layer"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashcard_cache_misses_total",
				Help: "Total cache misses by stage.",
			},
			[]string{"stage"},
		),
		CacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashcard_cache_writes_total",
				Help: "Total cache writes by stage.",
			},
			[]string{"stage"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashcard_breaker_transitions_total",
				Help: "Circuit breaker state transitions by service and target state.",
			},
			[]string{"service", "state"},
		),
		LimiterWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flashcard_limiter_wait_seconds",
				Help:    "Time spent waiting for rate limiter admission, by service.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flashcard_queue_depth",
				Help: "Number of tasks in a given state for a batch.",
			},
			[]string{"batch_id", "state"},
		),
		TasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashcard_tasks_completed_total",
				Help: "Total tasks that reached the Completed state, by batch.",
			},
			[]string{"batch_id"},
		),
		TasksQuarantined: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashcard_tasks_quarantined_total",
				Help: "Total tasks that reached the Quarantined state, by batch and error kind.",
			},
			[]string{"batch_id", "error_kind"},
		),
		LLMCallSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flashcard_llm_call_seconds",
				Help:    "LLM provider call latency by stage.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage", "provider"},
		),
		LLMTokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flashcard_llm_tokens_used_total",
				Help: "Total tokens consumed by stage and provider.",
			},
			[]string{"stage", "provider"},
		),
	}

	registry.MustRegister(
		m.CacheHits, m.CacheMisses, m.CacheWrites,
		m.BreakerTransitions, m.LimiterWaitSeconds,
		m.QueueDepth, m.TasksCompleted, m.TasksQuarantined,
		m.LLMCallSeconds, m.LLMTokensUsed,
	)
	return m
}
