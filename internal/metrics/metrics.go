package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/altiora/conductor/internal/resilience"
)

var (
	// BatchJobsTotal tracks the size of the current batch.
	BatchJobsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_batch_jobs_total",
			Help: "Number of jobs in the current batch",
		},
	)

	// StageCompletedTotal tracks stage completions by outcome.
	StageCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_stage_completed_total",
			Help: "Total number of stage completions",
		},
		[]string{"stage", "status"},
	)

	// RetryAttemptsTotal tracks retry attempts per resource.
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"resource"},
	)

	// BreakerTransitionsTotal tracks circuit breaker state transitions.
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"resource", "state"},
	)

	// PoolInUse tracks how many pooled model sessions are checked out.
	PoolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_pool_in_use",
			Help: "Number of pooled model sessions currently in use",
		},
	)
)

// Hook returns a resilience.Hook that feeds the Prometheus collectors.
func Hook() resilience.Hook {
	return func(event, name string, attrs map[string]string) {
		switch event {
		case resilience.EventRetryAttempt:
			RetryAttemptsTotal.WithLabelValues(name).Inc()
		case resilience.EventBreakerOpen:
			BreakerTransitionsTotal.WithLabelValues(name, "open").Inc()
		case resilience.EventBreakerHalfOpen:
			BreakerTransitionsTotal.WithLabelValues(name, "half_open").Inc()
		case resilience.EventBreakerClose:
			BreakerTransitionsTotal.WithLabelValues(name, "closed").Inc()
		case resilience.EventStageComplete:
			StageCompletedTotal.WithLabelValues(name, attrs["status"]).Inc()
		}
	}
}
