// Package metrics holds the process's prometheus collectors. It is kept
// small and additive: each subsystem that wants metrics defines its own
// typed wrapper here rather than reaching into a shared registry by
// string name.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// RetryMetrics records outcomes of internal/resilience.WithRetry calls.
type RetryMetrics struct {
	attempts *prometheus.CounterVec
	final    *prometheus.CounterVec
	backoff  *prometheus.HistogramVec
	duration *prometheus.HistogramVec
}

// NewRetryMetrics registers and returns a RetryMetrics against reg. Passing
// a fresh prometheus.Registry per test keeps tests independent.
func NewRetryMetrics(reg prometheus.Registerer) *RetryMetrics {
	m := &RetryMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rbhd",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Number of retryable operation attempts, by operation and outcome.",
		}, []string{"operation", "outcome", "error_type"}),
		final: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rbhd",
			Subsystem: "retry",
			Name:      "final_attempts_total",
			Help:      "Number of times a retryable operation exhausted or resolved its attempt budget.",
		}, []string{"operation", "outcome"}),
		backoff: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rbhd",
			Subsystem: "retry",
			Name:      "backoff_seconds",
			Help:      "Backoff delay chosen before a retry attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rbhd",
			Subsystem: "retry",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single retryable operation attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
	}
	reg.MustRegister(m.attempts, m.final, m.backoff, m.duration)
	return m
}

func (m *RetryMetrics) RecordAttempt(operation, outcome, errorType string, seconds float64) {
	m.attempts.WithLabelValues(operation, outcome, errorType).Inc()
	m.duration.WithLabelValues(operation, outcome).Observe(seconds)
}

func (m *RetryMetrics) RecordFinalAttempt(operation, outcome string, _ int) {
	m.final.WithLabelValues(operation, outcome).Inc()
}

func (m *RetryMetrics) RecordBackoff(operation string, seconds float64) {
	m.backoff.WithLabelValues(operation).Observe(seconds)
}
