// Package resilience provides retry-with-backoff for transient
// failures in action execution and database/filesystem collaborator
// calls.
//
// Grounded on the teacher's internal/core/resilience/retry.go
// (RetryPolicy / WithRetry shape retained near verbatim; its
// *metrics.RetryMetrics field now points at internal/metrics, adapted
// for this module's prometheus registry instead of the deleted
// alert-specific one).
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/clusterfs/rbhd/internal/metrics"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	ErrorChecker RetryableErrorChecker
	Logger       *slog.Logger
	Metrics      *metrics.RetryMetrics

	OperationName string
}

// RetryableErrorChecker decides whether an error should trigger a
// retry. A nil checker treats every non-nil error as retryable.
type RetryableErrorChecker interface {
	IsRetryable(err error) bool
}

// DefaultRetryPolicy returns a sensible default: 3 retries, 100ms base
// delay, 5s cap, 2x backoff, 10% jitter.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// WithRetry runs operation, retrying on failure per policy. Context
// cancellation during a backoff sleep returns ctx.Err() immediately.
func WithRetry(ctx context.Context, policy *RetryPolicy, operation func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opName := policy.OperationName
	if opName == "" {
		opName = "unknown"
	}

	var lastErr error
	delay := policy.BaseDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		start := time.Now()
		err := operation()
		dur := time.Since(start).Seconds()

		if err == nil {
			if policy.Metrics != nil {
				policy.Metrics.RecordAttempt(opName, "success", "", dur)
				policy.Metrics.RecordFinalAttempt(opName, "success", attempt+1)
			}
			return nil
		}

		lastErr = err
		errorType := classifyErrorType(err)
		retryable := policy.ErrorChecker == nil || policy.ErrorChecker.IsRetryable(err)

		if policy.Metrics != nil {
			policy.Metrics.RecordAttempt(opName, "failure", errorType, dur)
		}

		if !retryable || attempt == policy.MaxRetries {
			if policy.Metrics != nil {
				policy.Metrics.RecordFinalAttempt(opName, "failure", attempt+1)
			}
			logger.Warn("operation failed, not retrying", "operation", opName, "attempt", attempt+1, "error", err)
			return lastErr
		}

		sleep := delay
		if policy.Jitter {
			sleep += time.Duration(rand.Int63n(int64(delay) / 10 + 1))
		}
		if policy.Metrics != nil {
			policy.Metrics.RecordBackoff(opName, sleep.Seconds())
		}
		logger.Debug("operation failed, retrying", "operation", opName, "attempt", attempt+1, "delay", sleep, "error", err)

		select {
		case <-ctx.Done():
			if policy.Metrics != nil {
				policy.Metrics.RecordFinalAttempt(opName, "cancelled", attempt+1)
			}
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return lastErr
}

func classifyErrorType(err error) string {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Type
	}
	return "unknown"
}
