package resilience

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy configures a Retrier.
type RetryPolicy struct {
	// Name identifies this retrier for logging.
	Name string

	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int

	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the per-retry wait.
	MaxDelay time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// MaxTotalWait bounds the cumulative time spent sleeping between
	// attempts. Once the accrued wait reaches the budget no further
	// retries are taken.
	MaxTotalWait time.Duration

	// OnRetry is called before each wait, with the attempt that just failed.
	OnRetry func(attempt int, err error)

	// OnExhausted is called once when no further attempts will be made.
	OnExhausted func(err error)
}

// DefaultRetryPolicy returns the delivery retry defaults.
func DefaultRetryPolicy(name string) RetryPolicy {
	return RetryPolicy{
		Name:         name,
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		MaxTotalWait: 20 * time.Second,
	}
}

// Retrier executes operations with deterministic exponential backoff.
type Retrier struct {
	policy RetryPolicy
}

// NewRetrier creates a retrier with the given policy.
func NewRetrier(policy RetryPolicy) *Retrier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = 2.0
	}
	if policy.MaxTotalWait <= 0 {
		policy.MaxTotalWait = 20 * time.Second
	}

	return &Retrier{policy: policy}
}

// Execute runs fn until it succeeds, attempts are exhausted, the total wait
// budget is spent, or the context is cancelled. The last error is returned
// wrapped with the attempt count.
func (r *Retrier) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := r.policy.InitialDelay
	var totalWait time.Duration
	var lastErr error

	attempt := 1
	for ; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == r.policy.MaxAttempts || totalWait >= r.policy.MaxTotalWait {
			break
		}

		if r.policy.OnRetry != nil {
			r.policy.OnRetry(attempt, lastErr)
		}

		if err := sleepContext(ctx, delay); err != nil {
			return err
		}
		totalWait += delay

		delay = time.Duration(float64(delay) * r.policy.Multiplier)
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}

	if r.policy.OnExhausted != nil {
		r.policy.OnExhausted(lastErr)
	}

	return fmt.Errorf("%s: retries exhausted after %d attempts: %w", r.policy.Name, attempt, lastErr)
}

// Delays returns the backoff schedule this policy produces, useful for logging
// the configured behaviour at startup.
func (r *Retrier) Delays() []time.Duration {
	delays := make([]time.Duration, 0, r.policy.MaxAttempts-1)
	delay := r.policy.InitialDelay
	var totalWait time.Duration

	for attempt := 1; attempt < r.policy.MaxAttempts; attempt++ {
		if totalWait >= r.policy.MaxTotalWait {
			break
		}
		delays = append(delays, delay)
		totalWait += delay

		delay = time.Duration(float64(delay) * r.policy.Multiplier)
		if delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}
	return delays
}

// sleepContext waits for the duration or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
