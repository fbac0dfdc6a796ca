package resilience

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures the executor. MaxRetries counts retries after the
// initial attempt, so an operation is invoked at most MaxRetries+1 times.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the symmetric jitter factor (0..1) applied to each delay.
	Jitter float64
	// Patterns is the retryable-error substring allowlist.
	Patterns []string
}

// DefaultRetryPolicy returns the tuning used when config omits values.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
		Patterns:     []string{"timeout", "rate limit", "429", "500", "502", "503", "504", "connection refused", "temporarily unavailable"},
	}
}

// Executor runs operations with exponential backoff and jitter. State is
// per-invocation only; nothing is remembered across Do calls.
type Executor struct {
	policy RetryPolicy
}

func NewExecutor(p RetryPolicy) *Executor {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return &Executor{policy: p}
}

// Do invokes fn, retrying retryable failures with backoff until the budget is
// spent. Non-retryable errors propagate immediately. Cancelling ctx aborts a
// pending backoff sleep.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("operation recovered", "op", op, "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err, e.policy.Patterns) {
			return err
		}
		if attempt == e.policy.MaxRetries+1 {
			break
		}

		delay := e.backoffDelay(attempt)
		slog.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"next_delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Op: op, Attempts: e.policy.MaxRetries + 1, Last: lastErr}
}

// backoffDelay computes min(maxDelay, initial*multiplier^(attempt-1)) with
// symmetric jitter, floored at zero.
func (e *Executor) backoffDelay(attempt int) time.Duration {
	d := float64(e.policy.InitialDelay) * math.Pow(e.policy.Multiplier, float64(attempt-1))
	if d > float64(e.policy.MaxDelay) {
		d = float64(e.policy.MaxDelay)
	}
	if e.policy.Jitter > 0 {
		span := d * e.policy.Jitter
		d += (rand.Float64()*2 - 1) * span
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// MaxAttempts reports the total invocation budget per Do call.
func (e *Executor) MaxAttempts() int { return e.policy.MaxRetries + 1 }

// Exhausted reports whether err is a retry-exhaustion failure.
func Exhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}
