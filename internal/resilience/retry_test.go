package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0,
		Patterns:     []string{"timeout", "rate limit", "503"},
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	e := NewExecutor(fastPolicy(3))

	calls := 0
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_NonRetryablePropagatesImmediately(t *testing.T) {
	e := NewExecutor(fastPolicy(3))

	calls := 0
	boom := errors.New("invalid argument")
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	e := NewExecutor(fastPolicy(3))

	calls := 0
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		if calls <= 3 {
			return errors.New("timeout")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	// Three timeouts then success: the 4th invocation wins.
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	e := NewExecutor(fastPolicy(2))

	calls := 0
	last := errors.New("rate limit exceeded")
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return last
	})

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", ex.Attempts)
	}
	if !errors.Is(err, last) {
		t.Errorf("expected last cause attached, got %v", ex.Last)
	}
	if calls != e.MaxAttempts() {
		t.Errorf("expected exactly %d invocations, got %d", e.MaxAttempts(), calls)
	}
}

func TestDo_ZeroRetriesMeansSingleAttempt(t *testing.T) {
	e := NewExecutor(fastPolicy(0))

	calls := 0
	err := e.Do(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	if !Exhausted(err) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call with MaxRetries=0, got %d", calls)
	}
}

func TestDo_CancelAbortsBackoffSleep(t *testing.T) {
	p := fastPolicy(5)
	p.InitialDelay = 10 * time.Second
	e := NewExecutor(p)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := e.Do(ctx, "op", func(context.Context) error {
		return errors.New("timeout")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancel did not abort pending backoff, took %v", elapsed)
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	p := RetryPolicy{
		MaxRetries:   10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.5,
	}
	e := NewExecutor(p)

	upper := time.Duration(float64(p.MaxDelay) * (1 + p.Jitter))
	for attempt := 1; attempt <= 20; attempt++ {
		for i := 0; i < 50; i++ {
			d := e.backoffDelay(attempt)
			if d < 0 {
				t.Fatalf("attempt %d: negative delay %v", attempt, d)
			}
			if d > upper {
				t.Fatalf("attempt %d: delay %v exceeds max*(1+jitter) %v", attempt, d, upper)
			}
		}
	}
}

func TestBackoffDelay_GrowsExponentially(t *testing.T) {
	p := RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
		Jitter:       0,
	}
	e := NewExecutor(p)

	want := []time.Duration{100, 200, 400, 800}
	for i, w := range want {
		if d := e.backoffDelay(i + 1); d != w*time.Millisecond {
			t.Errorf("attempt %d: expected %v, got %v", i+1, w*time.Millisecond, d)
		}
	}
}

func TestIsRetryable_SelfClassifyingErrorWins(t *testing.T) {
	err := &classified{retryable: false, msg: "timeout"} // text matches allowlist
	if IsRetryable(err, []string{"timeout"}) {
		t.Error("self-classifying non-retryable error should not be retried")
	}

	err2 := &classified{retryable: true, msg: "permission denied"}
	if !IsRetryable(fmt.Errorf("wrapped: %w", err2), nil) {
		t.Error("self-classifying retryable error should be retried even when wrapped")
	}
}

type classified struct {
	retryable bool
	msg       string
}

func (c *classified) Error() string   { return c.msg }
func (c *classified) Retryable() bool { return c.retryable }
