// Package resilience provides the fault-tolerance layer wrapped around every
// call to an external transcription or generation service: exponential-backoff
// retry with jitter and a per-operation-class circuit breaker.
package resilience

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCircuitOpen is returned by a Breaker without invoking the operation while
// the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ExhaustedError is returned once the retry budget for a single Do call is
// spent. Last carries the final underlying cause.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// retryable is implemented by errors that classify themselves (provider stream
// errors, generation request errors).
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err should be retried. Self-classifying errors
// win; otherwise the error text is matched against the configured substring
// allowlist (e.g. "rate limit", "timeout", "503").
func IsRetryable(err error, patterns []string) bool {
	if err == nil {
		return false
	}

	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}

	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
