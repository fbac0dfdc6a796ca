package resilience

import (
	"context"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a breaker for one named operation class.
type BreakerConfig struct {
	Name string
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before the next call is
	// allowed through as a half-open probe.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of half-open successes required to close.
	SuccessThreshold int
}

// Breaker implements the circuit breaker for a single operation class. Its
// state is owned exclusively by that class's call sites; breakers are never
// shared across classes. It composes with the retry executor by wrapping it:
// breaker outside, retry inside, so an open circuit spends no retry budget.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Do runs fn through the breaker, failing fast with ErrCircuitOpen while the
// circuit is open.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState() != StateOpen
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()

	if err != nil {
		b.lastFailure = time.Now()
		switch state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.state = StateOpen
			}
		case StateHalfOpen:
			// A failed probe re-opens the circuit for a full cooldown.
			b.failures = b.cfg.FailureThreshold
			b.state = StateOpen
		}
		return
	}

	switch state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.failures > 0 {
			b.failures--
		}
		if b.failures == 0 {
			b.state = StateClosed
		}
	}
}

// currentState applies the open -> half-open cooldown transition. Callers must
// hold b.mu. Entering half-open caps the failure count at SuccessThreshold so
// exactly that many probe successes close the circuit.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && time.Since(b.lastFailure) > b.cfg.ResetTimeout {
		b.state = StateHalfOpen
		if b.failures > b.cfg.SuccessThreshold {
			b.failures = b.cfg.SuccessThreshold
		}
	}
	return b.state
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Failures returns the current failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Name returns the operation class this breaker guards.
func (b *Breaker) Name() string { return b.cfg.Name }

// Reset forces the breaker back to closed with a clean failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
}
