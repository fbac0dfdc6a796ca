package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Supervisor wraps a provider with capped auto-restart on transient stream
// errors ("no-speech", "network"). Without the cap a sustained outage turns
// into an infinite restart loop, so restarts beyond MaxRestarts surface the
// error to the consumer instead.
type Supervisor struct {
	inner       Provider
	maxRestarts int

	mu       sync.Mutex
	cfg      SessionConfig
	out      chan Result
	restarts int
	stopped  bool
	paused   bool
}

func NewSupervisor(inner Provider, maxRestarts int) *Supervisor {
	if maxRestarts < 0 {
		maxRestarts = 0
	}
	return &Supervisor{inner: inner, maxRestarts: maxRestarts}
}

func (s *Supervisor) ID() string { return s.inner.ID() }

func (s *Supervisor) Available() bool { return s.inner.Available() }

func (s *Supervisor) Start(ctx context.Context, cfg SessionConfig) error {
	if err := s.inner.Start(ctx, cfg); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.out = make(chan Result, 64)
	s.restarts = 0
	s.stopped = false
	s.paused = false
	out := s.out
	s.mu.Unlock()

	go s.pump(out)
	return nil
}

func (s *Supervisor) pump(out chan<- Result) {
	defer close(out)

	for {
		restart := false
		var cause error

		for res := range s.inner.Results() {
			if res.Err != nil && s.shouldRestart(res.Err) {
				restart = true
				cause = res.Err
				break
			}
			out <- res
		}

		if !restart {
			return
		}

		_ = s.inner.Stop()

		s.mu.Lock()
		stopped := s.stopped
		cfg := s.cfg
		n := s.restarts
		s.mu.Unlock()
		if stopped {
			return
		}

		slog.Warn("restarting transcription provider after transient error",
			"provider", s.inner.ID(),
			"restart", n,
			"max_restarts", s.maxRestarts,
			"error", cause,
		)

		if err := s.inner.Start(context.Background(), cfg); err != nil {
			out <- Result{Err: err}
			return
		}

		// A fresh provider session starts unpaused; re-apply the session's
		// pause so a restart does not silently resume recording.
		s.mu.Lock()
		paused := s.paused
		s.mu.Unlock()
		if paused {
			if err := s.inner.Pause(); err != nil {
				slog.Warn("failed to re-apply pause after provider restart",
					"provider", s.inner.ID(), "error", err)
			}
		}
	}
}

func (s *Supervisor) shouldRestart(err error) bool {
	var se *StreamError
	if !errors.As(err, &se) || !se.Retryable() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.restarts >= s.maxRestarts {
		return false
	}
	s.restarts++
	return true
}

func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return s.inner.Stop()
}

func (s *Supervisor) Pause() error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	return s.inner.Pause()
}

func (s *Supervisor) Resume() error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	return s.inner.Resume()
}

// Feed forwards a host-pushed result to the wrapped provider.
func (s *Supervisor) Feed(res Result) error {
	f, ok := s.inner.(Feeder)
	if !ok {
		return fmt.Errorf("provider %s does not accept host-pushed results", s.inner.ID())
	}
	return f.Feed(res)
}

func (s *Supervisor) Results() <-chan Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

// Restarts reports how many restarts the current session has consumed.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}
