// Package provider defines the uniform contract over interchangeable ASR
// backends and the selection policy among them. Callers never depend on
// vendor-specific behavior; every backend exposes the same
// start/stop/pause/resume lifecycle and a per-session ordered result channel.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/halcyonmed/scribe/internal/fragment"
)

// ErrNoProviderAvailable fails session start before any recording begins.
var ErrNoProviderAvailable = errors.New("no transcription provider available")

// SessionConfig describes one recording session to a provider.
type SessionConfig struct {
	SessionID  string
	Language   string
	SampleRate int
}

// Result is one raw fragment event from a provider. Err is set instead of the
// text fields when the stream failed; the supervisor decides whether the
// failure is worth a restart.
type Result struct {
	Text          string
	Confidence    float64
	IsFinal       bool
	Speaker       fragment.Speaker // native diarization label, empty if unsupported
	Alternatives  []fragment.Alternative
	StartOffsetMS int64
	EndOffsetMS   int64
	Err           error
}

// Provider is the capability set every ASR backend implements.
type Provider interface {
	// ID returns the provider's unique identifier.
	ID() string
	// Available reports whether the provider is ready to start a session.
	Available() bool
	// Start begins streaming recognition for one session.
	Start(ctx context.Context, cfg SessionConfig) error
	// Stop ends the session and closes the result channel.
	Stop() error
	// Pause suspends production of new fragments without tearing the
	// session down. Pending flushes and in-flight retries are unaffected.
	Pause() error
	// Resume lifts a pause.
	Resume() error
	// Results returns the ordered per-session fragment event stream.
	Results() <-chan Result
}

// Feeder is implemented by providers that accept host-pushed recognition
// results instead of producing their own stream.
type Feeder interface {
	Feed(res Result) error
}

// StreamError is a provider stream failure with a vendor-neutral code.
// Codes "no-speech" and "network" are transient and restartable.
type StreamError struct {
	ProviderID string
	Code       string
	Cause      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("provider %s: stream error %q: %v", e.ProviderID, e.Code, e.Cause)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// Retryable classifies the stream error for the retry layer.
func (e *StreamError) Retryable() bool {
	return e.Code == "no-speech" || e.Code == "network" || e.Code == "timeout"
}
