// Package turns assigns a provisional speaker label to finalized fragments for
// providers without native diarization. The heuristic models a two-party
// clinical encounter and is superseded whenever the provider supplies a label.
package turns

import (
	"strings"
	"time"

	"github.com/halcyonmed/scribe/internal/fragment"
)

type Config struct {
	// PauseThreshold is the silence gap that forces a speaker switch.
	PauseThreshold time.Duration
	// SentenceCountBeforeSwitch caps consecutive turns by one speaker.
	SentenceCountBeforeSwitch int
}

func DefaultConfig() Config {
	return Config{
		PauseThreshold:            2 * time.Second,
		SentenceCountBeforeSwitch: 2,
	}
}

// Detector holds per-stream state: the current speaker, the last speech
// timestamp, and the consecutive-turn counter. One detector per session.
type Detector struct {
	cfg Config

	current     fragment.Speaker
	lastSpeech  time.Time
	consecutive int
	started     bool
}

// initialSpeaker is the fixed stream-start role.
const initialSpeaker = fragment.SpeakerClinician

func New(cfg Config) *Detector {
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = 2 * time.Second
	}
	if cfg.SentenceCountBeforeSwitch <= 0 {
		cfg.SentenceCountBeforeSwitch = 2
	}
	return &Detector{cfg: cfg, current: initialSpeaker}
}

// Assign labels one finalized fragment. Rules are evaluated in order, first
// match wins:
//  1. pause longer than the threshold switches speaker
//  2. a question asked while the non-initial speaker holds the floor switches
//     back (patient statement, clinician follow-up question)
//  3. the consecutive-turn cap switches speaker and resets the counter
func (d *Detector) Assign(text string, at time.Time) fragment.Speaker {
	if !d.started {
		d.started = true
		d.lastSpeech = at
		d.consecutive = 1
		return d.current
	}

	switch {
	case at.Sub(d.lastSpeech) > d.cfg.PauseThreshold:
		d.switchSpeaker()
	case isQuestion(text) && d.current != initialSpeaker:
		d.switchSpeaker()
	case d.consecutive >= d.cfg.SentenceCountBeforeSwitch:
		d.switchSpeaker()
	default:
		d.consecutive++
	}

	d.lastSpeech = at
	return d.current
}

// Current returns the speaker who holds the floor.
func (d *Detector) Current() fragment.Speaker { return d.current }

func (d *Detector) switchSpeaker() {
	d.current = d.current.Other()
	d.consecutive = 1
}

var interrogatives = []string{
	"who", "what", "when", "where", "why", "how",
	"is", "are", "was", "were", "do", "does", "did",
	"can", "could", "would", "will", "should",
	"have", "has", "any", "tell me",
}

func isQuestion(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "?") {
		return true
	}
	for _, w := range interrogatives {
		if t == w || strings.HasPrefix(t, w+" ") {
			return true
		}
	}
	return false
}
