package fragment

import (
	"time"

	"github.com/google/uuid"
)

// Speaker is the provisional speaker label assigned to a fragment. It comes
// either from provider-native diarization or from the turn heuristic, and is
// not ground truth until diarization confirms it.
type Speaker string

const (
	SpeakerClinician Speaker = "clinician"
	SpeakerPatient   Speaker = "patient"
)

// Other returns the opposite speaker label.
func (s Speaker) Other() Speaker {
	if s == SpeakerClinician {
		return SpeakerPatient
	}
	return SpeakerClinician
}

// Alternative is a lower-ranked recognition hypothesis for a fragment.
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Fragment is one recognized span of speech. Interim fragments (IsFinal=false)
// are display-only and never enter the ingestion queue; only finals are
// persisted. Pending stays true until the fragment is durably written.
type Fragment struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	Text          string        `json:"text"`
	Speaker       Speaker       `json:"speaker"`
	IsFinal       bool          `json:"is_final"`
	Confidence    float64       `json:"confidence"`
	StartOffsetMS int64         `json:"start_offset_ms"`
	EndOffsetMS   int64         `json:"end_offset_ms"`
	ProviderID    string        `json:"provider_id"`
	Alternatives  []Alternative `json:"alternatives,omitempty"`
	Pending       bool          `json:"pending"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
}

// Normalize fills in missing fields with sensible defaults. It never drops a
// fragment; the result is always usable.
func Normalize(f Fragment) Fragment {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Speaker == "" {
		f.Speaker = SpeakerClinician
	}
	if f.Confidence < 0 {
		f.Confidence = 0
	}
	if f.Confidence > 1 {
		f.Confidence = 1
	}
	if f.EnqueuedAt.IsZero() {
		f.EnqueuedAt = time.Now().UTC()
	}
	return f
}

// Band classifies a confidence score for the observability histogram.
// It is never used to drop data.
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// ConfidenceBand buckets score using the low/high thresholds (defaults 0.6 and 0.8).
func ConfidenceBand(score, low, high float64) Band {
	switch {
	case score < low:
		return BandLow
	case score < high:
		return BandMedium
	default:
		return BandHigh
	}
}
