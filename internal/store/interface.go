package store

import (
	"context"

	"github.com/halcyonmed/scribe/internal/fragment"
)

// DataStore is the interface consumed by the ingestion queue, session manager,
// workflow orchestrator, and the API. The concrete implementation is *Store
// (pgx-backed).
type DataStore interface {
	InsertFragments(ctx context.Context, frags []fragment.Fragment) error
	GetSessionFragments(ctx context.Context, sessionID string) ([]fragment.Fragment, error)
	InsertTranscript(ctx context.Context, t Transcript) error
	TranscriptExists(ctx context.Context, sessionID string) (bool, error)
	GetTranscript(ctx context.Context, sessionID string) (*Transcript, error)
	UpsertWorkflowStep(ctx context.Context, sessionID, name, status string, progress int, message, errMsg string) error
	GetWorkflowSteps(ctx context.Context, sessionID string) ([]map[string]any, error)
	Close()
}
