package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/halcyonmed/scribe/internal/fragment"
	"github.com/halcyonmed/scribe/internal/store"
)

// MockStore is a thread-safe in-memory implementation of store.DataStore for
// testing.
type MockStore struct {
	mu sync.Mutex

	Fragments   []fragment.Fragment
	Transcripts map[string]store.Transcript
	Steps       map[string]map[string]map[string]any // sessionID -> step name -> fields

	InsertErr     error
	TranscriptErr error

	InsertCalls     int
	TranscriptCalls int
}

func NewMockStore() *MockStore {
	return &MockStore{
		Transcripts: make(map[string]store.Transcript),
		Steps:       make(map[string]map[string]map[string]any),
	}
}

func (m *MockStore) InsertFragments(_ context.Context, frags []fragment.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return m.InsertErr
	}
	m.Fragments = append(m.Fragments, frags...)
	return nil
}

func (m *MockStore) GetSessionFragments(_ context.Context, sessionID string) ([]fragment.Fragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fragment.Fragment
	for _, f := range m.Fragments {
		if f.SessionID == sessionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *MockStore) InsertTranscript(_ context.Context, t store.Transcript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranscriptCalls++
	if m.TranscriptErr != nil {
		return m.TranscriptErr
	}
	m.Transcripts[t.SessionID] = t
	return nil
}

func (m *MockStore) TranscriptExists(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Transcripts[sessionID]
	return ok, nil
}

func (m *MockStore) GetTranscript(_ context.Context, sessionID string) (*store.Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.Transcripts[sessionID]
	if !ok {
		return nil, fmt.Errorf("transcript for session %s not found", sessionID)
	}
	return &t, nil
}

func (m *MockStore) UpsertWorkflowStep(_ context.Context, sessionID, name, status string, progress int, message, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Steps[sessionID] == nil {
		m.Steps[sessionID] = make(map[string]map[string]any)
	}
	m.Steps[sessionID][name] = map[string]any{
		"status":   status,
		"progress": progress,
		"message":  message,
		"error":    errMsg,
	}
	return nil
}

func (m *MockStore) GetWorkflowSteps(_ context.Context, sessionID string) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for name, fields := range m.Steps[sessionID] {
		row := map[string]any{"name": name}
		for k, v := range fields {
			row[k] = v
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *MockStore) Close() {}

// FragmentCount returns total fragments stored.
func (m *MockStore) FragmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Fragments)
}

// GetInsertCalls returns how many times InsertFragments was called.
func (m *MockStore) GetInsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InsertCalls
}

// SetInsertErr sets the error returned by InsertFragments.
func (m *MockStore) SetInsertErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertErr = err
}
