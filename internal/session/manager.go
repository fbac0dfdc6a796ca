// Package session owns the live recording sessions: one transcription
// provider stream, one turn detector, and one ingestion queue per session,
// plus the stop sequence that assembles the transcript and kicks off the
// documentation workflow.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyonmed/scribe/internal/ingest"
	"github.com/halcyonmed/scribe/internal/provider"
	"github.com/halcyonmed/scribe/internal/resilience"
	"github.com/halcyonmed/scribe/internal/store"
	"github.com/halcyonmed/scribe/internal/turns"
	"github.com/halcyonmed/scribe/internal/workflow"
)

type State string

const (
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
)

// PublishFunc sends an event payload to a subject. nil-safe wiring is the
// caller's job.
type PublishFunc func(subject string, data []byte) error

// WarnFunc receives offline-sync warnings (Slack alerting, dashboards).
type WarnFunc func(ctx context.Context, sessionID string, retained int, reason string)

// Config carries per-session knobs shared by all sessions.
type Config struct {
	Queue               ingest.Config
	Turns               turns.Config
	Language            string
	SampleRate          int
	MaxProviderRestarts int
}

func DefaultConfig() Config {
	return Config{
		Queue:               ingest.DefaultConfig(),
		Turns:               turns.DefaultConfig(),
		Language:            "en-US",
		SampleRate:          16000,
		MaxProviderRestarts: 5,
	}
}

// Session is one live (or recently stopped) recording.
type Session struct {
	ID        string
	Provider  provider.Provider
	Queue     *ingest.Queue
	StartedAt time.Time

	detector *turns.Detector
	done     chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	state State
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Manager creates, tracks, and tears down sessions.
type Manager struct {
	store      store.DataStore
	registry   *provider.Registry
	orch       *workflow.Orchestrator
	retrier    *resilience.Executor
	breakerCfg resilience.BreakerConfig
	cfg        Config
	publish    PublishFunc
	warn       WarnFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(ds store.DataStore, reg *provider.Registry, orch *workflow.Orchestrator,
	retrier *resilience.Executor, breakerCfg resilience.BreakerConfig, cfg Config,
	publish PublishFunc, warn WarnFunc) *Manager {
	return &Manager{
		store:      ds,
		registry:   reg,
		orch:       orch,
		retrier:    retrier,
		breakerCfg: breakerCfg,
		cfg:        cfg,
		publish:    publish,
		warn:       warn,
		sessions:   make(map[string]*Session),
	}
}

// Start selects a provider, opens its stream, and begins recording. preferred
// may be a provider ID or provider.PreferenceAuto.
func (m *Manager) Start(ctx context.Context, sessionID, preferred string) error {
	m.mu.Lock()
	if s, ok := m.sessions[sessionID]; ok && s.State() != StateStopped {
		m.mu.Unlock()
		return fmt.Errorf("session %s already active", sessionID)
	}
	m.mu.Unlock()

	p, err := m.registry.Select(preferred)
	if err != nil {
		return err
	}
	sup := provider.NewSupervisor(p, m.cfg.MaxProviderRestarts)

	bcfg := m.breakerCfg
	bcfg.Name = "persist:" + sessionID
	q := ingest.New(sessionID, m.store, m.retrier, resilience.NewBreaker(bcfg), m.cfg.Queue,
		&saveNotifier{sessionID: sessionID, publish: m.publish})

	sess := &Session{
		ID:        sessionID,
		Provider:  sup,
		Queue:     q,
		StartedAt: time.Now(),
		detector:  turns.New(m.cfg.Turns),
		done:      make(chan struct{}),
		state:     StateRecording,
	}

	if err := sup.Start(ctx, provider.SessionConfig{
		SessionID:  sessionID,
		Language:   m.cfg.Language,
		SampleRate: m.cfg.SampleRate,
	}); err != nil {
		return fmt.Errorf("start provider %s: %w", sup.ID(), err)
	}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	sess.wg.Add(2)
	go m.record(sess)
	go m.forwardWarnings(sess)

	slog.Info("session started", "session_id", sessionID, "provider", sup.ID())
	return nil
}

// Stop tears the session down in order: stop the provider stream, drain the
// ingestion queue, assemble and persist the transcript, then run the
// documentation workflow. Safe to call once per session.
func (m *Manager) Stop(ctx context.Context, sessionID string) (*workflow.Run, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.State() == StateStopped {
		return nil, fmt.Errorf("session %s already stopped", sessionID)
	}
	sess.setState(StateStopped)

	if err := sess.Provider.Stop(); err != nil {
		slog.Warn("provider stop failed", "session_id", sessionID, "error", err)
	}
	close(sess.done)
	sess.wg.Wait()

	if err := sess.Queue.Drain(ctx); err != nil {
		return nil, fmt.Errorf("drain session %s: %w", sessionID, err)
	}

	transcript, err := m.assembleTranscript(ctx, sess)
	if err != nil {
		return nil, err
	}

	run, err := m.orch.RunCompletePipeline(ctx, sessionID, transcript)
	if err != nil {
		return run, fmt.Errorf("documentation workflow for session %s: %w", sessionID, err)
	}
	return run, nil
}

// Pause suspends fragment production; the queue keeps flushing what it holds.
func (m *Manager) Pause(sessionID string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if sess.State() != StateRecording {
		return fmt.Errorf("session %s is not recording", sessionID)
	}
	if err := sess.Provider.Pause(); err != nil {
		return err
	}
	sess.setState(StatePaused)
	slog.Info("session paused", "session_id", sessionID)
	return nil
}

func (m *Manager) Resume(sessionID string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if sess.State() != StatePaused {
		return fmt.Errorf("session %s is not paused", sessionID)
	}
	if err := sess.Provider.Resume(); err != nil {
		return err
	}
	sess.setState(StateRecording)
	slog.Info("session resumed", "session_id", sessionID)
	return nil
}

// Ingest delivers a host-pushed recognition result to the session's provider.
// Only providers that accept pushed results (the local recognizer) support it;
// streaming providers reject the push.
func (m *Manager) Ingest(sessionID string, res provider.Result) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	if sess.State() == StateStopped {
		return fmt.Errorf("session %s already stopped", sessionID)
	}
	f, ok := sess.Provider.(provider.Feeder)
	if !ok {
		return fmt.Errorf("session %s: provider %s does not accept host-pushed results", sessionID, sess.Provider.ID())
	}
	return f.Feed(res)
}

// Stats returns the session's ingestion stats.
func (m *Manager) Stats(sessionID string) (ingest.Stats, error) {
	sess, err := m.get(sessionID)
	if err != nil {
		return ingest.Stats{}, err
	}
	return sess.Queue.Stats(), nil
}

// RetryFailed re-queues the session's retained failed batches.
func (m *Manager) RetryFailed(sessionID string) error {
	sess, err := m.get(sessionID)
	if err != nil {
		return err
	}
	sess.Queue.RetryFailed()
	return nil
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %s", sessionID)
	}
	return sess, nil
}

// Close stops every active session. Used on shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if s.State() != StateStopped {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.Stop(ctx, id); err != nil {
			slog.Error("session shutdown failed", "session_id", id, "error", err)
		}
	}
}
