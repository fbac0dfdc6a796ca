// Package workflow sequences the post-transcription pipeline: note generation,
// task extraction, and diagnostic-code suggestion. Note generation is the one
// mandatory step; the rest fail independently without aborting the run.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyonmed/scribe/internal/generate"
	"github.com/halcyonmed/scribe/internal/resilience"
)

// Step names, in pipeline order.
const (
	StepTranscription  = "transcription"
	StepNoteGeneration = "note-generation"
	StepTaskExtraction = "task-extraction"
	StepCodeSuggestion = "code-suggestion"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Step is one pipeline stage's observable state.
type Step struct {
	Name     string `json:"name"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Err      string `json:"error,omitempty"`
}

// Run is the workflow state for one completed recording session. Progress is
// the pipeline-level milestone (20/40/80/100) and is observability only.
type Run struct {
	SessionID   string            `json:"session_id"`
	Steps       []Step            `json:"steps"`
	Progress    int               `json:"progress"`
	Success     bool              `json:"success"`
	Errors      []string          `json:"errors,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`
}

func (r *Run) step(name string) *Step {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}

// snapshotLocked deep-copies the run. The orchestrator mutex must be held.
func (r *Run) snapshotLocked() *Run {
	cp := *r
	cp.Steps = append([]Step(nil), r.Steps...)
	cp.Errors = append([]string(nil), r.Errors...)
	cp.Artifacts = make(map[string]string, len(r.Artifacts))
	for k, v := range r.Artifacts {
		cp.Artifacts[k] = v
	}
	return &cp
}

// RunStore persists step transitions. Uses primitive types so the store
// package can implement it without an import cycle.
type RunStore interface {
	UpsertWorkflowStep(ctx context.Context, sessionID, name, status string, progress int, message, errMsg string) error
}

// PublishFunc is the callback signature for publishing workflow events.
type PublishFunc func(subject string, data []byte) error

// Orchestrator drives runs strictly sequentially: no step starts before the
// previous required step resolves. Runs are tracked in an injected in-memory
// map so tests can isolate instances.
type Orchestrator struct {
	gen        generate.Generator
	retrier    *resilience.Executor
	breakerCfg resilience.BreakerConfig
	store      RunStore    // optional
	publish    PublishFunc // optional

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker // one per step operation class
	runs     map[string]*Run
}

func New(gen generate.Generator, retrier *resilience.Executor, breakerCfg resilience.BreakerConfig, store RunStore, publish PublishFunc) *Orchestrator {
	return &Orchestrator{
		gen:        gen,
		retrier:    retrier,
		breakerCfg: breakerCfg,
		store:      store,
		publish:    publish,
		breakers:   make(map[string]*resilience.Breaker),
		runs:       make(map[string]*Run),
	}
}

// breakerFor returns the circuit breaker owned by one step's operation class.
func (o *Orchestrator) breakerFor(step string) *resilience.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.breakers[step]
	if !ok {
		cfg := o.breakerCfg
		cfg.Name = step
		b = resilience.NewBreaker(cfg)
		o.breakers[step] = b
	}
	return b
}

// Breakers returns the orchestrator's breakers for the status surface.
func (o *Orchestrator) Breakers() []*resilience.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*resilience.Breaker, 0, len(o.breakers))
	for _, b := range o.breakers {
		out = append(out, b)
	}
	return out
}

func newRun(sessionID string) *Run {
	return &Run{
		SessionID: sessionID,
		Steps: []Step{
			{Name: StepTranscription, Status: StatusPending},
			{Name: StepNoteGeneration, Status: StatusPending},
			{Name: StepTaskExtraction, Status: StatusPending},
			{Name: StepCodeSuggestion, Status: StatusPending},
		},
		Artifacts: make(map[string]string),
		StartedAt: time.Now().UTC(),
	}
}

// RunCompletePipeline executes the full pipeline for a finished session.
// Mandatory-step failure aborts and leaves later steps pending; optional-step
// failures are recorded in Errors and the pipeline continues. The returned
// Run always reflects the final state; callers must inspect Errors rather
// than assume a nil error means full success.
func (o *Orchestrator) RunCompletePipeline(ctx context.Context, sessionID, transcript string) (*Run, error) {
	run := newRun(sessionID)
	o.mu.Lock()
	o.runs[sessionID] = run
	o.mu.Unlock()

	// Transcription finished before the pipeline starts; record the
	// precondition as completed.
	o.setStep(ctx, run, StepTranscription, StatusCompleted, 100, "transcript assembled", nil)
	o.setProgress(run, 20)

	if err := o.executeStep(ctx, run, StepNoteGeneration, transcript); err != nil {
		o.finishRun(run, false)
		o.publishRunEvent(run)
		slog.Error("mandatory workflow step failed, aborting pipeline",
			"session_id", sessionID, "step", StepNoteGeneration, "error", err)
		return o.snapshot(run), fmt.Errorf("note generation: %w", err)
	}
	o.setProgress(run, 40)

	// Optional steps: failures are soft.
	if err := o.executeStep(ctx, run, StepTaskExtraction, transcript); err != nil {
		slog.Warn("optional workflow step failed, continuing",
			"session_id", sessionID, "step", StepTaskExtraction, "error", err)
	}
	o.setProgress(run, 80)

	if err := o.executeStep(ctx, run, StepCodeSuggestion, transcript); err != nil {
		slog.Warn("optional workflow step failed, continuing",
			"session_id", sessionID, "step", StepCodeSuggestion, "error", err)
	}
	o.setProgress(run, 100)

	o.finishRun(run, true)
	o.publishRunEvent(run)
	return o.snapshot(run), nil
}

func (o *Orchestrator) setProgress(run *Run, progress int) {
	o.mu.Lock()
	run.Progress = progress
	o.mu.Unlock()
}

func (o *Orchestrator) finishRun(run *Run, success bool) {
	o.mu.Lock()
	run.Success = success
	run.CompletedAt = time.Now().UTC()
	o.mu.Unlock()
}

// snapshot deep-copies a run for readers outside the orchestrator.
func (o *Orchestrator) snapshot(run *Run) *Run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return run.snapshotLocked()
}

// RunStep re-executes a single step against an existing run, e.g. retrying
// task extraction after it failed without regenerating the note.
func (o *Orchestrator) RunStep(ctx context.Context, name, sessionID, transcript string) error {
	o.mu.Lock()
	run, ok := o.runs[sessionID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("no workflow run for session %s", sessionID)
	}
	if run.step(name) == nil {
		return fmt.Errorf("unknown workflow step %q", name)
	}
	if name == StepTranscription {
		return fmt.Errorf("step %q cannot be re-executed", name)
	}
	return o.executeStep(ctx, run, name, transcript)
}

// Run returns a snapshot of the tracked workflow run for a session. Callers
// get an isolated copy; the live run keeps mutating under the orchestrator's
// lock while a pipeline executes.
func (o *Orchestrator) Run(sessionID string) (*Run, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.runs[sessionID]
	if !ok {
		return nil, false
	}
	return run.snapshotLocked(), true
}

func (o *Orchestrator) executeStep(ctx context.Context, run *Run, name, transcript string) error {
	o.setStep(ctx, run, name, StatusInProgress, 50, "", nil)

	prompt := promptFor(name)
	breaker := o.breakerFor(name)

	var text string
	err := breaker.Do(ctx, func(ctx context.Context) error {
		return o.retrier.Do(ctx, name, func(ctx context.Context) error {
			var genErr error
			text, genErr = o.gen.Generate(ctx, prompt, transcript)
			return genErr
		})
	})
	if err != nil {
		o.setStep(ctx, run, name, StatusFailed, 50, "", err)
		o.mu.Lock()
		run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", name, err))
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	run.Artifacts[name] = text
	o.mu.Unlock()
	o.setStep(ctx, run, name, StatusCompleted, 100, "", nil)
	return nil
}

func (o *Orchestrator) setStep(ctx context.Context, run *Run, name string, status Status, progress int, message string, err error) {
	o.mu.Lock()
	s := run.step(name)
	s.Status = status
	s.Progress = progress
	s.Message = message
	if err != nil {
		s.Err = err.Error()
	}
	errMsg := s.Err
	o.mu.Unlock()

	if o.store != nil {
		if serr := o.store.UpsertWorkflowStep(ctx, run.SessionID, name, string(status), progress, message, errMsg); serr != nil {
			slog.Error("failed to persist workflow step", "session_id", run.SessionID, "step", name, "error", serr)
		}
	}
}

func (o *Orchestrator) publishRunEvent(run *Run) {
	if o.publish == nil {
		return
	}
	payload, err := json.Marshal(o.snapshot(run))
	if err != nil {
		return
	}
	subject := fmt.Sprintf("scribe.workflow.%s.completed", run.SessionID)
	if err := o.publish(subject, payload); err != nil {
		slog.Warn("failed to publish workflow event", "session_id", run.SessionID, "error", err)
	}
}

// promptFor maps a step to the instruction sent to the LLM gateway. The
// transcript travels separately as context.
func promptFor(step string) string {
	switch step {
	case StepNoteGeneration:
		return "Generate a structured clinical SOAP note from the visit transcript."
	case StepTaskExtraction:
		return "Extract follow-up tasks and orders from the visit transcript as a bulleted list."
	case StepCodeSuggestion:
		return "Suggest candidate ICD-10 diagnostic codes supported by the visit transcript."
	default:
		return ""
	}
}
