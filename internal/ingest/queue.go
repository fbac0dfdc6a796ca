// Package ingest turns the firehose of finalized fragments into durable
// batched writes. Each recording session owns an isolated Queue instance.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyonmed/scribe/internal/fragment"
	"github.com/halcyonmed/scribe/internal/resilience"
)

// Persister is the durable write the queue needs. A batch write is atomic:
// partial success is treated as total failure and retried.
type Persister interface {
	InsertFragments(ctx context.Context, frags []fragment.Fragment) error
}

// Processor runs against a batch after a successful flush (stats persistence,
// event publication).
type Processor interface {
	Process(ctx context.Context, batch []fragment.Fragment)
}

// Warning is the non-blocking offline-sync notice emitted when a batch write
// exhausts its retries. The batch is retained, never dropped.
type Warning struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Failed    int       `json:"failed"`
	At        time.Time `json:"at"`
}

type Config struct {
	BatchSize    int
	Debounce     time.Duration
	FlushTimeout time.Duration
	// ConfidenceLow and ConfidenceHigh are the histogram bucket thresholds.
	ConfidenceLow  float64
	ConfidenceHigh float64
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      5,
		Debounce:       3 * time.Second,
		FlushTimeout:   30 * time.Second,
		ConfidenceLow:  0.6,
		ConfidenceHigh: 0.8,
	}
}

// Stats is the observable per-queue surface.
type Stats struct {
	TotalChunks      int     `json:"total_chunks"`
	SavedChunks      int     `json:"saved_chunks"`
	PendingChunks    int     `json:"pending_chunks"`
	FailedChunks     int     `json:"failed_chunks"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	ConfidenceLow    int     `json:"confidence_low"`
	ConfidenceMedium int     `json:"confidence_medium"`
	ConfidenceHigh   int     `json:"confidence_high"`
}

// Queue accumulates finalized fragments and flushes them as a batch when the
// size threshold is hit or the debounce window expires, whichever comes first.
// A single flush may be in flight at a time; a flush request arriving mid-flush
// is deferred, not dropped or run concurrently.
type Queue struct {
	sessionID string
	persist   Persister
	retrier   *resilience.Executor
	breaker   *resilience.Breaker
	procs     []Processor
	cfg       Config

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []fragment.Fragment
	failed   []fragment.Fragment // retained after retry exhaustion, in order
	inFlight      bool
	deferred      bool
	deferredForce bool
	timer         *time.Timer

	total      int
	saved      int
	latencySum time.Duration
	flushes    int
	bandLow    int
	bandMedium int
	bandHigh   int

	warnings chan Warning
}

func New(sessionID string, p Persister, retrier *resilience.Executor, breaker *resilience.Breaker, cfg Config, procs ...Processor) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 3 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 30 * time.Second
	}
	if cfg.ConfidenceLow <= 0 {
		cfg.ConfidenceLow = 0.6
	}
	if cfg.ConfidenceHigh <= 0 {
		cfg.ConfidenceHigh = 0.8
	}
	q := &Queue{
		sessionID: sessionID,
		persist:   p,
		retrier:   retrier,
		breaker:   breaker,
		procs:     procs,
		cfg:       cfg,
		pending:   make([]fragment.Fragment, 0, cfg.BatchSize),
		warnings:  make(chan Warning, 16),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue buffers one finalized fragment. It never returns an error to the
// producer: write failures are absorbed into stats and the warning channel so
// an active recording is not interrupted.
func (q *Queue) Enqueue(f fragment.Fragment) {
	if !f.IsFinal {
		// Interim fragments are never persisted.
		return
	}
	f.Pending = true
	if f.EnqueuedAt.IsZero() {
		f.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	q.pending = append(q.pending, f)
	q.total++

	if len(q.pending) >= q.cfg.BatchSize {
		q.stopTimerLocked()
		q.mu.Unlock()
		// Threshold flushes are not forced: by the time the goroutine runs,
		// a concurrent flush may already have taken the batch.
		go q.Flush(false)
		return
	}

	// (Re)start the debounce window; expiry force-flushes whatever is buffered.
	q.stopTimerLocked()
	q.timer = time.AfterFunc(q.cfg.Debounce, func() { q.Flush(true) })
	q.mu.Unlock()
}

// Flush writes the buffered fragments as one batch. With force=false the flush
// is skipped below the size threshold. A request arriving while another flush
// is in flight is deferred and re-run when the active flush completes.
func (q *Queue) Flush(force bool) {
	q.mu.Lock()
	if q.inFlight {
		q.deferred = true
		if force {
			q.deferredForce = true
		}
		q.mu.Unlock()
		return
	}
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	if !force && len(q.pending) < q.cfg.BatchSize {
		q.mu.Unlock()
		return
	}

	// A batch is never larger than BatchSize, even when a burst of enqueues
	// lands before the flush goroutine runs. The remainder stays buffered and
	// starts a fresh debounce window.
	batch := q.pending
	q.stopTimerLocked()
	if len(batch) > q.cfg.BatchSize {
		batch = batch[:q.cfg.BatchSize:q.cfg.BatchSize]
		rest := make([]fragment.Fragment, len(q.pending)-q.cfg.BatchSize)
		copy(rest, q.pending[q.cfg.BatchSize:])
		q.pending = rest
		q.timer = time.AfterFunc(q.cfg.Debounce, func() { q.Flush(true) })
	} else {
		q.pending = make([]fragment.Fragment, 0, q.cfg.BatchSize)
	}
	q.inFlight = true
	q.mu.Unlock()

	q.writeBatch(batch)

	q.mu.Lock()
	q.inFlight = false
	rerun := q.deferred && len(q.pending) > 0
	force = q.deferredForce
	q.deferred = false
	q.deferredForce = false
	q.cond.Broadcast()
	q.mu.Unlock()

	if rerun {
		q.Flush(force)
	}
}

func (q *Queue) writeBatch(batch []fragment.Fragment) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.FlushTimeout)
	defer cancel()

	slog.Info("flushing fragment batch", "session_id", q.sessionID, "count", len(batch))

	start := time.Now()
	err := q.breaker.Do(ctx, func(ctx context.Context) error {
		return q.retrier.Do(ctx, "persist-fragments", func(ctx context.Context) error {
			return q.persist.InsertFragments(ctx, batch)
		})
	})
	if err != nil {
		q.handleWriteFailure(batch, err)
		return
	}

	latency := time.Since(start)
	for i := range batch {
		batch[i].Pending = false
	}

	q.mu.Lock()
	q.saved += len(batch)
	q.flushes++
	q.latencySum += latency
	for _, f := range batch {
		switch fragment.ConfidenceBand(f.Confidence, q.cfg.ConfidenceLow, q.cfg.ConfidenceHigh) {
		case fragment.BandLow:
			q.bandLow++
		case fragment.BandMedium:
			q.bandMedium++
		default:
			q.bandHigh++
		}
	}
	// A successful write means connectivity is back: re-queue any batches that
	// were retained after earlier retry exhaustion.
	requeue := q.failed
	q.failed = nil
	if len(requeue) > 0 {
		q.pending = append(requeue, q.pending...)
		q.deferred = true
		q.deferredForce = true
	}
	q.mu.Unlock()

	for _, p := range q.procs {
		p.Process(ctx, batch)
	}

	slog.Info("fragment batch flushed", "session_id", q.sessionID, "count", len(batch), "latency_ms", latency.Milliseconds())
}

func (q *Queue) handleWriteFailure(batch []fragment.Fragment, err error) {
	q.mu.Lock()
	q.failed = append(q.failed, batch...)
	retained := len(q.failed)
	q.mu.Unlock()

	slog.Error("fragment batch write failed, retaining for later sync",
		"session_id", q.sessionID,
		"count", len(batch),
		"retained", retained,
		"error", err,
	)

	w := Warning{
		SessionID: q.sessionID,
		Message:   "working offline: fragments cached locally and will sync when connectivity returns",
		Failed:    retained,
		At:        time.Now().UTC(),
	}
	select {
	case q.warnings <- w:
	default:
		// Never block the ingestion path on a slow warning consumer.
	}
}

// RetryFailed re-queues batches retained after retry exhaustion and forces a
// flush. Manual trigger for the API; the queue also retries automatically on
// the next successful flush.
func (q *Queue) RetryFailed() {
	q.mu.Lock()
	if len(q.failed) == 0 {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.failed, q.pending...)
	q.failed = nil
	q.mu.Unlock()

	q.Flush(true)
}

// Drain force-flushes until the buffer is empty or ctx expires. Stopping a
// recording session must drain before returning so no fragment is lost.
func (q *Queue) Drain(ctx context.Context) error {
	for {
		q.mu.Lock()
		for q.inFlight {
			if err := ctx.Err(); err != nil {
				q.mu.Unlock()
				return err
			}
			q.cond.Wait()
		}
		empty := len(q.pending) == 0
		q.stopTimerLocked()
		q.mu.Unlock()

		if empty {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		q.Flush(true)
	}
}

// Stats returns a snapshot of the rolling per-queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var avg float64
	if q.flushes > 0 {
		avg = float64(q.latencySum.Milliseconds()) / float64(q.flushes)
	}
	return Stats{
		TotalChunks:      q.total,
		SavedChunks:      q.saved,
		PendingChunks:    len(q.pending),
		FailedChunks:     len(q.failed),
		AverageLatencyMS: avg,
		ConfidenceLow:    q.bandLow,
		ConfidenceMedium: q.bandMedium,
		ConfidenceHigh:   q.bandHigh,
	}
}

// Warnings exposes the non-blocking offline-sync warning channel.
func (q *Queue) Warnings() <-chan Warning { return q.warnings }

// PendingLen returns the current buffer size (for health checks).
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
