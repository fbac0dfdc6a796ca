package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/halcyonmed/scribe/internal/fragment"
	"github.com/halcyonmed/scribe/internal/resilience"
)

// memPersister is a thread-safe in-memory Persister.
type memPersister struct {
	mu        sync.Mutex
	saved     []fragment.Fragment
	calls     int
	err       error
	failFirst int // fail this many calls, then succeed
}

func (m *memPersister) InsertFragments(_ context.Context, frags []fragment.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failFirst > 0 {
		m.failFirst--
		return errors.New("timeout")
	}
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, frags...)
	return nil
}

func (m *memPersister) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func (m *memPersister) insertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *memPersister) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func makeFragment(id string, confidence float64) fragment.Fragment {
	return fragment.Fragment{
		ID:         id,
		SessionID:  "s1",
		Text:       "some speech",
		Speaker:    fragment.SpeakerClinician,
		IsFinal:    true,
		Confidence: confidence,
	}
}

func newTestQueue(p Persister, cfg Config) *Queue {
	retrier := resilience.NewExecutor(resilience.RetryPolicy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Patterns:     []string{"timeout", "db down"},
	})
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "persist-fragments",
		FailureThreshold: 100, // keep the breaker out of the way unless a test wants it
		ResetTimeout:     time.Hour,
	})
	return New("s1", p, retrier, breaker, cfg)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

type countingProcessor struct {
	mu      sync.Mutex
	batches [][]fragment.Fragment
}

func (c *countingProcessor) Process(_ context.Context, batch []fragment.Fragment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func TestProcessors_RunAfterSuccessfulFlushOnly(t *testing.T) {
	p := &memPersister{failFirst: 3} // exhausts MaxRetries=2 on the first batch
	proc := &countingProcessor{}

	retrier := resilience.NewExecutor(resilience.RetryPolicy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		Patterns:     []string{"timeout"},
	})
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "persist-fragments",
		FailureThreshold: 100,
		ResetTimeout:     time.Hour,
	})
	q := New("s1", p, retrier, breaker, Config{BatchSize: 2, Debounce: time.Hour}, proc)

	q.Enqueue(makeFragment("1", 0.9))
	q.Enqueue(makeFragment("2", 0.9)) // first flush fails and is retained
	waitFor(t, func() bool { return q.Stats().FailedChunks == 2 })

	proc.mu.Lock()
	failedRuns := len(proc.batches)
	proc.mu.Unlock()
	if failedRuns != 0 {
		t.Fatalf("processor ran after a failed flush: %d runs", failedRuns)
	}

	q.Enqueue(makeFragment("3", 0.9))
	q.Enqueue(makeFragment("4", 0.9)) // succeeds and re-queues the retained batch
	waitFor(t, func() bool { return q.Stats().SavedChunks == 4 })

	proc.mu.Lock()
	defer proc.mu.Unlock()
	total := 0
	for _, b := range proc.batches {
		total += len(b)
	}
	if total != 4 {
		t.Errorf("expected processor to see all 4 saved fragments, got %d", total)
	}
}

// sizeRecorder records the size of every batch it is asked to write.
type sizeRecorder struct {
	mu    sync.Mutex
	sizes []int
	total int
}

func (s *sizeRecorder) InsertFragments(_ context.Context, frags []fragment.Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes = append(s.sizes, len(frags))
	s.total += len(frags)
	return nil
}

func TestFlush_BatchNeverExceedsBatchSize(t *testing.T) {
	p := &sizeRecorder{}
	q := newTestQueue(p, Config{BatchSize: 5, Debounce: time.Hour})

	// Bursts of enqueues race the threshold-triggered flush goroutine; no
	// matter how the race resolves, no single write may exceed BatchSize.
	const rounds = 25
	for i := 0; i < rounds; i++ {
		for j := 0; j < 6; j++ {
			q.Enqueue(makeFragment(fmt.Sprintf("%d-%d", i, j), 0.9))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := q.Drain(ctx); err != nil {
			cancel()
			t.Fatalf("drain round %d: %v", i, err)
		}
		cancel()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.sizes {
		if n > 5 {
			t.Fatalf("flush wrote %d fragments, batch size is 5", n)
		}
	}
	if p.total != rounds*6 {
		t.Errorf("expected %d fragments written, got %d", rounds*6, p.total)
	}
}

func TestEnqueue_InterimFragmentsNeverBuffered(t *testing.T) {
	p := &memPersister{}
	q := newTestQueue(p, Config{BatchSize: 100, Debounce: time.Hour})

	f := makeFragment("1", 0.9)
	f.IsFinal = false
	q.Enqueue(f)

	if q.PendingLen() != 0 {
		t.Errorf("interim fragment entered the queue")
	}
}

func TestFlush_SizeThresholdTriggersExactlyOneBatch(t *testing.T) {
	p := &memPersister{}
	q := newTestQueue(p, Config{BatchSize: 5, Debounce: time.Hour})

	// Six fragments in quick succession: exactly one flush of 5, with the
	// sixth starting a fresh debounce window.
	for i := 0; i < 6; i++ {
		q.Enqueue(makeFragment(fmt.Sprintf("%d", i), 0.9))
	}
	time.Sleep(100 * time.Millisecond)

	if got := p.insertCalls(); got != 1 {
		t.Errorf("expected exactly 1 flush, got %d", got)
	}
	if got := p.savedCount(); got != 5 {
		t.Errorf("expected 5 fragments written, got %d", got)
	}
	if got := q.PendingLen(); got != 1 {
		t.Errorf("expected 1 fragment awaiting debounce, got %d", got)
	}
}

func TestFlush_DebounceExpiryFlushesBelowThreshold(t *testing.T) {
	p := &memPersister{}
	q := newTestQueue(p, Config{BatchSize: 100, Debounce: 30 * time.Millisecond})

	q.Enqueue(makeFragment("1", 0.9))
	q.Enqueue(makeFragment("2", 0.9))

	time.Sleep(100 * time.Millisecond)

	if got := p.savedCount(); got != 2 {
		t.Errorf("expected debounce expiry to flush 2 fragments, got %d", got)
	}
	if q.PendingLen() != 0 {
		t.Errorf("expected empty buffer after debounce flush")
	}
}

func TestFlush_DebounceRestartsOnActivity(t *testing.T) {
	p := &memPersister{}
	q := newTestQueue(p, Config{BatchSize: 100, Debounce: 60 * time.Millisecond})

	q.Enqueue(makeFragment("1", 0.9))
	time.Sleep(30 * time.Millisecond)
	q.Enqueue(makeFragment("2", 0.9)) // resets the window

	time.Sleep(40 * time.Millisecond) // 70ms after first, 40ms after second
	if got := p.insertCalls(); got != 0 {
		t.Errorf("debounce window should have been restarted, got %d flushes", got)
	}

	time.Sleep(50 * time.Millisecond)
	if got := p.savedCount(); got != 2 {
		t.Errorf("expected both fragments flushed after quiet period, got %d", got)
	}
}

func TestFlush_SingleFlightDefersConcurrentRequests(t *testing.T) {
	p := &memPersister{}
	q := newTestQueue(p, Config{BatchSize: 1000, Debounce: time.Hour})

	q.Enqueue(makeFragment("1", 0.9))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Flush(true)
		}()
	}
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	if got := p.savedCount(); got != 1 {
		t.Errorf("expected 1 fragment written once, got %d", got)
	}
}

func TestWriteFailure_RetainsBatchAndWarns(t *testing.T) {
	p := &memPersister{}
	p.setErr(errors.New("db down"))
	q := newTestQueue(p, Config{BatchSize: 2, Debounce: time.Hour})

	q.Enqueue(makeFragment("1", 0.9))
	q.Enqueue(makeFragment("2", 0.9))
	time.Sleep(100 * time.Millisecond)

	st := q.Stats()
	if st.FailedChunks != 2 {
		t.Errorf("expected 2 failed chunks retained, got %d", st.FailedChunks)
	}
	if st.SavedChunks != 0 {
		t.Errorf("expected 0 saved, got %d", st.SavedChunks)
	}

	select {
	case w := <-q.Warnings():
		if w.SessionID != "s1" || w.Failed != 2 {
			t.Errorf("unexpected warning payload: %+v", w)
		}
	default:
		t.Error("expected an offline-sync warning")
	}
}

func TestRetryFailed_RequeuesRetainedBatch(t *testing.T) {
	p := &memPersister{}
	p.setErr(errors.New("db down"))
	q := newTestQueue(p, Config{BatchSize: 2, Debounce: time.Hour})

	q.Enqueue(makeFragment("1", 0.9))
	q.Enqueue(makeFragment("2", 0.9))
	time.Sleep(100 * time.Millisecond)

	p.setErr(nil)
	q.RetryFailed()
	time.Sleep(50 * time.Millisecond)

	st := q.Stats()
	if st.SavedChunks != 2 {
		t.Errorf("expected retained batch written after retry, got saved=%d", st.SavedChunks)
	}
	if st.FailedChunks != 0 {
		t.Errorf("expected no retained chunks after retry, got %d", st.FailedChunks)
	}
}

func TestFlush_RetainedBatchAutoRequeuedOnNextSuccess(t *testing.T) {
	p := &memPersister{}
	p.setErr(errors.New("db down"))
	q := newTestQueue(p, Config{BatchSize: 2, Debounce: time.Hour})

	q.Enqueue(makeFragment("1", 0.9))
	q.Enqueue(makeFragment("2", 0.9))
	time.Sleep(100 * time.Millisecond)

	// Connectivity returns; the next successful flush drags the retained
	// batch back in.
	p.setErr(nil)
	q.Enqueue(makeFragment("3", 0.9))
	q.Enqueue(makeFragment("4", 0.9))
	time.Sleep(150 * time.Millisecond)

	if got := q.Stats().SavedChunks; got != 4 {
		t.Errorf("expected all 4 fragments saved after recovery, got %d", got)
	}
}

func TestRoundTrip_SavedExactlyOnceDespiteRetries(t *testing.T) {
	p := &memPersister{failFirst: 2} // two transient timeouts, then success
	q := newTestQueue(p, Config{BatchSize: 1, Debounce: time.Hour})

	q.Enqueue(makeFragment("1", 0.9))
	time.Sleep(200 * time.Millisecond)

	if got := p.savedCount(); got != 1 {
		t.Errorf("expected fragment saved exactly once, got %d", got)
	}
	st := q.Stats()
	if st.SavedChunks != 1 {
		t.Errorf("expected savedChunks=1, got %d", st.SavedChunks)
	}
	if st.FailedChunks != 0 {
		t.Errorf("expected no failures after recovery, got %d", st.FailedChunks)
	}
}

func TestStats_ConfidenceHistogram(t *testing.T) {
	p := &memPersister{}
	q := newTestQueue(p, Config{BatchSize: 4, Debounce: time.Hour, ConfidenceLow: 0.6, ConfidenceHigh: 0.8})

	q.Enqueue(makeFragment("1", 0.3))  // low
	q.Enqueue(makeFragment("2", 0.6))  // medium
	q.Enqueue(makeFragment("3", 0.79)) // medium
	q.Enqueue(makeFragment("4", 0.95)) // high
	time.Sleep(100 * time.Millisecond)

	st := q.Stats()
	if st.ConfidenceLow != 1 || st.ConfidenceMedium != 2 || st.ConfidenceHigh != 1 {
		t.Errorf("unexpected histogram: low=%d medium=%d high=%d", st.ConfidenceLow, st.ConfidenceMedium, st.ConfidenceHigh)
	}
	if st.AverageLatencyMS < 0 {
		t.Errorf("negative average latency")
	}
}

func TestDrain_FlushesEverythingBeforeReturning(t *testing.T) {
	p := &memPersister{}
	q := newTestQueue(p, Config{BatchSize: 1000, Debounce: time.Hour})

	for i := 0; i < 7; i++ {
		q.Enqueue(makeFragment(fmt.Sprintf("%d", i), 0.9))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if got := p.savedCount(); got != 7 {
		t.Errorf("expected all 7 fragments durable after drain, got %d", got)
	}
	if q.PendingLen() != 0 {
		t.Errorf("expected empty buffer after drain")
	}
}

func TestEnqueue_ConcurrentProducersAreCounted(t *testing.T) {
	p := &memPersister{}
	q := newTestQueue(p, Config{BatchSize: 100000, Debounce: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Enqueue(makeFragment(fmt.Sprintf("%d", n), 0.9))
		}(i)
	}
	wg.Wait()

	if got := q.Stats().TotalChunks; got != 100 {
		t.Errorf("expected 100 total chunks, got %d", got)
	}
}
