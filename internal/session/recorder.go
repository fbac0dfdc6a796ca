package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/halcyonmed/scribe/internal/fragment"
	"github.com/halcyonmed/scribe/internal/store"
)

// record consumes the provider's result stream until it closes. Interim
// results are consult-view material only and never reach the queue. Fragments
// keep the provider's diarization label when present; otherwise the turn
// detector assigns one.
func (m *Manager) record(sess *Session) {
	defer sess.wg.Done()

	for res := range sess.Provider.Results() {
		if res.Err != nil {
			slog.Error("provider stream error", "session_id", sess.ID,
				"provider", sess.Provider.ID(), "error", res.Err)
			continue
		}
		if !res.IsFinal {
			continue
		}

		speaker := res.Speaker
		if speaker == "" {
			speaker = sess.detector.Assign(res.Text, time.Now())
		}

		f := fragment.Normalize(fragment.Fragment{
			SessionID:     sess.ID,
			Text:          res.Text,
			Speaker:       speaker,
			IsFinal:       true,
			Confidence:    res.Confidence,
			StartOffsetMS: res.StartOffsetMS,
			EndOffsetMS:   res.EndOffsetMS,
			ProviderID:    sess.Provider.ID(),
			Alternatives:  res.Alternatives,
		})
		sess.Queue.Enqueue(f)
	}
}

// forwardWarnings relays offline-sync warnings to the alert hook and the
// event bus until the session is torn down.
func (m *Manager) forwardWarnings(sess *Session) {
	defer sess.wg.Done()

	for {
		select {
		case w := <-sess.Queue.Warnings():
			slog.Warn("sync backlog warning", "session_id", w.SessionID,
				"retained", w.Failed, "message", w.Message)
			if m.warn != nil {
				m.warn(context.Background(), w.SessionID, w.Failed, w.Message)
			}
			if m.publish != nil {
				data, err := json.Marshal(w)
				if err == nil {
					subject := fmt.Sprintf("scribe.session.%s.warning", w.SessionID)
					if err := m.publish(subject, data); err != nil {
						slog.Warn("warning publish failed", "subject", subject, "error", err)
					}
				}
			}
		case <-sess.done:
			return
		}
	}
}

// saveNotifier publishes a per-flush save notice so live consult views can
// reconcile which fragments are durable. Runs after each successful batch
// write.
type saveNotifier struct {
	sessionID string
	publish   PublishFunc
}

func (n *saveNotifier) Process(_ context.Context, batch []fragment.Fragment) {
	if n.publish == nil {
		return
	}
	ids := make([]string, len(batch))
	for i, f := range batch {
		ids[i] = f.ID
	}
	data, err := json.Marshal(map[string]any{
		"session_id":   n.sessionID,
		"fragment_ids": ids,
		"saved_at":     time.Now().UTC(),
	})
	if err != nil {
		return
	}
	subject := fmt.Sprintf("scribe.session.%s.saved", n.sessionID)
	if err := n.publish(subject, data); err != nil {
		slog.Warn("save notice publish failed", "subject", subject, "error", err)
	}
}

// storedEvent is the payload published on scribe.transcript.stored.
type storedEvent struct {
	SessionID     string    `json:"session_id"`
	FragmentCount int       `json:"fragment_count"`
	Duration      string    `json:"duration"`
	StoredAt      time.Time `json:"stored_at"`
}

// assembleTranscript builds the "[speaker]: text" transcript from the
// session's persisted fragments and stores it. Re-running for an already
// assembled session returns the stored text unchanged.
func (m *Manager) assembleTranscript(ctx context.Context, sess *Session) (string, error) {
	exists, err := m.store.TranscriptExists(ctx, sess.ID)
	if err != nil {
		return "", fmt.Errorf("check transcript for session %s: %w", sess.ID, err)
	}
	if exists {
		t, err := m.store.GetTranscript(ctx, sess.ID)
		if err != nil {
			return "", err
		}
		return t.Text, nil
	}

	frags, err := m.store.GetSessionFragments(ctx, sess.ID)
	if err != nil {
		return "", fmt.Errorf("load fragments for session %s: %w", sess.ID, err)
	}

	var b strings.Builder
	for _, f := range frags {
		fmt.Fprintf(&b, "[%s]: %s\n", f.Speaker, f.Text)
	}
	text := b.String()

	now := time.Now()
	t := store.Transcript{
		SessionID:     sess.ID,
		Title:         fmt.Sprintf("Encounter %s", sess.ID),
		Text:          text,
		FragmentCount: len(frags),
		Duration:      now.Sub(sess.StartedAt).Round(time.Second).String(),
		StartedAt:     &sess.StartedAt,
		EndedAt:       &now,
	}
	if err := m.store.InsertTranscript(ctx, t); err != nil {
		return "", fmt.Errorf("store transcript for session %s: %w", sess.ID, err)
	}

	slog.Info("transcript stored", "session_id", sess.ID, "fragments", len(frags))

	if m.publish != nil {
		data, err := json.Marshal(storedEvent{
			SessionID:     sess.ID,
			FragmentCount: len(frags),
			Duration:      t.Duration,
			StoredAt:      now,
		})
		if err == nil {
			if err := m.publish("scribe.transcript.stored", data); err != nil {
				slog.Warn("transcript event publish failed", "session_id", sess.ID, "error", err)
			}
		}
	}

	return text, nil
}
