package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Alerter posts ingestion backlog alerts to a Slack channel via
// chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string

	mu       sync.Mutex
	lastSent time.Time
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
	}
}

// PostBacklogAlert sends a Block Kit message when a session's fragment batch
// failed to persist and was retained for retry. It rate-limits to at most one
// alert per 30 seconds to protect against burst storms while the database is
// down.
func (a *Alerter) PostBacklogAlert(ctx context.Context, sessionID string, retained int, reason string) error {
	a.mu.Lock()
	if time.Since(a.lastSent) < 30*time.Second {
		a.mu.Unlock()
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	if reason == "" {
		reason = "unknown"
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": "Transcription Sync Backlog",
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Session:*\n%s", sessionID)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Retained fragments:*\n%d", retained)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:*\n%s", reason)},
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Sent at %s", time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fmt.Sprintf("Sync backlog for session %s: %d fragments retained (%s)", sessionID, retained, reason),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	slog.Info("backlog alert posted to Slack", "channel", a.channel, "session_id", sessionID)
	return nil
}
