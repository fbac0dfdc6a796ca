package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyonmed/scribe/internal/fragment"
)

// wsFrame is the JSON result frame emitted by the streaming ASR gateway.
type wsFrame struct {
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	IsFinal      bool    `json:"is_final"`
	Speaker      string  `json:"speaker,omitempty"`
	StartMS      int64   `json:"start_ms"`
	EndMS        int64   `json:"end_ms"`
	Alternatives []struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// WSProvider is a thin client for a professional streaming ASR service spoken
// over a websocket. It only moves frames; recognition itself is the vendor's
// problem.
type WSProvider struct {
	id      string
	baseURL string
	token   string
	dialer  *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	paused  bool
	results chan Result
	done    chan struct{}
}

func NewWSProvider(id, baseURL, token string) *WSProvider {
	return &WSProvider{
		id:      id,
		baseURL: baseURL,
		token:   token,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (p *WSProvider) ID() string { return p.id }

func (p *WSProvider) Available() bool { return p.baseURL != "" }

// Start dials the gateway and begins the read loop. The result channel is
// fresh per session and closed when the session ends.
func (p *WSProvider) Start(ctx context.Context, cfg SessionConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return fmt.Errorf("provider %s: session already active", p.id)
	}

	u, err := url.Parse(p.baseURL)
	if err != nil {
		return fmt.Errorf("provider %s: parse url: %w", p.id, err)
	}
	q := u.Query()
	q.Set("session_id", cfg.SessionID)
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	}
	u.RawQuery = q.Encode()

	hdr := map[string][]string{}
	if p.token != "" {
		hdr["Authorization"] = []string{"Bearer " + p.token}
	}

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			return &StreamError{ProviderID: p.id, Code: "network", Cause: fmt.Errorf("dial: status %d: %w", resp.StatusCode, err)}
		}
		return &StreamError{ProviderID: p.id, Code: "network", Cause: err}
	}

	p.conn = conn
	p.paused = false
	p.results = make(chan Result, 64)
	p.done = make(chan struct{})

	go p.readLoop(conn, p.results, p.done)

	slog.Info("streaming ASR session started", "provider", p.id, "session_id", cfg.SessionID)
	return nil
}

func (p *WSProvider) readLoop(conn *websocket.Conn, out chan<- Result, done <-chan struct{}) {
	defer close(out)

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-done:
				// Stop closed the connection; a read error here is expected.
			default:
				out <- Result{Err: &StreamError{ProviderID: p.id, Code: "network", Cause: err}}
			}
			return
		}

		if frame.Error != "" {
			code := frame.Code
			if code == "" {
				code = "provider"
			}
			out <- Result{Err: &StreamError{ProviderID: p.id, Code: code, Cause: fmt.Errorf("%s", frame.Error)}}
			continue
		}

		p.mu.Lock()
		paused := p.paused
		p.mu.Unlock()
		if paused {
			continue
		}

		res := Result{
			Text:          frame.Text,
			Confidence:    frame.Confidence,
			IsFinal:       frame.IsFinal,
			Speaker:       fragment.Speaker(frame.Speaker),
			StartOffsetMS: frame.StartMS,
			EndOffsetMS:   frame.EndMS,
		}
		for _, a := range frame.Alternatives {
			res.Alternatives = append(res.Alternatives, fragment.Alternative{Text: a.Text, Confidence: a.Confidence})
		}
		out <- res
	}
}

func (p *WSProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	close(p.done)

	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session stopped"),
		time.Now().Add(time.Second))
	err := p.conn.Close()
	p.conn = nil
	return err
}

func (p *WSProvider) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	return nil
}

func (p *WSProvider) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	return nil
}

func (p *WSProvider) Results() <-chan Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results
}
