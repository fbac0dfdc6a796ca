// Package generate is the thin client for the downstream LLM gateway. It
// exposes the opaque capability generate(prompt, context) -> text and
// classifies transport failures for the retry layer; prompt engineering and
// model choice live server-side.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Generator is the capability the workflow orchestrator consumes.
type Generator interface {
	Generate(ctx context.Context, prompt, contextText string) (string, error)
}

// RequestError is a non-2xx gateway response. 429 and 5xx are retryable;
// other 4xx indicate malformed input and propagate immediately.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("llm gateway returned %d: %s", e.StatusCode, e.Body)
}

func (e *RequestError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks JSON to the gateway's /v1/generate endpoint.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

func (c *Client) Generate(ctx context.Context, prompt, contextText string) (string, error) {
	body, err := json.Marshal(generateRequest{Prompt: prompt, Context: contextText})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm gateway post: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read gateway response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", &RequestError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode gateway response: %w", err)
	}
	return out.Text, nil
}
