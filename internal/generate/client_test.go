package generate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing auth header, got %q", got)
		}
		var req generateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Prompt == "" {
			t.Error("empty prompt")
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Text: "SOAP note body"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	text, err := c.Generate(context.Background(), "generate a clinical note", "transcript here")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "SOAP note body" {
		t.Errorf("unexpected text %q", text)
	}
}

func TestGenerate_RateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limit", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Generate(context.Background(), "p", "")

	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if !re.Retryable() {
		t.Error("429 should be retryable")
	}
}

func TestGenerate_BadRequestIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient context", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	_, err := c.Generate(context.Background(), "p", "")

	var re *RequestError
	if !errors.As(err, &re) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if re.Retryable() {
		t.Error("400 must not be retryable")
	}
}
