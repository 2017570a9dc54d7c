package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/ki2go/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInvoke_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Path != completionsPath {
			t.Errorf("path = %q, want %q", r.URL.Path, completionsPath)
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("expected model gpt-4o-mini, got %q", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		if req.Messages[1].Content != "Hallo Anna" {
			t.Errorf("prompt = %q", req.Messages[1].Content)
		}
		if req.MaxTokens != 512 {
			t.Errorf("max_tokens = %d, want 512", req.MaxTokens)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(apiResponse{
			Model: "gpt-4o-mini-2024-07-18",
			Choices: []apiChoice{{
				Message:      apiMessage{Role: "assistant", Content: "Guten Tag!"},
				FinishReason: "stop",
			}},
			Usage: apiUsage{PromptTokens: 10, CompletionTokens: 5},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", "gpt-4o-mini", discardLogger(),
		WithBaseURL(srv.URL), WithSystemPrompt("Du bist ein Assistent."), WithMaxTokens(512))
	got, err := client.Invoke(context.Background(), "Hallo Anna")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "Guten Tag!" {
		t.Errorf("Text = %q", got.Text)
	}
	if got.StopReason != "end_turn" {
		t.Errorf("StopReason = %q, want end_turn", got.StopReason)
	}
	if got.InputTokens != 10 || got.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", got)
	}
	if got.Model != "gpt-4o-mini-2024-07-18" {
		t.Errorf("Model = %q", got.Model)
	}
}

func TestInvoke_NoAuthForOllama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no auth header, got %q", auth)
		}
		json.NewEncoder(w).Encode(apiResponse{Choices: []apiChoice{{Message: apiMessage{Content: "ok"}}}})
	}))
	defer srv.Close()

	client := NewClient("", "llama3", discardLogger(), WithBaseURL(srv.URL), WithName("ollama"))
	if client.Name() != "ollama" {
		t.Errorf("Name = %q", client.Name())
	}
	got, err := client.Invoke(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "llama3" {
		t.Errorf("Model = %q, want fallback to configured model", got.Model)
	}
}

func TestInvoke_APIError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"nope"}`, tt.status)
		}))
		client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
		_, err := client.Invoke(context.Background(), "x")
		srv.Close()

		var se *llm.StatusError
		if !errors.As(err, &se) || se.StatusCode != tt.status {
			t.Errorf("status %d: error = %v, want *StatusError", tt.status, err)
			continue
		}
		if got := llm.Retryable(err); got != tt.retryable {
			t.Errorf("status %d: Retryable = %v, want %v", tt.status, got, tt.retryable)
		}
	}
}

func TestInvoke_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient("k", "m", discardLogger(), WithBaseURL(url)).Invoke(context.Background(), "x")
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if !llm.Retryable(err) {
		t.Errorf("Retryable(%v) = false, want true", err)
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"content_filter": "content_filter",
	}
	for in, want := range tests {
		if got := normalizeFinishReason(in); got != want {
			t.Errorf("normalizeFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
