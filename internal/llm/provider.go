// Package llm defines the provider-agnostic interface used to run an
// assembled prompt against a language model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Invoker sends one prompt to an LLM backend (OpenAI, Ollama, ...).
type Invoker interface {
	// Invoke runs the prompt and returns the completion with token usage.
	Invoke(ctx context.Context, prompt string) (*Completion, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// Completion is what the backend returned for one prompt.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
	Model        string
	StopReason   string // "end_turn", "max_tokens"
}

// StatusError is a non-2xx response from the provider API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether err is a timeout, transport failure, rate
// limit or server error. Client errors (4xx) are not retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == 429 || se.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// Anything else that is not a status error came from the transport.
	return !errors.Is(err, context.Canceled)
}
