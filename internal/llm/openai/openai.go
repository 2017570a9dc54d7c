// Package openai implements llm.Invoker for the OpenAI Chat Completions API.
// It also serves as the Ollama provider since Ollama exposes an
// OpenAI-compatible API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jkaninda/ki2go/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 4096
	maxErrorBody     = 2048
)

// Client implements llm.Invoker using the OpenAI Chat Completions API.
type Client struct {
	apiKey       string
	model        string
	baseURL      string
	name         string
	systemPrompt string
	maxTokens    int
	httpClient   *http.Client
	logger       *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithSystemPrompt prepends a system message to every request.
func WithSystemPrompt(s string) Option {
	return func(c *Client) { c.systemPrompt = s }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewClient creates an OpenAI-compatible invoker.
// For Ollama, use WithBaseURL("http://localhost:11434") and WithName("ollama").
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		name:       "openai",
		maxTokens:  defaultMaxTokens,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// Invoke sends the prompt as a single user message.
func (c *Client) Invoke(ctx context.Context, prompt string) (*llm.Completion, error) {
	var messages []apiMessage
	if c.systemPrompt != "" {
		messages = append(messages, apiMessage{Role: "system", Content: c.systemPrompt})
	}
	messages = append(messages, apiMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(apiRequest{Model: c.model, Messages: messages, MaxTokens: c.maxTokens})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &llm.StatusError{Provider: c.name, StatusCode: httpResp.StatusCode, Body: msg}
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	out := c.toCompletion(&apiResp)

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", out.Model),
		slog.Int("input_tokens", out.InputTokens),
		slog.Int("output_tokens", out.OutputTokens),
		slog.String("stop_reason", out.StopReason),
	)
	return out, nil
}

func (c *Client) toCompletion(apiResp *apiResponse) *llm.Completion {
	out := &llm.Completion{
		Model:        apiResp.Model,
		InputTokens:  apiResp.Usage.PromptTokens,
		OutputTokens: apiResp.Usage.CompletionTokens,
	}
	if out.Model == "" {
		out.Model = c.model
	}
	if len(apiResp.Choices) > 0 {
		out.Text = apiResp.Choices[0].Message.Content
		out.StopReason = normalizeFinishReason(apiResp.Choices[0].FinishReason)
	}
	return out
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// --- OpenAI API wire types (unexported) ---

type apiRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}
