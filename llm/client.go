package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/brunobiangulo/clinicalfacts/logger"
)

// APIError is a non-2xx answer from the completion endpoint.
type APIError struct {
	StatusCode int
	Body       string
	retryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("LLM API error %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if sent again.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// endpoint holds the defaults of a known provider. Gemini serves the
// OpenAI-compatible API without the /v1 prefix.
type endpoint struct {
	baseURL string
	prefix  string
	model   string
}

var endpoints = map[string]endpoint{
	"openai":     {baseURL: "https://api.openai.com", prefix: "/v1", model: "gpt-4o"},
	"ollama":     {baseURL: "http://localhost:11434", prefix: "/v1"},
	"openrouter": {baseURL: "https://openrouter.ai/api", prefix: "/v1"},
	"gemini":     {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai"},
	"custom":     {prefix: "/v1"},
}

const (
	baseRetryDelay    = 2 * time.Second
	minRateLimitDelay = 5 * time.Second
)

// NewProvider creates the client for cfg.Provider, filling in its default
// base URL and model.
func NewProvider(cfg Config) (Provider, error) {
	if cfg.Provider == "" {
		return nil, fmt.Errorf("llm provider not specified")
	}
	ep, ok := endpoints[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = ep.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = ep.model
	}
	return newClient(cfg.Provider, cfg, ep.prefix), nil
}

// Client speaks the chat completions protocol. Every supported provider is
// a Client with different defaults.
type Client struct {
	name   string
	cfg    Config
	url    string
	client *http.Client
	log    zerolog.Logger
}

// NewClient creates a client for an arbitrary OpenAI-compatible server at
// cfg.BaseURL.
func NewClient(cfg Config) *Client {
	return newClient("custom", cfg, endpoints["custom"].prefix)
}

func newClient(name string, cfg Config, prefix string) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		name:   name,
		cfg:    cfg,
		url:    cfg.BaseURL + prefix + "/chat/completions",
		client: &http.Client{Timeout: timeout},
		log:    logger.NewLogger("llm").With().Str("provider", name).Logger(),
	}
}

func (c *Client) Identity() string { return c.name + "/" + c.cfg.Model }

func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return c.complete(ctx, req.Model, req.Messages, req.Temperature, req.MaxTokens, req.ResponseFormat)
}

func (c *Client) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	return c.complete(ctx, req.Model, req.Messages, req.Temperature, req.MaxTokens, req.ResponseFormat)
}

type completionRequest struct {
	Model          string          `json:"model"`
	Messages       any             `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) complete(ctx context.Context, model string, messages any, temperature float64, maxTokens int, format *ResponseFormat) (*ChatResponse, error) {
	if model == "" {
		model = c.cfg.Model
	}
	payload, err := json.Marshal(completionRequest{
		Model:          model,
		Messages:       messages,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		ResponseFormat: format,
	})
	if err != nil {
		return nil, err
	}

	raw, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	var resp completionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	choice := resp.Choices[0]
	return &ChatResponse{
		Content:          choice.Message.Content,
		Model:            resp.Model,
		FinishReason:     choice.FinishReason,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// post sends payload, retrying network errors and temporary API errors up
// to cfg.MaxRetries times with exponential backoff. A 429 waits at least
// minRateLimitDelay, or longer when Retry-After says so.
func (c *Client) post(ctx context.Context, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		body, err := c.send(ctx, payload)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		var apiErr *APIError
		isAPI := errors.As(err, &apiErr)
		if isAPI && !apiErr.Temporary() {
			return nil, err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := baseRetryDelay * time.Duration(1<<attempt)
		if isAPI && apiErr.StatusCode == http.StatusTooManyRequests {
			delay = max(minRateLimitDelay*time.Duration(1<<attempt), apiErr.retryAfter)
		}
		c.log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("retrying completion")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.cfg.MaxRetries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) send(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode == http.StatusOK {
		return body, nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
		apiErr.retryAfter = time.Duration(s) * time.Second
	}
	return nil, apiErr
}
