// Package llm is the generation collaborator: an OpenAI-compatible
// chat-completions client with rate limiting and retries.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrGeneration is returned when generation fails after all retries.
var ErrGeneration = errors.New("generation error")

// Request is one generation call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Generator produces text for a prompt. Workers depend on this, not on Client.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// CallRecorder receives the duration of each successful model call.
type CallRecorder interface {
	RecordLLMCall(d time.Duration)
}

// Config configures the client.
type Config struct {
	Endpoint          string
	Model             string
	APIKey            string
	Timeout           time.Duration
	Temperature       float64
	MaxAttempts       int
	Backoff           time.Duration
	RequestsPerMinute int
	DefaultMaxTokens  int
	// Options is passed through as the "options" body field (Ollama sampling knobs).
	Options map[string]interface{}
}

// DefaultConfig targets a local Ollama server.
func DefaultConfig() Config {
	return Config{
		Endpoint:          "http://localhost:11434/v1/chat/completions",
		Model:             "qwen2.5:7b",
		APIKey:            "ollama",
		Timeout:           180 * time.Second,
		Temperature:       0.2,
		MaxAttempts:       5,
		Backoff:           2 * time.Second,
		RequestsPerMinute: 120,
		DefaultMaxTokens:  512,
		Options: map[string]interface{}{
			"num_ctx":        8192,
			"num_keep":       256,
			"top_k":          30,
			"top_p":          0.9,
			"repeat_penalty": 1.05,
		},
	}
}

// Client implements Generator against a chat-completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	recorder   CallRecorder
	logger     *slog.Logger
}

var _ Generator = (*Client)(nil)

// New builds a client. recorder may be nil.
func New(cfg Config, recorder CallRecorder, logger *slog.Logger) *Client {
	d := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = d.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = d.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = d.DefaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMinute) / 60)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		recorder:   recorder,
		logger:     logger.With("component", "llm", "model", cfg.Model),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string                 `json:"model"`
	Messages    []chatMessage          `json:"messages"`
	Temperature float64                `json:"temperature"`
	MaxTokens   int                    `json:"max_tokens"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// callError classifies a failed attempt.
type callError struct {
	status      int
	rateLimited bool
	retryable   bool
	msg         string
}

func (e *callError) Error() string { return e.msg }

// Generate sends the prompt and returns the trimmed completion. Rate-limited
// attempts wait Backoff*2^attempt; other transient failures wait the current
// backoff and double it. Non-retryable 4xx responses fail at once.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	body, err := c.buildBody(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	backoff := c.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrGeneration, err)
		}

		start := time.Now()
		text, err := c.call(ctx, body)
		if err == nil {
			if c.recorder != nil {
				c.recorder.RecordLLMCall(time.Since(start))
			}
			return text, nil
		}
		lastErr = err

		var ce *callError
		if errors.As(err, &ce) && !ce.retryable {
			break
		}
		if ctx.Err() != nil || attempt == c.cfg.MaxAttempts-1 {
			break
		}

		var wait time.Duration
		if errors.As(err, &ce) && ce.rateLimited {
			wait = backoff * time.Duration(1<<attempt)
			c.logger.Warn("rate limited, backing off", "attempt", attempt+1, "wait", wait)
		} else {
			wait = backoff
			backoff *= 2
			c.logger.Warn("generation failed, retrying", "attempt", attempt+1, "wait", wait, "err", err)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrGeneration, ctx.Err())
		case <-time.After(wait):
		}
	}
	return "", fmt.Errorf("%w: %v", ErrGeneration, lastErr)
}

func (c *Client) buildBody(req Request) ([]byte, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.DefaultMaxTokens
	}
	var messages []chatMessage
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	return json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   maxTokens,
		Options:     c.cfg.Options,
	})
}

func (c *Client) call(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &callError{msg: fmt.Sprintf("new request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &callError{retryable: true, msg: fmt.Sprintf("send request: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		text := strings.TrimSpace(string(payload))
		rateLimited := resp.StatusCode == http.StatusTooManyRequests || strings.Contains(strings.ToLower(text), "rate_limit")
		return "", &callError{
			status:      resp.StatusCode,
			rateLimited: rateLimited,
			retryable:   rateLimited || resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout,
			msg:         fmt.Sprintf("llm error %s: %s", resp.Status, text),
		}
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &callError{retryable: true, msg: fmt.Sprintf("decode response: %v", err)}
	}
	if len(out.Choices) == 0 {
		return "", &callError{retryable: true, msg: "response has no choices"}
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// modelsURL derives the /models listing URL from the completions endpoint.
func (c *Client) modelsURL() string {
	return strings.TrimSuffix(strings.TrimSuffix(c.cfg.Endpoint, "/"), "/chat/completions") + "/models"
}

// ModelAvailable asks the server whether the configured model is served.
func (c *Client) ModelAvailable(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL(), nil)
	if err != nil {
		return false, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("list models: %s", resp.Status)
	}

	var listing struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return false, fmt.Errorf("decode models: %w", err)
	}
	for _, m := range listing.Data {
		if m.ID == c.cfg.Model {
			return true, nil
		}
	}
	return false, nil
}
