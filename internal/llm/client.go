// Package llm is a thin OpenAI-compatible chat client used by the
// optimizer, with a circuit breaker and retry around the gateway call.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/stratqual/internal/config"
)

// Circuit breaker settings for the gateway. AI calls recover slowly, so
// the circuit stays open longer than it would for a database.
const (
	breakerMinRequests     = 3
	breakerFailureRatio    = 0.6
	breakerOpenTimeout     = 60 * time.Second
	breakerHalfOpenMaxReqs = 2
	breakerCountInterval   = 10 * time.Second
)

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	maxRetries  int
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	logger      zerolog.Logger
}

// NewClient builds a client from the gateway configuration.
func NewClient(cfg config.LLMConfig) *Client {
	logger := config.NewLogger("llm")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: breakerHalfOpenMaxReqs,
		Interval:    breakerCountInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && ratio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("LLM circuit breaker state changed")
		},
	})

	return &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxRetries:  cfg.MaxRetries,
		httpClient:  &http.Client{Timeout: cfg.GetTimeout()},
		breaker:     breaker,
		logger:      logger,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.model }

// Complete sends one chat completion request through the circuit breaker.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage, jsonMode bool) (*ChatResponse, error) {
	request := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if jsonMode {
		request.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, requestBody)
	})
	if err != nil {
		return nil, err
	}
	return result.(*ChatResponse), nil
}

func (c *Client) send(ctx context.Context, body []byte) (*ChatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err != nil || apiErr.Error.Message == "" {
			return nil, fmt.Errorf("LLM API error (status %d): %s", resp.StatusCode, string(respBody))
		}
		return nil, fmt.Errorf("LLM API error: %s", apiErr.Error.Message)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.logger.Debug().
		Str("model", chatResp.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("LLM request completed")
	return &chatResp, nil
}

// CompleteWithRetry retries Complete with quadratic backoff. Circuit-open
// errors are not retried; the breaker has already decided the gateway is
// down.
func (c *Client) CompleteWithRetry(ctx context.Context, messages []ChatMessage, jsonMode bool) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * time.Second
			c.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying LLM request")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.Complete(ctx, messages, jsonMode)
		if err == nil {
			return resp, nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("LLM request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// ParseJSONResponse decodes a completion body into target, tolerating
// markdown code fences around the JSON.
func ParseJSONResponse(content string, target interface{}) error {
	content = stripCodeFence(content)
	if err := json.Unmarshal([]byte(content), target); err != nil {
		return fmt.Errorf("failed to parse JSON response: %w", err)
	}
	return nil
}

func stripCodeFence(content string) string {
	raw := []byte(content)
	start := -1
	if idx := bytes.Index(raw, []byte("```json")); idx >= 0 {
		start = idx + 7
	} else if idx := bytes.Index(raw, []byte("```")); idx >= 0 {
		start = idx + 3
	}
	if start >= 0 {
		if idx := bytes.Index(raw[start:], []byte("```")); idx >= 0 {
			raw = raw[start : start+idx]
		}
	}
	return string(bytes.TrimSpace(raw))
}
