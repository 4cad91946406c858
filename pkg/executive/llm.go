package executive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// apiVersion is the Anthropic Messages API version header value.
const apiVersion = "2023-06-01"

// llmMessage is a single turn in the Messages API request body.
type llmMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type llmRequest struct {
	Model       string       `json:"model"`
	Messages    []llmMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature float64      `json:"temperature"`
	System      string       `json:"system,omitempty"`
}

type llmContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type llmResponse struct {
	Content []llmContentBlock `json:"content"`
}

// LLMClient is a raw-HTTP client for the Messages API, wrapped with bounded
// retry and a circuit breaker rather than the official SDK: the retrieval
// pack never actually exercises the official SDK (only references it in
// test mocks), while raw HTTP + these two libraries is a pattern the pack
// demonstrates in full.
type LLMClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string

	breaker *gobreaker.CircuitBreaker
}

// NewLLMClient constructs an LLMClient.
func NewLLMClient(baseURL, apiKey, model string) *LLMClient {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com/v1"
	}
	return &LLMClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "executive-llm",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
		}),
	}
}

// Complete sends system+user text to the model and returns the concatenated
// text content blocks. Transient I/O errors are retried with bounded
// exponential backoff; a persistently failing backend trips the circuit
// breaker so subsequent calls fail fast.
func (c *LLMClient) Complete(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("executive: llm api key not configured")
	}
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.completeWithRetry(ctx, system, prompt, maxTokens, temperature)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *LLMClient) completeWithRetry(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var out string
	err := backoff.Retry(func() error {
		text, err := c.doRequest(ctx, system, prompt, maxTokens, temperature)
		if err != nil {
			return err
		}
		out = text
		return nil
	}, policy)
	return out, err
}

func (c *LLMClient) doRequest(ctx context.Context, system, prompt string, maxTokens int, temperature float64) (string, error) {
	reqBody := llmRequest{
		Model:       c.model,
		Messages:    []llmMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
		System:      system,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("marshal llm request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("build llm request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send llm request: %w", err) // retried: network error
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read llm response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", fmt.Errorf("llm backend error (status %d): %s", resp.StatusCode, body) // retried
	}
	if resp.StatusCode != http.StatusOK {
		return "", backoff.Permanent(fmt.Errorf("llm request rejected (status %d): %s", resp.StatusCode, body))
	}

	var parsed llmResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", backoff.Permanent(fmt.Errorf("parse llm response: %w", err))
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return "", backoff.Permanent(fmt.Errorf("llm response had no text content"))
	}
	return text, nil
}
