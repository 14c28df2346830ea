// Package llm provides the inference service client used by the session
// orchestrator. The model is a narrator, not a rules engine: every gameplay
// decision is delegated to it through a single completion call per exchange.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"questmaster/internal/logging"
)

// Client defines the capability interface for LLM completion.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithOptions(ctx context.Context, prompt string, opts Options) (string, error)
}

// Options carries per-call completion parameters.
type Options struct {
	System      string
	Temperature float64
	Timeout     time.Duration
}

// OllamaClient implements Client against an Ollama-compatible server.
type OllamaClient struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// OllamaConfig holds configuration for the Ollama client.
type OllamaConfig struct {
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// DefaultOllamaConfig returns sensible defaults.
func DefaultOllamaConfig() OllamaConfig {
	return OllamaConfig{
		BaseURL:     "http://localhost:11434",
		Model:       "gpt-oss:20b",
		Temperature: 0.7,
		Timeout:     120 * time.Second,
	}
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OllamaClient{
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Complete sends a prompt and returns the completion using client defaults.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithOptions(ctx, prompt, Options{Temperature: c.temperature})
}

// CompleteWithOptions sends a prompt with per-call options.
func (c *OllamaClient) CompleteWithOptions(ctx context.Context, prompt string, opts Options) (string, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "Complete")
	defer timer.StopWithThreshold(30 * time.Second)

	// Keep a small gap between requests so a burst of sessions cannot
	// stampede the inference server.
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 200*time.Millisecond {
		time.Sleep(200*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	reqBody := generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		System:  opts.System,
		Stream:  false,
		Options: generateOptions{Temperature: temperature},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	// Retry loop for transient failures.
	maxRetries := 2
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			logging.APIError("Completion request failed (attempt %d): %v", i+1, err)
			if ctx.Err() != nil {
				return "", lastErr
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("inference server returned status %d", resp.StatusCode)
			logging.APIError("Completion rejected with status %d (attempt %d)", resp.StatusCode, i+1)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("inference request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var genResp generateResponse
		if err := json.Unmarshal(body, &genResp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}

		if genResp.Error != "" {
			return "", fmt.Errorf("inference error: %s", genResp.Error)
		}

		logging.APIDebug("Completion returned %d bytes", len(genResp.Response))
		return genResp.Response, nil
	}

	return "", fmt.Errorf("completion failed after %d attempts: %w", maxRetries+1, lastErr)
}
