// Package model provides an OpenRouter-compatible chat completions client.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/conduit-ai/conduit/internal/errors"
)

// OpenRouterConfig configures the OpenRouter client. Any endpoint that
// speaks the /chat/completions wire format works here.
type OpenRouterConfig struct {
	APIKey      string
	BaseURL     string // Default: https://openrouter.ai/api/v1
	Model       string // e.g., "anthropic/claude-3.5-sonnet"
	Timeout     time.Duration
	MaxAttempts int
}

// DefaultOpenRouterConfig returns default configuration.
func DefaultOpenRouterConfig(apiKey string) *OpenRouterConfig {
	return &OpenRouterConfig{
		APIKey:      apiKey,
		BaseURL:     "https://openrouter.ai/api/v1",
		Model:       "anthropic/claude-3.5-sonnet",
		Timeout:     120 * time.Second,
		MaxAttempts: 3,
	}
}

// OpenRouterClient implements Model using the OpenRouter API.
type OpenRouterClient struct {
	cfg    *OpenRouterConfig
	client *http.Client
}

// NewOpenRouterClient creates a new OpenRouter client.
func NewOpenRouterClient(cfg *OpenRouterConfig) *OpenRouterClient {
	if cfg == nil {
		return nil
	}
	return &OpenRouterClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Generate sends a prompt to OpenRouter and returns the response.
func (c *OpenRouterClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	if c == nil {
		return nil, apperrors.Permanent(apperrors.CodeModelUnavailable, "openrouter client not initialized")
	}

	messages := make([]map[string]string, 0, 2)
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body := map[string]any{
		"model":    c.cfg.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Stop) > 0 {
		body["stop"] = req.Stop
	}
	if req.JSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	policy := apperrors.SlowPolicy()
	policy.MaxAttempts = c.cfg.MaxAttempts

	start := time.Now()
	resp, err := apperrors.DoWithResult(ctx, policy, func() (*Response, error) {
		return c.doRequest(ctx, jsonBody)
	})
	if err != nil {
		return nil, err
	}

	resp.DurationMs = time.Since(start).Milliseconds()
	return resp, nil
}

func (c *OpenRouterClient) doRequest(ctx context.Context, jsonBody []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST",
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeModelUnavailable,
			"failed to create request", apperrors.CategoryPermanent)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("HTTP-Referer", "https://conduit-ai.dev")
	httpReq.Header.Set("X-Title", "Conduit")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeModelTimeout,
			"request failed", apperrors.CategoryTemporary)
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeModelInvalidResponse,
			"failed to read response", apperrors.CategoryTemporary)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.Temporary(apperrors.CodeModelRateLimit,
			"rate limited by model provider")
	case resp.StatusCode >= 500:
		return nil, apperrors.Temporary(apperrors.CodeModelUnavailable,
			fmt.Sprintf("provider error (status %d)", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.Permanent(apperrors.CodeModelInvalidResponse,
			fmt.Sprintf("API error (status %d): %s", resp.StatusCode, string(respBody)))
	}

	var orResp openRouterResponse
	if err := json.Unmarshal(respBody, &orResp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeModelInvalidResponse,
			"failed to parse response", apperrors.CategoryTemporary)
	}

	if len(orResp.Choices) == 0 {
		return nil, apperrors.Temporary(apperrors.CodeModelInvalidResponse,
			"no choices in response")
	}

	return &Response{
		Text:       orResp.Choices[0].Message.Content,
		TokensUsed: orResp.Usage.TotalTokens,
		Model:      orResp.Model,
	}, nil
}

// IsAvailable checks if the client is configured.
func (c *OpenRouterClient) IsAvailable() bool {
	return c != nil && c.cfg != nil && c.cfg.APIKey != ""
}

// Name returns the model name.
func (c *OpenRouterClient) Name() string {
	if c.cfg != nil {
		return c.cfg.Model
	}
	return "openrouter"
}

// ============================================================
// OpenRouter API Types
// ============================================================

type openRouterResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
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
