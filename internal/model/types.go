// Package model provides types for model operations.
package model

// Request represents a model inference request.
type Request struct {
	System      string   `json:"system,omitempty"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	JSON        bool     `json:"json,omitempty"` // Request JSON output
}

// Response represents a model inference response.
type Response struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model"`
	DurationMs int64  `json:"duration_ms"`
}
