package agent

import (
	"errors"
	"strings"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content string
	Usage   *TokenUsage
}

// ErrEmptyResponse is returned when a provider answers without text.
var ErrEmptyResponse = errors.New("empty response from provider")

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := strings.ToLower(err.Error())

	// Network errors
	if strings.Contains(errMsg, "econnreset") || strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "etimedout") {
		return true
	}

	// Rate limits
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "rate limit") {
		return true
	}

	// Server errors
	for _, code := range []string{"500", "502", "503", "504", "529"} {
		if strings.Contains(errMsg, code) {
			return true
		}
	}

	return false
}
