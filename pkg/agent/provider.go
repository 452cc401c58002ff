package agent

import (
	"context"
	"fmt"
	"time"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// ProviderConfig selects and authenticates a provider.
type ProviderConfig struct {
	Provider string // "anthropic" or "openai"
	APIKey   string
	BaseURL  string
	// MaxRetries wraps the provider in a RetryingProvider when > 1.
	MaxRetries int
	RetryDelay time.Duration
}

// NewProvider creates a new LLM provider from cfg.
func NewProvider(cfg ProviderConfig) (LLMProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s provider requires an api key", cfg.Provider)
	}

	var p LLMProvider
	switch cfg.Provider {
	case "anthropic":
		p = NewAnthropicProvider(cfg.APIKey, cfg.BaseURL)
	case "openai":
		p = NewOpenAIProvider(cfg.APIKey, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	if cfg.MaxRetries > 1 {
		p = NewRetryingProvider(p, cfg.MaxRetries, cfg.RetryDelay)
	}
	return p, nil
}
