package agent

import (
	"context"
	"fmt"
	"time"
)

// RetryingProvider retries transient failures with exponential backoff.
type RetryingProvider struct {
	inner      LLMProvider
	maxRetries int
	baseDelay  time.Duration
}

// NewRetryingProvider wraps inner. A zero baseDelay means one second.
func NewRetryingProvider(inner LLMProvider, maxRetries int, baseDelay time.Duration) *RetryingProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &RetryingProvider{inner: inner, maxRetries: maxRetries, baseDelay: baseDelay}
}

func (p *RetryingProvider) Provider() string {
	return p.inner.Provider()
}

// Call retries with delays of baseDelay, 2*baseDelay, 4*baseDelay...
func (p *RetryingProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt < p.maxRetries; attempt++ {
		response, err := p.inner.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		// Don't retry on permanent errors
		if !IsRetryableError(err) {
			return nil, err
		}
		if attempt == p.maxRetries-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.baseDelay * time.Duration(1<<attempt)):
		}
	}

	return nil, fmt.Errorf("max retries (%d) exceeded: %w", p.maxRetries, lastErr)
}
