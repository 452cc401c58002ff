// Package agent wraps LLM chat providers used to voice agent replies.
//
// Invariants:
// - Providers are stateless; every Call carries its full prompt.
// - Only transient failures (rate limits, 5xx, resets) are retried.
//
// Usage:
//
//	provider, _ := agent.NewProvider(agent.ProviderConfig{Provider: "anthropic", APIKey: key})
//	resp, _ := provider.Call(ctx, agent.LLMRequest{
//		Model:        "claude-3-5-haiku-latest",
//		SystemPrompt: "You are the bartender.",
//		Messages:     []agent.Message{{Role: "user", Content: "Hello"}},
//		MaxTokens:    300,
//	})
//	_ = resp.Content
package agent
