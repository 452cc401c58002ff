// Package embedding provides text embedding providers for fact and query vectors.
package embedding

import (
	"context"
	"fmt"

	"github.com/harun/memorygraph/pkg/memory"
)

// Provider names accepted by New.
const (
	ProviderHash   = "hash"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// Provider generates vector embeddings from text.
type Provider interface {
	memory.Embedder
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Provider  string
	Model     string
	Dimension int
	APIKey    string
	BaseURL   string
	// CacheSize is the number of cached embeddings; 0 disables the cache.
	CacheSize int64
}

// New builds the configured provider, wrapped in a cache when CacheSize > 0.
// It returns nil, nil for ProviderNone.
func New(cfg Config) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case ProviderNone, "":
		return nil, nil
	case ProviderHash:
		p = NewHashProvider(cfg.Dimension)
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embedding provider requires an api key")
		}
		p = NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.Dimension, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}

	if cfg.CacheSize > 0 {
		cached, err := NewCachedProvider(p, cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		return cached, nil
	}
	return p, nil
}

func generateEach(ctx context.Context, p memory.Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := p.GenerateEmbedding(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = emb
	}
	return out, nil
}
