package cli

import (
	"context"
	"fmt"

	"github.com/harun/memorygraph/internal/config"
	"github.com/harun/memorygraph/pkg/agent"
	"github.com/harun/memorygraph/pkg/embedding"
	"github.com/harun/memorygraph/pkg/memory"
	"github.com/harun/memorygraph/pkg/store/postgres"
	"github.com/harun/memorygraph/pkg/store/sqlite"
	"github.com/rs/zerolog"
)

// engineDeps is an opened store, embedder and engine that must be closed together.
type engineDeps struct {
	store    memory.Store
	embedder embedding.Provider
	engine   *memory.Engine
}

func (d *engineDeps) Close() error {
	if c, ok := d.embedder.(*embedding.CachedProvider); ok {
		c.Close()
	}
	return d.store.Close()
}

// openStore opens the configured fact store. dimension sizes the postgres
// vector column and is ignored by sqlite.
func openStore(ctx context.Context, cfg config.StoreConfig, dimension int, log zerolog.Logger) (memory.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := sqlite.Open(cfg.DSN, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN, dimension, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// openEngine wires store, embedder and engine. pub may be nil.
func openEngine(ctx context.Context, cfg *config.Config, pub memory.Publisher, log zerolog.Logger) (*engineDeps, error) {
	embedder, err := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		APIKey:    cfg.Embedding.APIKey,
		BaseURL:   cfg.Embedding.BaseURL,
		CacheSize: cfg.Embedding.CacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	dimension := 0
	var embedderIface memory.Embedder
	if embedder != nil {
		dimension = embedder.Dimension()
		embedderIface = embedder
	}

	store, err := openStore(ctx, cfg.Store, dimension, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	weights := cfg.Ranking.Weights()
	engine, err := memory.NewEngine(memory.EngineConfig{
		Store:        store,
		Embedder:     embedderIface,
		Weights:      &weights,
		EmbedTimeout: cfg.Embedding.Timeout(),
		Publisher:    pub,
		Logger:       log,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &engineDeps{store: store, embedder: embedder, engine: engine}, nil
}

// newLLM builds the reply LLM provider. It returns nil when no api key is
// configured, leaving only templated replies available.
func newLLM(cfg config.LLMConfig) (agent.LLMProvider, error) {
	if cfg.APIKey == "" {
		return nil, nil
	}
	p, err := agent.NewProvider(agent.ProviderConfig{
		Provider:   cfg.Provider,
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	return p, nil
}
