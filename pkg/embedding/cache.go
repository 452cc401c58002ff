package embedding

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
	"github.com/harun/memorygraph/internal/observability"
)

// CachedProvider memoizes embeddings by exact text.
type CachedProvider struct {
	inner Provider
	cache *ristretto.Cache
}

// NewCachedProvider wraps inner with a ristretto cache holding up to size entries.
func NewCachedProvider(inner Provider, size int64) (*CachedProvider, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

func (p *CachedProvider) Name() string {
	return p.inner.Name()
}

func (p *CachedProvider) Dimension() int {
	return p.inner.Dimension()
}

func (p *CachedProvider) key(text string) string {
	return p.inner.Name() + "\x00" + text
}

func (p *CachedProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if v, ok := p.cache.Get(p.key(text)); ok {
		observability.RecordEmbeddingCache(true)
		return v.([]float32), nil
	}
	observability.RecordEmbeddingCache(false)

	vec, err := p.inner.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(p.key(text), vec, 1)
	return vec, nil
}

func (p *CachedProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return generateEach(ctx, p, texts)
}

// Wait blocks until pending cache writes are applied.
func (p *CachedProvider) Wait() {
	p.cache.Wait()
}

func (p *CachedProvider) Close() {
	p.cache.Close()
}
