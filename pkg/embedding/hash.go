package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimension is used when no dimension is configured.
const DefaultHashDimension = 384

// HashProvider is an offline, deterministic bag-of-words embedder. Each
// lowercased token is hashed into a signed bucket and the result is
// L2-normalized, so texts sharing words have positive cosine similarity.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a HashProvider.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = DefaultHashDimension
	}
	return &HashProvider{dimension: dimension}
}

func (p *HashProvider) Name() string {
	return ProviderHash
}

func (p *HashProvider) Dimension() int {
	return p.dimension
}

func (p *HashProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float64, p.dimension)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(p.dimension))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	out := make([]float32, p.dimension)
	if norm == 0 {
		return out, nil
	}
	norm = math.Sqrt(norm)
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func (p *HashProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return generateEach(ctx, p, texts)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
