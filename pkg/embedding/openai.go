package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "text-embedding-3-small"

// OpenAIProvider implements Provider using the OpenAI embeddings API.
type OpenAIProvider struct {
	client    openai.Client
	model     string
	dimension int
}

// NewOpenAIProvider creates a new OpenAI embedding provider. A non-zero
// dimension is requested from the API; otherwise the model's native size is assumed.
func NewOpenAIProvider(apiKey, model string, dimension int, baseURL string, opts ...option.RequestOption) *OpenAIProvider {
	if model == "" {
		model = DefaultOpenAIModel
	}
	if dimension <= 0 {
		dimension = 1536
		if model == "text-embedding-3-large" {
			dimension = 3072
		}
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	clientOpts = append(clientOpts, opts...)

	return &OpenAIProvider{
		client:    openai.NewClient(clientOpts...),
		model:     model,
		dimension: dimension,
	}
}

func (p *OpenAIProvider) Name() string {
	return ProviderOpenAI
}

func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(p.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if p.model != "text-embedding-ada-002" {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	embeddings := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(embeddings) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		embeddings[d.Index] = vec
	}
	return embeddings, nil
}
