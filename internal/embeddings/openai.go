package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider calls an OpenAI-compatible /embeddings endpoint. Each
// returned item carries its input index, and the order of items is not
// guaranteed.
type OpenAIProvider struct {
	client    openai.Client
	model     string
	dimension int
	maxBatch  int
}

// NewOpenAIProvider creates an OpenAI provider. BaseURL is optional and
// points the client at a compatible gateway.
func NewOpenAIProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key required", ErrInvalidConfig)
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.EmbeddingModelTextEmbedding3Small)
	}

	// Retries belong to the broker, not the SDK.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}

	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		model:     model,
		dimension: cfg.Dimension,
		maxBatch:  cfg.MaxBatchSize,
	}, nil
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI + ":" + p.model }

// Embed sends one batch and returns items tagged with their reported index.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([]Embedding, error) {
	params := openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(p.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	// Only the v3 models accept a requested dimension.
	if strings.HasPrefix(p.model, "text-embedding-3") && p.dimension > 0 {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}

	out := make([]Embedding, len(resp.Data))
	for i, item := range resp.Data {
		vec := make([]float32, len(item.Embedding))
		for j, v := range item.Embedding {
			vec[j] = float32(v)
		}
		out[i] = Embedding{Index: int(item.Index), Vector: vec}
	}
	return out, nil
}

func (p *OpenAIProvider) Dimension() int    { return p.dimension }
func (p *OpenAIProvider) MaxBatchSize() int { return p.maxBatch }
func (p *OpenAIProvider) Close() error      { return nil }
