// Package embeddings turns text into vectors through pluggable providers.
//
// A Provider performs one round-trip for one batch. The Client owns the
// active provider, splits work into batches the provider accepts, restores
// input order from the provider-reported indexes and converts failures into
// provider errors carrying the batch number.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the provider rejected or failed a request.
	ErrEmbeddingFailed = errors.New("embedding generation failed")

	// ErrMalformedResponse indicates a response that cannot be mapped back
	// onto the request.
	ErrMalformedResponse = errors.New("malformed embedding response")
)

// Embedding is one vector tagged with the position of its input text as
// reported by the provider.
type Embedding struct {
	Index  int
	Vector []float32
}

// Provider generates embeddings for a single batch.
type Provider interface {
	// Name identifies the provider and model in logs and metrics.
	Name() string
	// Embed returns one Embedding per input. Results may arrive in any order.
	Embed(ctx context.Context, texts []string) ([]Embedding, error)
	// Dimension returns the vector length produced by the model.
	Dimension() int
	// MaxBatchSize is the largest number of texts accepted per call.
	MaxBatchSize() int
	// Close releases resources held by the provider.
	Close() error
}

// Provider names accepted by NewProvider.
const (
	ProviderSentence  = "sentence"
	ProviderTEI       = "tei"
	ProviderOpenAI    = "openai"
	ProviderFastEmbed = "fastembed"
)

// DefaultMaxBatchSize bounds a provider call when the provider does not
// declare its own limit.
const DefaultMaxBatchSize = 100

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	Dimension    int
	MaxBatchSize int
	CacheDir     string
	Timeout      time.Duration
}

// NewProvider creates an embedding provider based on the configuration.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = detectDimensionFromModel(cfg.Model)
	}

	switch cfg.Provider {
	case ProviderSentence, "":
		return asProvider(NewSentenceProvider(cfg))
	case ProviderTEI:
		return asProvider(NewTEIProvider(cfg))
	case ProviderOpenAI:
		return asProvider(NewOpenAIProvider(cfg))
	case ProviderFastEmbed:
		return asProvider(NewFastEmbedProvider(FastEmbedConfig{
			Model:        cfg.Model,
			CacheDir:     cfg.CacheDir,
			MaxBatchSize: cfg.MaxBatchSize,
		}))
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// asProvider keeps a failed constructor's typed nil out of the interface.
func asProvider[T Provider](p T, err error) (Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384, the all-MiniLM-L6-v2 size.
func detectDimensionFromModel(model string) int {
	if dim, ok := fastEmbedModelDimension(model); ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding-3-small"), strings.Contains(m, "ada-002"):
		return 1536
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

// positional tags vectors with their slice position, for providers whose
// wire format returns vectors in request order.
func positional(vectors [][]float32) []Embedding {
	out := make([]Embedding, len(vectors))
	for i, v := range vectors {
		out[i] = Embedding{Index: i, Vector: v}
	}
	return out
}
