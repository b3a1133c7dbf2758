//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned when the binary was built without cgo.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support, use the sentence or tei provider)")

// FastEmbedConfig mirrors the cgo build so configuration code compiles.
type FastEmbedConfig struct {
	Model        string
	CacheDir     string
	MaxLength    int
	MaxBatchSize int
}

// FastEmbedProvider is a stub for non-cgo builds.
type FastEmbedProvider struct{}

// NewFastEmbedProvider always fails without cgo.
func NewFastEmbedProvider(_ FastEmbedConfig) (*FastEmbedProvider, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (p *FastEmbedProvider) Name() string { return ProviderFastEmbed }

func (p *FastEmbedProvider) Embed(_ context.Context, _ []string) ([]Embedding, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (p *FastEmbedProvider) Dimension() int    { return 0 }
func (p *FastEmbedProvider) MaxBatchSize() int { return 0 }
func (p *FastEmbedProvider) Close() error      { return nil }
