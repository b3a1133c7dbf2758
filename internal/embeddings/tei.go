package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// TEIProvider calls a HuggingFace text-embeddings-inference server.
type TEIProvider struct {
	baseURL   string
	model     string
	apiKey    string
	dimension int
	maxBatch  int
	client    *http.Client
}

// teiRequest is the request body for the TEI embed endpoint.
type teiRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// NewTEIProvider creates a TEI provider.
func NewTEIProvider(cfg ProviderConfig) (*TEIProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return &TEIProvider{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
		maxBatch:  cfg.MaxBatchSize,
		client:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *TEIProvider) Name() string { return ProviderTEI + ":" + p.model }

// Embed posts one batch. TEI answers with a bare array in request order.
func (p *TEIProvider) Embed(ctx context.Context, texts []string) ([]Embedding, error) {
	var vectors [][]float32
	if err := postJSON(ctx, p.client, p.baseURL+"/embed", p.apiKey, teiRequest{Inputs: texts, Truncate: true}, &vectors); err != nil {
		return nil, err
	}
	return positional(vectors), nil
}

// Health checks the TEI health endpoint.
func (p *TEIProvider) Health(ctx context.Context) error {
	return getHealth(ctx, p.client, p.baseURL+"/health")
}

func (p *TEIProvider) Dimension() int    { return p.dimension }
func (p *TEIProvider) MaxBatchSize() int { return p.maxBatch }
func (p *TEIProvider) Close() error      { return nil }
