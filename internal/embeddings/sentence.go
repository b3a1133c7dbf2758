package embeddings

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// SentenceProvider talks to a sentence-transformers HTTP service:
//
//	POST /embed  {"texts": [...]}  ->  {"embeddings": [[...], ...]}
//	GET  /health                   ->  {"status": "ok"}
//
// Vectors come back in request order.
type SentenceProvider struct {
	baseURL   string
	model     string
	dimension int
	maxBatch  int
	client    *http.Client
}

type sentenceRequest struct {
	Texts []string `json:"texts"`
}

type sentenceResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewSentenceProvider creates a provider for the sentence embedding service.
func NewSentenceProvider(cfg ProviderConfig) (*SentenceProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	model := cfg.Model
	if model == "" {
		model = "all-MiniLM-L6-v2"
	}
	dim := cfg.Dimension
	if dim <= 0 {
		dim = 384
	}
	return &SentenceProvider{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		model:     model,
		dimension: dim,
		maxBatch:  cfg.MaxBatchSize,
		client:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (p *SentenceProvider) Name() string { return ProviderSentence + ":" + p.model }

// Embed posts one batch.
func (p *SentenceProvider) Embed(ctx context.Context, texts []string) ([]Embedding, error) {
	var resp sentenceResponse
	if err := postJSON(ctx, p.client, p.baseURL+"/embed", "", sentenceRequest{Texts: texts}, &resp); err != nil {
		return nil, err
	}
	return positional(resp.Embeddings), nil
}

// Health checks the service health endpoint.
func (p *SentenceProvider) Health(ctx context.Context) error {
	return getHealth(ctx, p.client, p.baseURL+"/health")
}

func (p *SentenceProvider) Dimension() int    { return p.dimension }
func (p *SentenceProvider) MaxBatchSize() int { return p.maxBatch }
func (p *SentenceProvider) Close() error      { return nil }
