package reranker

import (
	"context"
	"fmt"
	"math"
)

// Embedder is the subset of the embedding client used for scoring.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingScorer scores documents by cosine similarity between the query
// embedding and each document's embedding.
type EmbeddingScorer struct {
	embedder Embedder
}

// NewEmbeddingScorer creates a scorer over embedder.
func NewEmbeddingScorer(embedder Embedder) *EmbeddingScorer {
	return &EmbeddingScorer{embedder: embedder}
}

func (s *EmbeddingScorer) Name() string { return "embedding" }

// Score embeds the query together with the documents in a single call.
func (s *EmbeddingScorer) Score(ctx context.Context, query string, docs []Document) ([]float32, error) {
	texts := make([]string, 0, len(docs)+1)
	texts = append(texts, query)
	for _, d := range docs {
		texts = append(texts, d.Content)
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrScoreCount, len(vectors), len(texts))
	}

	q := vectors[0]
	scores := make([]float32, len(docs))
	for i := range docs {
		scores[i] = Cosine(q, vectors[i+1])
	}
	return scores, nil
}

func (s *EmbeddingScorer) Close() error { return nil }

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or the lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
