// Package reranker rescores a candidate set from vector search against the
// query text and normalizes the result into [0, 100].
package reranker

import (
	"context"
)

// Document is one first-stage candidate.
type Document struct {
	ID      string
	Content string
	// Score is the first-stage similarity score.
	Score float32
}

// ScoredDocument is a candidate after reranking.
type ScoredDocument struct {
	Document
	// RerankerScore is the normalized relevance score in [0, 100].
	RerankerScore float32
	// OriginalRank is the candidate's position in the first-stage results.
	OriginalRank int
}

// Scorer assigns a raw relevance score to each document. Scores are aligned
// with docs and only compared with each other.
type Scorer interface {
	Name() string
	Score(ctx context.Context, query string, docs []Document) ([]float32, error)
	Close() error
}

// Reranker reorders candidates by relevance to the query.
type Reranker interface {
	// Rerank returns at most topK documents sorted by RerankerScore,
	// descending. topK <= 0 keeps every document.
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error)

	// Close releases any resources held by the scorer.
	Close() error
}
