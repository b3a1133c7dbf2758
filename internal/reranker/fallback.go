package reranker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/logging"
)

// FallbackScorer uses Primary and switches to Secondary for a request when
// Primary fails.
type FallbackScorer struct {
	Primary   Scorer
	Secondary Scorer
	Logger    *logging.Logger
}

func (s *FallbackScorer) Name() string {
	return s.Primary.Name() + "+" + s.Secondary.Name()
}

func (s *FallbackScorer) Score(ctx context.Context, query string, docs []Document) ([]float32, error) {
	scores, err := s.Primary.Score(ctx, query, docs)
	if err == nil {
		return scores, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	if s.Logger != nil {
		s.Logger.Warn(ctx, "primary rerank method failed, falling back",
			zap.String("primary", s.Primary.Name()),
			zap.String("secondary", s.Secondary.Name()),
			zap.Error(err))
	}
	scores, err2 := s.Secondary.Score(ctx, query, docs)
	if err2 != nil {
		return nil, fmt.Errorf("%s: %w", s.Secondary.Name(), errors.Join(err, err2))
	}
	return scores, nil
}

func (s *FallbackScorer) Close() error {
	return errors.Join(s.Primary.Close(), s.Secondary.Close())
}

// Method names accepted by NewScorer.
const (
	MethodCrossEncoder = "cross-encoder"
	MethodEmbedding    = "embedding"
	MethodLexical      = "lexical"
)

// ScorerConfig selects and configures the rerank method.
type ScorerConfig struct {
	Method       string
	CrossEncoder CrossEncoderConfig
}

// NewScorer builds the configured method. The cross-encoder falls back to
// embedding cosine similarity when the endpoint fails.
func NewScorer(cfg ScorerConfig, embedder Embedder, logger *logging.Logger) (Scorer, error) {
	switch cfg.Method {
	case MethodCrossEncoder:
		ce, err := NewCrossEncoderScorer(cfg.CrossEncoder)
		if err != nil {
			return nil, err
		}
		return &FallbackScorer{Primary: ce, Secondary: NewEmbeddingScorer(embedder), Logger: logger}, nil
	case MethodEmbedding, "":
		return NewEmbeddingScorer(embedder), nil
	case MethodLexical:
		return NewLexicalScorer(), nil
	default:
		return nil, fmt.Errorf("unknown rerank method %q", cfg.Method)
	}
}
