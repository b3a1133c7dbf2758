package reranker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
)

// Midpoint is the normalized score given to every candidate when all raw
// scores are equal.
const Midpoint = 50

// ErrScoreCount is returned when a scorer returns the wrong number of scores.
var ErrScoreCount = errors.New("scorer returned wrong number of scores")

type scoringReranker struct {
	scorer Scorer
	logger *logging.Logger
}

// New creates a Reranker that scores with scorer and min-max normalizes.
func New(scorer Scorer, logger *logging.Logger) Reranker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &scoringReranker{scorer: scorer, logger: logger.Named("reranker")}
}

func (r *scoringReranker) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}

	raw, err := r.scorer.Score(ctx, query, docs)
	if err != nil {
		return nil, apperr.Provider("rerank "+r.scorer.Name(), 0, err)
	}
	if len(raw) != len(docs) {
		return nil, apperr.Provider("rerank "+r.scorer.Name(), 0,
			fmt.Errorf("%w: got %d for %d documents", ErrScoreCount, len(raw), len(docs)))
	}

	norm := Normalize(raw)
	out := make([]ScoredDocument, len(docs))
	for i, d := range docs {
		out[i] = ScoredDocument{Document: d, RerankerScore: norm[i], OriginalRank: i}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RerankerScore > out[j].RerankerScore
	})

	if topK > 0 && topK < len(out) {
		out = out[:topK]
	}

	r.logger.Debug(ctx, "reranked candidates",
		zap.String("scorer", r.scorer.Name()),
		zap.Int("candidates", len(docs)),
		zap.Int("returned", len(out)))
	return out, nil
}

func (r *scoringReranker) Close() error {
	return r.scorer.Close()
}

// Normalize maps scores linearly onto [0, 100] with the minimum at 0 and the
// maximum at 100. When every score is equal each maps to Midpoint. NaN
// scores are treated as the minimum.
func Normalize(scores []float32) []float32 {
	out := make([]float32, len(scores))
	if len(scores) == 0 {
		return out
	}

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, s := range scores {
		if isNaN(s) {
			continue
		}
		lo = min(lo, s)
		hi = max(hi, s)
	}

	span := hi - lo
	if lo > hi || span == 0 {
		for i := range out {
			out[i] = Midpoint
		}
		return out
	}
	for i, s := range scores {
		if isNaN(s) {
			out[i] = 0
			continue
		}
		out[i] = (s - lo) / span * 100
	}
	return out
}

func isNaN(f float32) bool {
	return f != f
}
