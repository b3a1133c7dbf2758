package vectorindex

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/qdrant"
	"github.com/fyrsmithlabs/ingestd/internal/reranker"
	"github.com/fyrsmithlabs/ingestd/internal/tenant"
)

var tracer = otel.Tracer("ingestd.vectorindex")

// Defaults for two-stage retrieval.
const (
	DefaultRerankMultiplier = 4
	MaxFetchK               = 200
	DefaultScanPageSize     = 256
)

// Config tunes the service.
type Config struct {
	// RerankMultiplier sets the stage-one candidate count as limit times
	// this value. Default: 4
	RerankMultiplier int
}

// Service is the vector index client used by the pipeline, search and
// reconciliation.
type Service struct {
	backend  Backend
	embedder Embedder
	reranker reranker.Reranker
	lookup   ChunkTextLookup
	cfg      Config
	logger   *logging.Logger

	mu      sync.Mutex
	ensured map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithReranker sets the second-stage reranker. Without it, reranking uses
// cosine similarity of embeddings from the service's embedder.
func WithReranker(r reranker.Reranker) Option {
	return func(s *Service) { s.reranker = r }
}

// WithChunkTextLookup enables enrichment of hits with the full chunk text.
func WithChunkTextLookup(l ChunkTextLookup) Option {
	return func(s *Service) { s.lookup = l }
}

// WithConfig overrides the defaults.
func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// NewService creates a Service. backend and embedder are required.
func NewService(backend Backend, embedder Embedder, logger *logging.Logger, opts ...Option) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Service{
		backend:  backend,
		embedder: embedder,
		logger:   logger.Named("vectorindex"),
		ensured:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.RerankMultiplier <= 0 {
		s.cfg.RerankMultiplier = DefaultRerankMultiplier
	}
	if s.reranker == nil {
		s.reranker = reranker.New(reranker.NewEmbeddingScorer(embedder), s.logger)
	}
	return s, nil
}

// Dimension returns the active provider's vector size.
func (s *Service) Dimension() int {
	return s.embedder.Dimension()
}

// Embed returns one vector per text, in input order.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "VectorIndex.Embed")
	defer span.End()
	span.SetAttributes(attribute.Int("texts", len(texts)))

	vectors, err := s.embedder.Embed(ctx, texts)
	finish(span, err)
	return vectors, err
}

// EnsureCollection creates the collection when absent, with the provider's
// dimension, cosine distance and keyword indexes on tenant_id and file_id.
// An existing collection with another dimension fails with
// ErrDimensionMismatch and is left untouched.
func (s *Service) EnsureCollection(ctx context.Context, name string) (err error) {
	ctx, span := tracer.Start(ctx, "VectorIndex.EnsureCollection")
	defer span.End()
	defer func() { finish(span, err) }()
	span.SetAttributes(attribute.String("collection", name))

	if err := tenant.ValidateCollectionName(name); err != nil {
		return apperr.Validation(apperr.ReasonBadRequest, err.Error())
	}

	s.mu.Lock()
	_, ok := s.ensured[name]
	s.mu.Unlock()
	if ok {
		span.SetAttributes(attribute.Bool("cached", true))
		return nil
	}

	want := s.Dimension()
	have, err := s.backend.CollectionDimension(ctx, name)
	switch {
	case apperr.IsNotFound(err):
		if err := s.backend.CreateCollection(ctx, name, uint64(want)); err != nil {
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
		for _, field := range []string{FieldTenantID, FieldFileID} {
			if err := s.backend.CreateKeywordIndex(ctx, name, field); err != nil {
				return fmt.Errorf("creating %s index on %s: %w", field, name, err)
			}
		}
		s.logger.Info(ctx, "collection created",
			zap.String("collection", name),
			zap.Int("dimension", want))
	case err != nil:
		return fmt.Errorf("inspecting collection %s: %w", name, err)
	case have != uint64(want):
		return dimensionError(name, have, want)
	}

	s.mu.Lock()
	s.ensured[name] = struct{}{}
	s.mu.Unlock()
	return nil
}

// forget drops name from the EnsureCollection cache when err reports the
// collection missing, so the next EnsureCollection recreates it.
func (s *Service) forget(ctx context.Context, name string, err error) {
	if !apperr.IsNotFound(err) {
		return
	}
	s.mu.Lock()
	_, ok := s.ensured[name]
	delete(s.ensured, name)
	s.mu.Unlock()
	if ok {
		s.logger.Warn(ctx, "collection disappeared, will recreate",
			zap.String("collection", name))
	}
}

// Upsert writes points and returns once they are applied.
func (s *Service) Upsert(ctx context.Context, name string, points []Point) (err error) {
	ctx, span := tracer.Start(ctx, "VectorIndex.Upsert")
	defer span.End()
	defer func() { finish(span, err) }()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("points", len(points)),
	)

	if len(points) == 0 {
		return nil
	}
	dim := s.Dimension()
	qp := make([]*qdrant.Point, len(points))
	for i, p := range points {
		if len(p.Vector) != dim {
			return fmt.Errorf("%w: point %s has %d dimensions, want %d", ErrInvalidVector, p.ID, len(p.Vector), dim)
		}
		qp[i] = &qdrant.Point{ID: p.ID, Vector: p.Vector, Payload: p.Payload.toMap()}
	}
	if err := s.backend.Upsert(ctx, name, qp); err != nil {
		s.forget(ctx, name, err)
		return fmt.Errorf("upserting into %s: %w", name, err)
	}
	return nil
}

// Search returns up to limit hits for vector. Scores are the raw similarity
// times 100, clamped to [0, 100].
func (s *Service) Search(ctx context.Context, name string, vector []float32, limit int, filter *Filter) (results []Result, err error) {
	ctx, span := tracer.Start(ctx, "VectorIndex.Search")
	defer span.End()
	defer func() { finish(span, err) }()
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("limit", limit),
	)

	if limit <= 0 {
		return nil, apperr.Validation(apperr.ReasonBadRequest, fmt.Sprintf("limit must be positive, got %d", limit))
	}
	hits, err := s.backend.Search(ctx, name, vector, uint64(limit), filter.toQdrant())
	if apperr.IsNotFound(err) {
		s.forget(ctx, name, err)
		return []Result{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", name, err)
	}

	results = make([]Result, len(hits))
	for i, h := range hits {
		p := payloadFromMap(h.Payload)
		results[i] = Result{
			ID:    h.ID,
			Score: clampScore(h.Score * 100),
			Payload: ResultPayload{
				FileID:      p.FileID,
				ProjectID:   p.ProjectID,
				ChunkIndex:  p.ChunkIndex,
				TextPreview: p.TextPreview,
			},
		}
	}
	s.enrich(ctx, results)
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// SearchText embeds query and searches with the resulting vector.
func (s *Service) SearchText(ctx context.Context, name, query string, limit int, filter *Filter) ([]Result, error) {
	vectors, err := s.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedding query: got %d vectors", len(vectors))
	}
	return s.Search(ctx, name, vectors[0], limit, filter)
}

// FetchK returns the stage-one candidate count for limit. A positive
// requested value is used as given; either way the result is bounded to
// [limit, MaxFetchK].
func (s *Service) FetchK(limit, requested int) int {
	k := requested
	if k <= 0 {
		k = limit * s.cfg.RerankMultiplier
	}
	if k > MaxFetchK {
		k = MaxFetchK
	}
	if k < limit {
		k = limit
	}
	return k
}

// SearchWithRerank retrieves FetchK candidates, rescores their full text
// with the reranker and returns the best limit. Each result carries its
// first-stage score in OriginalScore.
func (s *Service) SearchWithRerank(ctx context.Context, name, query string, limit int, filter *Filter, fetchK int) (results []Result, err error) {
	ctx, span := tracer.Start(ctx, "VectorIndex.SearchWithRerank")
	defer span.End()
	defer func() { finish(span, err) }()

	k := s.FetchK(limit, fetchK)
	span.SetAttributes(
		attribute.String("collection", name),
		attribute.Int("limit", limit),
		attribute.Int("fetch_k", k),
	)

	candidates, err := s.SearchText(ctx, name, query, k, filter)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return candidates, nil
	}

	docs := make([]reranker.Document, len(candidates))
	for i, c := range candidates {
		docs[i] = reranker.Document{ID: c.ID, Content: c.text(), Score: c.Score}
	}
	ranked, err := s.reranker.Rerank(ctx, query, docs, limit)
	if err != nil {
		return nil, err
	}

	results = make([]Result, len(ranked))
	for i, r := range ranked {
		res := candidates[r.OriginalRank]
		original := res.Score
		res.Score = r.RerankerScore
		res.Payload.OriginalScore = &original
		results[i] = res
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// DeleteByFile removes every point of fileID and returns how many there
// were. A missing collection deletes nothing.
func (s *Service) DeleteByFile(ctx context.Context, name, fileID string) (int, error) {
	ctx, span := tracer.Start(ctx, "VectorIndex.DeleteByFile")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.String("file_id", fileID))

	n, err := s.deleteMatching(ctx, name, &Filter{FileID: fileID})
	finish(span, err)
	return n, err
}

// DeleteByProject removes every point of the given files.
func (s *Service) DeleteByProject(ctx context.Context, name string, fileIDs []string) (int, error) {
	ctx, span := tracer.Start(ctx, "VectorIndex.DeleteByProject")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("files", len(fileIDs)))

	if len(fileIDs) == 0 {
		return 0, nil
	}
	n, err := s.deleteMatching(ctx, name, &Filter{FileIDs: fileIDs})
	finish(span, err)
	return n, err
}

func (s *Service) deleteMatching(ctx context.Context, name string, f *Filter) (int, error) {
	qf := f.toQdrant()
	n, err := s.backend.Count(ctx, name, qf)
	if apperr.IsNotFound(err) {
		s.forget(ctx, name, err)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counting points in %s: %w", name, err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.backend.DeleteByFilter(ctx, name, qf); err != nil {
		if apperr.IsNotFound(err) {
			s.forget(ctx, name, err)
			return 0, nil
		}
		return 0, fmt.Errorf("deleting points in %s: %w", name, err)
	}
	s.logger.Debug(ctx, "points deleted", zap.String("collection", name), zap.Uint64("count", n))
	return int(n), nil
}

// Count returns the exact number of points of fileID.
func (s *Service) Count(ctx context.Context, name, fileID string) (int, error) {
	ctx, span := tracer.Start(ctx, "VectorIndex.Count")
	defer span.End()

	n, err := s.count(ctx, name, fileID)
	finish(span, err)
	return n, err
}

// CountMany returns exact point counts for each of fileIDs. Files without
// points map to zero.
func (s *Service) CountMany(ctx context.Context, name string, fileIDs []string) (map[string]int, error) {
	ctx, span := tracer.Start(ctx, "VectorIndex.CountMany")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("files", len(fileIDs)))

	counts := make(map[string]int, len(fileIDs))
	for _, id := range fileIDs {
		n, err := s.count(ctx, name, id)
		if err != nil {
			finish(span, err)
			return nil, err
		}
		counts[id] = n
	}
	return counts, nil
}

func (s *Service) count(ctx context.Context, name, fileID string) (int, error) {
	n, err := s.backend.Count(ctx, name, (&Filter{FileID: fileID}).toQdrant())
	if apperr.IsNotFound(err) {
		s.forget(ctx, name, err)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counting %s in %s: %w", fileID, name, err)
	}
	return int(n), nil
}

// ListFileIDs scans the whole collection and returns its distinct file ids.
func (s *Service) ListFileIDs(ctx context.Context, name string) (map[string]struct{}, error) {
	ctx, span := tracer.Start(ctx, "VectorIndex.ListFileIDs")
	defer span.End()

	ids := make(map[string]struct{})
	sc := s.ScanAll(name, nil, DefaultScanPageSize)
	for sc.Next(ctx) {
		for _, p := range sc.Batch() {
			if p.Payload.FileID != "" {
				ids[p.Payload.FileID] = struct{}{}
			}
		}
	}
	if err := sc.Err(); err != nil {
		finish(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("files", len(ids)))
	return ids, nil
}

// ScanAll returns a Scanner over every point matching filter.
func (s *Service) ScanAll(name string, filter *Filter, pageSize int) *Scanner {
	if pageSize <= 0 {
		pageSize = DefaultScanPageSize
	}
	return &Scanner{
		backend:  s.backend,
		name:     name,
		filter:   filter.toQdrant(),
		pageSize: uint32(pageSize),
		missing:  func(ctx context.Context, err error) { s.forget(ctx, name, err) },
	}
}

// Close closes the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}

// enrich replaces each hit's content with the full chunk text. Failed
// lookups keep the preview.
func (s *Service) enrich(ctx context.Context, results []Result) {
	if s.lookup == nil {
		return
	}
	for i := range results {
		p := &results[i].Payload
		text, err := s.lookup.ChunkText(ctx, p.FileID, p.ChunkIndex)
		if err != nil {
			s.logger.Debug(ctx, "chunk text lookup failed",
				zap.String("file_id", p.FileID),
				zap.Int("chunk_index", p.ChunkIndex),
				zap.Error(err))
			continue
		}
		p.Content = text
	}
}

func clampScore(v float32) float32 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "success")
}
