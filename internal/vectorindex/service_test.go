package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/qdrant"
	"github.com/fyrsmithlabs/ingestd/internal/reranker"
)

// keywordEmbedder maps each text onto counts of a few fixed keywords.
type keywordEmbedder struct {
	calls int
}

var keywords = []string{"alpha", "beta", "gamma", "delta"}

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(keywords))
		for j, k := range keywords {
			v[j] = float32(strings.Count(t, k))
		}
		out[i] = v
	}
	return out, nil
}

func (e *keywordEmbedder) Dimension() int { return len(keywords) }

type mapLookup map[string]string

func (m mapLookup) ChunkText(_ context.Context, fileID string, idx int) (string, error) {
	text, ok := m[fmt.Sprintf("%s/%d", fileID, idx)]
	if !ok {
		return "", apperr.NotFound("chunk", fileID)
	}
	return text, nil
}

func newTestService(t *testing.T, opts ...Option) (*Service, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	svc, err := NewService(backend, &keywordEmbedder{}, nil, opts...)
	require.NoError(t, err)
	return svc, backend
}

func point(id, fileID string, idx int, vec ...float32) Point {
	return Point{
		ID:     id,
		Vector: vec,
		Payload: Payload{
			TenantID:    "acme",
			FileID:      fileID,
			ProjectID:   "p1",
			ChunkIndex:  idx,
			TextPreview: fmt.Sprintf("preview %s/%d", fileID, idx),
		},
	}
}

func seed(t *testing.T, svc *Service, points ...Point) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.EnsureCollection(ctx, "docs_acme"))
	require.NoError(t, svc.Upsert(ctx, "docs_acme", points))
}

func TestNewService_Requires(t *testing.T) {
	_, err := NewService(nil, &keywordEmbedder{}, nil)
	assert.Error(t, err)
	_, err = NewService(NewMemoryBackend(), nil, nil)
	assert.Error(t, err)
}

func TestEnsureCollection(t *testing.T) {
	svc, backend := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureCollection(ctx, "docs_acme"))

	dim, err := backend.CollectionDimension(ctx, "docs_acme")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), dim)
	assert.Equal(t, []string{FieldFileID, FieldTenantID}, backend.Indexes("docs_acme"))

	require.NoError(t, svc.EnsureCollection(ctx, "docs_acme"), "second call is a no-op")
}

func TestEnsureCollection_DimensionMismatch(t *testing.T) {
	svc, backend := newTestService(t)
	ctx := context.Background()
	require.NoError(t, backend.CreateCollection(ctx, "docs_acme", 768))

	err := svc.EnsureCollection(ctx, "docs_acme")

	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "768")
	assert.Equal(t, 0, backend.Upserts)
	dim, _ := backend.CollectionDimension(ctx, "docs_acme")
	assert.Equal(t, uint64(768), dim, "existing collection untouched")
}

func TestEnsureCollection_RecreatesDroppedCollection(t *testing.T) {
	tests := []struct {
		name    string
		observe func(ctx context.Context, svc *Service) error
	}{
		{
			name: "upsert",
			observe: func(ctx context.Context, svc *Service) error {
				err := svc.Upsert(ctx, "docs_acme", []Point{point("p1", "f1", 0, 1, 0, 0, 0)})
				if !apperr.IsNotFound(err) {
					return fmt.Errorf("want not found, got %v", err)
				}
				return nil
			},
		},
		{
			name: "search",
			observe: func(ctx context.Context, svc *Service) error {
				_, err := svc.Search(ctx, "docs_acme", []float32{1, 0, 0, 0}, 5, nil)
				return err
			},
		},
		{
			name: "count",
			observe: func(ctx context.Context, svc *Service) error {
				_, err := svc.Count(ctx, "docs_acme", "f1")
				return err
			},
		},
		{
			name: "delete",
			observe: func(ctx context.Context, svc *Service) error {
				_, err := svc.DeleteByFile(ctx, "docs_acme", "f1")
				return err
			},
		},
		{
			name: "scan",
			observe: func(ctx context.Context, svc *Service) error {
				_, err := svc.ListFileIDs(ctx, "docs_acme")
				return err
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, backend := newTestService(t)
			ctx := context.Background()
			require.NoError(t, svc.EnsureCollection(ctx, "docs_acme"))

			backend.DropCollection("docs_acme")
			require.NoError(t, tt.observe(ctx, svc))
			require.NoError(t, svc.EnsureCollection(ctx, "docs_acme"))

			dim, err := backend.CollectionDimension(ctx, "docs_acme")
			require.NoError(t, err)
			assert.Equal(t, uint64(4), dim)
			assert.Equal(t, []string{FieldFileID, FieldTenantID}, backend.Indexes("docs_acme"))
			assert.NoError(t, svc.Upsert(ctx, "docs_acme", []Point{point("p1", "f1", 0, 1, 0, 0, 0)}))
		})
	}
}

func TestEnsureCollection_InvalidName(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.EnsureCollection(context.Background(), "Docs-Acme")
	assert.True(t, apperr.IsValidation(err))
}

func TestUpsert_RejectsWrongDimension(t *testing.T) {
	svc, backend := newTestService(t)
	require.NoError(t, svc.EnsureCollection(context.Background(), "docs_acme"))

	err := svc.Upsert(context.Background(), "docs_acme", []Point{point("a", "f1", 0, 1, 2)})

	assert.ErrorIs(t, err, ErrInvalidVector)
	assert.Equal(t, 0, backend.Upserts)
}

func TestUpsert_Idempotent(t *testing.T) {
	svc, _ := newTestService(t)
	p := point("a", "f1", 0, 1, 0, 0, 0)
	seed(t, svc, p)
	require.NoError(t, svc.Upsert(context.Background(), "docs_acme", []Point{p}))

	n, err := svc.Count(context.Background(), "docs_acme", "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSearch_ScoresAndEnrichment(t *testing.T) {
	lookup := mapLookup{"f1/0": "full text of the first chunk"}
	svc, _ := newTestService(t, WithChunkTextLookup(lookup))
	seed(t, svc,
		point("a", "f1", 0, 1, 0, 0, 0),
		point("b", "f2", 0, -1, 0, 0, 0),
		point("c", "f2", 1, 1, 1, 0, 0),
	)

	results, err := svc.Search(context.Background(), "docs_acme", []float32{1, 0, 0, 0}, 10, nil)

	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 100, results[0].Score, 1e-3)
	assert.Equal(t, "full text of the first chunk", results[0].Payload.Content)
	assert.Equal(t, "c", results[1].ID)
	assert.InDelta(t, 70.71, results[1].Score, 1e-2)
	assert.Empty(t, results[1].Payload.Content, "failed lookup keeps preview only")
	assert.Equal(t, "preview f2/1", results[1].Payload.TextPreview)
	assert.Equal(t, float32(0), results[2].Score, "negative similarity clamps to zero")
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, float32(0))
		assert.LessOrEqual(t, r.Score, float32(100))
		assert.Nil(t, r.Payload.OriginalScore)
	}
}

func TestSearch_Filter(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc,
		point("a", "f1", 0, 1, 0, 0, 0),
		point("b", "f2", 0, 1, 0, 0, 0),
		point("c", "f3", 0, 1, 0, 0, 0),
	)
	ctx := context.Background()

	got, err := svc.Search(ctx, "docs_acme", []float32{1, 0, 0, 0}, 10, &Filter{FileID: "f2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f2", got[0].Payload.FileID)

	got, err = svc.Search(ctx, "docs_acme", []float32{1, 0, 0, 0}, 10, &Filter{FileIDs: []string{"f1", "f3"}})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = svc.Search(ctx, "docs_acme", []float32{1, 0, 0, 0}, 10, &Filter{ProjectID: "other"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearch_MissingCollectionAndBadLimit(t *testing.T) {
	svc, _ := newTestService(t)

	got, err := svc.Search(context.Background(), "docs_nobody", []float32{1, 0, 0, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = svc.Search(context.Background(), "docs_nobody", []float32{1, 0, 0, 0}, 0, nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestSearchText(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc,
		point("a", "f1", 0, 0, 1, 0, 0),
		point("b", "f2", 0, 0, 0, 1, 0),
	)

	got, err := svc.SearchText(context.Background(), "docs_acme", "gamma rays", 1, nil)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestFetchK(t *testing.T) {
	svc, _ := newTestService(t)
	tests := []struct {
		limit, requested, want int
	}{
		{limit: 5, requested: 0, want: 20},
		{limit: 10, requested: 3, want: 10},
		{limit: 10, requested: 30, want: 30},
		{limit: 80, requested: 0, want: 200},
		{limit: 5, requested: 1000, want: 200},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.limit, tt.requested), func(t *testing.T) {
			assert.Equal(t, tt.want, svc.FetchK(tt.limit, tt.requested))
		})
	}
}

type stubScorer struct {
	byID map[string]float32
	seen []reranker.Document
}

func (s *stubScorer) Name() string { return "stub" }
func (s *stubScorer) Score(_ context.Context, _ string, docs []reranker.Document) ([]float32, error) {
	s.seen = docs
	out := make([]float32, len(docs))
	for i, d := range docs {
		out[i] = s.byID[d.ID]
	}
	return out, nil
}
func (s *stubScorer) Close() error { return nil }

func TestSearchWithRerank(t *testing.T) {
	scorer := &stubScorer{byID: map[string]float32{"a": 0.2, "b": 0.9, "c": 0.5}}
	lookup := mapLookup{"f2/0": "the full beta chunk"}
	svc, _ := newTestService(t,
		WithReranker(reranker.New(scorer, nil)),
		WithChunkTextLookup(lookup))
	seed(t, svc,
		point("a", "f1", 0, 1, 0, 0, 0),
		point("b", "f2", 0, 1, 1, 0, 0),
		point("c", "f3", 0, 0, 1, 0, 0),
	)

	got, err := svc.SearchWithRerank(context.Background(), "docs_acme", "alpha", 2, nil, 0)

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, float32(100), got[0].Score)
	require.NotNil(t, got[0].Payload.OriginalScore)
	assert.InDelta(t, 70.71, *got[0].Payload.OriginalScore, 1e-2)
	assert.Equal(t, "c", got[1].ID)
	assert.InDelta(t, 42.857, got[1].Score, 1e-2)

	require.Len(t, scorer.seen, 3, "stage one fetched all candidates")
	var contents []string
	for _, d := range scorer.seen {
		contents = append(contents, d.Content)
	}
	assert.Contains(t, contents, "the full beta chunk", "reranker sees enriched text")
}

func TestSearchWithRerank_AllEqual(t *testing.T) {
	scorer := &stubScorer{byID: map[string]float32{}}
	svc, _ := newTestService(t, WithReranker(reranker.New(scorer, nil)))
	seed(t, svc,
		point("a", "f1", 0, 1, 0, 0, 0),
		point("b", "f2", 0, 1, 1, 0, 0),
	)

	got, err := svc.SearchWithRerank(context.Background(), "docs_acme", "alpha", 5, nil, 0)

	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, float32(reranker.Midpoint), r.Score)
	}
}

func TestSearchWithRerank_DefaultEmbeddingScorer(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc,
		point("a", "f1", 0, 1, 0, 0, 0),
		point("b", "f2", 0, 1, 1, 0, 0),
	)

	got, err := svc.SearchWithRerank(context.Background(), "docs_acme", "alpha", 1, nil, 0)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.GreaterOrEqual(t, got[0].Score, float32(0))
	assert.LessOrEqual(t, got[0].Score, float32(100))
}

func TestDeleteByFile(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc,
		point("a", "f1", 0, 1, 0, 0, 0),
		point("b", "f1", 1, 1, 0, 0, 0),
		point("c", "f2", 0, 1, 0, 0, 0),
	)
	ctx := context.Background()

	n, err := svc.DeleteByFile(ctx, "docs_acme", "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := svc.CountMany(ctx, "docs_acme", []string{"f1", "f2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"f1": 0, "f2": 1}, counts)

	n, err = svc.DeleteByFile(ctx, "docs_missing", "f1")
	require.NoError(t, err, "missing collection is benign")
	assert.Equal(t, 0, n)
}

func TestDeleteByProject(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc,
		point("a", "f1", 0, 1, 0, 0, 0),
		point("b", "f2", 0, 1, 0, 0, 0),
		point("c", "f3", 0, 1, 0, 0, 0),
	)
	ctx := context.Background()

	n, err := svc.DeleteByProject(ctx, "docs_acme", []string{"f1", "f2"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.DeleteByProject(ctx, "docs_acme", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ids, err := svc.ListFileIDs(ctx, "docs_acme")
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"f3": {}}, ids)
}

func TestCountMany_MissingCollection(t *testing.T) {
	svc, _ := newTestService(t)

	counts, err := svc.CountMany(context.Background(), "docs_missing", []string{"f1", "f2"})

	require.NoError(t, err)
	assert.Equal(t, map[string]int{"f1": 0, "f2": 0}, counts)
}

func TestScanAll_PagesAndResumes(t *testing.T) {
	svc, _ := newTestService(t)
	var pts []Point
	for i := 0; i < 5; i++ {
		pts = append(pts, point(fmt.Sprintf("p%d", i), "f1", i, 1, 0, 0, 0))
	}
	seed(t, svc, pts...)
	ctx := context.Background()

	sc := svc.ScanAll("docs_acme", nil, 2)
	var pages [][]string
	var cursors []string
	for sc.Next(ctx) {
		var ids []string
		for _, p := range sc.Batch() {
			ids = append(ids, p.ID)
		}
		pages = append(pages, ids)
		cursors = append(cursors, sc.Cursor())
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, [][]string{{"p0", "p1"}, {"p2", "p3"}, {"p4"}}, pages)
	assert.Equal(t, []string{"p2", "p4", ""}, cursors)
	assert.False(t, sc.Next(ctx), "exhausted scanner stays exhausted")

	resumed := svc.ScanAll("docs_acme", nil, 2)
	resumed.ResumeFrom(cursors[0])
	require.True(t, resumed.Next(ctx))
	assert.Equal(t, "p2", resumed.Batch()[0].ID)
	assert.Equal(t, "f1", resumed.Batch()[0].Payload.FileID)
	assert.Equal(t, 2, resumed.Batch()[0].Payload.ChunkIndex)
}

func TestScanAll_MissingCollection(t *testing.T) {
	svc, _ := newTestService(t)
	sc := svc.ScanAll("docs_missing", nil, 10)

	assert.False(t, sc.Next(context.Background()))
	assert.NoError(t, sc.Err())
}

type failingScroll struct {
	*MemoryBackend
}

func (f failingScroll) Scroll(context.Context, string, *qdrant.Filter, uint32, string) ([]*qdrant.Point, string, error) {
	return nil, "", errors.New("connection reset")
}

func TestScanAll_Error(t *testing.T) {
	svc, err := NewService(failingScroll{NewMemoryBackend()}, &keywordEmbedder{}, nil)
	require.NoError(t, err)
	sc := svc.ScanAll("docs_acme", nil, 10)

	assert.False(t, sc.Next(context.Background()))
	require.Error(t, sc.Err())
	assert.Contains(t, sc.Err().Error(), "connection reset")

	_, err = svc.ListFileIDs(context.Background(), "docs_acme")
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))

	long := strings.Repeat("é", 250)
	p := Preview(long)
	assert.Equal(t, PreviewLength, len([]rune(p)))
	assert.True(t, strings.HasPrefix(long, p))
}

func TestPayloadRoundTripThroughMap(t *testing.T) {
	p := Payload{TenantID: "acme", FileID: "f1", ProjectID: "p1", ChunkIndex: 7, TextPreview: "x"}
	m := p.toMap()
	m[FieldChunkIndex] = int64(7)

	assert.Equal(t, p, payloadFromMap(m))
}
