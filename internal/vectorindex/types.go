// Package vectorindex is the tenant-aware access layer over the vector
// database: collection lifecycle with a dimension guard, batched upserts,
// similarity search with optional reranking, filtered deletes, exact counts
// and paged scans.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/fyrsmithlabs/ingestd/internal/qdrant"
)

// PreviewLength is the maximum number of characters stored as text_preview.
const PreviewLength = 200

// Payload field names.
const (
	FieldTenantID    = "tenant_id"
	FieldFileID      = "file_id"
	FieldProjectID   = "project_id"
	FieldChunkIndex  = "chunk_index"
	FieldTextPreview = "text_preview"
)

var (
	// ErrDimensionMismatch means a collection exists with a vector size that
	// differs from the active embedding provider.
	ErrDimensionMismatch = errors.New("collection dimension mismatch")

	// ErrInvalidVector means a point's vector does not match the provider
	// dimension.
	ErrInvalidVector = errors.New("invalid vector")
)

// Backend is the vector database transport. qdrant.GRPCClient implements it
// and MemoryBackend is the in-process implementation.
type Backend interface {
	CreateCollection(ctx context.Context, name string, vectorSize uint64) error
	CreateKeywordIndex(ctx context.Context, name, field string) error
	CollectionDimension(ctx context.Context, name string) (uint64, error)
	Upsert(ctx context.Context, collection string, points []*qdrant.Point) error
	Search(ctx context.Context, collection string, vector []float32, limit uint64, filter *qdrant.Filter) ([]*qdrant.ScoredPoint, error)
	Count(ctx context.Context, collection string, filter *qdrant.Filter) (uint64, error)
	DeleteByFilter(ctx context.Context, collection string, filter *qdrant.Filter) error
	Scroll(ctx context.Context, collection string, filter *qdrant.Filter, limit uint32, offset string) ([]*qdrant.Point, string, error)
	Close() error
}

// Embedder produces vectors for texts in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// ChunkTextLookup returns the full text of one chunk of a file.
type ChunkTextLookup interface {
	ChunkText(ctx context.Context, fileID string, chunkIndex int) (string, error)
}

// Payload is the fixed metadata stored with every point. The full chunk text
// is never stored in the index.
type Payload struct {
	TenantID    string `json:"tenant_id"`
	FileID      string `json:"file_id"`
	ProjectID   string `json:"project_id,omitempty"`
	ChunkIndex  int    `json:"chunk_index"`
	TextPreview string `json:"text_preview"`
}

func (p Payload) toMap() map[string]interface{} {
	return map[string]interface{}{
		FieldTenantID:    p.TenantID,
		FieldFileID:      p.FileID,
		FieldProjectID:   p.ProjectID,
		FieldChunkIndex:  p.ChunkIndex,
		FieldTextPreview: p.TextPreview,
	}
}

func payloadFromMap(m map[string]interface{}) Payload {
	p := Payload{
		TenantID:    stringField(m, FieldTenantID),
		FileID:      stringField(m, FieldFileID),
		ProjectID:   stringField(m, FieldProjectID),
		TextPreview: stringField(m, FieldTextPreview),
	}
	switch v := m[FieldChunkIndex].(type) {
	case int:
		p.ChunkIndex = v
	case int64:
		p.ChunkIndex = int(v)
	case float64:
		p.ChunkIndex = int(v)
	}
	return p
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// Preview returns the first PreviewLength characters of text without
// splitting a multi-byte character.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	n := 0
	for i := range text {
		if n == PreviewLength {
			return text[:i]
		}
		n++
	}
	return text
}

// Point is one chunk vector to upsert.
type Point struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector,omitempty"`
	Payload Payload   `json:"payload"`
}

// Filter restricts search, count and scan to matching payloads. Zero fields
// are ignored.
type Filter struct {
	TenantID  string   `json:"tenantId,omitempty"`
	FileID    string   `json:"fileId,omitempty"`
	FileIDs   []string `json:"fileIds,omitempty"`
	ProjectID string   `json:"projectId,omitempty"`
}

func (f *Filter) toQdrant() *qdrant.Filter {
	if f == nil {
		return nil
	}
	qf := &qdrant.Filter{}
	if f.TenantID != "" {
		qf.Must = append(qf.Must, qdrant.Match(FieldTenantID, f.TenantID))
	}
	if f.FileID != "" {
		qf.Must = append(qf.Must, qdrant.Match(FieldFileID, f.FileID))
	}
	if len(f.FileIDs) > 0 {
		qf.Must = append(qf.Must, qdrant.MatchAny(FieldFileID, f.FileIDs...))
	}
	if f.ProjectID != "" {
		qf.Must = append(qf.Must, qdrant.Match(FieldProjectID, f.ProjectID))
	}
	if qf.Empty() {
		return nil
	}
	return qf
}

// ResultPayload is the payload returned with a search hit.
type ResultPayload struct {
	FileID      string `json:"fileId"`
	ProjectID   string `json:"projectId,omitempty"`
	ChunkIndex  int    `json:"chunkIndex"`
	TextPreview string `json:"text_preview"`
	// Content is the full chunk text from the metadata store when available.
	Content string `json:"content,omitempty"`
	// OriginalScore is the first-stage similarity, set on reranked results.
	OriginalScore *float32 `json:"original_score,omitempty"`
}

// Result is one search hit. Score is in [0, 100].
type Result struct {
	ID      string        `json:"id"`
	Score   float32       `json:"score"`
	Payload ResultPayload `json:"payload"`
}

// text returns the best available text for the hit.
func (r Result) text() string {
	if r.Payload.Content != "" {
		return r.Payload.Content
	}
	return r.Payload.TextPreview
}

func dimensionError(name string, have uint64, want int) error {
	return fmt.Errorf("%w: collection %s has dimension %d, provider produces %d", ErrDimensionMismatch, name, have, want)
}

var _ Backend = (*qdrant.GRPCClient)(nil)
