package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/qdrant"
	"github.com/fyrsmithlabs/ingestd/internal/reranker"
)

// MemoryBackend is an in-process Backend with cosine similarity search.
// Scroll pages are ordered by point id.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]*memCollection

	// UpsertErr, when set, is returned by every Upsert.
	UpsertErr error
	// Upserts counts successful Upsert calls.
	Upserts int
}

type memCollection struct {
	dim     uint64
	indexes map[string]struct{}
	points  map[string]*qdrant.Point
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]*memCollection)}
}

func (m *MemoryBackend) get(name string) (*memCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, apperr.NotFound("collection", name)
	}
	return c, nil
}

func (m *MemoryBackend) CreateCollection(_ context.Context, name string, vectorSize uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return nil
	}
	m.collections[name] = &memCollection{
		dim:     vectorSize,
		indexes: make(map[string]struct{}),
		points:  make(map[string]*qdrant.Point),
	}
	return nil
}

func (m *MemoryBackend) CreateKeywordIndex(_ context.Context, name, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(name)
	if err != nil {
		return err
	}
	c.indexes[field] = struct{}{}
	return nil
}

// DropCollection removes a collection behind the service's back, as an
// operator deleting it from the index would.
func (m *MemoryBackend) DropCollection(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
}

// Indexes returns the payload fields indexed on a collection.
func (m *MemoryBackend) Indexes(name string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.get(name)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(c.indexes))
	for f := range c.indexes {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func (m *MemoryBackend) CollectionDimension(_ context.Context, name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.get(name)
	if err != nil {
		return 0, err
	}
	return c.dim, nil
}

func (m *MemoryBackend) Upsert(_ context.Context, collection string, points []*qdrant.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	c, err := m.get(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		if uint64(len(p.Vector)) != c.dim {
			return fmt.Errorf("wrong vector dimension: expected %d, got %d", c.dim, len(p.Vector))
		}
	}
	for _, p := range points {
		payload := make(map[string]interface{}, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		c.points[p.ID] = &qdrant.Point{
			ID:      p.ID,
			Vector:  append([]float32(nil), p.Vector...),
			Payload: payload,
		}
	}
	m.Upserts++
	return nil
}

func (m *MemoryBackend) Search(_ context.Context, collection string, vector []float32, limit uint64, filter *qdrant.Filter) ([]*qdrant.ScoredPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.get(collection)
	if err != nil {
		return nil, err
	}
	var hits []*qdrant.ScoredPoint
	for _, p := range c.points {
		if !filter.Matches(p.Payload) {
			continue
		}
		hits = append(hits, &qdrant.ScoredPoint{Point: *p, Score: reranker.Cosine(vector, p.Vector)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if uint64(len(hits)) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryBackend) Count(_ context.Context, collection string, filter *qdrant.Filter) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.get(collection)
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, p := range c.points {
		if filter.Matches(p.Payload) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) DeleteByFilter(_ context.Context, collection string, filter *qdrant.Filter) error {
	if filter.Empty() {
		return fmt.Errorf("refusing to delete with an empty filter")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(collection)
	if err != nil {
		return err
	}
	for id, p := range c.points {
		if filter.Matches(p.Payload) {
			delete(c.points, id)
		}
	}
	return nil
}

func (m *MemoryBackend) Scroll(_ context.Context, collection string, filter *qdrant.Filter, limit uint32, offset string) ([]*qdrant.Point, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.get(collection)
	if err != nil {
		return nil, "", err
	}
	ids := make([]string, 0, len(c.points))
	for id, p := range c.points {
		if id >= offset && filter.Matches(p.Payload) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	next := ""
	if uint32(len(ids)) > limit {
		next = ids[limit]
		ids = ids[:limit]
	}
	page := make([]*qdrant.Point, len(ids))
	for i, id := range ids {
		p := c.points[id]
		page[i] = &qdrant.Point{ID: p.ID, Payload: p.Payload}
	}
	return page, next, nil
}

func (m *MemoryBackend) Close() error { return nil }

var _ Backend = (*MemoryBackend)(nil)
