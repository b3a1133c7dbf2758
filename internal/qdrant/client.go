// Package qdrant is the gRPC transport to the Qdrant vector database used by
// the vector index service.
package qdrant

import (
	"context"
)

// Client is the set of Qdrant operations the vector index needs. A missing
// collection is reported as an error matching apperr.ErrNotFound.
type Client interface {
	// Collection operations
	CreateCollection(ctx context.Context, name string, vectorSize uint64) error
	CreateKeywordIndex(ctx context.Context, name, field string) error
	DeleteCollection(ctx context.Context, name string) error
	// CollectionDimension returns the vector size of an existing collection.
	CollectionDimension(ctx context.Context, name string) (uint64, error)
	ListCollections(ctx context.Context) ([]string, error)

	// Point operations
	Upsert(ctx context.Context, collection string, points []*Point) error
	Search(ctx context.Context, collection string, vector []float32, limit uint64, filter *Filter) ([]*ScoredPoint, error)
	Count(ctx context.Context, collection string, filter *Filter) (uint64, error)
	DeleteByFilter(ctx context.Context, collection string, filter *Filter) error
	// Scroll returns one page starting at offset ("" for the first page) and
	// the offset of the next page, "" when exhausted.
	Scroll(ctx context.Context, collection string, filter *Filter, limit uint32, offset string) ([]*Point, string, error)

	Health(ctx context.Context) error
	Close() error
}

// Point is a vector point. IDs are UUID strings.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// ScoredPoint is a search hit with the raw similarity score.
type ScoredPoint struct {
	Point
	Score float32
}

// Filter combines conditions: every Must holds and no MustNot holds.
type Filter struct {
	Must    []Condition
	MustNot []Condition
}

// Condition matches a keyword payload field against one value, or against
// any of several values when Any is set.
type Condition struct {
	Field string
	Value string
	Any   []string
}

// Match returns a single-value condition.
func Match(field, value string) Condition {
	return Condition{Field: field, Value: value}
}

// MatchAny returns a condition satisfied by any of values.
func MatchAny(field string, values ...string) Condition {
	return Condition{Field: field, Any: values}
}

// Empty reports whether f selects every point.
func (f *Filter) Empty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.MustNot) == 0)
}

// Matches evaluates f against a payload. It is used by in-process backends.
func (f *Filter) Matches(payload map[string]interface{}) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !c.matches(payload) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if c.matches(payload) {
			return false
		}
	}
	return true
}

func (c Condition) matches(payload map[string]interface{}) bool {
	v, ok := payload[c.Field].(string)
	if !ok {
		return false
	}
	if c.Any != nil {
		for _, a := range c.Any {
			if a == v {
				return true
			}
		}
		return false
	}
	return v == c.Value
}
