package vectorindex

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/qdrant"
)

// Scanner pages through a collection. It is finite and can be resumed from
// a cursor in a new process:
//
//	sc := svc.ScanAll(name, nil, 500)
//	for sc.Next(ctx) {
//		handle(sc.Batch())
//		save(sc.Cursor())
//	}
//	if err := sc.Err(); err != nil { ... }
//
// A missing collection yields no pages and no error.
type Scanner struct {
	backend  Backend
	name     string
	filter   *qdrant.Filter
	pageSize uint32
	missing  func(context.Context, error)

	cursor string
	batch  []Point
	done   bool
	err    error
}

// Next fetches the next page and reports whether one was read.
func (s *Scanner) Next(ctx context.Context) bool {
	if s.done || s.err != nil {
		return false
	}

	page, next, err := s.backend.Scroll(ctx, s.name, s.filter, s.pageSize, s.cursor)
	if apperr.IsNotFound(err) {
		if s.missing != nil {
			s.missing(ctx, err)
		}
		s.done = true
		s.batch = nil
		return false
	}
	if err != nil {
		s.err = fmt.Errorf("scanning %s: %w", s.name, err)
		s.batch = nil
		return false
	}
	if len(page) == 0 {
		s.done = true
		s.batch = nil
		return false
	}

	s.batch = make([]Point, len(page))
	for i, p := range page {
		s.batch[i] = Point{ID: p.ID, Vector: p.Vector, Payload: payloadFromMap(p.Payload)}
	}
	s.cursor = next
	if next == "" {
		s.done = true
	}
	return true
}

// Batch returns the page read by the last successful Next.
func (s *Scanner) Batch() []Point {
	return s.batch
}

// Cursor returns the token of the page after the current batch. It is empty
// once the scan is exhausted.
func (s *Scanner) Cursor() string {
	return s.cursor
}

// Err returns the error that stopped the scan, if any.
func (s *Scanner) Err() error {
	return s.err
}

// ResumeFrom restarts the scan at cursor. An empty cursor restarts from the
// beginning.
func (s *Scanner) ResumeFrom(cursor string) {
	s.cursor = cursor
	s.batch = nil
	s.done = false
	s.err = nil
}
