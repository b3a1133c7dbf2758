// Package chunking splits extracted document text into ordered, overlapping
// segments sized for embedding.
//
// Chunk is a pure function of (text, size, overlap). Point ids are derived
// from chunk content and position, so re-indexing the same text must produce
// the same sequence byte for byte.
package chunking

import (
	"strings"
	"unicode"
)

const (
	// DefaultSize is the target chunk length in characters.
	DefaultSize = 1000
	// DefaultOverlap is the number of trailing characters of the previous
	// chunk carried into the next one.
	DefaultOverlap = 200
)

// Options configures chunk sizing.
type Options struct {
	Size    int
	Overlap int
}

// DefaultOptions returns 1000/200.
func DefaultOptions() Options {
	return Options{Size: DefaultSize, Overlap: DefaultOverlap}
}

// Normalize replaces unusable values: a non-positive size becomes the
// default, a negative overlap becomes zero and an overlap that would not
// leave room for new text is halved down to size/2.
func (o Options) Normalize() Options {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.Size {
		o.Overlap = o.Size / 2
	}
	return o
}

// Chunk splits text into segments of at most size characters of new text,
// each prefixed with up to overlap characters of the previous segment.
func Chunk(text string, size, overlap int) []string {
	opts := Options{Size: size, Overlap: overlap}.Normalize()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	if len(runes) <= opts.Size {
		return []string{trimmed}
	}

	var chunks []string
	prevStart, start := 0, 0
	for start < len(runes) {
		end := cutPoint(runes, start, opts.Size)

		from := start
		if start > 0 {
			from = overlapStart(runes, prevStart, start, opts.Overlap)
		}
		if c := strings.TrimSpace(string(runes[from:end])); c != "" {
			chunks = append(chunks, c)
		}
		prevStart, start = start, end
	}
	return chunks
}

// cutPoint returns the exclusive end of the segment starting at start.
// Paragraph breaks win over sentence ends, and either must fall in the
// second half of the window; otherwise the window is cut at size.
func cutPoint(runes []rune, start, size int) int {
	limit := start + size
	if limit >= len(runes) {
		return len(runes)
	}
	floor := start + size/2

	for i := limit; i >= floor+2; i-- {
		if runes[i-1] == '\n' && runes[i-2] == '\n' {
			return i
		}
	}
	for i := limit; i > floor; i-- {
		if isSentenceEnd(runes[i-1]) && unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return limit
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// overlapStart finds where the carried-over prefix begins: overlap
// characters back from the previous segment's end, moved forward to the
// start of a word. No prefix is carried when the tail holds no word start.
func overlapStart(runes []rune, prevStart, prevEnd, overlap int) int {
	if overlap == 0 {
		return prevEnd
	}
	p := prevEnd - overlap
	if p < prevStart {
		p = prevStart
	}
	for p < prevEnd && p > 0 && !unicode.IsSpace(runes[p-1]) {
		p++
	}
	return p
}
