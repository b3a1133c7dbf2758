package reranker

import (
	"context"
	"strings"
	"unicode"
)

// LexicalScorer scores documents by the share of distinct query terms they
// contain, blended evenly with the first-stage similarity. It needs no
// network and serves as the offline method.
type LexicalScorer struct{}

// NewLexicalScorer creates a LexicalScorer.
func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{}
}

func (s *LexicalScorer) Name() string { return "lexical" }

// Score returns overlap in [0, 1] blended with Score/100.
func (s *LexicalScorer) Score(_ context.Context, query string, docs []Document) ([]float32, error) {
	terms := uniqueTerms(query)
	scores := make([]float32, len(docs))
	for i, d := range docs {
		similarity := d.Score / 100
		if len(terms) == 0 {
			scores[i] = similarity
			continue
		}
		scores[i] = 0.5*similarity + 0.5*termOverlap(terms, d.Content)
	}
	return scores, nil
}

func (s *LexicalScorer) Close() error { return nil }

func termOverlap(terms map[string]struct{}, content string) float32 {
	found := 0
	docTerms := uniqueTerms(content)
	for t := range terms {
		if _, ok := docTerms[t]; ok {
			found++
		}
	}
	return float32(found) / float32(len(terms))
}

// uniqueTerms lowercases, splits on non-alphanumerics and drops stopwords
// and tokens shorter than three characters.
func uniqueTerms(text string) map[string]struct{} {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if len(t) < 3 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		out[t] = struct{}{}
	}
	return out
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "but": {}, "for": {}, "with": {}, "from": {},
	"was": {}, "are": {}, "been": {}, "being": {}, "have": {}, "has": {},
	"had": {}, "does": {}, "did": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "may": {}, "might": {}, "can": {}, "this": {}, "that": {},
	"these": {}, "those": {}, "you": {}, "she": {}, "they": {}, "what": {},
	"which": {}, "who": {}, "when": {}, "where": {}, "why": {}, "how": {},
}
