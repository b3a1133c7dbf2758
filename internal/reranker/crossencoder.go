package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrRerankFailed indicates the rerank endpoint rejected or failed a request.
var ErrRerankFailed = errors.New("rerank request failed")

// CrossEncoderConfig configures the cross-encoder endpoint.
type CrossEncoderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// CrossEncoderScorer calls a text-embeddings-inference style rerank
// endpoint:
//
//	POST /rerank {"query": "...", "texts": [...]} -> [{"index": 0, "score": 0.93}, ...]
type CrossEncoderScorer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

type rerankRequest struct {
	Query    string   `json:"query"`
	Texts    []string `json:"texts"`
	Truncate bool     `json:"truncate"`
}

type rerankItem struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// NewCrossEncoderScorer creates a scorer for the endpoint.
func NewCrossEncoderScorer(cfg CrossEncoderConfig) (*CrossEncoderScorer, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("cross-encoder: base URL required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CrossEncoderScorer{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (s *CrossEncoderScorer) Name() string { return "cross-encoder" }

// Score sends every candidate in one request and aligns the answer by index.
func (s *CrossEncoderScorer) Score(ctx context.Context, query string, docs []Document) ([]float32, error) {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRerankFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrRerankFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var items []rerankItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %w", ErrRerankFailed, err)
	}

	scores := make([]float32, len(docs))
	seen := make([]bool, len(docs))
	for _, it := range items {
		if it.Index < 0 || it.Index >= len(docs) || seen[it.Index] {
			return nil, fmt.Errorf("%w: bad index %d", ErrRerankFailed, it.Index)
		}
		scores[it.Index] = it.Score
		seen[it.Index] = true
	}
	if len(items) != len(docs) {
		return nil, fmt.Errorf("%w: got %d scores for %d documents", ErrRerankFailed, len(items), len(docs))
	}
	return scores, nil
}

func (s *CrossEncoderScorer) Close() error { return nil }
