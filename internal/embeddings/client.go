package embeddings

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
)

// ClientConfig tunes batching and outbound call limits.
type ClientConfig struct {
	// BatchSize caps texts per provider call. The provider's own maximum
	// wins when it is smaller.
	BatchSize int
	// Timeout bounds each provider call.
	Timeout time.Duration
	// RequestsPerSecond limits provider calls. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// DefaultClientConfig returns 100 texts per call and a 30s timeout.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{BatchSize: DefaultMaxBatchSize, Timeout: 30 * time.Second}
}

// Client embeds arbitrary numbers of texts through one provider.
// Calls are safe for concurrent use.
type Client struct {
	mu       sync.RWMutex
	provider Provider

	cfg     ClientConfig
	limiter *rate.Limiter
	metrics *Metrics
	logger  *logging.Logger
}

// NewClient wraps provider. The client owns the provider and closes it.
func NewClient(provider Provider, cfg ClientConfig, logger *logging.Logger) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultMaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  NewMetrics(logger.Underlying()),
		logger:   logger.Named("embeddings"),
	}
}

// Reset swaps the provider, closing the old one. Intended for tests that
// need a fresh provider between cases.
func (c *Client) Reset(provider Provider) error {
	c.mu.Lock()
	old := c.provider
	c.provider = provider
	c.mu.Unlock()

	if old != nil {
		return old.Close()
	}
	return nil
}

func (c *Client) current() Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provider
}

// Dimension returns the active provider's vector length.
func (c *Client) Dimension() int {
	return c.current().Dimension()
}

// ProviderName returns the active provider's name.
func (c *Client) ProviderName() string {
	return c.current().Name()
}

func (c *Client) batchSize(p Provider) int {
	size := c.cfg.BatchSize
	if limit := p.MaxBatchSize(); limit > 0 && limit < size {
		size = limit
	}
	return size
}

// Embed returns one vector per text, in input order. Empty input returns an
// empty result without calling the provider. Batches run sequentially; a
// failed batch aborts the call with a provider error naming the batch.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	p := c.current()
	size := c.batchSize(p)
	out := make([][]float32, 0, len(texts))

	for start, batch := 0, 1; start < len(texts); start, batch = start+size, batch+1 {
		end := min(start+size, len(texts))

		vectors, err := c.embedBatch(ctx, p, texts[start:end], batch)
		if err != nil {
			c.logger.Warn(ctx, "embedding batch failed",
				zap.Int("batch", batch),
				zap.Int("batch_size", end-start),
				zap.String("provider", p.Name()),
				zap.Error(err))
			return nil, err
		}
		out = append(out, vectors...)
	}

	c.logger.Debug(ctx, "embedded texts",
		zap.Int("texts", len(texts)),
		zap.Int("batches", (len(texts)+size-1)/size))
	return out, nil
}

// EmbedQuery embeds a single search query.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *Client) embedBatch(ctx context.Context, p Provider, texts []string, batch int) (vectors [][]float32, err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordRequest(ctx, p.Name(), "embed", time.Since(start), len(texts), err)
	}()

	if waitErr := c.limiter.Wait(ctx); waitErr != nil {
		return nil, apperr.Provider("embed", batch, waitErr)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	results, callErr := p.Embed(callCtx, texts)
	if callErr != nil {
		return nil, apperr.Provider("embed", batch, callErr)
	}

	vectors, orderErr := reorder(results, len(texts), p.Dimension())
	if orderErr != nil {
		return nil, apperr.Provider("embed", batch, orderErr)
	}
	return vectors, nil
}

// reorder sorts results by provider index and checks that every input
// position received exactly one vector of the expected size.
func reorder(results []Embedding, n, dim int) ([][]float32, error) {
	if len(results) != n {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrMalformedResponse, len(results), n)
	}

	sorted := make([]Embedding, n)
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	out := make([][]float32, n)
	for i, e := range sorted {
		if e.Index != i {
			return nil, fmt.Errorf("%w: missing or duplicate index %d", ErrMalformedResponse, i)
		}
		if dim > 0 && len(e.Vector) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrMalformedResponse, i, len(e.Vector), dim)
		}
		out[i] = e.Vector
	}
	return out, nil
}

// Close closes the provider.
func (c *Client) Close() error {
	if p := c.current(); p != nil {
		return p.Close()
	}
	return nil
}
