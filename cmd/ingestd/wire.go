package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/fyrsmithlabs/ingestd/internal/embeddings"
	"github.com/fyrsmithlabs/ingestd/internal/extraction"
	ihttp "github.com/fyrsmithlabs/ingestd/internal/http"
	"github.com/fyrsmithlabs/ingestd/internal/intake"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/metadata"
	"github.com/fyrsmithlabs/ingestd/internal/pipeline"
	"github.com/fyrsmithlabs/ingestd/internal/progress"
	"github.com/fyrsmithlabs/ingestd/internal/qdrant"
	"github.com/fyrsmithlabs/ingestd/internal/queue"
	"github.com/fyrsmithlabs/ingestd/internal/reconcile"
	"github.com/fyrsmithlabs/ingestd/internal/reranker"
	"github.com/fyrsmithlabs/ingestd/internal/telemetry"
	"github.com/fyrsmithlabs/ingestd/internal/vectorindex"
)

// app holds every initialized component. Fields a command does not need
// stay nil.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry

	store    *metadata.Store
	qdrant   *qdrant.GRPCClient
	embedder *embeddings.Client
	index    *vectorindex.Service
	progress *progress.Store
	broker   *queue.Broker

	intake     *intake.Service
	reconciler *reconcile.Reconciler
	pipeline   *pipeline.Orchestrator

	closers []func() error
}

// needs selects which infrastructure a command connects to.
type needs struct {
	broker   bool
	progress bool
}

// newApp loads nothing itself: cfg must already be validated.
func newApp(ctx context.Context, cfg *config.Config, n needs) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.tel, err = telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	logCfg, err := loggingConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.logger, err = logging.NewLogger(logCfg, a.tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a.store, err = metadata.Open(cfg.Metadata.Path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.qdrant, err = qdrant.NewGRPCClient(qdrantConfig(cfg), a.logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}
	a.closers = append(a.closers, a.qdrant.Close)

	provider, err := embeddings.NewProvider(providerConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}
	a.embedder = embeddings.NewClient(provider, embeddingClientConfig(cfg), a.logger)
	a.closers = append(a.closers, a.embedder.Close)

	scorer, err := reranker.NewScorer(scorerConfig(cfg), a.embedder, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating rerank scorer: %w", err)
	}
	a.index, err = vectorindex.NewService(a.qdrant, a.embedder, a.logger,
		vectorindex.WithReranker(reranker.New(scorer, a.logger)),
		vectorindex.WithChunkTextLookup(a.store),
		vectorindex.WithConfig(vectorindex.Config{RerankMultiplier: cfg.Rerank.Multiplier}),
	)
	if err != nil {
		return nil, fmt.Errorf("creating vector index: %w", err)
	}

	a.reconciler, err = reconcile.New(a.store, a.index, cfg.Qdrant.CollectionPrefix, a.logger)
	if err != nil {
		return nil, err
	}

	if n.progress {
		a.progress, err = progress.New(ctx, progressConfig(cfg), a.logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.closers = append(a.closers, a.progress.Close)

		a.pipeline, err = pipeline.New(a.store, a.index, extraction.New(extraction.Config{
			PageTimeout: cfg.Pipeline.PageTimeout.Duration(),
		}, a.logger), a.progress, pipelineConfig(cfg), a.logger)
		if err != nil {
			return nil, err
		}
	}

	if n.broker {
		a.broker, err = queue.Connect(ctx, queueConfig(cfg), a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.broker.Close)

		a.intake, err = intake.New(a.store, a.index, a.broker, intakeConfig(cfg), a.logger)
		if err != nil {
			return nil, err
		}
	}

	a.logger.Info(ctx, "components initialized",
		zap.String("embedding_provider", cfg.Embeddings.Provider),
		zap.Int("dimension", a.embedder.Dimension()),
		zap.String("rerank_method", cfg.Rerank.Method),
		zap.Bool("broker", a.broker != nil),
		zap.Bool("progress", a.progress != nil))
	return a, nil
}

// checks are the /health probes.
func (a *app) checks() map[string]ihttp.Check {
	c := map[string]ihttp.Check{
		"metadata": a.store.Ping,
		"qdrant":   a.qdrant.Health,
	}
	if a.progress != nil {
		c["redis"] = a.progress.Ping
	}
	return c
}

// Close releases components in reverse order of creation, then flushes
// telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
