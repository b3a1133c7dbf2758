package main

import (
	"fmt"

	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/fyrsmithlabs/ingestd/internal/embeddings"
	ihttp "github.com/fyrsmithlabs/ingestd/internal/http"
	"github.com/fyrsmithlabs/ingestd/internal/intake"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/pipeline"
	"github.com/fyrsmithlabs/ingestd/internal/progress"
	"github.com/fyrsmithlabs/ingestd/internal/qdrant"
	"github.com/fyrsmithlabs/ingestd/internal/queue"
	"github.com/fyrsmithlabs/ingestd/internal/reranker"
	"github.com/fyrsmithlabs/ingestd/internal/telemetry"
)

// The functions below translate the file/env configuration into each
// package's own Config. Zero values are left for the package defaults.

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	o := cfg.Observability
	tc.Enabled = o.EnableTelemetry
	tc.Endpoint = o.Endpoint
	tc.Protocol = o.Protocol
	tc.Insecure = o.Insecure
	tc.ServiceName = o.ServiceName
	tc.ServiceVersion = version
	tc.SamplingRate = o.SamplingRate
	tc.Metrics.Enabled = o.EnableMetrics
	if o.ExportInterval > 0 {
		tc.Metrics.ExportInterval = o.ExportInterval.Duration()
	}
	return tc
}

func loggingConfig(cfg *config.Config) (*logging.Config, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	lc.Level = level
	lc.Format = cfg.Logging.Format
	lc.OTEL = cfg.Logging.OTEL
	lc.Fields = map[string]string{"service": cfg.Observability.ServiceName}
	return lc, nil
}

func qdrantConfig(cfg *config.Config) *qdrant.ClientConfig {
	qc := qdrant.DefaultClientConfig()
	q := cfg.Qdrant
	qc.Host = q.Host
	qc.Port = q.Port
	qc.UseTLS = q.UseTLS
	qc.APIKey = q.APIKey.Value()
	if q.RequestTimeout > 0 {
		qc.RequestTimeout = q.RequestTimeout.Duration()
	}
	if q.RetryAttempts > 0 {
		qc.RetryAttempts = q.RetryAttempts
	}
	return qc
}

func providerConfig(cfg *config.Config) embeddings.ProviderConfig {
	e := cfg.Embeddings
	return embeddings.ProviderConfig{
		Provider:     e.Provider,
		Model:        e.Model,
		BaseURL:      e.BaseURL,
		APIKey:       e.APIKey.Value(),
		Dimension:    e.Dimension,
		MaxBatchSize: e.BatchSize,
		CacheDir:     e.CacheDir,
		Timeout:      e.Timeout.Duration(),
	}
}

func embeddingClientConfig(cfg *config.Config) embeddings.ClientConfig {
	e := cfg.Embeddings
	return embeddings.ClientConfig{
		BatchSize:         e.BatchSize,
		Timeout:           e.Timeout.Duration(),
		RequestsPerSecond: e.RequestsPerSecond,
		Burst:             e.Burst,
	}
}

func scorerConfig(cfg *config.Config) reranker.ScorerConfig {
	r := cfg.Rerank
	return reranker.ScorerConfig{
		Method: r.Method,
		CrossEncoder: reranker.CrossEncoderConfig{
			BaseURL: r.BaseURL,
			APIKey:  r.APIKey.Value(),
			Timeout: r.Timeout.Duration(),
		},
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		CollectionPrefix: cfg.Qdrant.CollectionPrefix,
		BatchSize:        cfg.Pipeline.BatchSize,
		KeepArtifacts:    cfg.Pipeline.KeepArtifacts,
	}
}

func progressConfig(cfg *config.Config) progress.Config {
	r := cfg.Redis
	return progress.Config{
		Addr:      r.Addr,
		Password:  r.Password.Value(),
		DB:        r.DB,
		KeyPrefix: r.KeyPrefix,
		TTL:       r.TTL.Duration(),
		LeaseTTL:  r.LeaseTTL.Duration(),
	}
}

// queueConfig overlays the per-queue file settings on the built-in queues.
// Unknown queue names are kept so the broker reports them.
func queueConfig(cfg *config.Config) queue.Config {
	qc := queue.Config{
		URL:       cfg.NATS.URL,
		Stream:    cfg.NATS.Stream,
		FetchWait: cfg.NATS.FetchWait.Duration(),
		Queues:    queue.DefaultQueues(),
	}
	for name, q := range cfg.Queues {
		def, ok := qc.Queues[name]
		if !ok {
			def = queue.QueueConfig{Name: name}
		}
		if q.AckWait > 0 {
			def.AckWait = q.AckWait.Duration()
		}
		if q.MaxDeliver > 0 {
			def.MaxDeliver = q.MaxDeliver
		}
		if q.Concurrency > 0 {
			def.Concurrency = q.Concurrency
		}
		if q.NakDelay > 0 {
			def.NakDelay = q.NakDelay.Duration()
		}
		qc.Queues[name] = def
	}
	return qc
}

func intakeConfig(cfg *config.Config) intake.Config {
	return intake.Config{
		StorageDir:       cfg.Intake.StorageDir,
		MaxFileSize:      cfg.Intake.MaxFileSize,
		CollectionPrefix: cfg.Qdrant.CollectionPrefix,
	}
}

func httpConfig(cfg *config.Config) *ihttp.Config {
	return &ihttp.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		CollectionPrefix: cfg.Qdrant.CollectionPrefix,
		MaxUploadSize:    cfg.Server.MaxUploadSize,
	}
}
