// Package config provides configuration loading for ingestd.
//
// Configuration is read from a YAML file, overridden by INGESTD_* environment
// variables, completed with defaults and validated. Every component reads its
// settings from one section of Config.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds the complete ingestd configuration.
type Config struct {
	Server        ServerConfig           `koanf:"server"`
	Observability ObservabilityConfig    `koanf:"observability"`
	Logging       LoggingConfig          `koanf:"logging"`
	Qdrant        QdrantConfig           `koanf:"qdrant"`
	Embeddings    EmbeddingsConfig       `koanf:"embeddings"`
	Rerank        RerankConfig           `koanf:"rerank"`
	Pipeline      PipelineConfig         `koanf:"pipeline"`
	NATS          NATSConfig             `koanf:"nats"`
	Queues        map[string]QueueConfig `koanf:"queues"`
	Redis         RedisConfig            `koanf:"redis"`
	Metadata      MetadataConfig         `koanf:"metadata"`
	Intake        IntakeConfig           `koanf:"intake"`
	Reconcile     ReconcileConfig        `koanf:"reconcile"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// MaxUploadSize bounds multipart request bodies. Default: intake.max_file_size plus 1MiB
	MaxUploadSize int64 `koanf:"max_upload_size"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool     `koanf:"enable_telemetry"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	SamplingRate    float64  `koanf:"sampling_rate"`
	EnableMetrics   bool     `koanf:"enable_metrics"`
	ExportInterval  Duration `koanf:"export_interval"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
	OTEL   bool   `koanf:"otel"`
}

// QdrantConfig holds vector index connection settings.
type QdrantConfig struct {
	Host             string   `koanf:"host"`
	Port             int      `koanf:"port"` // gRPC port
	UseTLS           bool     `koanf:"use_tls"`
	APIKey           Secret   `koanf:"api_key"`
	RequestTimeout   Duration `koanf:"request_timeout"`
	RetryAttempts    int      `koanf:"retry_attempts"`
	CollectionPrefix string   `koanf:"collection_prefix"`
}

// EmbeddingsConfig selects the embedding provider and its client limits.
type EmbeddingsConfig struct {
	Provider          string   `koanf:"provider"` // sentence, tei, openai or fastembed
	Model             string   `koanf:"model"`
	BaseURL           string   `koanf:"base_url"`
	APIKey            Secret   `koanf:"api_key"`
	Dimension         int      `koanf:"dimension"`
	BatchSize         int      `koanf:"batch_size"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
	Burst             int      `koanf:"burst"`
	CacheDir          string   `koanf:"cache_dir"`
}

// RerankConfig selects the second-stage scoring method.
type RerankConfig struct {
	Method     string   `koanf:"method"` // cross-encoder, embedding or lexical
	BaseURL    string   `koanf:"base_url"`
	APIKey     Secret   `koanf:"api_key"`
	Timeout    Duration `koanf:"timeout"`
	Multiplier int      `koanf:"multiplier"`
}

// PipelineConfig tunes the indexing worker.
type PipelineConfig struct {
	BatchSize     int      `koanf:"batch_size"`
	KeepArtifacts bool     `koanf:"keep_artifacts"`
	PageTimeout   Duration `koanf:"page_timeout"`
}

// NATSConfig holds broker connection settings.
type NATSConfig struct {
	URL       string   `koanf:"url"`
	Stream    string   `koanf:"stream"`
	FetchWait Duration `koanf:"fetch_wait"`
	// StoreDir is the JetStream directory of the embedded server started by
	// "ingestd dev".
	StoreDir string `koanf:"store_dir"`
}

// QueueConfig overrides the settings of one named queue.
type QueueConfig struct {
	AckWait     Duration `koanf:"ack_wait"`
	MaxDeliver  int      `koanf:"max_deliver"`
	Concurrency int      `koanf:"concurrency"`
	NakDelay    Duration `koanf:"nak_delay"`
}

// RedisConfig holds progress store settings.
type RedisConfig struct {
	Addr      string   `koanf:"addr"`
	Password  Secret   `koanf:"password"`
	DB        int      `koanf:"db"`
	KeyPrefix string   `koanf:"key_prefix"`
	TTL       Duration `koanf:"ttl"`
	LeaseTTL  Duration `koanf:"lease_ttl"`
}

// MetadataConfig locates the SQLite metadata database.
type MetadataConfig struct {
	Path string `koanf:"path"`
}

// IntakeConfig holds upload settings.
type IntakeConfig struct {
	StorageDir  string `koanf:"storage_dir"`
	MaxFileSize int64  `koanf:"max_file_size"`
}

// ReconcileConfig schedules periodic drift checks.
type ReconcileConfig struct {
	Interval Duration `koanf:"interval"` // zero disables scheduling
	Tenants  []string `koanf:"tenants"`
}

var (
	validProviders = map[string]bool{"sentence": true, "tei": true, "openai": true, "fastembed": true}
	validMethods   = map[string]bool{"cross-encoder": true, "embedding": true, "lexical": true}
	validLevels    = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
)

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Provider, rerank method or log level is unknown
//   - A remote provider has no base URL or api key
//   - A size or count is not positive
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		errs = append(errs, errors.New("observability.service_name is required when telemetry is enabled"))
	}
	if r := c.Observability.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate must be between 0 and 1, got %v", r))
	}

	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.Qdrant.Port < 1 || c.Qdrant.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid qdrant port: %d", c.Qdrant.Port))
	}

	if !validProviders[c.Embeddings.Provider] {
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider))
	} else {
		switch c.Embeddings.Provider {
		case "openai":
			if !c.Embeddings.APIKey.IsSet() {
				errs = append(errs, errors.New("embeddings.api_key is required for openai"))
			}
		case "sentence", "tei":
			if err := validateURL("embeddings.base_url", c.Embeddings.BaseURL); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if c.Embeddings.BatchSize <= 0 {
		errs = append(errs, errors.New("embeddings.batch_size must be positive"))
	}

	if !validMethods[c.Rerank.Method] {
		errs = append(errs, fmt.Errorf("unknown rerank method %q", c.Rerank.Method))
	} else if c.Rerank.Method == "cross-encoder" {
		if err := validateURL("rerank.base_url", c.Rerank.BaseURL); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Rerank.Multiplier < 1 {
		errs = append(errs, errors.New("rerank.multiplier must be at least 1"))
	}

	if c.Pipeline.BatchSize <= 0 {
		errs = append(errs, errors.New("pipeline.batch_size must be positive"))
	}

	for name, q := range c.Queues {
		if q.MaxDeliver < 0 || q.Concurrency < 0 {
			errs = append(errs, fmt.Errorf("queues.%s: max_deliver and concurrency must not be negative", name))
		}
	}

	if c.Metadata.Path == "" {
		errs = append(errs, errors.New("metadata.path is required"))
	}
	if c.Intake.StorageDir == "" {
		errs = append(errs, errors.New("intake.storage_dir is required"))
	}
	if c.Intake.MaxFileSize <= 0 {
		errs = append(errs, errors.New("intake.max_file_size must be positive"))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	return nil
}

