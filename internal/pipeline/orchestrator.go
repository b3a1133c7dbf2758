package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/chunking"
	"github.com/fyrsmithlabs/ingestd/internal/extraction"
	"github.com/fyrsmithlabs/ingestd/internal/identity"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/metadata"
	"github.com/fyrsmithlabs/ingestd/internal/progress"
	"github.com/fyrsmithlabs/ingestd/internal/queue"
	"github.com/fyrsmithlabs/ingestd/internal/tenant"
	"github.com/fyrsmithlabs/ingestd/internal/vectorindex"
)

var tracer = otel.Tracer("ingestd.pipeline")

// DefaultBatchSize is the number of chunks embedded and upserted together.
const DefaultBatchSize = 50

// Progress milestones.
const (
	progressStart     = 0
	progressExtracted = 10
	progressIndexSpan = 85
	progressDone      = 100
)

// Config tunes the orchestrator.
type Config struct {
	// CollectionPrefix prefixes tenant collection names. Default: "docs"
	CollectionPrefix string
	// BatchSize is the number of chunks per embed and upsert call. Default: 50
	BatchSize int
	// KeepArtifacts leaves the uploaded file on disk after a successful run.
	KeepArtifacts bool
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = tenant.DefaultPrefix
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
}

// Orchestrator runs indexing jobs.
type Orchestrator struct {
	store     MetadataStore
	index     Index
	extractor extraction.Extractor
	tracker   Tracker
	cfg       Config
	logger    *logging.Logger
}

// New creates an Orchestrator.
func New(store MetadataStore, index Index, extractor extraction.Extractor, tracker Tracker, cfg Config, logger *logging.Logger) (*Orchestrator, error) {
	if store == nil || index == nil || extractor == nil || tracker == nil {
		return nil, errors.New("pipeline: store, index, extractor and tracker are required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.ApplyDefaults()
	return &Orchestrator{
		store:     store,
		index:     index,
		extractor: extractor,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger.Named("pipeline"),
	}, nil
}

// Handle decodes an indexing delivery and processes it. It is the handler
// registered on the indexing queue.
func (o *Orchestrator) Handle(ctx context.Context, d queue.Delivery) error {
	var job Job
	if err := d.Decode(&job); err != nil {
		return err
	}
	ctx = logging.WithTenant(logging.WithFile(ctx, job.FileID), job.TenantID)
	_, err := o.Process(ctx, job)
	return err
}

// Process indexes one file end to end.
func (o *Orchestrator) Process(ctx context.Context, job Job) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Process", trace.WithAttributes(
		attribute.String("tenant_id", job.TenantID),
		attribute.String("file_id", job.FileID),
		attribute.String("mime_type", job.MimeType),
	))
	defer span.End()
	defer func() { finish(span, err) }()

	if job.TenantID == "" || job.FileID == "" {
		FilesProcessed.WithLabelValues("rejected").Inc()
		return Result{}, apperr.Validation(apperr.ReasonBadRequest, "job requires tenantId and fileId")
	}

	lease, err := o.tracker.AcquireLease(ctx, job.FileID)
	if err != nil {
		if errors.Is(err, progress.ErrLeaseHeld) {
			FilesProcessed.WithLabelValues("skipped").Inc()
			o.logger.Info(ctx, "file is being processed elsewhere", zap.String("file_id", job.FileID))
		}
		return Result{}, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			o.logger.Warn(ctx, "lease release failed", zap.String("file_id", job.FileID), zap.Error(rerr))
		}
	}()

	file, err := o.store.GetFile(ctx, job.FileID)
	if apperr.IsNotFound(err) {
		FilesProcessed.WithLabelValues("rejected").Inc()
		return Result{}, apperr.Validation(apperr.ReasonBadRequest, "file "+job.FileID+" no longer exists")
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading file: %w", err)
	}
	if file.TenantID != job.TenantID {
		FilesProcessed.WithLabelValues("rejected").Inc()
		return Result{}, apperr.Validation(apperr.ReasonBadRequest, "file "+job.FileID+" belongs to another tenant")
	}

	start := time.Now()
	chunks, err := o.run(ctx, job, file, lease)
	if err != nil {
		o.fail(ctx, file, err)
		return Result{}, err
	}

	FilesProcessed.WithLabelValues("completed").Inc()
	observe("total", start)
	o.logger.Info(ctx, "file indexed",
		zap.String("tenant_id", file.TenantID),
		zap.String("file_id", file.ID),
		zap.Int("chunks", chunks),
		zap.Float64("size_mb", job.FileSizeMB),
		zap.Duration("duration", time.Since(start)))
	return Result{Status: StatusCompleted, Chunks: chunks}, nil
}

func (o *Orchestrator) run(ctx context.Context, job Job, file *metadata.FileRecord, lease *progress.Lease) (int, error) {
	project, err := o.project(ctx, file.ProjectID)
	if err != nil {
		return 0, err
	}
	size, overlap := project.ChunkParams()

	collection, err := tenant.CollectionName(o.cfg.CollectionPrefix, file.TenantID)
	if err != nil {
		return 0, apperr.Validation(apperr.ReasonBadRequest, err.Error())
	}

	if err := o.store.MarkProcessing(ctx, file.ID); err != nil {
		return 0, fmt.Errorf("marking processing: %w", err)
	}
	o.tracker.Report(ctx, file.ID, progressStart)

	removed, err := o.index.DeleteByFile(ctx, collection, file.ID)
	if err != nil {
		return 0, fmt.Errorf("removing previous points: %w", err)
	}
	if removed > 0 {
		o.logger.Debug(ctx, "removed previous points", zap.String("file_id", file.ID), zap.Int("points", removed))
	}

	path, mimeType := job.FilePath, job.MimeType
	if path == "" {
		path = file.StoragePath
	}
	if mimeType == "" {
		mimeType = file.MimeType
	}

	chunked, err := o.chunks(ctx, file, path, mimeType, size, overlap)
	if err != nil {
		return 0, err
	}
	chunks := chunked.chunks
	if err := o.store.UpdateExtraction(ctx, file.ID, chunked.chars, len(chunks)); err != nil {
		return 0, fmt.Errorf("recording extraction: %w", err)
	}
	o.tracker.Report(ctx, file.ID, progressExtracted)

	t := time.Now()
	vectors, err := o.embedAndUpsert(ctx, collection, file, chunks, lease)
	observe("index", t)
	if err != nil {
		return 0, err
	}

	if err := o.store.SaveEmbeddingDocument(ctx, &metadata.EmbeddingDocument{
		FileID:       file.ID,
		TenantID:     file.TenantID,
		Chunks:       chunks,
		Vectors:      vectors,
		ChunkSize:    chunked.size,
		ChunkOverlap: chunked.overlap,
	}); err != nil {
		return 0, fmt.Errorf("saving embedding document: %w", err)
	}
	if err := o.store.MarkCompleted(ctx, file.ID, collection, len(chunks)); err != nil {
		return 0, fmt.Errorf("marking completed: %w", err)
	}
	if file.ProjectID != "" {
		if _, err := o.store.RecomputeProjectVectorCount(ctx, file.ProjectID); err != nil {
			return 0, fmt.Errorf("recomputing project vector count: %w", err)
		}
	}

	o.tracker.Report(ctx, file.ID, progressDone)
	if err := o.tracker.SaveResult(ctx, file.ID, progress.JobResult{Status: StatusCompleted, Chunks: len(chunks)}); err != nil {
		o.logger.Warn(ctx, "saving job result failed", zap.String("file_id", file.ID), zap.Error(err))
	}
	o.removeArtifact(ctx, path)
	return len(chunks), nil
}

// chunkedFile is the chunk texts of a file and the parameters they were cut
// with.
type chunkedFile struct {
	chunks  []string
	chars   int
	size    int
	overlap int
}

// chunks extracts and splits the file. When the uploaded artifact has
// already been removed by an earlier run, the chunks stored with that run
// are embedded again instead, keeping the parameters they were cut with.
func (o *Orchestrator) chunks(ctx context.Context, file *metadata.FileRecord, path, mimeType string, size, overlap int) (chunkedFile, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		doc, derr := o.store.GetEmbeddingDocument(ctx, file.ID)
		if derr == nil && len(doc.Chunks) > 0 {
			o.logger.Info(ctx, "uploaded file gone, re-embedding stored chunks",
				zap.String("file_id", file.ID), zap.Int("chunks", len(doc.Chunks)))
			if doc.ChunkSize > 0 && (doc.ChunkSize != size || doc.ChunkOverlap != overlap) {
				o.logger.Warn(ctx, "stored chunks were cut with different chunking parameters",
					zap.String("file_id", file.ID),
					zap.Int("stored_chunk_size", doc.ChunkSize),
					zap.Int("stored_chunk_overlap", doc.ChunkOverlap),
					zap.Int("chunk_size", size),
					zap.Int("chunk_overlap", overlap))
			}
			return chunkedFile{chunks: doc.Chunks, chars: file.CharCount, size: doc.ChunkSize, overlap: doc.ChunkOverlap}, nil
		}
	}

	t := time.Now()
	text, err := o.extractor.Extract(ctx, path, mimeType)
	observe("extract", t)
	if err != nil {
		return chunkedFile{}, fmt.Errorf("extracting text: %w", err)
	}

	t = time.Now()
	chunks := chunking.Chunk(text, size, overlap)
	observe("chunk", t)
	if len(chunks) == 0 {
		return chunkedFile{}, apperr.Validation(apperr.ReasonNoText, file.ID)
	}
	return chunkedFile{chunks: chunks, chars: utf8.RuneCountInString(text), size: size, overlap: overlap}, nil
}

// embedAndUpsert writes chunks batch by batch and returns every vector in
// chunk order.
func (o *Orchestrator) embedAndUpsert(ctx context.Context, collection string, file *metadata.FileRecord, chunks []string, lease *progress.Lease) ([][]float32, error) {
	total := len(chunks)
	vectors := make([][]float32, 0, total)
	ensured := false

	for start := 0; start < total; start += o.cfg.BatchSize {
		end := start + o.cfg.BatchSize
		if end > total {
			end = total
		}
		batch := chunks[start:end]

		embedded, err := o.index.Embed(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embedding chunks %d-%d: %w", start, end-1, err)
		}
		if len(embedded) != len(batch) {
			return nil, apperr.Provider("embed", start/o.cfg.BatchSize+1,
				fmt.Errorf("got %d vectors for %d chunks", len(embedded), len(batch)))
		}

		points := make([]vectorindex.Point, len(batch))
		for i, text := range batch {
			idx := start + i
			points[i] = vectorindex.Point{
				ID:     identity.PointID(file.TenantID, file.ID, identity.ChunkHash(text), idx),
				Vector: embedded[i],
				Payload: vectorindex.Payload{
					TenantID:    file.TenantID,
					FileID:      file.ID,
					ProjectID:   file.ProjectID,
					ChunkIndex:  idx,
					TextPreview: vectorindex.Preview(text),
				},
			}
		}

		if !ensured {
			if err := o.index.EnsureCollection(ctx, collection); err != nil {
				return nil, fmt.Errorf("ensuring collection: %w", err)
			}
			ensured = true
		}
		if err := o.index.Upsert(ctx, collection, points); err != nil {
			return nil, fmt.Errorf("upserting chunks %d-%d: %w", start, end-1, err)
		}
		vectors = append(vectors, embedded...)
		ChunksIndexed.Add(float64(len(points)))

		o.tracker.Report(ctx, file.ID, progressExtracted+progressIndexSpan*end/total)
		if err := lease.Extend(ctx); err != nil {
			o.logger.Warn(ctx, "lease extension failed", zap.String("file_id", file.ID), zap.Error(err))
		}
	}
	return vectors, nil
}

func (o *Orchestrator) project(ctx context.Context, id string) (*metadata.Project, error) {
	if id == "" {
		return nil, nil
	}
	p, err := o.store.GetProject(ctx, id)
	if apperr.IsNotFound(err) {
		o.logger.Debug(ctx, "project not found, using default chunking", zap.String("project_id", id))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading project: %w", err)
	}
	return p, nil
}

// fail records err on the file. The original error is what the queue sees.
func (o *Orchestrator) fail(ctx context.Context, file *metadata.FileRecord, err error) {
	ctx = context.WithoutCancel(ctx)
	outcome := "failed"
	if apperr.IsValidation(err) {
		outcome = "rejected"
	}
	FilesProcessed.WithLabelValues(outcome).Inc()

	if merr := o.store.MarkFailed(ctx, file.ID, err.Error()); merr != nil {
		o.logger.Error(ctx, "marking file failed", zap.String("file_id", file.ID), zap.Error(merr))
	}
	if serr := o.tracker.SaveResult(ctx, file.ID, progress.JobResult{Status: string(metadata.StatusFailed), Error: err.Error()}); serr != nil {
		o.logger.Debug(ctx, "saving job result failed", zap.String("file_id", file.ID), zap.Error(serr))
	}
	o.logger.Warn(ctx, "file indexing failed",
		zap.String("tenant_id", file.TenantID),
		zap.String("file_id", file.ID),
		zap.String("outcome", outcome),
		zap.Error(err))
}

func (o *Orchestrator) removeArtifact(ctx context.Context, path string) {
	if o.cfg.KeepArtifacts || path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		o.logger.Warn(ctx, "removing uploaded file failed", zap.String("path", path), zap.Error(err))
	}
}

func observe(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "success")
}
