package pipeline

import (
	"context"

	"github.com/fyrsmithlabs/ingestd/internal/metadata"
	"github.com/fyrsmithlabs/ingestd/internal/progress"
	"github.com/fyrsmithlabs/ingestd/internal/vectorindex"
)

// StatusCompleted is the status of a successful Result.
const StatusCompleted = "completed"

// Job is the indexing queue payload.
type Job struct {
	TenantID   string  `json:"tenantId"`
	FileID     string  `json:"fileId"`
	FilePath   string  `json:"filePath"`
	MimeType   string  `json:"mimeType"`
	FileSizeMB float64 `json:"fileSizeMB"`
}

// Result is what a successful job reports.
type Result struct {
	Status string `json:"status"`
	Chunks int    `json:"chunks"`
}

// MetadataStore is the part of the metadata store the pipeline writes.
type MetadataStore interface {
	GetFile(ctx context.Context, id string) (*metadata.FileRecord, error)
	GetProject(ctx context.Context, id string) (*metadata.Project, error)
	MarkProcessing(ctx context.Context, id string) error
	UpdateExtraction(ctx context.Context, id string, charCount, chunkCount int) error
	SaveEmbeddingDocument(ctx context.Context, doc *metadata.EmbeddingDocument) error
	GetEmbeddingDocument(ctx context.Context, fileID string) (*metadata.EmbeddingDocument, error)
	MarkCompleted(ctx context.Context, id, collection string, chunkCount int) error
	MarkFailed(ctx context.Context, id, msg string) error
	RecomputeProjectVectorCount(ctx context.Context, projectID string) (int, error)
}

// Index is the part of the vector index the pipeline writes.
type Index interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EnsureCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, name string, points []vectorindex.Point) error
	DeleteByFile(ctx context.Context, name, fileID string) (int, error)
}

// Tracker records progress and results and hands out file leases.
type Tracker interface {
	Report(ctx context.Context, fileID string, pct int)
	SaveResult(ctx context.Context, fileID string, r progress.JobResult) error
	AcquireLease(ctx context.Context, fileID string) (*progress.Lease, error)
}

var (
	_ MetadataStore = (*metadata.Store)(nil)
	_ Index         = (*vectorindex.Service)(nil)
	_ Tracker       = (*progress.Store)(nil)
)
