// Package metadata is the SQLite-backed store for file records, projects,
// per-file embedding documents and tenant storage usage.
package metadata

import "time"

// FileStatus is the lifecycle state of a FileRecord.
type FileStatus string

const (
	StatusUploaded   FileStatus = "UPLOADED"
	StatusProcessing FileStatus = "PROCESSING"
	StatusCompleted  FileStatus = "COMPLETED"
	StatusFailed     FileStatus = "FAILED"
)

// Project defaults applied when a project is absent or has zero values.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// FileRecord is one uploaded file. Only the indexing pipeline changes Status.
type FileRecord struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId"`
	ProjectID      string     `json:"projectId,omitempty"`
	StoragePath    string     `json:"storagePath"`
	MimeType       string     `json:"mimeType"`
	SizeBytes      int64      `json:"sizeBytes"`
	ContentHash    string     `json:"contentHash"`
	Status         FileStatus `json:"status"`
	TextExtracted  bool       `json:"textExtracted"`
	CharCount      int        `json:"charCount"`
	ChunkCount     int        `json:"chunkCount"`
	VectorIndexed  bool       `json:"vectorIndexed"`
	CollectionName string     `json:"collectionName,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	RetryCount     int        `json:"retryCount"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Project groups files and carries their chunking parameters.
type Project struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	Name         string    `json:"name"`
	ChunkSize    int       `json:"chunkSize"`
	ChunkOverlap int       `json:"chunkOverlap"`
	VectorCount  int       `json:"vectorCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ChunkParams returns the project's chunk size and overlap with defaults
// substituted for zero values. A nil project yields the defaults.
func (p *Project) ChunkParams() (size, overlap int) {
	size, overlap = DefaultChunkSize, DefaultChunkOverlap
	if p == nil {
		return size, overlap
	}
	if p.ChunkSize > 0 {
		size = p.ChunkSize
	}
	if p.ChunkOverlap > 0 {
		overlap = p.ChunkOverlap
	}
	return size, overlap
}

// EmbeddingDocument holds every chunk text and vector of one file. It is
// replaced wholesale on re-index. ChunkSize and ChunkOverlap record the
// parameters the chunks were cut with; zero means unknown.
type EmbeddingDocument struct {
	FileID       string      `json:"fileId"`
	TenantID     string      `json:"tenantId"`
	Chunks       []string    `json:"chunks"`
	Vectors      [][]float32 `json:"vectors"`
	ChunkSize    int         `json:"chunkSize"`
	ChunkOverlap int         `json:"chunkOverlap"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// TenantUsage tracks storage consumption against a quota. A zero quota is
// unlimited.
type TenantUsage struct {
	TenantID          string `json:"tenantId"`
	StorageUsedBytes  int64  `json:"storageUsedBytes"`
	StorageQuotaBytes int64  `json:"storageQuotaBytes"`
}

// Allows reports whether adding n bytes stays within the quota.
func (u TenantUsage) Allows(n int64) bool {
	return u.StorageQuotaBytes <= 0 || u.StorageUsedBytes+n <= u.StorageQuotaBytes
}
