// Package intake registers uploaded files and hands them to the indexing
// queue. It rejects duplicates by content hash and uploads that would exceed
// the tenant's storage quota before anything is written to the metadata
// store.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/extraction"
	"github.com/fyrsmithlabs/ingestd/internal/identity"
	"github.com/fyrsmithlabs/ingestd/internal/logging"
	"github.com/fyrsmithlabs/ingestd/internal/metadata"
	"github.com/fyrsmithlabs/ingestd/internal/pipeline"
	"github.com/fyrsmithlabs/ingestd/internal/queue"
	"github.com/fyrsmithlabs/ingestd/internal/tenant"
	"github.com/fyrsmithlabs/ingestd/internal/vectorindex"
)

// DefaultMaxFileSize bounds a single upload.
const DefaultMaxFileSize int64 = 100 << 20

// Config configures intake.
type Config struct {
	// StorageDir holds uploaded files until they are indexed.
	StorageDir string
	// MaxFileSize is the largest accepted upload in bytes. Default: 100 MiB
	MaxFileSize int64
	// CollectionPrefix must match the pipeline's. Default: "docs"
	CollectionPrefix string
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.StorageDir == "" {
		c.StorageDir = filepath.Join(os.TempDir(), "ingestd", "uploads")
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = tenant.DefaultPrefix
	}
}

// Store is the part of the metadata store intake uses.
type Store interface {
	GetFile(ctx context.Context, id string) (*metadata.FileRecord, error)
	FindFileByHash(ctx context.Context, tenantID, hash string) (*metadata.FileRecord, error)
	GetUsage(ctx context.Context, tenantID string) (metadata.TenantUsage, error)
	CreateFile(ctx context.Context, f *metadata.FileRecord) error
	MarkFailed(ctx context.Context, id, msg string) error
	DeleteFile(ctx context.Context, id string) (*metadata.FileRecord, error)
	DeleteProject(ctx context.Context, tenantID, projectID string) ([]string, error)
	RecomputeProjectVectorCount(ctx context.Context, projectID string) (int, error)
}

// Index is the part of the vector index intake deletes from.
type Index interface {
	DeleteByFile(ctx context.Context, name, fileID string) (int, error)
	DeleteByProject(ctx context.Context, name string, fileIDs []string) (int, error)
}

// Publisher enqueues jobs.
type Publisher interface {
	Publish(ctx context.Context, queue, msgID string, v interface{}) error
}

var (
	_ Store     = (*metadata.Store)(nil)
	_ Index     = (*vectorindex.Service)(nil)
	_ Publisher = (*queue.Broker)(nil)
)

// Upload is one incoming file.
type Upload struct {
	TenantID  string
	ProjectID string
	Filename  string
	MimeType  string
	Body      io.Reader
}

// CleanupJob asks a worker to remove points the synchronous delete could
// not.
type CleanupJob struct {
	TenantID string   `json:"tenantId"`
	FileIDs  []string `json:"fileIds"`
}

// Service accepts uploads, re-index requests and deletions.
type Service struct {
	store     Store
	index     Index
	publisher Publisher
	cfg       Config
	logger    *logging.Logger
}

// New creates a Service.
func New(store Store, index Index, publisher Publisher, cfg Config, logger *logging.Logger) (*Service, error) {
	if store == nil || index == nil || publisher == nil {
		return nil, errors.New("intake: store, index and publisher are required")
	}
	cfg.ApplyDefaults()
	if err := os.MkdirAll(cfg.StorageDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{store: store, index: index, publisher: publisher, cfg: cfg, logger: logger.Named("intake")}, nil
}

func (s *Service) collection(tenantID string) (string, error) {
	name, err := tenant.CollectionName(s.cfg.CollectionPrefix, tenantID)
	if err != nil {
		return "", apperr.Validation(apperr.ReasonBadRequest, err.Error())
	}
	return name, nil
}

// Upload stores the file, registers it and enqueues indexing.
func (s *Service) Upload(ctx context.Context, u Upload) (*metadata.FileRecord, error) {
	if _, err := s.collection(u.TenantID); err != nil {
		return nil, err
	}
	if u.Body == nil {
		return nil, apperr.Validation(apperr.ReasonBadRequest, "empty upload")
	}
	if !extraction.Supported(u.Filename, u.MimeType) {
		return nil, apperr.Validation(apperr.ReasonBadRequest,
			fmt.Sprintf("unsupported file type %q (%s)", u.MimeType, filepath.Ext(u.Filename)))
	}

	tmp, size, hash, err := s.spool(u.Body)
	if err != nil {
		return nil, err
	}
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmp)
		}
	}()

	if existing, err := s.store.FindFileByHash(ctx, u.TenantID, hash); err == nil {
		return nil, apperr.Validation(apperr.ReasonDuplicate, "already uploaded as "+existing.ID)
	} else if !apperr.IsNotFound(err) {
		return nil, err
	}

	usage, err := s.store.GetUsage(ctx, u.TenantID)
	if err != nil {
		return nil, err
	}
	if !usage.Allows(size) {
		return nil, apperr.Validation(apperr.ReasonQuotaExceeded,
			fmt.Sprintf("%d of %d bytes used, upload is %d", usage.StorageUsedBytes, usage.StorageQuotaBytes, size))
	}

	id := uuid.NewString()
	dir := filepath.Join(s.cfg.StorageDir, tenant.Sanitize(u.TenantID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating tenant dir: %w", err)
	}
	path := filepath.Join(dir, id+strings.ToLower(filepath.Ext(u.Filename)))
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}
	tmp = path

	f := &metadata.FileRecord{
		ID:          id,
		TenantID:    u.TenantID,
		ProjectID:   u.ProjectID,
		StoragePath: path,
		MimeType:    u.MimeType,
		SizeBytes:   size,
		ContentHash: hash,
	}
	if err := s.store.CreateFile(ctx, f); err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, f, id); err != nil {
		if merr := s.store.MarkFailed(context.WithoutCancel(ctx), id, err.Error()); merr != nil {
			s.logger.Error(ctx, "marking unqueued file failed", zap.String("file_id", id), zap.Error(merr))
		}
		keep = true
		return nil, err
	}
	keep = true

	s.logger.Info(ctx, "file accepted",
		zap.String("tenant_id", f.TenantID),
		zap.String("file_id", f.ID),
		zap.String("project_id", f.ProjectID),
		zap.Int64("size_bytes", size))
	return f, nil
}

// spool copies body into a temporary file in the storage dir, hashing it on
// the way.
func (s *Service) spool(body io.Reader) (path string, size int64, hash string, err error) {
	tmp, err := os.CreateTemp(s.cfg.StorageDir, ".upload-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if cerr := tmp.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	counter := &countingWriter{w: tmp}
	limited := io.LimitReader(body, s.cfg.MaxFileSize+1)
	hash, err = identity.FileHashReader(io.TeeReader(limited, counter))
	if err != nil {
		return "", 0, "", err
	}
	if counter.n > s.cfg.MaxFileSize {
		return "", 0, "", apperr.Validation(apperr.ReasonTooLarge,
			fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxFileSize))
	}
	if counter.n == 0 {
		return "", 0, "", apperr.Validation(apperr.ReasonBadRequest, "empty upload")
	}
	return tmp.Name(), counter.n, hash, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (s *Service) enqueue(ctx context.Context, f *metadata.FileRecord, msgID string) error {
	job := pipeline.Job{
		TenantID:   f.TenantID,
		FileID:     f.ID,
		FilePath:   f.StoragePath,
		MimeType:   f.MimeType,
		FileSizeMB: float64(f.SizeBytes) / (1 << 20),
	}
	if err := s.publisher.Publish(ctx, queue.Indexing, msgID, job); err != nil {
		return fmt.Errorf("enqueueing file %s: %w", f.ID, err)
	}
	return nil
}

// tenantFile loads a live file owned by tenantID. Files of other tenants are
// reported as not found.
func (s *Service) tenantFile(ctx context.Context, tenantID, fileID string) (*metadata.FileRecord, error) {
	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.TenantID != tenantID {
		return nil, apperr.NotFound("file", fileID)
	}
	return f, nil
}

// Reindex enqueues a file for processing again.
func (s *Service) Reindex(ctx context.Context, tenantID, fileID string) (*metadata.FileRecord, error) {
	f, err := s.tenantFile(ctx, tenantID, fileID)
	if err != nil {
		return nil, err
	}
	// no message id: a re-index must not be deduplicated against the upload
	if err := s.enqueue(ctx, f, ""); err != nil {
		return nil, err
	}
	s.logger.Info(ctx, "file queued for re-index", zap.String("tenant_id", tenantID), zap.String("file_id", fileID))
	return f, nil
}

// Delete removes a file's points and soft-deletes its record. It returns
// the number of points removed. When the index is unavailable the record is
// still deleted and the point removal is queued on the cleanup queue.
func (s *Service) Delete(ctx context.Context, tenantID, fileID string) (int, error) {
	collection, err := s.collection(tenantID)
	if err != nil {
		return 0, err
	}
	f, err := s.tenantFile(ctx, tenantID, fileID)
	if err != nil {
		return 0, err
	}

	if _, err := s.store.DeleteFile(ctx, fileID); err != nil {
		return 0, err
	}
	if f.ProjectID != "" {
		if _, err := s.store.RecomputeProjectVectorCount(ctx, f.ProjectID); err != nil {
			s.logger.Warn(ctx, "recomputing project vector count failed", zap.String("project_id", f.ProjectID), zap.Error(err))
		}
	}
	if err := os.Remove(f.StoragePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn(ctx, "removing uploaded file failed", zap.String("path", f.StoragePath), zap.Error(err))
	}

	removed, err := s.index.DeleteByFile(ctx, collection, fileID)
	if err != nil {
		return 0, s.deferCleanup(ctx, tenantID, []string{fileID}, err)
	}
	s.logger.Info(ctx, "file deleted", zap.String("tenant_id", tenantID), zap.String("file_id", fileID), zap.Int("points", removed))
	return removed, nil
}

// DeleteProject removes every file of a project.
func (s *Service) DeleteProject(ctx context.Context, tenantID, projectID string) (int, error) {
	collection, err := s.collection(tenantID)
	if err != nil {
		return 0, err
	}
	ids, err := s.store.DeleteProject(ctx, tenantID, projectID)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	removed, err := s.index.DeleteByProject(ctx, collection, ids)
	if err != nil {
		return 0, s.deferCleanup(ctx, tenantID, ids, err)
	}
	s.logger.Info(ctx, "project deleted",
		zap.String("tenant_id", tenantID), zap.String("project_id", projectID),
		zap.Int("files", len(ids)), zap.Int("points", removed))
	return removed, nil
}

// deferCleanup queues point removal after a failed index delete. Only a
// failure to queue is returned.
func (s *Service) deferCleanup(ctx context.Context, tenantID string, fileIDs []string, cause error) error {
	s.logger.Warn(ctx, "index delete failed, queueing cleanup",
		zap.String("tenant_id", tenantID), zap.Strings("file_ids", fileIDs), zap.Error(cause))
	if err := s.publisher.Publish(ctx, queue.Cleanup, "", CleanupJob{TenantID: tenantID, FileIDs: fileIDs}); err != nil {
		return fmt.Errorf("deleting points: %w", errors.Join(cause, err))
	}
	return nil
}

// HandleCleanup processes a cleanup delivery.
func (s *Service) HandleCleanup(ctx context.Context, d queue.Delivery) error {
	var job CleanupJob
	if err := d.Decode(&job); err != nil {
		return err
	}
	collection, err := s.collection(job.TenantID)
	if err != nil {
		return err
	}
	removed, err := s.index.DeleteByProject(ctx, collection, job.FileIDs)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "cleanup removed points",
		zap.String("tenant_id", job.TenantID), zap.Int("files", len(job.FileIDs)), zap.Int("points", removed))
	return nil
}
