package metadata

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/metadata/migrations"
)

// Store is the SQLite metadata store.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{
		db:   db,
		path: path,
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs all pending migrations in version order.
func (s *Store) migrate(fsys embed.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
	}
	return nil
}

// ==================== Files ====================

const fileColumns = `id, tenant_id, project_id, storage_path, mime_type, size_bytes, content_hash,
	status, text_extracted, char_count, chunk_count, vector_indexed, collection_name,
	error_message, retry_count, created_at, updated_at`

// CreateFile inserts a new record in status UPLOADED. A live record with
// the same tenant and content hash is a duplicate.
func (s *Store) CreateFile(ctx context.Context, f *FileRecord) error {
	now := s.now()
	f.Status = StatusUploaded
	f.CreatedAt, f.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, tenant_id, project_id, storage_path, mime_type, size_bytes,
			content_hash, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TenantID, f.ProjectID, f.StoragePath, f.MimeType, f.SizeBytes,
		f.ContentHash, string(f.Status), now, now)
	if isUniqueViolation(err) {
		return apperr.Validation(apperr.ReasonDuplicate, "content hash "+f.ContentHash)
	}
	if err != nil {
		return fmt.Errorf("inserting file: %w", err)
	}
	return nil
}

// GetFile returns a live file record.
func (s *Store) GetFile(ctx context.Context, id string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ? AND deleted_at IS NULL`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("file", id)
	}
	return f, err
}

// FindFileByHash returns the live record of a tenant with the given
// content hash.
func (s *Store) FindFileByHash(ctx context.Context, tenantID, hash string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE tenant_id = ? AND content_hash = ? AND deleted_at IS NULL`,
		tenantID, hash)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("file with hash", hash)
	}
	return f, err
}

// MarkProcessing moves a file to PROCESSING and clears the previous error
// and indexed flag.
func (s *Store) MarkProcessing(ctx context.Context, id string) error {
	return s.updateFile(ctx, id, `status = ?, error_message = '', vector_indexed = 0`, string(StatusProcessing))
}

// UpdateExtraction records the extraction and chunking outcome.
func (s *Store) UpdateExtraction(ctx context.Context, id string, charCount, chunkCount int) error {
	return s.updateFile(ctx, id, `text_extracted = 1, char_count = ?, chunk_count = ?`, charCount, chunkCount)
}

// MarkCompleted moves a file to COMPLETED with its index location. The
// file's size is charged to the tenant's storage usage on its first
// completion only, so re-indexing never double counts.
func (s *Store) MarkCompleted(ctx context.Context, id, collection string, chunkCount int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		tenantID string
		size     int64
		charged  bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id, size_bytes, storage_charged FROM files WHERE id = ? AND deleted_at IS NULL`, id).
		Scan(&tenantID, &size, &charged)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("file", id)
	}
	if err != nil {
		return fmt.Errorf("loading file %s: %w", id, err)
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE files SET status = ?, vector_indexed = 1, collection_name = ?, chunk_count = ?,
			error_message = '', storage_charged = 1, updated_at = ?
		WHERE id = ?`,
		string(StatusCompleted), collection, chunkCount, now, id); err != nil {
		return fmt.Errorf("completing file %s: %w", id, err)
	}
	if !charged {
		if err := addStorageTx(ctx, tx, tenantID, size, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkFailed moves a file to FAILED, stores msg and increments the retry
// count.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	return s.updateFile(ctx, id,
		`status = ?, error_message = ?, retry_count = retry_count + 1`,
		string(StatusFailed), msg)
}

func (s *Store) updateFile(ctx context.Context, id, set string, args ...interface{}) error {
	args = append(args, s.now(), id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET `+set+`, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("updating file %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("file", id)
	}
	return nil
}

// ListFiles returns every live file of the tenant in any status, ordered
// by id.
func (s *Store) ListFiles(ctx context.Context, tenantID string) ([]FileRecord, error) {
	return s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE tenant_id = ? AND deleted_at IS NULL ORDER BY id`, tenantID)
}

// ListProjectFiles returns the live files of a project, ordered by id.
func (s *Store) ListProjectFiles(ctx context.Context, tenantID, projectID string) ([]FileRecord, error) {
	return s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM files
		 WHERE tenant_id = ? AND project_id = ? AND deleted_at IS NULL ORDER BY id`, tenantID, projectID)
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...interface{}) ([]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// DeleteFile soft-deletes a file, drops its embedding document and
// releases its charged storage from the tenant usage.
func (s *Store) DeleteFile(ctx context.Context, id string) (*FileRecord, error) {
	f, err := s.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	var charged bool
	if err := s.db.QueryRowContext(ctx, `SELECT storage_charged FROM files WHERE id = ?`, id).Scan(&charged); err != nil {
		return nil, fmt.Errorf("loading file %s: %w", id, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET deleted_at = ?, updated_at = ?, vector_indexed = 0 WHERE id = ?`, now, now, id); err != nil {
		return nil, fmt.Errorf("deleting file %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM embedding_documents WHERE file_id = ?`, id); err != nil {
		return nil, fmt.Errorf("deleting embeddings of %s: %w", id, err)
	}
	if charged {
		if err := addStorageTx(ctx, tx, f.TenantID, -f.SizeBytes, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return f, nil
}

func scanFile(sc interface{ Scan(...interface{}) error }) (*FileRecord, error) {
	var f FileRecord
	var status string
	if err := sc.Scan(&f.ID, &f.TenantID, &f.ProjectID, &f.StoragePath, &f.MimeType, &f.SizeBytes,
		&f.ContentHash, &status, &f.TextExtracted, &f.CharCount, &f.ChunkCount, &f.VectorIndexed,
		&f.CollectionName, &f.ErrorMessage, &f.RetryCount, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Status = FileStatus(status)
	return &f, nil
}

// ==================== Projects ====================

// SaveProject inserts or updates a project.
func (s *Store) SaveProject(ctx context.Context, p *Project) error {
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, tenant_id, name, chunk_size, chunk_overlap, vector_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			chunk_size = excluded.chunk_size,
			chunk_overlap = excluded.chunk_overlap,
			updated_at = excluded.updated_at,
			deleted_at = NULL`,
		p.ID, p.TenantID, p.Name, p.ChunkSize, p.ChunkOverlap, p.VectorCount, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving project: %w", err)
	}
	return nil
}

// GetProject returns a live project.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, chunk_size, chunk_overlap, vector_count, created_at, updated_at
		FROM projects WHERE id = ? AND deleted_at IS NULL`, id).
		Scan(&p.ID, &p.TenantID, &p.Name, &p.ChunkSize, &p.ChunkOverlap, &p.VectorCount, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting project: %w", err)
	}
	return &p, nil
}

// RecomputeProjectVectorCount sets the project's vector count to the sum of
// chunk counts of its completed live files and returns it.
func (s *Store) RecomputeProjectVectorCount(ctx context.Context, projectID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(chunk_count), 0) FROM files
		WHERE project_id = ? AND status = ? AND vector_indexed = 1 AND deleted_at IS NULL`,
		projectID, string(StatusCompleted)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("summing project vectors: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE projects SET vector_count = ?, updated_at = ? WHERE id = ?`, n, s.now(), projectID); err != nil {
		return 0, fmt.Errorf("updating project vector count: %w", err)
	}
	return n, nil
}

// DeleteProject soft-deletes a project and all its files and returns the
// deleted file ids.
func (s *Store) DeleteProject(ctx context.Context, tenantID, projectID string) ([]string, error) {
	files, err := s.ListProjectFiles(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := s.DeleteFile(ctx, f.ID); err != nil && !apperr.IsNotFound(err) {
			return ids, err
		}
		ids = append(ids, f.ID)
	}
	now := s.now()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE projects SET deleted_at = ?, updated_at = ?, vector_count = 0 WHERE id = ? AND tenant_id = ?`,
		now, now, projectID, tenantID); err != nil {
		return ids, fmt.Errorf("deleting project: %w", err)
	}
	return ids, nil
}

// ==================== Embedding documents ====================

// SaveEmbeddingDocument replaces the embedding document of a file.
func (s *Store) SaveEmbeddingDocument(ctx context.Context, doc *EmbeddingDocument) error {
	if len(doc.Vectors) != 0 && len(doc.Vectors) != len(doc.Chunks) {
		return fmt.Errorf("embedding document for %s: %d vectors for %d chunks", doc.FileID, len(doc.Vectors), len(doc.Chunks))
	}
	chunksJSON, err := json.Marshal(doc.Chunks)
	if err != nil {
		return fmt.Errorf("marshalling chunks: %w", err)
	}
	dim := 0
	if len(doc.Vectors) > 0 {
		dim = len(doc.Vectors[0])
	}
	blob, err := packVectors(doc.Vectors, dim)
	if err != nil {
		return err
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO embedding_documents (file_id, tenant_id, chunk_count, dimension, chunks, vectors, chunk_size, chunk_overlap, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			chunk_count = excluded.chunk_count,
			dimension = excluded.dimension,
			chunks = excluded.chunks,
			vectors = excluded.vectors,
			chunk_size = excluded.chunk_size,
			chunk_overlap = excluded.chunk_overlap,
			created_at = excluded.created_at`,
		doc.FileID, doc.TenantID, len(doc.Chunks), dim, string(chunksJSON), blob, doc.ChunkSize, doc.ChunkOverlap, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving embedding document: %w", err)
	}
	return nil
}

// GetEmbeddingDocument returns the embedding document of a file.
func (s *Store) GetEmbeddingDocument(ctx context.Context, fileID string) (*EmbeddingDocument, error) {
	var (
		doc        EmbeddingDocument
		chunksJSON string
		blob       []byte
		dim        int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT file_id, tenant_id, dimension, chunks, vectors, chunk_size, chunk_overlap, created_at
		FROM embedding_documents WHERE file_id = ?`, fileID).
		Scan(&doc.FileID, &doc.TenantID, &dim, &chunksJSON, &blob, &doc.ChunkSize, &doc.ChunkOverlap, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("embedding document", fileID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting embedding document: %w", err)
	}
	if err := json.Unmarshal([]byte(chunksJSON), &doc.Chunks); err != nil {
		return nil, fmt.Errorf("unmarshalling chunks: %w", err)
	}
	doc.Vectors = unpackVectors(blob, dim)
	return &doc, nil
}

// ChunkText returns the text of one chunk of a file.
func (s *Store) ChunkText(ctx context.Context, fileID string, chunkIndex int) (string, error) {
	if chunkIndex < 0 {
		return "", apperr.NotFound("chunk", fmt.Sprintf("%s/%d", fileID, chunkIndex))
	}
	var text sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT json_extract(chunks, '$[' || ? || ']') FROM embedding_documents WHERE file_id = ?`,
		chunkIndex, fileID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !text.Valid) {
		return "", apperr.NotFound("chunk", fmt.Sprintf("%s/%d", fileID, chunkIndex))
	}
	if err != nil {
		return "", fmt.Errorf("looking up chunk text: %w", err)
	}
	return text.String, nil
}

// packVectors concatenates little-endian float32 vectors of equal length.
func packVectors(vectors [][]float32, dim int) ([]byte, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	buf := make([]byte, 0, len(vectors)*dim*4)
	var tmp [4]byte
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d has %d dimensions, want %d", i, len(v), dim)
		}
		for _, f := range v {
			binary.LittleEndian.PutUint32(tmp[:], math.Float32bits(f))
			buf = append(buf, tmp[:]...)
		}
	}
	return buf, nil
}

func unpackVectors(data []byte, dim int) [][]float32 {
	if len(data) == 0 || dim <= 0 {
		return nil
	}
	n := len(data) / (dim * 4)
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			off := (i*dim + j) * 4
			v[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		}
		out[i] = v
	}
	return out
}

// ==================== Tenant usage ====================

// GetUsage returns a tenant's usage. Unknown tenants have zero usage and
// no quota.
func (s *Store) GetUsage(ctx context.Context, tenantID string) (TenantUsage, error) {
	u := TenantUsage{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx,
		`SELECT storage_used_bytes, storage_quota_bytes FROM tenant_usage WHERE tenant_id = ?`, tenantID).
		Scan(&u.StorageUsedBytes, &u.StorageQuotaBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return u, fmt.Errorf("getting usage: %w", err)
	}
	return u, nil
}

// SetQuota sets a tenant's storage quota in bytes. Zero removes the limit.
func (s *Store) SetQuota(ctx context.Context, tenantID string, quota int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_usage (tenant_id, storage_quota_bytes, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			storage_quota_bytes = excluded.storage_quota_bytes,
			updated_at = excluded.updated_at`,
		tenantID, quota, s.now())
	if err != nil {
		return fmt.Errorf("setting quota: %w", err)
	}
	return nil
}

// AddStorage adds delta bytes to a tenant's usage. Usage never drops below
// zero.
func (s *Store) AddStorage(ctx context.Context, tenantID string, delta int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := addStorageTx(ctx, tx, tenantID, delta, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

func addStorageTx(ctx context.Context, tx *sql.Tx, tenantID string, delta int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tenant_usage (tenant_id, storage_used_bytes, updated_at) VALUES (?, MAX(?, 0), ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			storage_used_bytes = MAX(storage_used_bytes + ?, 0),
			updated_at = excluded.updated_at`,
		tenantID, delta, now, delta)
	if err != nil {
		return fmt.Errorf("updating storage usage: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
