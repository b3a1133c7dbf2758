package metadata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "data", "metadata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func createTestFile(t *testing.T, store *Store, id, hash string) *FileRecord {
	t.Helper()
	f := &FileRecord{
		ID:          id,
		TenantID:    "acme",
		ProjectID:   "p1",
		StoragePath: "/tmp/" + id,
		MimeType:    "text/plain",
		SizeBytes:   1024,
		ContentHash: hash,
	}
	require.NoError(t, store.CreateFile(context.Background(), f))
	return f
}

func TestOpen_MigratesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.db")

	first, err := Open(path)
	require.NoError(t, err)
	var version int
	require.NoError(t, first.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 2, version)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()
	var count int
	require.NoError(t, second.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
	assert.Equal(t, 2, count)
	assert.NoError(t, second.Ping(context.Background()))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestCreateFile_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestFile(t, store, "f1", "hash-a")

	err := store.CreateFile(ctx, &FileRecord{ID: "f2", TenantID: "acme", ContentHash: "hash-a"})
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Contains(t, err.Error(), apperr.ReasonDuplicate)

	require.NoError(t, store.CreateFile(ctx, &FileRecord{ID: "f3", TenantID: "other", ContentHash: "hash-a"}),
		"hash uniqueness is per tenant")

	_, err = store.DeleteFile(ctx, "f1")
	require.NoError(t, err)
	require.NoError(t, store.CreateFile(ctx, &FileRecord{ID: "f4", TenantID: "acme", ContentHash: "hash-a"}),
		"deleted records do not block re-upload")
}

func TestFileLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestFile(t, store, "f1", "h1")

	got, err := store.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, StatusUploaded, got.Status)
	assert.Equal(t, int64(1024), got.SizeBytes)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, store.MarkProcessing(ctx, "f1"))
	require.NoError(t, store.UpdateExtraction(ctx, "f1", 5000, 7))
	require.NoError(t, store.MarkFailed(ctx, "f1", "provider: embed batch 1: timeout"))

	got, err = store.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.TextExtracted)
	assert.Equal(t, 5000, got.CharCount)
	assert.Contains(t, got.ErrorMessage, "timeout")

	require.NoError(t, store.MarkProcessing(ctx, "f1"))
	require.NoError(t, store.MarkCompleted(ctx, "f1", "docs_acme", 7))

	got, err = store.GetFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.True(t, got.VectorIndexed)
	assert.Equal(t, "docs_acme", got.CollectionName)
	assert.Equal(t, 7, got.ChunkCount)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, 1, got.RetryCount)

	byHash, err := store.FindFileByHash(ctx, "acme", "h1")
	require.NoError(t, err)
	assert.Equal(t, "f1", byHash.ID)
}

func TestGetFile_NotFound(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetFile(ctx, "missing")
	assert.True(t, apperr.IsNotFound(err))

	assert.True(t, apperr.IsNotFound(store.MarkProcessing(ctx, "missing")))

	_, err = store.FindFileByHash(ctx, "acme", "nope")
	assert.True(t, apperr.IsNotFound(err))
}

func TestListFiles(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"f3", "f1", "f2", "f4"} {
		createTestFile(t, store, id, "hash-"+id)
	}
	require.NoError(t, store.MarkCompleted(ctx, "f1", "docs_acme", 2))
	require.NoError(t, store.MarkProcessing(ctx, "f3"))
	_, err := store.DeleteFile(ctx, "f4")
	require.NoError(t, err)

	files, err := store.ListFiles(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "f1", files[0].ID)
	assert.True(t, files[0].VectorIndexed)
	assert.Equal(t, "f2", files[1].ID)
	assert.Equal(t, StatusProcessing, files[2].Status)

	files, err = store.ListFiles(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestProjects(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetProject(ctx, "p1")
	assert.True(t, apperr.IsNotFound(err))

	require.NoError(t, store.SaveProject(ctx, &Project{ID: "p1", TenantID: "acme", Name: "Handbook", ChunkSize: 500}))
	p, err := store.GetProject(ctx, "p1")
	require.NoError(t, err)
	size, overlap := p.ChunkParams()
	assert.Equal(t, 500, size)
	assert.Equal(t, DefaultChunkOverlap, overlap)

	createTestFile(t, store, "f1", "h1")
	createTestFile(t, store, "f2", "h2")
	require.NoError(t, store.MarkCompleted(ctx, "f1", "docs_acme", 10))
	require.NoError(t, store.MarkCompleted(ctx, "f2", "docs_acme", 5))

	n, err := store.RecomputeProjectVectorCount(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	p, err = store.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 15, p.VectorCount)

	ids, err := store.DeleteProject(ctx, "acme", "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids)
	_, err = store.GetProject(ctx, "p1")
	assert.True(t, apperr.IsNotFound(err))
}

func TestChunkParams_Defaults(t *testing.T) {
	var nilProject *Project
	size, overlap := nilProject.ChunkParams()
	assert.Equal(t, 1000, size)
	assert.Equal(t, 200, overlap)

	size, overlap = (&Project{}).ChunkParams()
	assert.Equal(t, 1000, size)
	assert.Equal(t, 200, overlap)
}

func TestEmbeddingDocument(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestFile(t, store, "f1", "h1")

	doc := &EmbeddingDocument{
		FileID:       "f1",
		TenantID:     "acme",
		Chunks:       []string{"first chunk", "second chunk", "ünïcödé chunk"},
		Vectors:      [][]float32{{0.1, 0.2}, {0.3, 0.4}, {-1, 1}},
		ChunkSize:    100,
		ChunkOverlap: 20,
	}
	require.NoError(t, store.SaveEmbeddingDocument(ctx, doc))

	got, err := store.GetEmbeddingDocument(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, doc.Chunks, got.Chunks)
	assert.Equal(t, doc.Vectors, got.Vectors)
	assert.Equal(t, 100, got.ChunkSize)
	assert.Equal(t, 20, got.ChunkOverlap)

	text, err := store.ChunkText(ctx, "f1", 2)
	require.NoError(t, err)
	assert.Equal(t, "ünïcödé chunk", text)

	_, err = store.ChunkText(ctx, "f1", 3)
	assert.True(t, apperr.IsNotFound(err))
	_, err = store.ChunkText(ctx, "f9", 0)
	assert.True(t, apperr.IsNotFound(err))

	// re-index replaces wholesale
	require.NoError(t, store.SaveEmbeddingDocument(ctx, &EmbeddingDocument{
		FileID: "f1", TenantID: "acme", Chunks: []string{"only"}, Vectors: [][]float32{{1, 1}},
	}))
	got, err = store.GetEmbeddingDocument(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, got.Chunks)
	assert.Zero(t, got.ChunkSize, "unknown parameters read back as zero")
	_, err = store.ChunkText(ctx, "f1", 1)
	assert.True(t, apperr.IsNotFound(err))
}

func TestEmbeddingDocument_Validation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestFile(t, store, "f1", "h1")

	err := store.SaveEmbeddingDocument(ctx, &EmbeddingDocument{FileID: "f1", Chunks: []string{"a", "b"}, Vectors: [][]float32{{1}}})
	assert.Error(t, err)

	err = store.SaveEmbeddingDocument(ctx, &EmbeddingDocument{FileID: "f1", Chunks: []string{"a", "b"}, Vectors: [][]float32{{1}, {1, 2}}})
	assert.Error(t, err)
}

func TestUsage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	u, err := store.GetUsage(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, u.Allows(1<<40), "no quota means unlimited")

	require.NoError(t, store.SetQuota(ctx, "acme", 2048))
	require.NoError(t, store.AddStorage(ctx, "acme", 1500))

	u, err = store.GetUsage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), u.StorageUsedBytes)
	assert.Equal(t, int64(2048), u.StorageQuotaBytes)
	assert.True(t, u.Allows(548))
	assert.False(t, u.Allows(549))

	require.NoError(t, store.AddStorage(ctx, "acme", -5000))
	u, err = store.GetUsage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.StorageUsedBytes, "usage never negative")
}

func TestMarkCompleted_ChargesStorageOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestFile(t, store, "f1", "h1")

	require.NoError(t, store.MarkCompleted(ctx, "f1", "docs_acme", 3))
	require.NoError(t, store.MarkProcessing(ctx, "f1"))
	require.NoError(t, store.MarkCompleted(ctx, "f1", "docs_acme", 3))

	u, err := store.GetUsage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), u.StorageUsedBytes, "re-index does not charge twice")

	assert.True(t, apperr.IsNotFound(store.MarkCompleted(ctx, "missing", "docs_acme", 1)))
}

func TestDeleteFile_ReleasesStorage(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestFile(t, store, "f1", "h1")
	createTestFile(t, store, "f2", "h2")
	require.NoError(t, store.AddStorage(ctx, "acme", 3072))
	require.NoError(t, store.MarkCompleted(ctx, "f1", "docs_acme", 1))
	require.NoError(t, store.SaveEmbeddingDocument(ctx, &EmbeddingDocument{FileID: "f1", TenantID: "acme", Chunks: []string{"x"}}))

	f, err := store.DeleteFile(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", f.ID)

	u, err := store.GetUsage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(3072), u.StorageUsedBytes)

	_, err = store.DeleteFile(ctx, "f2")
	require.NoError(t, err)
	u, err = store.GetUsage(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(3072), u.StorageUsedBytes, "never-completed files were never charged")

	_, err = store.GetEmbeddingDocument(ctx, "f1")
	assert.True(t, apperr.IsNotFound(err))
	_, err = store.GetFile(ctx, "f1")
	assert.True(t, apperr.IsNotFound(err))
}
