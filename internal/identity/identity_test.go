package identity

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileHash(t *testing.T) {
	// sha256("hello")
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

	assert.Equal(t, want, FileHash([]byte("hello")))

	got, err := FileHashReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestChunkHash(t *testing.T) {
	assert.Equal(t, ChunkHash("a chunk"), ChunkHash("a chunk"))
	assert.NotEqual(t, ChunkHash("a chunk"), ChunkHash("a chunk "))
	assert.Len(t, ChunkHash(""), 64)
}

func TestPointID(t *testing.T) {
	h := ChunkHash("text")
	id := PointID("acme", "file-1", h, 0)

	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())

	assert.Equal(t, id, PointID("acme", "file-1", h, 0), "same inputs give the same id")

	tests := []struct {
		name               string
		tenant, file, hash string
		index              int
	}{
		{"other tenant", "acme2", "file-1", h, 0},
		{"other file", "acme", "file-2", h, 0},
		{"other content", "acme", "file-1", ChunkHash("other"), 0},
		{"other position", "acme", "file-1", h, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, id, PointID(tt.tenant, tt.file, tt.hash, tt.index))
		})
	}
}

func TestPointID_NoConcatenationCollision(t *testing.T) {
	assert.NotEqual(t,
		PointID("ab", "c", "h", 1),
		PointID("a", "bc", "h", 1),
	)
	assert.NotEqual(t,
		PointID("a", "b", "h1", 1),
		PointID("a", "b", "h", 11),
	)
}
