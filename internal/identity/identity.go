// Package identity derives stable identifiers for files, chunks and vector
// points. Every function is pure.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// pointNamespace scopes point ids so they never collide with other
// name-based UUIDs.
var pointNamespace = uuid.MustParse("6f1c2a0e-8d5b-4f4e-9a57-3b9e2c7d4a10")

// FileHash returns the hex SHA-256 digest of a whole file.
func FileHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileHashReader hashes r without buffering it in memory.
func FileHashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChunkHash returns the hex SHA-256 digest of a chunk's text.
func ChunkHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// PointID derives the vector point id for a chunk. The inputs are joined
// with a separator that cannot appear in a hex digest or index so distinct
// tuples never concatenate to the same name. The result is a version 5 UUID,
// which the vector index accepts as a point id.
func PointID(tenantID, fileID, chunkHash string, chunkIndex int) string {
	name := strings.Join([]string{tenantID, fileID, chunkHash, strconv.Itoa(chunkIndex)}, "\x1f")
	return uuid.NewSHA1(pointNamespace, []byte(name)).String()
}
