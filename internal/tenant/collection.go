// Package tenant maps tenant identifiers to their vector index collection.
package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultPrefix is the collection prefix used when none is configured.
const DefaultPrefix = "docs"

// MaxCollectionName is the longest collection name produced.
const MaxCollectionName = 64

// Common errors.
var (
	ErrInvalidTenantID   = errors.New("invalid tenant ID")
	ErrInvalidPrefix     = errors.New("invalid collection prefix")
	ErrInvalidCollection = errors.New("invalid collection name")
)

var (
	collectionPattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
	prefixPattern     = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)
	unsafeChars       = regexp.MustCompile(`[^a-z0-9_]+`)
)

// Sanitize lowercases id and replaces every run of characters outside
// [a-z0-9_] with a single underscore.
func Sanitize(id string) string {
	s := unsafeChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(id)), "_")
	return strings.Trim(s, "_")
}

// CollectionName returns "<prefix>_<sanitized tenant id>". Names that would
// exceed MaxCollectionName are shortened and suffixed with a digest of the
// original tenant id so distinct tenants never share a collection.
func CollectionName(prefix, tenantID string) (string, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !prefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	s := Sanitize(tenantID)
	if s == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenantID, tenantID)
	}

	name := prefix + "_" + s
	if len(name) > MaxCollectionName || s != strings.ToLower(strings.TrimSpace(tenantID)) {
		// lossy sanitization could merge tenants; disambiguate with a digest
		sum := sha256.Sum256([]byte(tenantID))
		suffix := "_" + hex.EncodeToString(sum[:4])
		if len(name)+len(suffix) > MaxCollectionName {
			name = name[:MaxCollectionName-len(suffix)]
		}
		name += suffix
	}
	return name, nil
}

// ValidateCollectionName checks that name is a legal collection name.
func ValidateCollectionName(name string) error {
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}
