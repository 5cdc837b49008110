package blob

import (
	"context"
	"regexp"
)

// Store persists encrypted file blobs keyed by domain, version hash and
// sanitized filename. Implementations never see plaintext.
type Store interface {
	Put(ctx context.Context, domain, versionHash, storedName string, data []byte) error
	Get(ctx context.Context, domain, versionHash, storedName string) ([]byte, error)
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeName maps an arbitrary logical filename to a storage-safe key.
// The mapping is lossy, so callers must persist the logical name
// alongside the stored one rather than trying to invert this.
func SanitizeName(name string) string {
	sanitized := unsafeChars.ReplaceAllString(name, "_")
	switch sanitized {
	case "", ".", "..":
		return "_"
	}
	return sanitized
}
