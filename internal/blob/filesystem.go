package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const writeAttempts = 3

// FilesystemStore keeps blobs under <root>/<domain>/<versionHash>/<name>.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore ensures the blob root exists and is accessible.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

// Put writes one blob, retrying transient failures a bounded number of
// times before surfacing the error.
func (s *FilesystemStore) Put(ctx context.Context, domain, versionHash, storedName string, data []byte) error {
	path, err := s.keyPath(domain, versionHash, storedName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = os.WriteFile(path, data, 0o600); lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return fmt.Errorf("write blob after %d attempts: %w", writeAttempts, lastErr)
}

// Get reads one blob.
func (s *FilesystemStore) Get(ctx context.Context, domain, versionHash, storedName string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.keyPath(domain, versionHash, storedName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// keyPath builds the blob path and refuses anything that would escape the
// configured root.
func (s *FilesystemStore) keyPath(domain, versionHash, storedName string) (string, error) {
	path := filepath.Join(s.root, SanitizeName(domain), SanitizeName(versionHash), SanitizeName(storedName))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("blob key escapes storage root")
	}
	return path, nil
}
