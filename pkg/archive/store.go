// Package archive drains closed months of receipts into JSONL segments
// on object storage. Receipts carry hashes rather than bodies, so
// segments are safe to retain indefinitely.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ObjectStore is the upload seam for archive segments.
type ObjectStore interface {
	// Put uploads data under key. A key that already holds an object is
	// left alone, so repeating a Put is a no-op.
	Put(ctx context.Context, key string, data []byte) error
	// Exists reports whether key already holds an object.
	Exists(ctx context.Context, key string) (bool, error)
}

// FileStore is a filesystem ObjectStore for single-node deployments and
// tests.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *FileStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("archive: ensure dir: %w", err)
	}

	// Write-then-rename so readers never see a partial segment.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("archive: write segment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("archive: finalize segment: %w", err)
	}
	return nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
