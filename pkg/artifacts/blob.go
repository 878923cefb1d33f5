// Package artifacts captures execution evidence for jobs: logs, API
// request/response snapshots, error payloads. Small payloads are stored
// inline on the artifact; large ones go to a blob store and the artifact
// keeps the handle. All captured text passes through redaction first.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// BlobStore is content-addressed storage for artifact payloads that exceed
// the inline cap. Put returns a "sha256:<hex>" handle.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, handle string) ([]byte, error)
	Delete(ctx context.Context, handle string) error
}

func blobHandle(data []byte) (handle, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return "sha256:" + raw, raw
}

func parseHandle(handle string) (string, error) {
	raw, ok := strings.CutPrefix(handle, "sha256:")
	if !ok {
		return "", fmt.Errorf("artifacts: invalid handle %q", handle)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("artifacts: invalid handle hex: %w", err)
	}
	return raw, nil
}

// MemoryBlobStore keeps blobs in process memory.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(_ context.Context, data []byte) (string, error) {
	handle, raw := blobHandle(data)
	s.mu.Lock()
	s.blobs[raw] = append([]byte(nil), data...)
	s.mu.Unlock()
	return handle, nil
}

func (s *MemoryBlobStore) Get(_ context.Context, handle string) ([]byte, error) {
	raw, err := parseHandle(handle)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[raw]
	if !ok {
		return nil, fmt.Errorf("artifacts: blob not found: %s", handle)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryBlobStore) Delete(_ context.Context, handle string) error {
	raw, err := parseHandle(handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blobs, raw)
	s.mu.Unlock()
	return nil
}

// FileBlobStore persists blobs under a base directory, one file per hash.
type FileBlobStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileBlobStore creates (if needed) the base directory.
func NewFileBlobStore(baseDir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure dir: %w", err)
	}
	return &FileBlobStore{baseDir: baseDir}, nil
}

func (s *FileBlobStore) Put(_ context.Context, data []byte) (string, error) {
	handle, raw := blobHandle(data)
	path := filepath.Join(s.baseDir, raw+".blob")

	s.mu.Lock()
	defer s.mu.Unlock()

	// Content-addressed writes are idempotent.
	if _, err := os.Stat(path); err == nil {
		return handle, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return handle, nil
}

func (s *FileBlobStore) Get(_ context.Context, handle string) ([]byte, error) {
	raw, err := parseHandle(handle)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, raw+".blob"))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("artifacts: blob not found: %s", handle)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: read blob: %w", err)
	}
	return data, nil
}

func (s *FileBlobStore) Delete(_ context.Context, handle string) error {
	raw, err := parseHandle(handle)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err = os.Remove(filepath.Join(s.baseDir, raw+".blob"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete blob: %w", err)
	}
	return nil
}
