// Package artifacts stores tool bundles (compiled WASM programs) keyed by
// the tool's content address.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// ErrNotFound is returned when no bundle is stored under a content address.
var ErrNotFound = errors.New("artifacts: bundle not found")

var cidPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Store is a bundle store.
type Store interface {
	Put(ctx context.Context, cid string, data []byte) error
	Get(ctx context.Context, cid string) ([]byte, error)
	Exists(ctx context.Context, cid string) (bool, error)
	Delete(ctx context.Context, cid string) error
}

// objectName maps a content address to a storage key. Content addresses are
// opaque, so anything that could escape a directory or bucket prefix is refused.
func objectName(cid string) (string, error) {
	if !cidPattern.MatchString(cid) {
		return "", fmt.Errorf("artifacts: unusable content address %q", cid)
	}
	return cid + ".wasm", nil
}

// Digest is the hex SHA-256 of a bundle, logged on execution for audit.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileStore keeps bundles in a directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates baseDir if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure bundle dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(cid string) (string, error) {
	name, err := objectName(cid)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, name), nil
}

// Put writes atomically; an existing bundle is replaced.
func (s *FileStore) Put(_ context.Context, cid string, data []byte) error {
	path, err := s.path(cid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("artifacts: write bundle: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("artifacts: commit bundle: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, cid string) ([]byte, error) {
	path, err := s.path(cid)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cid)
	}
	if err != nil {
		return nil, fmt.Errorf("artifacts: read bundle: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, cid string) (bool, error) {
	path, err := s.path(cid)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("artifacts: stat bundle: %w", err)
}

func (s *FileStore) Delete(_ context.Context, cid string) error {
	path, err := s.path(cid)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("artifacts: delete bundle: %w", err)
	}
	return nil
}
