// Package artifacts is the content-addressed blob store holding overlay module
// binaries. Manifests reference modules by "sha256:<hex>" digest and the
// runtime refuses to execute bytes that do not hash to that digest.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DigestPrefix is the only supported digest algorithm.
const DigestPrefix = "sha256:"

var (
	// ErrNotFound is returned when no blob exists for a digest.
	ErrNotFound = errors.New("artifact not found")
	// ErrDigestMismatch is returned when stored bytes do not match their digest.
	ErrDigestMismatch = errors.New("artifact digest mismatch")
)

// Store is a content-addressed store for module binaries.
type Store interface {
	// Put persists data and returns its digest.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by digest.
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// Digest returns the "sha256:<hex>" digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// ParseDigest validates a digest and returns its hex part.
func ParseDigest(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, DigestPrefix)
	if !ok {
		return "", fmt.Errorf("invalid digest format: %s", digest)
	}
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest length: %s", digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid digest hex: %w", err)
	}
	return raw, nil
}

// Fetch reads digest from store and checks the bytes against it.
func Fetch(ctx context.Context, store Store, digest string) ([]byte, error) {
	data, err := store.Get(ctx, digest)
	if err != nil {
		return nil, err
	}
	if got := Digest(data); got != digest {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, digest, got)
	}
	return data, nil
}

// FileStore keeps blobs as files under a directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // shared module directory
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".wasm")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	digest := Digest(data)
	raw := digest[len(DigestPrefix):]

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	// Write to temp, then rename
	tmp := path + ".tmp"
	//nolint:gosec // module blobs are not secret
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(raw)) //nolint:gosec // digest validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only
	return io.ReadAll(f)
}

func (s *FileStore) Exists(_ context.Context, digest string) (bool, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileStore) Delete(_ context.Context, digest string) error {
	raw, err := ParseDigest(digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// MemoryStore keeps blobs in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	digest := Digest(data)
	cp := make([]byte, len(data))
	copy(cp, data)
	s.mu.Lock()
	s.blobs[digest] = cp
	s.mu.Unlock()
	return digest, nil
}

func (s *MemoryStore) Get(_ context.Context, digest string) ([]byte, error) {
	if _, err := ParseDigest(digest); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (s *MemoryStore) Exists(_ context.Context, digest string) (bool, error) {
	if _, err := ParseDigest(digest); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[digest]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, digest)
	return nil
}
