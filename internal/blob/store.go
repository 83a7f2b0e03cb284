// Package blob stores large message bodies on disk, addressed by content
// hash. The messages table keeps only a preview and the blob ref, which
// keeps the SQLite rows small and lets identical payloads share storage.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store writes and reads content-addressed blobs under a root directory.
// Blobs are sharded by the first two hex characters of their SHA-256,
// mirroring git's object layout.
type Store struct {
	root string
}

// NewStore creates the root directory if needed and returns a Store.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put writes data and returns its ref (the hex SHA-256 digest). Writing
// the same content twice is a no-op.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])

	path := s.pathFor(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob shard: %w", err)
	}

	// Write to a temp file and rename so readers never see partial content.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store blob: %w", err)
	}
	return ref, nil
}

// Get reads the blob for ref.
func (s *Store) Get(ref string) ([]byte, error) {
	if len(ref) < 3 {
		return nil, fmt.Errorf("invalid blob ref %q", ref)
	}
	data, err := os.ReadFile(s.pathFor(ref))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

// Has reports whether a blob exists for ref.
func (s *Store) Has(ref string) bool {
	if len(ref) < 3 {
		return false
	}
	_, err := os.Stat(s.pathFor(ref))
	return err == nil
}

func (s *Store) pathFor(ref string) string {
	return filepath.Join(s.root, ref[:2], ref[2:])
}
