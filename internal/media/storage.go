package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Storage is the archival backend's interface: put content-addressed
// bytes, check/read them back, resolve a key to a servable URL. A real
// deployment can swap in an S3-compatible client behind this without
// touching the processor. PutBytes must not leave a partial blob under
// key if interrupted mid-write.
type Storage interface {
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetBytes(ctx context.Context, key string) ([]byte, error)
	URLFor(key string) string
}

// LocalStorage is a filesystem-backed Storage implementation, sufficient
// for a single-instance deployment.
type LocalStorage struct {
	rootDir string
	baseURL string
}

// NewLocalStorage roots archived media under rootDir, serving it from
// baseURL (e.g. a reverse proxy's /media/ prefix).
func NewLocalStorage(rootDir, baseURL string) *LocalStorage {
	return &LocalStorage{rootDir: rootDir, baseURL: baseURL}
}

// PutBytes writes data under key atomically: it writes to a temp file in
// the same directory, fsyncs it, then renames it over the final path, so
// a crash mid-write never leaves a partial blob visible under key.
func (l *LocalStorage) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	path := filepath.Join(l.rootDir, filepath.FromSlash(key))
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create media dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp media file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp media file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp media file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename media file into place: %w", err)
	}
	return nil
}

// Exists reports whether key has already been stored, so callers can skip
// a redundant PutBytes for content-addressed data that never changes.
func (l *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	path := filepath.Join(l.rootDir, filepath.FromSlash(key))
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat media file: %w", err)
}

// GetBytes reads back a previously stored blob.
func (l *LocalStorage) GetBytes(ctx context.Context, key string) ([]byte, error) {
	path := filepath.Join(l.rootDir, filepath.FromSlash(key))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read media file: %w", err)
	}
	return data, nil
}

func (l *LocalStorage) URLFor(key string) string {
	return l.baseURL + "/" + key
}

// ContentAddressedKey builds a sharded sha256-addressed storage key:
// blobs/sha256/<first 2 hex chars>/<next 2 hex chars>/<full hash>.<ext>.
// Sharding keeps any one directory from accumulating too many entries.
func ContentAddressedKey(data []byte, ext string) (key, sha256Hex string) {
	sum := sha256.Sum256(data)
	sha256Hex = hex.EncodeToString(sum[:])
	key = fmt.Sprintf("blobs/sha256/%s/%s/%s.%s", sha256Hex[:2], sha256Hex[2:4], sha256Hex, ext)
	return key, sha256Hex
}
