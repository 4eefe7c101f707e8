package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aweris/resultcache/internal/compression"
)

const digestPrefix = "sha256:"

// BlobStore keeps large objects out of line, one file per content digest.
//
// Storage layout:
//
//	blobs/
//	  ab/cd123...  (framed, optionally zstd-compressed payload)
//
// Blobs are immutable. Rewriting a record with a different payload leaves the
// old blob behind until Pack sweeps it.
type BlobStore struct {
	dir        string
	cache      Cache
	compressor *compression.Compressor
}

func NewBlobStore(dir string, cacheSize int, compressionLevel int, compressionEnabled bool) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	cache, err := NewLRUCache(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob cache: %w", err)
	}

	compressor, err := compression.NewCompressor(compressionLevel, compressionEnabled)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	return &BlobStore{
		dir:        dir,
		cache:      cache,
		compressor: compressor,
	}, nil
}

// Digest returns the digest data would be stored under.
func Digest(data []byte) string {
	h := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(h[:])
}

// Put stores data and returns its digest.
func (s *BlobStore) Put(data []byte) (string, error) {
	digest := Digest(data)

	path := s.path(digest)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(s.compressor.Compress(data)); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	s.cache.Add(digest, data)
	return digest, nil
}

// Get returns the bytes stored under digest.
func (s *BlobStore) Get(digest string) ([]byte, error) {
	if data, ok := s.cache.Get(digest); ok {
		return data, nil
	}

	framed, err := os.ReadFile(s.path(digest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	data, err := s.compressor.Decompress(framed)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", digest, err)
	}

	s.cache.Add(digest, data)
	return data, nil
}

// Has reports whether a blob exists on disk.
func (s *BlobStore) Has(digest string) (bool, error) {
	_, err := os.Stat(s.path(digest))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Remove deletes a blob. Removing a missing blob is not an error.
func (s *BlobStore) Remove(digest string) error {
	s.cache.Remove(digest)
	if err := os.Remove(s.path(digest)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Walk calls fn for every blob on disk. Leftover temp files are skipped.
func (s *BlobStore) Walk(fn func(digest string, size int64) error) error {
	return filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		hash := strings.ReplaceAll(filepath.ToSlash(rel), "/", "")
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(digestPrefix+hash, info.Size())
	})
}

// Clear drops the in-memory cache.
func (s *BlobStore) Clear() {
	s.cache.Clear()
}

func (s *BlobStore) Close() error {
	s.cache.Clear()
	return s.compressor.Close()
}

// path returns the filesystem path for a digest.
// Git-style sharding: blobs/ab/cd123...
func (s *BlobStore) path(digest string) string {
	hash := strings.TrimPrefix(digest, digestPrefix)
	if len(hash) < 4 {
		return filepath.Join(s.dir, hash)
	}
	return filepath.Join(s.dir, hash[:2], hash[2:])
}
