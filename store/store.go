// Package store implements the content-addressed, deduplicated,
// compressed blob store. Blobs are keyed by the SHA-256
// hash of their raw (uncompressed) bytes and laid out under
// content/<hh>/<full-hash>.zst, where <hh> is the first two hex
// characters of the hash (fan-out to bound directory size).
package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned by Get and CompressedSize when the hash has
// no blob.
var ErrNotFound = errors.New("store: blob not found")

// ErrCorruption is returned by Get when the recomputed hash does not
// match the requested key.
var ErrCorruption = errors.New("store: blob corrupted")

const blobExt = ".zst"

// Store is a content-addressed blob store rooted at a content/ directory.
type Store struct {
	mu    sync.Mutex
	root  string
	level int // 1..22, zstd speed/ratio dial
}

// Open creates (if needed) and returns a Store rooted at contentDir.
func Open(contentDir string) (*Store, error) {
	if err := os.MkdirAll(contentDir, 0o700); err != nil {
		return nil, fmt.Errorf("create content directory: %w", err)
	}
	return &Store{root: contentDir, level: 3}, nil
}

// SetCompressionLevel adjusts the compression level used by subsequent
// Put calls. Clamped to [1,22].
func (s *Store) SetCompressionLevel(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < 1 {
		level = 1
	}
	if level > 22 {
		level = 22
	}
	s.level = level
}

// Put hashes data, and if a blob for that hash is not already present,
// writes it (compressed) atomically via temp-file-then-rename. Returns
// the content hash either way.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if s.Has(hash) {
		return hash, nil
	}

	s.mu.Lock()
	level := s.level
	s.mu.Unlock()

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(levelToEncoderLevel(level)))
	if err != nil {
		return "", fmt.Errorf("store: create encoder: %w", err)
	}
	compressed := encoder.EncodeAll(data, nil)
	_ = encoder.Close()

	path := s.blobPath(hash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: create fan-out dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return "", fmt.Errorf("store: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("store: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("store: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("store: rename temp file: %w", err)
	}

	return hash, nil
}

// Get reads, decompresses, and re-hashes the blob for hash. Fails with
// ErrCorruption if the recomputed hash disagrees with the requested key.
func (s *Store) Get(hash string) ([]byte, error) {
	path := s.blobPath(hash)
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("store: read blob %s: %w", hash, err)
	}

	decoder, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, hash, err)
	}
	defer decoder.Close()

	data, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, hash, err)
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != hash {
		return nil, fmt.Errorf("%w: %s: recomputed hash %s", ErrCorruption, hash, actual)
	}

	return data, nil
}

// Has reports whether a blob for hash is present.
func (s *Store) Has(hash string) bool {
	_, err := os.Stat(s.blobPath(hash))
	return err == nil
}

// CompressedSize returns the on-disk (compressed) size of the blob for
// hash, used to attribute compressed bytes to the snapshots that
// reference them.
func (s *Store) CompressedSize(hash string) (int64, error) {
	info, err := os.Stat(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return 0, fmt.Errorf("store: stat blob %s: %w", hash, err)
	}
	return info.Size(), nil
}

// Delete removes the blob for hash. Idempotent: a missing blob is not
// an error.
func (s *Store) Delete(hash string) (bool, error) {
	err := os.Remove(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: delete blob %s: %w", hash, err)
	}
	return true, nil
}

// IterBlobs returns every content hash currently present on disk, used
// by the retention controller's orphan sweep. Writes still in progress
// (a .tmp file inside the fan-out dir) are skipped.
func (s *Store) IterBlobs() ([]string, error) {
	var hashes []string

	fanouts, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read content root: %w", err)
	}

	for _, fo := range fanouts {
		if !fo.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, fo.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("store: read fan-out dir %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if filepath.Ext(name) != blobExt {
				continue // skip .tmp siblings and anything else
			}
			hashes = append(hashes, name[:len(name)-len(blobExt)])
		}
	}

	return hashes, nil
}

// DiskUsageBytes sums the size of every regular file under the content
// root, used by the retention controller's disk-usage cap.
func (s *Store) DiskUsageBytes() (int64, error) {
	var total int64
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: compute disk usage: %w", err)
	}
	return total, nil
}

func (s *Store) blobPath(hash string) string {
	prefix := hash
	if len(prefix) > 2 {
		prefix = hash[:2]
	}
	return filepath.Join(s.root, prefix, hash+blobExt)
}

func levelToEncoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 6:
		return zstd.SpeedDefault
	case level <= 12:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}
