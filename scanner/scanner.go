// Package scanner walks a project tree and produces the relative-path
// to file-state mapping the Snapshot Engine diffs against. Ignore
// rules, size guards, a FIFO hash cache, and bounded parallel hashing
// are all evaluated per scan.
package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// defaultMaxFileSizeBytes is the default size guard.
const defaultMaxFileSizeBytes = 50 * 1024 * 1024

// defaultSlowScanWarning is the elapsed-time budget above which a scan
// logs a warning.
const defaultSlowScanWarning = 500 * time.Millisecond

// FileState is one path's recorded state at scan time.
type FileState struct {
	RelativePath string
	ContentHash  string
	SizeBytes    int64
	ModifiedTime time.Time
	Permissions  uint32
	Exists       bool
}

// Snapshot is the full result of one Scan call.
type Snapshot struct {
	Files map[string]FileState
}

// Stats reports per-scan observability data.
type Stats struct {
	FileCount  int
	TotalBytes int64
	Elapsed    time.Duration
}

// Options configures a Scanner.
type Options struct {
	MaxFileSizeBytes   int64
	ParallelProcessing bool
	PoolSize           int
	RespectGitignore   bool
	CacheCapacity      int
}

// Scanner walks one project root, applying ignore rules and hash
// caching across repeated calls.
type Scanner struct {
	root  string
	opts  Options
	cache *hashCache
	rules *ignoreRules
}

// New constructs a Scanner rooted at root.
func New(root string, opts Options) (*Scanner, error) {
	if opts.MaxFileSizeBytes <= 0 {
		opts.MaxFileSizeBytes = defaultMaxFileSizeBytes
	}

	rules, err := newIgnoreRules(root, opts.RespectGitignore)
	if err != nil {
		return nil, fmt.Errorf("scanner: compile ignore rules: %w", err)
	}

	return &Scanner{
		root:  root,
		opts:  opts,
		cache: newHashCache(opts.CacheCapacity),
		rules: rules,
	}, nil
}

// Scan walks the project tree and returns the current file-state map
// plus per-scan stats.
func (s *Scanner) Scan() (*Snapshot, Stats, error) {
	start := time.Now()

	type candidate struct {
		relPath string
		absPath string
		info    fs.FileInfo
	}
	var candidates []candidate
	var totalBytes int64

	err := filepath.Walk(s.root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if path == s.root {
			return nil
		}
		relPath, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		relPath = filepath.ToSlash(relPath)
		name := info.Name()

		if info.IsDir() {
			if s.rules.skipDir(relPath, name) {
				return filepath.SkipDir
			}
			return nil
		}

		if s.rules.skipFile(relPath, name) {
			return nil
		}
		if info.Size() > s.opts.MaxFileSizeBytes {
			fmt.Fprintf(os.Stderr, "rewind: scanner: skipping %s (%d bytes exceeds size guard)\n", relPath, info.Size())
			return nil
		}

		candidates = append(candidates, candidate{relPath: relPath, absPath: path, info: info})
		totalBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, Stats{}, fmt.Errorf("scanner: walk %s: %w", s.root, err)
	}

	files := make(map[string]FileState, len(candidates))

	toHash := make([]string, 0, len(candidates))
	cacheHitsAbs := make(map[string]hashCacheKey, len(candidates))
	for _, c := range candidates {
		key := hashCacheKey{path: c.relPath, modified: c.info.ModTime(), size: c.info.Size()}
		if hash, ok := s.cache.get(key); ok {
			files[c.relPath] = FileState{
				RelativePath: c.relPath,
				ContentHash:  hash,
				SizeBytes:    c.info.Size(),
				ModifiedTime: c.info.ModTime(),
				Permissions:  uint32(c.info.Mode().Perm()),
				Exists:       true,
			}
			continue
		}
		toHash = append(toHash, c.absPath)
		cacheHitsAbs[c.absPath] = key
	}

	hashFile := func(path string) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}

	var hashes map[string]string
	if s.opts.ParallelProcessing && len(toHash) > parallelThreshold {
		var errs []error
		hashes, errs = hashAllParallel(toHash, s.opts.PoolSize, hashFile)
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "rewind: scanner: hash error: %v\n", e)
		}
	} else {
		hashes = make(map[string]string, len(toHash))
		for _, path := range toHash {
			hash, err := hashFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "rewind: scanner: hash error for %s: %v\n", path, err)
				continue
			}
			hashes[path] = hash
		}
	}

	for _, c := range candidates {
		if _, already := files[c.relPath]; already {
			continue
		}
		hash, ok := hashes[c.absPath]
		if !ok {
			continue // hashing failed; already logged above
		}
		key := cacheHitsAbs[c.absPath]
		s.cache.put(key, hash)
		files[c.relPath] = FileState{
			RelativePath: c.relPath,
			ContentHash:  hash,
			SizeBytes:    c.info.Size(),
			ModifiedTime: c.info.ModTime(),
			Permissions:  uint32(c.info.Mode().Perm()),
			Exists:       true,
		}
	}

	elapsed := time.Since(start)
	if elapsed > defaultSlowScanWarning {
		fmt.Fprintf(os.Stderr, "rewind: scanner: scan of %s took %s (budget %s)\n", s.root, elapsed, defaultSlowScanWarning)
	}

	return &Snapshot{Files: files}, Stats{
		FileCount:  len(files),
		TotalBytes: totalBytes,
		Elapsed:    elapsed,
	}, nil
}
