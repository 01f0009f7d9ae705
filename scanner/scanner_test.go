package scanner

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestScanReturnsRegularFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main")
	writeFile(t, root, "sub/util.go", "package sub")

	s, err := New(root, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap, stats, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(snap.Files) != 2 {
		t.Fatalf("expected 2 files, got %d: %+v", len(snap.Files), snap.Files)
	}
	if stats.FileCount != 2 {
		t.Errorf("stats.FileCount = %d, want 2", stats.FileCount)
	}
	if snap.Files["main.go"].ContentHash == "" {
		t.Error("expected main.go to have a content hash")
	}
}

func TestScanSkipsReservedAndBuiltinDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".claude-rewind/metadata.db", "binary")
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, root, "node_modules/pkg/index.js", "module.exports = {}")
	writeFile(t, root, "real.go", "package main")

	s, err := New(root, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap, _, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(snap.Files) != 1 {
		t.Fatalf("expected only real.go, got %+v", snap.Files)
	}
	if _, ok := snap.Files["real.go"]; !ok {
		t.Error("expected real.go to be scanned")
	}
}

func TestScanSkipsIgnoredSuffixesAndDotfiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "compiled.pyc", "bytes")
	writeFile(t, root, "debug.log", "log line")
	writeFile(t, root, ".hidden", "secret")
	writeFile(t, root, "keep.go", "package main")

	s, err := New(root, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap, _, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(snap.Files) != 1 {
		t.Fatalf("expected only keep.go, got %+v", snap.Files)
	}
}

func TestScanRespectsGitignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "*.secret\nvendor/\n")
	writeFile(t, root, "config.secret", "hush")
	writeFile(t, root, "vendor/dep.go", "package vendor")
	writeFile(t, root, "main.go", "package main")

	s, err := New(root, Options{RespectGitignore: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap, _, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(snap.Files) != 1 {
		t.Fatalf("expected only main.go, got %+v", snap.Files)
	}
}

func TestScanSkipsFilesOverSizeGuard(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "small.txt", "tiny")

	s, err := New(root, Options{MaxFileSizeBytes: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap, _, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(snap.Files) != 0 {
		t.Fatalf("expected small.txt to be skipped by the size guard, got %+v", snap.Files)
	}
}

func TestScanUsesHashCacheOnSecondCall(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "cached.go", "package main")

	s, err := New(root, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := s.Scan(); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	if s.cache.len() != 1 {
		t.Fatalf("expected 1 cache entry after first scan, got %d", s.cache.len())
	}

	snap, _, err := s.Scan()
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if snap.Files["cached.go"].ContentHash == "" {
		t.Error("expected cache hit to still populate content hash")
	}
}

func TestScanParallelMatchesSequentialHashes(t *testing.T) {
	root := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, root, filepath.Join("pkg", "file_"+string(rune('a'+i))+".go"), "package pkg")
	}

	seq, err := New(root, Options{ParallelProcessing: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seqSnap, _, err := seq.Scan()
	if err != nil {
		t.Fatalf("sequential Scan: %v", err)
	}

	par, err := New(root, Options{ParallelProcessing: true, PoolSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	parSnap, _, err := par.Scan()
	if err != nil {
		t.Fatalf("parallel Scan: %v", err)
	}

	if len(seqSnap.Files) != len(parSnap.Files) {
		t.Fatalf("file count mismatch: sequential=%d parallel=%d", len(seqSnap.Files), len(parSnap.Files))
	}
	for path, seqState := range seqSnap.Files {
		parState, ok := parSnap.Files[path]
		if !ok {
			t.Errorf("parallel scan missing %s", path)
			continue
		}
		if seqState.ContentHash != parState.ContentHash {
			t.Errorf("%s: hash mismatch sequential=%s parallel=%s", path, seqState.ContentHash, parState.ContentHash)
		}
	}
}
