package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "content"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := []byte("hello, rewind\n")
	hash, err := s.Put(want)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Get returned %q, want %q", got, want)
	}
}

func TestPutDedupesIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "content"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := []byte("same bytes")
	h1, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	h2, err := s.Put(data)
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical hashes, got %s and %s", h1, h2)
	}

	hashes, err := s.IterBlobs()
	if err != nil {
		t.Fatalf("IterBlobs: %v", err)
	}
	if len(hashes) != 1 {
		t.Errorf("expected exactly 1 blob on disk, got %d", len(hashes))
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "content"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.Get("0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected error for missing blob")
	}
}

func TestGetCorruptedBlobFailsVerification(t *testing.T) {
	dir := t.TempDir()
	contentDir := filepath.Join(dir, "content")
	s, err := Open(contentDir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	hash, err := s.Put([]byte("original content"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Flip a byte in the on-disk blob.
	path := s.blobPath(hash)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := s.Get(hash); err == nil {
		t.Fatal("expected corruption error after bit flip")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "content"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	hash, err := s.Put([]byte("to be deleted"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	deleted, err := s.Delete(hash)
	if err != nil || !deleted {
		t.Fatalf("Delete: deleted=%v err=%v", deleted, err)
	}
	if s.Has(hash) {
		t.Error("expected blob to be gone")
	}

	deleted, err = s.Delete(hash)
	if err != nil || deleted {
		t.Fatalf("second Delete should be a no-op: deleted=%v err=%v", deleted, err)
	}
}

func TestDiskUsageBytesSumsFanoutFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "content"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := s.Put([]byte("abc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	usage, err := s.DiskUsageBytes()
	if err != nil {
		t.Fatalf("DiskUsageBytes: %v", err)
	}
	if usage <= 0 {
		t.Errorf("expected positive disk usage, got %d", usage)
	}
}

func TestCompressedSizeReportsBlobFileSize(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "content"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	hash, err := s.Put([]byte("some stored content"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	size, err := s.CompressedSize(hash)
	if err != nil {
		t.Fatalf("CompressedSize: %v", err)
	}
	info, err := os.Stat(s.blobPath(hash))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if size != info.Size() {
		t.Errorf("CompressedSize = %d, want on-disk size %d", size, info.Size())
	}

	if _, err := s.CompressedSize("0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Error("expected error for missing blob")
	}
}
