package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"rewind/audit"
	"rewind/manifest"
	"rewind/metastore"
	"rewind/retention"
	"rewind/scanner"
	"rewind/store"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	root := t.TempDir()
	reserved := filepath.Join(root, ".claude-rewind")
	for _, dir := range []string{reserved, filepath.Join(reserved, "snapshots"), filepath.Join(reserved, "content")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("MkdirAll %s: %v", dir, err)
		}
	}

	content, err := store.Open(filepath.Join(reserved, "content"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	meta, err := metastore.Open(filepath.Join(reserved, "metadata.db"))
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	sc, err := scanner.New(root, scanner.Options{})
	if err != nil {
		t.Fatalf("scanner.New: %v", err)
	}

	logPath := filepath.Join(reserved, "events.jsonl")
	logger, err := audit.Open(logPath)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	ret := retention.New(meta, content, reserved, logger, retention.Options{})

	e, err := New(root, reserved, content, meta, sc, ret, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, root
}

func writeProjectFile(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestCreateSnapshotThenGet(t *testing.T) {
	e, root := newTestEngine(t)
	writeProjectFile(t, root, "main.go", "package main")

	id, err := e.CreateSnapshot(ActionContext{ActionType: "edit", Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	result, err := e.GetSnapshot(id)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if len(result.Files) != 1 {
		t.Fatalf("expected 1 file in manifest, got %d", len(result.Files))
	}
	fs, ok := result.Files["main.go"]
	if !ok || !fs.Exists {
		t.Fatalf("expected main.go present in manifest, got %+v", result.Files)
	}
	if result.Meta.ParentSnapshot != "" {
		t.Errorf("first snapshot should have no parent, got %q", result.Meta.ParentSnapshot)
	}
}

func TestCreateSnapshotIncrementalOnlyStoresChangedFile(t *testing.T) {
	e, root := newTestEngine(t)
	writeProjectFile(t, root, "a.go", "package a")
	writeProjectFile(t, root, "b.go", "package b")

	first, err := e.CreateSnapshot(ActionContext{Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("first CreateSnapshot: %v", err)
	}

	writeProjectFile(t, root, "a.go", "package a // changed")
	second, err := e.CreateSnapshot(ActionContext{Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("second CreateSnapshot: %v", err)
	}

	changes, err := e.meta.ListFileChanges(second)
	if err != nil {
		t.Fatalf("ListFileChanges: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected exactly 1 file change on the second snapshot, got %d: %+v", len(changes), changes)
	}
	if changes[0].Path != "a.go" || changes[0].ChangeKind != metastore.ChangeModified {
		t.Errorf("unexpected change record: %+v", changes[0])
	}

	secondMeta, err := e.GetSnapshot(second)
	if err != nil {
		t.Fatalf("GetSnapshot(second): %v", err)
	}
	if secondMeta.Meta.ParentSnapshot != first {
		t.Errorf("expected parent %s, got %s", first, secondMeta.Meta.ParentSnapshot)
	}
}

func TestDeleteSnapshotClearsLastSnapshotCache(t *testing.T) {
	e, root := newTestEngine(t)
	writeProjectFile(t, root, "main.go", "package main")

	id, err := e.CreateSnapshot(ActionContext{Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := e.DeleteSnapshot(id); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	if e.lastSnapshotID != "" {
		t.Errorf("expected last-snapshot cache cleared, got id %q", e.lastSnapshotID)
	}
	if _, err := e.GetSnapshot(id); err == nil {
		t.Error("expected GetSnapshot to fail after delete")
	}
}

func TestLoadContentFetchesLazily(t *testing.T) {
	e, root := newTestEngine(t)
	writeProjectFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	id, err := e.CreateSnapshot(ActionContext{Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	data, err := e.LoadContent(id, "main.go")
	if err != nil {
		t.Fatalf("LoadContent: %v", err)
	}
	if string(data) != "package main\n\nfunc main() {}\n" {
		t.Errorf("unexpected content: %q", data)
	}

	// Second call should hit the content cache rather than the store.
	data2, err := e.LoadContent(id, "main.go")
	if err != nil {
		t.Fatalf("LoadContent (cached): %v", err)
	}
	if string(data2) != string(data) {
		t.Errorf("cached content mismatch: %q vs %q", data2, data)
	}
}

func TestCheckIntegrityDetectsMissingBlob(t *testing.T) {
	e, root := newTestEngine(t)
	writeProjectFile(t, root, "main.go", "package main")

	id, err := e.CreateSnapshot(ActionContext{Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	report, err := e.CheckIntegrity(context.Background())
	if err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	if report.Checked != 1 || len(report.CorruptSnapshots) != 0 {
		t.Fatalf("expected clean report before corruption, got %+v", report)
	}

	result, err := e.GetSnapshot(id)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	hash := result.Files["main.go"].ContentHash
	blobPath := filepath.Join(e.reservedDir, "content", hash[:2], hash+".zst")
	if err := os.Remove(blobPath); err != nil {
		t.Fatalf("remove blob: %v", err)
	}

	report, err = e.CheckIntegrity(context.Background())
	if err != nil {
		t.Fatalf("CheckIntegrity after corruption: %v", err)
	}
	if len(report.CorruptSnapshots) != 1 || report.CorruptSnapshots[0] != id {
		t.Fatalf("expected %s reported corrupt, got %+v", id, report.CorruptSnapshots)
	}
}

func TestCreateSnapshotOfEmptyProject(t *testing.T) {
	e, _ := newTestEngine(t)

	id, err := e.CreateSnapshot(ActionContext{Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	result, err := e.GetSnapshot(id)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if len(result.Files) != 0 {
		t.Errorf("expected empty file-state map, got %+v", result.Files)
	}
	if result.Meta.TotalSize != 0 {
		t.Errorf("TotalSize = %d, want 0", result.Meta.TotalSize)
	}
}

func TestIdenticalContentAcrossSnapshotsSharesOneBlob(t *testing.T) {
	e, root := newTestEngine(t)
	writeProjectFile(t, root, "x.txt", "same\n")

	if _, err := e.CreateSnapshot(ActionContext{Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("first CreateSnapshot: %v", err)
	}
	writeProjectFile(t, root, "y.txt", "same\n")
	if _, err := e.CreateSnapshot(ActionContext{Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("second CreateSnapshot: %v", err)
	}

	hashes, err := e.content.IterBlobs()
	if err != nil {
		t.Fatalf("IterBlobs: %v", err)
	}
	if len(hashes) != 1 {
		t.Errorf("expected a single deduplicated blob, got %d", len(hashes))
	}
}

func TestManifestCompressedSizeCountsOnlyThisSnapshotsBlobs(t *testing.T) {
	e, root := newTestEngine(t)
	writeProjectFile(t, root, "a.txt", "first version of the file contents\n")

	if _, err := e.CreateSnapshot(ActionContext{Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("first CreateSnapshot: %v", err)
	}

	// The second snapshot references only the new blob; the superseded
	// one stays on disk until the orphan sweep.
	writeProjectFile(t, root, "a.txt", "second version, rewritten top to bottom\n")
	second, err := e.CreateSnapshot(ActionContext{Timestamp: time.Now().UTC()})
	if err != nil {
		t.Fatalf("second CreateSnapshot: %v", err)
	}

	result, err := e.GetSnapshot(second)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	newHash := result.Files["a.txt"].ContentHash
	blobSize, err := e.content.CompressedSize(newHash)
	if err != nil {
		t.Fatalf("CompressedSize: %v", err)
	}

	m, err := manifest.Read(filepath.Join(e.snapshotsDir, second))
	if err != nil {
		t.Fatalf("manifest.Read: %v", err)
	}
	if m.CompressedSize != blobSize {
		t.Errorf("CompressedSize = %d, want the referenced blob's size %d", m.CompressedSize, blobSize)
	}

	usage, err := e.content.DiskUsageBytes()
	if err != nil {
		t.Fatalf("DiskUsageBytes: %v", err)
	}
	if m.CompressedSize >= usage {
		t.Errorf("CompressedSize %d should exclude the superseded blob (store total %d)", m.CompressedSize, usage)
	}

	if got, want := result.Meta.CompressionRatio, m.CompressionRatio(); got != want {
		t.Errorf("CompressionRatio = %v, want %v", got, want)
	}
}
