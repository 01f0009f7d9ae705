// Package snapshot orchestrates the Scanner, Content Store, Metadata
// Store, and Retention Controller into the Snapshot Engine: scan, diff
// against the last-snapshot cache, upload blobs, write the manifest,
// index, retain.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rewind/audit"
	"rewind/manifest"
	"rewind/metastore"
	"rewind/retention"
	"rewind/scanner"
	"rewind/store"
)

// ActionContext describes the triggering event for a snapshot.
type ActionContext struct {
	ActionType    string
	Timestamp     time.Time
	PromptContext string
	AffectedFiles []string
	ToolName      string
	SessionID     string
}

// Result bundles a snapshot's metadata with its reconstructed file
// states, the shape get_snapshot returns.
type Result struct {
	Meta  metastore.SnapshotMeta
	Files map[string]manifest.FileState
}

// IntegrityReport lists snapshots with at least one missing or corrupt
// blob.
type IntegrityReport struct {
	Checked           int
	CorruptSnapshots  []string
	MissingBlobHashes map[string][]string // snapshot id -> missing/corrupt hashes
}

// Engine wires together the components that make up a project's
// snapshot lifecycle.
type Engine struct {
	root         string
	reservedDir  string
	snapshotsDir string

	content   *store.Store
	meta      *metastore.Store
	scan      *scanner.Scanner
	retention *retention.Controller
	logger    *audit.Logger

	mu                sync.Mutex
	lastSnapshotID    string
	lastSnapshotCache map[string]scanner.FileState

	contentCache *contentCache

	// slowCreateWarning is the soft deadline past which CreateSnapshot
	// logs an advisory warning; it never aborts the operation.
	slowCreateWarning time.Duration
}

// defaultSlowCreateWarning is used when no timeout is configured.
const defaultSlowCreateWarning = time.Second

// SetSlowCreateWarning overrides the soft deadline CreateSnapshot warns
// past. A non-positive duration restores the default.
func (e *Engine) SetSlowCreateWarning(d time.Duration) {
	if d <= 0 {
		d = defaultSlowCreateWarning
	}
	e.slowCreateWarning = d
}

// New constructs an Engine for a project rooted at root, using the
// reserved directory reservedDir for on-disk state.
func New(root, reservedDir string, content *store.Store, meta *metastore.Store, sc *scanner.Scanner, ret *retention.Controller, logger *audit.Logger) (*Engine, error) {
	cc, err := newContentCache(0, 64*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("snapshot: create content cache: %w", err)
	}

	e := &Engine{
		root:         root,
		reservedDir:  reservedDir,
		snapshotsDir: filepath.Join(reservedDir, "snapshots"),
		content:      content,
		meta:         meta,
		scan:         sc,
		retention:    ret,
		logger:       logger,
		contentCache: cc,
	}
	e.slowCreateWarning = defaultSlowCreateWarning

	if err := e.restoreLastSnapshotCache(); err != nil {
		return nil, err
	}
	return e, nil
}

// restoreLastSnapshotCache loads the most recent snapshot's manifest
// (if any) into the in-memory last-snapshot cache, so incremental scans
// work correctly across process restarts.
func (e *Engine) restoreLastSnapshotCache() error {
	list, err := e.meta.ListSnapshots(metastore.Filters{})
	if err != nil {
		return fmt.Errorf("snapshot: restore last-snapshot cache: %w", err)
	}
	if len(list) == 0 {
		return nil
	}
	latest := list[0]
	m, err := manifest.Read(filepath.Join(e.snapshotsDir, latest.ID))
	if err != nil {
		// A missing/corrupt manifest for the latest snapshot should not
		// block startup; treat as a fresh baseline.
		fmt.Fprintf(os.Stderr, "rewind: snapshot: could not restore last-snapshot cache from %s: %v\n", latest.ID, err)
		return nil
	}

	cache := make(map[string]scanner.FileState, len(m.Files))
	for path, fs := range m.Files {
		cache[path] = scanner.FileState{
			RelativePath: fs.RelativePath,
			ContentHash:  fs.ContentHash,
			SizeBytes:    fs.SizeBytes,
			ModifiedTime: fs.ModifiedTime,
			Permissions:  fs.Permissions,
			Exists:       fs.Exists,
		}
	}
	e.lastSnapshotID = latest.ID
	e.lastSnapshotCache = cache
	return nil
}

// CreateSnapshot runs the full create_snapshot algorithm.
func (e *Engine) CreateSnapshot(actx ActionContext) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed > e.slowCreateWarning {
			fmt.Fprintf(os.Stderr, "rewind: snapshot: create_snapshot took %s (soft deadline %s)\n", elapsed, e.slowCreateWarning)
		}
	}()

	id, err := generateID()
	if err != nil {
		return "", err
	}

	current, _, err := e.scan.Scan()
	if err != nil {
		return "", fmt.Errorf("snapshot: SnapshotCreate: scan failed: %w", err)
	}

	changes := diffAgainstCache(current.Files, e.lastSnapshotCache)

	snapDir := filepath.Join(e.snapshotsDir, id)
	m, err := e.uploadAndBuildManifest(id, current, changes)
	if err != nil {
		return "", fmt.Errorf("snapshot: SnapshotCreate: %w", err)
	}

	if err := manifest.Write(snapDir, m); err != nil {
		os.RemoveAll(snapDir)
		return "", fmt.Errorf("snapshot: SnapshotCreate: write manifest: %w", err)
	}

	parent := e.lastSnapshotID
	meta := metastore.SnapshotMeta{
		ID:               id,
		Timestamp:        actx.Timestamp,
		ActionType:       actx.ActionType,
		PromptContext:    actx.PromptContext,
		FilesAffected:    affectedPaths(changes),
		TotalSize:        m.TotalSize,
		CompressionRatio: m.CompressionRatio(),
		ParentSnapshot:   parent,
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}

	if err := e.meta.CreateSnapshot(meta, changes); err != nil {
		os.RemoveAll(snapDir)
		return "", fmt.Errorf("snapshot: SnapshotCreate: index snapshot: %w", err)
	}

	e.lastSnapshotCache = current.Files
	e.lastSnapshotID = id

	if e.logger != nil {
		_ = e.logger.Log(audit.Event{
			Type:       audit.EventSnapshotCreated,
			SnapshotID: id,
			Details:    map[string]any{"files_affected": len(meta.FilesAffected)},
		})
	}

	if e.retention != nil {
		if _, err := e.retention.Sweep(); err != nil {
			fmt.Fprintf(os.Stderr, "rewind: snapshot: post-create retention sweep failed: %v\n", err)
		} else if _, err := e.meta.GetSnapshot(e.lastSnapshotID); errors.Is(err, metastore.ErrNotFound) {
			e.lastSnapshotID = ""
			e.lastSnapshotCache = nil
		}
	}

	return id, nil
}

// uploadAndBuildManifest uploads each added/modified file's bytes to
// the Content Store and assembles the in-memory manifest document. It
// does not write the manifest to disk.
func (e *Engine) uploadAndBuildManifest(id string, current *scanner.Snapshot, changes []metastore.FileChange) (manifest.Manifest, error) {
	for _, c := range changes {
		if c.ChangeKind == metastore.ChangeDeleted {
			continue
		}
		absPath := filepath.Join(e.root, c.Path)
		data, err := os.ReadFile(absPath)
		if err != nil {
			return manifest.Manifest{}, fmt.Errorf("read %s: %w", c.Path, err)
		}
		if _, err := e.content.Put(data); err != nil {
			return manifest.Manifest{}, fmt.Errorf("store %s: %w", c.Path, err)
		}
	}

	files := make(map[string]manifest.FileState, len(current.Files))
	var totalSize, compressedSize int64

	for path, fs := range current.Files {
		state := manifest.FileState{
			RelativePath: path,
			ContentHash:  fs.ContentHash,
			SizeBytes:    fs.SizeBytes,
			ModifiedTime: fs.ModifiedTime,
			Permissions:  fs.Permissions,
			Exists:       true,
		}
		files[path] = state
		totalSize += fs.SizeBytes

		// Compressed bytes are attributed per file in this snapshot's
		// file set, not from whole-store disk usage; unchanged files
		// count their already-stored blob.
		if sz, err := e.content.CompressedSize(fs.ContentHash); err == nil {
			compressedSize += sz
		}
	}

	for _, c := range changes {
		if c.ChangeKind == metastore.ChangeDeleted {
			files[c.Path] = manifest.FileState{RelativePath: c.Path, Exists: false}
		}
	}

	return manifest.Manifest{
		SnapshotID:     id,
		CreatedAt:      time.Now().UTC(),
		FileCount:      len(files),
		Files:          files,
		TotalSize:      totalSize,
		CompressedSize: compressedSize,
	}, nil
}

// diffAgainstCache classifies each path against the Engine's
// last-snapshot cache.
func diffAgainstCache(current map[string]scanner.FileState, previous map[string]scanner.FileState) []metastore.FileChange {
	var changes []metastore.FileChange

	for path, cur := range current {
		prev, existed := previous[path]
		switch {
		case !existed:
			changes = append(changes, metastore.FileChange{Path: path, ChangeKind: metastore.ChangeAdded, AfterHash: cur.ContentHash})
		case prev.ContentHash != cur.ContentHash:
			changes = append(changes, metastore.FileChange{Path: path, ChangeKind: metastore.ChangeModified, BeforeHash: prev.ContentHash, AfterHash: cur.ContentHash})
		}
	}
	for path, prev := range previous {
		if _, stillPresent := current[path]; !stillPresent {
			changes = append(changes, metastore.FileChange{Path: path, ChangeKind: metastore.ChangeDeleted, BeforeHash: prev.ContentHash})
		}
	}
	return changes
}

func affectedPaths(changes []metastore.FileChange) []string {
	paths := make([]string, len(changes))
	for i, c := range changes {
		paths[i] = c.Path
	}
	return paths
}

// GetSnapshot returns metadata and the reconstructed file-state map for
// id. An unknown id yields an error wrapping metastore.ErrNotFound.
func (e *Engine) GetSnapshot(id string) (*Result, error) {
	meta, err := e.meta.GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	m, err := manifest.Read(filepath.Join(e.snapshotsDir, id))
	if err != nil {
		return nil, fmt.Errorf("snapshot: get %s: read manifest: %w", id, err)
	}
	return &Result{Meta: meta, Files: m.Files}, nil
}

// ListSnapshots delegates to the Metadata Store.
func (e *Engine) ListSnapshots(filters metastore.Filters) ([]metastore.SnapshotMeta, error) {
	return e.meta.ListSnapshots(filters)
}

// DeleteSnapshot deletes id's metadata and manifest directory, leaving
// blob reclamation to the orphan sweep.
func (e *Engine) DeleteSnapshot(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.meta.DeleteSnapshot(id); err != nil {
		return fmt.Errorf("snapshot: delete %s: %w", id, err)
	}
	if err := os.RemoveAll(filepath.Join(e.snapshotsDir, id)); err != nil {
		return fmt.Errorf("snapshot: delete %s: remove manifest dir: %w", id, err)
	}
	if id == e.lastSnapshotID {
		e.lastSnapshotID = ""
		e.lastSnapshotCache = nil
	}
	return nil
}

// LoadContent fetches a single file's bytes from a snapshot, bypassing
// full snapshot reification, using the lazy content cache.
func (e *Engine) LoadContent(snapshotID, path string) ([]byte, error) {
	if _, err := e.meta.GetSnapshot(snapshotID); err != nil {
		return nil, err
	}
	m, err := manifest.Read(filepath.Join(e.snapshotsDir, snapshotID))
	if err != nil {
		return nil, fmt.Errorf("snapshot: load content %s/%s: read manifest: %w", snapshotID, path, err)
	}
	fs, ok := m.Files[path]
	if !ok || !fs.Exists {
		return nil, fmt.Errorf("snapshot: load content %s/%s: %w", snapshotID, path, metastore.ErrNotFound)
	}

	if data, ok := e.contentCache.get(fs.ContentHash); ok {
		return data, nil
	}
	data, err := e.content.Get(fs.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load content %s/%s: %w", snapshotID, path, err)
	}
	e.contentCache.put(fs.ContentHash, data)
	return data, nil
}

// CheckIntegrity walks every manifest and verifies each referenced hash
// is present and uncorrupted, without aborting on the first failure.
func (e *Engine) CheckIntegrity(ctx context.Context) (IntegrityReport, error) {
	report := IntegrityReport{MissingBlobHashes: make(map[string][]string)}

	list, err := e.meta.ListSnapshots(metastore.Filters{})
	if err != nil {
		return report, fmt.Errorf("snapshot: check integrity: list snapshots: %w", err)
	}

	for _, s := range list {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}

		report.Checked++
		m, err := manifest.Read(filepath.Join(e.snapshotsDir, s.ID))
		if err != nil {
			report.CorruptSnapshots = append(report.CorruptSnapshots, s.ID)
			if e.logger != nil {
				_ = e.logger.Log(audit.Event{Type: audit.EventIntegrityFailure, SnapshotID: s.ID, Error: err.Error()})
			}
			continue
		}

		var bad []string
		for _, fs := range m.Files {
			if !fs.Exists || fs.ContentHash == "" {
				continue
			}
			if _, err := e.content.Get(fs.ContentHash); err != nil {
				bad = append(bad, fs.ContentHash)
			}
		}
		if len(bad) > 0 {
			report.CorruptSnapshots = append(report.CorruptSnapshots, s.ID)
			report.MissingBlobHashes[s.ID] = bad
			if e.logger != nil {
				_ = e.logger.Log(audit.Event{Type: audit.EventIntegrityFailure, SnapshotID: s.ID, Details: map[string]any{"bad_hashes": bad}})
			}
		}
	}

	return report, nil
}
