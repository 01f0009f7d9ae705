// Package metastore is the durable, transactional index of snapshot
// metadata, per-file change records, and bookmarks, backed by a single
// bbolt file. Buckets stand in for tables; every multi-row mutation
// runs inside one bbolt transaction.
package metastore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a snapshot, bookmark, or change record is
// looked up by id and does not exist.
var ErrNotFound = errors.New("metastore: not found")

// Bucket names, one per logical table.
var (
	bucketSnapshots         = []byte("snapshots")
	bucketFileChanges       = []byte("file_changes")
	bucketFileChangesByPath = []byte("file_changes_by_path")
	bucketSnapshotsByTime   = []byte("snapshots_by_time")
	bucketBookmarks         = []byte("bookmarks")
	bucketSchemaInfo        = []byte("schema_info")
)

const currentSchemaVersion = 1

// ChangeKind classifies a single path's change within a snapshot.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// SnapshotMeta is a single row of the snapshots table.
type SnapshotMeta struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	ActionType       string    `json:"action_type"`
	PromptContext    string    `json:"prompt_context"`
	FilesAffected    []string  `json:"files_affected"`
	TotalSize        int64     `json:"total_size"`
	CompressionRatio float64   `json:"compression_ratio"`
	ParentSnapshot   string    `json:"parent_snapshot,omitempty"`
	BookmarkName     string    `json:"bookmark_name,omitempty"`
}

// FileChange is a single row of the file_changes table.
type FileChange struct {
	SnapshotID string     `json:"snapshot_id"`
	Path       string     `json:"path"`
	ChangeKind ChangeKind `json:"change_kind"`
	BeforeHash string     `json:"before_hash,omitempty"`
	AfterHash  string     `json:"after_hash,omitempty"`
}

// Bookmark is a single row of the bookmarks table.
type Bookmark struct {
	SnapshotID  string    `json:"snapshot_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// StorageStats is the aggregate reported by the retention controller.
type StorageStats struct {
	TotalSnapshots  int
	OldestTimestamp time.Time
	NewestTimestamp time.Time
}

// Filters restricts ListSnapshots. Predicates are ANDed.
type Filters struct {
	DateFrom       time.Time
	DateTo         time.Time
	ActionTypes    []string
	PathPatterns   []string // gitignore-style globs matched against FilesAffected
	BookmarkedOnly bool
}

// Store wraps a bbolt database implementing the metadata schema.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) a metastore at path and runs any
// pending schema migrations, each inside its own transaction. A sibling
// backup copy of the store file is taken before any migration runs.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("metastore: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketSnapshots, bucketFileChanges, bucketFileChangesByPath,
			bucketSnapshotsByTime, bucketBookmarks, bucketSchemaInfo,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("metastore: initialize schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(path); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads the stored schema version and, if it lags
// currentSchemaVersion, copies the database file aside before applying
// migrations in order. There are no migrations yet beyond version 1, so
// this currently only stamps a fresh store with its version.
func (s *Store) migrate(path string) error {
	var storedVersion int
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSchemaInfo).Get([]byte("version"))
		if data == nil {
			storedVersion = 0
			return nil
		}
		return json.Unmarshal(data, &storedVersion)
	})
	if err != nil {
		return fmt.Errorf("metastore: read schema version: %w", err)
	}

	if storedVersion == currentSchemaVersion {
		return nil
	}

	if storedVersion > 0 && storedVersion < currentSchemaVersion {
		if err := backupBeforeMigration(path); err != nil {
			return err
		}
		// Migration steps between versions would run here, in order,
		// each inside its own tx. None exist yet: currentSchemaVersion
		// is the only schema this store has ever had in production.
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(currentSchemaVersion)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSchemaInfo).Put([]byte("version"), data)
	})
}

func backupBeforeMigration(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("metastore: open store for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path + ".pre-migration.bak")
	if err != nil {
		return fmt.Errorf("metastore: create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("metastore: copy backup: %w", err)
	}
	return nil
}

// CreateSnapshot inserts snapshot metadata and all its file-change rows
// in one transaction.
func (s *Store) CreateSnapshot(meta SnapshotMeta, changes []FileChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		snapshots := tx.Bucket(bucketSnapshots)
		if snapshots.Get([]byte(meta.ID)) != nil {
			return fmt.Errorf("metastore: snapshot %s already exists", meta.ID)
		}

		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal snapshot meta: %w", err)
		}
		if err := snapshots.Put([]byte(meta.ID), data); err != nil {
			return err
		}

		if err := tx.Bucket(bucketSnapshotsByTime).Put(timeKey(meta.Timestamp, meta.ID), []byte(meta.ID)); err != nil {
			return err
		}

		changesBucket := tx.Bucket(bucketFileChanges)
		byPath := tx.Bucket(bucketFileChangesByPath)
		for i, c := range changes {
			c.SnapshotID = meta.ID
			cdata, err := json.Marshal(c)
			if err != nil {
				return fmt.Errorf("marshal file change: %w", err)
			}
			key := fmt.Sprintf("%s/%08d", meta.ID, i)
			if err := changesBucket.Put([]byte(key), cdata); err != nil {
				return err
			}
			pathKey := fmt.Sprintf("%s\x00%s", c.Path, key)
			if err := byPath.Put([]byte(pathKey), []byte(key)); err != nil {
				return err
			}
		}

		return nil
	})
}

// GetSnapshot returns snapshot metadata by id, or ErrNotFound.
func (s *Store) GetSnapshot(id string) (SnapshotMeta, error) {
	var meta SnapshotMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SnapshotMeta{}, fmt.Errorf("metastore: get snapshot %s: %w", id, ErrNotFound)
		}
		return SnapshotMeta{}, fmt.Errorf("metastore: get snapshot %s: %w", id, err)
	}
	return meta, nil
}

// ListSnapshots returns snapshots matching filters, newest-first by
// timestamp with id as tiebreak.
func (s *Store) ListSnapshots(filters Filters) ([]SnapshotMeta, error) {
	var all []SnapshotMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshotsByTime).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			data := tx.Bucket(bucketSnapshots).Get(v)
			if data == nil {
				continue
			}
			var meta SnapshotMeta
			if err := json.Unmarshal(data, &meta); err != nil {
				return err
			}
			if !matchesFilters(meta, filters, s.bookmarkForLocked(tx, meta.ID)) {
				continue
			}
			all = append(all, meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: list snapshots: %w", err)
	}
	return all, nil
}

// DeleteSnapshot removes a snapshot's metadata, file-change rows
// (cascade), and bookmark (cascade) in one transaction.
func (s *Store) DeleteSnapshot(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		snapshots := tx.Bucket(bucketSnapshots)
		data := snapshots.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("metastore: delete snapshot %s: %w", id, ErrNotFound)
		}
		var meta SnapshotMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return err
		}

		if err := snapshots.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSnapshotsByTime).Delete(timeKey(meta.Timestamp, id)); err != nil {
			return err
		}

		// Cascade delete file_changes and their path index.
		changesBucket := tx.Bucket(bucketFileChanges)
		cc := changesBucket.Cursor()
		prefix := []byte(id + "/")
		var keys [][]byte
		for k, _ := cc.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cc.Next() {
			dup := make([]byte, len(k))
			copy(dup, k)
			keys = append(keys, dup)
		}
		byPath := tx.Bucket(bucketFileChangesByPath)
		bc := byPath.Cursor()
		var pathKeys [][]byte
		for k, v := bc.First(); k != nil; k, v = bc.Next() {
			for _, ck := range keys {
				if bytes.Equal(v, ck) {
					dup := make([]byte, len(k))
					copy(dup, k)
					pathKeys = append(pathKeys, dup)
				}
			}
		}
		for _, k := range keys {
			if err := changesBucket.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range pathKeys {
			if err := byPath.Delete(k); err != nil {
				return err
			}
		}

		// Cascade delete the (at most one) bookmark.
		bookmarks := tx.Bucket(bucketBookmarks)
		if err := bookmarks.Delete([]byte(id)); err != nil {
			return err
		}

		return nil
	})
}

// AppendFileChange inserts a single file-change row outside of
// CreateSnapshot's batch (used by tests and incremental appenders).
func (s *Store) AppendFileChange(c FileChange) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		changesBucket := tx.Bucket(bucketFileChanges)
		n := changesBucket.Stats().KeyN
		key := fmt.Sprintf("%s/%08d", c.SnapshotID, n)
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := changesBucket.Put([]byte(key), data); err != nil {
			return err
		}
		pathKey := fmt.Sprintf("%s\x00%s", c.Path, key)
		return tx.Bucket(bucketFileChangesByPath).Put([]byte(pathKey), []byte(key))
	})
}

// ListFileChanges returns all file-change rows for a snapshot.
func (s *Store) ListFileChanges(snapshotID string) ([]FileChange, error) {
	var changes []FileChange
	err := s.db.View(func(tx *bolt.Tx) error {
		changesBucket := tx.Bucket(bucketFileChanges)
		c := changesBucket.Cursor()
		prefix := []byte(snapshotID + "/")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var fc FileChange
			if err := json.Unmarshal(v, &fc); err != nil {
				return err
			}
			changes = append(changes, fc)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: list file changes for %s: %w", snapshotID, err)
	}
	return changes, nil
}

// AddBookmark creates or replaces the (at most one) bookmark for a
// snapshot.
func (s *Store) AddBookmark(b Bookmark) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSnapshots).Get([]byte(b.SnapshotID)) == nil {
			return fmt.Errorf("metastore: add bookmark: snapshot %s: %w", b.SnapshotID, ErrNotFound)
		}
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBookmarks).Put([]byte(b.SnapshotID), data)
	})
}

// RemoveBookmark deletes the bookmark for a snapshot, if any.
func (s *Store) RemoveBookmark(snapshotID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBookmarks).Delete([]byte(snapshotID))
	})
}

// GetBookmark returns the bookmark for a snapshot, or ErrNotFound.
func (s *Store) GetBookmark(snapshotID string) (Bookmark, error) {
	var b Bookmark
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBookmarks).Get([]byte(snapshotID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return Bookmark{}, fmt.Errorf("metastore: get bookmark for %s: %w", snapshotID, err)
	}
	return b, nil
}

// ListBookmarks returns every bookmark, ordered by snapshot id.
func (s *Store) ListBookmarks() ([]Bookmark, error) {
	var out []Bookmark
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBookmarks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var b Bookmark
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: list bookmarks: %w", err)
	}
	return out, nil
}

// Search matches substring (case-insensitive) over id, action_type,
// prompt_context, and attached bookmark name/description, returning
// results newest-first.
func (s *Store) Search(query string) ([]SnapshotMeta, error) {
	q := strings.ToLower(query)
	var out []SnapshotMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshotsByTime).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			data := tx.Bucket(bucketSnapshots).Get(v)
			if data == nil {
				continue
			}
			var meta SnapshotMeta
			if err := json.Unmarshal(data, &meta); err != nil {
				return err
			}

			hay := strings.ToLower(meta.ID + " " + meta.ActionType + " " + meta.PromptContext)
			bm, bErr := s.getBookmarkLocked(tx, meta.ID)
			if bErr == nil {
				hay += " " + strings.ToLower(bm.Name) + " " + strings.ToLower(bm.Description)
			}
			if strings.Contains(hay, q) {
				out = append(out, meta)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metastore: search: %w", err)
	}
	return out, nil
}

// Stats reports aggregate counts used by the retention controller.
func (s *Store) Stats() (StorageStats, error) {
	var stats StorageStats
	err := s.db.View(func(tx *bolt.Tx) error {
		snapshots := tx.Bucket(bucketSnapshots)
		stats.TotalSnapshots = snapshots.Stats().KeyN

		c := tx.Bucket(bucketSnapshotsByTime).Cursor()
		if k, v := c.First(); k != nil {
			data := tx.Bucket(bucketSnapshots).Get(v)
			var meta SnapshotMeta
			if err := json.Unmarshal(data, &meta); err == nil {
				stats.OldestTimestamp = meta.Timestamp
			}
		}
		if k, v := c.Last(); k != nil {
			data := tx.Bucket(bucketSnapshots).Get(v)
			var meta SnapshotMeta
			if err := json.Unmarshal(data, &meta); err == nil {
				stats.NewestTimestamp = meta.Timestamp
			}
		}
		return nil
	})
	if err != nil {
		return StorageStats{}, fmt.Errorf("metastore: stats: %w", err)
	}
	return stats, nil
}

func (s *Store) getBookmarkLocked(tx *bolt.Tx, snapshotID string) (Bookmark, error) {
	data := tx.Bucket(bucketBookmarks).Get([]byte(snapshotID))
	if data == nil {
		return Bookmark{}, ErrNotFound
	}
	var b Bookmark
	if err := json.Unmarshal(data, &b); err != nil {
		return Bookmark{}, err
	}
	return b, nil
}

func (s *Store) bookmarkForLocked(tx *bolt.Tx, snapshotID string) *Bookmark {
	b, err := s.getBookmarkLocked(tx, snapshotID)
	if err != nil {
		return nil
	}
	return &b
}

func matchesFilters(meta SnapshotMeta, f Filters, bookmark *Bookmark) bool {
	if !f.DateFrom.IsZero() && meta.Timestamp.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && meta.Timestamp.After(f.DateTo) {
		return false
	}
	if len(f.ActionTypes) > 0 {
		found := false
		for _, at := range f.ActionTypes {
			if at == meta.ActionType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.PathPatterns) > 0 {
		if !anyPathMatches(meta.FilesAffected, f.PathPatterns) {
			return false
		}
	}
	if f.BookmarkedOnly && bookmark == nil {
		return false
	}
	return true
}

func anyPathMatches(paths []string, patterns []string) bool {
	for _, p := range paths {
		for _, pat := range patterns {
			if ok, _ := doublestar.Match(pat, p); ok {
				return true
			}
		}
	}
	return false
}

func timeKey(t time.Time, id string) []byte {
	buf := make([]byte, 8+len(id))
	binary.BigEndian.PutUint64(buf[:8], uint64(t.UnixNano()))
	copy(buf[8:], id)
	return buf
}
