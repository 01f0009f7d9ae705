// Package retention enforces the disk-use bounds of a rewind project:
// age, count, and disk-usage caps over stored snapshots, plus orphan
// blob reclamation. A cancellable background worker re-runs the sweep
// periodically.
package retention

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rewind/audit"
	"rewind/manifest"
	"rewind/metastore"
	"rewind/store"
)

// Options configures the caps the Controller enforces.
type Options struct {
	MaxSnapshots   int // storage.max_snapshots
	MaxAgeDays     int // storage.cleanup_after_days; 0 disables the age cap
	MaxDiskUsageMB int // storage.max_disk_usage_mb
}

// Stats is the reported summary after a sweep.
type Stats struct {
	TotalSnapshots     int
	MaxSnapshots       int
	CurrentDiskUsageMB float64
	MaxDiskUsageMB     int
	OldestTimestamp    time.Time
	NewestTimestamp    time.Time
}

// SweepResult reports what a single Sweep call actually did.
type SweepResult struct {
	DeletedByAge   int
	DeletedByCount int
	DeletedByDisk  int
	Errors         []string
	Stats          Stats
}

// Controller enforces retention caps and reclaims orphan blobs for a
// single project's reserved directory.
type Controller struct {
	meta        *metastore.Store
	content     *store.Store
	reservedDir string
	logger      *audit.Logger
	opts        Options
}

// New constructs a Controller. logger may be nil to disable event
// emission (e.g. in tests).
func New(meta *metastore.Store, content *store.Store, reservedDir string, logger *audit.Logger, opts Options) *Controller {
	return &Controller{meta: meta, content: content, reservedDir: reservedDir, logger: logger, opts: opts}
}

// Sweep enforces the age, count, and then disk-usage caps, in that
// order. Each cap's deletions are non-fatal: a single
// snapshot's deletion failure is recorded in result.Errors and the
// sweep continues with the next snapshot.
func (c *Controller) Sweep() (SweepResult, error) {
	var result SweepResult

	if c.opts.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -c.opts.MaxAgeDays)
		list, err := c.meta.ListSnapshots(metastore.Filters{})
		if err != nil {
			return result, fmt.Errorf("retention: list snapshots for age cap: %w", err)
		}
		for _, s := range list {
			if s.Timestamp.Before(cutoff) {
				if err := c.deleteSnapshot(s.ID); err != nil {
					result.Errors = append(result.Errors, err.Error())
					continue
				}
				result.DeletedByAge++
			}
		}
	}

	if c.opts.MaxSnapshots > 0 {
		list, err := c.meta.ListSnapshots(metastore.Filters{})
		if err != nil {
			return result, fmt.Errorf("retention: list snapshots for count cap: %w", err)
		}
		// list is newest-first; anything past MaxSnapshots is the
		// oldest excess and is deleted from the tail.
		if len(list) > c.opts.MaxSnapshots {
			for _, s := range list[c.opts.MaxSnapshots:] {
				if err := c.deleteSnapshot(s.ID); err != nil {
					result.Errors = append(result.Errors, err.Error())
					continue
				}
				result.DeletedByCount++
			}
		}
	}

	if c.opts.MaxDiskUsageMB > 0 {
		limit := int64(c.opts.MaxDiskUsageMB) * 1024 * 1024
		for {
			usage, err := diskUsageBytes(c.reservedDir)
			if err != nil {
				return result, fmt.Errorf("retention: measure disk usage: %w", err)
			}
			if usage <= limit {
				break
			}
			list, err := c.meta.ListSnapshots(metastore.Filters{})
			if err != nil {
				return result, fmt.Errorf("retention: list snapshots for disk cap: %w", err)
			}
			if len(list) == 0 {
				break
			}
			oldest := list[len(list)-1]
			if err := c.deleteSnapshot(oldest.ID); err != nil {
				result.Errors = append(result.Errors, err.Error())
				break // avoid spinning forever if deletion keeps failing
			}
			result.DeletedByDisk++
		}
	}

	stats, err := c.Stats()
	if err != nil {
		return result, fmt.Errorf("retention: compute stats: %w", err)
	}
	result.Stats = stats

	if c.logger != nil {
		total := result.DeletedByAge + result.DeletedByCount + result.DeletedByDisk
		_ = c.logger.Log(audit.Event{
			Type:          audit.EventRetentionSwept,
			CorrelationID: audit.NewCorrelationID(),
			Details: map[string]any{
				"deleted_by_age":   result.DeletedByAge,
				"deleted_by_count": result.DeletedByCount,
				"deleted_by_disk":  result.DeletedByDisk,
				"total_deleted":    total,
			},
		})
	}

	return result, nil
}

// Stats reports the current aggregate state.
func (c *Controller) Stats() (Stats, error) {
	metaStats, err := c.meta.Stats()
	if err != nil {
		return Stats{}, fmt.Errorf("retention: metastore stats: %w", err)
	}
	usage, err := diskUsageBytes(c.reservedDir)
	if err != nil {
		return Stats{}, fmt.Errorf("retention: measure disk usage: %w", err)
	}

	return Stats{
		TotalSnapshots:     metaStats.TotalSnapshots,
		MaxSnapshots:       c.opts.MaxSnapshots,
		CurrentDiskUsageMB: float64(usage) / (1024 * 1024),
		MaxDiskUsageMB:     c.opts.MaxDiskUsageMB,
		OldestTimestamp:    metaStats.OldestTimestamp,
		NewestTimestamp:    metaStats.NewestTimestamp,
	}, nil
}

// ReclaimOrphans deletes every blob in the Content Store that is
// referenced neither by any snapshot's manifest nor by any snapshot's
// file changes. A snapshot whose manifest file is missing contributes
// only its file-change hashes. Blobs whose write is still in progress
// are already excluded by store.IterBlobs.
func (c *Controller) ReclaimOrphans() (int, error) {
	referenced := make(map[string]bool)

	snapshots, err := c.meta.ListSnapshots(metastore.Filters{})
	if err != nil {
		return 0, fmt.Errorf("retention: list snapshots for orphan sweep: %w", err)
	}
	for _, s := range snapshots {
		changes, err := c.meta.ListFileChanges(s.ID)
		if err != nil {
			return 0, fmt.Errorf("retention: list file changes for %s: %w", s.ID, err)
		}
		for _, fc := range changes {
			if fc.AfterHash != "" {
				referenced[fc.AfterHash] = true
			}
			if fc.BeforeHash != "" {
				referenced[fc.BeforeHash] = true
			}
		}

		m, err := manifest.Read(filepath.Join(c.reservedDir, "snapshots", s.ID))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return 0, fmt.Errorf("retention: read manifest for %s: %w", s.ID, err)
		}
		for _, fs := range m.Files {
			if fs.Exists && fs.ContentHash != "" {
				referenced[fs.ContentHash] = true
			}
		}
	}

	blobs, err := c.content.IterBlobs()
	if err != nil {
		return 0, fmt.Errorf("retention: iterate blobs: %w", err)
	}

	deleted := 0
	for _, hash := range blobs {
		if referenced[hash] {
			continue
		}
		if ok, err := c.content.Delete(hash); err == nil && ok {
			deleted++
		}
	}

	if c.logger != nil {
		_ = c.logger.Log(audit.Event{
			Type:    audit.EventOrphanSweep,
			Details: map[string]any{"blobs_deleted": deleted},
		})
	}

	return deleted, nil
}

// deleteSnapshot removes a snapshot's metadata row (cascading to its
// file-change rows and bookmark) and its on-disk manifest directory.
// Blob reclamation is left to ReclaimOrphans.
func (c *Controller) deleteSnapshot(id string) error {
	if err := c.meta.DeleteSnapshot(id); err != nil {
		return fmt.Errorf("delete snapshot %s metadata: %w", id, err)
	}
	dir := filepath.Join(c.reservedDir, "snapshots", id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete snapshot %s directory: %w", id, err)
	}
	return nil
}

func diskUsageBytes(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
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
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return total, nil
}

// RunBackground starts a cancellable periodic sweep (Sweep then
// ReclaimOrphans) at the given period, returning a stop function that
// blocks until the worker goroutine has exited.
func (c *Controller) RunBackground(period time.Duration) (stop func()) {
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := c.Sweep(); err != nil {
					fmt.Fprintf(os.Stderr, "rewind: background retention sweep failed: %v\n", err)
					continue
				}
				if _, err := c.ReclaimOrphans(); err != nil {
					fmt.Fprintf(os.Stderr, "rewind: background orphan sweep failed: %v\n", err)
				}
			}
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}
