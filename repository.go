// Package rewind wires the content store, metadata store, scanner,
// snapshot engine, rollback planner, and retention controller together
// into a single project-local time-travel debugging repository. Each
// phase of Open is separable for testability, in the same spirit as a
// conventional dependency-bootstrap function.
package rewind

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"rewind/audit"
	"rewind/config"
	"rewind/metastore"
	"rewind/retention"
	"rewind/rollback"
	"rewind/scanner"
	"rewind/snapshot"
	"rewind/store"
)

// retentionSweepInterval is how often the background retention worker
// runs. No config option exposes this directly.
const retentionSweepInterval = 5 * time.Minute

// Repository is the top-level handle for one project's snapshot
// history.
type Repository struct {
	Config config.Config

	content   *store.Store
	meta      *metastore.Store
	logger    *audit.Logger
	Engine    *snapshot.Engine
	Rollback  *rollback.Planner
	Retention *retention.Controller

	stopRetention func()
}

// Open loads configuration, ensures the reserved directory tree
// exists, and wires every component for projectRoot. Failures after a
// partially-opened step clean up what was already opened.
func Open(projectRoot string) (*Repository, error) {
	cfg, warnings, err := config.Load(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("rewind: open %s: load config: %w", projectRoot, err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "rewind: warning: %s\n", w)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("rewind: open %s: ensure directories: %w", projectRoot, err)
	}

	reservedDir := cfg.ReservedDirPath()
	if _, err := loadOrInitStatus(reservedDir, projectRoot); err != nil {
		return nil, fmt.Errorf("rewind: open %s: status file: %w", projectRoot, err)
	}

	content, err := store.Open(filepath.Join(reservedDir, "content"))
	if err != nil {
		return nil, fmt.Errorf("rewind: open %s: content store: %w", projectRoot, err)
	}
	if cfg.Storage.CompressionEnabled {
		content.SetCompressionLevel(cfg.Storage.CompressionLevel)
	} else {
		content.SetCompressionLevel(1)
	}

	meta, err := metastore.Open(filepath.Join(reservedDir, "metadata.db"))
	if err != nil {
		return nil, fmt.Errorf("rewind: open %s: metastore: %w", projectRoot, err)
	}

	logger, err := audit.Open(filepath.Join(reservedDir, "events.jsonl"))
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("rewind: open %s: audit log: %w", projectRoot, err)
	}

	sc, err := scanner.New(projectRoot, scanner.Options{
		MaxFileSizeBytes:   int64(cfg.Performance.MaxFileSizeMB) * 1024 * 1024,
		ParallelProcessing: cfg.Performance.ParallelProcessing,
		RespectGitignore:   cfg.GitIntegration.RespectGitignore,
	})
	if err != nil {
		logger.Close()
		meta.Close()
		return nil, fmt.Errorf("rewind: open %s: scanner: %w", projectRoot, err)
	}

	retentionOpts := retention.Options{
		MaxSnapshots:   cfg.Storage.MaxSnapshots,
		MaxAgeDays:     cfg.Storage.CleanupAfterDays,
		MaxDiskUsageMB: cfg.Storage.MaxDiskUsageMB,
	}
	ret := retention.New(meta, content, reservedDir, logger, retentionOpts)

	engine, err := snapshot.New(projectRoot, reservedDir, content, meta, sc, ret, logger)
	if err != nil {
		logger.Close()
		meta.Close()
		return nil, fmt.Errorf("rewind: open %s: snapshot engine: %w", projectRoot, err)
	}
	if cfg.Performance.SnapshotTimeoutSeconds > 0 {
		engine.SetSlowCreateWarning(time.Duration(cfg.Performance.SnapshotTimeoutSeconds) * time.Second)
	}

	planner := rollback.New(projectRoot, reservedDir, content, meta, logger)

	repo := &Repository{
		Config:    cfg,
		content:   content,
		meta:      meta,
		logger:    logger,
		Engine:    engine,
		Rollback:  planner,
		Retention: ret,
	}

	repo.stopRetention = ret.RunBackground(retentionSweepInterval)

	return repo, nil
}

// Close stops the background retention worker and closes every
// underlying resource.
func (r *Repository) Close() error {
	if r.stopRetention != nil {
		r.stopRetention()
	}
	if err := r.logger.Close(); err != nil {
		return fmt.Errorf("rewind: close: audit log: %w", err)
	}
	if err := r.meta.Close(); err != nil {
		return fmt.Errorf("rewind: close: metastore: %w", err)
	}
	return nil
}
