// Package rollback plans and executes a target snapshot's restoration
// against the current working tree: diffing manifest state against a
// scan, classifying conflicts, and attempting three-way merges where
// the taxonomy calls for one.
package rollback

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"rewind/audit"
	"rewind/manifest"
	"rewind/metastore"
	"rewind/scanner"
	"rewind/store"
)

// Options configures a Preview/Execute call.
type Options struct {
	SelectiveFiles                  []string
	PreserveManualChanges           bool
	CreateBackup                    bool
	DryRun                          bool
	DisableMinorConflictSuppression bool
}

// Action is the operation planned for a single path.
type Action string

const (
	ActionRestore Action = "restore"
	ActionDelete  Action = "delete"
	ActionSkip    Action = "skip"
	ActionMerge   Action = "merge"
)

// PlanEntry is one path's planned action, with its resolved conflict
// (if any) and, for ActionMerge, the merged text to write.
type PlanEntry struct {
	Path          string
	Action        Action
	Conflict      *Conflict
	MergedContent string
}

// Plan is the full set of planned actions for a rollback.
type Plan struct {
	TargetSnapshotID string
	Entries          []PlanEntry
	Conflicts        []Conflict
}

// Result is what Execute returns.
type Result struct {
	Success           bool
	FilesRestored     []string
	FilesDeleted      []string
	ConflictsResolved []Conflict
	Errors            []string
	BackupID          string
}

// Planner computes and executes rollback plans for one project.
type Planner struct {
	root         string
	reservedDir  string
	snapshotsDir string
	content      *store.Store
	meta         *metastore.Store
	logger       *audit.Logger
}

// New constructs a Planner. logger may be nil to disable event
// emission (e.g. in tests).
func New(root, reservedDir string, content *store.Store, meta *metastore.Store, logger *audit.Logger) *Planner {
	return &Planner{
		root:         root,
		reservedDir:  reservedDir,
		snapshotsDir: filepath.Join(reservedDir, "snapshots"),
		content:      content,
		meta:         meta,
		logger:       logger,
	}
}

// Preview computes a rollback plan for targetID against current,
// without touching the filesystem.
func (p *Planner) Preview(targetID string, current *scanner.Snapshot, opts Options) (Plan, error) {
	if _, err := p.meta.GetSnapshot(targetID); err != nil {
		return Plan{}, fmt.Errorf("rollback: preview %s: %w", targetID, err)
	}
	m, err := manifest.Read(filepath.Join(p.snapshotsDir, targetID))
	if err != nil {
		return Plan{}, fmt.Errorf("rollback: preview %s: read manifest: %w", targetID, err)
	}

	var selective map[string]bool
	if len(opts.SelectiveFiles) > 0 {
		selective = make(map[string]bool, len(opts.SelectiveFiles))
		for _, f := range opts.SelectiveFiles {
			selective[f] = true
		}
	}

	plan := Plan{TargetSnapshotID: targetID}

	for path, t := range m.Files {
		if selective != nil && !selective[path] {
			continue
		}
		entry, conflict := p.planPath(path, t, current.Files[path], current, opts)
		plan.Entries = append(plan.Entries, entry)
		if conflict != nil {
			plan.Conflicts = append(plan.Conflicts, *conflict)
		}
	}

	if selective == nil {
		for path := range current.Files {
			if _, inTarget := m.Files[path]; inTarget {
				continue
			}
			entry, conflict := p.planAddedPath(path, current, opts)
			plan.Entries = append(plan.Entries, entry)
			if conflict != nil {
				plan.Conflicts = append(plan.Conflicts, *conflict)
			}
		}
	}

	return plan, nil
}

// planPath decides the action for a path that exists in the target
// manifest.
func (p *Planner) planPath(path string, t manifest.FileState, c scanner.FileState, current *scanner.Snapshot, opts Options) (PlanEntry, *Conflict) {
	_, inCurrent := current.Files[path]

	if !t.Exists {
		if !inCurrent {
			return PlanEntry{Path: path, Action: ActionSkip}, nil
		}
		if !opts.PreserveManualChanges {
			return PlanEntry{Path: path, Action: ActionDelete}, nil
		}
		currentText, err := p.readCurrentText(path)
		if err != nil {
			return PlanEntry{Path: path, Action: ActionDelete}, nil
		}
		conflict := classifyFileDeleted(path, currentText)
		action := ActionSkip
		if conflict.Resolution == ResolveRestore {
			action = ActionDelete
		}
		return PlanEntry{Path: path, Action: action, Conflict: &conflict}, &conflict
	}

	if !inCurrent {
		return PlanEntry{Path: path, Action: ActionRestore}, nil
	}
	if c.ContentHash == t.ContentHash {
		return PlanEntry{Path: path, Action: ActionSkip}, nil
	}
	if !opts.PreserveManualChanges {
		return PlanEntry{Path: path, Action: ActionRestore}, nil
	}

	return p.resolveContentConflict(path, t, opts)
}

// planAddedPath decides the action for a path present only in the
// current working tree.
func (p *Planner) planAddedPath(path string, current *scanner.Snapshot, opts Options) (PlanEntry, *Conflict) {
	if !opts.PreserveManualChanges {
		return PlanEntry{Path: path, Action: ActionDelete}, nil
	}
	conflict := classifyFileAdded(path)
	return PlanEntry{Path: path, Action: ActionSkip, Conflict: &conflict}, &conflict
}

// resolveContentConflict classifies a path whose hash differs between
// current and target, reading both texts to apply the taxonomy.
func (p *Planner) resolveContentConflict(path string, t manifest.FileState, opts Options) (PlanEntry, *Conflict) {
	currentText, err := p.readCurrentText(path)
	if err != nil {
		return PlanEntry{Path: path, Action: ActionRestore}, nil
	}
	targetData, err := p.content.Get(t.ContentHash)
	if err != nil {
		return PlanEntry{Path: path, Action: ActionSkip}, nil
	}
	if isBinary([]byte(currentText)) || isBinary(targetData) {
		return PlanEntry{Path: path, Action: ActionRestore}, nil
	}

	conflict := classifyContentMismatch(path, currentText, string(targetData), opts.DisableMinorConflictSuppression)
	if conflict.Minor {
		return PlanEntry{Path: path, Action: ActionRestore}, nil
	}

	switch conflict.Resolution {
	case ResolveRestore:
		return PlanEntry{Path: path, Action: ActionRestore, Conflict: &conflict}, &conflict
	case ResolveKeepCurrent:
		return PlanEntry{Path: path, Action: ActionSkip, Conflict: &conflict}, &conflict
	case ResolveThreeWayMerge:
		base, ok := approximateBase(currentText, string(targetData))
		if !ok {
			conflict.Resolution = ResolveKeepCurrent
			return PlanEntry{Path: path, Action: ActionSkip, Conflict: &conflict}, &conflict
		}
		merged, err := threeWayMerge(base, currentText, string(targetData))
		if err != nil {
			conflict.Resolution = ResolveKeepCurrent
			return PlanEntry{Path: path, Action: ActionSkip, Conflict: &conflict}, &conflict
		}
		return PlanEntry{Path: path, Action: ActionMerge, Conflict: &conflict, MergedContent: merged}, &conflict
	default:
		return PlanEntry{Path: path, Action: ActionSkip, Conflict: &conflict}, &conflict
	}
}

func (p *Planner) readCurrentText(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.root, path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(data)
}

// Execute recomputes the plan and applies it: restores, merges, and
// deletes, with an optional pre-execute backup and best-effort
// recovery on failure.
func (p *Planner) Execute(targetID string, current *scanner.Snapshot, opts Options) (Result, error) {
	plan, err := p.Preview(targetID, current, opts)
	if err != nil {
		return Result{}, err
	}

	result := Result{Success: true}
	for _, c := range plan.Conflicts {
		result.ConflictsResolved = append(result.ConflictsResolved, c)
	}

	if opts.DryRun {
		for _, e := range plan.Entries {
			switch e.Action {
			case ActionRestore, ActionMerge:
				result.FilesRestored = append(result.FilesRestored, e.Path)
			case ActionDelete:
				result.FilesDeleted = append(result.FilesDeleted, e.Path)
			}
		}
		return result, nil
	}

	var backupDir string
	if opts.CreateBackup {
		backupDir, err = p.createBackup()
		if err != nil {
			return Result{}, fmt.Errorf("rollback: execute %s: create backup: %w", targetID, err)
		}
		result.BackupID = filepath.Base(backupDir)
	}

	m, err := manifest.Read(filepath.Join(p.snapshotsDir, targetID))
	if err != nil {
		return Result{}, fmt.Errorf("rollback: execute %s: read manifest: %w", targetID, err)
	}

	var applyErrs []string
	for _, e := range plan.Entries {
		switch e.Action {
		case ActionRestore:
			if err := p.restoreFile(e.Path, m.Files[e.Path]); err != nil {
				applyErrs = append(applyErrs, err.Error())
				continue
			}
			result.FilesRestored = append(result.FilesRestored, e.Path)
		case ActionMerge:
			if err := p.writeFile(e.Path, []byte(e.MergedContent), m.Files[e.Path].Permissions); err != nil {
				applyErrs = append(applyErrs, err.Error())
				continue
			}
			result.FilesRestored = append(result.FilesRestored, e.Path)
		case ActionDelete:
			if err := os.Remove(filepath.Join(p.root, e.Path)); err != nil && !os.IsNotExist(err) {
				applyErrs = append(applyErrs, err.Error())
				continue
			}
			result.FilesDeleted = append(result.FilesDeleted, e.Path)
		}
	}

	if len(applyErrs) > 0 {
		result.Errors = append(result.Errors, applyErrs...)
		result.Success = false
		if backupDir != "" {
			if recErr := p.restoreFromBackup(backupDir); recErr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("backup recovery failed: %v", recErr))
			}
		}
	}

	if p.logger != nil {
		_ = p.logger.Log(audit.Event{
			Type:          audit.EventRollbackExecuted,
			SnapshotID:    targetID,
			CorrelationID: audit.NewCorrelationID(),
			Details: map[string]any{
				"files_restored": len(result.FilesRestored),
				"files_deleted":  len(result.FilesDeleted),
				"success":        result.Success,
			},
		})
	}

	return result, nil
}

// restoreFile fetches a blob and writes it to path atomically, with
// the recorded permission bits.
func (p *Planner) restoreFile(relPath string, state manifest.FileState) error {
	data, err := p.content.Get(state.ContentHash)
	if err != nil {
		return fmt.Errorf("restore %s: %w", relPath, err)
	}
	return p.writeFile(relPath, data, state.Permissions)
}

func (p *Planner) writeFile(relPath string, data []byte, perm uint32) error {
	if perm == 0 {
		perm = 0o644
	}
	absPath := filepath.Join(p.root, relPath)
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write %s: create parent dir: %w", relPath, err)
	}

	tmp, err := os.CreateTemp(dir, ".rollback-*.tmp")
	if err != nil {
		return fmt.Errorf("write %s: create temp file: %w", relPath, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", relPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: close temp file: %w", relPath, err)
	}
	if err := os.Chmod(tmpPath, os.FileMode(perm)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: chmod: %w", relPath, err)
	}
	if err := os.Rename(tmpPath, absPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: rename temp file: %w", relPath, err)
	}
	return nil
}

// createBackup copies the current working tree, excluding the reserved
// directory, to a timestamped directory inside the reserved area.
func (p *Planner) createBackup() (string, error) {
	id := "backup_" + time.Now().UTC().Format("20060102_150405")
	dest := filepath.Join(p.reservedDir, "backups", id)
	// A second rollback within the same second would collide; suffix
	// until the directory name is fresh.
	for n := 1; ; n++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = filepath.Join(p.reservedDir, "backups", fmt.Sprintf("%s_%d", id, n))
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	err := filepath.Walk(p.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(p.root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if rel == filepath.Base(p.reservedDir) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

// restoreFromBackup copies backupDir's contents back over the working
// tree, best-effort, used to recover from a failed execute after a
// backup was already taken.
func (p *Planner) restoreFromBackup(backupDir string) error {
	var errs []string
	err := filepath.Walk(backupDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(backupDir, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(p.root, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if cerr := copyFile(path, target, info.Mode()); cerr != nil {
			errs = append(errs, cerr.Error())
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return errors.New(joinErrs(errs))
	}
	return nil
}

func joinErrs(errs []string) string {
	out := errs[0]
	for _, e := range errs[1:] {
		out += "; " + e
	}
	return out
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
