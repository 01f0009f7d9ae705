package rollback

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ConflictKind classifies how a path's current text differs from the
// target snapshot's text.
type ConflictKind string

const (
	ConflictAdditionsOnly   ConflictKind = "additions_only"
	ConflictDeletionsOnly   ConflictKind = "deletions_only"
	ConflictCommentsOnly    ConflictKind = "comments_only"
	ConflictWhitespaceOnly  ConflictKind = "whitespace_only"
	ConflictFileAdded       ConflictKind = "file_added"
	ConflictFileDeleted     ConflictKind = "file_deleted"
	ConflictContentMismatch ConflictKind = "content_mismatch"
)

// Resolution is the action a conflict resolves to.
type Resolution string

const (
	ResolveRestore       Resolution = "restore"
	ResolveKeepCurrent   Resolution = "keep_current"
	ResolveThreeWayMerge Resolution = "three_way_merge"
)

// minorSimilarityThreshold is the line-similarity ratio above which a
// content mismatch is suppressed as no-conflict.
const minorSimilarityThreshold = 0.95

// generatedPathMarkers are substrings that mark a deleted path as
// build output safe to recreate from the snapshot.
var generatedPathMarkers = []string{
	"__pycache__", "node_modules", ".pyc", ".min.js", "build/", "dist/", "target/", ".egg-info",
}

// Conflict is a single path's classified conflict and default
// resolution.
type Conflict struct {
	Path       string
	Kind       ConflictKind
	Resolution Resolution
	Similarity float64
	Minor      bool
}

// classifyContentMismatch classifies a path whose current and target
// text differ, applying the minor-similarity suppression and the
// taxonomy table in order.
func classifyContentMismatch(path, current, target string, disableMinorSuppression bool) Conflict {
	similarity := lineSimilarity(current, target)

	if !disableMinorSuppression && similarity > minorSimilarityThreshold {
		return Conflict{Path: path, Kind: ConflictContentMismatch, Resolution: ResolveRestore, Similarity: similarity, Minor: true}
	}

	currentLines := splitLines(current)
	targetLines := splitLines(target)

	if isLinePrefix(targetLines, currentLines) {
		return Conflict{Path: path, Kind: ConflictAdditionsOnly, Resolution: ResolveKeepCurrent, Similarity: similarity}
	}
	if isLinePrefix(currentLines, targetLines) {
		return Conflict{Path: path, Kind: ConflictDeletionsOnly, Resolution: ResolveRestore, Similarity: similarity}
	}
	if stripComments(current) == stripComments(target) {
		return Conflict{Path: path, Kind: ConflictCommentsOnly, Resolution: ResolveKeepCurrent, Similarity: similarity}
	}
	if normalizeWhitespace(current) == normalizeWhitespace(target) {
		return Conflict{Path: path, Kind: ConflictWhitespaceOnly, Resolution: ResolveKeepCurrent, Similarity: similarity}
	}

	return Conflict{Path: path, Kind: ConflictContentMismatch, Resolution: ResolveThreeWayMerge, Similarity: similarity}
}

// classifyFileAdded classifies a path present in the working tree but
// absent from the target snapshot.
func classifyFileAdded(path string) Conflict {
	return Conflict{Path: path, Kind: ConflictFileAdded, Resolution: ResolveKeepCurrent}
}

// classifyFileDeleted classifies a path the target snapshot recorded as
// deleted but that is present in the working tree.
func classifyFileDeleted(path, current string) Conflict {
	trimmed := strings.TrimSpace(current)
	if len(trimmed) < 50 || matchesGeneratedPath(path) {
		return Conflict{Path: path, Kind: ConflictFileDeleted, Resolution: ResolveRestore}
	}
	return Conflict{Path: path, Kind: ConflictFileDeleted, Resolution: ResolveKeepCurrent}
}

func matchesGeneratedPath(path string) bool {
	for _, marker := range generatedPathMarkers {
		if strings.Contains(path, marker) {
			return true
		}
	}
	return false
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// isLinePrefix reports whether prefix's lines are exactly the leading
// lines of full.
func isLinePrefix(prefix, full []string) bool {
	if len(prefix) > len(full) {
		return false
	}
	for i, line := range prefix {
		if full[i] != line {
			return false
		}
	}
	return true
}

func stripComments(text string) string {
	var kept []string
	for _, line := range splitLines(text) {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func normalizeWhitespace(text string) string {
	fields := strings.Fields(text)
	return strings.Join(fields, " ")
}

// lineSimilarity measures the fraction of lines shared between a and b
// using a line-level diff: common line count over the longer side's
// line count.
func lineSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	dmp := diffmatchpatch.New()
	runesA, runesB, _ := dmp.DiffLinesToRunes(a, b)
	diffs := dmp.DiffMainRunes(runesA, runesB, false)

	common := 0
	for _, d := range diffs {
		if d.Type == diffmatchpatch.DiffEqual {
			common += len([]rune(d.Text))
		}
	}
	denom := len(runesA)
	if len(runesB) > denom {
		denom = len(runesB)
	}
	if denom == 0 {
		return 1.0
	}
	return float64(common) / float64(denom)
}
