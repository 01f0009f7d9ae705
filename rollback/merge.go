package rollback

import (
	"errors"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrUnmergeable is returned by threeWayMerge when base→current and
// base→target touch overlapping line indices.
var ErrUnmergeable = errors.New("rollback: unmergeable")

// baseShareThreshold is the minimum fraction of shared lines between
// current and target required to approximate a base when no true
// ancestor is known).
const baseShareThreshold = 0.70

type lineChangeKind string

const (
	lineInsert lineChangeKind = "insert"
	lineDelete lineChangeKind = "delete"
	lineModify lineChangeKind = "modify"
)

// lineChange is one edit relative to a base line index.
type lineChange struct {
	index   int
	kind    lineChangeKind
	content string
}

// approximateBase picks a base for a three-way merge when no true
// ancestor snapshot is available: if current and target share at least
// baseShareThreshold of their lines, the shorter of the two is used as
// the base; otherwise merging is skipped.
//
// Uses lineJaccardSimilarity (set-based line overlap) rather than
// lineSimilarity (the diff-ratio used for conflict-severity
// classification in conflict.go): a sequence-alignment ratio measures
// how different two versions read, while set overlap measures whether
// one version can stand in for the other as a merge base.
func approximateBase(current, target string) (string, bool) {
	if lineJaccardSimilarity(current, target) < baseShareThreshold {
		return "", false
	}
	if len(current) <= len(target) {
		return current, true
	}
	return target, true
}

// lineJaccardSimilarity measures the fraction of distinct lines shared
// between a and b: |common lines| / |union of lines|, each compared as
// a set rather than in sequence order.
func lineJaccardSimilarity(a, b string) float64 {
	aLines := splitLines(a)
	bLines := splitLines(b)

	aSet := make(map[string]bool, len(aLines))
	for _, l := range aLines {
		aSet[l] = true
	}
	bSet := make(map[string]bool, len(bLines))
	for _, l := range bLines {
		bSet[l] = true
	}

	union := make(map[string]bool, len(aSet)+len(bSet))
	common := 0
	for l := range aSet {
		union[l] = true
		if bSet[l] {
			common++
		}
	}
	for l := range bSet {
		union[l] = true
	}
	if len(union) == 0 {
		return 1.0
	}
	return float64(common) / float64(len(union))
}

// threeWayMerge merges current and target against base, returning the
// joined text. ErrUnmergeable is returned if the two change sets touch
// overlapping base line indices.
func threeWayMerge(base, current, target string) (string, error) {
	currentChanges := diffLineChanges(base, current)
	targetChanges := diffLineChanges(base, target)

	touched := make(map[int]bool, len(currentChanges))
	for _, c := range currentChanges {
		touched[c.index] = true
	}
	for _, c := range targetChanges {
		if touched[c.index] {
			return "", ErrUnmergeable
		}
	}

	baseLines := splitLines(base)
	all := append(append([]lineChange{}, currentChanges...), targetChanges...)
	// Reverse before the stable descending sort so that edits sharing a
	// base index are applied last-first: consecutive inserted lines then
	// keep their original order.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].index > all[j].index })

	for _, c := range all {
		switch c.kind {
		case lineModify:
			if c.index >= 0 && c.index < len(baseLines) {
				baseLines[c.index] = c.content
			}
		case lineDelete:
			if c.index >= 0 && c.index < len(baseLines) {
				baseLines = append(baseLines[:c.index], baseLines[c.index+1:]...)
			}
		case lineInsert:
			idx := c.index
			if idx < 0 {
				idx = 0
			}
			if idx > len(baseLines) {
				idx = len(baseLines)
			}
			baseLines = append(baseLines[:idx], append([]string{c.content}, baseLines[idx:]...)...)
		}
	}

	return strings.Join(baseLines, "\n"), nil
}

// diffLineChanges computes base→other as a list of line-indexed edits.
// The diff runs over rune-encoded lines (DiffLinesToRunes) and is
// reconstructed back to text with DiffCharsToLines so every edit lands
// on a whole-line boundary.
func diffLineChanges(base, other string) []lineChange {
	dmp := diffmatchpatch.New()
	runesBase, runesOther, lineArray := dmp.DiffLinesToRunes(base, other)
	diffs := dmp.DiffMainRunes(runesBase, runesOther, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var changes []lineChange
	baseIdx := 0
	i := 0
	for i < len(diffs) {
		d := diffs[i]
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			baseIdx += countLines(d.Text)
			i++
		case diffmatchpatch.DiffDelete:
			delLines := splitDiffLines(d.Text)
			var insLines []string
			consumedInsert := false
			if i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
				insLines = splitDiffLines(diffs[i+1].Text)
				consumedInsert = true
			}
			n := len(delLines)
			if len(insLines) > n {
				n = len(insLines)
			}
			for j := 0; j < n; j++ {
				switch {
				case j < len(delLines) && j < len(insLines):
					changes = append(changes, lineChange{index: baseIdx + j, kind: lineModify, content: insLines[j]})
				case j < len(delLines):
					changes = append(changes, lineChange{index: baseIdx + j, kind: lineDelete})
				default:
					changes = append(changes, lineChange{index: baseIdx + len(delLines), kind: lineInsert, content: insLines[j]})
				}
			}
			baseIdx += len(delLines)
			if consumedInsert {
				i += 2
			} else {
				i++
			}
		case diffmatchpatch.DiffInsert:
			for _, line := range splitDiffLines(d.Text) {
				changes = append(changes, lineChange{index: baseIdx, kind: lineInsert, content: line})
			}
			i++
		}
	}
	return changes
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	return len(splitDiffLines(text))
}

// splitDiffLines splits a reconstructed diff chunk into its component
// lines, dropping the trailing empty element a trailing newline
// produces.
func splitDiffLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
