// Package diffsvc renders file diffs in the three output shapes a
// rollback preview or snapshot comparison needs: unified, side-by-side,
// and an application-ready patch.
package diffsvc

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Mode selects a diff's output shape.
type Mode string

const (
	ModeUnified    Mode = "unified"
	ModeSideBySide Mode = "side_by_side"
	ModePatch      Mode = "patch"
)

// Options configures a Render call.
type Options struct {
	Mode         Mode
	ContextLines int
}

// defaultContextLines matches common unified-diff defaults.
const defaultContextLines = 3

// lineOp is one line's role in a line-level diff.
type lineOp struct {
	kind diffmatchpatch.Operation
	text string
}

// Render produces a diff between a (pathA) and b (pathB) in the shape
// opts.Mode selects. Binary content is never line-diffed.
func Render(pathA, pathB string, a, b []byte, opts Options) (string, error) {
	if opts.ContextLines <= 0 {
		opts.ContextLines = defaultContextLines
	}
	if opts.Mode == "" {
		opts.Mode = ModeUnified
	}

	if isBinary(a) || isBinary(b) {
		left := fmt.Sprintf("<Binary file: %d bytes>", len(a))
		right := fmt.Sprintf("<Binary file: %d bytes>", len(b))
		switch opts.Mode {
		case ModeSideBySide:
			return left + " | " + right, nil
		default:
			return left + "\n" + right, nil
		}
	}

	ops := lineDiff(string(a), string(b))

	switch opts.Mode {
	case ModeSideBySide:
		return renderSideBySide(ops), nil
	case ModePatch:
		return renderUnified(pathA, pathB, ops, opts.ContextLines, true), nil
	default:
		return renderUnified(pathA, pathB, ops, opts.ContextLines, false), nil
	}
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

// lineDiff computes a line-level diff using the same
// DiffLinesToRunes/DiffCharsToLines idiom used elsewhere in this module
// for line-aligned comparisons, expanded into one lineOp per line so
// hunk/context windowing can operate at line granularity.
func lineDiff(a, b string) []lineOp {
	dmp := diffmatchpatch.New()
	runesA, runesB, lineArray := dmp.DiffLinesToRunes(a, b)
	diffs := dmp.DiffMainRunes(runesA, runesB, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var ops []lineOp
	for _, d := range diffs {
		for _, line := range splitKeepingLines(d.Text) {
			ops = append(ops, lineOp{kind: d.Type, text: line})
		}
	}
	return ops
}

func splitKeepingLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// renderSideBySide lays out equal lines on both columns and
// insert/delete lines on their respective side only, aligning rows by
// diff order.
func renderSideBySide(ops []lineOp) string {
	var b strings.Builder
	i := 0
	for i < len(ops) {
		op := ops[i]
		switch op.kind {
		case diffmatchpatch.DiffEqual:
			fmt.Fprintf(&b, "%s | %s\n", op.text, op.text)
			i++
		case diffmatchpatch.DiffDelete:
			if i+1 < len(ops) && ops[i+1].kind == diffmatchpatch.DiffInsert {
				fmt.Fprintf(&b, "%s | %s\n", op.text, ops[i+1].text)
				i += 2
			} else {
				fmt.Fprintf(&b, "%s | \n", op.text)
				i++
			}
		case diffmatchpatch.DiffInsert:
			fmt.Fprintf(&b, " | %s\n", op.text)
			i++
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// hunk is a contiguous run of ops, with enough leading/trailing equal
// lines kept for context.
type hunk struct {
	aStart, aLen int
	bStart, bLen int
	ops          []lineOp
}

// renderUnified groups ops into context-bounded hunks and formats them
// in standard unified-diff shape.
func renderUnified(pathA, pathB string, ops []lineOp, context int, patchHeader bool) string {
	hunks := buildHunks(ops, context)
	if len(hunks) == 0 {
		return ""
	}

	var b strings.Builder
	if patchHeader {
		fmt.Fprintf(&b, "--- a/%s\n", pathA)
		fmt.Fprintf(&b, "+++ b/%s\n", pathB)
	}

	for _, h := range hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.aStart, h.aLen, h.bStart, h.bLen)
		for _, op := range h.ops {
			switch op.kind {
			case diffmatchpatch.DiffEqual:
				fmt.Fprintf(&b, " %s\n", op.text)
			case diffmatchpatch.DiffDelete:
				fmt.Fprintf(&b, "-%s\n", op.text)
			case diffmatchpatch.DiffInsert:
				fmt.Fprintf(&b, "+%s\n", op.text)
			}
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// buildHunks groups diff ops into hunks, each keeping up to `context`
// equal lines of padding around a run of changes, splitting into
// separate hunks when a gap of equal lines exceeds 2*context.
func buildHunks(ops []lineOp, context int) []hunk {
	type pos struct{ a, b int }
	positions := make([]pos, len(ops)+1)
	a, bb := 1, 1
	for i, op := range ops {
		positions[i] = pos{a, bb}
		switch op.kind {
		case diffmatchpatch.DiffEqual:
			a++
			bb++
		case diffmatchpatch.DiffDelete:
			a++
		case diffmatchpatch.DiffInsert:
			bb++
		}
	}
	positions[len(ops)] = pos{a, bb}

	var changeIdx []int
	for i, op := range ops {
		if op.kind != diffmatchpatch.DiffEqual {
			changeIdx = append(changeIdx, i)
		}
	}
	if len(changeIdx) == 0 {
		return nil
	}

	var groups [][2]int // [start, end) op index ranges
	groupStart := changeIdx[0]
	groupEnd := changeIdx[0] + 1
	for _, idx := range changeIdx[1:] {
		if idx-groupEnd <= 2*context {
			groupEnd = idx + 1
			continue
		}
		groups = append(groups, [2]int{groupStart, groupEnd})
		groupStart = idx
		groupEnd = idx + 1
	}
	groups = append(groups, [2]int{groupStart, groupEnd})

	var hunks []hunk
	for _, g := range groups {
		start := g[0] - context
		if start < 0 {
			start = 0
		}
		end := g[1] + context
		if end > len(ops) {
			end = len(ops)
		}

		h := hunk{
			aStart: positions[start].a,
			bStart: positions[start].b,
			ops:    ops[start:end],
		}
		h.aLen = positions[end].a - positions[start].a
		h.bLen = positions[end].b - positions[start].b
		hunks = append(hunks, h)
	}
	return hunks
}
