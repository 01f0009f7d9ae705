package rollback

import (
	"strings"
	"testing"
)

func TestClassifyContentMismatchAdditionsOnly(t *testing.T) {
	target := "one\ntwo"
	current := "one\ntwo\nthree"

	c := classifyContentMismatch("f.txt", current, target, true)
	if c.Kind != ConflictAdditionsOnly || c.Resolution != ResolveKeepCurrent {
		t.Fatalf("got %+v", c)
	}
}

func TestClassifyContentMismatchDeletionsOnly(t *testing.T) {
	target := "one\ntwo\nthree"
	current := "one\ntwo"

	c := classifyContentMismatch("f.txt", current, target, true)
	if c.Kind != ConflictDeletionsOnly || c.Resolution != ResolveRestore {
		t.Fatalf("got %+v", c)
	}
}

func TestClassifyContentMismatchCommentsOnly(t *testing.T) {
	target := "code()\n# a note"
	current := "code()\n# a different note"

	c := classifyContentMismatch("f.py", current, target, true)
	if c.Kind != ConflictCommentsOnly || c.Resolution != ResolveKeepCurrent {
		t.Fatalf("got %+v", c)
	}
}

func TestClassifyContentMismatchWhitespaceOnly(t *testing.T) {
	target := "func  main() {\n  x := 1\n}"
	current := "func main() {\nx := 1\n}"

	c := classifyContentMismatch("f.go", current, target, true)
	if c.Kind != ConflictWhitespaceOnly || c.Resolution != ResolveKeepCurrent {
		t.Fatalf("got %+v", c)
	}
}

func TestClassifyContentMismatchFallsBackToThreeWayMerge(t *testing.T) {
	target := "alpha\nbeta\ngamma\ndelta\nepsilon\nzeta"
	current := "alpha\nBETA CHANGED\ngamma\ndelta\nepsilon\nZETA CHANGED"

	c := classifyContentMismatch("f.go", current, target, true)
	if c.Kind != ConflictContentMismatch || c.Resolution != ResolveThreeWayMerge {
		t.Fatalf("got %+v", c)
	}
}

func TestClassifyContentMismatchSuppressesMinorDifferences(t *testing.T) {
	// 25 lines, one of which differs: similarity 24/25 = 0.96.
	body := strings.Repeat("\tx++\n", 20)
	target := "package main\n\nfunc main() {\n" + body + "\tprintln(\"hello\")\n}\n"
	current := "package main\n\nfunc main() {\n" + body + "\tprintln(\"hello world\")\n}\n"

	c := classifyContentMismatch("f.go", current, target, false)
	if !c.Minor {
		t.Fatalf("expected a minor conflict for a near-identical file, got %+v", c)
	}
}

func TestClassifyFileDeletedSmallContentUsesSnapshot(t *testing.T) {
	c := classifyFileDeleted("notes.txt", "tiny")
	if c.Resolution != ResolveRestore {
		t.Fatalf("got %+v", c)
	}
}

func TestClassifyFileDeletedGeneratedPathUsesSnapshot(t *testing.T) {
	body := "this is a long generated build artifact that exceeds fifty characters easily"
	c := classifyFileDeleted("dist/bundle.js", body)
	if c.Resolution != ResolveRestore {
		t.Fatalf("got %+v", c)
	}
}

func TestClassifyFileDeletedNonGeneratedLongContentKeepsCurrent(t *testing.T) {
	body := "this is meaningful hand-written content that a user cares about keeping around"
	c := classifyFileDeleted("notes/important.md", body)
	if c.Resolution != ResolveKeepCurrent {
		t.Fatalf("got %+v", c)
	}
}
