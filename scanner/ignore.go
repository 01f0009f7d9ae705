package scanner

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"rewind/config"
)

// builtinIgnoreDirs are always skipped, anywhere in the tree.
var builtinIgnoreDirs = map[string]bool{
	".git": true, ".svn": true, ".hg": true,
	"__pycache__": true, ".pytest_cache": true,
	"node_modules": true, ".npm": true,
	".vscode": true, ".idea": true,
	"venv": true, ".venv": true, "env": true,
	"target": true, "build": true, "dist": true,
}

// builtinIgnoreSuffixes are always skipped for files.
var builtinIgnoreSuffixes = []string{".pyc", ".pyo", ".pyd", ".log", ".tmp", ".temp"}

// ignoreRules evaluates the ignore policy in order: the reserved
// directory, built-in directory and suffix sets, dotfiles, then any
// compiled root .gitignore.
type ignoreRules struct {
	root    string
	matcher gitignore.Matcher
}

// newIgnoreRules compiles the root .gitignore (if present and enabled)
// into a matcher, in addition to the built-in rules.
func newIgnoreRules(root string, respectGitignore bool) (*ignoreRules, error) {
	ir := &ignoreRules{root: root}

	if !respectGitignore {
		return ir, nil
	}

	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err != nil {
		if os.IsNotExist(err) {
			return ir, nil
		}
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	ir.matcher = gitignore.NewMatcher(patterns)
	return ir, nil
}

// skipDir reports whether a directory (given as a path relative to root,
// using '/' separators) must be skipped entirely: the reserved
// directory, built-in directory names, dot-directories, and any
// compiled .gitignore match.
func (ir *ignoreRules) skipDir(relPath, name string) bool {
	if relPath == config.ReservedDir || strings.HasPrefix(relPath, config.ReservedDir+"/") {
		return true
	}
	if builtinIgnoreDirs[name] {
		return true
	}
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	if ir.matcher != nil && ir.matcher.Match(splitPath(relPath), true) {
		return true
	}
	return false
}

// skipFile reports whether a file must be skipped: dotfiles, built-in
// suffixes, and any compiled .gitignore match.
func (ir *ignoreRules) skipFile(relPath, name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, suffix := range builtinIgnoreSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	if ir.matcher != nil && ir.matcher.Match(splitPath(relPath), false) {
		return true
	}
	return false
}

func splitPath(relPath string) []string {
	if relPath == "" || relPath == "." {
		return nil
	}
	return strings.Split(filepath.ToSlash(relPath), "/")
}
