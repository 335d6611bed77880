package exclude

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Matcher evaluates a PatternSet against real paths under a fixed root,
// applying gitignore-style override semantics: the last matching pattern
// (by evaluation order) wins, and a later negated pattern re-includes a
// path an earlier pattern excluded.
type Matcher struct {
	root     string
	patterns *PatternSet
}

// NewMatcher returns a Matcher rooted at root.
func NewMatcher(root string, patterns *PatternSet) *Matcher {
	return &Matcher{root: root, patterns: patterns}
}

// ShouldExclude reports whether relPath (relative to the matcher's root)
// should be excluded from sync, given its file-vs-directory kind.
func (m *Matcher) ShouldExclude(relPath string, isDir bool) bool {
	relPath = filepath.ToSlash(relPath)
	relPath = strings.TrimPrefix(relPath, "/")

	excluded := false
	for _, p := range m.patterns.GetPatterns() {
		if p.matches(relPath, isDir) {
			excluded = !p.Negated
		}
	}
	return excluded
}

// ShouldExcludeFile is a convenience wrapper for a non-directory path.
func (m *Matcher) ShouldExcludeFile(relPath string) bool {
	return m.ShouldExclude(relPath, false)
}

// ShouldExcludeDir is a convenience wrapper for a directory path.
func (m *Matcher) ShouldExcludeDir(relPath string) bool {
	return m.ShouldExclude(relPath, true)
}

// getRelativePath computes path relative to the matcher's root.
func (m *Matcher) getRelativePath(path string) (string, error) {
	rel, err := filepath.Rel(m.root, path)
	if err != nil {
		return "", fmt.Errorf("compute relative path for %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}

// Walk walks the root, invoking fn for every included path and skipping
// excluded directories entirely (SkipDir), matching filepath.Walk's
// visitor signature.
func (m *Matcher) Walk(fn filepath.WalkFunc) error {
	return filepath.Walk(m.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fn(path, info, err)
		}
		if path == m.root {
			return fn(path, info, nil)
		}

		rel, relErr := m.getRelativePath(path)
		if relErr != nil {
			return fn(path, info, relErr)
		}

		if m.ShouldExclude(rel, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		return fn(path, info, nil)
	})
}

// GetExcludedPaths walks the root and returns every path the pattern set
// excludes.
func (m *Matcher) GetExcludedPaths() ([]string, error) {
	var excluded []string
	err := filepath.Walk(m.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || path == m.root {
			return err
		}
		rel, relErr := m.getRelativePath(path)
		if relErr != nil {
			return relErr
		}
		if m.ShouldExclude(rel, info.IsDir()) {
			excluded = append(excluded, rel)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	return excluded, err
}

// GetIncludedPaths walks the root and returns every path the pattern set
// does not exclude.
func (m *Matcher) GetIncludedPaths() ([]string, error) {
	var included []string
	err := m.Walk(func(path string, info os.FileInfo, err error) error {
		if err != nil || path == m.root {
			return err
		}
		rel, relErr := m.getRelativePath(path)
		if relErr != nil {
			return relErr
		}
		included = append(included, rel)
		return nil
	})
	return included, err
}

// Clone returns a Matcher with the same root and a new PatternSet
// containing the same patterns, safe to mutate independently.
func (m *Matcher) Clone() *Matcher {
	cloned := NewPatternSet()
	cloned.Merge(m.patterns)
	return NewMatcher(m.root, cloned)
}
