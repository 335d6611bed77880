// Package exclude implements gitignore-style exclusion patterns used by
// the change detector and sync engine to skip paths the caller doesn't
// want reconciled.
package exclude

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// Pattern represents a single compiled exclusion pattern.
type Pattern struct {
	Raw       string // original pattern string
	glob      glob.Glob
	Negated   bool // pattern starts with !
	DirOnly   bool // pattern ends with /
	Recursive bool // pattern contains **
	Absolute  bool // pattern starts with /
	anyDepth  bool // compiled glob starts with "**/"
}

// PatternSet is a collection of exclusion patterns evaluated in order, with
// later patterns (including negations) overriding earlier matches — the
// same precedence .gitignore uses.
type PatternSet struct {
	patterns []*Pattern
	sources  []string
}

// NewPatternSet creates a new empty pattern set.
func NewPatternSet() *PatternSet {
	return &PatternSet{
		patterns: make([]*Pattern, 0),
		sources:  make([]string, 0),
	}
}

// ParsePatterns reads patterns from a file.
func ParsePatterns(filePath string) (*PatternSet, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open pattern file %s: %w", filePath, err)
	}
	defer file.Close()

	return ParsePatternsFromReader(file, filePath)
}

// ParsePatternsFromReader reads patterns from any io.Reader.
func ParsePatternsFromReader(reader io.Reader, source string) (*PatternSet, error) {
	set := NewPatternSet()
	set.sources = append(set.sources, source)

	scanner := bufio.NewScanner(reader)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		pattern, err := parsePattern(line)
		if err != nil {
			return nil, fmt.Errorf("error in %s at line %d: %w", source, lineNum, err)
		}
		if pattern != nil {
			set.patterns = append(set.patterns, pattern)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}

	return set, nil
}

// parsePattern converts a gitignore-style line into a compiled Pattern,
// translating the gitignore wildcard grammar into gobwas/glob syntax before
// compiling with "/" as glob's separator. "**" passes through unchanged and
// matches across separators; because glob's "**" followed by a literal "/"
// needs at least one directory, matches also tries a leading "**/" against
// a path at the top level. Single "*" and "?" pass through unchanged since both
// grammars give them the same meaning within one path segment once "/" is
// registered as glob's separator.
func parsePattern(line string) (*Pattern, error) {
	pattern := &Pattern{Raw: line}

	if strings.HasPrefix(line, "!") {
		pattern.Negated = true
		line = line[1:]
	}

	if strings.HasSuffix(line, "/") {
		pattern.DirOnly = true
		line = strings.TrimSuffix(line, "/")
	}

	pattern.Recursive = strings.Contains(line, "**")

	if strings.HasPrefix(line, "/") {
		pattern.Absolute = true
		line = strings.TrimPrefix(line, "/")
	}

	globPattern := toGlobSyntax(line, pattern.Absolute)
	pattern.anyDepth = strings.HasPrefix(globPattern, "**/")

	compiled, err := glob.Compile(globPattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", line, err)
	}
	pattern.glob = compiled

	return pattern, nil
}

// toGlobSyntax rewrites a gitignore segment into the form gobwas/glob
// expects for matching against a path relative to the pattern set's root.
// Non-absolute, non-recursive patterns (e.g. "*.tmp") must match at any
// depth, so they're expanded to "**/<pattern>" the way git itself treats a
// pattern with no slash in it.
func toGlobSyntax(line string, absolute bool) string {
	if absolute || strings.Contains(line, "**") {
		return line
	}
	if strings.Contains(line, "/") {
		// a pattern containing a slash (but not "**") anchors at the root,
		// matching git's own semantics for such patterns.
		return line
	}
	return "**/" + line
}

// matches reports whether relPath (always a normalized, forward-slash
// relative path) matches this pattern.
func (p *Pattern) matches(relPath string, isDir bool) bool {
	if p.DirOnly && !isDir {
		return false
	}
	if p.glob.Match(relPath) {
		return true
	}
	// A leading "**/" also matches zero directories ("**/build" matches
	// "build"), which glob's "**" plus a literal "/" does not cover.
	return p.anyDepth && p.glob.Match("/"+relPath)
}

// LoadDefaultPatterns returns the built-in exclusions applied regardless
// of any .syncignore file.
func LoadDefaultPatterns() *PatternSet {
	defaults := []string{
		".DS_Store",
		"Thumbs.db",
		"*.tmp",
		"*.temp",
		"*.log",
		".git/",
		".svn/",
		"node_modules/",
		".sync-state/",
		"*.swp",
		"*.swo",
		"*~",
	}

	set := NewPatternSet()
	set.sources = append(set.sources, "default")

	for _, raw := range defaults {
		parsed, err := parsePattern(raw)
		if err != nil {
			continue // built-in patterns are always valid
		}
		set.patterns = append(set.patterns, parsed)
	}

	return set
}

// AddPattern compiles and appends a single pattern to the set.
func (ps *PatternSet) AddPattern(raw string) error {
	parsed, err := parsePattern(raw)
	if err != nil {
		return fmt.Errorf("invalid pattern %q: %w", raw, err)
	}
	ps.patterns = append(ps.patterns, parsed)
	ps.sources = append(ps.sources, "manual")
	return nil
}

// Merge appends another PatternSet's patterns onto this one.
func (ps *PatternSet) Merge(other *PatternSet) {
	if other == nil {
		return
	}
	ps.patterns = append(ps.patterns, other.patterns...)
	ps.sources = append(ps.sources, other.sources...)
}

// GetPatterns returns all patterns in the set, in evaluation order.
func (ps *PatternSet) GetPatterns() []*Pattern {
	return ps.patterns
}

// GetSources returns the source files (or "default"/"manual") that
// contributed patterns to this set.
func (ps *PatternSet) GetSources() []string {
	return ps.sources
}

// Size returns the number of patterns in the set.
func (ps *PatternSet) Size() int {
	return len(ps.patterns)
}

// IsEmpty reports whether the set has no patterns.
func (ps *PatternSet) IsEmpty() bool {
	return len(ps.patterns) == 0
}

// LoadFromFile loads patterns from a ".syncignore" file in dirPath, or
// returns an empty set if no such file exists.
func LoadFromFile(dirPath string) (*PatternSet, error) {
	ignoreFile := filepath.Join(dirPath, ".syncignore")

	if _, err := os.Stat(ignoreFile); os.IsNotExist(err) {
		return NewPatternSet(), nil
	}

	return ParsePatterns(ignoreFile)
}

// LoadFromFiles loads and merges patterns from multiple files.
func LoadFromFiles(filePaths []string) (*PatternSet, error) {
	set := NewPatternSet()
	for _, path := range filePaths {
		patterns, err := ParsePatterns(path)
		if err != nil {
			return nil, fmt.Errorf("load patterns from %s: %w", path, err)
		}
		set.Merge(patterns)
	}
	return set, nil
}
