package exclude

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "pkg", "index.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip.tmp"), []byte("x"), 0o644))
	return root
}

func TestMatcher_ShouldExclude(t *testing.T) {
	set := NewPatternSet()
	require.NoError(t, set.AddPattern("*.tmp"))
	m := NewMatcher("/root", set)

	assert.True(t, m.ShouldExcludeFile("a.tmp"))
	assert.False(t, m.ShouldExcludeFile("a.txt"))
}

func TestMatcher_NegationOverridesEarlierExclude(t *testing.T) {
	set := NewPatternSet()
	require.NoError(t, set.AddPattern("*.tmp"))
	require.NoError(t, set.AddPattern("!important.tmp"))
	m := NewMatcher("/root", set)

	assert.False(t, m.ShouldExcludeFile("important.tmp"))
	assert.True(t, m.ShouldExcludeFile("other.tmp"))
}

func TestMatcher_Walk_SkipsExcludedDirectories(t *testing.T) {
	root := setupTree(t)
	set := NewPatternSet()
	require.NoError(t, set.AddPattern("node_modules/"))
	m := NewMatcher(root, set)

	var visited []string
	err := m.Walk(func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != root {
			rel, _ := filepath.Rel(root, path)
			visited = append(visited, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)

	assert.Contains(t, visited, "keep.txt")
	assert.Contains(t, visited, "skip.tmp")
	assert.NotContains(t, visited, "node_modules")
	for _, v := range visited {
		assert.NotContains(t, v, "node_modules")
	}
}

func TestMatcher_GetExcludedPaths(t *testing.T) {
	root := setupTree(t)
	set := NewPatternSet()
	require.NoError(t, set.AddPattern("*.tmp"))
	m := NewMatcher(root, set)

	excluded, err := m.GetExcludedPaths()
	require.NoError(t, err)
	assert.Contains(t, excluded, "skip.tmp")
}

func TestMatcher_Clone(t *testing.T) {
	set := NewPatternSet()
	require.NoError(t, set.AddPattern("*.tmp"))
	m := NewMatcher("/root", set)

	cloned := m.Clone()
	require.NoError(t, cloned.patterns.AddPattern("*.log"))

	assert.Equal(t, 1, m.patterns.Size())
	assert.Equal(t, 2, cloned.patterns.Size())
}
