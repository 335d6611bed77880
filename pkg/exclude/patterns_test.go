package exclude

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePattern_SimpleExtension(t *testing.T) {
	p, err := parsePattern("*.tmp")
	require.NoError(t, err)
	assert.True(t, p.matches("a.tmp", false))
	assert.True(t, p.matches("dir/b.tmp", false))
	assert.False(t, p.matches("a.txt", false))
}

func TestParsePattern_Negation(t *testing.T) {
	p, err := parsePattern("!important.tmp")
	require.NoError(t, err)
	assert.True(t, p.Negated)
	assert.True(t, p.matches("important.tmp", false))
}

func TestParsePattern_DirOnly(t *testing.T) {
	p, err := parsePattern("node_modules/")
	require.NoError(t, err)
	assert.True(t, p.DirOnly)
	assert.True(t, p.matches("node_modules", true))
	assert.False(t, p.matches("node_modules", false))
}

func TestParsePattern_RecursiveDoubleStar(t *testing.T) {
	p, err := parsePattern("**/build")
	require.NoError(t, err)
	assert.True(t, p.Recursive)
	assert.True(t, p.matches("build", false))
	assert.True(t, p.matches("a/b/build", false))
}

func TestParsePattern_Absolute(t *testing.T) {
	p, err := parsePattern("/root-only.txt")
	require.NoError(t, err)
	assert.True(t, p.Absolute)
	assert.True(t, p.matches("root-only.txt", false))
	assert.False(t, p.matches("nested/root-only.txt", false))
}

func TestLoadDefaultPatterns(t *testing.T) {
	set := LoadDefaultPatterns()
	assert.False(t, set.IsEmpty())
	assert.Greater(t, set.Size(), 0)
}

func TestParsePatternsFromReader_SkipsCommentsAndBlankLines(t *testing.T) {
	reader := strings.NewReader("# comment\n\n*.log\n")
	set, err := ParsePatternsFromReader(reader, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, set.Size())
}

func TestPatternSet_Merge(t *testing.T) {
	a := NewPatternSet()
	require.NoError(t, a.AddPattern("*.tmp"))
	b := NewPatternSet()
	require.NoError(t, b.AddPattern("*.log"))

	a.Merge(b)
	assert.Equal(t, 2, a.Size())
}
