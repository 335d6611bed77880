package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_RootForms(t *testing.T) {
	assert.Equal(t, "", Normalize("/"))
	assert.Equal(t, "", Normalize(""))
	assert.Equal(t, "", Normalize("./"))
	assert.Equal(t, "", Normalize("."))
}

func TestNormalize_Backslashes(t *testing.T) {
	assert.Equal(t, "a/b/c", Normalize(`a\b\c`))
}

func TestNormalize_StripsSlashes(t *testing.T) {
	assert.Equal(t, "a/b", Normalize("/a/b/"))
	assert.Equal(t, "a/b", Normalize("//a//b//"))
}

func TestNormalize_CollapsesParentReferences(t *testing.T) {
	assert.Equal(t, "a/c", Normalize("a/b/../c"))
	assert.Equal(t, "c", Normalize("../../c"))
	assert.Equal(t, "", Normalize(".."))
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{"/a/b/", "a\\b\\c", "./x/./y/", ""}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "not idempotent for %q", in)
	}
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "a/b/c", Join("a", "b", "c"))
	assert.Equal(t, "a/c", Join("a", "", "c"))
	assert.Equal(t, "", Join("", ""))
}

func TestParentAndBase(t *testing.T) {
	assert.Equal(t, "a/b", Parent("a/b/c"))
	assert.Equal(t, "", Parent("a"))
	assert.Equal(t, "c", Base("a/b/c"))
}

func TestDepth(t *testing.T) {
	assert.Equal(t, 0, Depth(""))
	assert.Equal(t, 1, Depth("a"))
	assert.Equal(t, 3, Depth("a/b/c"))
}

func TestIsUnder(t *testing.T) {
	assert.True(t, IsUnder("", "anything"))
	assert.True(t, IsUnder("a/b", "a/b"))
	assert.True(t, IsUnder("a/b", "a/b/c"))
	assert.False(t, IsUnder("a/b", "a/bc"))
}

func TestResolveUnderRoot_AllowsNested(t *testing.T) {
	resolved, err := ResolveUnderRoot("/home/user/sync", "/", "docs/report.txt", false)
	require.NoError(t, err)
	assert.Equal(t, "/home/user/sync/docs/report.txt", resolved)
}

func TestResolveUnderRoot_RejectsEscape(t *testing.T) {
	_, err := ResolveUnderRoot("/home/user/sync", "/", "../../etc/passwd", false)
	require.Error(t, err)
	var escErr *PathEscapeError
	require.ErrorAs(t, err, &escErr)
}

func TestResolveUnderRoot_ClampedReferenceStaysUnderRoot(t *testing.T) {
	resolved, err := ResolveUnderRoot("/home/user/sync", "/", "a/../docs/report.txt", false)
	require.NoError(t, err)
	assert.Equal(t, "/home/user/sync/docs/report.txt", resolved)
}

func TestResolveUnderRoot_CaseInsensitive(t *testing.T) {
	resolved, err := ResolveUnderRoot("/Home/User", "/", "Docs", true)
	require.NoError(t, err)
	assert.Equal(t, "/Home/User/Docs", resolved)
}
