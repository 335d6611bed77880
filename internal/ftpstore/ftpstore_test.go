package ftpstore

import (
	"errors"
	"net/textproto"
	"os"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsMissingFields(t *testing.T) {
	_, err := New(Options{Username: "bob"})
	assert.Error(t, err)

	_, err = New(Options{Host: "example.com"})
	assert.Error(t, err)
}

func TestNew_DefaultsPortTimeoutRetryLogger(t *testing.T) {
	b, err := New(Options{Host: "example.com", Username: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 21, b.opts.Port)
	assert.Equal(t, 30*time.Second, b.opts.DialTimeout)
	require.NotNil(t, b.retryConfig)
	require.NotNil(t, b.logger)
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, isConnectionError(os.ErrClosed))
	assert.False(t, isConnectionError(&textproto.Error{Code: statusFileUnavailable, Msg: "not found"}))
	assert.False(t, isConnectionError(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&textproto.Error{Code: statusFileUnavailable, Msg: "no such file"}))
	assert.False(t, isNotFound(&textproto.Error{Code: 550 + 1, Msg: "other"}))
	assert.False(t, isNotFound(errors.New("boom")))
	assert.False(t, isNotFound(nil))
}

func TestResolve_JoinsUnderRoot(t *testing.T) {
	b := &Backend{opts: Options{Root: "/home/bob/sync"}}
	full, err := b.resolve("docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "/home/bob/sync/docs/a.txt", full)
}

func TestResolve_NormalizesParentReferencesWithinRoot(t *testing.T) {
	b := &Backend{opts: Options{Root: "/home/bob/sync"}}
	full, err := b.resolve("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, "/home/bob/sync/etc/passwd", full)
}

func TestEntryToSyncItem_MapsFolderAndLink(t *testing.T) {
	modTime := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	dirEntry := &ftp.Entry{Name: "docs", Type: ftp.EntryTypeFolder, Size: 0, Time: modTime}
	item := entryToSyncItem("docs", dirEntry)
	assert.True(t, item.IsDirectory)
	assert.False(t, item.IsSymlink)
	assert.Equal(t, modTime, item.LastModified)

	linkEntry := &ftp.Entry{Name: "shortcut", Type: ftp.EntryTypeLink, Size: 12}
	linkItem := entryToSyncItem("shortcut", linkEntry)
	assert.True(t, linkItem.IsSymlink)
	assert.Equal(t, int64(12), linkItem.Size)
}
