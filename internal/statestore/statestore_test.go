package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(context.Background(), filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_GetMissingReturnsNilNotError(t *testing.T) {
	store := newTestStore(t)
	state, err := store.Get(context.Background(), "missing.txt")
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestStore_UpsertAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	in := &SyncState{
		Path:          "docs/report.txt",
		LocalHash:     "H1",
		RemoteHash:    "H1",
		LocalModified: now,
		RemoteModified: now,
		LocalSize:     10,
		RemoteSize:    10,
		Status:        StatusSynced,
		LastSyncTime:  now,
	}
	require.NoError(t, store.Upsert(ctx, in))

	out, err := store.Get(ctx, "docs/report.txt")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "H1", out.LocalHash)
	assert.Equal(t, StatusSynced, out.Status)
	assert.True(t, out.LocalModified.Equal(now))
}

func TestStore_UpsertOverwritesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &SyncState{Path: "a.txt", Status: StatusLocalNew}))
	require.NoError(t, store.Upsert(ctx, &SyncState{Path: "a.txt", Status: StatusSynced}))

	out, err := store.Get(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, out.Status)
}

func TestStore_GetByStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &SyncState{Path: "a.txt", Status: StatusConflict}))
	require.NoError(t, store.Upsert(ctx, &SyncState{Path: "b.txt", Status: StatusSynced}))
	require.NoError(t, store.Upsert(ctx, &SyncState{Path: "c.txt", Status: StatusConflict}))

	rows, err := store.GetByStatus(ctx, StatusConflict)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &SyncState{Path: "a.txt", Status: StatusSynced}))
	require.NoError(t, store.Delete(ctx, "a.txt"))

	out, err := store.Get(ctx, "a.txt")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestStore_Clear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &SyncState{Path: "a.txt", Status: StatusSynced}))
	_, err := store.LogOperation(ctx, &OperationLogEntry{
		Path: "a.txt", ActionType: ActionUpload, Source: SourceLocal,
		StartedAt: time.Now(), CompletedAt: time.Now(), Success: true,
	})
	require.NoError(t, err)

	require.NoError(t, store.Clear(ctx))

	all, err := store.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	ops, err := store.GetRecentOperations(ctx, 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestStore_GetStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &SyncState{Path: "a.txt", Status: StatusSynced}))
	require.NoError(t, store.Upsert(ctx, &SyncState{Path: "b.txt", Status: StatusSynced}))
	require.NoError(t, store.Upsert(ctx, &SyncState{Path: "c.txt", Status: StatusConflict}))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CountByStatus[StatusSynced])
	assert.Equal(t, 1, stats.CountByStatus[StatusConflict])
}

func TestStore_LogOperationAndGetRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		_, err := store.LogOperation(ctx, &OperationLogEntry{
			Path:        "a.txt",
			ActionType:  ActionUpload,
			Source:      SourceLocal,
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			CompletedAt: base.Add(time.Duration(i)*time.Second + 100*time.Millisecond),
			Success:     true,
		})
		require.NoError(t, err)
	}

	entries, err := store.GetRecentOperations(ctx, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// ordered by completed_at DESC
	assert.True(t, entries[0].CompletedAt.After(entries[1].CompletedAt) ||
		entries[0].CompletedAt.Equal(entries[1].CompletedAt))
}

func TestStore_ClearOperationHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	_, err := store.LogOperation(ctx, &OperationLogEntry{
		Path: "old.txt", ActionType: ActionUpload, Source: SourceLocal,
		StartedAt: old, CompletedAt: old, Success: true,
	})
	require.NoError(t, err)
	_, err = store.LogOperation(ctx, &OperationLogEntry{
		Path: "new.txt", ActionType: ActionUpload, Source: SourceLocal,
		StartedAt: recent, CompletedAt: recent, Success: true,
	})
	require.NoError(t, err)

	cutoff := time.Now().Add(-24 * time.Hour)
	count, err := store.ClearOperationHistory(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	remaining, err := store.GetRecentOperations(ctx, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "new.txt", remaining[0].Path)
}

func TestStore_OperationDuration(t *testing.T) {
	start := time.Now()
	entry := OperationLogEntry{StartedAt: start, CompletedAt: start.Add(2 * time.Second)}
	assert.Equal(t, 2*time.Second, entry.Duration())
}
