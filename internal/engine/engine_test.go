package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud-sync/syncengine/internal/conflictclassify"
	"github.com/nextcloud-sync/syncengine/internal/detect"
	"github.com/nextcloud-sync/syncengine/internal/statestore"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

// memBackend is an in-memory storage.Storage used across engine tests: it
// actually moves bytes, unlike detect's fakeBackend which never needs to.
type memBackend struct {
	mu    sync.Mutex
	items map[string]storage.SyncItem
	blobs map[string][]byte

	// failNextRead, if set, is returned once from the next ReadFile call
	// and then cleared, to simulate a transient failure.
	failNextRead error
}

func newMemBackend() *memBackend {
	return &memBackend{items: map[string]storage.SyncItem{}, blobs: map[string][]byte{}}
}

func (m *memBackend) put(path string, content string, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[path] = storage.SyncItem{Path: path, Size: int64(len(content)), LastModified: modified}
	m.blobs[path] = []byte(content)
}

func (m *memBackend) putDir(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[path] = storage.SyncItem{Path: path, IsDirectory: true}
}

func lastSlashIdx(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}
	return -1
}

func (m *memBackend) ListItems(ctx context.Context, dir string) ([]storage.SyncItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.SyncItem
	for p, item := range m.items {
		parent := ""
		if idx := lastSlashIdx(p); idx >= 0 {
			parent = p[:idx]
		}
		if parent == dir {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *memBackend) GetItem(ctx context.Context, path string) (*storage.SyncItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[path]; ok {
		return &it, nil
	}
	return nil, nil
}

func (m *memBackend) ReadFile(ctx context.Context, path string, progress storage.ProgressFunc) (io.ReadCloser, error) {
	m.mu.Lock()
	if m.failNextRead != nil {
		err := m.failNextRead
		m.failNextRead = nil
		m.mu.Unlock()
		return nil, err
	}
	b, ok := m.blobs[path]
	m.mu.Unlock()
	if !ok {
		return nil, &storage.NotFoundError{Path: path}
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBackend) WriteFile(ctx context.Context, path string, content io.Reader, size int64, progress storage.ProgressFunc) error {
	b, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[path] = b
	m.items[path] = storage.SyncItem{Path: path, Size: int64(len(b)), LastModified: time.Now()}
	if progress != nil {
		progress(storage.ProgressEvent{Path: path, BytesTransferred: int64(len(b)), TotalBytes: size, Percent: 100})
	}
	return nil
}

func (m *memBackend) CreateDirectory(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[path] = storage.SyncItem{Path: path, IsDirectory: true}
	return nil
}

func (m *memBackend) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, path)
	delete(m.blobs, path)
	return nil
}

func (m *memBackend) Move(ctx context.Context, source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[source]; ok {
		it.Path = target
		m.items[target] = it
		delete(m.items, source)
	}
	if b, ok := m.blobs[source]; ok {
		m.blobs[target] = b
		delete(m.blobs, source)
	}
	return nil
}

func (m *memBackend) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[path]
	return ok, nil
}

func (m *memBackend) StorageInfoOf(ctx context.Context) (storage.StorageInfo, error) {
	return storage.StorageInfo{Total: -1, Used: -1}, nil
}

func (m *memBackend) ComputeHash(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[path]
	if !ok {
		return "", &storage.NotFoundError{Path: path}
	}
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

func (m *memBackend) TestConnection(ctx context.Context) (bool, error) { return true, nil }

var _ storage.Storage = (*memBackend)(nil)

func newTestStore(t *testing.T) *statestore.Store {
	t.Helper()
	store, err := statestore.Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPreview_DoesNotMutateStore(t *testing.T) {
	local := newMemBackend()
	remote := newMemBackend()
	local.put("a.txt", "hello", time.Now())
	remote.put("a.txt", "hello", time.Now())
	store := newTestStore(t)

	// Seed a shadow row that both sides now disagree with (as if this were
	// stale), so a non-read-only Detect would be tempted to clear it.
	require.NoError(t, store.Upsert(context.Background(), &statestore.SyncState{Path: "gone.txt", Status: statestore.StatusSynced}))

	e := New(local, remote, store, nil, nil, nil)
	plan, err := e.Preview(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.NotNil(t, plan)

	state, err := store.Get(context.Background(), "gone.txt")
	require.NoError(t, err)
	assert.NotNil(t, state, "Preview must not clear stale shadow rows")
}

func TestSynchronize_UploadsNewLocalFile(t *testing.T) {
	local := newMemBackend()
	remote := newMemBackend()
	local.put("a.txt", "hello", time.Now())
	store := newTestStore(t)

	e := New(local, remote, store, nil, nil, nil)
	result, err := e.Synchronize(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	assert.Equal(t, 1, result.FilesSynchronized)
	assert.EqualValues(t, 5, result.BytesUp)

	remoteItem, err := remote.GetItem(context.Background(), "a.txt")
	require.NoError(t, err)
	require.NotNil(t, remoteItem)

	state, err := store.Get(context.Background(), "a.txt")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, statestore.StatusSynced, state.Status)
}

func TestSynchronize_DownloadsNewRemoteFile(t *testing.T) {
	local := newMemBackend()
	remote := newMemBackend()
	remote.put("b.txt", "world", time.Now())
	store := newTestStore(t)

	e := New(local, remote, store, nil, nil, nil)
	result, err := e.Synchronize(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	assert.EqualValues(t, 5, result.BytesDown)

	localItem, err := local.GetItem(context.Background(), "b.txt")
	require.NoError(t, err)
	require.NotNil(t, localItem)
}

// TestSynchronize_UpdatesAlreadySyncedFileOnLocalModification covers the
// "pure local modification" scenario: a file both sides already agree on
// (a Synced shadow row) is edited locally only. Upload must still happen —
// the destination already existing is not a reason to skip it — and the
// resulting shadow row must satisfy local_hash==remote_hash.
func TestSynchronize_UpdatesAlreadySyncedFileOnLocalModification(t *testing.T) {
	local := newMemBackend()
	remote := newMemBackend()
	older := time.Now().Add(-time.Hour)
	local.put("doc.txt", "original", older)
	remote.put("doc.txt", "original", older)
	store := newTestStore(t)

	originalHash := sha256.Sum256([]byte("original"))
	require.NoError(t, store.Upsert(context.Background(), &statestore.SyncState{
		Path:           "doc.txt",
		LocalSize:      int64(len("original")),
		LocalModified:  older,
		LocalHash:      base64.StdEncoding.EncodeToString(originalHash[:]),
		RemoteSize:     int64(len("original")),
		RemoteModified: older,
		RemoteHash:     base64.StdEncoding.EncodeToString(originalHash[:]),
		Status:         statestore.StatusSynced,
	}))

	local.put("doc.txt", "modified content", time.Now())

	e := New(local, remote, store, nil, nil, nil)
	result, err := e.Synchronize(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	assert.Equal(t, 1, result.FilesSynchronized)

	remoteContent, err := remote.ReadFile(context.Background(), "doc.txt", nil)
	require.NoError(t, err)
	b, err := io.ReadAll(remoteContent)
	require.NoError(t, err)
	assert.Equal(t, "modified content", string(b), "remote must actually receive the modified content, not be skipped because it already exists")

	state, err := store.Get(context.Background(), "doc.txt")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, statestore.StatusSynced, state.Status)
	assert.Equal(t, state.RemoteHash, state.LocalHash, "a Synced row must have local_hash==remote_hash")
	assert.NotEqual(t, base64.StdEncoding.EncodeToString(originalHash[:]), state.LocalHash, "hash must reflect the modified content, not the stale original")
}

func TestSynchronize_DeletesLocalWhenShadowPresentAndRemoteGone(t *testing.T) {
	local := newMemBackend()
	remote := newMemBackend()
	now := time.Now()
	local.put("c.txt", "stale", now)
	store := newTestStore(t)
	require.NoError(t, store.Upsert(context.Background(), &statestore.SyncState{
		Path: "c.txt", LocalSize: 5, LocalModified: now, RemoteSize: 5, RemoteModified: now, Status: statestore.StatusSynced,
	}))

	e := New(local, remote, store, nil, nil, nil)
	result, err := e.Synchronize(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Errors)

	exists, err := local.Exists(context.Background(), "c.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSynchronize_ConflictAppliesRecommendedResolution(t *testing.T) {
	local := newMemBackend()
	remote := newMemBackend()
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	local.put("conflict.txt", "local-version", newer)
	remote.put("conflict.txt", "remote-version-longer", older)
	store := newTestStore(t)

	e := New(local, remote, store, nil, nil, nil)
	result, err := e.Synchronize(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	assert.Equal(t, 1, result.ConflictsResolved)

	remoteItem, err := remote.GetItem(context.Background(), "conflict.txt")
	require.NoError(t, err)
	require.NotNil(t, remoteItem)
	assert.EqualValues(t, len("local-version"), remoteItem.Size, "newer local side should have won and overwritten remote")
}

func TestSynchronize_ConflictOverrideBypassesResolver(t *testing.T) {
	local := newMemBackend()
	remote := newMemBackend()
	now := time.Now()
	local.put("pick.txt", "loser", now)
	remote.put("pick.txt", "winner-content", now)
	store := newTestStore(t)

	useRemote := conflictclassify.ResolutionUseRemote
	e := New(local, remote, store, nil, nil, nil)
	result, err := e.Synchronize(context.Background(), SyncOptions{ConflictResolutionOverride: &useRemote})
	require.NoError(t, err)
	require.Empty(t, result.Errors)

	localItem, err := local.GetItem(context.Background(), "pick.txt")
	require.NoError(t, err)
	require.NotNil(t, localItem)
	assert.EqualValues(t, len("winner-content"), localItem.Size)
}

func TestSynchronizePaths_RetriesOnceOnAuthError(t *testing.T) {
	local := newMemBackend()
	remote := newMemBackend()
	remote.put("retry.txt", "payload", time.Now())
	remote.failNextRead = &storage.AuthError{Detail: "token expired"}
	store := newTestStore(t)

	e := New(local, remote, store, nil, nil, nil)
	result, err := e.Synchronize(context.Background(), SyncOptions{})
	require.NoError(t, err)
	require.Empty(t, result.Errors, "the retried pass should succeed once the transient auth error has been consumed")
	assert.Equal(t, 1, result.FilesSynchronized)
}

func TestCancel_WithoutRunInProgressIsNoOp(t *testing.T) {
	local := newMemBackend()
	remote := newMemBackend()
	local.put("one.txt", "a", time.Now())
	local.put("two.txt", "b", time.Now())
	store := newTestStore(t)

	e := New(local, remote, store, nil, nil, nil)
	e.Cancel() // no run in progress yet; must be a harmless no-op
	result, err := e.Synchronize(context.Background(), SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.FilesSynchronized)
}

func TestPauseResume_WaitIfPausedBlocksUntilResume(t *testing.T) {
	e := New(newMemBackend(), newMemBackend(), newTestStore(t), nil, nil, nil)
	e.Pause()

	done := make(chan error, 1)
	go func() { done <- e.waitIfPaused(context.Background()) }()

	select {
	case <-done:
		t.Fatal("waitIfPaused returned before Resume was called")
	case <-time.After(20 * time.Millisecond):
	}

	e.Resume()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waitIfPaused did not unblock after Resume")
	}
}

func TestGroupByPhase_OrdersCreatesDeletesConflicts(t *testing.T) {
	ct := detect.ConflictBothModified
	actions := []detect.PlanAction{
		{ActionType: statestore.ActionConflict, Path: "c", ConflictType: &ct},
		{ActionType: statestore.ActionDeleteLocal, Path: "d"},
		{ActionType: statestore.ActionUpload, Path: "u"},
		{ActionType: statestore.ActionMove, Path: "m"},
	}
	phases := groupByPhase(actions)
	require.Len(t, phases, 3)
	assert.Equal(t, "creates", phases[0].name)
	assert.ElementsMatch(t, []string{"u", "m"}, pathsOf(phases[0].actions))
	assert.Equal(t, "deletes", phases[1].name)
	assert.ElementsMatch(t, []string{"d"}, pathsOf(phases[1].actions))
	assert.Equal(t, "conflicts", phases[2].name)
	assert.ElementsMatch(t, []string{"c"}, pathsOf(phases[2].actions))
}

func pathsOf(actions []detect.PlanAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Path
	}
	return out
}
