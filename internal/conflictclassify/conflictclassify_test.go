package conflictclassify

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud-sync/syncengine/internal/detect"
	"github.com/nextcloud-sync/syncengine/internal/statestore"
	"github.com/nextcloud-sync/syncengine/internal/storage"
)

type fakeBackend struct {
	items map[string]storage.SyncItem
}

func (f *fakeBackend) GetItem(ctx context.Context, path string) (*storage.SyncItem, error) {
	if it, ok := f.items[path]; ok {
		return &it, nil
	}
	return nil, nil
}
func (f *fakeBackend) ListItems(ctx context.Context, path string) ([]storage.SyncItem, error) {
	return nil, nil
}
func (f *fakeBackend) ReadFile(ctx context.Context, path string, progress storage.ProgressFunc) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}
func (f *fakeBackend) WriteFile(ctx context.Context, path string, content io.Reader, size int64, progress storage.ProgressFunc) error {
	return nil
}
func (f *fakeBackend) CreateDirectory(ctx context.Context, path string) error { return nil }
func (f *fakeBackend) Delete(ctx context.Context, path string) error         { return nil }
func (f *fakeBackend) Move(ctx context.Context, source, target string) error { return nil }
func (f *fakeBackend) Exists(ctx context.Context, path string) (bool, error) { return false, nil }
func (f *fakeBackend) StorageInfoOf(ctx context.Context) (storage.StorageInfo, error) {
	return storage.StorageInfo{Total: -1, Used: -1}, nil
}
func (f *fakeBackend) ComputeHash(ctx context.Context, path string) (string, error) { return "", nil }
func (f *fakeBackend) TestConnection(ctx context.Context) (bool, error)             { return true, nil }

var _ storage.Storage = (*fakeBackend)(nil)

func conflictAction(path string, ct detect.ConflictType) detect.PlanAction {
	return detect.PlanAction{ActionType: statestore.ActionConflict, Path: path, ConflictType: &ct}
}

func TestClassify_RejectsNonConflictAction(t *testing.T) {
	c := New(&fakeBackend{items: map[string]storage.SyncItem{}}, &fakeBackend{items: map[string]storage.SyncItem{}})
	_, err := c.Classify(context.Background(), detect.PlanAction{ActionType: statestore.ActionUpload, Path: "a.txt"})
	assert.Error(t, err)
}

func TestClassify_NewerLocalRecommendsUseLocal(t *testing.T) {
	now := time.Now()
	local := &fakeBackend{items: map[string]storage.SyncItem{
		"a.txt": {Path: "a.txt", Size: 10, LastModified: now},
	}}
	remote := &fakeBackend{items: map[string]storage.SyncItem{
		"a.txt": {Path: "a.txt", Size: 5, LastModified: now.Add(-time.Hour)},
	}}
	c := New(local, remote)
	analysis, err := c.Classify(context.Background(), conflictAction("a.txt", detect.ConflictBothModified))
	require.NoError(t, err)
	assert.Equal(t, "Local", analysis.NewerVersion)
	assert.Equal(t, ResolutionUseLocal, analysis.RecommendedResolution)
	assert.Equal(t, int64(5), analysis.SizeDifference)
}

func TestClassify_NoClearMarginRecommendsAsk(t *testing.T) {
	now := time.Now()
	local := &fakeBackend{items: map[string]storage.SyncItem{
		"a.txt": {Path: "a.txt", Size: 10, LastModified: now},
	}}
	remote := &fakeBackend{items: map[string]storage.SyncItem{
		"a.txt": {Path: "a.txt", Size: 10, LastModified: now.Add(time.Second)},
	}}
	c := New(local, remote)
	analysis, err := c.Classify(context.Background(), conflictAction("a.txt", detect.ConflictBothModified))
	require.NoError(t, err)
	assert.Equal(t, "", analysis.NewerVersion)
	assert.Equal(t, ResolutionAsk, analysis.RecommendedResolution)
}

func TestClassify_DeletedLocallyModifiedRemotelyRecommendsUseRemote(t *testing.T) {
	local := &fakeBackend{items: map[string]storage.SyncItem{}}
	remote := &fakeBackend{items: map[string]storage.SyncItem{
		"a.txt": {Path: "a.txt", Size: 10},
	}}
	c := New(local, remote)
	analysis, err := c.Classify(context.Background(), conflictAction("a.txt", detect.ConflictDeletedLocallyModifiedRemotely))
	require.NoError(t, err)
	assert.Equal(t, ResolutionUseRemote, analysis.RecommendedResolution)
	assert.Nil(t, analysis.Local)
}

func TestClassify_ModifiedLocallyDeletedRemotelyRecommendsUseLocal(t *testing.T) {
	local := &fakeBackend{items: map[string]storage.SyncItem{
		"a.txt": {Path: "a.txt", Size: 10},
	}}
	remote := &fakeBackend{items: map[string]storage.SyncItem{}}
	c := New(local, remote)
	analysis, err := c.Classify(context.Background(), conflictAction("a.txt", detect.ConflictModifiedLocallyDeletedRemotely))
	require.NoError(t, err)
	assert.Equal(t, ResolutionUseLocal, analysis.RecommendedResolution)
}

func TestClassify_TextAndBinaryExtensionDetection(t *testing.T) {
	backend := func(items map[string]storage.SyncItem) *fakeBackend { return &fakeBackend{items: items} }

	c := New(backend(map[string]storage.SyncItem{"notes.md": {Path: "notes.md"}}), backend(map[string]storage.SyncItem{"notes.md": {Path: "notes.md"}}))
	analysis, err := c.Classify(context.Background(), conflictAction("notes.md", detect.ConflictBothCreated))
	require.NoError(t, err)
	assert.True(t, analysis.IsLikelyTextFile)
	assert.False(t, analysis.IsLikelyBinary)

	c2 := New(backend(map[string]storage.SyncItem{"photo.png": {Path: "photo.png"}}), backend(map[string]storage.SyncItem{"photo.png": {Path: "photo.png"}}))
	analysis2, err := c2.Classify(context.Background(), conflictAction("photo.png", detect.ConflictBothCreated))
	require.NoError(t, err)
	assert.False(t, analysis2.IsLikelyTextFile)
	assert.True(t, analysis2.IsLikelyBinary)
}

func TestDefaultResolver_ReturnsRecommendation(t *testing.T) {
	r := DefaultResolver{}
	resolution, err := r.Resolve(context.Background(), ConflictAnalysis{RecommendedResolution: ResolutionUseRemote})
	require.NoError(t, err)
	assert.Equal(t, ResolutionUseRemote, resolution)
}
