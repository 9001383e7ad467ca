package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipcache/clipcache/internal/sqlitedb"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	db, err := sqlitedb.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cache, err := NewCache(db, ttl, nil, nil)
	require.NoError(t, err)
	return cache
}

func testModels() []Model {
	return []Model{
		{ID: "dream-v1", Name: "Dream v1", CreditsPerVideo: 10, SupportsText: true},
		{ID: "dream-v2", Name: "Dream v2", CreditsPerVideo: 25, SupportsText: true, SupportsImage: true},
	}
}

func TestWriteAndRead(t *testing.T) {
	cache := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Write(ctx, testModels()))

	models, err := cache.Read(ctx)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "dream-v1", models[0].ID)
	assert.True(t, models[1].SupportsImage)
}

func TestReadEmpty(t *testing.T) {
	cache := newTestCache(t, time.Hour)

	models, err := cache.Read(context.Background())
	require.NoError(t, err)
	assert.Nil(t, models)
}

func TestReadExpired(t *testing.T) {
	cache := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Write(ctx, testModels()))

	cache.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	models, err := cache.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, models)

	// The stale row was dropped, so a rewind still sees nothing.
	cache.now = time.Now
	models, err = cache.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, models)
}

func TestReadCorruptPayloadSelfHeals(t *testing.T) {
	cache := newTestCache(t, time.Hour)
	ctx := context.Background()

	_, err := cache.db.ExecContext(ctx,
		`INSERT INTO ai_model_catalog (id, payload, cached_at) VALUES (1, 'not json', ?)`,
		time.Now().UnixMilli())
	require.NoError(t, err)

	models, err := cache.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, models)

	// A fresh write lands cleanly afterwards.
	require.NoError(t, cache.Write(ctx, testModels()))
	models, err = cache.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, models, 2)
}

func TestWriteReplacesPrevious(t *testing.T) {
	cache := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Write(ctx, testModels()))
	require.NoError(t, cache.Write(ctx, testModels()[:1]))

	models, err := cache.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, models, 1)
}

func TestInvalidate(t *testing.T) {
	cache := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Write(ctx, testModels()))
	require.NoError(t, cache.Invalidate(ctx))

	models, err := cache.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, models)
}

func TestSweepExpired(t *testing.T) {
	cache := newTestCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, cache.Write(ctx, testModels()))

	// Fresh row survives the sweep.
	require.NoError(t, cache.SweepExpired(ctx))
	models, err := cache.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, models, 2)

	cache.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, cache.SweepExpired(ctx))

	cache.now = time.Now
	models, err = cache.Read(ctx)
	require.NoError(t, err)
	assert.Nil(t, models)
}

type fakeRemote struct {
	models []Model
	err    error
	calls  int
}

func (f *fakeRemote) FetchModels(ctx context.Context) ([]Model, error) {
	f.calls++
	return f.models, f.err
}

func TestSourcePrefersRemote(t *testing.T) {
	cache := newTestCache(t, time.Hour)
	remote := &fakeRemote{models: testModels()}
	source := NewSource(remote, cache, nil)

	models, err := source.Models(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 2)
	assert.Equal(t, 1, remote.calls)

	// The fetch refreshed the durable copy.
	cached, err := cache.Read(context.Background())
	require.NoError(t, err)
	assert.Len(t, cached, 2)
}

func TestSourceFallsBackToCache(t *testing.T) {
	cache := newTestCache(t, time.Hour)
	require.NoError(t, cache.Write(context.Background(), testModels()))

	remote := &fakeRemote{err: errors.New("backend down")}
	source := NewSource(remote, cache, nil)

	models, err := source.Models(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 2)
}

func TestSourceBothUnavailable(t *testing.T) {
	cache := newTestCache(t, time.Hour)
	remote := &fakeRemote{err: errors.New("backend down")}
	source := NewSource(remote, cache, nil)

	_, err := source.Models(context.Background())
	assert.Error(t, err)
}
