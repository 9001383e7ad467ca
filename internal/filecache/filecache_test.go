package filecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBody = strings.Repeat("v", 4096)

func newTestCache(t *testing.T) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	cache, err := New(&Config{Directory: dir, RetryAttempts: 1}, nil, nil, nil)
	require.NoError(t, err)
	return cache, dir
}

func countingServer(t *testing.T, body string, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDownloadAndCachedPath(t *testing.T) {
	var requests atomic.Int64
	server := countingServer(t, testBody, &requests)
	cache, _ := newTestCache(t)

	url := server.URL + "/clip.mp4"
	path, err := cache.Download(context.Background(), url, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testBody, string(data))

	cached, ok := cache.CachedPathForURL(url)
	assert.True(t, ok)
	assert.Equal(t, path, cached)
}

func TestDownloadIsIdempotent(t *testing.T) {
	var requests atomic.Int64
	server := countingServer(t, testBody, &requests)
	cache, _ := newTestCache(t)

	url := server.URL + "/clip.mp4"
	for i := 0; i < 3; i++ {
		_, err := cache.Download(context.Background(), url, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), requests.Load(), "cached file must short-circuit the network")
}

func TestConcurrentDownloadsShareOneTransfer(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(testBody))
	}))
	t.Cleanup(server.Close)
	cache, _ := newTestCache(t)

	url := server.URL + "/clip.mp4"
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Download(context.Background(), url, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), requests.Load())
}

func TestCachedPathRejectsUndersizedFile(t *testing.T) {
	cache, dir := newTestCache(t)

	path := filepath.Join(dir, "runt.mp4")
	require.NoError(t, os.WriteFile(path, []byte("tiny"), 0600))

	_, ok := cache.CachedPath("runt.mp4")
	assert.False(t, ok)
	assert.NoFileExists(t, path, "undersized file must be removed on detection")
}

func TestDownloadRedownloadsAfterCorruption(t *testing.T) {
	var requests atomic.Int64
	server := countingServer(t, testBody, &requests)
	cache, _ := newTestCache(t)

	url := server.URL + "/clip.mp4"
	path, err := cache.Download(context.Background(), url, nil)
	require.NoError(t, err)

	// Truncate below the sanity threshold to simulate corruption.
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))

	fresh, err := cache.Download(context.Background(), url, nil)
	require.NoError(t, err)
	assert.Equal(t, path, fresh)
	assert.Equal(t, int64(2), requests.Load())

	data, err := os.ReadFile(fresh)
	require.NoError(t, err)
	assert.Len(t, data, len(testBody))
}

func TestDownloadEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	cache, dir := newTestCache(t)

	_, err := cache.Download(context.Background(), server.URL+"/empty.mp4", nil)
	assert.ErrorIs(t, err, ErrEmptyDownload)

	// No partial artifacts left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadRemoteStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)
	cache, _ := newTestCache(t)

	_, err := cache.Download(context.Background(), server.URL+"/missing.mp4", nil)
	assert.ErrorIs(t, err, ErrRemoteStatus)
}

func TestDownloadReportsProgress(t *testing.T) {
	server := countingServer(t, testBody, new(atomic.Int64))
	cache, _ := newTestCache(t)

	var final int64
	_, err := cache.Download(context.Background(), server.URL+"/clip.mp4", func(done, total int64) {
		final = done
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(testBody)), final)
}

func TestEvictOlderThan(t *testing.T) {
	cache, dir := newTestCache(t)

	oldPath := filepath.Join(dir, "old.mp4")
	newPath := filepath.Join(dir, "new.mp4")
	require.NoError(t, os.WriteFile(oldPath, []byte(testBody), 0600))
	require.NoError(t, os.WriteFile(newPath, []byte(testBody), 0600))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	removed := cache.EvictOlderThan(time.Now().Add(-24 * time.Hour))

	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, newPath)
}

func TestEvictOlderThanCollectsOrphanedTemps(t *testing.T) {
	cache, dir := newTestCache(t)

	orphan := filepath.Join(dir, "clip.mp4.deadbeef.part")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0600))
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(orphan, past, past))

	removed := cache.EvictOlderThan(time.Now().Add(-24 * time.Hour))
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, orphan)
}

func TestTotalSizeExcludesTemps(t *testing.T) {
	cache, dir := newTestCache(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4"), make([]byte, 2048), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.mp4.x.part"), make([]byte, 512), 0600))

	assert.Equal(t, int64(2048), cache.TotalSize())
}

func TestClear(t *testing.T) {
	var requests atomic.Int64
	server := countingServer(t, testBody, &requests)
	cache, _ := newTestCache(t)

	url := server.URL + "/clip.mp4"
	_, err := cache.Download(context.Background(), url, nil)
	require.NoError(t, err)

	cache.Clear()

	_, ok := cache.CachedPathForURL(url)
	assert.False(t, ok)
	assert.Equal(t, int64(0), cache.TotalSize())
}
