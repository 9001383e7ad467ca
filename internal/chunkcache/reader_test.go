package chunkcache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rangeServer serves body honoring Range requests and counts hits.
func rangeServer(t *testing.T, body []byte, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			_, _ = w.Write(body)
			return
		}
		var start, end int64
		_, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		require.NoError(t, err)
		if end >= int64(len(body)) {
			end = int64(len(body)) - 1
		}
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[start : end+1])
	}))
	t.Cleanup(server.Close)
	return server
}

func TestReadAtFetchesAndCaches(t *testing.T) {
	body := []byte(strings.Repeat("x", 100))
	var hits atomic.Int64
	server := rangeServer(t, body, &hits)

	store := newTestStore(t, 1024)
	reader := NewReader(store, nil, nil)

	data, err := reader.ReadAt(context.Background(), server.URL+"/a.mp4", 10, 20)
	require.NoError(t, err)
	assert.Equal(t, body[10:30], data)
	assert.Equal(t, int64(1), hits.Load())

	// Same range again comes from the store.
	data, err = reader.ReadAt(context.Background(), server.URL+"/a.mp4", 10, 20)
	require.NoError(t, err)
	assert.Equal(t, body[10:30], data)
	assert.Equal(t, int64(1), hits.Load())
}

func TestReadAtShortFinalRange(t *testing.T) {
	body := []byte("0123456789")
	var hits atomic.Int64
	server := rangeServer(t, body, &hits)

	store := newTestStore(t, 1024)
	reader := NewReader(store, nil, nil)

	data, err := reader.ReadAt(context.Background(), server.URL+"/a.mp4", 5, 20)
	require.NoError(t, err)
	assert.Equal(t, []byte("56789"), data)

	// The short read must not have been cached under the requested size.
	assert.Nil(t, store.Get(server.URL+"/a.mp4", 5, 20))
}

func TestReadAtServerIgnoresRange(t *testing.T) {
	body := []byte("0123456789abcdef")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain 200 with the whole body regardless of Range.
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)

	reader := NewReader(nil, nil, nil)
	data, err := reader.ReadAt(context.Background(), server.URL+"/a.mp4", 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("4567"), data)
}

func TestReadAtRemoteError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(server.Close)

	reader := NewReader(nil, nil, nil)
	_, err := reader.ReadAt(context.Background(), server.URL+"/a.mp4", 0, 10)
	assert.ErrorIs(t, err, ErrRemoteStatus)
}

func TestReadAtNilStoreStreamsDirectly(t *testing.T) {
	body := []byte(strings.Repeat("y", 50))
	var hits atomic.Int64
	server := rangeServer(t, body, &hits)

	reader := NewReader(nil, nil, nil)

	for i := 0; i < 2; i++ {
		data, err := reader.ReadAt(context.Background(), server.URL+"/a.mp4", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, body[:10], data)
	}
	// No store, so every read goes to the network.
	assert.Equal(t, int64(2), hits.Load())
}

func TestReadAtInvalidSize(t *testing.T) {
	reader := NewReader(nil, nil, nil)
	_, err := reader.ReadAt(context.Background(), "https://example.com/a.mp4", 0, 0)
	assert.Error(t, err)
}
