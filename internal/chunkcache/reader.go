package chunkcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrRemoteStatus is returned when the remote source answers a range request
// with an unexpected status code.
var ErrRemoteStatus = errors.New("chunkcache: unexpected remote status")

// Reader is the transparent byte-range cache between the playback engine and
// the network. Ranges present in the store are served from disk; everything
// else is fetched with an HTTP Range request and written through.
//
// A Reader with a nil store still works: it degrades to direct network
// streaming without caching, which is the mandated fallback when the store
// could not be created.
type Reader struct {
	store  *Store
	client *http.Client
	log    *zap.Logger
}

// NewReader creates a range reader over the given store. client may be nil.
func NewReader(store *Store, client *http.Client, log *zap.Logger) *Reader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reader{
		store:  store,
		client: client,
		log:    log.With(zap.String("component", "chunkcache.reader")),
	}
}

// ReadAt returns size bytes of the resource at offset, from cache when
// possible. A short final range returns fewer bytes without error.
func (r *Reader) ReadAt(ctx context.Context, url string, offset, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunkcache: invalid read size %d", size)
	}

	if r.store != nil {
		if data := r.store.Get(url, offset, size); data != nil {
			return data, nil
		}
	}

	data, err := r.fetchRange(ctx, url, offset, size)
	if err != nil {
		return nil, err
	}

	if r.store != nil && int64(len(data)) == size {
		// Short reads mark end-of-resource; caching them under the requested
		// size would poison later exact-range lookups.
		r.store.Put(url, offset, data)
	}
	return data, nil
}

func (r *Reader) fetchRange(ctx context.Context, url string, offset, size int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("chunkcache: build request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chunkcache: fetch range: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		data, err := io.ReadAll(io.LimitReader(resp.Body, size))
		if err != nil {
			return nil, fmt.Errorf("chunkcache: read range body: %w", err)
		}
		return data, nil

	case http.StatusOK:
		// Server ignored the Range header; skip to the offset manually.
		if offset > 0 {
			if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
				if err == io.EOF {
					return nil, nil
				}
				return nil, fmt.Errorf("chunkcache: skip to offset: %w", err)
			}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, size))
		if err != nil {
			return nil, fmt.Errorf("chunkcache: read body: %w", err)
		}
		return data, nil

	default:
		return nil, fmt.Errorf("%w: %s (%d)", ErrRemoteStatus, url, resp.StatusCode)
	}
}
