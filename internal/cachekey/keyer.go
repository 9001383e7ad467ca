// Package cachekey derives stable, filesystem-safe cache keys from media URLs.
//
// The same URL always yields the same key within a process and across
// restarts; this is what lets on-disk cache hits survive an app relaunch.
package cachekey

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const hashedKeyFormat = "video_%016x.mp4"

// DeriveKey returns the cache key for a media URL.
//
// If the URL's last path segment looks like a filename (contains a dot), it
// is sanitized and used directly, which keeps keys human-readable for the
// common case of direct file URLs. Otherwise the key is a hash of the raw URL
// bytes, so signed or parameterized URLs still map deterministically.
func DeriveKey(rawURL string) string {
	segment := lastPathSegment(rawURL)
	if strings.Contains(segment, ".") {
		if sanitized := sanitize(segment); sanitized != "" && sanitized != "." {
			return sanitized
		}
	}
	return fmt.Sprintf(hashedKeyFormat, xxhash.Sum64String(rawURL))
}

// lastPathSegment extracts the final path component, ignoring query string
// and fragment. Works on arbitrary strings; never fails.
func lastPathSegment(rawURL string) string {
	s := rawURL
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}

// sanitize strips every character outside [A-Za-z0-9._-].
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
