package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

var (
	// ErrStoreClosed is returned by stores whose backing storage was dropped or closed
	ErrStoreClosed = errors.New("cache store is closed")

	// ErrInvalidStoreName is returned when a store name cannot be mapped onto a backend
	ErrInvalidStoreName = errors.New("invalid cache store name")
)

// CacheStore is one named cache store: a key-value mapping from a request
// identity to a stored response
type CacheStore interface {
	// Name returns the store name
	Name() string

	// Get retrieves a cached response by key
	// Returns the body reader, metadata, found flag, and any error
	Get(ctx context.Context, key string) (io.ReadCloser, *Meta, bool, error)

	// Put stores a response, replacing any previous entry for the key as a whole
	Put(ctx context.Context, key string, body io.Reader, meta *Meta) error

	// Delete removes a cached response by key
	Delete(ctx context.Context, key string) error

	// PurgePrefix removes all cached responses with keys matching the prefix
	PurgePrefix(ctx context.Context, prefix string) error

	// Keys lists the keys currently held by the store
	Keys(ctx context.Context) ([]string, error)

	// Close releases the handle; the stored data is kept
	Close() error
}

// Storage is the shared storage holding every named cache store
type Storage interface {
	// Open returns the named store, creating it when it does not exist
	Open(ctx context.Context, name string) (CacheStore, error)

	// Has reports whether the named store exists
	Has(ctx context.Context, name string) (bool, error)

	// Names lists all existing store names
	Names(ctx context.Context) ([]string, error)

	// Drop deletes the named store and all of its entries
	Drop(ctx context.Context, name string) (bool, error)

	// Close cleanly shuts down the storage backend
	Close() error
}

// Meta contains metadata about a cached response
type Meta struct {
	// Method and URL identify the request the response was stored for
	Method string `json:"method"`
	URL    string `json:"url"`

	// ContentType is the MIME type of the response
	ContentType string `json:"content_type"`

	// Encoding specifies the content encoding (e.g., "gzip", "br")
	Encoding string `json:"encoding,omitempty"`

	// Size is the size of the cached content in bytes
	Size int64 `json:"size"`

	// ETag is the entity tag for cache validation
	ETag string `json:"etag,omitempty"`

	// TTL is the time-to-live for this cache entry, zero keeps it forever
	TTL time.Duration `json:"ttl"`

	// CachedAt is when this entry was cached
	CachedAt time.Time `json:"cached_at"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Headers stores the response headers to replay
	Headers http.Header `json:"headers,omitempty"`
}

// IsExpired checks if the cache entry has expired
func (m *Meta) IsExpired() bool {
	if m.TTL <= 0 {
		return false // No expiration
	}
	return time.Since(m.CachedAt) > m.TTL
}

// Age returns the age of the cache entry in seconds
func (m *Meta) Age() int64 {
	return int64(time.Since(m.CachedAt).Seconds())
}

// Clone returns a deep copy of the metadata
func (m *Meta) Clone() *Meta {
	c := *m
	c.Headers = m.Headers.Clone()
	return &c
}

// ValidStoreName reports whether a store name is usable by every backend
func ValidStoreName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return name != "." && name != ".."
}
