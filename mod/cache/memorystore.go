package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStorage implements Storage with one in-process ttlcache per store
type MemoryStorage struct {
	capacity uint64

	mu     sync.Mutex
	stores map[string]*MemoryStore
}

// NewMemoryStorage creates an in-memory storage; capacity bounds the
// number of entries per store, zero means unbounded
func NewMemoryStorage(capacity uint64) *MemoryStorage {
	return &MemoryStorage{
		capacity: capacity,
		stores:   make(map[string]*MemoryStore),
	}
}

// Open returns the named store, creating it when needed
func (s *MemoryStorage) Open(ctx context.Context, name string) (CacheStore, error) {
	if !ValidStoreName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.stores[name]; ok {
		return st, nil
	}
	st := NewMemoryStore(name, s.capacity)
	s.stores[name] = st
	return st, nil
}

// Has reports whether the named store exists
func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stores[name]
	return ok, nil
}

// Names lists all store names
func (s *MemoryStorage) Names(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Drop deletes the named store
func (s *MemoryStorage) Drop(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	st, ok := s.stores[name]
	delete(s.stores, name)
	s.mu.Unlock()

	if ok {
		st.entries.DeleteAll()
	}
	return ok, nil
}

// Close drops every store
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, st := range s.stores {
		st.entries.DeleteAll()
		delete(s.stores, name)
	}
	return nil
}

type memoryEntry struct {
	body []byte
	meta *Meta
}

// MemoryStore implements CacheStore on top of ttlcache
type MemoryStore struct {
	name    string
	entries *ttlcache.Cache[string, memoryEntry]
}

// NewMemoryStore creates a standalone in-memory cache store
func NewMemoryStore(name string, capacity uint64) *MemoryStore {
	opts := []ttlcache.Option[string, memoryEntry]{
		ttlcache.WithDisableTouchOnHit[string, memoryEntry](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, memoryEntry](capacity))
	}

	return &MemoryStore{
		name:    name,
		entries: ttlcache.New[string, memoryEntry](opts...),
	}
}

// Name returns the store name
func (ms *MemoryStore) Name() string {
	return ms.name
}

// Get retrieves a cached response
func (ms *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, *Meta, bool, error) {
	item := ms.entries.Get(key)
	if item == nil {
		return nil, nil, false, nil
	}

	entry := item.Value()
	if entry.meta.IsExpired() {
		ms.entries.Delete(key)
		return nil, nil, false, nil
	}

	return io.NopCloser(bytes.NewReader(entry.body)), entry.meta.Clone(), true, nil
}

// Put stores a response, replacing the previous entry as a whole
func (ms *MemoryStore) Put(ctx context.Context, key string, body io.Reader, meta *Meta) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	stored := meta.Clone()
	stored.Size = int64(len(data))
	meta.Size = stored.Size

	ttl := ttlcache.NoTTL
	if stored.TTL > 0 {
		ttl = stored.TTL
	}
	ms.entries.Set(key, memoryEntry{body: data, meta: stored}, ttl)
	return nil
}

// Delete removes a cached entry
func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	ms.entries.Delete(key)
	return nil
}

// PurgePrefix removes all entries with keys starting with the prefix
func (ms *MemoryStore) PurgePrefix(ctx context.Context, prefix string) error {
	for _, key := range ms.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			ms.entries.Delete(key)
		}
	}
	return nil
}

// Keys lists the stored keys
func (ms *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	keys := ms.entries.Keys()
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op, entries live until the store is dropped
func (ms *MemoryStore) Close() error {
	return nil
}
