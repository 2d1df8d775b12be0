package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSStorage implements Storage using one directory per cache store
type FSStorage struct {
	rootDir    string
	shardDepth int

	mu     sync.Mutex
	stores map[string]*FSStore
}

// NewFSStorage creates a new filesystem-based cache storage
func NewFSStorage(rootDir string, shardDepth int) (*FSStorage, error) {
	if shardDepth < 0 || shardDepth > 4 {
		shardDepth = 2 // Default to 2-level sharding
	}

	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FSStorage{
		rootDir:    rootDir,
		shardDepth: shardDepth,
		stores:     make(map[string]*FSStore),
	}, nil
}

// Open returns the named store, creating its directory when needed
func (s *FSStorage) Open(ctx context.Context, name string) (CacheStore, error) {
	if !ValidStoreName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.stores[name]; ok {
		return st, nil
	}

	st, err := NewFSStore(filepath.Join(s.rootDir, name), s.shardDepth)
	if err != nil {
		return nil, err
	}
	st.name = name
	s.stores[name] = st
	return st, nil
}

// Has reports whether the store directory exists
func (s *FSStorage) Has(ctx context.Context, name string) (bool, error) {
	if !ValidStoreName(name) {
		return false, nil
	}
	info, err := os.Stat(filepath.Join(s.rootDir, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Names lists the store directories under the root
func (s *FSStorage) Names(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && ValidStoreName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Drop removes the store directory and everything below it
func (s *FSStorage) Drop(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	s.mu.Lock()
	delete(s.stores, name)
	s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.rootDir, name)); err != nil {
		return false, fmt.Errorf("failed to remove cache store %s: %w", name, err)
	}
	return true, nil
}

// Close cleanly shuts down the filesystem storage
func (s *FSStorage) Close() error {
	// No resources to clean up for filesystem storage
	return nil
}

// FSStore implements CacheStore using the filesystem
type FSStore struct {
	name       string
	rootDir    string
	shardDepth int
	mu         sync.RWMutex
}

// NewFSStore creates a new filesystem-based cache store rooted at rootDir
func NewFSStore(rootDir string, shardDepth int) (*FSStore, error) {
	if shardDepth < 0 || shardDepth > 4 {
		shardDepth = 2
	}

	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FSStore{
		name:       filepath.Base(rootDir),
		rootDir:    rootDir,
		shardDepth: shardDepth,
	}, nil
}

// Name returns the store name
func (fs *FSStore) Name() string {
	return fs.name
}

// Get retrieves a cached response from the filesystem
func (fs *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, *Meta, bool, error) {
	fs.mu.RLock()
	meta, err := fs.readMeta(fs.getMetaPath(key))
	if os.IsNotExist(err) {
		fs.mu.RUnlock()
		return nil, nil, false, nil
	}
	if err != nil {
		fs.mu.RUnlock()
		return nil, nil, false, fmt.Errorf("failed to read metadata: %w", err)
	}

	// The handle stays valid when a concurrent Put renames over the file
	file, err := os.Open(fs.getDataPath(key))
	fs.mu.RUnlock()
	if os.IsNotExist(err) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to open cache file: %w", err)
	}

	if meta.IsExpired() {
		file.Close()
		fs.Delete(ctx, key)
		return nil, nil, false, nil
	}

	return file, meta, true, nil
}

// Put stores a response in the filesystem cache
func (fs *FSStore) Put(ctx context.Context, key string, body io.Reader, meta *Meta) error {
	dataPath := fs.getDataPath(key)
	metaPath := fs.getMetaPath(key)

	dir := filepath.Dir(dataPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// Every writer gets its own temp files so racing writers never share one
	tmpFile, err := os.CreateTemp(dir, key+".data.*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpDataPath := tmpFile.Name()
	defer os.Remove(tmpDataPath)

	written, err := io.Copy(tmpFile, body)
	if cerr := tmpFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write cache data: %w", err)
	}

	stored := meta.Clone()
	stored.Size = written

	tmpMetaPath, err := fs.writeTempMeta(dir, key, stored)
	if err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	defer os.Remove(tmpMetaPath)

	// Commit both files together so readers never pair one writer's
	// metadata with another writer's body
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.Rename(tmpMetaPath, metaPath); err != nil {
		return fmt.Errorf("failed to rename metadata file: %w", err)
	}
	if err := os.Rename(tmpDataPath, dataPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	meta.Size = written
	return nil
}

// Delete removes a cached entry from the filesystem
func (fs *FSStore) Delete(ctx context.Context, key string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	// Remove both files, ignore errors if files don't exist
	os.Remove(fs.getDataPath(key))
	os.Remove(fs.getMetaPath(key))

	return nil
}

// PurgePrefix removes all cache entries with keys starting with the prefix
func (fs *FSStore) PurgePrefix(ctx context.Context, prefix string) error {
	keys, err := fs.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			fs.Delete(ctx, key)
		}
	}
	return nil
}

// Keys walks the store directory and returns every committed key
func (fs *FSStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.Walk(fs.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".meta") {
			return nil
		}
		keys = append(keys, strings.TrimSuffix(filepath.Base(path), ".meta"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk cache store %s: %w", fs.name, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close cleanly shuts down the filesystem store
func (fs *FSStore) Close() error {
	return nil
}

// getDataPath returns the filesystem path for cached data
func (fs *FSStore) getDataPath(key string) string {
	return fs.getShardedPath(key, ".data")
}

// getMetaPath returns the filesystem path for metadata
func (fs *FSStore) getMetaPath(key string) string {
	return fs.getShardedPath(key, ".meta")
}

// getShardedPath creates a sharded directory path from a key
func (fs *FSStore) getShardedPath(key string, suffix string) string {
	if fs.shardDepth == 0 {
		return filepath.Join(fs.rootDir, key+suffix)
	}

	var shardParts []string
	for i := 0; i < fs.shardDepth && i*2+2 <= len(key); i++ {
		shardParts = append(shardParts, key[i*2:i*2+2])
	}

	path := filepath.Join(fs.rootDir, filepath.Join(shardParts...))
	return filepath.Join(path, key+suffix)
}

// readMeta reads metadata from a file
func (fs *FSStore) readMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

// writeTempMeta writes metadata next to its final location and returns the temp path
func (fs *FSStore) writeTempMeta(dir, key string, meta *Meta) (string, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}

	f, err := os.CreateTemp(dir, key+".meta.*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
