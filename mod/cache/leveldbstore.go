package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

/*
	LevelDB key layout

	n\x00<store>                 store registration
	e\x00<store>\x00d\x00<key>   response body
	e\x00<store>\x00m\x00<key>   response metadata
*/

// LevelDBStorage implements Storage in one LevelDB database
type LevelDBStorage struct {
	db *leveldb.DB
}

// NewLevelDBStorage opens (or creates) the LevelDB database at path
func NewLevelDBStorage(path string) (*LevelDBStorage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return &LevelDBStorage{db: db}, nil
}

func levelNameKey(name string) []byte {
	return []byte("n\x00" + name)
}

func levelStorePrefix(name string) []byte {
	return []byte("e\x00" + name + "\x00")
}

// Open returns the named store and registers it
func (ls *LevelDBStorage) Open(ctx context.Context, name string) (CacheStore, error) {
	if !ValidStoreName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	if err := ls.db.Put(levelNameKey(name), []byte{1}, nil); err != nil {
		return nil, fmt.Errorf("failed to register cache store %s: %w", name, err)
	}
	return &LevelDBStore{db: ls.db, name: name, prefix: string(levelStorePrefix(name))}, nil
}

// Has reports whether the store is registered
func (ls *LevelDBStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := ls.db.Has(levelNameKey(name), nil)
	if err != nil {
		return false, fmt.Errorf("failed to query cache stores: %w", err)
	}
	return ok, nil
}

// Names lists registered stores in key order
func (ls *LevelDBStorage) Names(ctx context.Context) ([]string, error) {
	iter := ls.db.NewIterator(util.BytesPrefix([]byte("n\x00")), nil)
	defer iter.Release()

	var names []string
	for iter.Next() {
		names = append(names, string(iter.Key()[2:]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list cache stores: %w", err)
	}
	return names, nil
}

// Drop deletes the registration and every entry of the store in one batch
func (ls *LevelDBStorage) Drop(ctx context.Context, name string) (bool, error) {
	exists, err := ls.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(levelNameKey(name))

	iter := ls.db.NewIterator(util.BytesPrefix(levelStorePrefix(name)), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return false, fmt.Errorf("failed to scan cache store %s: %w", name, err)
	}

	if err := ls.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("failed to drop cache store %s: %w", name, err)
	}
	return true, nil
}

// Close closes the database
func (ls *LevelDBStorage) Close() error {
	return ls.db.Close()
}

// LevelDBStore implements CacheStore for one namespace of a LevelDB database
type LevelDBStore struct {
	db     *leveldb.DB
	name   string
	prefix string
}

// Name returns the store name
func (l *LevelDBStore) Name() string {
	return l.name
}

func (l *LevelDBStore) dataKey(key string) []byte {
	return []byte(l.prefix + "d\x00" + key)
}

func (l *LevelDBStore) metaKey(key string) []byte {
	return []byte(l.prefix + "m\x00" + key)
}

// Get retrieves a cached response using a snapshot so data and metadata match
func (l *LevelDBStore) Get(ctx context.Context, key string) (io.ReadCloser, *Meta, bool, error) {
	snap, err := l.db.GetSnapshot()
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to open leveldb snapshot: %w", err)
	}
	defer snap.Release()

	rawMeta, err := snap.Get(l.metaKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to read metadata: %w", err)
	}
	data, err := snap.Get(l.dataKey(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to read data: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, nil, false, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	if meta.IsExpired() {
		l.Delete(ctx, key)
		return nil, nil, false, nil
	}

	return io.NopCloser(bytes.NewReader(data)), &meta, true, nil
}

// Put writes data and metadata in one batch
func (l *LevelDBStore) Put(ctx context.Context, key string, body io.Reader, meta *Meta) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	stored := meta.Clone()
	stored.Size = int64(len(data))
	rawMeta, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(levelNameKey(l.name), []byte{1})
	batch.Put(l.dataKey(key), data)
	batch.Put(l.metaKey(key), rawMeta)
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to store in leveldb: %w", err)
	}

	meta.Size = stored.Size
	return nil
}

// Delete removes a cached entry
func (l *LevelDBStore) Delete(ctx context.Context, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(l.dataKey(key))
	batch.Delete(l.metaKey(key))
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("failed to delete from leveldb: %w", err)
	}
	return nil
}

// PurgePrefix removes all entries with keys starting with the prefix
func (l *LevelDBStore) PurgePrefix(ctx context.Context, prefix string) error {
	keys, err := l.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			if err := l.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keys lists the stored keys in order
func (l *LevelDBStore) Keys(ctx context.Context) ([]string, error) {
	metaPrefix := []byte(l.prefix + "m\x00")
	iter := l.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(metaPrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to list leveldb keys: %w", err)
	}
	return keys, nil
}

// Close is a no-op; the database belongs to the storage
func (l *LevelDBStore) Close() error {
	return nil
}
