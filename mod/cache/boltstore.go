package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/boltdb/bolt"
)

var (
	boltDataPrefix = []byte("d:")
	boltMetaPrefix = []byte("m:")
)

// BoltStorage implements Storage in a single BoltDB file, one bucket per store
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the BoltDB file at path
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

// Open returns the named store, creating its bucket when needed
func (bs *BoltStorage) Open(ctx context.Context, name string) (CacheStore, error) {
	if !ValidStoreName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	err := bs.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return &BoltStore{db: bs.db, name: name}, nil
}

// Has reports whether the bucket exists
func (bs *BoltStorage) Has(ctx context.Context, name string) (bool, error) {
	found := false
	err := bs.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return found, err
}

// Names lists all buckets
func (bs *BoltStorage) Names(ctx context.Context) ([]string, error) {
	var names []string
	err := bs.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Drop deletes the bucket of the named store
func (bs *BoltStorage) Drop(ctx context.Context, name string) (bool, error) {
	dropped := false
	err := bs.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		dropped = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to drop bucket %s: %w", name, err)
	}
	return dropped, nil
}

// Close closes the database file
func (bs *BoltStorage) Close() error {
	return bs.db.Close()
}

// BoltStore implements CacheStore for one bucket
type BoltStore struct {
	db   *bolt.DB
	name string
}

// Name returns the store name
func (b *BoltStore) Name() string {
	return b.name
}

func (b *BoltStore) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(b.name))
	if bucket == nil {
		return nil, ErrStoreClosed
	}
	return bucket, nil
}

// Get retrieves a cached response
func (b *BoltStore) Get(ctx context.Context, key string) (io.ReadCloser, *Meta, bool, error) {
	var data []byte
	var meta *Meta

	err := b.db.View(func(tx *bolt.Tx) error {
		bucket, err := b.bucket(tx)
		if err != nil {
			return err
		}
		rawMeta := bucket.Get(boltKey(boltMetaPrefix, key))
		rawData := bucket.Get(boltKey(boltDataPrefix, key))
		if rawMeta == nil || rawData == nil {
			return nil
		}

		meta = &Meta{}
		if err := json.Unmarshal(rawMeta, meta); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
		// Values are only valid inside the transaction
		data = append([]byte(nil), rawData...)
		return nil
	})
	if err == ErrStoreClosed {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	if meta == nil {
		return nil, nil, false, nil
	}

	if meta.IsExpired() {
		b.Delete(ctx, key)
		return nil, nil, false, nil
	}

	return io.NopCloser(bytes.NewReader(data)), meta, true, nil
}

// Put stores data and metadata in one transaction
func (b *BoltStore) Put(ctx context.Context, key string, body io.Reader, meta *Meta) error {
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

	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(b.name))
		if err != nil {
			return err
		}
		if err := bucket.Put(boltKey(boltDataPrefix, key), data); err != nil {
			return err
		}
		return bucket.Put(boltKey(boltMetaPrefix, key), rawMeta)
	})
	if err != nil {
		return fmt.Errorf("failed to store in bolt: %w", err)
	}

	meta.Size = stored.Size
	return nil
}

// Delete removes a cached entry
func (b *BoltStore) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := b.bucket(tx)
		if err != nil {
			return nil
		}
		if err := bucket.Delete(boltKey(boltDataPrefix, key)); err != nil {
			return err
		}
		return bucket.Delete(boltKey(boltMetaPrefix, key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete from bolt: %w", err)
	}
	return nil
}

// PurgePrefix removes all entries with keys starting with the prefix
func (b *BoltStore) PurgePrefix(ctx context.Context, prefix string) error {
	keys, err := b.Keys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			if err := b.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keys lists the stored keys
func (b *BoltStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket, err := b.bucket(tx)
		if err != nil {
			return nil
		}
		c := bucket.Cursor()
		for k, _ := c.Seek(boltMetaPrefix); k != nil && bytes.HasPrefix(k, boltMetaPrefix); k, _ = c.Next() {
			keys = append(keys, string(k[len(boltMetaPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bolt keys: %w", err)
	}
	return keys, nil
}

// Close is a no-op; the database belongs to the storage
func (b *BoltStore) Close() error {
	return nil
}

// boltKey builds a fresh key slice; the shared prefixes are never appended to
func boltKey(prefix []byte, key string) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
