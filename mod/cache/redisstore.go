package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage implements Storage using Redis; every store is a key namespace
type RedisStorage struct {
	client  *redis.Client
	prefix  string
	maxSize int64 // Maximum size for cached objects
}

// RedisStoreConfig holds configuration for Redis storage
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix for all cache entries
	MaxSize  int64  // Maximum size for cached objects (default: 10MB)
}

// NewRedisStorage creates a new Redis-based cache storage
func NewRedisStorage(cfg RedisStoreConfig) (*RedisStorage, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10 * 1024 * 1024 // 10MB default
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "liturgia:cache:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{
		client:  client,
		prefix:  cfg.Prefix,
		maxSize: cfg.MaxSize,
	}, nil
}

func (rs *RedisStorage) namesKey() string {
	return rs.prefix + "stores"
}

// Open returns the named store and records its name
func (rs *RedisStorage) Open(ctx context.Context, name string) (CacheStore, error) {
	if !ValidStoreName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStoreName, name)
	}
	if err := rs.client.SAdd(ctx, rs.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to register cache store %s: %w", name, err)
	}
	return &RedisStore{
		client:  rs.client,
		name:    name,
		prefix:  rs.prefix + name + ":",
		maxSize: rs.maxSize,
	}, nil
}

// Has reports whether the store name is registered
func (rs *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	ok, err := rs.client.SIsMember(ctx, rs.namesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to query cache stores: %w", err)
	}
	return ok, nil
}

// Names lists the registered store names
func (rs *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := rs.client.SMembers(ctx, rs.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache stores: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Drop deletes every key of the store and unregisters its name
func (rs *RedisStorage) Drop(ctx context.Context, name string) (bool, error) {
	removed, err := rs.client.SRem(ctx, rs.namesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("failed to unregister cache store %s: %w", name, err)
	}
	if err := rs.deletePattern(ctx, rs.prefix+name+":*"); err != nil {
		return removed > 0, err
	}
	return removed > 0, nil
}

// Close cleanly shuts down the Redis connection
func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}

func (rs *RedisStorage) deletePattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := rs.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan Redis keys: %w", err)
		}
		if len(keys) > 0 {
			if err := rs.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete Redis keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// RedisStore implements CacheStore for one store namespace in Redis
type RedisStore struct {
	client  *redis.Client
	name    string
	prefix  string
	maxSize int64
}

// Name returns the store name
func (rs *RedisStore) Name() string {
	return rs.name
}

// Get retrieves a cached response from Redis
func (rs *RedisStore) Get(ctx context.Context, key string) (io.ReadCloser, *Meta, bool, error) {
	fullKey := rs.prefix + key

	// Get both data and metadata in a pipeline
	pipe := rs.client.Pipeline()
	dataCmd := pipe.Get(ctx, fullKey+":data")
	metaCmd := pipe.Get(ctx, fullKey+":meta")

	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to get from Redis: %w", err)
	}

	metaBytes, err := metaCmd.Bytes()
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to get metadata: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, nil, false, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	if meta.IsExpired() {
		rs.Delete(ctx, key)
		return nil, nil, false, nil
	}

	dataBytes, err := dataCmd.Bytes()
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to get data: %w", err)
	}

	return io.NopCloser(bytes.NewReader(dataBytes)), &meta, true, nil
}

// Put stores a response in Redis; data and metadata are written in one transaction
func (rs *RedisStore) Put(ctx context.Context, key string, body io.Reader, meta *Meta) error {
	fullKey := rs.prefix + key

	dataBytes, err := io.ReadAll(io.LimitReader(body, rs.maxSize+1))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	if int64(len(dataBytes)) > rs.maxSize {
		return fmt.Errorf("cache entry exceeds maximum size: %d > %d", len(dataBytes), rs.maxSize)
	}

	stored := meta.Clone()
	stored.Size = int64(len(dataBytes))

	metaBytes, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Zero expiration keeps the entry until the store is dropped
	var ttl time.Duration
	if stored.TTL > 0 {
		ttl = stored.TTL
	}

	pipe := rs.client.TxPipeline()
	pipe.Set(ctx, fullKey+":data", dataBytes, ttl)
	pipe.Set(ctx, fullKey+":meta", metaBytes, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store in Redis: %w", err)
	}

	meta.Size = stored.Size
	return nil
}

// Delete removes a cached entry from Redis
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	fullKey := rs.prefix + key

	if err := rs.client.Del(ctx, fullKey+":data", fullKey+":meta").Err(); err != nil {
		return fmt.Errorf("failed to delete from Redis: %w", err)
	}

	return nil
}

// PurgePrefix removes all cache entries with keys starting with the prefix
func (rs *RedisStore) PurgePrefix(ctx context.Context, prefix string) error {
	keys, err := rs.scanKeys(ctx, rs.prefix+prefix+"*:meta")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := rs.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Keys lists the keys held by this store
func (rs *RedisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := rs.scanKeys(ctx, rs.prefix+"*:meta")
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// scanKeys returns the base keys (store prefix and :meta suffix removed) matching pattern
func (rs *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	seen := make(map[string]bool)
	var cursor uint64
	for {
		keys, next, err := rs.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan Redis keys: %w", err)
		}
		for _, k := range keys {
			base := strings.TrimSuffix(strings.TrimPrefix(k, rs.prefix), ":meta")
			seen[base] = true
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out, nil
}

// Close is a no-op; the client belongs to the storage
func (rs *RedisStore) Close() error {
	return nil
}
