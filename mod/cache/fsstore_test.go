package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSStore_PutAndGet(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewFSStore(tmpDir, 2)
	if err != nil {
		t.Fatalf("Failed to create FSStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := "5f2b1c9a00"
	testData := []byte(`{"liturgia":"Segunda-feira da 1ª Semana do Tempo Comum"}`)

	meta := &Meta{
		Method:      "GET",
		URL:         "https://liturgia.up.railway.app/v2/?ano=2024&dia=01&mes=01",
		ContentType: "application/json",
		StatusCode:  200,
		CachedAt:    time.Now(),
	}

	if err := store.Put(ctx, key, bytes.NewReader(testData), meta); err != nil {
		t.Fatalf("Failed to put data: %v", err)
	}

	reader, gotMeta, found, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if !found {
		t.Fatal("Expected data to be found")
	}
	defer reader.Close()

	if gotMeta.ContentType != meta.ContentType {
		t.Errorf("Expected ContentType %s, got %s", meta.ContentType, gotMeta.ContentType)
	}
	if gotMeta.URL != meta.URL {
		t.Errorf("Expected URL %s, got %s", meta.URL, gotMeta.URL)
	}
	if gotMeta.Size != int64(len(testData)) {
		t.Errorf("Expected Size %d, got %d", len(testData), gotMeta.Size)
	}

	buf := new(bytes.Buffer)
	buf.ReadFrom(reader)
	if !bytes.Equal(buf.Bytes(), testData) {
		t.Errorf("Expected data %s, got %s", testData, buf.Bytes())
	}
}

func TestFSStore_Expiration(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("Failed to create FSStore: %v", err)
	}

	ctx := context.Background()
	key := "ee00ff11"

	meta := &Meta{
		ContentType: "text/plain",
		TTL:         10 * time.Millisecond,
		CachedAt:    time.Now().Add(-time.Second),
	}
	store.Put(ctx, key, bytes.NewReader([]byte("Expired data")), meta)

	_, _, found, _ := store.Get(ctx, key)
	if found {
		t.Fatal("Expected expired data to not be found")
	}
	if _, err := os.Stat(store.getMetaPath(key)); !os.IsNotExist(err) {
		t.Error("Expected expired entry to be removed from disk")
	}
}

func TestFSStore_Sharding(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewFSStore(tmpDir, 2)
	if err != nil {
		t.Fatalf("Failed to create FSStore: %v", err)
	}

	key := "abcd1234567890"
	dataPath := store.getDataPath(key)

	expectedShards := filepath.Join(tmpDir, "ab", "cd", key+".data")
	if dataPath != expectedShards {
		t.Errorf("Expected sharded path %s, got %s", expectedShards, dataPath)
	}
}

func TestFSStorage_StoreDirectories(t *testing.T) {
	root := t.TempDir()
	storage, err := NewFSStorage(root, 1)
	if err != nil {
		t.Fatalf("Failed to create FSStorage: %v", err)
	}

	ctx := context.Background()
	if _, err := storage.Open(ctx, "liturgia-static-v1"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "liturgia-static-v1")); err != nil {
		t.Fatalf("Expected store directory to exist: %v", err)
	}

	if _, err := storage.Open(ctx, "../escape"); err == nil {
		t.Fatal("Expected invalid store name to be rejected")
	}
}

func TestCacheMeta_IsExpired(t *testing.T) {
	tests := []struct {
		name     string
		ttl      time.Duration
		cachedAt time.Time
		want     bool
	}{
		{
			name:     "not expired",
			ttl:      1 * time.Hour,
			cachedAt: time.Now(),
			want:     false,
		},
		{
			name:     "expired",
			ttl:      1 * time.Millisecond,
			cachedAt: time.Now().Add(-1 * time.Second),
			want:     true,
		},
		{
			name:     "no expiration",
			ttl:      0,
			cachedAt: time.Now().Add(-1 * time.Hour),
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta := &Meta{
				TTL:      tt.ttl,
				CachedAt: tt.cachedAt,
			}
			if got := meta.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}
