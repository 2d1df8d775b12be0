package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imuslab.com/liturgia/mod/cache"
	"imuslab.com/liturgia/mod/interceptor"
)

func TestDefaultSWConfiguration(t *testing.T) {
	config := DefaultSWConfiguration()
	require.NoError(t, config.Validate())

	assert.Equal(t, "v1", config.Version.Tag)
	assert.Equal(t, "liturgia-static-v1", config.Version.StaticStore)
	assert.Equal(t, "liturgia-dynamic-v1", config.Version.DynamicStore)
	assert.Contains(t, config.Version.Manifest, "/static/js/bundle.js")
	assert.Contains(t, config.Version.Manifest, interFontStylesheet)

	host, err := config.APIHost()
	require.NoError(t, err)
	assert.Equal(t, "liturgia.up.railway.app", host)
	assert.Equal(t, "07:00", config.Reminder.At)
}

func TestLoadSWConfiguration_CreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "sw_conf.json")

	config, err := LoadSWConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, "fs", config.Backend)
	assert.FileExists(t, path)

	reloaded, err := LoadSWConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, config, reloaded)
}

func TestLoadSWConfiguration_FileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sw_conf.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"backend": "memory",
		"policy": "same-origin",
		"version": {"tag": "v7", "static_store": "s7", "dynamic_store": "d7", "manifest": ["/"]}
	}`), 0644))

	config, err := LoadSWConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", config.Backend)
	assert.Equal(t, "same-origin", config.Policy)
	assert.Equal(t, "v7", config.Version.Tag)
	assert.Equal(t, []string{"/"}, config.Version.Manifest)

	// untouched values keep their defaults
	assert.Equal(t, ":8080", config.Listen)
	assert.Equal(t, 4, config.Worker.WorkerCount)
}

func TestLoadSWConfiguration_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sw_conf.json")
	require.NoError(t, SaveSWConfiguration(path, DefaultSWConfiguration()))

	t.Setenv("LITURGIA_BACKEND", "memory")
	t.Setenv("LITURGIA_VERSION_TAG", "v2")
	t.Setenv("LITURGIA_VERSION_MANIFEST", "/,/about")
	t.Setenv("LITURGIA_WORKER_COUNT", "2")
	t.Setenv("LITURGIA_REMINDER_AT", "08:30")
	t.Setenv("LITURGIA_ADMIN_SECRET", "s3cret")

	config, err := LoadSWConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", config.Backend)
	assert.Equal(t, "v2", config.Version.Tag)
	assert.Equal(t, []string{"/", "/about"}, config.Version.Manifest)
	assert.Equal(t, 2, config.Worker.WorkerCount)
	assert.Equal(t, "08:30", config.Reminder.At)
	assert.Equal(t, "s3cret", config.AdminSecret)
}

func TestSWConfiguration_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *SWConfiguration)
	}{
		{"relative origin", func(c *SWConfiguration) { c.Origin = "/app" }},
		{"api without host", func(c *SWConfiguration) { c.APIBaseURL = "/v2/" }},
		{"unknown policy", func(c *SWConfiguration) { c.Policy = "network-only" }},
		{"unknown backend", func(c *SWConfiguration) { c.Backend = "varnish" }},
		{"unknown optimization", func(c *SWConfiguration) { c.Optimize.Mode = "eager" }},
		{"bad reminder time", func(c *SWConfiguration) { c.Reminder.At = "7am" }},
		{"bad permission", func(c *SWConfiguration) { c.Reminder.Permission = "maybe" }},
		{"missing tag", func(c *SWConfiguration) { c.Version.Tag = "" }},
		{"bad store name", func(c *SWConfiguration) { c.Version.StaticStore = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultSWConfiguration()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestBuildStorage(t *testing.T) {
	tests := []struct {
		backend string
		setup   func(t *testing.T, c *SWConfiguration)
	}{
		{"fs", func(t *testing.T, c *SWConfiguration) { c.FS.Root = t.TempDir() }},
		{"memory", func(t *testing.T, c *SWConfiguration) {}},
		{"redis", func(t *testing.T, c *SWConfiguration) { c.Redis.Addr = miniredis.RunT(t).Addr() }},
		{"bolt", func(t *testing.T, c *SWConfiguration) { c.Bolt.Path = filepath.Join(t.TempDir(), "cache.bolt") }},
		{"leveldb", func(t *testing.T, c *SWConfiguration) { c.LevelDB.Path = filepath.Join(t.TempDir(), "cache.ldb") }},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			config := DefaultSWConfiguration()
			config.Backend = tt.backend
			tt.setup(t, config)

			storage, err := BuildStorage(config)
			require.NoError(t, err)
			defer storage.Close()

			ctx := context.Background()
			store, err := storage.Open(ctx, "liturgia-static-v1")
			require.NoError(t, err)
			require.NoError(t, store.Put(ctx, "k", bytes.NewBufferString("body"), &cache.Meta{StatusCode: 200}))

			body, meta, found, err := store.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, found)
			data, _ := io.ReadAll(body)
			body.Close()
			assert.Equal(t, "body", string(data))
			assert.Equal(t, 200, meta.StatusCode)

			names, err := storage.Names(ctx)
			require.NoError(t, err)
			assert.Contains(t, names, "liturgia-static-v1")
		})
	}
}

func TestBuildOptimizationPipeline(t *testing.T) {
	config := DefaultSWConfiguration()
	pipeline, err := BuildOptimizationPipeline(config)
	require.NoError(t, err)
	assert.Nil(t, pipeline)

	config.Optimize.Mode = "sync"
	pipeline, err = BuildOptimizationPipeline(config)
	require.NoError(t, err)
	assert.NotNil(t, pipeline)
}

func TestBuildInterceptorConfig(t *testing.T) {
	config := DefaultSWConfiguration()
	config.APIBaseURL = "http://127.0.0.1:9000/v2/"
	config.Optimize.Mode = "async"

	icConfig, err := BuildInterceptorConfig(config, cache.NewMemoryStorage(0), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", icConfig.APIHost)
	assert.Equal(t, interceptor.PolicyClassified, icConfig.Policy)
	assert.Equal(t, interceptor.OptimizationAsync, icConfig.OptimizationMode)
	assert.NotNil(t, icConfig.Optimizer)
	assert.Equal(t, "http://localhost:3000", icConfig.Origin.String())
}

func TestBuildLogger(t *testing.T) {
	logger, err := BuildLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = BuildLogger("verbose")
	assert.Error(t, err)
}
