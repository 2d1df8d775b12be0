package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"imuslab.com/liturgia/mod/cache"
	"imuslab.com/liturgia/mod/cacheworker"
	"imuslab.com/liturgia/mod/interceptor"
	"imuslab.com/liturgia/mod/lifecycle"
	"imuslab.com/liturgia/mod/liturgy"
	"imuslab.com/liturgia/mod/notify"
	"imuslab.com/liturgia/mod/optimizer"
)

const (
	CONF_FOLDER     = "./conf"
	CONF_SW_CONFIG  = CONF_FOLDER + "/sw_conf.json"
	CONF_SW_STORE   = CONF_FOLDER + "/cache"
	CONF_ENV_PREFIX = "LITURGIA_"
)

// Inter font stylesheet requested by the app shell
const interFontStylesheet = "https://fonts.googleapis.com/css2?family=Inter:wght@300;400;500;600;700&display=swap"

// SWConfiguration holds the configuration of the lifecycle service
type SWConfiguration struct {
	Listen   string `json:"listen" env:"LISTEN"`
	LogLevel string `json:"log_level" env:"LOG_LEVEL"`

	// Origin is the app origin path-form requests are resolved against
	Origin string `json:"origin" env:"ORIGIN"`

	// APIBaseURL is the remote liturgy endpoint; its host is the API host
	APIBaseURL string `json:"api_base_url" env:"API_BASE_URL"`

	// Policy is "classified" or "same-origin"
	Policy string `json:"policy" env:"POLICY"`

	Backend string `json:"backend" env:"BACKEND"` // "fs", "memory", "redis", "bolt", "leveldb"

	// Filesystem backend settings
	FS struct {
		Root       string `json:"root" env:"ROOT"`
		ShardDepth int    `json:"shard_depth" env:"SHARD_DEPTH"`
	} `json:"fs" envPrefix:"FS_"`

	// Memory backend settings, zero capacity is unbounded
	Memory struct {
		Capacity uint64 `json:"capacity" env:"CAPACITY"`
	} `json:"memory" envPrefix:"MEMORY_"`

	// Redis backend settings
	Redis struct {
		Addr     string `json:"addr" env:"ADDR"`
		Password string `json:"password" env:"PASSWORD"`
		DB       int    `json:"db" env:"DB"`
		Prefix   string `json:"prefix" env:"PREFIX"`
	} `json:"redis" envPrefix:"REDIS_"`

	// Bolt backend settings
	Bolt struct {
		Path string `json:"path" env:"PATH"`
	} `json:"bolt" envPrefix:"BOLT_"`

	// LevelDB backend settings
	LevelDB struct {
		Path string `json:"path" env:"PATH"`
	} `json:"leveldb" envPrefix:"LEVELDB_"`

	MaxCacheSize int64 `json:"max_cache_size" env:"MAX_CACHE_SIZE"` // Maximum cacheable response in bytes

	// Version is the version registered at startup and on config changes
	Version lifecycle.VersionConfig `json:"version" envPrefix:"VERSION_"`

	// Optimization settings for static assets
	Optimize struct {
		Mode     string           `json:"mode" env:"MODE"` // "sync", "async", "disabled"
		Pipeline optimizer.Config `json:"pipeline"`
	} `json:"optimize" envPrefix:"OPTIMIZE_"`

	Worker cacheworker.Config `json:"worker" envPrefix:"WORKER_"`

	// Daily reminder settings
	Reminder struct {
		Enabled    bool          `json:"enabled" env:"ENABLED"`
		At         string        `json:"at" env:"AT"`
		RetryDelay time.Duration `json:"retry_delay" env:"RETRY_DELAY"`
		Permission string        `json:"permission" env:"PERMISSION"`
	} `json:"reminder" envPrefix:"REMINDER_"`

	// SyncDays is how many days a background sync prefetches, starting today
	SyncDays int `json:"sync_days" env:"SYNC_DAYS"`

	// AllowedOrigins restricts the page channel, empty allows all
	AllowedOrigins []string `json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`

	// Admin secret for the control endpoints
	AdminSecret string `json:"admin_secret" env:"ADMIN_SECRET"`
}

// DefaultSWConfiguration returns the default configuration
func DefaultSWConfiguration() *SWConfiguration {
	config := &SWConfiguration{
		Listen:       ":8080",
		LogLevel:     "INFO",
		Origin:       "http://localhost:3000",
		APIBaseURL:   liturgy.DefaultBaseURL,
		Policy:       string(interceptor.PolicyClassified),
		Backend:      "fs",
		MaxCacheSize: 10 * 1024 * 1024, // 10MB
		SyncDays:     1,
	}

	config.FS.Root = CONF_SW_STORE
	config.FS.ShardDepth = 2
	config.Redis.Addr = "localhost:6379"
	config.Redis.Prefix = "liturgia:cache:"
	config.Bolt.Path = CONF_FOLDER + "/cache.bolt"
	config.LevelDB.Path = CONF_FOLDER + "/cache.ldb"

	config.Version = lifecycle.VersionConfig{
		Tag:          "v1",
		StaticStore:  "liturgia-static-v1",
		DynamicStore: "liturgia-dynamic-v1",
		Manifest: []string{
			"/",
			"/static/js/bundle.js",
			"/static/css/main.css",
			"/manifest.json",
			"/icons/icon-192.png",
			"/icons/icon-512.png",
			interFontStylesheet,
		},
	}

	config.Optimize.Mode = string(interceptor.OptimizationDisabled)
	config.Optimize.Pipeline = optimizer.DefaultConfig()

	config.Worker = cacheworker.DefaultConfig()

	config.Reminder.Enabled = true
	config.Reminder.At = notify.DefaultReminderTime
	config.Reminder.RetryDelay = notify.DefaultRetryDelay
	config.Reminder.Permission = string(notify.PermissionDefault)

	return config
}

// LoadSWConfiguration loads the configuration file, creating it with the
// defaults when it does not exist, then applies environment overrides
func LoadSWConfiguration(path string) (*SWConfiguration, error) {
	config := DefaultSWConfiguration()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := SaveSWConfiguration(path, config); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: CONF_ENV_PREFIX}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveSWConfiguration saves the configuration to file
func SaveSWConfiguration(path string, config *SWConfiguration) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks every value the service cannot start without
func (c *SWConfiguration) Validate() error {
	origin, err := url.Parse(c.Origin)
	if err != nil || !origin.IsAbs() || origin.Host == "" {
		return fmt.Errorf("origin %q is not an absolute URL", c.Origin)
	}
	if _, err := c.APIHost(); err != nil {
		return err
	}
	if _, err := interceptor.ParsePolicy(c.Policy); err != nil {
		return err
	}
	switch c.Backend {
	case "fs", "memory", "redis", "bolt", "leveldb":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Backend)
	}
	if _, err := c.OptimizationMode(); err != nil {
		return err
	}
	if _, _, err := notify.ParseTimeOfDay(c.Reminder.At); err != nil {
		return err
	}
	if _, err := notify.ParsePermission(c.Reminder.Permission); err != nil {
		return err
	}
	if c.Version.Tag == "" {
		return errors.New("version tag is required")
	}
	if !cache.ValidStoreName(c.Version.StaticStore) {
		return fmt.Errorf("invalid static store name %q", c.Version.StaticStore)
	}
	return nil
}

// APIHost returns the host of the remote liturgy endpoint, with its port
// when the URL names one
func (c *SWConfiguration) APIHost() (string, error) {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("api base url %q has no host", c.APIBaseURL)
	}
	return u.Host, nil
}

// OptimizationMode returns the configured optimization mode
func (c *SWConfiguration) OptimizationMode() (interceptor.OptimizationMode, error) {
	switch mode := interceptor.OptimizationMode(c.Optimize.Mode); mode {
	case "", interceptor.OptimizationDisabled:
		return interceptor.OptimizationDisabled, nil
	case interceptor.OptimizationSync, interceptor.OptimizationAsync:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown optimization mode %q", c.Optimize.Mode)
	}
}

// BuildStorage creates the cache storage backend from configuration
func BuildStorage(config *SWConfiguration) (cache.Storage, error) {
	switch config.Backend {
	case "memory":
		return cache.NewMemoryStorage(config.Memory.Capacity), nil

	case "redis":
		return cache.NewRedisStorage(cache.RedisStoreConfig{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			Prefix:   config.Redis.Prefix,
			MaxSize:  config.MaxCacheSize,
		})

	case "bolt":
		return cache.NewBoltStorage(config.Bolt.Path)

	case "leveldb":
		return cache.NewLevelDBStorage(config.LevelDB.Path)

	default:
		return cache.NewFSStorage(config.FS.Root, config.FS.ShardDepth)
	}
}

// BuildOptimizationPipeline creates the static asset pipeline, nil when
// optimization is disabled
func BuildOptimizationPipeline(config *SWConfiguration) (*optimizer.Pipeline, error) {
	mode, err := config.OptimizationMode()
	if err != nil {
		return nil, err
	}
	if mode == interceptor.OptimizationDisabled {
		return nil, nil
	}
	return config.Optimize.Pipeline.Build()
}

// BuildInterceptorConfig creates the interceptor configuration; the version
// source and the job queue are supplied by the caller
func BuildInterceptorConfig(config *SWConfiguration, storage cache.Storage, versions interceptor.VersionSource, queue interceptor.JobQueue) (interceptor.Config, error) {
	origin, err := url.Parse(config.Origin)
	if err != nil {
		return interceptor.Config{}, err
	}
	apiHost, err := config.APIHost()
	if err != nil {
		return interceptor.Config{}, err
	}
	policy, err := interceptor.ParsePolicy(config.Policy)
	if err != nil {
		return interceptor.Config{}, err
	}
	mode, err := config.OptimizationMode()
	if err != nil {
		return interceptor.Config{}, err
	}
	pipeline, err := BuildOptimizationPipeline(config)
	if err != nil {
		return interceptor.Config{}, fmt.Errorf("build optimization pipeline: %w", err)
	}

	return interceptor.Config{
		Origin:           origin,
		APIHost:          apiHost,
		Policy:           policy,
		Storage:          storage,
		Versions:         versions,
		KeyGenerator:     cache.NewKeyGenerator(),
		MaxCacheSize:     config.MaxCacheSize,
		OptimizationMode: mode,
		Optimizer:        pipeline,
		WorkerQueue:      queue,
	}, nil
}

// BuildLogger creates the JSON logger at the configured level
func BuildLogger(level string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logConfig := zap.Config{
		Encoding:         "json",
		Level:            zap.NewAtomicLevelAt(logLevel),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:   "message",
			LevelKey:     "level",
			EncodeLevel:  zapcore.CapitalLevelEncoder,
			TimeKey:      "time",
			EncodeTime:   zapcore.ISO8601TimeEncoder,
			CallerKey:    "caller",
			EncodeCaller: zapcore.ShortCallerEncoder,
		},
	}
	return logConfig.Build()
}
