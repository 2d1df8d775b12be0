package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"imuslab.com/liturgia/mod/cache"
	"imuslab.com/liturgia/mod/cacheworker"
	"imuslab.com/liturgia/mod/lifecycle"
	"imuslab.com/liturgia/mod/optimizer"
)

// VersionSource reports the version serving requests and guards store
// access made on behalf of a version against its activation cleanup
type VersionSource interface {
	Active() *lifecycle.Version
	UseStores(v *lifecycle.Version, fn func() error) error
}

var (
	// ErrNotCacheable is returned when a response status may not be stored
	ErrNotCacheable = errors.New("response not cacheable")

	// ErrTooLarge is returned when a response exceeds MaxCacheSize
	ErrTooLarge = errors.New("response exceeds maximum cache size")
)

// JobQueue accepts asynchronous optimisation jobs
type JobQueue interface {
	Enqueue(job cacheworker.Job) error
}

// OptimizationMode specifies when optimization should occur
type OptimizationMode string

const (
	// OptimizationDisabled disables optimization
	OptimizationDisabled OptimizationMode = "disabled"

	// OptimizationSync optimizes static assets before they are stored
	OptimizationSync OptimizationMode = "sync"

	// OptimizationAsync stores raw assets and optimizes them on the worker
	OptimizationAsync OptimizationMode = "async"
)

// Config holds configuration for the interceptor
type Config struct {
	// Origin is the app origin path-form requests are resolved against
	Origin *url.URL

	// APIHost is the host of the remote liturgy service
	APIHost string

	// Policy selects the request classification
	Policy Policy

	// Storage holds every cache store
	Storage cache.Storage

	// Versions reports the active version; nil active means uncontrolled
	Versions VersionSource

	// Transport performs network fetches
	Transport http.RoundTripper

	// KeyGenerator generates cache keys from requests
	KeyGenerator *cache.KeyGenerator

	// MaxCacheSize is the maximum size in bytes for a cacheable response
	MaxCacheSize int64

	// OfflinePayload answers liturgy requests when offline with nothing cached
	OfflinePayload OfflinePayload

	// OptimizationMode determines when optimization occurs
	OptimizationMode OptimizationMode

	// Optimizer is the pipeline applied to static assets
	Optimizer *optimizer.Pipeline

	// WorkerQueue runs asynchronous optimisation jobs
	WorkerQueue JobQueue

	// Metrics exports counters, optional
	Metrics *Metrics

	// OnEvent is called once per answered request with the target host
	OnEvent func(host string, source Source, size int64)

	Logger *zap.Logger
}

// Interceptor answers every request of a controlled page
type Interceptor struct {
	config Config
	client *http.Client
	stats  *Stats
	logger *zap.Logger

	// classifiers caches one Classifier per version id
	classifiers sync.Map
}

// New creates an interceptor
func New(config Config) (*Interceptor, error) {
	if config.Origin == nil || !config.Origin.IsAbs() {
		return nil, errors.New("interceptor needs an absolute app origin")
	}
	if config.Storage == nil {
		return nil, errors.New("interceptor needs a cache storage")
	}
	if config.Versions == nil {
		return nil, errors.New("interceptor needs a version source")
	}
	if config.Policy == "" {
		config.Policy = PolicyClassified
	}
	if config.KeyGenerator == nil {
		config.KeyGenerator = cache.NewKeyGenerator()
	}
	if config.MaxCacheSize <= 0 {
		config.MaxCacheSize = 10 * 1024 * 1024
	}
	if config.Transport == nil {
		config.Transport = http.DefaultTransport
	}
	if config.OfflinePayload == (OfflinePayload{}) {
		config.OfflinePayload = DefaultOfflinePayload()
	}
	if config.OptimizationMode == "" {
		config.OptimizationMode = OptimizationDisabled
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Interceptor{
		config: config,
		client: &http.Client{
			Transport: config.Transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		stats:  &Stats{},
		logger: config.Logger.Named("interceptor"),
	}, nil
}

// Origin returns the app origin
func (ic *Interceptor) Origin() *url.URL {
	return ic.config.Origin
}

// Settings is the effective configuration reported by status endpoints
type Settings struct {
	Origin           string           `json:"origin"`
	APIHost          string           `json:"api_host"`
	Policy           Policy           `json:"policy"`
	OptimizationMode OptimizationMode `json:"optimization_mode"`
	MaxCacheSize     int64            `json:"max_cache_size"`
}

// Settings returns the effective configuration
func (ic *Interceptor) Settings() Settings {
	return Settings{
		Origin:           ic.config.Origin.String(),
		APIHost:          ic.config.APIHost,
		Policy:           ic.config.Policy,
		OptimizationMode: ic.config.OptimizationMode,
		MaxCacheSize:     ic.config.MaxCacheSize,
	}
}

// GetStats returns current statistics
func (ic *Interceptor) GetStats() Stats {
	return ic.stats.snapshot()
}

// Classifier returns the classifier of a version
func (ic *Interceptor) Classifier(v *lifecycle.Version) *Classifier {
	if v == nil {
		return NewClassifier(ic.config.Policy, ic.config.Origin, ic.config.APIHost, nil)
	}
	if c, ok := ic.classifiers.Load(v.ID); ok {
		return c.(*Classifier)
	}
	c := NewClassifier(ic.config.Policy, ic.config.Origin, ic.config.APIHost, v.Config.Manifest)
	actual, _ := ic.classifiers.LoadOrStore(v.ID, c)
	return actual.(*Classifier)
}

// Fetch answers one request. r.URL may be path-form (resolved against the
// app origin) or absolute. Errors are only returned when neither the network
// nor the cache can answer: uncontrolled or bypassed requests that failed,
// and ErrOffline.
func (ic *Interceptor) Fetch(ctx context.Context, r *http.Request) (*Response, error) {
	target, err := ic.targetURL(r)
	if err != nil {
		return nil, err
	}

	resp, err := ic.fetch(ctx, r, target)
	if err == nil && ic.config.OnEvent != nil {
		ic.config.OnEvent(target.Hostname(), resp.Source, int64(len(resp.Body)))
	}
	return resp, err
}

func (ic *Interceptor) fetch(ctx context.Context, r *http.Request, target *url.URL) (*Response, error) {
	active := ic.config.Versions.Active()
	if active == nil {
		return ic.bypass(ctx, r, target)
	}

	class := ic.Classifier(active).Classify(r.Method, target)
	switch class {
	case ClassStatic:
		return ic.cacheFirst(ctx, r, target, active, class, active.Config.StaticStore)
	case ClassAPI:
		return ic.networkFirst(ctx, r, target, active)
	case ClassOther:
		return ic.cacheFirst(ctx, r, target, active, class, active.Config.DynamicStore)
	default:
		return ic.bypass(ctx, r, target)
	}
}

// Request builds a GET request for an absolute or path-form URL
func (ic *Interceptor) Request(ctx context.Context, target string) (*http.Request, error) {
	u, err := ResolveURL(ic.config.Origin, target)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

// Do fetches through the interceptor and returns an *http.Response, so the
// interceptor can stand in for an http.Client
func (ic *Interceptor) Do(r *http.Request) (*http.Response, error) {
	resp, err := ic.Fetch(r.Context(), r)
	if err != nil {
		return nil, err
	}
	header := resp.Header.Clone()
	header.Set("X-Cache", string(resp.Source))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       r,
	}, nil
}

func (ic *Interceptor) targetURL(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		return r.URL, nil
	}
	ref := &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	return ic.config.Origin.ResolveReference(ref), nil
}

func (ic *Interceptor) bypass(ctx context.Context, r *http.Request, target *url.URL) (*Response, error) {
	ic.stats.add(&ic.stats.Bypasses)

	resp, err := ic.network(ctx, r, target)
	if err != nil {
		return nil, err
	}
	resp.Source = SourceBypass
	resp.Class = ClassBypass
	ic.config.Metrics.response(ClassBypass, SourceBypass)
	return resp, nil
}

// cacheFirst serves from the version's stores, falling back to the network
// and storing fresh 200 responses in store
func (ic *Interceptor) cacheFirst(ctx context.Context, r *http.Request, target *url.URL, v *lifecycle.Version, class Class, store string) (*Response, error) {
	key := ic.config.KeyGenerator.GenerateKeyFor(r.Method, target, r.Header)

	if cached := ic.lookup(ctx, v, v.Config.StoreNames(), key, class, r.Header.Get("Accept-Encoding")); cached != nil {
		ic.stats.add(&ic.stats.Hits)
		ic.config.Metrics.response(class, SourceHit)
		return cached, nil
	}
	ic.stats.add(&ic.stats.Misses)

	resp, err := ic.network(ctx, r, target)
	if err != nil {
		return ic.offline(ctx, r, v, class, err)
	}
	resp.Source = SourceMiss
	resp.Class = class

	if resp.StatusCode == http.StatusOK && r.Method == http.MethodGet {
		ic.store(ctx, v, store, key, target, resp, class == ClassStatic)
	}
	ic.config.Metrics.response(class, SourceMiss)
	return resp, nil
}

// networkFirst fetches liturgy data, storing 2xx responses before returning
// and answering from the cache or the offline payload when the network fails
func (ic *Interceptor) networkFirst(ctx context.Context, r *http.Request, target *url.URL, v *lifecycle.Version) (*Response, error) {
	key := ic.config.KeyGenerator.GenerateKeyFor(r.Method, target, r.Header)

	resp, err := ic.network(ctx, r, target)
	if err == nil {
		resp.Source = SourceNetwork
		resp.Class = ClassAPI
		if r.Method == http.MethodGet {
			ic.store(ctx, v, v.Config.DynamicStore, key, target, resp, false)
		}
		ic.config.Metrics.response(ClassAPI, SourceNetwork)
		return resp, nil
	}

	ic.logger.Info("Liturgy request failed, trying cache",
		zap.String("url", target.String()),
		zap.Error(err))

	if cached := ic.lookup(ctx, v, []string{v.Config.DynamicStore}, key, ClassAPI, r.Header.Get("Accept-Encoding")); cached != nil {
		ic.stats.add(&ic.stats.Hits)
		ic.config.Metrics.response(ClassAPI, SourceHit)
		return cached, nil
	}

	ic.stats.add(&ic.stats.OfflinePayloads)
	ic.config.Metrics.response(ClassAPI, SourceOffline)
	return offlineResponse(ic.config.OfflinePayload), nil
}

// offline answers a cache-first request whose network fetch failed: the
// cached shell or the built-in page for navigations, ErrOffline otherwise
func (ic *Interceptor) offline(ctx context.Context, r *http.Request, v *lifecycle.Version, class Class, cause error) (*Response, error) {
	if !IsNavigation(r) {
		ic.config.Metrics.response(class, SourceOffline)
		return nil, fmt.Errorf("%w: %v", ErrOffline, cause)
	}

	ic.stats.add(&ic.stats.Fallbacks)
	ic.config.Metrics.response(class, SourceFallback)

	shell, err := ResolveURL(ic.config.Origin, "/")
	if err == nil {
		key := ic.config.KeyGenerator.GenerateKeyFor(http.MethodGet, shell, nil)
		if cached := ic.lookup(ctx, v, v.Config.StoreNames(), key, class, r.Header.Get("Accept-Encoding")); cached != nil {
			cached.Source = SourceFallback
			return cached, nil
		}
	}
	return fallbackPage(), nil
}

// network performs the single read of a network body
func (ic *Interceptor) network(ctx context.Context, r *http.Request, target *url.URL) (*Response, error) {
	ic.stats.add(&ic.stats.NetworkFetches)

	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	copyRequestHeaders(out.Header, r.Header)

	resp, err := ic.client.Do(out)
	if err != nil {
		ic.stats.add(&ic.stats.NetworkFailures)
		ic.config.Metrics.fetch(false)
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		ic.stats.add(&ic.stats.NetworkFailures)
		ic.config.Metrics.fetch(false)
		return nil, fmt.Errorf("failed to read upstream body: %w", err)
	}
	ic.config.Metrics.fetch(true)

	header := resp.Header.Clone()
	removeHopHeaders(header)
	// The transport already decoded the body when it negotiated compression
	if resp.Uncompressed {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       data,
	}, nil
}

// lookup returns the first entry of v found in stores; errors are logged
// and treated as misses, as is a version discarded in the meantime
func (ic *Interceptor) lookup(ctx context.Context, v *lifecycle.Version, stores []string, key string, class Class, acceptEncoding string) *Response {
	var found *Response
	err := ic.config.Versions.UseStores(v, func() error {
		found = ic.lookupStores(ctx, stores, key, class, acceptEncoding)
		return nil
	})
	if err != nil {
		ic.logger.Debug("Cache lookup skipped", zap.String("version", v.Tag()), zap.Error(err))
		return nil
	}
	return found
}

func (ic *Interceptor) lookupStores(ctx context.Context, stores []string, key string, class Class, acceptEncoding string) *Response {
	for _, name := range stores {
		if name == "" {
			continue
		}
		store, err := ic.config.Storage.Open(ctx, name)
		if err != nil {
			ic.stats.add(&ic.stats.Errors)
			ic.config.Metrics.cacheOp("open", err)
			ic.logger.Warn("Failed to open cache store", zap.String("store", name), zap.Error(err))
			continue
		}

		reader, meta, found, err := store.Get(ctx, key)
		ic.config.Metrics.cacheOp("get", err)
		if err != nil {
			ic.stats.add(&ic.stats.Errors)
			ic.logger.Warn("Failed to read cache entry", zap.String("store", name), zap.Error(err))
			continue
		}
		if !found {
			continue
		}

		data, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			ic.stats.add(&ic.stats.Errors)
			ic.logger.Warn("Failed to read cached body", zap.String("store", name), zap.Error(err))
			continue
		}

		if meta.Encoding != "" && !optimizer.Accepts(acceptEncoding, meta.Encoding) {
			decoded, err := optimizer.Decode(meta.Encoding, data)
			if err != nil {
				ic.stats.add(&ic.stats.Errors)
				ic.logger.Warn("Failed to decode cached body", zap.String("store", name), zap.Error(err))
				continue
			}
			plain := meta.Clone()
			plain.Encoding = ""
			meta, data = plain, decoded
		}
		return responseFromMeta(meta, data, class)
	}
	return nil
}

// store writes a response copy into storeName on behalf of v. The request
// paths ignore the returned error; failures are already logged and counted.
func (ic *Interceptor) store(ctx context.Context, v *lifecycle.Version, storeName, key string, target *url.URL, resp *Response, optimize bool) error {
	if storeName == "" || !cache.IsResponseCacheable(resp.StatusCode) {
		return fmt.Errorf("%w: status %d", ErrNotCacheable, resp.StatusCode)
	}
	if int64(len(resp.Body)) > ic.config.MaxCacheSize {
		ic.logger.Debug("Response too large to cache", zap.String("url", target.String()), zap.Int("size", len(resp.Body)))
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(resp.Body))
	}

	data := resp.Body
	meta := metaFromResponse(http.MethodGet, ic.config.KeyGenerator.IdentityURL(target), resp)
	queue := false

	if optimize && ic.config.Optimizer.Len() > 0 {
		switch ic.config.OptimizationMode {
		case OptimizationSync:
			optimized, optimizedMeta, err := ic.config.Optimizer.Run(ctx, data, meta)
			if err != nil {
				ic.logger.Warn("Asset optimisation failed, storing original", zap.String("url", target.String()), zap.Error(err))
			} else {
				data, meta = optimized, optimizedMeta
			}
		case OptimizationAsync:
			queue = ic.config.WorkerQueue != nil
		}
	}

	err := ic.config.Versions.UseStores(v, func() error {
		store, err := ic.config.Storage.Open(ctx, storeName)
		if err != nil {
			ic.stats.add(&ic.stats.Errors)
			ic.config.Metrics.cacheOp("open", err)
			ic.logger.Warn("Failed to open cache store", zap.String("store", storeName), zap.Error(err))
			return err
		}

		err = store.Put(ctx, key, bytes.NewReader(data), meta)
		ic.config.Metrics.cacheOp("put", err)
		if err != nil {
			ic.stats.add(&ic.stats.Errors)
			ic.logger.Warn("Failed to write cache entry", zap.String("store", storeName), zap.String("url", target.String()), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrVersionDiscarded) {
			ic.logger.Debug("Cache write skipped", zap.String("version", v.Tag()), zap.String("store", storeName))
		}
		return err
	}
	ic.stats.add(&ic.stats.Puts)

	if queue {
		job := &OptimizeJob{Storage: ic.config.Storage, Versions: ic.config.Versions, Version: v, Store: storeName, Key: key, Pipeline: ic.config.Optimizer}
		if err := ic.config.WorkerQueue.Enqueue(job); err != nil {
			ic.logger.Debug("Optimisation job not queued", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func copyRequestHeaders(dst, src http.Header) {
	for k, v := range src {
		switch strings.ToLower(k) {
		case "host", "accept-encoding", "authorization", "cookie":
			continue
		}
		dst[k] = append([]string(nil), v...)
	}
	removeHopHeaders(dst)
}
