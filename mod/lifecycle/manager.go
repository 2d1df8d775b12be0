package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"imuslab.com/liturgia/mod/cache"
	"imuslab.com/liturgia/mod/swmsg"
)

var (
	// ErrNoWaitingVersion is returned by SkipWaiting when nothing is waiting:
	// the command arrived after the version activated or before it installed
	ErrNoWaitingVersion = errors.New("no waiting version to activate")

	// ErrSuperseded is returned by Register when a newer registration
	// replaced the version while it was installing
	ErrSuperseded = errors.New("version superseded during install")

	// ErrInvalidVersion is returned for registrations missing a tag or store name
	ErrInvalidVersion = errors.New("invalid version configuration")

	// ErrShuttingDown is returned once Shutdown has been called
	ErrShuttingDown = errors.New("lifecycle manager is shutting down")

	// ErrVersionDiscarded is returned by UseStores once the version lost its stores
	ErrVersionDiscarded = errors.New("version discarded")
)

// Installer pre-populates the stores of an installing version. Failures of
// single resources are the installer's business; a returned error is logged
// and does not stop the version from installing.
type Installer interface {
	Install(ctx context.Context, v *Version) error
}

// Pages is the set of pages the manager controls
type Pages interface {
	// Broadcast posts an event to every connected page
	Broadcast(ev swmsg.Event) int

	// Claim makes the tagged version the controller of every connected page;
	// each page whose controller changed receives one CONTROLLER_CHANGE event
	Claim(tag string) int
}

// Config holds the manager collaborators
type Config struct {
	Storage   cache.Storage
	Installer Installer
	Pages     Pages
	Logger    *zap.Logger
}

// Manager owns the version lifecycle: install, waiting, activation and the
// cleanup of stale stores
type Manager struct {
	storage   cache.Storage
	installer Installer
	pages     Pages
	logger    *zap.Logger

	// transitionMu serializes install completion and activation
	transitionMu sync.Mutex

	// storesMu keeps stale-store cleanup from interleaving with store access
	storesMu sync.RWMutex

	mu         sync.RWMutex
	active     *Version
	waiting    *Version
	installing *Version

	pending  sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
	shutdown bool
}

// NewManager creates a lifecycle manager with no registered version
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		storage:   cfg.Storage,
		installer: cfg.Installer,
		pages:     cfg.Pages,
		logger:    cfg.Logger.Named("lifecycle"),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// SetPages attaches the page set after construction; the hub and the
// manager reference each other
func (m *Manager) SetPages(p Pages) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = p
}

// SetInstaller attaches the installer after construction
func (m *Manager) SetInstaller(i Installer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installer = i
}

// Active returns the version currently serving requests, nil before the first activation
func (m *Manager) Active() *Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Waiting returns the installed version held back from activation, if any
func (m *Manager) Waiting() *Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.waiting
}

// Registration returns a snapshot of the active, waiting and installing versions
func (m *Manager) Registration() Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Registration{
		Active:     m.active.Info(),
		Waiting:    m.waiting.Info(),
		Installing: m.installing.Info(),
	}
}

// Register is the code-change entry point: it installs a new version and
// moves it to waiting, or straight to active when nothing is active yet.
// Registering the tag of the active or waiting version is a no-op.
func (m *Manager) Register(ctx context.Context, cfg VersionConfig) (*Version, error) {
	if cfg.Tag == "" || !cache.ValidStoreName(cfg.StaticStore) ||
		(cfg.DynamicStore != "" && !cache.ValidStoreName(cfg.DynamicStore)) {
		return nil, fmt.Errorf("%w: tag=%q static=%q dynamic=%q", ErrInvalidVersion, cfg.Tag, cfg.StaticStore, cfg.DynamicStore)
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	for _, existing := range []*Version{m.active, m.waiting, m.installing} {
		if existing != nil && existing.Tag() == cfg.Tag {
			m.mu.Unlock()
			return existing, nil
		}
	}

	v := newVersion(cfg)
	if previous := m.installing; previous != nil {
		m.logger.Info("Discarding superseded installing version", zap.String("tag", previous.Tag()))
		m.discard(previous)
	}
	m.installing = v
	installer := m.installer
	m.mu.Unlock()

	m.logger.Info("Installing version", zap.String("tag", v.Tag()), zap.String("id", v.ID))

	if installer != nil {
		if err := installer.Install(ctx, v); err != nil {
			m.logger.Error("Install step failed, continuing with a partially populated cache",
				zap.String("tag", v.Tag()), zap.Error(err))
		}
	}

	return v, m.completeInstall(ctx, v)
}

// completeInstall moves an installed version to waiting or active
func (m *Manager) completeInstall(ctx context.Context, v *Version) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	if m.installing != v {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.installing = nil

	if m.active == nil {
		m.mu.Unlock()
		m.logger.Info("Installation complete, activating fresh registration", zap.String("tag", v.Tag()))
		return m.activate(ctx, v)
	}

	if err := v.transition(StateWaiting); err != nil {
		m.mu.Unlock()
		return err
	}
	if previous := m.waiting; previous != nil {
		m.logger.Info("Discarding older waiting version", zap.String("tag", previous.Tag()))
		m.discard(previous)
	}
	m.waiting = v
	pages := m.pages
	m.mu.Unlock()

	m.logger.Info("Version installed and waiting", zap.String("tag", v.Tag()))
	if pages != nil {
		n := pages.Broadcast(swmsg.Event{Type: swmsg.EventUpdateAvailable, Version: v.Tag()})
		m.logger.Debug("Update available signal sent", zap.Int("pages", n))
	}
	return nil
}

// SkipWaiting forces the waiting version to become active immediately
func (m *Manager) SkipWaiting(ctx context.Context) (*Version, error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	w := m.Waiting()
	if w == nil {
		return nil, ErrNoWaitingVersion
	}
	m.logger.Info("Skip waiting requested", zap.String("tag", w.Tag()))
	return w, m.activate(ctx, w)
}

// PagesClosed is called when the last controlled page disconnected; a
// waiting version takes over naturally
func (m *Manager) PagesClosed() {
	m.WaitUntil("natural-takeover", func(ctx context.Context) error {
		m.transitionMu.Lock()
		defer m.transitionMu.Unlock()

		w := m.Waiting()
		if w == nil {
			return nil
		}
		m.logger.Info("All pages closed, waiting version takes over", zap.String("tag", w.Tag()))
		return m.activate(ctx, w)
	})
}

// activate runs with transitionMu held: it switches the serving version,
// deletes stale stores and claims every page before returning
func (m *Manager) activate(ctx context.Context, v *Version) error {
	m.mu.Lock()
	if err := v.transition(StateActive); err != nil {
		m.mu.Unlock()
		return err
	}
	previous := m.active
	m.active = v
	if m.waiting == v {
		m.waiting = nil
	}
	if previous != nil {
		m.discard(previous)
	}
	pages := m.pages
	m.mu.Unlock()

	m.logger.Info("Activating version", zap.String("tag", v.Tag()))

	m.storesMu.Lock()
	m.cleanupStores(ctx, v)
	m.storesMu.Unlock()

	if pages != nil {
		n := pages.Claim(v.Tag())
		m.logger.Info("Version activated and controlling pages", zap.String("tag", v.Tag()), zap.Int("claimed", n))
	} else {
		m.logger.Info("Version activated", zap.String("tag", v.Tag()))
	}
	return nil
}

// cleanupStores drops every store not owned by v; failures only leak storage
func (m *Manager) cleanupStores(ctx context.Context, v *Version) {
	if m.storage == nil {
		return
	}

	names, err := m.storage.Names(ctx)
	if err != nil {
		m.logger.Error("Failed to enumerate cache stores", zap.Error(err))
		return
	}

	keep := make(map[string]bool)
	for _, n := range v.Config.StoreNames() {
		keep[n] = true
	}

	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := m.storage.Drop(ctx, name); err != nil {
			m.logger.Error("Failed to remove stale cache store", zap.String("store", name), zap.Error(err))
			continue
		}
		m.logger.Info("Removed stale cache store", zap.String("store", name))
	}
}

// UseStores runs fn while no activation can drop stores. Opening a store
// creates it, so every access on behalf of v goes through here; once v is
// discarded fn is not called and ErrVersionDiscarded is returned.
func (m *Manager) UseStores(v *Version, fn func() error) error {
	m.storesMu.RLock()
	defer m.storesMu.RUnlock()

	if v == nil || v.State() == StateDiscarded {
		return ErrVersionDiscarded
	}
	return fn()
}

// InspectStores runs fn with stale-store cleanup held off, for listings
// that open every existing store
func (m *Manager) InspectStores(fn func() error) error {
	m.storesMu.RLock()
	defer m.storesMu.RUnlock()
	return fn()
}

// discard is called with mu held
func (m *Manager) discard(v *Version) {
	if err := v.transition(StateDiscarded); err != nil {
		m.logger.Warn("Discard rejected", zap.String("tag", v.Tag()), zap.Error(err))
	}
	if m.installing == v {
		m.installing = nil
	}
	if m.waiting == v {
		m.waiting = nil
	}
}

// WaitUntil runs fn in the background and keeps Shutdown from returning
// until it finished. Errors are logged at this boundary.
func (m *Manager) WaitUntil(name string, fn func(ctx context.Context) error) {
	m.mu.RLock()
	closed := m.shutdown
	m.mu.RUnlock()
	if closed {
		m.logger.Warn("Dropping work submitted after shutdown", zap.String("task", name))
		return
	}

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Background task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		if err := fn(m.baseCtx); err != nil {
			m.logger.Error("Background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

// Shutdown stops accepting work and waits for pending tasks; when ctx ends
// first the remaining tasks are cancelled and abandoned
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		m.logger.Error("Shutdown deadline reached, abandoning pending tasks", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
