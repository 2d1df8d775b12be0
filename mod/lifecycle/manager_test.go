package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imuslab.com/liturgia/mod/cache"
	"imuslab.com/liturgia/mod/swmsg"
)

type recordingPages struct {
	mu     sync.Mutex
	events []swmsg.Event
	claims []string
}

func (p *recordingPages) Broadcast(ev swmsg.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return 1
}

func (p *recordingPages) Claim(tag string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = append(p.claims, tag)
	return 1
}

func (p *recordingPages) count(t swmsg.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (p *recordingPages) claimed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.claims...)
}

type storeInstaller struct {
	storage cache.Storage
	fail    error
}

func (i *storeInstaller) Install(ctx context.Context, v *Version) error {
	for _, name := range v.Config.StoreNames() {
		s, err := i.storage.Open(ctx, name)
		if err != nil {
			return err
		}
		s.Close()
	}
	return i.fail
}

func versionConfig(tag string) VersionConfig {
	return VersionConfig{
		Tag:          tag,
		StaticStore:  "liturgia-static-" + tag,
		DynamicStore: "liturgia-dynamic-" + tag,
		Manifest:     []string{"/", "/index.html"},
	}
}

func newTestManager(t *testing.T) (*Manager, *recordingPages, cache.Storage) {
	t.Helper()
	storage := cache.NewMemoryStorage(0)
	pages := &recordingPages{}
	m := NewManager(Config{
		Storage:   storage,
		Installer: &storeInstaller{storage: storage},
		Pages:     pages,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, pages, storage
}

func TestRegister_FirstVersionActivatesImmediately(t *testing.T) {
	m, pages, _ := newTestManager(t)

	v, err := m.Register(context.Background(), versionConfig("v1"))
	require.NoError(t, err)

	assert.Equal(t, StateActive, v.State())
	assert.Same(t, v, m.Active())
	assert.Nil(t, m.Waiting())
	assert.Equal(t, []string{"v1"}, pages.claimed())
	assert.Zero(t, pages.count(swmsg.EventUpdateAvailable))
}

func TestRegister_SecondVersionWaits(t *testing.T) {
	m, pages, _ := newTestManager(t)
	ctx := context.Background()

	v1, err := m.Register(ctx, versionConfig("v1"))
	require.NoError(t, err)
	v2, err := m.Register(ctx, versionConfig("v2"))
	require.NoError(t, err)

	assert.Equal(t, StateWaiting, v2.State())
	assert.Same(t, v1, m.Active())
	assert.Same(t, v2, m.Waiting())
	assert.Equal(t, 1, pages.count(swmsg.EventUpdateAvailable))

	reg := m.Registration()
	assert.True(t, reg.UpdateAvailable())
	assert.Equal(t, "v2", reg.Waiting.Tag)
}

func TestRegister_SameTagIsNoop(t *testing.T) {
	m, pages, _ := newTestManager(t)
	ctx := context.Background()

	v1, err := m.Register(ctx, versionConfig("v1"))
	require.NoError(t, err)
	again, err := m.Register(ctx, versionConfig("v1"))
	require.NoError(t, err)

	assert.Same(t, v1, again)
	assert.Len(t, pages.claimed(), 1)
}

func TestRegister_InvalidConfig(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Register(context.Background(), VersionConfig{Tag: "v1", StaticStore: "../etc"})
	assert.ErrorIs(t, err, ErrInvalidVersion)

	_, err = m.Register(context.Background(), VersionConfig{StaticStore: "static"})
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestRegister_InstallFailureStillInstalls(t *testing.T) {
	storage := cache.NewMemoryStorage(0)
	m := NewManager(Config{
		Storage:   storage,
		Installer: &storeInstaller{storage: storage, fail: errors.New("manifest resource unreachable")},
	})

	v, err := m.Register(context.Background(), versionConfig("v1"))
	require.NoError(t, err)
	assert.Equal(t, StateActive, v.State())
}

func TestRegister_NewerWaitingReplacesOlder(t *testing.T) {
	m, pages, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Register(ctx, versionConfig("v1"))
	require.NoError(t, err)
	v2, err := m.Register(ctx, versionConfig("v2"))
	require.NoError(t, err)
	v3, err := m.Register(ctx, versionConfig("v3"))
	require.NoError(t, err)

	assert.Equal(t, StateDiscarded, v2.State())
	assert.Same(t, v3, m.Waiting())
	assert.Equal(t, 2, pages.count(swmsg.EventUpdateAvailable))
}

func TestSkipWaiting_ActivatesAndCleansStaleStores(t *testing.T) {
	m, pages, storage := newTestManager(t)
	ctx := context.Background()

	v1, err := m.Register(ctx, versionConfig("v1"))
	require.NoError(t, err)
	v2, err := m.Register(ctx, versionConfig("v2"))
	require.NoError(t, err)

	// A store no version owns is stale as well
	orphan, err := storage.Open(ctx, "liturgia-static-v0")
	require.NoError(t, err)
	orphan.Close()

	activated, err := m.SkipWaiting(ctx)
	require.NoError(t, err)
	assert.Same(t, v2, activated)

	assert.Equal(t, StateActive, v2.State())
	assert.Equal(t, StateDiscarded, v1.State())
	assert.Same(t, v2, m.Active())
	assert.Nil(t, m.Waiting())
	assert.Equal(t, []string{"v1", "v2"}, pages.claimed())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"liturgia-static-v2", "liturgia-dynamic-v2"}, names)
}

func TestSkipWaiting_NothingWaiting(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.SkipWaiting(ctx)
	assert.ErrorIs(t, err, ErrNoWaitingVersion)

	_, err = m.Register(ctx, versionConfig("v1"))
	require.NoError(t, err)
	_, err = m.SkipWaiting(ctx)
	assert.ErrorIs(t, err, ErrNoWaitingVersion)
}

func TestSkipWaiting_ConcurrentCommandsActivateOnce(t *testing.T) {
	m, pages, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Register(ctx, versionConfig("v1"))
	require.NoError(t, err)
	_, err = m.Register(ctx, versionConfig("v2"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, failed := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.SkipWaiting(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, ErrNoWaitingVersion) {
				failed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 7, failed)
	assert.Equal(t, []string{"v1", "v2"}, pages.claimed())
}

func TestPagesClosed_NaturalTakeover(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Register(ctx, versionConfig("v1"))
	require.NoError(t, err)
	v2, err := m.Register(ctx, versionConfig("v2"))
	require.NoError(t, err)

	m.PagesClosed()

	assert.Eventually(t, func() bool {
		return m.Active() == v2
	}, time.Second, 10*time.Millisecond)
}

func TestWaitUntil_ShutdownWaitsForPendingWork(t *testing.T) {
	m := NewManager(Config{})

	release := make(chan struct{})
	var finished bool
	var mu sync.Mutex
	m.WaitUntil("slow", func(ctx context.Context) error {
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
		return nil
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)

	_, err := m.Register(context.Background(), versionConfig("v1"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdown_DeadlineExceeded(t *testing.T) {
	m := NewManager(Config{})

	m.WaitUntil("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)
}

func TestUseStores_DiscardedVersionCannotRecreateStores(t *testing.T) {
	m, _, storage := newTestManager(t)
	ctx := context.Background()

	v1, err := m.Register(ctx, versionConfig("v1"))
	require.NoError(t, err)
	_, err = m.Register(ctx, versionConfig("v2"))
	require.NoError(t, err)

	inUse := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.UseStores(v1, func() error {
			close(inUse)
			<-release
			s, err := storage.Open(ctx, "liturgia-dynamic-v1")
			if err != nil {
				return err
			}
			return s.Close()
		})
	}()
	<-inUse

	activated := make(chan error, 1)
	go func() {
		_, err := m.SkipWaiting(ctx)
		activated <- err
	}()

	// cleanup waits for the store access in progress
	select {
	case <-activated:
		t.Fatal("activation finished while a store access was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-activated)

	exists, err := storage.Has(ctx, "liturgia-dynamic-v1")
	require.NoError(t, err)
	assert.False(t, exists)

	called := false
	err = m.UseStores(v1, func() error {
		called = true
		_, err := storage.Open(ctx, "liturgia-dynamic-v1")
		return err
	})
	assert.ErrorIs(t, err, ErrVersionDiscarded)
	assert.False(t, called)

	exists, err = storage.Has(ctx, "liturgia-dynamic-v1")
	require.NoError(t, err)
	assert.False(t, exists)
}
