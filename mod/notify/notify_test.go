package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imuslab.com/liturgia/mod/clients"
	"imuslab.com/liturgia/mod/swmsg"
)

type fakePages struct {
	mu      sync.Mutex
	events  []swmsg.Event
	pages   []clients.ClientInfo
	focused []string
	opened  []string
}

func (p *fakePages) Broadcast(ev swmsg.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return len(p.pages)
}

func (p *fakePages) MatchAll(origin string) []clients.ClientInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []clients.ClientInfo
	for _, page := range p.pages {
		if origin == "" || page.Origin == origin {
			out = append(out, page)
		}
	}
	return out
}

func (p *fakePages) Focus(id string) (clients.ClientInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.focused = append(p.focused, id)
	for _, page := range p.pages {
		if page.ID == id {
			return page, nil
		}
	}
	return clients.ClientInfo{}, clients.ErrClientNotFound
}

func (p *fakePages) OpenWindow(ctx context.Context, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, target)
	return nil
}

func (p *fakePages) eventsOf(t swmsg.EventType) []swmsg.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []swmsg.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

const origin = "https://liturgia.example.com"

func newTestNotifier(permission Permission) (*Notifier, *fakePages, *clock.Mock) {
	pages := &fakePages{}
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC))
	n := NewNotifier(Config{
		Pages:      pages,
		Origin:     origin + "/",
		Permission: permission,
		Clock:      mock,
	})
	return n, pages, mock
}

func TestShow_Granted(t *testing.T) {
	n, pages, mock := newTestNotifier(PermissionGranted)

	shown, err := n.Show(context.Background(), SourcePage, "Evangelho do dia")
	require.NoError(t, err)

	assert.Equal(t, "Liturgia Diária", shown.Title)
	assert.Equal(t, "Evangelho do dia", shown.Body)
	assert.Equal(t, "/icons/icon-192.png", shown.Icon)
	assert.Equal(t, "/icons/icon-72.png", shown.Badge)
	assert.Equal(t, "liturgia-daily", shown.Tag)
	assert.Equal(t, Data{Source: SourcePage, Timestamp: mock.Now(), URL: origin + "/"}, shown.Data)

	events := pages.eventsOf(swmsg.EventNotification)
	require.Len(t, events, 1)
	assert.Equal(t, shown, events[0].Payload)
}

func TestShow_SameTagReplaces(t *testing.T) {
	n, _, _ := newTestNotifier(PermissionGranted)

	_, err := n.Show(context.Background(), SourcePage, "primeira")
	require.NoError(t, err)
	_, err = n.Show(context.Background(), SourceReminder, "segunda")
	require.NoError(t, err)

	list := n.Tray().List()
	require.Len(t, list, 1)
	assert.Equal(t, "segunda", list[0].Body)
}

func TestShow_DeniedSurfacedOnce(t *testing.T) {
	n, pages, _ := newTestNotifier(PermissionDenied)

	for i := 0; i < 3; i++ {
		_, err := n.Show(context.Background(), SourcePage, "x")
		assert.ErrorIs(t, err, ErrPermissionDenied)
	}

	errorsSent := pages.eventsOf(swmsg.EventError)
	require.Len(t, errorsSent, 1)
	assert.Equal(t, "Permissão para notificações negada.", errorsSent[0].Message)
	assert.Empty(t, pages.eventsOf(swmsg.EventNotification))
	assert.Empty(t, n.Tray().List())

	// a new denial after a grant is reported again
	n.SetPermission(PermissionGranted)
	n.SetPermission(PermissionDenied)
	_, err := n.Show(context.Background(), SourcePage, "x")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Len(t, pages.eventsOf(swmsg.EventError), 2)
}

func TestShow_DefaultPermissionIsSilent(t *testing.T) {
	n, pages, _ := newTestNotifier("")
	assert.Equal(t, PermissionDefault, n.Permission())

	_, err := n.Show(context.Background(), SourcePage, "x")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Empty(t, pages.eventsOf(swmsg.EventError))
}

func TestPush_DefaultBody(t *testing.T) {
	n, _, _ := newTestNotifier(PermissionGranted)

	shown, err := n.Push(context.Background(), "  ")
	require.NoError(t, err)
	assert.Equal(t, "Nova liturgia disponível!", shown.Body)
	assert.Equal(t, SourcePush, shown.Data.Source)

	shown, err = n.Push(context.Background(), "Liturgia de Natal")
	require.NoError(t, err)
	assert.Equal(t, "Liturgia de Natal", shown.Body)
}

func TestClick(t *testing.T) {
	t.Run("ignores foreign tags", func(t *testing.T) {
		n, pages, _ := newTestNotifier(PermissionGranted)
		result, err := n.Click(context.Background(), "promo", "")
		require.NoError(t, err)
		assert.Equal(t, ClickIgnored, result)
		assert.Empty(t, pages.opened)
	})

	t.Run("close only closes", func(t *testing.T) {
		n, pages, _ := newTestNotifier(PermissionGranted)
		_, err := n.Show(context.Background(), SourcePage, "x")
		require.NoError(t, err)

		result, err := n.Click(context.Background(), DefaultTag, ActionClose)
		require.NoError(t, err)
		assert.Equal(t, ClickClosed, result)
		assert.Empty(t, n.Tray().List())
		assert.Empty(t, pages.opened)
		assert.Empty(t, pages.focused)
		assert.Len(t, pages.eventsOf(swmsg.EventNotificationClose), 1)
	})

	t.Run("focuses an existing app page", func(t *testing.T) {
		n, pages, _ := newTestNotifier(PermissionGranted)
		pages.pages = []clients.ClientInfo{
			{ID: "other", Origin: "https://elsewhere.example.com"},
			{ID: "app", Origin: origin},
		}
		_, err := n.Show(context.Background(), SourcePage, "x")
		require.NoError(t, err)

		result, err := n.Click(context.Background(), DefaultTag, "explore")
		require.NoError(t, err)
		assert.Equal(t, ClickFocused, result)
		assert.Equal(t, []string{"app"}, pages.focused)
		assert.Empty(t, pages.opened)
	})

	t.Run("opens exactly one window", func(t *testing.T) {
		n, pages, _ := newTestNotifier(PermissionGranted)
		_, err := n.Show(context.Background(), SourcePage, "x")
		require.NoError(t, err)

		result, err := n.Click(context.Background(), DefaultTag, "explore")
		require.NoError(t, err)
		assert.Equal(t, ClickOpened, result)
		assert.Equal(t, []string{origin + "/"}, pages.opened)
	})
}

func TestParsePermission(t *testing.T) {
	p, err := ParsePermission(" Granted")
	require.NoError(t, err)
	assert.Equal(t, PermissionGranted, p)

	_, err = ParsePermission("maybe")
	assert.Error(t, err)
}

func TestNextOccurrence(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)

	now := time.Date(2024, 1, 1, 6, 59, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 1, 1, 7, 0, 0, 0, loc), NextOccurrence(now, 7, 0))

	now = time.Date(2024, 1, 1, 7, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 1, 2, 7, 0, 0, 0, loc), NextOccurrence(now, 7, 0))

	now = time.Date(2024, 12, 31, 23, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2025, 1, 1, 7, 0, 0, 0, loc), NextOccurrence(now, 7, 0))
}

type scriptedShower struct {
	mu    sync.Mutex
	calls int
	fail  int
}

func (s *scriptedShower) Show(ctx context.Context, source, body string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fail {
		return Notification{}, errors.New("tray unavailable")
	}
	return Notification{Body: body}, nil
}

func (s *scriptedShower) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestScheduler_FiresDailyAndRetries(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC))
	shower := &scriptedShower{fail: 1}

	s, err := NewScheduler(SchedulerConfig{
		Shower:     shower,
		Clock:      mock,
		RetryDelay: time.Minute,
	})
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop()

	first := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	require.Eventually(t, func() bool { return s.Next().Equal(first) }, time.Second, 5*time.Millisecond)

	mock.Add(time.Hour)
	retry := first.Add(time.Minute)
	require.Eventually(t, func() bool { return s.Next().Equal(retry) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, shower.count())

	mock.Add(time.Minute)
	tomorrow := time.Date(2024, 1, 2, 7, 0, 0, 0, time.UTC)
	require.Eventually(t, func() bool { return s.Next().Equal(tomorrow) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, shower.count())

	s.Stop()
	assert.True(t, s.Next().IsZero())
}

func TestScheduler_InvalidTime(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{Shower: &scriptedShower{}, At: "25:00"})
	assert.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{At: "07:00"})
	assert.Error(t, err)
}
