package swapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imuslab.com/liturgia/mod/cache"
	"imuslab.com/liturgia/mod/clients"
	"imuslab.com/liturgia/mod/interceptor"
	"imuslab.com/liturgia/mod/lifecycle"
	"imuslab.com/liturgia/mod/liturgy"
	"imuslab.com/liturgia/mod/notify"
	"imuslab.com/liturgia/mod/swmsg"
)

type memorySink struct {
	mu     sync.Mutex
	events []swmsg.Event
}

func (s *memorySink) Send(ev swmsg.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memorySink) Close() error { return nil }

func (s *memorySink) types() []swmsg.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]swmsg.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	server   *httptest.Server
	storage  *cache.MemoryStorage
	manager  *lifecycle.Manager
	hub      *clients.Hub
	notifier *notify.Notifier
	handler  *Handler
}

func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()

	app := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html>"+r.URL.Path+"</html>")
	}))
	t.Cleanup(app.Close)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"dia":"%s"}`, r.URL.Query().Get("dia"))
	}))
	t.Cleanup(api.Close)

	f := &fixture{storage: cache.NewMemoryStorage(0)}
	f.manager = lifecycle.NewManager(lifecycle.Config{Storage: f.storage})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.manager.Shutdown(ctx)
	})

	origin, _ := url.Parse(app.URL)
	apiURL, _ := url.Parse(api.URL)
	registry := prometheus.NewRegistry()

	ic, err := interceptor.New(interceptor.Config{
		Origin:   origin,
		APIHost:  apiURL.Host,
		Storage:  f.storage,
		Versions: f.manager,
		Metrics:  interceptor.NewMetrics(registry),
	})
	require.NoError(t, err)
	f.manager.SetInstaller(ic)

	f.hub = clients.NewHub(clients.HubConfig{
		ActiveTag: func() string {
			if v := f.manager.Active(); v != nil {
				return v.Tag()
			}
			return ""
		},
	})
	f.manager.SetPages(f.hub)

	f.notifier = notify.NewNotifier(notify.Config{Pages: f.hub, Origin: app.URL})

	f.handler = NewHandler(Config{
		Manager:     f.manager,
		Hub:         f.hub,
		Interceptor: ic,
		Notifier:    f.notifier,
		Storage:     f.storage,
		Backend:     "memory",
		Liturgy:     liturgy.NewClient(api.URL+"/v2/", ic, nil),
		Gatherer:    registry,
		AdminSecret: secret,
	})
	f.hub.SetHandler(f.handler)

	mux := http.NewServeMux()
	f.handler.Register(mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func versionBody(tag string) string {
	return fmt.Sprintf(`{"tag":%q,"static_store":"liturgia-static-%s","dynamic_store":"liturgia-dynamic-%s","manifest":["/"]}`, tag, tag, tag)
}

func TestRegisterAndSkipWaiting(t *testing.T) {
	f := newFixture(t, "")

	resp, body := f.do(t, http.MethodPost, "/_sw/register", versionBody("v1"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var info lifecycle.VersionInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "v1", info.Tag)
	assert.Equal(t, lifecycle.StateActive, info.State)

	page := &memorySink{}
	pageInfo := f.hub.Attach("http://app.example.com/", true, page)
	assert.Equal(t, "v1", pageInfo.Controller)

	resp, body = f.do(t, http.MethodPost, "/_sw/register", versionBody("v2"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, []swmsg.EventType{swmsg.EventUpdateAvailable}, page.types())

	resp, body = f.do(t, http.MethodGet, "/_sw/registration", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reg struct {
		Registration    lifecycle.Registration `json:"registration"`
		UpdateAvailable bool                   `json:"update_available"`
	}
	require.NoError(t, json.Unmarshal(body, &reg))
	assert.True(t, reg.UpdateAvailable)
	require.NotNil(t, reg.Registration.Waiting)
	assert.Equal(t, "v2", reg.Registration.Waiting.Tag)

	resp, body = f.do(t, http.MethodPost, "/_sw/message", `{"action":"skipWaiting"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "v2", f.manager.Active().Tag())
	assert.Equal(t, []swmsg.EventType{swmsg.EventUpdateAvailable, swmsg.EventControllerChange}, page.types())

	resp, body = f.do(t, http.MethodGet, "/_sw/caches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stores []StoreSummary
	require.NoError(t, json.Unmarshal(body, &stores))
	for _, s := range stores {
		assert.Equal(t, "v2", s.Owner, "stale store %s survived activation", s.Name)
	}
}

func TestSkipWaitingWithoutWaitingVersion(t *testing.T) {
	f := newFixture(t, "")
	f.do(t, http.MethodPost, "/_sw/register", versionBody("v1"))

	page := &memorySink{}
	info := f.hub.Attach("http://app.example.com/", true, page)

	require.NoError(t, f.hub.Dispatch(context.Background(), info.ID, []byte(`{"type":"SKIP_WAITING"}`)))
	page.mu.Lock()
	require.Len(t, page.events, 1)
	assert.Equal(t, swmsg.EventSkipWaitingFailed, page.events[0].Type)
	assert.Equal(t, "Nenhuma atualização aguardando ativação. Tente recarregar a página.", page.events[0].Message)
	page.mu.Unlock()

	resp, body := f.do(t, http.MethodPost, "/_sw/message?client="+info.ID, `{"type":"SKIP_WAITING"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), swmsg.MessageNoWaitingVersion)
	assert.Len(t, page.types(), 2)

	resp, _ = f.do(t, http.MethodPost, "/_sw/message", `{"type":"RELOAD"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterInvalid(t *testing.T) {
	f := newFixture(t, "")
	resp, _ := f.do(t, http.MethodPost, "/_sw/register", `{"tag":"","static_store":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/_sw/register", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, "s3cret")

	resp, _ := f.do(t, http.MethodGet, "/_sw/status", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/_sw/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/_sw/status?secret=s3cret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the page channel is reachable without the secret; a plain GET fails the upgrade
	resp, _ = f.do(t, http.MethodGet, "/_sw/ws", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheInspectionAndPurge(t *testing.T) {
	f := newFixture(t, "")
	f.do(t, http.MethodPost, "/_sw/register", versionBody("v1"))

	resp, body := f.do(t, http.MethodGet, "/_sw/caches/keys?name=liturgia-static-v1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Keys []string `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Keys, 1)

	resp, _ = f.do(t, http.MethodGet, "/_sw/caches/keys?name=missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/_sw/purge", fmt.Sprintf(`{"name":"liturgia-static-v1","key":%q}`, listing.Keys[0]))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	store, err := f.storage.Open(context.Background(), "liturgia-static-v1")
	require.NoError(t, err)
	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	resp, _ = f.do(t, http.MethodPost, "/_sw/purge", `{"name":"liturgia-static-v1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	exists, err := f.storage.Has(context.Background(), "liturgia-static-v1")
	require.NoError(t, err)
	assert.False(t, exists)

	// purging entries of a dropped store must not bring it back
	resp, _ = f.do(t, http.MethodPost, "/_sw/purge", `{"name":"liturgia-static-v1","prefix":"GET"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	exists, err = f.storage.Has(context.Background(), "liturgia-static-v1")
	require.NoError(t, err)
	assert.False(t, exists)

	resp, _ = f.do(t, http.MethodPost, "/_sw/purge", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotifications(t *testing.T) {
	f := newFixture(t, "")
	page := &memorySink{}
	f.hub.Attach(f.server.URL+"/", true, page)

	resp, _ := f.do(t, http.MethodPost, "/_sw/push", `{}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/_sw/permission", `{"permission":"granted"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"permission":"granted"}`, string(body))

	resp, body = f.do(t, http.MethodPost, "/_sw/push", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var shown notify.Notification
	require.NoError(t, json.Unmarshal(body, &shown))
	assert.Equal(t, "Nova liturgia disponível!", shown.Body)
	assert.Contains(t, page.types(), swmsg.EventNotification)

	resp, body = f.do(t, http.MethodPost, "/_sw/notificationclick", `{"tag":"liturgia-daily","action":"close"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"closed"`)

	resp, _ = f.do(t, http.MethodPost, "/_sw/message", `{"type":"SHOW_NOTIFICATION","body":"Evangelho"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	list := f.notifier.Tray().List()
	require.Len(t, list, 1)
	assert.Equal(t, "Evangelho", list[0].Body)
}

func TestBackgroundSync(t *testing.T) {
	f := newFixture(t, "")
	f.do(t, http.MethodPost, "/_sw/register", versionBody("v1"))
	page := &memorySink{}
	f.hub.Attach("http://app.example.com/", true, page)

	resp, body := f.do(t, http.MethodPost, "/_sw/sync", `{"tag":"liturgia-sync"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	require.Eventually(t, func() bool {
		for _, typ := range page.types() {
			if typ == swmsg.EventSyncComplete {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	store, err := f.storage.Open(context.Background(), "liturgia-dynamic-v1")
	require.NoError(t, err)
	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestStatusAndMetrics(t *testing.T) {
	f := newFixture(t, "")
	f.do(t, http.MethodPost, "/_sw/register", versionBody("v1"))

	resp, body := f.do(t, http.MethodGet, "/_sw/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "memory", status["backend"])
	assert.Contains(t, status, "stats")
	assert.Contains(t, status, "config")

	f.handler.config.Interceptor.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	resp, body = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.Contains(body, []byte("liturgia_interceptor_responses_total")))
}
