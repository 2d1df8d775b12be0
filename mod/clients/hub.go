package clients

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"imuslab.com/liturgia/mod/swmsg"
)

// ErrClientNotFound is returned when an operation names a disconnected client
var ErrClientNotFound = errors.New("client not found")

// Sink delivers events to one page
type Sink interface {
	Send(ev swmsg.Event) error
	Close() error
}

// CommandHandler receives the normalized commands pages post
type CommandHandler interface {
	HandleCommand(ctx context.Context, clientID string, cmd swmsg.Command)
}

// CommandHandlerFunc adapts a function to CommandHandler
type CommandHandlerFunc func(ctx context.Context, clientID string, cmd swmsg.Command)

func (f CommandHandlerFunc) HandleCommand(ctx context.Context, clientID string, cmd swmsg.Command) {
	f(ctx, clientID, cmd)
}

// ClientInfo describes one connected page
type ClientInfo struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Origin      string    `json:"origin"`
	Controller  string    `json:"controller,omitempty"`
	Focused     bool      `json:"focused"`
	ConnectedAt time.Time `json:"connected_at"`
}

type client struct {
	info ClientInfo
	sink Sink
}

// HubConfig holds the hub collaborators
type HubConfig struct {
	Logger *zap.Logger

	// Handler receives parsed page commands
	Handler CommandHandler

	// Opener opens new windows when no page can be focused
	Opener Opener

	// ActiveTag reports the version tag currently serving requests; pages
	// connecting while a version is active are controlled by it
	ActiveTag func() string

	// OnEmpty is called when the last page disconnects
	OnEmpty func()

	// AllowedOrigins restricts websocket connections by Origin header, empty allows all
	AllowedOrigins []string
}

// Hub tracks the pages controlled by the service
type Hub struct {
	logger    *zap.Logger
	opener    Opener
	activeTag func() string
	upgrader  *websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	handler CommandHandler
	onEmpty func()
}

// NewHub creates an empty hub
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("clients")
	if cfg.Opener == nil {
		cfg.Opener = NewLogOpener(logger)
	}
	if cfg.ActiveTag == nil {
		cfg.ActiveTag = func() string { return "" }
	}
	return &Hub{
		logger:    logger,
		opener:    cfg.Opener,
		activeTag: cfg.ActiveTag,
		upgrader:  newUpgrader(cfg.AllowedOrigins),
		clients:   make(map[string]*client),
		handler:   cfg.Handler,
		onEmpty:   cfg.OnEmpty,
	}
}

// SetHandler replaces the command handler
func (h *Hub) SetHandler(handler CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// SetOnEmpty replaces the last-page-closed callback
func (h *Hub) SetOnEmpty(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEmpty = fn
}

// Attach registers a page delivering events through sink and returns its id
func (h *Hub) Attach(pageURL string, focused bool, sink Sink) ClientInfo {
	info := ClientInfo{
		ID:          uuid.NewString(),
		URL:         pageURL,
		Origin:      originOf(pageURL),
		Controller:  h.activeTag(),
		Focused:     focused,
		ConnectedAt: time.Now(),
	}

	h.mu.Lock()
	h.clients[info.ID] = &client{info: info, sink: sink}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Page connected",
		zap.String("client", info.ID),
		zap.String("url", info.URL),
		zap.String("controller", info.Controller),
		zap.Int("pages", total))
	return info
}

// Detach removes a page; detaching the last page fires OnEmpty
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	remaining := len(h.clients)
	onEmpty := h.onEmpty
	h.mu.Unlock()

	if !ok {
		return
	}
	c.sink.Close()
	h.logger.Info("Page disconnected", zap.String("client", id), zap.Int("pages", remaining))

	if remaining == 0 && onEmpty != nil {
		onEmpty()
	}
}

// Dispatch hands a raw page message to the command handler
func (h *Hub) Dispatch(ctx context.Context, clientID string, data []byte) error {
	cmd, err := swmsg.ParseCommand(data)
	if err != nil {
		h.logger.Warn("Ignoring unrecognized page message", zap.String("client", clientID), zap.Error(err))
		return err
	}

	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()

	if handler == nil {
		h.logger.Warn("No command handler configured", zap.String("command", cmd.Kind.String()))
		return nil
	}
	h.logger.Debug("Page command received", zap.String("client", clientID), zap.String("command", cmd.Kind.String()))
	handler.HandleCommand(ctx, clientID, cmd)
	return nil
}

// Post sends an event to one page
func (h *Hub) Post(id string, ev swmsg.Event) error {
	h.mu.RLock()
	c, ok := h.clients[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	if err := c.sink.Send(ev); err != nil {
		return fmt.Errorf("failed to post %s to %s: %w", ev.Type, id, err)
	}
	return nil
}

// Broadcast sends an event to every page and returns how many received it
func (h *Hub) Broadcast(ev swmsg.Event) int {
	sent := 0
	for _, c := range h.snapshot() {
		if err := c.sink.Send(ev); err != nil {
			h.logger.Warn("Failed to post event", zap.String("client", c.info.ID), zap.String("event", string(ev.Type)), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// MatchAll lists the pages of an origin, every page when origin is empty
func (h *Hub) MatchAll(origin string) []ClientInfo {
	origin = strings.ToLower(strings.TrimSuffix(origin, "/"))

	var out []ClientInfo
	for _, c := range h.snapshot() {
		if origin != "" && c.info.Origin != origin {
			continue
		}
		out = append(out, c.info)
	}
	return out
}

// Claim makes tag the controller of every page. Pages already controlled by
// tag are skipped, so each page receives CONTROLLER_CHANGE at most once per
// activation.
func (h *Hub) Claim(tag string) int {
	var changed []client

	h.mu.Lock()
	for _, c := range h.clients {
		if c.info.Controller == tag {
			continue
		}
		c.info.Controller = tag
		changed = append(changed, *c)
	}
	h.mu.Unlock()

	ev := swmsg.Event{Type: swmsg.EventControllerChange, Version: tag}
	for _, c := range changed {
		if err := c.sink.Send(ev); err != nil {
			h.logger.Warn("Failed to post controller change", zap.String("client", c.info.ID), zap.Error(err))
		}
	}
	return len(changed)
}

// Focus marks a page as focused and asks it to come to the foreground
func (h *Hub) Focus(id string) (ClientInfo, error) {
	h.mu.Lock()
	c, ok := h.clients[id]
	var info ClientInfo
	if ok {
		for _, other := range h.clients {
			other.info.Focused = false
		}
		c.info.Focused = true
		info = c.info
	}
	h.mu.Unlock()

	if !ok {
		return ClientInfo{}, fmt.Errorf("%w: %s", ErrClientNotFound, id)
	}
	if err := c.sink.Send(swmsg.Event{Type: swmsg.EventFocus}); err != nil {
		return info, fmt.Errorf("failed to focus %s: %w", id, err)
	}
	return info, nil
}

// OpenWindow opens a new page at target
func (h *Hub) OpenWindow(ctx context.Context, target string) error {
	return h.opener.Open(ctx, target)
}

// Count returns the number of connected pages
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every page without firing OnEmpty
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range all {
		c.sink.Close()
	}
}

// snapshot copies the connected pages, oldest first
func (h *Hub) snapshot() []client {
	h.mu.RLock()
	out := make([]client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, *c)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].info.ConnectedAt.Before(out[j].info.ConnectedAt)
	})
	return out
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
