package notify

import (
	"context"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"imuslab.com/liturgia/mod/clients"
	"imuslab.com/liturgia/mod/swmsg"
)

// Pages is the part of the page hub notifications need
type Pages interface {
	Broadcast(ev swmsg.Event) int
	MatchAll(origin string) []clients.ClientInfo
	Focus(id string) (clients.ClientInfo, error)
	OpenWindow(ctx context.Context, target string) error
}

// ClickResult tells what a notification click did
type ClickResult string

const (
	ClickFocused ClickResult = "focused"
	ClickOpened  ClickResult = "opened"
	ClickClosed  ClickResult = "closed"
	ClickIgnored ClickResult = "ignored"
)

// ActionClose dismisses a notification without navigating
const ActionClose = "close"

// Config holds the notifier collaborators
type Config struct {
	Pages Pages
	Tray  *Tray

	// Origin is the app origin; clicks focus pages of this origin
	Origin string

	// Permission is the initial permission, default when empty
	Permission Permission

	Clock  clock.Clock
	Logger *zap.Logger
}

// Notifier shows notifications when the permission allows it
type Notifier struct {
	pages  Pages
	tray   *Tray
	origin string
	clock  clock.Clock
	logger *zap.Logger

	mu             sync.Mutex
	permission     Permission
	deniedReported bool
}

// NewNotifier creates a notifier
func NewNotifier(cfg Config) *Notifier {
	if cfg.Tray == nil {
		cfg.Tray = NewTray()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Permission == "" {
		cfg.Permission = PermissionDefault
	}
	return &Notifier{
		pages:      cfg.Pages,
		tray:       cfg.Tray,
		origin:     strings.TrimSuffix(cfg.Origin, "/"),
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("notify"),
		permission: cfg.Permission,
	}
}

// Tray returns the shown notifications
func (n *Notifier) Tray() *Tray {
	return n.tray
}

// Permission returns the current permission
func (n *Notifier) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

// SetPermission records the permission a page reported. Leaving the denied
// state lets a later denial be surfaced again.
func (n *Notifier) SetPermission(p Permission) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p != PermissionDenied {
		n.deniedReported = false
	}
	n.permission = p
	n.logger.Info("Notification permission updated", zap.String("permission", string(p)))
}

// Show displays body under the liturgy template. Without permission nothing
// is shown and ErrPermissionDenied is returned; pages hear about the denial
// once.
func (n *Notifier) Show(ctx context.Context, source, body string) (Notification, error) {
	n.mu.Lock()
	permission := n.permission
	report := permission == PermissionDenied && !n.deniedReported
	if report {
		n.deniedReported = true
	}
	n.mu.Unlock()

	if permission != PermissionGranted {
		n.logger.Info("Notification suppressed",
			zap.String("source", source),
			zap.String("permission", string(permission)))
		if report && n.pages != nil {
			n.pages.Broadcast(swmsg.Event{Type: swmsg.EventError, Message: swmsg.MessagePermissionDenied})
		}
		return Notification{}, ErrPermissionDenied
	}

	notification := NewNotification(source, body, n.origin+"/", n.clock.Now())
	replaced := n.tray.Show(notification)
	if n.pages != nil {
		n.pages.Broadcast(swmsg.Event{Type: swmsg.EventNotification, Payload: notification})
	}

	n.logger.Info("Notification shown",
		zap.String("source", source),
		zap.String("tag", notification.Tag),
		zap.Bool("replaced", replaced))
	return notification, nil
}

// Push handles a push message; empty text uses the default announcement
func (n *Notifier) Push(ctx context.Context, text string) (Notification, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		text = DefaultPushBody
	}
	return n.Show(ctx, SourcePush, text)
}

// Click handles a click on the notification of tag. Only liturgy
// notifications are handled. The close action only dismisses; any other
// action focuses an app page, or opens one when none is connected.
func (n *Notifier) Click(ctx context.Context, tag, action string) (ClickResult, error) {
	if !strings.Contains(tag, "liturgia") {
		return ClickIgnored, nil
	}

	notification, shown := n.tray.Close(tag)
	if n.pages != nil {
		n.pages.Broadcast(swmsg.Event{Type: swmsg.EventNotificationClose, Payload: map[string]string{"tag": tag}})
	}
	if action == ActionClose || n.pages == nil {
		return ClickClosed, nil
	}

	for _, page := range n.pages.MatchAll(n.origin) {
		if _, err := n.pages.Focus(page.ID); err != nil {
			n.logger.Warn("Failed to focus page", zap.String("client", page.ID), zap.Error(err))
			continue
		}
		return ClickFocused, nil
	}

	target := n.origin + "/"
	if shown && notification.Data.URL != "" {
		target = notification.Data.URL
	}
	if err := n.pages.OpenWindow(ctx, target); err != nil {
		return ClickIgnored, err
	}
	return ClickOpened, nil
}
