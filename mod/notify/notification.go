// Package notify shows liturgy notifications to controlled pages: the
// push passthrough, the page-requested notification and the daily reminder.
package notify

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrPermissionDenied is returned when notifications are not granted
var ErrPermissionDenied = errors.New("notification permission not granted")

// Permission mirrors the page notification permission
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission validates a permission reported by a page
func ParsePermission(s string) (Permission, error) {
	switch p := Permission(strings.ToLower(strings.TrimSpace(s))); p {
	case PermissionDefault, PermissionGranted, PermissionDenied:
		return p, nil
	}
	return "", fmt.Errorf("unknown notification permission %q", s)
}

// Notification template values
const (
	DefaultTitle = "Liturgia Diária"
	DefaultIcon  = "/icons/icon-192.png"
	DefaultBadge = "/icons/icon-72.png"
	DefaultTag   = "liturgia-daily"

	DefaultPushBody = "Nova liturgia disponível!"
	ReminderBody    = "Hora de conferir a liturgia de hoje!"
)

// Sources recorded in Data.Source
const (
	SourcePush     = "push"
	SourcePage     = "page"
	SourceReminder = "reminder"
)

// Data is the payload a click handler receives
type Data struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url"`
}

// Notification is what pages display
type Notification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Icon    string `json:"icon"`
	Badge   string `json:"badge"`
	Tag     string `json:"tag"`
	Vibrate []int  `json:"vibrate,omitempty"`
	Data    Data   `json:"data"`
}

// NewNotification fills the fixed liturgy template
func NewNotification(source, body, url string, now time.Time) Notification {
	return Notification{
		Title:   DefaultTitle,
		Body:    body,
		Icon:    DefaultIcon,
		Badge:   DefaultBadge,
		Tag:     DefaultTag,
		Vibrate: []int{100, 50, 100},
		Data: Data{
			Source:    source,
			Timestamp: now,
			URL:       url,
		},
	}
}

// Tray holds the notifications currently shown, one per tag
type Tray struct {
	mu    sync.Mutex
	shown map[string]Notification
}

// NewTray creates an empty tray
func NewTray() *Tray {
	return &Tray{shown: make(map[string]Notification)}
}

// Show displays n, replacing any notification with the same tag
func (t *Tray) Show(n Notification) (replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, replaced = t.shown[n.Tag]
	t.shown[n.Tag] = n
	return replaced
}

// Close removes the notification of tag
func (t *Tray) Close(tag string) (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.shown[tag]
	delete(t.shown, tag)
	return n, ok
}

// Get returns the notification shown under tag
func (t *Tray) Get(tag string) (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.shown[tag]
	return n, ok
}

// List returns every shown notification ordered by tag
func (t *Tray) List() []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Notification, 0, len(t.shown))
	for _, n := range t.shown {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}
