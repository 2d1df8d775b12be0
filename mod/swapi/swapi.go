// Package swapi exposes the control endpoints of the lifecycle service:
// registration, page messages, cache inspection, notifications and sync.
package swapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"imuslab.com/liturgia/mod/cache"
	"imuslab.com/liturgia/mod/cacheworker"
	"imuslab.com/liturgia/mod/clients"
	"imuslab.com/liturgia/mod/hoststats"
	"imuslab.com/liturgia/mod/interceptor"
	"imuslab.com/liturgia/mod/lifecycle"
	"imuslab.com/liturgia/mod/liturgy"
	"imuslab.com/liturgia/mod/notify"
	"imuslab.com/liturgia/mod/swmsg"
)

// Config holds the components behind the endpoints
type Config struct {
	Manager     *lifecycle.Manager
	Hub         *clients.Hub
	Interceptor *interceptor.Interceptor
	Notifier    *notify.Notifier
	Storage     cache.Storage

	// Backend names the storage backend in status reports
	Backend string

	// Worker runs background sync jobs; nil runs them as tracked tasks
	Worker *cacheworker.Worker

	Liturgy  *liturgy.Client
	SyncDays int

	// HostStats is optional
	HostStats *hoststats.Collector

	// Gatherer serves /metrics; nil disables the endpoint
	Gatherer prometheus.Gatherer

	// AdminSecret protects every endpoint but the page channel; empty disables auth
	AdminSecret string

	Clock  clock.Clock
	Logger *zap.Logger
}

// Handler serves the control endpoints and handles page commands
type Handler struct {
	config Config
	logger *zap.Logger
}

// NewHandler creates the control handler
func NewHandler(config Config) *Handler {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.SyncDays <= 0 {
		config.SyncDays = 1
	}
	return &Handler{
		config: config,
		logger: config.Logger.Named("swapi"),
	}
}

// Register adds every route to mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/_sw/registration", h.protect(http.MethodGet, h.HandleRegistration))
	mux.HandleFunc("/_sw/register", h.protect(http.MethodPost, h.HandleRegister))
	mux.HandleFunc("/_sw/message", h.protect(http.MethodPost, h.HandleMessage))
	mux.HandleFunc("/_sw/caches", h.protect(http.MethodGet, h.HandleCaches))
	mux.HandleFunc("/_sw/caches/keys", h.protect(http.MethodGet, h.HandleCacheKeys))
	mux.HandleFunc("/_sw/purge", h.protect(http.MethodPost, h.HandlePurge))
	mux.HandleFunc("/_sw/status", h.protect(http.MethodGet, h.HandleStatus))
	mux.HandleFunc("/_sw/clients", h.protect(http.MethodGet, h.HandleClients))
	mux.HandleFunc("/_sw/push", h.protect(http.MethodPost, h.HandlePush))
	mux.HandleFunc("/_sw/notificationclick", h.protect(http.MethodPost, h.HandleNotificationClick))
	mux.HandleFunc("/_sw/permission", h.protect("", h.HandlePermission))
	mux.HandleFunc("/_sw/sync", h.protect(http.MethodPost, h.HandleSync))

	if h.config.HostStats != nil {
		mux.HandleFunc("/_sw/hosts", h.protect("", h.config.HostStats.HandleGetAllHostStats))
		mux.HandleFunc("/_sw/hosts/get", h.protect("", h.config.HostStats.HandleGetHostStats))
		mux.HandleFunc("/_sw/hosts/reset", h.protect("", h.config.HostStats.HandleResetHostStats))
	}
	if h.config.Hub != nil {
		mux.Handle("/_sw/ws", h.config.Hub)
	}
	if h.config.Gatherer != nil {
		mux.Handle("/metrics", h.protectHandler(promhttp.HandlerFor(h.config.Gatherer, promhttp.HandlerOpts{})))
	}
}

// authenticate checks if the request is authorized
func (h *Handler) authenticate(r *http.Request) bool {
	if h.config.AdminSecret == "" {
		return true
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ") == h.config.AdminSecret
	}
	return r.URL.Query().Get("secret") == h.config.AdminSecret
}

// protect checks the secret and, when method is set, the request method
func (h *Handler) protect(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.authenticate(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if method != "" && r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func (h *Handler) protectHandler(next http.Handler) http.Handler {
	return h.protect("", next.ServeHTTP)
}

// CommandResult is what a page command produced
type CommandResult struct {
	Command string                 `json:"command"`
	Version *lifecycle.VersionInfo `json:"version,omitempty"`
	Event   *swmsg.Event           `json:"event,omitempty"`
	Queued  bool                   `json:"queued,omitempty"`
}

// HandleCommand implements clients.CommandHandler. Failures are reported to
// the sending page and logged, never propagated.
func (h *Handler) HandleCommand(ctx context.Context, clientID string, cmd swmsg.Command) {
	result, err := h.Execute(ctx, cmd)
	if result.Event != nil && clientID != "" && h.config.Hub != nil {
		if postErr := h.config.Hub.Post(clientID, *result.Event); postErr != nil {
			h.logger.Warn("Failed to answer page", zap.String("client", clientID), zap.Error(postErr))
		}
	}
	if err != nil {
		h.logger.Warn("Page command failed",
			zap.String("client", clientID),
			zap.String("command", cmd.Kind.String()),
			zap.Error(err))
	}
}

// Execute runs one normalized command
func (h *Handler) Execute(ctx context.Context, cmd swmsg.Command) (CommandResult, error) {
	result := CommandResult{Command: cmd.Kind.String()}

	switch cmd.Kind {
	case swmsg.CommandSkipWaiting:
		v, err := h.config.Manager.SkipWaiting(ctx)
		if errors.Is(err, lifecycle.ErrNoWaitingVersion) {
			result.Event = &swmsg.Event{Type: swmsg.EventSkipWaitingFailed, Message: swmsg.MessageNoWaitingVersion}
			return result, err
		}
		if err != nil {
			return result, err
		}
		result.Version = v.Info()
		return result, nil

	case swmsg.CommandShowNotification:
		if h.config.Notifier == nil {
			return result, errors.New("notifications are not configured")
		}
		_, err := h.config.Notifier.Show(ctx, notify.SourcePage, cmd.Body)
		return result, err

	case swmsg.CommandSync:
		err := h.startSync(cmd.Tag)
		result.Queued = err == nil
		return result, err
	}

	return result, swmsg.ErrUnknownCommand
}

// startSync schedules a background sync; pages are told when it finished
func (h *Handler) startSync(tag string) error {
	if h.config.Liturgy == nil {
		return errors.New("background sync is not configured")
	}
	if tag == "" {
		tag = swmsg.DefaultSyncTag
	}

	job := &liturgy.SyncJob{
		Client: h.config.Liturgy,
		Tag:    tag,
		Days:   h.config.SyncDays,
		Clock:  h.config.Clock,
		Done: func(result liturgy.SyncResult) {
			if h.config.Hub != nil && result.Err() == nil {
				h.config.Hub.Broadcast(swmsg.Event{Type: swmsg.EventSyncComplete, Payload: result})
			}
		},
	}

	if h.config.Worker == nil {
		h.config.Manager.WaitUntil(job.Name(), job.Run)
		return nil
	}
	if err := h.config.Worker.Enqueue(job); err != nil {
		return err
	}
	h.config.Manager.WaitUntil(job.Name(), func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		return h.config.Worker.Wait(waitCtx)
	})
	return nil
}
