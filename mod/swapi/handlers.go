package swapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"imuslab.com/liturgia/mod/cache"
	"imuslab.com/liturgia/mod/lifecycle"
	"imuslab.com/liturgia/mod/notify"
	"imuslab.com/liturgia/mod/swmsg"
	"imuslab.com/liturgia/mod/utils"
)

// HandleRegistration returns the registration snapshot
func (h *Handler) HandleRegistration(w http.ResponseWriter, r *http.Request) {
	reg := h.config.Manager.Registration()
	utils.SendJSONResponse(w, map[string]interface{}{
		"registration":     reg,
		"update_available": reg.UpdateAvailable(),
	})
}

// HandleRegister registers a new application version
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var cfg lifecycle.VersionConfig
	if err := utils.DecodeJSONBody(r, &cfg); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}

	v, err := h.config.Manager.Register(r.Context(), cfg)
	if err != nil {
		if errors.Is(err, lifecycle.ErrInvalidVersion) {
			utils.SendErrorResponse(w, err.Error())
			return
		}
		if errors.Is(err, lifecycle.ErrSuperseded) {
			utils.SendErrorStatus(w, http.StatusConflict, err.Error())
			return
		}
		utils.SendErrorStatus(w, http.StatusInternalServerError, "Failed to register version: "+err.Error())
		return
	}

	h.logger.Info("Version registered", zap.String("tag", v.Tag()), zap.Stringer("state", v.State()))
	utils.SendJSONResponse(w, v.Info())
}

// HandleMessage accepts a page message, the same shapes pages post over the
// control channel. The optional client parameter names the sender.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}

	cmd, err := swmsg.ParseCommand(body)
	if err != nil {
		utils.SendErrorResponse(w, err.Error())
		return
	}

	clientID := r.URL.Query().Get("client")
	result, err := h.Execute(r.Context(), cmd)
	if result.Event != nil && clientID != "" && h.config.Hub != nil {
		if postErr := h.config.Hub.Post(clientID, *result.Event); postErr != nil {
			h.logger.Warn("Failed to answer page", zap.String("client", clientID), zap.Error(postErr))
		}
	}

	switch {
	case errors.Is(err, lifecycle.ErrNoWaitingVersion):
		utils.SendJSONStatus(w, http.StatusConflict, result)
	case errors.Is(err, notify.ErrPermissionDenied):
		utils.SendErrorStatus(w, http.StatusForbidden, err.Error())
	case err != nil:
		utils.SendErrorStatus(w, http.StatusInternalServerError, err.Error())
	case result.Queued:
		utils.SendJSONStatus(w, http.StatusAccepted, result)
	default:
		utils.SendJSONResponse(w, result)
	}
}

// StoreSummary describes one cache store
type StoreSummary struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Owner   string `json:"owner,omitempty"`
}

// HandleCaches lists every cache store
func (h *Handler) HandleCaches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owners := make(map[string]string)
	for _, v := range []*lifecycle.Version{h.config.Manager.Active(), h.config.Manager.Waiting()} {
		if v == nil {
			continue
		}
		for _, name := range v.Config.StoreNames() {
			owners[name] = v.Tag()
		}
	}

	var summaries []StoreSummary
	err := h.config.Manager.InspectStores(func() error {
		names, err := h.config.Storage.Names(ctx)
		if err != nil {
			return err
		}
		sort.Strings(names)

		summaries = make([]StoreSummary, 0, len(names))
		for _, name := range names {
			summary := StoreSummary{Name: name, Owner: owners[name]}
			store, err := h.config.Storage.Open(ctx, name)
			if err == nil {
				if keys, err := store.Keys(ctx); err == nil {
					summary.Entries = len(keys)
				}
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		utils.SendErrorStatus(w, http.StatusInternalServerError, "Failed to list caches: "+err.Error())
		return
	}
	utils.SendJSONResponse(w, summaries)
}

var errCacheNotFound = errors.New("cache not found")

// openExisting opens a store without creating it
func (h *Handler) openExisting(ctx context.Context, name string) (cache.CacheStore, error) {
	exists, err := h.config.Storage.Has(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errCacheNotFound
	}
	return h.config.Storage.Open(ctx, name)
}

// HandleCacheKeys lists the keys of one store
func (h *Handler) HandleCacheKeys(w http.ResponseWriter, r *http.Request) {
	name, err := utils.GetPara(r, "name")
	if err != nil {
		utils.SendErrorResponse(w, "name is required")
		return
	}

	ctx := r.Context()
	var keys []string
	err = h.config.Manager.InspectStores(func() error {
		store, err := h.openExisting(ctx, name)
		if err != nil {
			return err
		}
		keys, err = store.Keys(ctx)
		return err
	})
	if errors.Is(err, errCacheNotFound) {
		utils.SendErrorStatus(w, http.StatusNotFound, "Cache not found")
		return
	}
	if err != nil {
		utils.SendErrorStatus(w, http.StatusInternalServerError, err.Error())
		return
	}
	sort.Strings(keys)
	utils.SendJSONResponse(w, map[string]interface{}{
		"name": name,
		"keys": keys,
	})
}

// HandlePurge deletes one entry, a key prefix or a whole store
func (h *Handler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Key    string `json:"key"`
		Prefix string `json:"prefix"`
	}
	if err := utils.DecodeJSONBody(r, &req); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}
	if req.Name == "" {
		utils.SendErrorResponse(w, "name is required")
		return
	}

	ctx := r.Context()
	if req.Key == "" && req.Prefix == "" {
		dropped, err := h.config.Storage.Drop(ctx, req.Name)
		if err != nil {
			utils.SendErrorStatus(w, http.StatusInternalServerError, "Failed to drop cache: "+err.Error())
			return
		}
		utils.SendJSONResponse(w, map[string]interface{}{
			"success": dropped,
			"name":    req.Name,
		})
		return
	}

	err := h.config.Manager.InspectStores(func() error {
		store, err := h.openExisting(ctx, req.Name)
		if err != nil {
			return err
		}
		if req.Key != "" {
			return store.Delete(ctx, req.Key)
		}
		return store.PurgePrefix(ctx, req.Prefix)
	})
	if errors.Is(err, errCacheNotFound) {
		utils.SendErrorStatus(w, http.StatusNotFound, "Cache not found")
		return
	}
	if err != nil {
		utils.SendErrorStatus(w, http.StatusInternalServerError, "Failed to purge cache: "+err.Error())
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"success": true,
		"name":    req.Name,
		"key":     req.Key,
		"prefix":  req.Prefix,
	})
}

// HandleStatus reports statistics and effective configuration
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"backend":      h.config.Backend,
		"registration": h.config.Manager.Registration(),
	}

	if h.config.Interceptor != nil {
		stats := h.config.Interceptor.GetStats()
		total := stats.Hits + stats.Misses
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(stats.Hits) / float64(total) * 100
		}
		response["stats"] = map[string]interface{}{
			"hits":             stats.Hits,
			"misses":           stats.Misses,
			"puts":             stats.Puts,
			"errors":           stats.Errors,
			"bypasses":         stats.Bypasses,
			"network_fetches":  stats.NetworkFetches,
			"network_failures": stats.NetworkFailures,
			"offline_payloads": stats.OfflinePayloads,
			"fallbacks":        stats.Fallbacks,
			"hit_rate":         hitRate,
		}
		response["config"] = h.config.Interceptor.Settings()
	}
	if h.config.Hub != nil {
		response["pages"] = h.config.Hub.Count()
	}
	if h.config.Notifier != nil {
		response["notification_permission"] = h.config.Notifier.Permission()
	}
	if h.config.Worker != nil {
		response["worker"] = map[string]interface{}{
			"queue_size":     h.config.Worker.GetQueueSize(),
			"queue_capacity": h.config.Worker.GetQueueCapacity(),
		}
	}

	utils.SendJSONResponse(w, response)
}

// HandleClients lists the connected pages
func (h *Handler) HandleClients(w http.ResponseWriter, r *http.Request) {
	if h.config.Hub == nil {
		utils.SendJSONResponse(w, []interface{}{})
		return
	}
	pages := h.config.Hub.MatchAll(r.URL.Query().Get("origin"))
	if pages == nil {
		utils.SendJSONResponse(w, []interface{}{})
		return
	}
	utils.SendJSONResponse(w, pages)
}

// HandlePush delivers a push message
func (h *Handler) HandlePush(w http.ResponseWriter, r *http.Request) {
	if h.config.Notifier == nil {
		utils.SendErrorStatus(w, http.StatusNotImplemented, "notifications are not configured")
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSONBody(r, &req); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}

	shown, err := h.config.Notifier.Push(r.Context(), req.Text)
	if errors.Is(err, notify.ErrPermissionDenied) {
		utils.SendErrorStatus(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		utils.SendErrorStatus(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.SendJSONResponse(w, shown)
}

// HandleNotificationClick handles a click on a shown notification
func (h *Handler) HandleNotificationClick(w http.ResponseWriter, r *http.Request) {
	if h.config.Notifier == nil {
		utils.SendErrorStatus(w, http.StatusNotImplemented, "notifications are not configured")
		return
	}

	var req struct {
		Tag    string `json:"tag"`
		Action string `json:"action"`
	}
	if err := utils.DecodeJSONBody(r, &req); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}
	if req.Tag == "" {
		req.Tag = notify.DefaultTag
	}

	result, err := h.config.Notifier.Click(r.Context(), req.Tag, req.Action)
	if err != nil {
		utils.SendErrorStatus(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.SendJSONResponse(w, map[string]interface{}{
		"tag":    req.Tag,
		"result": result,
	})
}

// HandlePermission reads or records the notification permission
func (h *Handler) HandlePermission(w http.ResponseWriter, r *http.Request) {
	if h.config.Notifier == nil {
		utils.SendErrorStatus(w, http.StatusNotImplemented, "notifications are not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Permission string `json:"permission"`
		}
		if err := utils.DecodeJSONBody(r, &req); err != nil {
			utils.SendErrorResponse(w, "Invalid request body")
			return
		}
		p, err := notify.ParsePermission(req.Permission)
		if err != nil {
			utils.SendErrorResponse(w, err.Error())
			return
		}
		h.config.Notifier.SetPermission(p)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"permission": h.config.Notifier.Permission(),
	})
}

// HandleSync schedules a background sync
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := utils.DecodeJSONBody(r, &req); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}

	result, err := h.Execute(r.Context(), swmsg.Command{Kind: swmsg.CommandSync, Tag: req.Tag})
	if err != nil {
		utils.SendErrorStatus(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	utils.SendJSONStatus(w, http.StatusAccepted, result)
}
