package interceptor

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// ServeHTTP implements http.Handler. Path-form requests are resolved against
// the app origin, absolute-form requests are proxied as they are.
func (ic *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := ic.Fetch(r.Context(), r)
	if err != nil {
		if errors.Is(err, ErrOffline) {
			w.Header().Set("X-Cache", string(SourceOffline))
			http.Error(w, "offline", http.StatusGatewayTimeout)
			return
		}
		if r.Context().Err() != nil {
			return
		}
		ic.logger.Warn("Upstream request failed", zap.String("url", r.URL.String()), zap.Error(err))
		w.Header().Set("X-Cache", string(SourceBypass))
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	header := w.Header()
	for k, values := range resp.Header {
		header[k] = append([]string(nil), values...)
	}
	header.Set("X-Cache", string(resp.Source))
	if resp.Source == SourceHit || (resp.Source == SourceFallback && !resp.CachedAt.IsZero()) {
		header.Set("Age", strconv.FormatInt(resp.Age(), 10))
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}
