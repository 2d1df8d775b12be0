package interceptor

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"imuslab.com/liturgia/mod/cache"
)

// ErrOffline is returned when the network failed and no cached copy or
// fallback can answer the request
var ErrOffline = errors.New("network unavailable and no cached response")

// Source tells where a response came from; it is sent as X-Cache
type Source string

const (
	SourceHit      Source = "HIT"
	SourceMiss     Source = "MISS"
	SourceNetwork  Source = "NETWORK"
	SourceOffline  Source = "OFFLINE"
	SourceFallback Source = "FALLBACK"
	SourceBypass   Source = "BYPASS"
)

// Response is a fully buffered response. Body was read from the network
// exactly once; the cache writer and the caller share these bytes.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Source     Source
	Class      Class

	// CachedAt is set for responses served from a store
	CachedAt time.Time
}

// Age returns the age in seconds of a cached response
func (r *Response) Age() int64 {
	if r.CachedAt.IsZero() {
		return 0
	}
	return int64(time.Since(r.CachedAt).Seconds())
}

// OfflinePayload is the body synthesized for liturgy requests that failed
// while nothing was cached
type OfflinePayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
}

// DefaultOfflinePayload returns the payload pages recognise as "offline"
func DefaultOfflinePayload() OfflinePayload {
	return OfflinePayload{
		Error:   "Sem conexão",
		Message: "Dados da liturgia não disponíveis offline",
		Offline: true,
	}
}

func offlineResponse(payload OfflinePayload) *Response {
	body, _ := json.Marshal(payload)
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       body,
		Source:     SourceOffline,
		Class:      ClassAPI,
	}
}

const offlinePage = `<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Liturgia Diária</title></head>
<body><h1>Sem conexão</h1><p>A liturgia não está disponível offline. Tente novamente quando estiver conectado.</p></body>
</html>
`

func fallbackPage() *Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	return &Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       []byte(offlinePage),
		Source:     SourceFallback,
	}
}

// storedHeaders lists the response headers replayed from a cache entry
var storedHeaders = []string{
	"Content-Type",
	"Content-Language",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Vary",
}

func metaFromResponse(method, identity string, resp *Response) *cache.Meta {
	meta := &cache.Meta{
		Method:      method,
		URL:         identity,
		ContentType: resp.Header.Get("Content-Type"),
		ETag:        resp.Header.Get("ETag"),
		StatusCode:  resp.StatusCode,
		CachedAt:    time.Now(),
		Size:        int64(len(resp.Body)),
		Headers:     make(http.Header),
	}
	for _, name := range storedHeaders {
		if v := resp.Header.Values(name); len(v) > 0 {
			meta.Headers[name] = append([]string(nil), v...)
		}
	}
	return meta
}

func responseFromMeta(meta *cache.Meta, body []byte, class Class) *Response {
	header := meta.Headers.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if meta.ContentType != "" {
		header.Set("Content-Type", meta.ContentType)
	}
	if meta.Encoding != "" {
		header.Set("Content-Encoding", meta.Encoding)
	}
	if meta.ETag != "" {
		header.Set("ETag", meta.ETag)
	}
	status := meta.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{
		StatusCode: status,
		Header:     header,
		Body:       body,
		Source:     SourceHit,
		Class:      class,
		CachedAt:   meta.CachedAt,
	}
}
