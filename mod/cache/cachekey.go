package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeyGenerator generates cache keys from HTTP requests
type KeyGenerator struct {
	// IncludeQuery determines whether query parameters are included in the key
	IncludeQuery bool

	// VaryHeaders lists headers to include in cache key generation (e.g., Accept-Language)
	VaryHeaders []string

	// CaseSensitive determines if the path is case-sensitive; hosts never are
	CaseSensitive bool
}

// NewKeyGenerator creates a new KeyGenerator keyed on method and URL only
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{
		IncludeQuery:  true,
		CaseSensitive: true,
	}
}

// GenerateKey creates a cache key from a request with an absolute URL
func (kg *KeyGenerator) GenerateKey(r *http.Request) string {
	return kg.GenerateKeyFor(r.Method, r.URL, r.Header)
}

// GenerateKeyFor creates a cache key from the request identity parts.
// HEAD shares the GET entry.
func (kg *KeyGenerator) GenerateKeyFor(method string, u *url.URL, header http.Header) string {
	if method == "" || method == http.MethodHead {
		method = http.MethodGet
	}

	keyParts := []string{strings.ToUpper(method), kg.IdentityURL(u)}

	// Add vary headers
	for _, h := range kg.VaryHeaders {
		if value := header.Get(h); value != "" {
			keyParts = append(keyParts, h+":"+value)
		}
	}

	// Create a hash of the key components
	keyString := strings.Join(keyParts, "|")
	hash := sha256.Sum256([]byte(keyString))
	return hex.EncodeToString(hash[:])
}

// IdentityURL returns the normalized URL used as request identity:
// lower-case scheme and host, no fragment, sorted query
func (kg *KeyGenerator) IdentityURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	host := strings.ToLower(u.Host)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if !kg.CaseSensitive {
		path = strings.ToLower(path)
	}

	id := scheme + "://" + host + path
	if kg.IncludeQuery && u.RawQuery != "" {
		id += "?" + kg.normalizeQuery(u.Query())
	}
	return id
}

// normalizeQuery sorts query parameters for consistent key generation
func (kg *KeyGenerator) normalizeQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}

	return strings.Join(parts, "&")
}

// IsResponseCacheable checks if a network response status may be written into
// a cache store; response Cache-Control directives are not consulted
func IsResponseCacheable(statusCode int) bool {
	return statusCode >= 200 && statusCode <= 299
}
