package interceptor

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Class is the interception strategy chosen for one request
type Class int

const (
	// ClassBypass goes straight to the network
	ClassBypass Class = iota

	// ClassStatic is a manifest resource: cache-first, populated on miss
	ClassStatic

	// ClassAPI is a liturgy service request: network-first with cache fallback
	ClassAPI

	// ClassOther is cache-first, storing 200 responses
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassAPI:
		return "api"
	case ClassOther:
		return "other"
	default:
		return "bypass"
	}
}

// Policy selects how requests are classified
type Policy string

const (
	// PolicyClassified uses the static, api and other classes
	PolicyClassified Policy = "classified"

	// PolicySameOrigin only intercepts same-origin requests, always cache-first
	PolicySameOrigin Policy = "same-origin"
)

// ParsePolicy validates a configured policy name, empty means classified
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyClassified:
		return PolicyClassified, nil
	case PolicySameOrigin:
		return PolicySameOrigin, nil
	}
	return "", fmt.Errorf("unknown interception policy %q", s)
}

// Classifier maps requests onto classes for one version manifest
type Classifier struct {
	policy   Policy
	origin   *url.URL
	apiHost  string
	manifest map[string]bool
}

// NewClassifier resolves the manifest entries against the app origin
func NewClassifier(policy Policy, origin *url.URL, apiHost string, manifest []string) *Classifier {
	c := &Classifier{
		policy:   policy,
		origin:   origin,
		apiHost:  strings.ToLower(apiHost),
		manifest: make(map[string]bool, len(manifest)),
	}
	for _, entry := range manifest {
		if u, err := ResolveURL(origin, entry); err == nil {
			c.manifest[manifestKey(u)] = true
		}
	}
	return c
}

// Classify picks the class of a request whose URL is already absolute
func (c *Classifier) Classify(method string, target *url.URL) Class {
	if method != http.MethodGet && method != http.MethodHead {
		return ClassBypass
	}

	switch c.policy {
	case PolicySameOrigin:
		if !c.SameOrigin(target) {
			return ClassBypass
		}
		if c.IsManifest(target) {
			return ClassStatic
		}
		return ClassOther

	default:
		if c.IsManifest(target) {
			return ClassStatic
		}
		if c.IsAPI(target) {
			return ClassAPI
		}
		return ClassOther
	}
}

// IsManifest reports whether target is one of the essential resources
func (c *Classifier) IsManifest(target *url.URL) bool {
	return c.manifest[manifestKey(target)]
}

// IsAPI reports whether target belongs to the liturgy service. A configured
// host with a port must match the port as well.
func (c *Classifier) IsAPI(target *url.URL) bool {
	if c.apiHost == "" {
		return false
	}
	if strings.Contains(c.apiHost, ":") {
		return strings.EqualFold(target.Host, c.apiHost)
	}
	return strings.EqualFold(target.Hostname(), c.apiHost)
}

// SameOrigin reports whether target shares the app origin
func (c *Classifier) SameOrigin(target *url.URL) bool {
	return strings.EqualFold(target.Scheme, c.origin.Scheme) && strings.EqualFold(target.Host, c.origin.Host)
}

// ResolveURL turns a manifest entry or a path-form request target into an
// absolute URL against the app origin
func ResolveURL(origin *url.URL, ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	return origin.ResolveReference(u), nil
}

// manifestKey ignores the fragment and the case of scheme and host
func manifestKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	if c.Path == "" {
		c.Path = "/"
	}
	return c.String()
}

// IsNavigation reports whether a request loads a top-level document
func IsNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
