// Package liturgy talks to the remote liturgy service. Requests go through
// a Doer, which in the daemon is the interceptor, so every successful
// answer also lands in the dynamic cache store.
package liturgy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the public liturgy service
const DefaultBaseURL = "https://liturgia.up.railway.app/v2/"

// DateLayout is the calendar date format pages use
const DateLayout = "2006-01-02"

// ErrOffline is returned when the answer is the synthesized offline payload
var ErrOffline = errors.New("liturgy not available offline")

// ErrServer is returned when the service answered with a non-2xx status
type ErrServer struct {
	Status int
}

func (e *ErrServer) Error() string {
	return fmt.Sprintf("liturgy service returned status %d", e.Status)
}

// Doer performs HTTP requests
type Doer interface {
	Do(r *http.Request) (*http.Response, error)
}

// ParseDate parses YYYY-MM-DD as a calendar date. The result is midnight
// UTC so the day never shifts with the local time zone.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// CalendarDay returns the calendar day of t in its own location
func CalendarDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RequestURL builds <base>?dia=DD&mes=MM&ano=YYYY for the calendar day of date
func RequestURL(base string, date time.Time) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid liturgy base url %q: %w", base, err)
	}
	y, m, d := date.Date()
	q := u.Query()
	q.Set("dia", fmt.Sprintf("%02d", d))
	q.Set("mes", fmt.Sprintf("%02d", int(m)))
	q.Set("ano", fmt.Sprintf("%04d", y))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client fetches daily liturgies
type Client struct {
	base   string
	doer   Doer
	logger *zap.Logger
}

// NewClient creates a client; base defaults to DefaultBaseURL
func NewClient(base string, doer Doer, logger *zap.Logger) *Client {
	if base == "" {
		base = DefaultBaseURL
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{base: base, doer: doer, logger: logger.Named("liturgy")}
}

// BaseURL returns the service base url
func (c *Client) BaseURL() string {
	return c.base
}

// Fetch returns the raw liturgy document of one day
func (c *Client) Fetch(ctx context.Context, date time.Time) (json.RawMessage, error) {
	target, err := RequestURL(c.base, date)
	if err != nil {
		return nil, err
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	r.Header.Set("Accept", "application/json")

	resp, err := c.doer.Do(r)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch liturgy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ErrServer{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read liturgy: %w", err)
	}
	if !json.Valid(body) {
		return nil, errors.New("liturgy service returned invalid json")
	}
	if isOfflinePayload(resp, body) {
		return nil, ErrOffline
	}
	return json.RawMessage(body), nil
}

func isOfflinePayload(resp *http.Response, body []byte) bool {
	if resp.Header.Get("X-Cache") == "OFFLINE" {
		return true
	}
	var probe struct {
		Offline bool `json:"offline"`
	}
	return json.Unmarshal(body, &probe) == nil && probe.Offline
}
