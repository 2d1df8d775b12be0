package liturgy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// SyncResult lists the days a background sync fetched
type SyncResult struct {
	Tag     string            `json:"tag"`
	Fetched []string          `json:"fetched"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// Err summarises failed days, nil when every day was fetched
func (r SyncResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	days := make([]string, 0, len(r.Failed))
	for day := range r.Failed {
		days = append(days, day)
	}
	sort.Strings(days)
	return fmt.Errorf("sync %s failed for %s", r.Tag, strings.Join(days, ", "))
}

// SyncDates returns days consecutive calendar days starting at the day of now
func SyncDates(now time.Time, days int) []time.Time {
	if days < 1 {
		days = 1
	}
	first := CalendarDay(now)
	out := make([]time.Time, days)
	for i := range out {
		out[i] = first.AddDate(0, 0, i)
	}
	return out
}

// Sync fetches the liturgies of SyncDates(now, days) so they are cached for
// offline reading
func (c *Client) Sync(ctx context.Context, tag string, now time.Time, days int) SyncResult {
	result := SyncResult{Tag: tag, Failed: make(map[string]string)}
	for _, date := range SyncDates(now, days) {
		day := date.Format(DateLayout)
		if _, err := c.Fetch(ctx, date); err != nil {
			result.Failed[day] = err.Error()
			c.logger.Warn("Background sync failed", zap.String("tag", tag), zap.String("date", day), zap.Error(err))
			continue
		}
		result.Fetched = append(result.Fetched, day)
	}
	c.logger.Info("Background sync finished",
		zap.String("tag", tag),
		zap.Int("fetched", len(result.Fetched)),
		zap.Int("failed", len(result.Failed)))
	return result
}

// SyncJob runs Sync on the background worker
type SyncJob struct {
	Client *Client
	Tag    string
	Days   int
	Clock  clock.Clock

	// Done receives the result of every attempt, optional
	Done func(SyncResult)
}

// Name implements cacheworker.Job
func (j *SyncJob) Name() string {
	return "sync:" + j.Tag
}

// Run implements cacheworker.Job; a failed day fails the attempt so the
// worker retries it
func (j *SyncJob) Run(ctx context.Context) error {
	now := time.Now()
	if j.Clock != nil {
		now = j.Clock.Now()
	}
	result := j.Client.Sync(ctx, j.Tag, now, j.Days)
	if j.Done != nil {
		j.Done(result)
	}
	return result.Err()
}
