package interceptor

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"imuslab.com/liturgia/mod/lifecycle"
)

// PrecacheReport lists what the install step managed to store
type PrecacheReport struct {
	Stored []string          `json:"stored"`
	Failed map[string]string `json:"failed,omitempty"`
}

// precacheConcurrency bounds parallel manifest fetches
const precacheConcurrency = 4

// Precache fetches every manifest resource of v into its static store. Each
// resource is independent: one failure does not abort the others.
func (ic *Interceptor) Precache(ctx context.Context, v *lifecycle.Version) PrecacheReport {
	report := PrecacheReport{Failed: make(map[string]string)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(precacheConcurrency)

	for _, entry := range v.Config.Manifest {
		entry := entry
		g.Go(func() error {
			err := ic.precacheOne(gctx, v, entry)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[entry] = err.Error()
				ic.logger.Warn("Failed to precache resource",
					zap.String("version", v.Tag()),
					zap.String("url", entry),
					zap.Error(err))
				return nil
			}
			report.Stored = append(report.Stored, entry)
			return nil
		})
	}
	g.Wait()

	sort.Strings(report.Stored)
	return report
}

func (ic *Interceptor) precacheOne(ctx context.Context, v *lifecycle.Version, entry string) error {
	target, err := ResolveURL(ic.config.Origin, entry)
	if err != nil {
		return err
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return err
	}

	resp, err := ic.network(ctx, r, target)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	key := ic.config.KeyGenerator.GenerateKeyFor(http.MethodGet, target, nil)
	if err := ic.store(ctx, v, v.Config.StaticStore, key, target, resp, true); err != nil {
		return fmt.Errorf("not stored: %w", err)
	}
	return nil
}

// Install implements lifecycle.Installer. Partial failures are reported in
// the log and an error; the version still installs.
func (ic *Interceptor) Install(ctx context.Context, v *lifecycle.Version) error {
	report := ic.Precache(ctx, v)
	ic.logger.Info("Precache finished",
		zap.String("version", v.Tag()),
		zap.Int("stored", len(report.Stored)),
		zap.Int("failed", len(report.Failed)))

	if len(report.Failed) > 0 {
		return fmt.Errorf("%d of %d manifest resources could not be cached", len(report.Failed), len(v.Config.Manifest))
	}
	return nil
}
