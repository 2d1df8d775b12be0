package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"errors"
	"io"

	"imuslab.com/liturgia/mod/cache"
	"imuslab.com/liturgia/mod/lifecycle"
	"imuslab.com/liturgia/mod/optimizer"
)

// OptimizeJob rewrites one stored static asset in place
type OptimizeJob struct {
	Storage  cache.Storage
	Versions VersionSource
	Version  *lifecycle.Version
	Store    string
	Key      string
	Pipeline *optimizer.Pipeline
}

// Name implements cacheworker.Job
func (j *OptimizeJob) Name() string {
	return "optimize:" + j.Store + "/" + j.Key
}

// Run implements cacheworker.Job. A missing entry or store is not an error,
// nor is a version discarded before the job ran.
func (j *OptimizeJob) Run(ctx context.Context) error {
	if j.Versions == nil {
		return j.run(ctx)
	}
	err := j.Versions.UseStores(j.Version, func() error {
		return j.run(ctx)
	})
	if errors.Is(err, lifecycle.ErrVersionDiscarded) {
		return nil
	}
	return err
}

func (j *OptimizeJob) run(ctx context.Context) error {
	exists, err := j.Storage.Has(ctx, j.Store)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	store, err := j.Storage.Open(ctx, j.Store)
	if err != nil {
		return err
	}

	reader, meta, found, err := store.Get(ctx, j.Key)
	if err != nil {
		return fmt.Errorf("failed to get cached content: %w", err)
	}
	if !found {
		return nil
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return fmt.Errorf("failed to read cached content: %w", err)
	}

	optimized, optimizedMeta, err := j.Pipeline.Run(ctx, data, meta)
	if err != nil {
		return fmt.Errorf("failed to optimize content: %w", err)
	}
	if bytes.Equal(optimized, data) && optimizedMeta.Encoding == meta.Encoding {
		return nil
	}

	return store.Put(ctx, j.Key, bytes.NewReader(optimized), optimizedMeta)
}
