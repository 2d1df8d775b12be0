package main

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"imuslab.com/liturgia/mod/lifecycle"
)

// configWatcher registers a new version whenever the configuration file is
// rewritten with a different version tag
type configWatcher struct {
	path    string
	system  *swSystem
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	current lifecycle.VersionConfig
}

func newConfigWatcher(path string, system *swSystem) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// editors replace the file, so the directory is watched
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	return &configWatcher{
		path:    filepath.Clean(path),
		system:  system,
		logger:  system.logger.Named("watch"),
		watcher: watcher,
		current: system.config.Version,
	}, nil
}

// Run handles file events until ctx ends or the watcher is closed
func (w *configWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if _, err := w.reload(ctx); err != nil {
				w.logger.Error("Failed to reload configuration", zap.String("path", w.path), zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Configuration watcher error", zap.Error(err))
		}
	}
}

// reload reads the file and registers its version when the tag changed
func (w *configWatcher) reload(ctx context.Context) (bool, error) {
	config, err := LoadSWConfiguration(w.path)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if config.Version.Tag == w.current.Tag {
		return false, nil
	}

	w.logger.Info("Version change detected",
		zap.String("from", w.current.Tag),
		zap.String("to", config.Version.Tag))
	if err := w.system.RegisterVersion(ctx, config.Version); err != nil {
		return false, err
	}
	w.current = config.Version
	return true, nil
}

func (w *configWatcher) Close() error {
	return w.watcher.Close()
}
