package clients

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Opener opens a new window at a URL
type Opener interface {
	Open(ctx context.Context, target string) error
}

// LogOpener records and logs open requests; a headless process has no
// window to open, the request is left to whoever reads the log or Opened
type LogOpener struct {
	logger *zap.Logger

	mu     sync.Mutex
	opened []string
}

// NewLogOpener creates a recording opener
func NewLogOpener(logger *zap.Logger) *LogOpener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogOpener{logger: logger}
}

// Open records the target
func (o *LogOpener) Open(ctx context.Context, target string) error {
	o.mu.Lock()
	o.opened = append(o.opened, target)
	o.mu.Unlock()

	o.logger.Info("Open window requested", zap.String("url", target))
	return nil
}

// Opened returns every recorded target in order
func (o *LogOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}
