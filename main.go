package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	configPath    = flag.String("conf", CONF_SW_CONFIG, "path to the service configuration file")
	listenAddr    = flag.String("listen", "", "listen address, overrides the configuration")
	watchConfig   = flag.Bool("watch", true, "register a new version when the configuration file changes")
	shutdownGrace = flag.Duration("shutdown-timeout", 30*time.Second, "time allowed for pending work on shutdown")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "liturgiad:", err)
		os.Exit(1)
	}
}

func run() error {
	config, err := LoadSWConfiguration(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if *listenAddr != "" {
		config.Listen = *listenAddr
	}

	logger, err := BuildLogger(config.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	system, err := initSWSystem(config, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              config.Listen,
		Handler:           system.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", zap.String("addr", config.Listen))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	if err := system.Start(ctx); err != nil {
		logger.Error("Initial version registration failed", zap.Error(err))
	}

	if *watchConfig {
		watcher, err := newConfigWatcher(*configPath, system)
		if err != nil {
			logger.Warn("Configuration watch disabled", zap.Error(err))
		} else {
			defer watcher.Close()
			go watcher.Run(ctx)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown", zap.Error(err))
	}
	return system.Shutdown(shutdownCtx)
}
