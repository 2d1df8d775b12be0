package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"imuslab.com/liturgia/mod/cache"
	"imuslab.com/liturgia/mod/cacheworker"
	"imuslab.com/liturgia/mod/clients"
	"imuslab.com/liturgia/mod/hoststats"
	"imuslab.com/liturgia/mod/interceptor"
	"imuslab.com/liturgia/mod/lifecycle"
	"imuslab.com/liturgia/mod/liturgy"
	"imuslab.com/liturgia/mod/notify"
	"imuslab.com/liturgia/mod/swapi"
)

// swSystem holds every component of the running service
type swSystem struct {
	config *SWConfiguration
	logger *zap.Logger

	storage     cache.Storage
	registry    *prometheus.Registry
	worker      *cacheworker.Worker
	hostStats   *hoststats.Collector
	manager     *lifecycle.Manager
	interceptor *interceptor.Interceptor
	hub         *clients.Hub
	notifier    *notify.Notifier
	scheduler   *notify.Scheduler
	liturgy     *liturgy.Client
	api         *swapi.Handler
	mux         *http.ServeMux
}

// initSWSystem builds and wires the components; nothing runs until Start
func initSWSystem(config *SWConfiguration, logger *zap.Logger) (*swSystem, error) {
	logger.Info("Initializing lifecycle service",
		zap.String("backend", config.Backend),
		zap.String("origin", config.Origin),
		zap.String("version", config.Version.Tag))

	storage, err := BuildStorage(config)
	if err != nil {
		return nil, fmt.Errorf("create cache storage: %w", err)
	}

	s := &swSystem{
		config:   config,
		logger:   logger,
		storage:  storage,
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(collectors.NewGoCollector())

	workerConfig := config.Worker
	workerConfig.Logger = logger
	s.worker = cacheworker.NewWorker(workerConfig)

	s.hostStats = hoststats.NewCollector(hoststats.CollectorOption{})
	s.manager = lifecycle.NewManager(lifecycle.Config{Storage: storage, Logger: logger})

	icConfig, err := BuildInterceptorConfig(config, storage, s.manager, s.worker)
	if err != nil {
		s.close()
		return nil, err
	}
	icConfig.Metrics = interceptor.NewMetrics(s.registry)
	icConfig.OnEvent = s.recordHostEvent
	icConfig.Logger = logger
	s.interceptor, err = interceptor.New(icConfig)
	if err != nil {
		s.close()
		return nil, err
	}
	s.manager.SetInstaller(s.interceptor)

	s.hub = clients.NewHub(clients.HubConfig{
		Logger:         logger,
		ActiveTag:      s.activeTag,
		OnEmpty:        s.manager.PagesClosed,
		AllowedOrigins: config.AllowedOrigins,
	})
	s.manager.SetPages(s.hub)

	permission, _ := notify.ParsePermission(config.Reminder.Permission)
	s.notifier = notify.NewNotifier(notify.Config{
		Pages:      s.hub,
		Origin:     config.Origin,
		Permission: permission,
		Logger:     logger,
	})
	if config.Reminder.Enabled {
		s.scheduler, err = notify.NewScheduler(notify.SchedulerConfig{
			At:         config.Reminder.At,
			RetryDelay: config.Reminder.RetryDelay,
			Shower:     s.notifier,
			Logger:     logger,
		})
		if err != nil {
			s.close()
			return nil, err
		}
	}

	s.liturgy = liturgy.NewClient(config.APIBaseURL, s.interceptor, logger)

	s.api = swapi.NewHandler(swapi.Config{
		Manager:     s.manager,
		Hub:         s.hub,
		Interceptor: s.interceptor,
		Notifier:    s.notifier,
		Storage:     storage,
		Backend:     config.Backend,
		Worker:      s.worker,
		Liturgy:     s.liturgy,
		SyncDays:    config.SyncDays,
		HostStats:   s.hostStats,
		Gatherer:    s.registry,
		AdminSecret: config.AdminSecret,
		Logger:      logger,
	})
	s.hub.SetHandler(s.api)

	s.mux = http.NewServeMux()
	s.api.Register(s.mux)
	s.mux.Handle("/", s.interceptor)

	return s, nil
}

func (s *swSystem) activeTag() string {
	if v := s.manager.Active(); v != nil {
		return v.Tag()
	}
	return ""
}

// recordHostEvent feeds interception outcomes into the host statistics
func (s *swSystem) recordHostEvent(host string, source interceptor.Source, size int64) {
	switch source {
	case interceptor.SourceHit, interceptor.SourceFallback:
		s.hostStats.Record(host, hoststats.OutcomeCached, size)
	case interceptor.SourceOffline:
		s.hostStats.Record(host, hoststats.OutcomeOffline, size)
	default:
		s.hostStats.Record(host, hoststats.OutcomeNetwork, size)
	}
}

// Handler returns the root handler: control endpoints plus interception
func (s *swSystem) Handler() http.Handler {
	return s.mux
}

// Start runs the background components and registers the configured version
func (s *swSystem) Start(ctx context.Context) error {
	s.worker.Start()
	s.logger.Info("Cache worker started", zap.Int("workers", s.config.Worker.WorkerCount))

	if s.scheduler != nil {
		s.scheduler.Start(ctx)
		s.logger.Info("Daily reminder armed", zap.Time("next", s.scheduler.Next()))
	}

	return s.RegisterVersion(ctx, s.config.Version)
}

// RegisterVersion installs a version; an unchanged tag is a no-op
func (s *swSystem) RegisterVersion(ctx context.Context, version lifecycle.VersionConfig) error {
	v, err := s.manager.Register(ctx, version)
	if err != nil {
		return fmt.Errorf("register version %s: %w", version.Tag, err)
	}
	s.logger.Info("Version registered", zap.String("tag", v.Tag()), zap.Stringer("state", v.State()))
	return nil
}

// Shutdown waits for tracked work, then releases every component
func (s *swSystem) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down lifecycle service")

	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.hub.Close()

	var g errgroup.Group
	g.Go(func() error { return s.manager.Shutdown(ctx) })
	g.Go(func() error {
		if err := s.worker.Wait(ctx); err != nil {
			return fmt.Errorf("drain worker: %w", err)
		}
		return nil
	})
	err := g.Wait()
	if err != nil {
		s.worker.Abort()
	} else {
		s.worker.Stop()
	}
	err = errors.Join(err, s.close())

	s.logger.Info("Lifecycle service shut down")
	return err
}

// close releases what initSWSystem acquired
func (s *swSystem) close() error {
	if s.hostStats != nil {
		s.hostStats.Close()
	}
	if s.storage != nil {
		return s.storage.Close()
	}
	return nil
}
