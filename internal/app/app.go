// Package app wires the daemon's components together: storage, catalog,
// package lifecycle, inference pipeline, scheduler, and HTTP handlers.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/antonpaquin/citrine/internal/catalog"
	"github.com/antonpaquin/citrine/internal/common"
	"github.com/antonpaquin/citrine/internal/download"
	"github.com/antonpaquin/citrine/internal/engine"
	"github.com/antonpaquin/citrine/internal/handlers"
	"github.com/antonpaquin/citrine/internal/pack"
	"github.com/antonpaquin/citrine/internal/pipeline"
	"github.com/antonpaquin/citrine/internal/scheduler"
	"github.com/antonpaquin/citrine/internal/storage"
)

// App holds all daemon components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Layout      *storage.Layout
	Catalog     *catalog.Store
	Registry    *pack.Registry
	Loader      *pack.Loader
	Downloader  *download.Downloader
	Repo        *pack.Repo
	Installer   *pack.Installer
	EngineCache *engine.Cache
	Pipeline    *pipeline.Pipeline
	Scheduler   *scheduler.Scheduler

	// HTTP handlers
	StatusHandler  *handlers.StatusHandler
	RunHandler     *handlers.RunHandler
	JobHandler     *handlers.JobHandler
	PackageHandler *handlers.PackageHandler

	maintenance *cron.Cron
}

// catalogSessions adapts the catalog's transactional store to the
// scheduler's per-job session contract.
type catalogSessions struct {
	store *catalog.Store
}

func (f *catalogSessions) Begin(ctx context.Context) (scheduler.Session, error) {
	sess, err := f.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &catalogSession{sess: sess}, nil
}

type catalogSession struct {
	sess *catalog.Session
}

func (s *catalogSession) Attach(ctx context.Context) context.Context {
	return catalog.NewContext(ctx, s.sess)
}

func (s *catalogSession) Commit() error   { return s.sess.Commit() }
func (s *catalogSession) Rollback() error { return s.sess.Rollback() }

// New initializes the daemon with all dependencies. Fails fast on an
// unwritable storage root or an unopenable catalog.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	app.Layout = storage.NewLayout(cfg.Storage.Path)
	if err := app.Layout.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage root: %w", err)
	}

	store, err := catalog.Open(logger, app.Layout.CatalogPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	app.Catalog = store

	app.Registry = pack.NewRegistry(logger)
	app.Loader = pack.NewLoader(logger, app.Layout, app.Registry)
	app.Downloader = download.New(logger, app.Layout)
	app.Repo = pack.NewRepo(logger, cfg.Repository.URL)
	app.Installer = pack.NewInstaller(logger, app.Layout, app.Downloader, app.Repo, app.Loader, app.Registry)

	app.EngineCache = engine.NewCache(logger, cfg.SessionTTL())
	app.Pipeline = pipeline.New(logger, app.Layout, app.Registry, app.EngineCache)

	app.Scheduler = scheduler.New(logger, &catalogSessions{store: store}, scheduler.Options{
		Workers:   cfg.Workers.Count,
		QueueSize: cfg.Workers.QueueSize,
		CacheHold: cfg.CacheHold(),
	})

	dispatcher := handlers.NewDispatcher(logger, app.Scheduler)
	app.StatusHandler = handlers.NewStatusHandler(logger)
	app.RunHandler = handlers.NewRunHandler(logger, dispatcher, app.Pipeline, app.Layout)
	app.JobHandler = handlers.NewJobHandler(logger, app.Scheduler)
	app.PackageHandler = handlers.NewPackageHandler(logger, dispatcher, app.Installer, app.Repo)

	if err := app.initMaintenance(); err != nil {
		return nil, fmt.Errorf("failed to schedule maintenance: %w", err)
	}

	return app, nil
}

// initMaintenance schedules the job cache sweep and the model session
// eviction.
func (a *App) initMaintenance() error {
	a.maintenance = cron.New()

	sweep := fmt.Sprintf("@every %s", a.Config.CacheHold())
	if _, err := a.maintenance.AddFunc(sweep, func() {
		a.Scheduler.Sweep(time.Now())
	}); err != nil {
		return err
	}

	evict := fmt.Sprintf("@every %s", a.Config.SessionTTL())
	if _, err := a.maintenance.AddFunc(evict, func() {
		a.EngineCache.Evict(time.Now())
	}); err != nil {
		return err
	}
	return nil
}

// Start launches the worker pool, reloads active packages, and starts the
// maintenance schedule.
func (a *App) Start() error {
	a.Scheduler.Start()

	if err := a.loadActivePackages(); err != nil {
		return fmt.Errorf("failed to reload active packages: %w", err)
	}

	a.maintenance.Start()
	a.Logger.Info().
		Str("storage", a.Config.Storage.Path).
		Int("workers", a.Config.Workers.Count).
		Msg("Daemon started")
	return nil
}

// loadActivePackages re-runs every active package's handler module so
// activation state survives a restart.
func (a *App) loadActivePackages() error {
	ctx := context.Background()
	sess, err := a.Catalog.Begin(ctx)
	if err != nil {
		return err
	}
	defer sess.Rollback()

	if err := a.Installer.LoadActive(catalog.NewContext(ctx, sess)); err != nil {
		return err
	}
	return sess.Commit()
}

// Stop shuts the daemon down: maintenance first, then workers, then caches
// and the catalog.
func (a *App) Stop() {
	a.maintenance.Stop()
	a.Scheduler.Stop()
	a.EngineCache.Close()
	if err := a.Catalog.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close catalog")
	}
	a.Logger.Info().Msg("Daemon stopped")
}
