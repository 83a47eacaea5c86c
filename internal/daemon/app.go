// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the tracker components together and owns their
// lifecycle.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ManuGH/voxtrack/internal/api"
	"github.com/ManuGH/voxtrack/internal/backend"
	"github.com/ManuGH/voxtrack/internal/config"
	"github.com/ManuGH/voxtrack/internal/cursor"
	"github.com/ManuGH/voxtrack/internal/export"
	"github.com/ManuGH/voxtrack/internal/health"
	xglog "github.com/ManuGH/voxtrack/internal/log"
	"github.com/ManuGH/voxtrack/internal/reconcile"
	"github.com/ManuGH/voxtrack/internal/telemetry"
	"github.com/ManuGH/voxtrack/internal/version"
)

const (
	exportTimeout = 5 * time.Second
	// lastSyncMaxAge marks the snapshot stale in readiness details.
	lastSyncMaxAge = 5 * time.Minute
)

// App owns the long-lived runtime: config watching, the coordinator and the
// API server.
type App struct {
	logger       zerolog.Logger
	version      string
	holder       *config.Holder
	manager      Manager
	coord        *reconcile.Coordinator
	telemetry    *telemetry.Provider
	reloadSignal os.Signal

	exportMu sync.RWMutex
	exporter *export.Writer
}

// NewApp builds every component from the holder's current config. The
// returned app owns the coordinator, cursor store and telemetry provider;
// they are released by the manager's shutdown hooks when Run returns.
func NewApp(ctx context.Context, holder *config.Holder, buildVersion string) (*App, error) {
	cfg := holder.Get()
	logger := xglog.WithComponent("daemon")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		return nil, fmt.Errorf("startup checks: %w", err)
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		Exporter:     cfg.Telemetry.Exporter,
		Endpoint:     cfg.Telemetry.Endpoint,
		Insecure:     cfg.Telemetry.Insecure,
		Headers:      cfg.Telemetry.Headers,
		SamplingRate: cfg.Telemetry.SamplingRate,
		Environment:  cfg.Telemetry.Environment,
		Service:      cfg.LogService,
		Version:      buildVersion,
	})
	if err != nil {
		logger.Warn().Err(err).
			Str(xglog.FieldEvent, "telemetry.init_failed").
			Msg("telemetry initialization failed, continuing without tracing")
		tp, _ = telemetry.NewProvider(ctx, telemetry.Config{})
	}

	limit := rate.Limit(cfg.Backend.RateLimit)
	if limit <= 0 {
		limit = rate.Inf
	}
	client, err := backend.NewClient(cfg.Backend.BaseURL, backend.Options{
		Timeout:        cfg.Backend.Timeout,
		MaxRetries:     cfg.Backend.MaxRetries,
		Backoff:        cfg.Backend.Backoff,
		MaxBackoff:     cfg.Backend.MaxBackoff,
		UserAgent:      version.UserAgent(cfg.Backend.UserAgent),
		RateLimit:      limit,
		RateLimitBurst: cfg.Backend.RateBurst,
	})
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("backend client: %w", err)
	}

	cursors, err := cursor.NewStore(cursor.Config{
		Backend:       cfg.Cursor.Backend,
		Path:          cfg.Cursor.Path,
		RedisAddr:     cfg.Cursor.RedisAddr,
		RedisPassword: cfg.Cursor.RedisPassword,
		RedisDB:       cfg.Cursor.RedisDB,
		TTL:           cfg.Tracker.MaxReplay,
	})
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("cursor store: %w", err)
	}

	a := &App{
		logger:       logger,
		version:      buildVersion,
		holder:       holder,
		telemetry:    tp,
		reloadSignal: syscall.SIGHUP,
		exporter:     export.NewWriter(cfg.Export.StatusFile),
	}

	a.coord = reconcile.New(client, reconcile.Options{
		DebounceWindow:   cfg.Tracker.DebounceWindow,
		DebounceMaxWait:  cfg.Tracker.DebounceMaxWait,
		PollInterval:     cfg.Tracker.PollInterval,
		ReconnectInitial: cfg.Tracker.ReconnectInitial,
		ReconnectMax:     cfg.Tracker.ReconnectMax,
		MaxReplay:        cfg.Tracker.MaxReplay,
		HealthInterval:   cfg.Tracker.HealthInterval,
		CallTimeout:      cfg.Backend.Timeout,
		Cursors:          cursors,
		OnSync:           a.exportSync,
	})

	hm := health.NewManager(buildVersion)
	hm.RegisterChecker(health.NewSessionChecker(a.coord.Status))
	hm.RegisterChecker(health.NewLastSyncChecker(a.coord.Status, lastSyncMaxAge))
	hm.RegisterChecker(health.NewBackendChecker(a.coord.Health))
	if cfg.Cursor.Backend == "sqlite" {
		hm.RegisterChecker(health.NewDirChecker("cursor_dir", cursorDir(cfg.Cursor.Path)))
	}

	tracing := ""
	if cfg.Telemetry.Enabled {
		tracing = cfg.LogService
	}
	apiServer := api.New(api.Config{
		Version:         buildVersion,
		ActionRateLimit: cfg.API.RateLimit,
		TracingService:  tracing,
	}, a.coord, hm)

	mgr, err := NewManager(DefaultServerConfig(cfg.API.ListenAddr), Deps{
		Logger:     logger,
		APIHandler: apiServer.Handler(),
	})
	if err != nil {
		_ = a.coord.Close()
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	// LIFO: the coordinator stops before the tracer provider flushes.
	mgr.RegisterShutdownHook("telemetry", tp.Shutdown)
	mgr.RegisterShutdownHook("coordinator", func(context.Context) error {
		return a.coord.Close()
	})
	a.manager = mgr

	holder.OnTokenChange(a.coord.OnTokenChange)
	return a, nil
}

// Coordinator exposes the tracker for callers embedding the daemon.
func (a *App) Coordinator() *reconcile.Coordinator {
	return a.coord
}

// Addr returns the bound API address once Run has started the server.
func (a *App) Addr() string {
	return a.manager.Addr()
}

// Run starts all owned background subsystems and blocks until ctx is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: startup should not fail if watcher cannot be started.
	if err := a.holder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
	}
	defer a.holder.Stop()

	applyCh := make(chan config.Config, 1)
	a.holder.RegisterListener(applyCh)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg := <-applyCh:
				a.applyConfig(cfg)
			}
		}
	})

	// SIGHUP trigger for manual reload.
	if a.reloadSignal != nil {
		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str(xglog.FieldEvent, "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal, reloading config")
					if err := a.holder.Reload(ctx); err != nil {
						a.logger.Warn().
							Err(err).
							Str(xglog.FieldEvent, "config.reload_failed").
							Msg("config reload failed")
					}
				}
			}
		})
	}

	if err := a.coord.Start(ctx, a.holder.Token()); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	g.Go(func() error {
		return a.manager.Start(ctx)
	})

	return g.Wait()
}

// applyConfig takes over the settings that change without a restart.
func (a *App) applyConfig(cfg config.Config) {
	xglog.Configure(xglog.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: a.version,
	})

	a.exportMu.Lock()
	a.exporter = export.NewWriter(cfg.Export.StatusFile)
	a.exportMu.Unlock()
}

// exportSync writes the status file after each applied snapshot.
func (a *App) exportSync(view reconcile.SyncView) {
	a.exportMu.RLock()
	w := a.exporter
	a.exportMu.RUnlock()
	if !w.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()
	snap := export.Build(view.Submissions, view.Connection, view.At)
	if err := w.Write(ctx, snap); err != nil {
		a.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "export.failed").
			Msg("status export failed")
	}
}

// cursorDir is the directory holding the sqlite cursor database. A path
// without extension already names a directory.
func cursorDir(path string) string {
	if filepath.Ext(path) == "" {
		return path
	}
	return filepath.Dir(path)
}
