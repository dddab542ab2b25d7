package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"burstflare/internal/config"
	"burstflare/internal/dispatch"
	"burstflare/internal/flare"
	"burstflare/internal/objects"
	"burstflare/internal/runtime"
	"burstflare/internal/scheduler"
	"burstflare/internal/server"
	"burstflare/internal/store"
)

// App is the process layer between the CLI and the engine.
// It constructs all dependencies from config, runs the long-lived loops,
// and releases backends on Close.
type App struct {
	cfg     *config.Config
	engine  *flare.Engine
	store   flare.Store
	objects flare.ObjectStore
	runner  dispatch.Runner
	host    flare.RuntimeHost
	logger  flare.Logger
	logFile *os.File
}

// New creates a fully wired App from the given config.
// component names the CLI command being run (e.g. "serve", "worker") and
// prefixes the run ID stamped on every log line.
// The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, component string) (*App, error) {
	runID := fmt.Sprintf("%s-%s", component, time.Now().UTC().Format("20060102T150405Z"))
	sl, logFile, err := newLogger(cfg.LogDir, runID, parseLevel(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}
	a := &App{cfg: cfg, logger: logger, logFile: logFile}

	a.store, err = store.NewStoreFromConfig(cfg.Store)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating state store: %w", err)
	}

	a.objects, err = objects.NewObjectStoreFromConfig(ctx, cfg.Objects, cfg.Encryption)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating object store: %w", err)
	}

	a.runner, err = dispatch.NewFromConfig(cfg.Dispatch, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating dispatcher: %w", err)
	}

	a.host, err = runtime.NewHostFromConfig(ctx, cfg.Runtime, flare.RealClock{}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating runtime host: %w", err)
	}

	var dispatcher flare.Dispatcher
	if a.runner != nil {
		dispatcher = a.runner
	}
	a.engine = flare.NewEngine(a.store, a.objects, dispatcher, a.host, cfg.Settings(), logger, flare.RealClock{}, flare.UUIDGenerator{})

	logger.Info("app ready",
		"store", cfg.Store.Type,
		"objects", cfg.Objects.Type,
		"dispatch", cfg.Dispatch.Type,
		"runtime", cfg.Runtime.Type)
	return a, nil
}

// Engine returns the wired engine.
func (a *App) Engine() *flare.Engine { return a.engine }

// Serve runs the HTTP server, the reconcile scheduler and, when a dispatcher
// is configured, its workers. It returns when ctx ends or any of them fails.
func (a *App) Serve(ctx context.Context) error {
	srv := server.New(a.engine, a.host, a.logger, server.Options{
		CallbackSecret: a.cfg.Server.CallbackSecret,
		PortWait:       a.cfg.Server.PortWait,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, a.cfg.Server.Addr)
	})
	g.Go(func() error {
		return a.scheduler().Run(gctx)
	})
	if a.runner != nil {
		g.Go(func() error {
			return a.runner.Run(gctx, a.engine)
		})
	}
	return g.Wait()
}

// Worker runs only the dispatch workers, for deployments that split the
// HTTP tier from build execution.
func (a *App) Worker(ctx context.Context) error {
	if a.runner == nil {
		return fmt.Errorf("dispatch type %q has no workers to run", a.cfg.Dispatch.Type)
	}
	a.logger.Info("worker started", "dispatch", a.cfg.Dispatch.Type)
	return a.runner.Run(ctx, a.engine)
}

// Reconcile runs one global sweep inline.
func (a *App) Reconcile(ctx context.Context) (*flare.ReconcileReport, error) {
	return a.engine.ReconcileAll(ctx)
}

func (a *App) scheduler() *scheduler.Scheduler {
	sc := a.cfg.Scheduler
	var locker scheduler.Locker
	if sc.RedisAddr != "" {
		locker = scheduler.NewRedisLocker(sc.RedisAddr, sc.LockKey, sc.LockTTL)
	}
	return scheduler.New(sc.Interval, a.engine, locker, a.logger)
}

// Close releases every backend that was opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	if c, ok := a.host.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing runtime host: %w", err))
		}
	}
	if c, ok := a.runner.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing dispatcher: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing state store: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
