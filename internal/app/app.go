// Package app assembles the sync engine and its local API from a Config.
package app

import (
	"context"
	"net"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Gyimahp52/michael-school-portal-sub002/internal/collection"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/config"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/db"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/errors"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/logging"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/notify"
	schoolsync "github.com/Gyimahp52/michael-school-portal-sub002/internal/sync"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/conflict"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/events"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/network"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/remote"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/retry"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/sync/scheduler"
	"github.com/Gyimahp52/michael-school-portal-sub002/internal/telemetry"
)

// Option customizes an App.
type Option func(*options)

type options struct {
	remote   remote.Store
	source   network.Source
	prober   network.Prober
	listener net.Listener
}

// WithRemote replaces the remote store chosen by the configuration.
func WithRemote(store remote.Store) Option {
	return func(o *options) { o.remote = store }
}

// WithSource replaces the connectivity source. The platform layer uses it to
// feed its own online/offline events.
func WithSource(src network.Source) Option {
	return func(o *options) { o.source = src }
}

// WithProber replaces the link-quality prober.
func WithProber(p network.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithListener serves the local API on ln instead of http.addr.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// App owns every long-lived component.
type App struct {
	cfg *config.Config

	store    *db.DB
	bus      *events.Bus
	registry *collection.Registry
	remote   remote.Store
	probe    *network.ProbeSource
	monitor  *network.Monitor
	engine   *schoolsync.Engine
	hub      *notify.Hub
	server   *notify.Server
	listener net.Listener
}

// ConfigureLogging installs the global logger described by cfg.
func ConfigureLogging(cfg config.LogConfig) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File == "" {
		logging.SetGlobal(logging.New(os.Stderr, level))
		return
	}
	logging.SetGlobal(logging.NewRotating(logging.FileOptions{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	}, level))
}

// New builds an App. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	registry, err := collection.Load(cfg.CollectionsFile)
	if err != nil {
		return nil, err
	}
	strategy, err := conflict.ParseStrategy(cfg.ConflictStrategy)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "conflict strategy", err)
	}

	a := &App{cfg: cfg, registry: registry, listener: o.listener}

	if a.remote, err = newRemote(cfg, o.remote); err != nil {
		return nil, err
	}

	src, prober := o.source, o.prober
	if prober == nil && cfg.Remote.Mode == config.RemoteHTTP && o.remote == nil {
		prober = &network.HTTPProber{URL: strings.TrimRight(cfg.Remote.URL, "/") + "/health"}
	}
	if src == nil {
		if prober != nil {
			a.probe = network.NewProbeSource(prober, cfg.ProbeInterval(), cfg.RequestTimeout())
			src = a.probe
		} else {
			src = network.NewManualSource(true)
		}
	}
	a.monitor = network.NewMonitor(src, prober, network.Config{
		StabilizationDelay: cfg.StabilizationDelay(),
		ProbeInterval:      cfg.ProbeInterval(),
		UnstableRTT:        cfg.UnstableRTT(),
	})

	if a.store, err = db.Open(cfg.DataDir); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "open local store", err)
	}

	repo := db.NewRepository(a.store.DB)
	a.bus = events.NewBus()
	counters := telemetry.New()

	sched := scheduler.NewScheduler(scheduler.Deps{
		Store:    repo,
		Remote:   a.remote,
		Registry: registry,
		Resolver: conflict.NewResolver(strategy),
		Network:  a.monitor,
		Bus:      a.bus,
		Counters: counters,
	}, &scheduler.Config{
		SyncInterval:   cfg.SyncInterval(),
		RequestTimeout: cfg.RequestTimeout(),
		PullPageSize:   cfg.PullPageSize,
		AutoSync:       cfg.AutoSync,
		Retry: retry.Policy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.BaseRetryDelay(),
			MaxDelay:   cfg.MaxRetryDelay(),
		},
	})

	a.engine = schoolsync.NewEngine(schoolsync.Deps{
		Store:     repo,
		Registry:  registry,
		Scheduler: sched,
		Network:   a.monitor,
		Bus:       a.bus,
		Counters:  counters,
	}, schoolsync.Config{AutoSync: cfg.AutoSync})

	if cfg.HTTP.Enabled || a.listener != nil {
		a.hub = notify.NewHub(cfg.HTTP.AllowedOrigins, a.engine.Subscribe)
		a.server = notify.NewServer(a.engine, a.hub, notify.ServerConfig{
			Addr:           cfg.HTTP.Addr,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
		})
	}
	return a, nil
}

func newRemote(cfg *config.Config, override remote.Store) (remote.Store, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Remote.Mode {
	case config.RemoteMemory:
		return remote.NewMemoryStore(), nil
	case config.RemoteHTTP:
		store, err := remote.NewHTTPStore(remote.HTTPConfig{
			BaseURL: cfg.Remote.URL,
			Token:   cfg.Remote.Token,
			Timeout: cfg.RemoteTimeout(),
		})
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "remote store", err)
		}
		return store, nil
	}
	return nil, errors.Newf(errors.ErrInvalid, "unknown remote mode %q", cfg.Remote.Mode)
}

// Engine returns the sync engine.
func (a *App) Engine() *schoolsync.Engine {
	return a.engine
}

// Remote returns the remote store in use.
func (a *App) Remote() remote.Store {
	return a.remote
}

// Monitor returns the network monitor.
func (a *App) Monitor() *network.Monitor {
	return a.monitor
}

// Run starts every component and blocks until ctx ends or one of them
// fails. The engine and monitor are stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	a.monitor.Start(ctx)
	a.engine.Start(ctx)
	logging.Info("School sync started", map[string]interface{}{
		"data_dir":    a.cfg.DataDir,
		"remote_mode": a.cfg.Remote.Mode,
		"strategy":    a.cfg.ConflictStrategy,
	})

	if a.probe != nil {
		g.Go(func() error { return a.probe.Run(ctx) })
	}
	if a.server != nil {
		g.Go(func() error { return a.hub.Run(ctx, a.bus) })
		g.Go(func() error {
			if a.listener != nil {
				return a.server.Serve(ctx, a.listener)
			}
			return a.server.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err := g.Wait()
	a.engine.Stop()
	a.monitor.Stop()
	logging.Info("School sync stopped", nil)
	return err
}

// Close releases the event bus and the database. Call it after Run returns.
func (a *App) Close() error {
	a.bus.Close()
	return a.store.Close()
}
