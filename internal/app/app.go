// Package app wires the process together: config, logging, storage, the
// tenant fleet, the broadcast engine and the optional queue router.
// Everything is constructed explicitly and passed down; nothing in the tree
// reaches for globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"botfleet/internal/bot"
	"botfleet/internal/broadcast"
	"botfleet/internal/config"
	"botfleet/internal/fleet"
	"botfleet/internal/handlers"
	"botfleet/internal/queue"
	rtsup "botfleet/internal/runtime/supervisor"
	"botfleet/internal/storage"
	kit "botfleet/internal/transport"
	"botfleet/internal/transport/telegram"
	"botfleet/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	fleet  *fleet.Manager
	engine *broadcast.Engine

	// router is nil unless a queue consumer was attached before Start.
	router       *queue.Router
	queueEnabled bool

	pollTimeout time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		store:        store,
		queueEnabled: cfg.Queue.Enabled,
		pollTimeout:  pollTimeout,
	}

	a.fleet = fleet.New(
		fleet.Config{ReconcileSpec: cfg.Fleet.ReconcileSpec},
		store,
		a.newTelegramAdapter,
		logSvc.Logger(),
	)

	bcCfg, err := mapBroadcast(cfg.Broadcast)
	if err != nil {
		return nil, err
	}
	a.engine = broadcast.New(bcCfg, store, a.fleet, logSvc.Logger())

	return a, nil
}

// newTelegramAdapter is the fleet's AdapterFactory: one long-poll transport
// per tenant credential.
func (a *App) newTelegramAdapter(tenantID string, cfg fleet.TenantConfig) (kit.Adapter, error) {
	return telegram.New(telegram.Config{
		Token:       cfg.Token,
		PollTimeout: a.pollTimeout,
	}, a.logs.Logger().With(logx.String("tenant", tenantID)))
}

// AttachQueue installs the external update-queue consumer. Must be called
// before Start; without it the queue router stays off even when enabled in
// config.
func (a *App) AttachQueue(c queue.Consumer) {
	a.router = queue.NewRouter(c, a.fleet, a.logs.Logger())
}

func (a *App) Fleet() *fleet.Manager        { return a.fleet }
func (a *App) Broadcast() *broadcast.Engine { return a.engine }
func (a *App) Logger() logx.Logger          { return a.logs.Logger() }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil {
		return errors.New("config not loaded")
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))

	// Durable tenants first, then config seeds that are not stored yet.
	err := a.fleet.LoadTenants(ctx, func(_ string, inst *bot.Instance) {
		handlers.Setup(inst)
	})
	if err != nil {
		return err
	}
	for _, seed := range cfg.Tenants {
		if _, ok := a.fleet.Get(seed.ID); ok {
			continue
		}
		_, err := a.fleet.RegisterDurable(ctx, seed.ID, fleet.TenantConfig{
			Token:     seed.Token,
			Name:      seed.Name,
			ParseMode: seed.ParseMode,
			Setup:     handlers.Setup,
		})
		if err != nil {
			a.log.Error("tenant seed failed", logx.String("tenant", seed.ID), logx.Err(err))
		}
	}

	res := a.fleet.StartAll(ctx)
	if res.Failed > 0 {
		for _, err := range res.Errors {
			a.log.Error("tenant start failed", logx.Err(err))
		}
	}
	if res.OK == 0 && res.Total > 0 {
		return fmt.Errorf("no tenant started (%d failed)", res.Failed)
	}

	if err := a.fleet.StartMaintenance(); err != nil {
		a.log.Warn("maintenance not scheduled", logx.Err(err))
	}

	if a.queueEnabled {
		if a.router == nil {
			a.log.Warn("queue enabled in config but no consumer attached")
		} else if err := a.router.Start(ctx); err != nil {
			return fmt.Errorf("start queue router: %w", err)
		}
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", a.applyLoop)

	a.log.Info("started",
		logx.Int("tenants", res.Total),
		logx.Bool("queue", a.queueEnabled && a.router != nil),
	)
	return nil
}

// applyLoop reacts to config reloads. Only logging and broadcast tuning are
// applied live; storage, tenants and queue wiring need a restart.
func (a *App) applyLoop(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.logs.Apply(mapLogging(cfg.Logging))
			if bcCfg, err := mapBroadcast(cfg.Broadcast); err != nil {
				a.log.Warn("broadcast config rejected", logx.Err(err))
			} else {
				a.engine.Apply(bcCfg)
			}
			a.log.Info("runtime config applied")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	var firstErr error

	if a.router != nil {
		if err := a.router.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	res := a.fleet.Shutdown(ctx)
	if res.Failed > 0 && firstErr == nil {
		firstErr = fmt.Errorf("%d tenant(s) failed to stop cleanly", res.Failed)
	}

	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = a.logs.Close()

	a.log.Info("stopped")
	return firstErr
}

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
	}
}

func mapBroadcast(c config.BroadcastConfig) (broadcast.Config, error) {
	pause, err := config.ParseDurationField("broadcast.batch_pause", c.BatchPause)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		MaxConcurrent: int64(c.MaxConcurrent),
		PendingLimit:  c.PendingLimit,
		RatePerSec:    c.RatePerSec,
		BatchPause:    pause,
	}, nil
}
