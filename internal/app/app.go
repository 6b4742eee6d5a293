// Package app assembles the daemon: config, logging, storage, the
// delivery sink, the dispatch coordinator, the tick scheduler and the
// ops HTTP surface. Everything below this package is reusable; this
// package is the only one that knows the whole shape.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"remindd/internal/clock"
	"remindd/internal/config"
	"remindd/internal/engine"
	"remindd/internal/eventbus"
	"remindd/internal/observability/ops"
	rtsup "remindd/internal/runtime/supervisor"
	"remindd/internal/sink"
	"remindd/internal/storage"
	"remindd/internal/ticker"
	logx "remindd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	coord *engine.Coordinator
	sink  *sink.Service
	ticks *ticker.Service
	ops   *ops.Server

	sup   *rtsup.Supervisor
	cfgCh chan *config.Config

	ready atomic.Bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	stCfg, err := mapStorageConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(stCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", stCfg.Driver))

	senders, err := buildSenders(cfg.Sink, log)
	if err != nil {
		return nil, err
	}
	skCfg, err := mapSinkConfig(cfg.Sink)
	if err != nil {
		return nil, err
	}
	snk := sink.New(skCfg, senders, log, bus, store)

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	coord := engine.NewCoordinator(engCfg, store, snk, bus, log)

	tkCfg, err := mapTicksConfig(cfg.Ticks)
	if err != nil {
		return nil, err
	}
	ticks := ticker.New(tkCfg, coord, clock.System(), log, bus)

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		coord: coord,
		sink:  snk,
		ticks: ticks,
	}
	a.ops = ops.NewServer(log, a.statusReport, a.readiness)
	return a, nil
}

// Bus exposes the in-process event bus (tick and delivery lifecycle events).
func (a *App) Bus() eventbus.Bus { return a.bus }

// ForceTick triggers one engine pass out of cadence ("due" or "overdue").
func (a *App) ForceTick(ctx context.Context, kind string) (engine.TickReport, error) {
	return a.ticks.ForceTick(ctx, kind)
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// Transactional reload: a config that fails validation is never
	// committed or published, the running services keep the old one.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateConfig)

	a.sink.Start(a.sup.Context())
	if err := a.ticks.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start ticker: %w", err)
	}

	opsCfg, err := mapOpsConfig(cfg.Ops)
	if err != nil {
		return err
	}
	a.ops.Apply(ctx, opsCfg)

	a.cfgCh = a.cfgm.Subscribe(4)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		prev := cfg
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-a.cfgCh:
				if !ok {
					return
				}
				a.reload(ctx, prev, next)
				prev = next
			}
		}
	})

	a.ready.Store(true)
	a.log.Info("started",
		logx.Bool("ticks", a.ticks.Enabled()),
		logx.Bool("sink", a.sink.Enabled()),
		logx.String("ops", a.ops.Addr()))
	return nil
}

// validateConfig gates reload commits. Schedules, the engine window and
// the sink contact table are each mapped by other components; rejecting
// bad values here keeps a typo from killing the running cadences. A
// refused reload is announced on the bus so subscribers can tell the
// file on disk no longer matches the running config.
func (a *App) validateConfig(_ context.Context, c *config.Config) error {
	err := c.Validate()
	if err == nil {
		_, err = mapTicksConfig(c.Ticks)
	}
	if err == nil {
		_, err = mapEngineConfig(c)
	}
	if err == nil {
		_, err = mapSinkConfig(c.Sink)
	}
	if err == nil {
		_, err = mapOpsConfig(c.Ops)
	}
	if err != nil {
		a.bus.Publish(eventbus.Event{Type: eventbus.EvConfigReloadFailed, Data: map[string]any{
			"error": err.Error(),
		}})
		return err
	}
	return nil
}

func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	changed, attrs := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		return
	}

	for _, section := range changed {
		switch section {
		case "logging":
			a.logs.Apply(mapLoggingConfig(next.Logging))
		case "engine", "ticks":
			// The overdue cadence feeds the engine's repeat horizon, so
			// either section re-derives the engine config.
			if engCfg, err := mapEngineConfig(next); err == nil {
				a.coord.Apply(engCfg)
			}
			if section == "ticks" {
				if tkCfg, err := mapTicksConfig(next.Ticks); err == nil {
					a.ticks.Apply(tkCfg)
				}
			}
		case "sink":
			if skCfg, err := mapSinkConfig(next.Sink); err == nil {
				a.sink.Apply(skCfg)
			}
			if senderSetChanged(prev.Sink, next.Sink) {
				a.log.Warn("sink channel credentials changed; restart to rebuild senders")
			}
		case "storage":
			a.log.Warn("storage settings changed; restart to take effect")
		case "ops":
			if opsCfg, err := mapOpsConfig(next.Ops); err == nil {
				a.ops.Apply(ctx, opsCfg)
			}
		}
	}

	a.log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
	a.bus.Publish(eventbus.Event{Type: eventbus.EvConfigReloaded, Data: map[string]any{
		"sections": changed,
	}})
}

// senderSetChanged reports whether a reload touched channel wiring that
// only NewApp can rebuild (bot tokens, SMTP hosts and the like).
func senderSetChanged(prev, next config.SinkConfig) bool {
	eq := func(a, b any) bool { return fmt.Sprintf("%+v", a) == fmt.Sprintf("%+v", b) }
	return !eq(prev.Telegram, next.Telegram) ||
		!eq(prev.SMS, next.SMS) ||
		!eq(prev.Webhook, next.Webhook) ||
		!eq(prev.Email, next.Email)
}

func (a *App) Stop(ctx context.Context) {
	a.ready.Store(false)
	a.log.Info("stopping")

	// Stop the cadences first so nothing new enters the pipeline, then
	// drain the sink, then tear down the rest.
	a.ticks.Stop(ctx)
	a.sink.Stop(ctx)
	a.ops.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		waitCtx := ctx
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
		}
		_ = a.sup.Wait(waitCtx)
	}
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
}

func (a *App) statusReport(ctx context.Context) any {
	report := map[string]any{
		"state":      "running",
		"ticks":      a.ticks.Snapshot(),
		"deliveries": a.sink.Snapshot(),
	}
	if a.sup != nil {
		report["supervisor"] = a.sup.Snapshot()
	}
	if err := a.readiness(ctx); err != nil {
		report["state"] = "degraded"
		report["degraded"] = err.Error()
	}
	return report
}

func (a *App) readiness(ctx context.Context) error {
	if !a.ready.Load() {
		return fmt.Errorf("not started")
	}
	// A cheap store probe; readiness should notice a wedged database.
	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := a.store.ListActiveUsers(probeCtx); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

func trimOr(s, def string) string {
	if t := strings.TrimSpace(s); t != "" {
		return t
	}
	return def
}
