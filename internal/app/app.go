// Package app wires config, storage, the runtimes and the schedule service
// into the runitd process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"runit/internal/alert"
	"runit/internal/config"
	"runit/internal/eventbus"
	"runit/internal/invoker"
	"runit/internal/observability/metrics"
	"runit/internal/observability/ops"
	"runit/internal/runtime/dispatcher"
	"runit/internal/runtime/isolation"
	"runit/internal/runtime/language"
	rtsup "runit/internal/runtime/supervisor"
	"runit/internal/schedule"
	"runit/internal/storage"
	"runit/internal/task/engine"
	"runit/internal/task/scheduler"
	logx "runit/pkg/logx"
)

type App struct {
	cfgm    *config.Manager
	oneShot bool

	sup *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	langs     *language.Set
	dispatch  *dispatcher.Dispatcher
	engine    *engine.Service
	sched     *scheduler.Service
	invoker   *invoker.Invoker
	schedules *schedule.Service
	metrics   *metrics.Metrics
	ops       *ops.Server
	alerts    *alert.Service
}

type Option func(*App)

// OneShot starts only what an ad-hoc invocation needs: no cron engine, ops
// listener, alerts or config watch.
func OneShot() Option { return func(a *App) { a.oneShot = true } }

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, logs: logSvc, log: log, bus: eventbus.New(), metrics: metrics.New()}
	for _, o := range opts {
		o(a)
	}
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if err := a.build(cfg, root); err != nil {
		_ = a.store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	mode, err := isolation.ParseMode(cfg.Executor.Isolation)
	if err != nil {
		return fmt.Errorf("executor.isolation: %w", err)
	}
	a.langs = language.NewSet(mapRuntimes(cfg), cfg.Runtimes.ToolsDir, root.With(logx.String("comp", "language")))

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return err
	}
	a.dispatch = dispatcher.New(dcfg, a.langs, isolation.New(mode), root.With(logx.String("comp", "dispatcher")))

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg, root.With(logx.String("comp", "taskengine")), a.bus)
	if err := a.metrics.WatchEngine(a.engine.Snapshot); err != nil {
		return err
	}
	a.sched = scheduler.New(scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: schedule.DefaultTimezone},
		a.engine, root.With(logx.String("comp", "scheduler")), a.bus)

	a.invoker = invoker.New(a.dispatch, a.store, a.engine, a.metrics, root.With(logx.String("comp", "invoker")))
	a.schedules = schedule.New(schedule.Config{LogLimit: cfg.Scheduler.LogLimit, Timeout: ecfg.DefaultTimeout},
		a.store, a.sched, a.invoker, a.bus, a.metrics, root.With(logx.String("comp", "schedule")))

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return err
	}
	a.ops = ops.New(ocfg, a.metrics.Handler(), a.health, root.With(logx.String("comp", "ops")))

	acfg, sender, err := mapAlerts(cfg)
	if err != nil {
		return err
	}
	a.alerts = alert.New(acfg, sender, a.bus, a.metrics, root.With(logx.String("comp", "alert")))
	return nil
}

func (a *App) Config() *config.Config             { return a.cfgm.Get() }
func (a *App) Invoker() *invoker.Invoker          { return a.invoker }
func (a *App) Schedules() *schedule.Service       { return a.schedules }
func (a *App) Store() storage.Store               { return a.store }
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }
func (a *App) Logger() logx.Logger                { return a.log }

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		_, _, err := mapAlerts(cfg)
		return err
	})

	if err := a.langs.Install(); err != nil {
		return fmt.Errorf("install runtime tools: %w", err)
	}
	a.engine.Start(a.sup.Context())
	if a.oneShot {
		a.log.Debug("app started", logx.Bool("one_shot", true))
		return nil
	}

	if err := a.schedules.Start(a.sup.Context()); err != nil {
		return err
	}
	a.ops.Start(a.sup.Context())
	a.alerts.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e := <-events:
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyReload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		err := a.cfgm.Watch(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("app started",
		logx.String("projects", a.cfgm.Get().Projects.Root),
		logx.String("isolation", a.cfgm.Get().Executor.Isolation),
		logx.Bool("scheduler", a.sched.Enabled()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("schedules", 2*time.Second, func(c context.Context) error { a.schedules.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("alerts", time.Second, func(c context.Context) error { a.alerts.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// health backs /healthz.
func (a *App) health() (any, bool) {
	snap := a.engine.Snapshot()
	c := a.sup.Counters()
	ok := a.sup.Err() == nil && snap.Enabled
	status := "ok"
	if !ok {
		status = "degraded"
	}
	return map[string]any{
		"status":         status,
		"scheduler":      a.sched.Running(),
		"scheduled_jobs": a.sched.Len(),
		"workers":        snap.Workers,
		"queue_len":      snap.QueueLen,
		"in_flight":      snap.InFlight,
		"completed":      snap.Completed,
		"failed":         snap.Failed,
		"goroutines":     c.Active,
		"panics":         c.Panics,
		"events_dropped": a.bus.Dropped(),
	}, ok
}
