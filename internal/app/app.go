// Package app wires the task scheduler process together.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tflsched/internal/action"
	"tflsched/internal/config"
	"tflsched/internal/eventbus"
	"tflsched/internal/maintenance"
	"tflsched/internal/observability/debug"
	"tflsched/internal/runtime/supervisor"
	"tflsched/internal/storage"
	"tflsched/internal/task/reconciler"
	"tflsched/internal/task/scheduler"
	"tflsched/internal/task/timer"
	"tflsched/internal/telemetry"
	"tflsched/internal/transport/httpapi"
	logx "tflsched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	timers    *timer.Engine
	tfl       *action.TfL
	rec       *reconciler.Service
	sched     *scheduler.Service
	api       *httpapi.Server
	retention *maintenance.Retention // nil when disabled
	tel       *telemetry.Telemetry
	dbg       *debug.Server // nil when disabled

	shutdownTimeout time.Duration
}

// New loads configuration and builds every component. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.Component("app"))
	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	hc, loc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, recCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	ac, err := mapActionConfig(cfg)
	if err != nil {
		return nil, err
	}
	rc, retain, err := mapRetentionConfig(cfg)
	if err != nil {
		return nil, err
	}
	tc, err := mapTelemetryConfig(cfg)
	if err != nil {
		return nil, err
	}
	dc, debugOn, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	shutdown, err := config.ParseDurationOrDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log.With(logx.Component("storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	timers := timer.New(log.With(logx.Component("timer")))
	tfl := action.NewTfL(ac, log.With(logx.Component("action")))
	rec := reconciler.New(recCfg, store, bus, log.With(logx.Component("reconciler")))
	sched, err := scheduler.New(schedCfg, scheduler.Deps{
		Store:      store,
		Timers:     timers,
		Invoker:    tfl,
		Reconciler: rec,
		Bus:        bus,
		Log:        log.With(logx.Component("scheduler")),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	apiLog := log.With(logx.Component("http"))
	api := httpapi.NewServer(hc, httpapi.NewHandler(sched, loc, apiLog), apiLog)

	var retention *maintenance.Retention
	if retain {
		retention, err = maintenance.NewRetention(rc, store, bus, log.With(logx.Component("retention")))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	g := telemetry.Gauges{ArmedTimers: timers.Len}
	if st, ok := bus.(eventbus.Stats); ok {
		g.DroppedEvents = st.Dropped
	}
	tel, err := telemetry.New(tc, bus, g, log.With(logx.Component("telemetry")))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{
		cfgm:            cfgm,
		log:             log,
		logs:            logSvc,
		bus:             bus,
		store:           store,
		timers:          timers,
		tfl:             tfl,
		rec:             rec,
		sched:           sched,
		api:             api,
		retention:       retention,
		tel:             tel,
		shutdownTimeout: shutdown,
	}
	if debugOn {
		a.dbg = debug.New(dc, a.debugState, log.With(logx.Component("debug")))
	}
	return a, nil
}

type timerState struct {
	ID    string    `json:"id"`
	DueAt time.Time `json:"due_at"`
}

type stateDump struct {
	Timers        []timerState `json:"timers"`
	Goroutines    int64        `json:"goroutines"`
	DroppedEvents uint64       `json:"dropped_events"`
}

func (a *App) debugState() any {
	st := stateDump{Timers: []timerState{}}
	for _, e := range a.timers.Snapshot() {
		st.Timers = append(st.Timers, timerState{ID: e.ID, DueAt: e.At})
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Counters().Active
	}
	if s, ok := a.bus.(eventbus.Stats); ok {
		st.DroppedEvents = s.Dropped()
	}
	return st
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error from a supervised goroutine.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr returns the API listen address once started.
func (a *App) Addr() string { return a.api.Addr() }

// ShutdownTimeout is the configured bound for Stop.
func (a *App) ShutdownTimeout() time.Duration { return a.shutdownTimeout }

// Start recovers pending tasks, then serves. Recovery runs before the
// listener opens so no request races a task that is not armed yet.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.Go("telemetry", a.tel.Run)
	a.rec.Start(a.sup.Context())

	n, err := a.sched.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover pending tasks: %w", err)
	}
	a.log.Info("pending tasks recovered", logx.Int("count", n))

	if err := a.api.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	a.sup.Go("http.serve", func(c context.Context) error {
		select {
		case err, ok := <-a.api.Done():
			if ok && err != nil {
				return err
			}
			return nil
		case <-c.Done():
			return nil
		}
	})

	if a.retention != nil {
		if err := a.retention.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("retention: %w", err)
		}
	}

	if a.dbg != nil {
		// optional; a bind failure is logged, not fatal
		if err := a.dbg.Start(a.sup.Context()); err != nil {
			a.log.Warn("debug server not started", logx.Err(err))
		}
	}

	a.startConfigReload()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("addr", a.api.Addr()))
	return nil
}

func (a *App) startConfigReload() {
	if a.cfgm == nil {
		return
	}
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts; only the newest matters
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)
}

// applyConfig applies the hot-reloadable sections. Others are logged as
// needing a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))
	if ac, err := mapActionConfig(newCfg); err != nil {
		a.log.Warn("invalid action config; keeping previous", logx.Err(err))
	} else {
		a.tfl.Apply(ac)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: the listener first so no new work
// arrives, then the facade so in-flight firings hand over their outcomes,
// then the reconciler so queued outcomes commit, and the store last.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("http", 5*time.Second, a.api.Stop)
	step("retention", 2*time.Second, func(c context.Context) error {
		if a.retention != nil {
			a.retention.Stop(c)
		}
		return nil
	})
	step("scheduler", 5*time.Second, a.sched.Close)
	step("reconciler", 5*time.Second, func(c context.Context) error { a.rec.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error {
		if a.dbg != nil {
			return a.dbg.Stop(c)
		}
		return nil
	})
	step("telemetry", 2*time.Second, a.tel.Shutdown)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
