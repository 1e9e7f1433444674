// Package app is the composition root of the host runtime. It loads the
// configuration, arms the dispatcher with the enabled apps and supervises
// the goroutines around the core.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"rtcore/internal/apps"
	"rtcore/internal/clock"
	"rtcore/internal/config"
	"rtcore/internal/eventbus"
	"rtcore/internal/observability/diag"
	"rtcore/internal/runtime/supervisor"
	"rtcore/internal/stimulus"
	"rtcore/internal/storage"
	"rtcore/internal/task/dispatch"
	"rtcore/internal/trace"
	logx "rtcore/pkg/logx"
	"rtcore/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sd    *systemd.Notifier

	clk  *clock.Host
	core *dispatch.Dispatcher
	host *apps.Host
	stim *stimulus.Service
	rec  *trace.Recorder
	diag *diag.Service

	coreUp atomic.Bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	ds, err := cfg.ResolveDispatch()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	clk := clock.NewHost(ds.TickRate, clock.Instant(ds.StartOffset))
	b := dispatch.NewBuilder(dispatch.Config{
		Tick:      ds.Tick,
		WarnEvery: ds.WarnEvery,
		Events:    ds.Events,
	}, clk,
		dispatch.WithLogger(log.With(logx.String("comp", "core"))),
		dispatch.WithBus(bus),
	)

	host := apps.NewHost(log.With(logx.String("comp", "apps")))
	regErr := host.Register(b, ds.TickRate, cfg.Apps)
	core, buildErr := b.Build()
	if err := errors.Join(regErr, buildErr); err != nil {
		closeStore(store)
		return nil, fmt.Errorf("task table: %w", err)
	}

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		sd:    systemd.NewNotifier(log.With(logx.String("comp", "systemd"))),
		clk:   clk,
		core:  core,
		host:  host,
	}
	a.diag = diag.New(mapDiagConfig(cfg), func() any { return a.Snapshot() }, log.With(logx.String("comp", "diag")))
	a.stim = stimulus.New(mapStimulusConfig(cfg), host, log.With(logx.String("comp", "stimulus")), bus)
	if store != nil {
		buf := 0
		if cfg.Storage != nil {
			buf = cfg.Storage.Buffer
		}
		a.rec = trace.New(store, bus, log.With(logx.String("comp", "trace")), trace.Options{
			Buffer:    buf,
			TickRate:  ds.TickRate,
			Tasks:     core.Table().Len(),
			Resources: core.Resources().Len(),
		})
	}
	return a, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

// Dispatcher is the armed core.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.core }

// Host exposes the enabled apps and their stimulus targets.
func (a *App) Host() *apps.Host { return a.host }

// Done is closed when the supervisor context ends (fatal error or Stop).
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return errors.Join(
			stimulus.Validate(mapStimulusConfig(cfg)),
			diag.Validate(mapDiagConfig(cfg)),
		)
	})

	if err := a.host.Start(a.core); err != nil {
		return err
	}

	a.sup.Go("core", func(c context.Context) error {
		a.coreUp.Store(true)
		defer a.coreUp.Store(false)
		return a.core.Run(c)
	})
	if a.rec != nil {
		a.sup.Go("trace", a.rec.Run)
	}
	if err := a.stim.Start(a.sup.Context()); err != nil {
		// Bad sources are skipped; the rest keep firing.
		a.log.Warn("stimulus sources rejected", logx.Err(err))
	}

	a.diag.Start(a.sup.Context())

	if a.log.Enabled(logx.LevelDebug) {
		events, unsub := a.bus.Subscribe(128, "task.rejected", "task.panic", stimulus.EventFired)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c, a.coreUp.Load); err != nil {
			a.log.Warn("watchdog disabled", logx.Err(err))
		}
	})

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("%d tasks, apps: %s", a.core.Table().Len(), strings.Join(a.host.Apps(), ",")))
	a.log.Info("app started", logx.Any("apps", a.host.Apps()), logx.Any("targets", a.host.Targets()))
	return nil
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(c, last, next)
			last = next
		}
	}
}

func (a *App) apply(c context.Context, prev, next *config.Config) {
	ch := config.SummarizeConfigChange(prev, next)
	if ch.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	if ch.Has("logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if ch.Has("stimulus") {
		if err := a.stim.Apply(mapStimulusConfig(next)); err != nil {
			a.log.Warn("invalid stimulus config; keeping previous", logx.Err(err))
		}
	}
	if ch.Has("diagnostics") {
		a.diag.Reconfigure(c, mapDiagConfig(next))
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

// Snapshot reports the core, the stimulus sources and the goroutines.
type Snapshot struct {
	Core       dispatch.Snapshot      `json:"core"`
	Stimulus   []stimulus.SourceState `json:"stimulus"`
	Supervisor supervisor.Snapshot    `json:"supervisor"`
	Trace      string                 `json:"trace_session,omitempty"`
	BusDropped uint64                 `json:"bus_dropped"`
}

func (a *App) Snapshot() Snapshot {
	s := Snapshot{
		Core:       a.core.Snapshot(),
		Stimulus:   a.stim.Snapshot(),
		BusDropped: a.bus.Dropped(),
	}
	if a.sup != nil {
		s.Supervisor = a.sup.Snapshot()
	}
	if a.rec != nil {
		s.Trace = a.rec.Session()
	}
	return s
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so the core and the recorder start unwinding right away.
	a.sup.Cancel()

	// step bounds one shutdown stage so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
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
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("stimulus", 2*time.Second, func(c context.Context) error { a.stim.Stop(c); return nil })
	step("diagnostics", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	// The supervisor wait covers the core and the final trace flush.
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
