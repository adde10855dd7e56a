package app

import (
	"context"
	"sync"
	"time"

	"pointsched/internal/config"
	"pointsched/internal/device"
	"pointsched/internal/engine"
	"pointsched/internal/eventbus"
	"pointsched/internal/observability/pprof"
	"pointsched/internal/runtime/supervisor"
	"pointsched/internal/schedule"
	"pointsched/internal/storage"
	"pointsched/internal/trigger"
	logx "pointsched/pkg/logx"
)

// staleRunningAge is how long an execution may sit in running before the
// startup check flags it as a leftover from a crash.
const staleRunningAge = time.Hour

type App struct {
	mu  sync.Mutex
	cfg *config.Config

	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger
	store  *storage.Store
	loop   *device.Loopback
	bus    eventbus.Bus
	engine *engine.Service
	trig   *trigger.Service
	prof   *pprof.Service

	sup      *supervisor.Supervisor
	busUnsub func()
}

// Start brings the daemon up: flag stale ledger rows, start the engine and
// triggers, then follow config changes and bus events.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.reportStaleRunning(ctx)

	a.engine.Start(ctx)
	if err := a.trig.Start(ctx); err != nil {
		return err
	}
	a.prof.Start(ctx)

	ch, unsub := a.bus.Subscribe(64)
	a.busUnsub = unsub
	a.sup.Go("event-log", func(c context.Context) error {
		a.eventLoop(c, ch)
		return nil
	})

	cfgCh := a.cfgMgr.Subscribe(4)
	a.sup.Go("config-apply", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-cfgCh:
				if !ok {
					return nil
				}
				a.applyConfig(cfg)
			}
		}
	})
	a.sup.GoRestart("config-watch", a.cfgMgr.Watch)

	a.log.Info("pointsched started")
	return nil
}

// Stop shuts components down in reverse order of Start.
func (a *App) Stop(ctx context.Context) {
	a.prof.Stop(ctx)
	a.trig.Stop(ctx)
	a.engine.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.busUnsub != nil {
		a.busUnsub()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing storage", logx.Err(err))
	}
	a.log.Info("pointsched stopped")
	_ = a.logSvc.Close()
}

// reportStaleRunning surfaces executions left in running by a crash. They
// are only reported; history stays as written.
func (a *App) reportStaleRunning(ctx context.Context) {
	stale, err := a.store.StaleRunning(ctx, staleRunningAge)
	if err != nil {
		a.log.Warn("stale execution check failed", logx.Err(err))
		return
	}
	for _, ex := range stale {
		a.log.Warn("execution left running, likely interrupted",
			logx.Int64("execution_id", ex.ID), logx.Int64("schedule_id", ex.ScheduleID),
			logx.Time("execution_time", ex.ExecutionTime))
	}
}

func (a *App) eventLoop(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case "execution.finished":
				a.log.Info("execution finished", logx.Any("event", ev.Data))
			case "execution.failed":
				a.log.Error("execution failed", logx.Any("event", ev.Data))
			default:
				a.log.Debug("event", logx.String("type", ev.Type), logx.Any("event", ev.Data))
			}
		}
	}
}

// applyConfig applies a validated reload. Logging and engine tunables take
// effect immediately; storage, trigger and device changes need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.mu.Lock()
	old := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	changed, attrs := config.SummarizeChange(old, cfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("applying config change", append([]logx.Field{logx.Any("sections", changed)}, attrs...)...)

	for _, section := range changed {
		switch section {
		case "logging":
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
		case "engine":
			engCfg, err := engineConfig(cfg.Engine)
			if err != nil {
				a.log.Warn("engine config not applied", logx.Err(err))
				continue
			}
			a.engine.Apply(engCfg)
		case "pprof":
			a.prof.Reconfigure(context.Background(), pprofConfig(cfg.Pprof))
		default:
			a.log.Warn("config section needs restart to apply", logx.String("section", section))
		}
	}
}

// ---- Facade used by cmd and operators ----

// SaveSchedule persists a definition and refreshes its timers.
func (a *App) SaveSchedule(ctx context.Context, def *schedule.Definition) error {
	if err := a.store.SaveSchedule(ctx, def); err != nil {
		return err
	}
	return a.trig.Reload(ctx, def.Schedule.ID)
}

// DeleteSchedule removes a definition and its timers. History is kept.
func (a *App) DeleteSchedule(ctx context.Context, id int64) error {
	if err := a.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	return a.trig.Reload(ctx, id)
}

// SetScheduleActive toggles a schedule and refreshes its timers.
func (a *App) SetScheduleActive(ctx context.Context, id int64, active bool) error {
	if err := a.store.SetActive(ctx, id, active); err != nil {
		return err
	}
	return a.trig.Reload(ctx, id)
}

// ExecuteSchedule runs a schedule immediately, bypassing recurrence rules.
func (a *App) ExecuteSchedule(ctx context.Context, id int64, caller string) (engine.Outcome, error) {
	return a.engine.ExecuteSchedule(ctx, id, caller)
}

func (a *App) History(ctx context.Context, scheduleID int64, limit int) ([]schedule.Execution, error) {
	return a.store.History(ctx, scheduleID, limit)
}

func (a *App) NextExecution(ctx context.Context, scheduleID int64) (time.Time, bool, error) {
	return a.store.NextExecution(ctx, scheduleID, time.Now())
}

// Device exposes the loopback executor, e.g. to inspect effective point
// values from tooling.
func (a *App) Device() *device.Loopback { return a.loop }
