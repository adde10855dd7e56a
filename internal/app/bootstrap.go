// Package app wires the daemon together: config, logging, storage, the
// device executor, the execution engine and the trigger scheduler.
package app

import (
	"fmt"
	"strings"
	"time"

	"pointsched/internal/config"
	"pointsched/internal/device"
	"pointsched/internal/engine"
	"pointsched/internal/eventbus"
	"pointsched/internal/observability/pprof"
	"pointsched/internal/storage"
	"pointsched/internal/trigger"
	logx "pointsched/pkg/logx"
)

// New loads the config at path and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	loop, err := buildLoopback(cfg.Device)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	engCfg, err := engineConfig(cfg.Engine)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	eng := engine.New(engCfg, store, loop, loop, bus, log)

	trgCfg, err := triggerConfig(cfg.Trigger)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	trg := trigger.New(trgCfg, store, eng, log)

	prof := pprof.New(pprofConfig(cfg.Pprof), log)

	return &App{
		cfg:    cfg,
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log.With(logx.String("comp", "app")),
		store:  store,
		loop:   loop,
		bus:    bus,
		engine: eng,
		trig:   trg,
		prof:   prof,
	}, nil
}

func pprofConfig(cfg config.PprofConfig) pprof.Config {
	return pprof.Config{
		Enabled:       cfg.Enabled,
		Addr:          cfg.Addr,
		Prefix:        cfg.Prefix,
		Token:         cfg.Token,
		AllowInsecure: cfg.AllowInsecure,
	}
}

func buildLoopback(cfg config.DeviceConfig) (*device.Loopback, error) {
	if ex := strings.TrimSpace(cfg.Executor); ex != "" && ex != "loopback" {
		return nil, fmt.Errorf("device.executor %q is not built in", cfg.Executor)
	}
	loop := device.NewLoopback()
	for _, p := range cfg.Points {
		loop.RegisterPoint(device.PointInfo{ID: p.ID, Name: p.Name, Writable: p.Writable, Min: p.Min, Max: p.Max})
	}
	if lat, err := config.ParseDurationField("device.latency", cfg.Latency); err != nil {
		return nil, err
	} else if lat > 0 {
		loop.SetLatency(lat)
	}
	return loop, nil
}

func engineConfig(cfg config.EngineConfig) (engine.Config, error) {
	poll, err := config.ParseDurationField("engine.poll_interval", cfg.PollInterval)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := config.ParseDurationField("engine.dispatch_timeout", cfg.DispatchTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:         cfg.Enabled,
		PollInterval:    poll,
		DispatchTimeout: timeout,
		DispatchRate:    cfg.DispatchRate,
	}, nil
}

func triggerConfig(cfg config.TriggerConfig) (trigger.Config, error) {
	sweep, err := config.ParseDurationOrDefault("trigger.sweep_interval", cfg.SweepInterval, time.Minute)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{Enabled: cfg.Enabled, SweepInterval: sweep}, nil
}
