package config

import (
	"reflect"
	"strings"

	logx "pointsched/pkg/logx"
)

// SummarizeChange returns the changed top-level sections plus structured
// attrs safe for logging. Used when a reload is applied, so operators can
// see what actually moved.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Trigger != newCfg.Trigger {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.sweep_interval", strings.TrimSpace(newCfg.Trigger.SweepInterval)),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.enabled", newCfg.Engine.Enabled),
			logx.String("engine.poll_interval", strings.TrimSpace(newCfg.Engine.PollInterval)),
			logx.String("engine.dispatch_timeout", strings.TrimSpace(newCfg.Engine.DispatchTimeout)),
			logx.Float64("engine.dispatch_rate", newCfg.Engine.DispatchRate),
		)
	}

	if oldCfg.Pprof != newCfg.Pprof {
		// Never log the token itself.
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Device, newCfg.Device) {
		changed = append(changed, "device")
		attrs = append(attrs,
			logx.String("device.executor", strings.TrimSpace(newCfg.Device.Executor)),
			logx.Int("device.points", len(newCfg.Device.Points)),
		)
	}

	return changed, attrs
}
