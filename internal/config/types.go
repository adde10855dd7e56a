package config

// Config is the full daemon configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Trigger TriggerConfig `json:"trigger"`
	Engine  EngineConfig  `json:"engine"`
	Device  DeviceConfig  `json:"device,omitempty"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`
}

// PprofConfig controls the optional profiling endpoint. Prefer a loopback
// bind; a non-loopback addr needs a token or an explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// TriggerConfig controls the timer/sweep layer.
type TriggerConfig struct {
	Enabled bool `json:"enabled"`
	// SweepInterval is the safety-net cadence; leave empty for one minute.
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// EngineConfig controls the execution engine.
type EngineConfig struct {
	Enabled bool `json:"enabled"`
	// PollInterval is the worker cadence for draining queued schedules.
	PollInterval string `json:"poll_interval,omitempty"`
	// DispatchTimeout bounds each device command.
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	// DispatchRate caps device commands per second; 0 disables pacing.
	DispatchRate float64 `json:"dispatch_rate,omitempty"`
}

// DeviceConfig selects and seeds the command executor. "loopback" is the
// only built-in executor; external field-bus executors plug in through the
// app layer.
type DeviceConfig struct {
	Executor string      `json:"executor,omitempty"` // default: "loopback"
	Latency  string      `json:"latency,omitempty"`  // loopback per-command latency
	Points   []PointSeed `json:"points,omitempty"`
}

// PointSeed pre-registers a point in the loopback executor.
type PointSeed struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Writable bool     `json:"writable"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
}
