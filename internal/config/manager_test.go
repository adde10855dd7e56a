package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  path: ./data/pointsched.db
  busy_timeout: 5s
trigger:
  enabled: true
  sweep_interval: 1m
engine:
  enabled: true
  poll_interval: 10s
  dispatch_timeout: 10s
  dispatch_rate: 5
device:
  executor: loopback
  points:
    - id: ahu-1/sat-sp
      name: supply air temp setpoint
      writable: true
      min: 10
      max: 30
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "config.yaml", sampleYAML))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "./data/pointsched.db" || cfg.Storage.BusyTimeout != "5s" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if !cfg.Engine.Enabled || cfg.Engine.DispatchRate != 5 {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if len(cfg.Device.Points) != 1 || cfg.Device.Points[0].Min == nil || *cfg.Device.Points[0].Min != 10 {
		t.Fatalf("device = %+v", cfg.Device)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	t.Parallel()
	m := NewManager(writeTemp(t, "config.yaml", sampleYAML+"\nworkers: 4\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() Config {
		return Config{Storage: StorageConfig{Path: "x.db"}}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing storage path", func(c *Config) { c.Storage.Path = " " }, "storage.path"},
		{"bad sweep interval", func(c *Config) { c.Trigger.SweepInterval = "soon" }, "sweep_interval"},
		{"negative rate", func(c *Config) { c.Engine.DispatchRate = -1 }, "dispatch_rate"},
		{"unknown executor", func(c *Config) { c.Device.Executor = "modbus" }, "executor"},
		{"point without id", func(c *Config) { c.Device.Points = []PointSeed{{}} }, "id is required"},
		{
			"inverted range",
			func(c *Config) {
				lo, hi := 5.0, 1.0
				c.Device.Points = []PointSeed{{ID: "p", Min: &lo, Max: &hi}}
			},
			"min > max",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := Validate(&cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}

	good := base()
	if err := Validate(&good); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging: LoggingConfig{Level: "info"},
		Engine:  EngineConfig{Enabled: true, DispatchRate: 5},
	}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Engine:  EngineConfig{Enabled: true, DispatchRate: 10},
	}

	changed, _ := SummarizeChange(oldCfg, newCfg)
	if len(changed) != 2 || changed[0] != "logging" || changed[1] != "engine" {
		t.Fatalf("changed = %v, want [logging engine]", changed)
	}

	changed, _ = SummarizeChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}
