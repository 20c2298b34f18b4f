package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/worker"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("expected sqlite store, got %s", cfg.Store.Backend)
	}
	if got := cfg.Operations["consolidate_memory"]; got.Kind != "backend" || !got.MarkMemorized {
		t.Errorf("unexpected consolidate_memory: %+v", got)
	}
}

func TestDefaultWorkersHaveKnownTypes(t *testing.T) {
	for name, spec := range DefaultWorkers() {
		if !worker.HasType(spec.Type) {
			t.Errorf("worker %s: unknown type %q", name, spec.Type)
		}
	}
}

func TestDefaultWorkersRegister(t *testing.T) {
	reg := pipeline.NewRegistry()
	if err := worker.Register(reg, DefaultWorkers(), &worker.Deps{}); err != nil {
		t.Fatalf("register default workers: %v", err)
	}
}

func TestLoadFromPathWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	if cfg.Global.HistoryMsgCount != 100 {
		t.Errorf("expected history_msg_count 100, got %d", cfg.Global.HistoryMsgCount)
	}
	if cfg.Global.Granularity != time.Second {
		t.Errorf("expected 1s granularity, got %v", cfg.Global.Granularity)
	}
	op := cfg.Operations["reflect_and_reconsolidate"]
	if op.Interval != 300*time.Second {
		t.Errorf("expected 300s interval, got %v", op.Interval)
	}
	if cfg.Workers["load_reflect"].Type != "load_memory" {
		t.Errorf("unexpected load_reflect: %+v", cfg.Workers["load_reflect"])
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}

	// options survive the YAML round trip well enough to build every worker
	reg := pipeline.NewRegistry()
	if err := worker.Register(reg, cfg.Workers, &worker.Deps{}); err != nil {
		t.Fatalf("register loaded workers: %v", err)
	}
}

func TestLoadFromPathReadsUserFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
global:
  user_name: alice
  target_name: bob
  language: en
  pool_size: 2
  history_msg_count: 5
  granularity: 250ms
  retrieve_op: recall
logging:
  level: debug
store:
  backend: chromem
workers:
  load_all:
    type: load_memory
    options:
      loads:
        - key: all
          types: [observation]
  print_memory:
    type: print_memory
operations:
  recall:
    pipeline: load_all,print_memory
    kind: frontend
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Global.UserName != "alice" || cfg.Global.TargetName != "bob" {
		t.Errorf("unexpected names: %+v", cfg.Global)
	}
	if cfg.Global.Granularity != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.Global.Granularity)
	}
	if len(cfg.Operations) != 1 {
		t.Errorf("expected only the configured operation, got %d", len(cfg.Operations))
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
}

func TestLoadFromPathEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := LoadFromPath(path); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MEMORYSCOPE_STORE_BACKEND", "chromem")
	t.Setenv("MEMORYSCOPE_GLOBAL_USER_NAME", "carol")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Store.Backend != "chromem" {
		t.Errorf("expected env override chromem, got %s", cfg.Store.Backend)
	}
	if cfg.Global.UserName != "carol" {
		t.Errorf("expected env override carol, got %s", cfg.Global.UserName)
	}
}

func TestSaveToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	cfg := Default()
	cfg.Global.UserName = "dave"
	if err := cfg.SaveToPath(path); err != nil {
		t.Fatalf("SaveToPath failed: %v", err)
	}
	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Global.UserName != "dave" {
		t.Errorf("expected dave, got %s", loaded.Global.UserName)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		want    string
		wantCfg bool
	}{
		{"pool size", func(c *Config) { c.Global.PoolSize = 0 }, "pool_size", false},
		{"history", func(c *Config) { c.Global.HistoryMsgCount = 0 }, "history_msg_count", false},
		{"backend", func(c *Config) { c.Store.Backend = "postgres" }, "store.backend", false},
		{"sqlite path", func(c *Config) { c.Store.Path = "" }, "store.path", false},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "log level", false},
		{"worker type", func(c *Config) {
			c.Workers["bogus"] = worker.Spec{Type: "no_such_worker"}
		}, "no_such_worker", true},
		{"retrieve op", func(c *Config) { c.Global.RetrieveOp = "missing" }, "retrieve_op", true},
		{"malformed pipeline", func(c *Config) {
			c.Operations["broken"] = OperationConfig{Pipeline: "set_query,[print_memory", Kind: "frontend"}
		}, "unbalanced", true},
		{"unconfigured worker", func(c *Config) {
			c.Operations["broken"] = OperationConfig{Pipeline: "set_query,nope", Kind: "frontend"}
		}, "nope", true},
		{"kind", func(c *Config) {
			c.Operations["broken"] = OperationConfig{Pipeline: "set_query", Kind: "sideways"}
		}, "invalid kind", true},
		{"interval", func(c *Config) {
			c.Operations["broken"] = OperationConfig{Pipeline: "set_query", Kind: "backend"}
		}, "interval", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
			if tt.wantCfg && !errors.Is(err, pipeline.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/x/config.yaml"); got != filepath.Join(home, "x", "config.yaml") {
		t.Errorf("unexpected expansion: %s", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path changed: %s", got)
	}
}
