// Package config loads the memoryscope configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rcliao/memoryscope/internal/embedding"
	"github.com/rcliao/memoryscope/internal/llm"
	"github.com/rcliao/memoryscope/internal/logging"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/worker"
)

// EnvPrefix prefixes environment overrides, e.g. MEMORYSCOPE_STORE_PATH.
const EnvPrefix = "MEMORYSCOPE"

// Config is the whole configuration.
type Config struct {
	Global     GlobalConfig               `mapstructure:"global" yaml:"global"`
	Logging    logging.Config             `mapstructure:"logging" yaml:"logging"`
	Store      StoreConfig                `mapstructure:"store" yaml:"store"`
	Embedding  embedding.Config           `mapstructure:"embedding" yaml:"embedding"`
	Generation llm.GenerationConfig       `mapstructure:"generation" yaml:"generation"`
	Rank       llm.RankConfig             `mapstructure:"rank" yaml:"rank"`
	Metrics    MetricsConfig              `mapstructure:"metrics" yaml:"metrics"`
	Workers    map[string]worker.Spec     `mapstructure:"workers" yaml:"workers"`
	Operations map[string]OperationConfig `mapstructure:"operations" yaml:"operations"`
}

// GlobalConfig names whose memory this is and sizes the runtime.
type GlobalConfig struct {
	UserName        string        `mapstructure:"user_name" yaml:"user_name"`
	TargetName      string        `mapstructure:"target_name" yaml:"target_name"`
	Language        string        `mapstructure:"language" yaml:"language"` // en, zh
	PoolSize        int           `mapstructure:"pool_size" yaml:"pool_size"`
	HistoryMsgCount int           `mapstructure:"history_msg_count" yaml:"history_msg_count"`
	Granularity     time.Duration `mapstructure:"granularity" yaml:"granularity"`
	RetrieveOp      string        `mapstructure:"retrieve_op" yaml:"retrieve_op"`
}

// StoreConfig selects the memory store.
type StoreConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"` // sqlite, chromem
	Path    string `mapstructure:"path" yaml:"path"`       // empty chromem path keeps memory in-process
}

// MetricsConfig sets where serve exposes Prometheus metrics.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// OperationConfig binds an operation name to a pipeline.
type OperationConfig struct {
	Pipeline      string        `mapstructure:"pipeline" yaml:"pipeline"`
	Kind          string        `mapstructure:"kind" yaml:"kind"` // frontend, backend
	Interval      time.Duration `mapstructure:"interval" yaml:"interval,omitempty"`
	MinCount      int           `mapstructure:"min_count" yaml:"min_count,omitempty"`
	MarkMemorized bool          `mapstructure:"mark_memorized" yaml:"mark_memorized,omitempty"`
	Description   string        `mapstructure:"description" yaml:"description,omitempty"`
}

// DataDir is where the default store and logs live.
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memoryscope")
}

// DefaultPath is the default config file location.
func DefaultPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// Default returns the stock configuration.
func Default() *Config {
	dir := DataDir()
	return &Config{
		Global: GlobalConfig{
			UserName:        "user",
			TargetName:      "user",
			Language:        "en",
			PoolSize:        8,
			HistoryMsgCount: 100,
			Granularity:     time.Second,
			RetrieveOp:      "retrieve_memory",
		},
		Logging: logging.Config{
			Level:   "info",
			Dir:     filepath.Join(dir, "logs"),
			Console: false,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    filepath.Join(dir, "memory.db"),
		},
		Embedding: embedding.Config{
			Provider:  "ollama",
			Model:     "nomic-embed-text",
			URL:       "http://localhost:11434",
			Dims:      768,
			CacheSize: 10000,
		},
		Generation: llm.GenerationConfig{
			Provider:    "anthropic",
			Model:       "claude-3-5-haiku-latest",
			MaxTokens:   1024,
			Temperature: 0.1,
		},
		Rank: llm.RankConfig{
			Provider: "embedding",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Workers:    DefaultWorkers(),
		Operations: DefaultOperations(),
	}
}

// DefaultWorkers are the named worker instances the default operations use.
func DefaultWorkers() map[string]worker.Spec {
	obsTypes := []string{"observation", "obs_customized"}
	return map[string]worker.Spec{
		"set_query":    {Type: "set_query"},
		"extract_time": {Type: "extract_time"},
		"retrieve_obs_ins": {Type: "retrieve_memory", Options: map[string]any{
			"types": []string{"observation", "obs_customized", "insight"},
			"top_k": 20,
			"key":   worker.HandlerRetrieved,
		}},
		"retrieve_profile": {Type: "load_memory", Options: map[string]any{
			"loads": []map[string]any{
				{"key": worker.HandlerProfile, "types": []string{"profile", "profile_customized"}},
			},
		}},
		"read_message":  {Type: "read_message", Options: map[string]any{"count": 3}},
		"semantic_rank": {Type: "semantic_rank"},
		"fuse_rerank":   {Type: "fuse_rerank", Options: map[string]any{"top_k": 10, "threshold": 0.1}},
		"print_memory":  {Type: "print_memory"},
		"load_all": {Type: "load_memory", Options: map[string]any{
			"loads": []map[string]any{
				{"key": worker.HandlerProfile, "types": []string{"profile", "profile_customized"}},
				{"key": worker.HandlerAll, "types": []string{"insight", "observation", "obs_customized"}, "limit": 200},
			},
		}},
		"info_filter":               {Type: "info_filter", Options: map[string]any{"threshold": 2}},
		"get_observation":           {Type: "get_observation"},
		"get_observation_with_time": {Type: "get_observation_with_time"},
		"load_recent": {Type: "load_memory", Options: map[string]any{
			"loads": []map[string]any{
				{"key": worker.HandlerRecentObs, "types": obsTypes, "limit": 50},
			},
		}},
		"contra_repeat": {Type: "contra_repeat", Options: map[string]any{"max_count": 50}},
		"update_memory": {Type: "update_memory"},
		"load_reflect": {Type: "load_memory", Options: map[string]any{
			"loads": []map[string]any{
				{"key": worker.HandlerNotReflected, "types": obsTypes, "reflected": false, "limit": 200},
				{"key": worker.HandlerNotUpdated, "types": obsTypes, "updated": false, "limit": 200},
				{"key": worker.HandlerInsight, "types": []string{"insight"}},
				{"key": worker.HandlerProfile, "types": []string{"profile"}},
			},
		}},
		"get_reflection_subject": {Type: "get_reflection_subject", Options: map[string]any{
			"threshold":    10,
			"max_subjects": 5,
		}},
		"update_insight": {Type: "update_insight", Options: map[string]any{
			"max_observations": 5,
			"delay":            "1s",
		}},
		"update_profile": {Type: "update_profile", Options: map[string]any{
			"max_observations": 10,
			"max_parallel":     3,
		}},
	}
}

// DefaultOperations are the stock retrieval and consolidation pipelines.
func DefaultOperations() map[string]OperationConfig {
	return map[string]OperationConfig{
		"retrieve_memory": {
			Pipeline:    "set_query,[extract_time|retrieve_obs_ins|retrieve_profile|read_message],semantic_rank,fuse_rerank,print_memory",
			Kind:        "frontend",
			Description: "answer a query from stored memory",
		},
		"retrieve_all": {
			Pipeline:    "load_all,print_memory",
			Kind:        "frontend",
			Description: "print every stored memory",
		},
		"consolidate_memory": {
			Pipeline:      "info_filter,[get_observation|get_observation_with_time|load_recent],contra_repeat,update_memory",
			Kind:          "backend",
			Interval:      10 * time.Second,
			MinCount:      5,
			MarkMemorized: true,
			Description:   "turn new chat turns into observations",
		},
		"reflect_and_reconsolidate": {
			Pipeline:    "load_reflect,get_reflection_subject,[update_insight|update_profile],update_memory",
			Kind:        "backend",
			Interval:    300 * time.Second,
			Description: "derive insights and profile attributes from observations",
		},
	}
}

// LoadFromPath reads path, writing the defaults there first if it does not
// exist, and applies MEMORYSCOPE_* environment overrides.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Store.Path = expandPath(cfg.Store.Path)
	cfg.Logging.Dir = expandPath(cfg.Logging.Dir)
	return &cfg, nil
}

// SaveToPath writes c to path as YAML.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Validate checks values and cross references. Every pipeline must parse
// and name only configured workers of known types.
func (c *Config) Validate() error {
	if c.Global.PoolSize < 1 {
		return fmt.Errorf("global.pool_size must be at least 1")
	}
	if c.Global.HistoryMsgCount < 1 {
		return fmt.Errorf("global.history_msg_count must be at least 1")
	}
	if c.Global.Granularity < 0 {
		return fmt.Errorf("global.granularity cannot be negative")
	}

	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	case "chromem":
	default:
		return fmt.Errorf("invalid store.backend '%s', must be one of: sqlite, chromem", c.Store.Backend)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	for _, name := range sortedKeys(c.Workers) {
		if typ := c.Workers[name].Type; !worker.HasType(typ) {
			return fmt.Errorf("%w: worker %s has unknown type %q", pipeline.ErrConfig, name, typ)
		}
	}

	if _, ok := c.Operations[c.Global.RetrieveOp]; !ok {
		return fmt.Errorf("%w: global.retrieve_op %q is not an operation", pipeline.ErrConfig, c.Global.RetrieveOp)
	}
	for _, name := range sortedKeys(c.Operations) {
		op := c.Operations[name]
		plan, err := pipeline.Parse(op.Pipeline)
		if err != nil {
			return fmt.Errorf("operation %s: %w", name, err)
		}
		for _, w := range plan.Workers() {
			if _, ok := c.Workers[w]; !ok {
				return fmt.Errorf("%w: operation %s uses unconfigured worker %q", pipeline.ErrConfig, name, w)
			}
		}
		switch op.Kind {
		case "frontend":
		case "backend":
			if op.Interval <= 0 {
				return fmt.Errorf("operation %s: interval must be positive", name)
			}
			if op.MinCount < 0 {
				return fmt.Errorf("operation %s: min_count cannot be negative", name)
			}
		default:
			return fmt.Errorf("%w: operation %s has invalid kind '%s', must be frontend or backend", pipeline.ErrConfig, name, op.Kind)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeConfigFile marshals with yaml.v3 so the yaml tags drive the layout.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
