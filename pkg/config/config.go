package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the orchestrator configuration, loaded from a YAML file with
// DROVER_* environment overrides
type Config struct {
	OrchestratorID string `mapstructure:"orchestrator_id"`
	Cluster        string `mapstructure:"cluster"`
	MachineID      string `mapstructure:"machine_id"`

	StoreURL     string        `mapstructure:"store_url"`
	StoreTimeout time.Duration `mapstructure:"store_timeout"`

	RepoRoot       string `mapstructure:"repo_root"`
	RuntimeDir     string `mapstructure:"runtime_dir"` // lock, pool, state, journal
	SandboxDir     string `mapstructure:"sandbox_dir"`
	FlowsDir       string `mapstructure:"flows_dir"`
	BlueprintsFile string `mapstructure:"blueprints_file"`

	WorkerBin   string `mapstructure:"worker_bin"`
	Remote      string `mapstructure:"remote"`
	Interpreter string `mapstructure:"interpreter"`
	TestCommand string `mapstructure:"test_command"`

	TickDeadline time.Duration `mapstructure:"tick_deadline"`
	RunInterval  time.Duration `mapstructure:"run_interval"`

	MaxClaimed     int `mapstructure:"max_claimed"`
	MaxProvisional int `mapstructure:"max_provisional"`

	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Load reads the orchestrator configuration. path may be empty, in which
// case defaults and environment variables alone apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("store_timeout", 10*time.Second)
	v.SetDefault("runtime_dir", "/var/lib/drover")
	v.SetDefault("remote", "origin")
	v.SetDefault("interpreter", "/bin/sh")
	v.SetDefault("tick_deadline", 30*time.Second)
	v.SetDefault("run_interval", 10*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetEnvPrefix("DROVER")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("malformed config: %w", err)
	}

	if cfg.SandboxDir == "" {
		cfg.SandboxDir = filepath.Join(cfg.RuntimeDir, "sandboxes")
	}
	if cfg.MachineID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.MachineID = host
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.OrchestratorID == "" {
		return fmt.Errorf("orchestrator_id is required")
	}
	if c.StoreURL == "" {
		return fmt.Errorf("store_url is required")
	}
	if c.RepoRoot == "" {
		return fmt.Errorf("repo_root is required")
	}
	if c.FlowsDir == "" {
		return fmt.Errorf("flows_dir is required")
	}
	if c.BlueprintsFile == "" {
		return fmt.Errorf("blueprints_file is required")
	}
	if c.WorkerBin == "" {
		return fmt.Errorf("worker_bin is required")
	}
	return nil
}

// PoolDir is where PID files live
func (c *Config) PoolDir() string { return filepath.Join(c.RuntimeDir, "pool") }

// StatePath is the scheduler-state JSON file
func (c *Config) StatePath() string { return filepath.Join(c.RuntimeDir, "state.json") }

// LockPath is the tick lock file
func (c *Config) LockPath() string { return filepath.Join(c.RuntimeDir, "tick.lock") }

// DataDir holds the journal database
func (c *Config) DataDir() string { return c.RuntimeDir }
