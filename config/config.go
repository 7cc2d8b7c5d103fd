package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vxlab/granary/internal/errors"
)

// Config is the complete daemon configuration.
type Config struct {
	// DataDir is the root directory for shared state files.
	DataDir string `yaml:"data_dir"`

	// Shards selects the managed shards: "ALL", empty, or a comma list
	// with ranges ("0,1,8-15").
	Shards string `yaml:"shards"`

	// Push configures the shard-state pusher.
	Push PushConfig `yaml:"push"`

	// Pull configures the shard-state puller.
	Pull PullConfig `yaml:"pull"`

	// Rollup configures rollup scheduling.
	Rollup RollupConfig `yaml:"rollup"`

	// ReportInterval is how often a telemetry snapshot is logged.
	ReportInterval time.Duration `yaml:"report_interval"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// PushConfig configures the shard-state pusher.
type PushConfig struct {
	// Interval between dirty-state flushes.
	Interval time.Duration `yaml:"interval"`
}

// PullConfig configures the shard-state puller.
type PullConfig struct {
	// Interval between peer-state reads.
	Interval time.Duration `yaml:"interval"`
}

// RollupConfig configures rollup scheduling.
type RollupConfig struct {
	// MaxAge is how long a slot must go without updates before rollup.
	MaxAge time.Duration `yaml:"max_age"`

	// ScanInterval between scans for due slots.
	ScanInterval time.Duration `yaml:"scan_interval"`

	// Workers is the number of concurrent rollup executions.
	Workers int `yaml:"workers"`

	// QueueSize is the rollup job queue capacity.
	QueueSize int `yaml:"queue_size"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`
}

// Load loads configuration from a YAML file, over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir,
		Shards:  DefaultShardSpec,
		Push: PushConfig{
			Interval: DefaultPushInterval,
		},
		Pull: PullConfig{
			Interval: DefaultPullInterval,
		},
		Rollup: RollupConfig{
			MaxAge:       DefaultRollupMaxAge,
			ScanInterval: DefaultRollupScanInterval,
			Workers:      DefaultRollupWorkers,
			QueueSize:    DefaultRollupQueueSize,
		},
		ReportInterval: DefaultReportInterval,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.Wrap(errors.ErrInvalidConfig, "data_dir must not be empty")
	}
	if c.Push.Interval <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "push.interval must be positive")
	}
	if c.Pull.Interval <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "pull.interval must be positive")
	}
	if c.Rollup.MaxAge <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "rollup.max_age must be positive")
	}
	if c.Rollup.ScanInterval <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "rollup.scan_interval must be positive")
	}
	if c.Rollup.Workers <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "rollup.workers must be positive")
	}
	if c.Rollup.QueueSize <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "rollup.queue_size must be positive")
	}
	if c.ReportInterval <= 0 {
		return errors.Wrap(errors.ErrInvalidConfig, "report_interval must be positive")
	}
	if _, err := ParseShards(c.Shards); err != nil {
		return err
	}
	return nil
}

// ManagedShards resolves the shard spec into shard ids.
func (c *Config) ManagedShards() ([]int32, error) {
	return ParseShards(c.Shards)
}
