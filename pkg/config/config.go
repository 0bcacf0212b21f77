package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var GlobalConfig *Config

// Config global configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Poller    PollerConfig    `yaml:"poller"`
	Launch    LaunchConfig    `yaml:"launch"`
	Stop      StopConfig      `yaml:"stop"`
	Health    HealthConfig    `yaml:"health"`
	Logger    LoggerConfig    `yaml:"logger"`
	Clusters  []ClusterConfig `yaml:"clusters"`
}

// ServerConfig HTTP gateway configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release
}

// SchedulerConfig scheduler gateway endpoints
type SchedulerConfig struct {
	BaseURL        string        `yaml:"base_url"`   // REST endpoint, e.g. http://gateway:8600
	EventsURL      string        `yaml:"events_url"` // websocket endpoint, e.g. ws://gateway:8600
	APIKey         string        `yaml:"api_key"`    // bearer key (optional, empty disables auth)
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PollerConfig status poller configuration
type PollerConfig struct {
	Interval      time.Duration `yaml:"interval"`       // full snapshot interval
	FailureBudget int           `yaml:"failure_budget"` // consecutive failures before degraded
}

// LaunchConfig launch orchestration configuration
type LaunchConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"` // bound on waiting-for-assignment
}

// StopConfig stop orchestration configuration
type StopConfig struct {
	Deadline time.Duration `yaml:"deadline"` // confirmation deadline before optimistic resolution
}

// HealthConfig cluster health history configuration
type HealthConfig struct {
	HistorySize int `yaml:"history_size"` // ring capacity per cluster
}

// LoggerConfig logger configuration
type LoggerConfig struct {
	Level  string           `yaml:"level"`  // debug, info, warn, error
	Output string           `yaml:"output"` // console, file, both
	File   LoggerFileConfig `yaml:"file"`
}

// LoggerFileConfig logger file configuration
type LoggerFileConfig struct {
	Path string `yaml:"path"`
}

// ClusterConfig describes one batch cluster and its partition limits.
type ClusterConfig struct {
	Name      string          `yaml:"name"`
	Partition PartitionLimits `yaml:"partition"`
}

// PartitionLimits caps a launch request for one cluster partition. Zero
// MaxGPUs means the partition has no accelerators.
type PartitionLimits struct {
	MaxCPUs      int      `yaml:"max_cpus"`
	MaxMemory    string   `yaml:"max_memory"`   // scheduler format, e.g. "512G"
	MaxWalltime  string   `yaml:"max_walltime"` // scheduler format, e.g. "72:00:00"
	MaxGPUs      int      `yaml:"max_gpus"`
	Accelerators []string `yaml:"accelerators,omitempty"` // allowed accelerator names
}

// Defaults used when the file omits or misconfigures a value.
const (
	DefaultPollInterval   = 30 * time.Second
	DefaultFailureBudget  = 3
	DefaultWaitTimeout    = 30 * time.Minute
	DefaultStopDeadline   = 30 * time.Second
	DefaultHistorySize    = 60
	DefaultRequestTimeout = 15 * time.Second
	DefaultServerPort     = 8600
)

// Init initializes configuration from CONFIG_PATH (default
// config/config.yaml) and applies defaults for missing or invalid values.
func Init() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}

	if err := validateAndApplyDefaults(&cfg); err != nil {
		return err
	}

	GlobalConfig = &cfg
	return nil
}

// validateAndApplyDefaults replaces non-positive or missing tuning values
// with defaults so a sparse config file still yields an operational system.
// Structural problems (no scheduler URL) are errors, not defaultable.
func validateAndApplyDefaults(cfg *Config) error {
	if cfg.Scheduler.BaseURL == "" {
		return fmt.Errorf("scheduler.base_url is required")
	}
	if cfg.Scheduler.EventsURL == "" {
		return fmt.Errorf("scheduler.events_url is required")
	}
	if cfg.Scheduler.RequestTimeout <= 0 {
		cfg.Scheduler.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Poller.Interval <= 0 {
		cfg.Poller.Interval = DefaultPollInterval
	}
	if cfg.Poller.FailureBudget <= 0 {
		cfg.Poller.FailureBudget = DefaultFailureBudget
	}
	if cfg.Launch.WaitTimeout <= 0 {
		cfg.Launch.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Stop.Deadline <= 0 {
		cfg.Stop.Deadline = DefaultStopDeadline
	}
	if cfg.Health.HistorySize <= 0 {
		cfg.Health.HistorySize = DefaultHistorySize
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = DefaultServerPort
	}
	return nil
}

// LimitsFor returns the partition limits for the named cluster, or false if
// the cluster is not configured.
func (c *Config) LimitsFor(cluster string) (PartitionLimits, bool) {
	for _, cl := range c.Clusters {
		if cl.Name == cluster {
			return cl.Partition, true
		}
	}
	return PartitionLimits{}, false
}
