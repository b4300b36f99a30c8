package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the kprocd daemon.
type ServerConfig struct {
	Addr      string `yaml:"addr"`       // Listen address (default ":8080")
	LogLevel  string `yaml:"log_level"`  // Log level: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // Log format: text, json, auto
	DBPath    string `yaml:"db"`         // SQLite trace database (default ~/.kproc/trace.db, ":memory:" for testing)
}

// SchedulerConfig holds the simulated kernel's tunables.
type SchedulerConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`    // Timer interrupt period
	DefaultQuantum int           `yaml:"default_quantum"`  // Quantum for records that do not set one
	StackSize      uint64        `yaml:"stack_size"`       // Bytes per kernel and signal stack
	MaxImageMemory uint64        `yaml:"max_image_memory"` // Largest user segment a spawn may request
	StepTimeout    time.Duration `yaml:"step_timeout"`     // Wall-clock budget for one program step
	Label          string        `yaml:"label"`            // Free-form run label stored with the trace
}

// Config is the file layout accepted by Load.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:      ":8080",
		LogLevel:  "info",
		LogFormat: "auto",
	}
}

// DefaultMaxImageMemory caps a spawned image at 256 MiB. Address spaces are
// mapped page by page when the image is built.
const DefaultMaxImageMemory = 256 << 20

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:   10 * time.Millisecond,
		DefaultQuantum: 1,
		StackSize:      16 * 4096,
		MaxImageMemory: DefaultMaxImageMemory,
		StepTimeout:    100 * time.Millisecond,
	}
}

// Default returns a Config with every section at its defaults.
func Default() Config {
	return Config{
		Server:    DefaultServerConfig(),
		Scheduler: DefaultSchedulerConfig(),
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the kernel cannot run with.
func (c Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive, got %s", c.Scheduler.TickInterval)
	}
	if c.Scheduler.DefaultQuantum < 1 {
		return fmt.Errorf("scheduler.default_quantum must be at least 1, got %d", c.Scheduler.DefaultQuantum)
	}
	if c.Scheduler.StackSize < 4096 {
		return fmt.Errorf("scheduler.stack_size must be at least one page, got %d", c.Scheduler.StackSize)
	}
	if c.Scheduler.MaxImageMemory < 4096 {
		return fmt.Errorf("scheduler.max_image_memory must be at least one page, got %d", c.Scheduler.MaxImageMemory)
	}
	return nil
}
