// Package config holds application configuration
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/gattc/internal/central"
)

// Config holds application configuration
type Config struct {
	LogLevel         string        `yaml:"log_level" default:"info"`
	ScanTimeout      time.Duration `yaml:"scan_timeout" default:"10s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"10s"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" default:"30s"`
	EventBuffer      int           `yaml:"event_buffer" default:"128"`
	OutputFormat     string        `yaml:"output_format" default:"table"` // table, json
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	c := &Config{}
	defaults.SetDefaults(c)
	return c
}

// Load reads configuration from a YAML file, falling back to defaults
// for any unset field.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field values that cannot be checked by parsing alone
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.OutputFormat != "table" && c.OutputFormat != "json" {
		return fmt.Errorf("invalid output format %q: must be table or json", c.OutputFormat)
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event buffer must be positive, got %d", c.EventBuffer)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// CoordinatorOptions maps the configuration onto coordinator options
func (c *Config) CoordinatorOptions() *central.CoordinatorOptions {
	return &central.CoordinatorOptions{EventBuffer: c.EventBuffer}
}

// BridgeOptions maps the configuration onto bridge options
func (c *Config) BridgeOptions() *central.BridgeOptions {
	return &central.BridgeOptions{
		OperationTimeout: c.OperationTimeout,
		ConnectTimeout:   c.ConnectTimeout,
	}
}
