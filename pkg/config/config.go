// Package config loads the agent's YAML configuration file. Interval
// fields are in seconds, matching the server's set-intervals directives.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds broker daemon configuration.
type Config struct {
	// URL is the management server's exchange endpoint.
	URL string `yaml:"url"`
	// DataDir holds the message queue and persisted state.
	DataDir string `yaml:"data_dir"`
	// SocketPath is the broker's IPC socket.
	SocketPath string `yaml:"socket"`

	ExchangeIntervalSecs       int `yaml:"exchange_interval"`
	UrgentExchangeIntervalSecs int `yaml:"urgent_exchange_interval"`
	MaxMessages                int `yaml:"max_messages"`
	PreExchangeLeadTimeSecs    int `yaml:"pre_exchange_lead_time"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// MetricsAddr serves prometheus metrics and health endpoints when
	// set (e.g. "127.0.0.1:9275").
	MetricsAddr string `yaml:"metrics_addr"`

	// PackageReporterCommand runs when package directives arrive.
	PackageReporterCommand string `yaml:"package_reporter"`

	path string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:                    "/var/lib/steward",
		SocketPath:                 "/var/lib/steward/broker.sock",
		ExchangeIntervalSecs:       900,
		UrgentExchangeIntervalSecs: 60,
		MaxMessages:                100,
		PreExchangeLeadTimeSecs:    10,
		LogLevel:                   "info",
	}
}

// Load reads the configuration file at path over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path
	if err := cfg.Reload(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads the file the configuration was loaded from.
func (c *Config) Reload() error {
	if c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", c.path, err)
	}
	return c.validate()
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.ExchangeIntervalSecs <= 0 || c.UrgentExchangeIntervalSecs <= 0 {
		return fmt.Errorf("config: exchange intervals must be positive")
	}
	if c.MaxMessages <= 0 {
		return fmt.Errorf("config: max_messages must be positive")
	}
	return nil
}

// ExchangeInterval returns the regular exchange period.
func (c *Config) ExchangeInterval() time.Duration {
	return time.Duration(c.ExchangeIntervalSecs) * time.Second
}

// UrgentExchangeInterval returns the urgent exchange period.
func (c *Config) UrgentExchangeInterval() time.Duration {
	return time.Duration(c.UrgentExchangeIntervalSecs) * time.Second
}

// PreExchangeLeadTime returns the impending-exchange lead time.
func (c *Config) PreExchangeLeadTime() time.Duration {
	return time.Duration(c.PreExchangeLeadTimeSecs) * time.Second
}
