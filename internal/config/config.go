package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultBaselineFile is where snapshots are written when nothing else is configured.
	DefaultBaselineFile = "snapshot.json"

	// DefaultMonitorInterval is the minimum spacing between two triggered comparisons.
	DefaultMonitorInterval = 2 * time.Second

	// DefaultAlertTimeout bounds a single alert delivery.
	DefaultAlertTimeout = 10 * time.Second
)

// Config represents the complete driftwatch configuration
type Config struct {
	Paths   PathsConfig   `yaml:"paths"`
	Monitor MonitorConfig `yaml:"monitor"`
	Alert   AlertConfig   `yaml:"alert"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	BaselineFile string `yaml:"baseline_file"`
}

// MonitorConfig configures the continuous monitoring loop
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	Exclude  []string      `yaml:"exclude"`
}

// AlertConfig configures where drift alerts are delivered
type AlertConfig struct {
	Enabled    bool          `yaml:"enabled"`
	WebhookURL string        `yaml:"webhook_url"`
	SecretFile string        `yaml:"secret_file"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures log output
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.BaselineFile = os.ExpandEnv(c.Paths.BaselineFile)
	for i, pattern := range c.Monitor.Exclude {
		c.Monitor.Exclude[i] = os.ExpandEnv(pattern)
	}
	c.Alert.WebhookURL = os.ExpandEnv(c.Alert.WebhookURL)
	c.Alert.SecretFile = os.ExpandEnv(c.Alert.SecretFile)
	c.Metrics.ListenAddr = os.ExpandEnv(c.Metrics.ListenAddr)
	c.Log.File = os.ExpandEnv(c.Log.File)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Paths.BaselineFile == "" {
		c.Paths.BaselineFile = DefaultBaselineFile
	}
	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = DefaultMonitorInterval
	}
	if c.Alert.Timeout == 0 {
		c.Alert.Timeout = DefaultAlertTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Paths.BaselineFile == "" {
		return fmt.Errorf("paths.baseline_file is required")
	}

	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive: %s", c.Monitor.Interval)
	}

	if c.Alert.Timeout <= 0 {
		return fmt.Errorf("alert.timeout must be positive: %s", c.Alert.Timeout)
	}
	if c.Alert.WebhookURL != "" {
		u, err := url.Parse(c.Alert.WebhookURL)
		if err != nil {
			return fmt.Errorf("alert.webhook_url is invalid: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("alert.webhook_url must use http or https: %s", c.Alert.WebhookURL)
		}
		if u.Host == "" {
			return fmt.Errorf("alert.webhook_url has no host: %s", c.Alert.WebhookURL)
		}
	}
	if c.Alert.SecretFile != "" && c.Alert.WebhookURL == "" {
		return fmt.Errorf("alert.secret_file is set but alert.webhook_url is empty")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
		// valid
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	return nil
}

// WebhookEnabled returns true if alerts are delivered over HTTP
func (c *Config) WebhookEnabled() bool {
	return c.Alert.WebhookURL != ""
}
