package render

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the runtime configuration for the render service. Durations
// are plain integers with the unit in the field name so the YAML stays
// obvious.
type Config struct {
	ListenAddr    string `yaml:"listen_addr"`
	PublicBaseURL string `yaml:"public_base_url"`
	DataDir       string `yaml:"data_dir"`

	PoolSize              int `yaml:"pool_size"`
	MaxQueueLength        int `yaml:"max_queue_length"`
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds"`

	MaxHTMLBytes int `yaml:"max_html_bytes"`
	MaxCSSBytes  int `yaml:"max_css_bytes"`

	RetentionMinutes     int `yaml:"retention_minutes"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	CacheMaxEntries int   `yaml:"cache_max_entries"`
	CacheMaxBytes   int64 `yaml:"cache_max_bytes"`
	CacheTTLSeconds int   `yaml:"cache_ttl_seconds"`

	AuthEndpoint       string `yaml:"auth_endpoint"`
	AuthTimeoutSeconds int    `yaml:"auth_timeout_seconds"`

	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		ListenAddr:             ":8080",
		DataDir:                "data",
		PoolSize:               2,
		MaxQueueLength:         20,
		StartupTimeoutSeconds:  30,
		MaxHTMLBytes:           2 * 1024 * 1024,
		MaxCSSBytes:            512 * 1024,
		RetentionMinutes:       60,
		SweepIntervalSeconds:   60,
		CacheMaxEntries:        256,
		CacheMaxBytes:          64 * 1024 * 1024,
		CacheTTLSeconds:        60,
		AuthTimeoutSeconds:     5,
		ShutdownTimeoutSeconds: 15,
		LogLevel:               "info",
	}
}

// LoadConfig reads a YAML config file, layering it over the defaults and
// then applying environment overrides. An empty path loads defaults plus
// environment only.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RENDER_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("RENDER_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RENDER_PUBLIC_BASE_URL"); v != "" {
		c.PublicBaseURL = v
	}
	if v := os.Getenv("RENDER_AUTH_ENDPOINT"); v != "" {
		c.AuthEndpoint = v
	}
	if v := os.Getenv("RENDER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RENDER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PoolSize = n
		}
	}
	if v := os.Getenv("RENDER_MAX_QUEUE_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.MaxQueueLength = n
		}
	}
}

func (c *Config) validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1")
	}
	if c.MaxQueueLength < 0 {
		return fmt.Errorf("max_queue_length must not be negative")
	}
	if c.RetentionMinutes < 1 {
		return fmt.Errorf("retention_minutes must be at least 1")
	}
	if c.SweepIntervalSeconds < 1 {
		return fmt.Errorf("sweep_interval_seconds must be at least 1")
	}
	return nil
}

// Limits returns the markup size bounds for the validator.
func (c *Config) Limits() Limits {
	return Limits{MaxHTMLBytes: c.MaxHTMLBytes, MaxCSSBytes: c.MaxCSSBytes}
}

func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}
