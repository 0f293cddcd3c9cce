// Package config resolves gateway configuration with the precedence
// defaults < file < environment < flags.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway settings plus the cluster extensions.
type Config struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConcurrency int           `yaml:"max_concurrency"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	APIKey         string        `yaml:"api_key"`
	Owner          string        `yaml:"owner"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`

	EnableCluster     bool          `yaml:"enable_cluster"`
	WorkerID          string        `yaml:"worker_id"`
	WorkerListenHost  string        `yaml:"worker_listen_host"`
	WorkerListenPort  int           `yaml:"worker_listen_port"`
	WorkerTimeout     time.Duration `yaml:"worker_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// SetDefaults initializes c with built-in defaults.
func (c *Config) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 10
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = 5 * time.Second
	}
	if c.Owner == "" {
		c.Owner = "openai-api"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.WorkerListenHost == "" {
		c.WorkerListenHost = "0.0.0.0"
	}
	if c.WorkerTimeout == 0 {
		c.WorkerTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
}

// LoadFile populates the config from a YAML file.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyEnv overlays environment variables onto the current values.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CONFIG_FILE"); v != "" {
		c.ConfigFile = v
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrency = n
		}
	}
	if v := os.Getenv("DEFAULT_TIMEOUT"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			c.DefaultTimeout = d
		}
	}
	if v := os.Getenv("WAIT_TIMEOUT"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			c.WaitTimeout = d
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("OWNER"); v != "" {
		c.Owner = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("ENABLE_CLUSTER"); v != "" {
		c.EnableCluster = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		c.WorkerID = v
	}
	if v := os.Getenv("WORKER_TIMEOUT"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			c.WorkerTimeout = d
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := parseSecondsOrDuration(v); err == nil {
			c.HeartbeatInterval = d
		}
	}
}

// BindFlags binds command line flags using the current values as defaults;
// main calls flag.Parse afterwards.
func (c *Config) BindFlags() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "gateway config file path")
	flag.StringVar(&c.Host, "host", c.Host, "listen host for the public API")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.IntVar(&c.MaxConcurrency, "max-concurrency", c.MaxConcurrency, "maximum in-flight inference requests")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "bearer token required for requests; leave empty to disable auth")
	flag.StringVar(&c.Owner, "owner", c.Owner, "owned_by value reported by /models")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.BoolVar(&c.EnableCluster, "cluster", c.EnableCluster, "enable master/worker clustering")
	flag.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "worker identifier; generated when empty")
	flag.Func("request-timeout", "request timeout in seconds without handler activity", func(v string) error {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return err
		}
		c.DefaultTimeout = d
		return nil
	})
	flag.Func("wait-timeout", "seconds to wait for a free concurrency slot", func(v string) error {
		d, err := parseSecondsOrDuration(v)
		if err != nil {
			return err
		}
		c.WaitTimeout = d
		return nil
	})
}

// parseSecondsOrDuration accepts either a bare number of seconds ("120",
// "1.5") or a Go duration string ("90s", "2m").
func parseSecondsOrDuration(v string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}
