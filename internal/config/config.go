// Package config loads the daemon configuration from a YAML file and fills
// in defaults relative to the config file location.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config describes everything pluginhubd needs at startup.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Metrics    MetricsConfig           `yaml:"metrics"`
	Logging    LoggingConfig           `yaml:"logging"`
	Downloads  DownloadConfig          `yaml:"downloads"`
	Supervisor SupervisorConfig        `yaml:"supervisor"`
	History    HistoryConfig           `yaml:"history"`
	Events     EventsConfig            `yaml:"events"`
	Plugins    map[string]PluginConfig `yaml:"plugins"`
}

// ServerConfig controls the API listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// MetricsConfig controls the standalone metrics listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig mirrors pkg/logger.Config.
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"`
	OutputPaths []string `yaml:"output_paths"`
	AuditPath   string   `yaml:"audit_path"`
}

// DownloadConfig controls the artifact download pipeline.
type DownloadConfig struct {
	// BaseDir is the root under which per-plugin/per-task model
	// directories are created when a request has no destination override.
	BaseDir string `yaml:"base_dir"`
	// Endpoint is the model repository base URL.
	Endpoint string `yaml:"endpoint"`
	// TimeoutSeconds bounds a single download; zero means no limit.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SupervisorConfig controls process lifecycle handling.
type SupervisorConfig struct {
	StopGracePeriodSeconds int `yaml:"stop_grace_period_seconds"`
}

// StopGracePeriod returns the configured grace period as a duration.
func (c SupervisorConfig) StopGracePeriod() time.Duration {
	if c.StopGracePeriodSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.StopGracePeriodSeconds) * time.Second
}

// HistoryConfig selects the operation history backend.
type HistoryConfig struct {
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig carries the connection settings for the MySQL history store.
type MySQLConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// EventsConfig selects the lifecycle event publisher backend.
type EventsConfig struct {
	Driver   string         `yaml:"driver"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig carries connection settings for the Redis publisher.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

// RabbitMQConfig carries connection settings for the RabbitMQ publisher.
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// PluginConfig declares one installed plugin.
type PluginConfig struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	Capabilities  []string `yaml:"capabilities"`
	DefaultBinary string   `yaml:"default_binary"`
	DefaultArgs   []string `yaml:"default_args"`
}

// Load parses the YAML file at path and applies defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults fills unset fields with sensible values. Relative paths are
// resolved against the directory the config file lives in.
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8091"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9091"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Downloads.BaseDir == "" {
		c.Downloads.BaseDir = filepath.Join(baseDir, "plugins")
	} else if !filepath.IsAbs(c.Downloads.BaseDir) {
		c.Downloads.BaseDir = filepath.Join(baseDir, c.Downloads.BaseDir)
	}
	if c.Downloads.Endpoint == "" {
		c.Downloads.Endpoint = "https://huggingface.co"
	}
	if c.History.Driver == "" {
		c.History.Driver = "memory"
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Plugins == nil {
		c.Plugins = map[string]PluginConfig{}
	}
}

// Validate checks internal consistency before the daemon wires components.
func (c *Config) Validate() error {
	for id, plugin := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if len(plugin.Capabilities) == 0 {
			return fmt.Errorf("plugin %s declares no capabilities", id)
		}
	}
	if c.History.Driver == "mysql" && c.History.MySQL.DSN == "" {
		return errors.New("history.mysql.dsn is required for the mysql driver")
	}
	if c.Events.Driver == "redis" && c.Events.Redis.Address == "" {
		return errors.New("events.redis.address is required for the redis driver")
	}
	if c.Events.Driver == "rabbitmq" && c.Events.RabbitMQ.URL == "" {
		return errors.New("events.rabbitmq.url is required for the rabbitmq driver")
	}
	return nil
}
