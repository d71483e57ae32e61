// Package config loads the server configuration once at startup into an
// immutable value. There is no global mutable config: Config is
// constructed by Load and passed by dependency injection from there on.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of server options, with their documented defaults.
type Config struct {
	Debug bool `mapstructure:"debug"`

	HeartbeatIntervalMs int `mapstructure:"heartbeatIntervalMs"`
	ExecutionTimeoutMs  int `mapstructure:"executionTimeoutMs"`

	UseRoomodes   bool `mapstructure:"useRoomodes"`
	WatchRoomodes bool `mapstructure:"watchRoomodes"`

	MaxRetries   int `mapstructure:"maxRetries"`
	RetryDelayMs int `mapstructure:"retryDelayMs"`

	DBPath string `mapstructure:"dbPath"`

	MinConnections       int `mapstructure:"minConnections"`
	MaxConnections       int `mapstructure:"maxConnections"`
	ConnectionTimeoutMs  int `mapstructure:"connectionTimeoutMs"`
	BusyTimeoutMs        int `mapstructure:"busyTimeoutMs"`
	SchemaVersion        int `mapstructure:"schemaVersion"`

	// AssistantCommand is the external assistant CLI invoked per sub-task,
	// with the prompt piped to its stdin.
	AssistantCommand string   `mapstructure:"assistantCommand"`
	AssistantArgs    []string `mapstructure:"assistantArgs"`

	InstancePoolSize int `mapstructure:"instancePoolSize"`

	// MetricsAddr is the listen address for the prometheus /metrics
	// endpoint. Empty disables it.
	MetricsAddr string `mapstructure:"metricsAddr"`
}

// Defaults returns the documented default configuration.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Debug:                false,
		HeartbeatIntervalMs:  15_000,
		ExecutionTimeoutMs:   1_800_000,
		UseRoomodes:          false,
		WatchRoomodes:        false,
		MaxRetries:           3,
		RetryDelayMs:         1_000,
		DBPath:               filepath.Join(home, ".taskmeshd", "taskmesh.db"),
		MinConnections:       2,
		MaxConnections:       10,
		ConnectionTimeoutMs:  30_000,
		BusyTimeoutMs:        5_000,
		SchemaVersion:        1,
		AssistantCommand:     "claude",
		AssistantArgs:        nil,
		InstancePoolSize:     4,
		MetricsAddr:          ":9090",
	}
}

// Load reads configuration from (in ascending priority) defaults, an
// optional YAML file at path, and environment variables prefixed TASKMESH_.
// Returns a single immutable Config value.
func Load(path string) (Config, error) {
	v := viper.New()
	d := Defaults()
	v.SetDefault("debug", d.Debug)
	v.SetDefault("heartbeatIntervalMs", d.HeartbeatIntervalMs)
	v.SetDefault("executionTimeoutMs", d.ExecutionTimeoutMs)
	v.SetDefault("useRoomodes", d.UseRoomodes)
	v.SetDefault("watchRoomodes", d.WatchRoomodes)
	v.SetDefault("maxRetries", d.MaxRetries)
	v.SetDefault("retryDelayMs", d.RetryDelayMs)
	v.SetDefault("dbPath", d.DBPath)
	v.SetDefault("minConnections", d.MinConnections)
	v.SetDefault("maxConnections", d.MaxConnections)
	v.SetDefault("connectionTimeoutMs", d.ConnectionTimeoutMs)
	v.SetDefault("busyTimeoutMs", d.BusyTimeoutMs)
	v.SetDefault("schemaVersion", d.SchemaVersion)
	v.SetDefault("assistantCommand", d.AssistantCommand)
	v.SetDefault("assistantArgs", d.AssistantArgs)
	v.SetDefault("instancePoolSize", d.InstancePoolSize)
	v.SetDefault("metricsAddr", d.MetricsAddr)

	v.SetEnvPrefix("TASKMESH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// HeartbeatInterval returns HeartbeatIntervalMs as a time.Duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// ExecutionTimeout returns ExecutionTimeoutMs as a time.Duration.
func (c Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMs) * time.Millisecond
}

// ConnectionTimeout returns ConnectionTimeoutMs as a time.Duration.
func (c Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMs) * time.Millisecond
}

// BusyTimeout returns BusyTimeoutMs as a time.Duration.
func (c Config) BusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMs) * time.Millisecond
}
