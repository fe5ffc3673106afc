package config

import (
	"fmt"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server" yaml:"server"`
	Logging   LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox" yaml:"sandbox"`
	Pool      PoolConfig          `mapstructure:"pool" yaml:"pool"`
	Languages map[string]Language `mapstructure:"languages" yaml:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport" yaml:"transport"`
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode" yaml:"mode"`
	Level string `mapstructure:"level" yaml:"level"`
}

// SandboxConfig holds session configuration shared by all backends
type SandboxConfig struct {
	Backend            string  `mapstructure:"backend" yaml:"backend"`
	DockerHost         string  `mapstructure:"docker_host" yaml:"docker_host"`
	Workdir            string  `mapstructure:"workdir" yaml:"workdir"`
	TimeoutSec         int     `mapstructure:"timeout_sec" yaml:"timeout_sec"`
	Memory             string  `mapstructure:"memory" yaml:"memory"`
	CPUs               float64 `mapstructure:"cpus" yaml:"cpus"`
	NetworkEnabled     bool    `mapstructure:"network_enabled" yaml:"network_enabled"`
	StreamOutput       bool    `mapstructure:"stream_output" yaml:"stream_output"`
	EnableLocalBackend bool    `mapstructure:"enable_local_backend" yaml:"enable_local_backend"`
	MaxArtifactSizeMB  int     `mapstructure:"max_artifact_size_mb" yaml:"max_artifact_size_mb"`
}

// PoolConfig holds session pool configuration
type PoolConfig struct {
	MaxSessions       int `mapstructure:"max_sessions" yaml:"max_sessions"`
	WarmSessions      int `mapstructure:"warm_sessions" yaml:"warm_sessions"`
	AcquireTimeoutSec int `mapstructure:"acquire_timeout_sec" yaml:"acquire_timeout_sec"`
	IdleTimeoutSec    int `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec"`
	ReapIntervalSec   int `mapstructure:"reap_interval_sec" yaml:"reap_interval_sec"`
}

// Language holds per-language overrides
type Language struct {
	Image       string            `mapstructure:"image" yaml:"image"`
	Environment map[string]string `mapstructure:"environment" yaml:"environment"`
	PrefixCode  string            `mapstructure:"prefix_code" yaml:"prefix_code"`
	PostfixCode string            `mapstructure:"postfix_code" yaml:"postfix_code"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)

	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("sandbox.backend", "docker")
	viper.SetDefault("sandbox.docker_host", "")
	viper.SetDefault("sandbox.workdir", "/sandbox")
	viper.SetDefault("sandbox.timeout_sec", 30)
	viper.SetDefault("sandbox.memory", "512m")
	viper.SetDefault("sandbox.cpus", 1.0)
	viper.SetDefault("sandbox.network_enabled", false)
	viper.SetDefault("sandbox.stream_output", false)
	viper.SetDefault("sandbox.enable_local_backend", false)
	viper.SetDefault("sandbox.max_artifact_size_mb", 20)

	viper.SetDefault("pool.max_sessions", 4)
	viper.SetDefault("pool.warm_sessions", 0)
	viper.SetDefault("pool.acquire_timeout_sec", 30)
	viper.SetDefault("pool.idle_timeout_sec", 300)
	viper.SetDefault("pool.reap_interval_sec", 60)

	viper.SetDefault("languages.python.image", "python:3.11-slim")
	viper.SetDefault("languages.nodejs.image", "node:20-alpine")
	viper.SetDefault("languages.go.image", "golang:1.23-alpine")
	viper.SetDefault("languages.cpp.image", "gcc:13")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if _, err := units.RAMInBytes(c.Sandbox.Memory); err != nil {
		return fmt.Errorf("invalid sandbox.memory: %q: %w", c.Sandbox.Memory, err)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %g", c.Sandbox.CPUs)
	}

	if c.Sandbox.MaxArtifactSizeMB <= 0 {
		return fmt.Errorf("sandbox.max_artifact_size_mb must be positive, got: %d", c.Sandbox.MaxArtifactSizeMB)
	}

	if c.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be positive, got: %d", c.Pool.MaxSessions)
	}

	if c.Pool.WarmSessions < 0 || c.Pool.WarmSessions > c.Pool.MaxSessions {
		return fmt.Errorf("pool.warm_sessions must be between 0 and pool.max_sessions, got: %d", c.Pool.WarmSessions)
	}

	if c.Pool.AcquireTimeoutSec <= 0 {
		return fmt.Errorf("pool.acquire_timeout_sec must be positive, got: %d", c.Pool.AcquireTimeoutSec)
	}

	return nil
}

// String renders the effective configuration as YAML for startup logging.
func (c *Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config marshal error: %v>", err)
	}
	return string(out)
}

// Timeout returns the per-command execution bound as a duration
func (c *SandboxConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// AcquireTimeout returns the pool acquire bound as a duration
func (c *PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSec) * time.Second
}

// IdleTimeout returns the free-session idle bound as a duration
func (c *PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSec) * time.Second
}

// ReapInterval returns the idle-reaper scan interval as a duration
func (c *PoolConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSec) * time.Second
}
