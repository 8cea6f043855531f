// Package config loads runtime settings from an optional YAML file and the
// environment. Environment variables win over the file, the file wins over
// defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone = "UTC"
	configPathEnv   = "DISPUTEFLOW_CONFIG"
	databaseURLEnv  = "DATABASE_URL"
	logLevelEnv     = "LOG_LEVEL"
	scheduleEnv     = "EXPIRY_SCHEDULE"
	serverAddrEnv   = "SERVER_ADDR"
	workersEnv      = "CLASSIFY_WORKERS"
	timezoneEnv     = "TIMEZONE"
	statsMaxAgeEnv  = "STATS_MAX_AGE"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Expiry   ExpiryConfig   `yaml:"expiry"`
	Server   ServerConfig   `yaml:"server"`
	Classify ClassifyConfig `yaml:"classify"`
	Identity IdentityConfig `yaml:"identity"`
	Stats    StatsConfig    `yaml:"stats"`
}

// DatabaseConfig holds the Postgres DSN. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ExpiryConfig schedules the stale-dispute sweep.
type ExpiryConfig struct {
	CronExpression string         `yaml:"cronExpression"`
	Timezone       string         `yaml:"timezone"`
	location       *time.Location `yaml:"-"`
}

// Location resolves the sweep timezone.
func (e ExpiryConfig) Location() *time.Location {
	if e.location != nil {
		return e.location
	}
	return time.UTC
}

// ServerConfig is the listen address of the HTTP server, which carries the
// API, /health and /metrics.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type ClassifyConfig struct {
	Workers int `yaml:"workers"`
}

type IdentityConfig struct {
	IncludeOpenDate bool `yaml:"includeOpenDate"`
}

// StatsConfig bounds how stale served statistics may get when another
// process writes to the same store.
type StatsConfig struct {
	MaxAge time.Duration `yaml:"maxAge"`
}

// Load reads the YAML file named by DISPUTEFLOW_CONFIG (if set) and applies
// environment overrides.
func Load() (Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg = mergeConfig(cfg, fileCfg)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return Config{}, err
	}
	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(databaseURLEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(scheduleEnv); v != "" {
		c.Expiry.CronExpression = v
	}
	if v := os.Getenv(timezoneEnv); v != "" {
		c.Expiry.Timezone = v
	}
	if v := os.Getenv(serverAddrEnv); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(statsMaxAgeEnv); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration, got %q", statsMaxAgeEnv, v)
		}
		c.Stats.MaxAge = d
	}
	if v := os.Getenv(workersEnv); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("config: %s must be a positive integer, got %q", workersEnv, v)
		}
		c.Classify.Workers = n
	}
	return nil
}

func (c *Config) bindTimezone() error {
	tz := c.Expiry.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("config: unknown timezone %q: %w", tz, err)
	}
	c.Expiry.location = loc
	return nil
}

func mergeConfig(base, override Config) Config {
	if override.Database.DSN != "" {
		base.Database = override.Database
	}
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Expiry.CronExpression != "" {
		base.Expiry.CronExpression = override.Expiry.CronExpression
	}
	if override.Expiry.Timezone != "" {
		base.Expiry.Timezone = override.Expiry.Timezone
	}
	if override.Server.Addr != "" {
		base.Server.Addr = override.Server.Addr
	}
	if override.Stats.MaxAge > 0 {
		base.Stats.MaxAge = override.Stats.MaxAge
	}
	if override.Classify.Workers > 0 {
		base.Classify.Workers = override.Classify.Workers
	}
	if override.Identity.IncludeOpenDate {
		base.Identity.IncludeOpenDate = true
	}
	return base
}

func defaultConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info"},
		Expiry:   ExpiryConfig{CronExpression: "0 3 * * *", Timezone: defaultTimezone},
		Server:   ServerConfig{Addr: ":9090"},
		Classify: ClassifyConfig{Workers: 4},
		Stats:    StatsConfig{MaxAge: time.Minute},
	}
}
