// Package config handles obscore configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is a var so tests can override it without touching the
// real filesystem search order.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/obscore/config.yaml, /config/config.yaml,
// /etc/obscore/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "obscore", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/obscore/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all obscore configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	DBPath   string         `yaml:"db_path"`
	LogLevel string         `yaml:"log_level"`
	Session  SessionConfig  `yaml:"session"`
	Fanout   FanoutConfig   `yaml:"fanout"`
}

// ListenConfig defines the browser fan-out server's bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // "" = all interfaces
	Port    int    `yaml:"port"`
}

// UpstreamConfig defines how to reach IC.
type UpstreamConfig struct {
	WSURL          string `yaml:"ws_url"`
	SubscribeFrame string `yaml:"subscribe_frame"`
	HistoryURL     string `yaml:"history_url"`
	Timezone       string `yaml:"timezone"`
}

// SessionConfig tunes the reducer's session-related behavior.
type SessionConfig struct {
	TargetExpiry time.Duration `yaml:"target_expiry"`
	// RecentEventsCap is parsed and defaulted but not read by the reducer,
	// which always caps the recent-events ring at obsstate.RecentEventsCap.
	RecentEventsCap int `yaml:"recent_events_cap"`
}

// FanoutConfig tunes the browser-facing WebSocket server.
type FanoutConfig struct {
	ClientCap         int           `yaml:"client_cap"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
}

// Load reads configuration from a YAML file, applies the PORT/IC_TZ/DB_PATH
// environment overrides, fills in defaults, and validates the result.
// After Load returns successfully, all fields are usable without
// additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies the PORT, IC_TZ, and DB_PATH environment
// variables as discrete overrides of the corresponding YAML fields. Unlike
// os.ExpandEnv's ${VAR} interpolation, these are first-class named env
// vars checked independently of what the YAML file contains.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Listen.Port = port
		}
	}
	if v := os.Getenv("IC_TZ"); v != "" {
		c.Upstream.Timezone = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3001
	}
	if c.Upstream.WSURL == "" {
		c.Upstream.WSURL = "ws://localhost:1888/v2/socket"
	}
	if c.Upstream.SubscribeFrame == "" {
		c.Upstream.SubscribeFrame = "SUBSCRIBE /v2/socket"
	}
	if c.Upstream.HistoryURL == "" {
		c.Upstream.HistoryURL = "http://localhost:1888/event-history"
	}
	if c.Upstream.Timezone == "" {
		c.Upstream.Timezone = "America/Los_Angeles"
	}
	if c.DBPath == "" {
		c.DBPath = "./data/obscore.db"
	}
	if c.Session.TargetExpiry == 0 {
		c.Session.TargetExpiry = 8 * time.Hour
	}
	if c.Session.RecentEventsCap == 0 {
		c.Session.RecentEventsCap = 50
	}
	if c.Fanout.ClientCap == 0 {
		c.Fanout.ClientCap = 100
	}
	if c.Fanout.HeartbeatInterval == 0 {
		c.Fanout.HeartbeatInterval = 20 * time.Second
	}
	if c.Fanout.SendTimeout == 0 {
		c.Fanout.SendTimeout = 5 * time.Second
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.Upstream.WSURL == "" {
		return fmt.Errorf("upstream.ws_url must not be empty")
	}
	if _, err := time.LoadLocation(c.Upstream.Timezone); err != nil {
		return fmt.Errorf("upstream.timezone %q: %w", c.Upstream.Timezone, err)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Session.TargetExpiry <= 0 {
		return fmt.Errorf("session.target_expiry must be positive")
	}
	if c.Fanout.ClientCap < 1 {
		return fmt.Errorf("fanout.client_cap must be at least 1")
	}
	return nil
}

// Default returns a default configuration suitable for local development
// against an IC instance on localhost. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
