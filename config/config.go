// Package config loads the service configuration and the printer fleet
// configuration. Service settings come from a TOML file overridden by
// environment variables; printers come from a JSON file layered under
// PRINTERNIZER_PRINTER_<ID>_<FIELD> environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the service settings consumed by the fleet coordinator.
type Config struct {
	// MonitoringInterval is the default driver polling cadence.
	MonitoringInterval time.Duration `toml:"-"`
	// ConnectionTimeout bounds outbound connect attempts.
	ConnectionTimeout time.Duration `toml:"-"`
	// DownloadsPath is the root directory for downloaded printer files.
	DownloadsPath string `toml:"downloads_path"`
	// PrintersFile is the JSON printer configuration file.
	PrintersFile string `toml:"printers_file"`
	// DatabasePath is the SQLite database path (empty = in-memory).
	DatabasePath string `toml:"database_path"`
	// LogLevel is one of ERROR, WARN, INFO, DEBUG.
	LogLevel string `toml:"log_level"`
	// LogDir is where log files are written (empty = console only).
	LogDir string `toml:"log_dir"`
	// ListenAddr is the address for the websocket event bridge.
	ListenAddr string `toml:"listen_addr"`
	// WatchFolders are local directories registered as file sources.
	WatchFolders []string `toml:"watch_folders"`

	AutoCreateJobs bool `toml:"auto_create_jobs"`

	Discovery DiscoveryConfig `toml:"discovery"`

	// TOML mirror fields for the durations above.
	MonitoringIntervalSeconds int `toml:"monitoring_interval_seconds"`
	ConnectionTimeoutSeconds  int `toml:"connection_timeout_seconds"`
}

// DiscoveryConfig controls mDNS network discovery of printer candidates.
type DiscoveryConfig struct {
	Enabled             bool `toml:"enabled"`
	TimeoutSeconds      int  `toml:"timeout_seconds"`
	RunOnStartup        bool `toml:"run_on_startup"`
	StartupDelaySeconds int  `toml:"startup_delay_seconds"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		MonitoringInterval: 30 * time.Second,
		ConnectionTimeout:  10 * time.Second,
		DownloadsPath:      "downloads",
		PrintersFile:       "printers.json",
		DatabasePath:       "printernizer.db",
		LogLevel:           "INFO",
		ListenAddr:         ":8087",
		AutoCreateJobs:     true,
		Discovery: DiscoveryConfig{
			Enabled:             false,
			TimeoutSeconds:      10,
			RunOnStartup:        false,
			StartupDelaySeconds: 5,
		},
	}
}

// Load reads the TOML config file (if present) and applies environment
// variable overrides. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}
	if cfg.MonitoringIntervalSeconds > 0 {
		cfg.MonitoringInterval = time.Duration(cfg.MonitoringIntervalSeconds) * time.Second
	}
	if cfg.ConnectionTimeoutSeconds > 0 {
		cfg.ConnectionTimeout = time.Duration(cfg.ConnectionTimeoutSeconds) * time.Second
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MONITORING_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.MonitoringInterval = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CONNECTION_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.ConnectionTimeout = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("DOWNLOADS_PATH"); v != "" {
		c.DownloadsPath = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("JOB_CREATION_AUTO_CREATE"); v != "" {
		c.AutoCreateJobs = ParseBool(v)
	}
	if v := os.Getenv("DISCOVERY_ENABLED"); v != "" {
		c.Discovery.Enabled = ParseBool(v)
	}
	if v := os.Getenv("DISCOVERY_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Discovery.TimeoutSeconds = secs
		}
	}
	if v := os.Getenv("DISCOVERY_RUN_ON_STARTUP"); v != "" {
		c.Discovery.RunOnStartup = ParseBool(v)
	}
	if v := os.Getenv("DISCOVERY_STARTUP_DELAY_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			c.Discovery.StartupDelaySeconds = secs
		}
	}
}

// ParseBool parses the accepted boolean spellings: true|1|yes|on.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// ResolveDownloadsRoot returns the absolute downloads root, creating it
// when missing.
func (c *Config) ResolveDownloadsRoot() (string, error) {
	abs, err := filepath.Abs(c.DownloadsPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve downloads path: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", fmt.Errorf("failed to create downloads directory: %w", err)
	}
	return abs, nil
}
