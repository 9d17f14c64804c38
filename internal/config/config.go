// Package config holds the terminal-side configuration for the offline engine.
// Configuration is loaded from a YAML file, overridden by PDC_POS_* environment
// variables, and falls back to safe defaults when the file is absent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all offline engine configuration.
type Config struct {
	// Terminal identity, reported with every remote submission.
	TerminalID string `yaml:"terminal_id"`

	// DataDir is the root for the local database, logs and key material.
	DataDir string `yaml:"data_dir"`

	Store        StoreConfig        `yaml:"store"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Auth         AuthConfig         `yaml:"auth"`
	Session      SessionConfig      `yaml:"session"`
	Sync         SyncConfig         `yaml:"sync"`
	Remote       RemoteConfig       `yaml:"remote"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StoreConfig configures the local SQLite store.
type StoreConfig struct {
	// Path to the database file. Relative paths resolve under DataDir.
	DatabasePath string `yaml:"database_path"`
	// BusyTimeout is handed to the sqlite driver as _busy_timeout.
	BusyTimeout string `yaml:"busy_timeout"`
}

// ConnectivityConfig configures the connectivity monitor.
type ConnectivityConfig struct {
	// ProbeInterval is how often the reachability probe runs.
	ProbeInterval string `yaml:"probe_interval"`
	// ProbeTimeout bounds one reachability round trip.
	ProbeTimeout string `yaml:"probe_timeout"`
	// FailureThreshold is how many consecutive probe failures force Offline
	// while the device still reports network presence.
	FailureThreshold int `yaml:"failure_threshold"`
}

// AuthConfig configures the offline authenticator.
type AuthConfig struct {
	// PINLength is the required credential length (digits).
	PINLength int `yaml:"pin_length"`
	// MaxFailedAttempts before a lockout is imposed.
	MaxFailedAttempts int `yaml:"max_failed_attempts"`
	// LockoutDuration is how long a locked user stays locked.
	LockoutDuration string `yaml:"lockout_duration"`
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	// MaxIdle is how long since last access before a session is invalid.
	MaxIdle string `yaml:"max_idle"`
	// TokenTTL bounds the signed session token lifetime.
	TokenTTL string `yaml:"token_ttl"`
}

// SyncConfig configures the sync engine.
type SyncConfig struct {
	// MaxAttempts is the per-operation retry ceiling before quarantine.
	MaxAttempts int `yaml:"max_attempts"`
	// DrainInterval is the periodic drain cadence while online.
	DrainInterval string `yaml:"drain_interval"`
	// QueueCap triggers archival of the oldest pending items when exceeded.
	QueueCap int `yaml:"queue_cap"`
	// QueueKeep is how many pending items survive an overflow archival.
	QueueKeep int `yaml:"queue_keep"`
	// CompletedRetention is how long synced audit rows are kept.
	CompletedRetention string `yaml:"completed_retention"`
	// AuditKinds are operation kinds whose queue rows are retained (payload
	// dropped) after a successful sync instead of being deleted.
	AuditKinds []string `yaml:"audit_kinds"`
}

// RemoteConfig configures the remote system endpoints.
type RemoteConfig struct {
	BaseURL string `yaml:"base_url"`
	// RequestTimeout bounds submission and fetch round trips.
	RequestTimeout string `yaml:"request_timeout"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		TerminalID: "pos-terminal",
		DataDir:    "data",

		Store: StoreConfig{
			DatabasePath: "pos_offline.db",
			BusyTimeout:  "5s",
		},

		Connectivity: ConnectivityConfig{
			ProbeInterval:    "10s",
			ProbeTimeout:     "2s",
			FailureThreshold: 3,
		},

		Auth: AuthConfig{
			PINLength:         4,
			MaxFailedAttempts: 5,
			LockoutDuration:   "15m",
		},

		Session: SessionConfig{
			MaxIdle:  "24h",
			TokenTTL: "24h",
		},

		Sync: SyncConfig{
			MaxAttempts:        5,
			DrainInterval:      "30s",
			QueueCap:           1000,
			QueueKeep:          500,
			CompletedRetention: "168h",
			AuditKinds:         []string{"payment"},
		},

		Remote: RemoteConfig{
			BaseURL:        "http://localhost:8069",
			RequestTimeout: "30s",
		},

		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PDC_POS_TERMINAL_ID"); v != "" {
		c.TerminalID = v
	}
	if v := os.Getenv("PDC_POS_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PDC_POS_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("PDC_POS_REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("PDC_POS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PDC_POS_PROBE_INTERVAL"); v != "" {
		c.Connectivity.ProbeInterval = v
	}
	if v := os.Getenv("PDC_POS_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sync.MaxAttempts = n
		}
	}
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	if c.Auth.PINLength < 4 {
		return fmt.Errorf("auth.pin_length must be at least 4, got %d", c.Auth.PINLength)
	}
	if c.Auth.MaxFailedAttempts < 1 {
		return fmt.Errorf("auth.max_failed_attempts must be positive, got %d", c.Auth.MaxFailedAttempts)
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be positive, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.QueueKeep > c.Sync.QueueCap {
		return fmt.Errorf("sync.queue_keep (%d) must not exceed sync.queue_cap (%d)", c.Sync.QueueKeep, c.Sync.QueueCap)
	}
	if c.Connectivity.FailureThreshold < 1 {
		return fmt.Errorf("connectivity.failure_threshold must be positive, got %d", c.Connectivity.FailureThreshold)
	}
	for _, d := range []struct {
		name  string
		value string
	}{
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"connectivity.probe_interval", c.Connectivity.ProbeInterval},
		{"connectivity.probe_timeout", c.Connectivity.ProbeTimeout},
		{"auth.lockout_duration", c.Auth.LockoutDuration},
		{"session.max_idle", c.Session.MaxIdle},
		{"session.token_ttl", c.Session.TokenTTL},
		{"sync.drain_interval", c.Sync.DrainInterval},
		{"sync.completed_retention", c.Sync.CompletedRetention},
		{"remote.request_timeout", c.Remote.RequestTimeout},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.value)
		}
	}
	return nil
}

// DatabasePath resolves the database path against DataDir.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Store.DatabasePath) {
		return c.Store.DatabasePath
	}
	return filepath.Join(c.DataDir, c.Store.DatabasePath)
}

// Duration parses a duration config field, falling back when unset or invalid.
// Validate catches invalid values at load time; the fallback guards fields set
// programmatically after load.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
