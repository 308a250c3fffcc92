package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the proxy runtime.
type Config struct {
	// Listen is the address the client-facing MCP endpoint binds to.
	Listen string `yaml:"listen"`

	// BaseURL is the externally visible base URL, used in WWW-Authenticate
	// resource metadata. Defaults to "http://" + Listen.
	BaseURL string `yaml:"baseUrl"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel"`

	// Store selects the persistence backend: "sqlite" or "memory".
	Store string `yaml:"store"`

	// SQLitePath is the database file path when Store is "sqlite".
	SQLitePath string `yaml:"sqlitePath"`

	// Sessions configures session lifecycle.
	Sessions SessionConfig `yaml:"sessions"`

	// Events configures the per-session event log.
	Events EventConfig `yaml:"events"`

	// ReverseTimeouts configures per-kind reverse request deadlines.
	ReverseTimeouts ReverseTimeoutConfig `yaml:"reverseTimeouts"`

	// Approval configures the user-approval gate for dangerous tools.
	Approval ApprovalConfig `yaml:"approval"`

	// Auth configures how bearer tokens map to users.
	Auth AuthConfig `yaml:"auth"`

	// SecretKey is the passphrase launch configs are encrypted with at rest.
	SecretKey string `yaml:"secretKey"`
}

// SessionConfig controls session expiry.
type SessionConfig struct {
	// IdleTimeout is how long a session may stay idle before the sweeper
	// cancels it.
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// MaxSessions bounds concurrent sessions (0 = unlimited).
	MaxSessions int `yaml:"maxSessions"`
}

// EventConfig bounds the per-session event log.
type EventConfig struct {
	// MaxPerSession is the number of events retained per session before
	// FIFO eviction.
	MaxPerSession int `yaml:"maxPerSession"`
}

// ReverseTimeoutConfig holds per-kind deadlines for server-initiated requests
// forwarded to the client.
type ReverseTimeoutConfig struct {
	Sampling    time.Duration `yaml:"sampling"`
	Roots       time.Duration `yaml:"roots"`
	Elicitation time.Duration `yaml:"elicitation"`
}

// ApprovalConfig controls the blocking confirmation flow for tools with
// danger level Approval.
type ApprovalConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig maps static bearer tokens to user IDs. Tokens is keyed by the
// raw token value.
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:     "localhost:8440",
		LogLevel:   "info",
		Store:      "sqlite",
		SQLitePath: "switchboard.db",
		Sessions: SessionConfig{
			IdleTimeout:   30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			MaxSessions:   10000,
		},
		Events: EventConfig{
			MaxPerSession: 1024,
		},
		ReverseTimeouts: ReverseTimeoutConfig{
			Sampling:    120 * time.Second,
			Roots:       30 * time.Second,
			Elicitation: 300 * time.Second,
		},
		Approval: ApprovalConfig{
			Timeout: 55 * time.Second,
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// SWITCHBOARD_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	switch c.Store {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store backend %q (want sqlite or memory)", c.Store)
	}
	if c.Store == "sqlite" && c.SQLitePath == "" {
		return fmt.Errorf("sqlitePath must be set for the sqlite store")
	}
	if c.Events.MaxPerSession <= 0 {
		return fmt.Errorf("events.maxPerSession must be positive")
	}
	if c.BaseURL == "" {
		c.BaseURL = "http://" + c.Listen
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SWITCHBOARD_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("SWITCHBOARD_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("SWITCHBOARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SWITCHBOARD_STORE"); v != "" {
		cfg.Store = v
	}
	if v := os.Getenv("SWITCHBOARD_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	if v := os.Getenv("SWITCHBOARD_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sessions.IdleTimeout = d
		}
	}
	if v := os.Getenv("SWITCHBOARD_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sessions.MaxSessions = n
		}
	}
	if v := os.Getenv("SWITCHBOARD_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}
}
