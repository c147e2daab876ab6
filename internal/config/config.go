// Package config loads the control plane's daemon configuration: a typed
// struct populated from YAML with environment-variable overrides, falling
// back to defaults when no file is present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEntry is one accepted bearer credential for the HTTP auth
// middleware: a session/service key mapped to the caller identity and
// capability set it carries.
type APIKeyEntry struct {
	Key          string   `yaml:"key"`
	Label        string   `yaml:"label"`
	UserID       string   `yaml:"user_id"`
	IsAdmin      bool     `yaml:"is_admin"`
	Capabilities []string `yaml:"capabilities"`
}

// AuthConfig configures the bearer-token HTTP middleware.
type AuthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Keys          []APIKeyEntry `yaml:"keys"`
	AccessSecret  string        `yaml:"access_secret"`
	RefreshSecret string        `yaml:"refresh_secret"`
}

// CORSConfig configures the browser-facing CORS middleware.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig configures the per-key token-bucket HTTP middleware.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// AgentKeySet is the HMAC key set consulted by the envelope signer and the
// agent channel handshake: an active kid plus every kid still accepted for
// verification (so a rotation has a grace window).
type AgentKeySet struct {
	ActiveKid string            `yaml:"active_kid"`
	Keys      map[string]string `yaml:"keys"`
}

// FeatureFlags gates optional/debug behavior.
type FeatureFlags struct {
	DebugRoutes bool `yaml:"debug_routes"`
}

// Config is the daemon's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	DatabasePath string `yaml:"database_path"`

	PresenceTTLSeconds     int `yaml:"presence_ttl_seconds"`
	PresenceSweepSeconds   int `yaml:"presence_sweep_seconds"`
	HeartbeatIntervalSecs  int `yaml:"heartbeat_interval_seconds"`
	ApprovalTTLMinutes     int `yaml:"approval_ttl_minutes"`
	ApprovalSweepMinutes   int `yaml:"approval_sweep_minutes"`
	SchedulerIntervalSecs  int `yaml:"scheduler_interval_seconds"`
	AssignerMaxAttempts    int `yaml:"assigner_max_attempts"`

	Auth          AuthConfig          `yaml:"auth"`
	CORS          CORSConfig          `yaml:"cors"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	AgentKeys     AgentKeySet         `yaml:"agent_keys"`
	Policy        PolicyRefConfig     `yaml:"policy"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Flags         FeatureFlags        `yaml:"flags"`
	Observability ObservabilityConfig `yaml:"observability"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ObservabilityConfig configures the optional OpenTelemetry trace/metric
// exporter. Disabled by default; when disabled, internal/otel.Init returns
// a zero-overhead no-op provider.
type ObservabilityConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// PolicyRefConfig points at the on-disk policy document consulted by the
// SSRF guard and capability gate; empty means built-in defaults.
type PolicyRefConfig struct {
	Path string `yaml:"path"`
}

// TelegramConfig configures the optional Telegram notification sink.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// ChannelsConfig groups optional outbound notification sinks.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:              "0.0.0.0:8080",
		LogLevel:              "info",
		PresenceTTLSeconds:    120,
		PresenceSweepSeconds:  30,
		HeartbeatIntervalSecs: 30,
		ApprovalTTLMinutes:    60,
		ApprovalSweepMinutes:  10,
		SchedulerIntervalSecs: 60,
		AssignerMaxAttempts:   6,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 300,
			BurstSize:         60,
		},
		CORS: CORSConfig{
			Enabled: true,
		},
	}
}

// HomeDir is the daemon's state directory, overridable for tests and
// multi-instance operation.
func HomeDir() string {
	if override := os.Getenv("CTLPLANE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ctlplane")
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from homeDir's default location, falling back to
// defaults when the file is absent, then applies environment overrides.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ctlplane home: %w", err)
	}

	path := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0:8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.PresenceTTLSeconds <= 0 {
		cfg.PresenceTTLSeconds = 120
	}
	if cfg.PresenceSweepSeconds <= 0 {
		cfg.PresenceSweepSeconds = 30
	}
	if cfg.ApprovalTTLMinutes <= 0 {
		cfg.ApprovalTTLMinutes = 60
	}
	if cfg.ApprovalSweepMinutes <= 0 {
		cfg.ApprovalSweepMinutes = 10
	}
	if cfg.SchedulerIntervalSecs <= 0 {
		cfg.SchedulerIntervalSecs = 60
	}
	if cfg.AssignerMaxAttempts <= 0 {
		cfg.AssignerMaxAttempts = 6
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.HomeDir, "ctlplane.db")
	}
	if cfg.AgentKeys.Keys == nil {
		cfg.AgentKeys.Keys = map[string]string{}
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "ctlplane"
	}
	if cfg.Observability.SampleRate <= 0 {
		cfg.Observability.SampleRate = 1.0
	}
}

// ApprovalTTL is the approval gate's expiry TTL as a Duration.
func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.ApprovalTTLMinutes) * time.Minute
}

// ApprovalSweepInterval is the approval gate's sweep interval.
func (c Config) ApprovalSweepInterval() time.Duration {
	return time.Duration(c.ApprovalSweepMinutes) * time.Minute
}

// PresenceTTL is the presence store's online TTL.
func (c Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

// PresenceSweepInterval is the presence eviction ticker interval.
func (c Config) PresenceSweepInterval() time.Duration {
	return time.Duration(c.PresenceSweepSeconds) * time.Second
}

// SchedulerInterval is the cron-tick loop interval.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSecs) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CTLPLANE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CTLPLANE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CTLPLANE_DATABASE_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}
	if raw := os.Getenv("CTLPLANE_ACCESS_SECRET"); raw != "" {
		cfg.Auth.AccessSecret = raw
	}
	if raw := os.Getenv("CTLPLANE_REFRESH_SECRET"); raw != "" {
		cfg.Auth.RefreshSecret = raw
	}
	if raw := os.Getenv("CTLPLANE_ALLOWED_ORIGINS"); raw != "" {
		cfg.AllowedOrigins = strings.Split(raw, ",")
	}
	if raw := os.Getenv("CTLPLANE_APPROVAL_TTL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ApprovalTTLMinutes = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
