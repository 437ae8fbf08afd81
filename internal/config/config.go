// Package config loads and validates the gopilot configuration from
// ~/.gopilot/config.yaml with environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-pilot/internal/otel"
)

// SchedulerConfig tunes the poll loop, timeouts and cooldowns.
type SchedulerConfig struct {
	// PollIntervalSeconds is the due-agent poll cadence. Default 60.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// ExecutionTimeoutMinutes is the hard timeout after which a stuck
	// running/waiting execution is reclassified as failed. Default 30.
	ExecutionTimeoutMinutes int `yaml:"execution_timeout_minutes"`

	// CooldownSeconds is the minimum gap between consecutive manual runs of
	// one agent. Default 60.
	CooldownSeconds int `yaml:"cooldown_seconds"`

	// ApprovalTTLHours is how long an approval request stays actionable.
	// Default 24.
	ApprovalTTLHours int `yaml:"approval_ttl_hours"`

	// DefaultTimezone is used for agents created without an explicit
	// timezone. Default "UTC".
	DefaultTimezone string `yaml:"default_timezone"`
}

// RunnerConfig points the scheduler at the external agent task runner.
type RunnerConfig struct {
	// WebhookURL receives execution dispatches as HTTP POSTs. Empty means
	// the built-in no-op runner (useful for dry runs and tests).
	WebhookURL string `yaml:"webhook_url"`

	// RequestTimeoutSeconds bounds a single webhook call. Default 300.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken gates the operator gateway. Empty disables remote access.
	AuthToken string `yaml:"auth_token"`

	// DBPath overrides the default ~/.gopilot/gopilot.db location.
	DBPath string `yaml:"db_path"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Runner    RunnerConfig    `yaml:"runner"`
	OTel      otel.Config     `yaml:"otel"`
}

// PollInterval returns the poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

// ExecutionTimeout returns the zombie-reclassification threshold.
func (c Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Scheduler.ExecutionTimeoutMinutes) * time.Minute
}

// Cooldown returns the manual-retrigger cooldown.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Scheduler.CooldownSeconds) * time.Second
}

// ApprovalTTL returns the approval request time-to-live.
func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Scheduler.ApprovalTTLHours) * time.Hour
}

// ResolvedDBPath returns the configured db path or the default under HomeDir.
func (c Config) ResolvedDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "gopilot.db")
}

// Fingerprint returns a stable hash of the active config, exposed in
// system.status so operators can tell which settings a daemon runs with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|poll=%d|timeout=%d|cooldown=%d|ttl=%d|tz=%s|runner=%s",
		c.BindAddr, c.LogLevel,
		c.Scheduler.PollIntervalSeconds, c.Scheduler.ExecutionTimeoutMinutes,
		c.Scheduler.CooldownSeconds, c.Scheduler.ApprovalTTLHours,
		c.Scheduler.DefaultTimezone, c.Runner.WebhookURL)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path of config.yaml under the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			PollIntervalSeconds:     60,
			ExecutionTimeoutMinutes: 30,
			CooldownSeconds:         60,
			ApprovalTTLHours:        24,
			DefaultTimezone:         "UTC",
		},
		Runner: RunnerConfig{
			RequestTimeoutSeconds: 300,
		},
	}
}

// HomeDir returns the gopilot home directory, honoring GOPILOT_HOME.
func HomeDir() string {
	if override := os.Getenv("GOPILOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gopilot")
}

// Load reads config.yaml from the gopilot home, applies env overrides and
// normalizes defaults. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gopilot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
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
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Scheduler.PollIntervalSeconds <= 0 {
		cfg.Scheduler.PollIntervalSeconds = 60
	}
	if cfg.Scheduler.ExecutionTimeoutMinutes <= 0 {
		cfg.Scheduler.ExecutionTimeoutMinutes = 30
	}
	if cfg.Scheduler.CooldownSeconds <= 0 {
		cfg.Scheduler.CooldownSeconds = 60
	}
	if cfg.Scheduler.ApprovalTTLHours <= 0 {
		cfg.Scheduler.ApprovalTTLHours = 24
	}
	if cfg.Scheduler.DefaultTimezone == "" {
		cfg.Scheduler.DefaultTimezone = "UTC"
	}
	if cfg.Runner.RequestTimeoutSeconds <= 0 {
		cfg.Runner.RequestTimeoutSeconds = 300
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GOPILOT_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("GOPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GOPILOT_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("GOPILOT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GOPILOT_RUNNER_WEBHOOK_URL"); v != "" {
		cfg.Runner.WebhookURL = v
	}
	if v := os.Getenv("GOPILOT_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("GOPILOT_EXECUTION_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.ExecutionTimeoutMinutes = n
		}
	}
}
