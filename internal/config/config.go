// Package config loads altcap's YAML configuration with environment
// overrides. The config file lives at <home>/config.yaml; ALTCAP_HOME
// relocates the home directory.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SessionConfig controls the session manager and its primary store.
type SessionConfig struct {
	// Backend selects the primary SessionStore: "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// TTLMinutes is the sliding session expiration. Default 60.
	TTLMinutes int `yaml:"ttl_minutes"`

	// UpdateRetries bounds internal retries on version conflicts. Default 3.
	UpdateRetries int `yaml:"update_retries"`
}

// QueueConfig controls the task queue and its workers.
type QueueConfig struct {
	// WorkerCount is the number of task worker goroutines. Default 4.
	WorkerCount int `yaml:"worker_count"`

	// TaskTimeoutSeconds is the maximum execution duration for one task.
	// Exceeding it force-fails the task with reason "timeout". Default 600.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`

	// MaxActivePerPlatform caps non-terminal tasks one owner may hold on a
	// single platform connection. Admin override bypasses it. Default 1.
	MaxActivePerPlatform int `yaml:"max_active_per_platform"`
}

// AuditConfig controls the durable session audit log.
type AuditConfig struct {
	// RetentionDays bounds how long audit records are kept. 0 keeps forever.
	RetentionDays int `yaml:"retention_days"`
}

// VaultConfig configures the credential vault.
type VaultConfig struct {
	// KeyEnv names the environment variable holding the base64url
	// 32-byte vault key. Default ALTCAP_VAULT_KEY.
	KeyEnv string `yaml:"key_env"`
}

// OtelConfig configures OpenTelemetry export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// DBPath overrides the default sqlite location <home>/altcap.db.
	DBPath string `yaml:"db_path"`

	// AdminUsers lists user ids granted the admin scope and admin-only
	// queue operations.
	AdminUsers []string `yaml:"admin_users"`

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// SweepSchedule is a 5-field cron expression for the maintenance
	// sweep (task deadlines, audit retention, expired sessions).
	SweepSchedule string `yaml:"sweep_schedule"`

	Session SessionConfig `yaml:"session"`
	Queue   QueueConfig   `yaml:"queue"`
	Audit   AuditConfig   `yaml:"audit"`
	Vault   VaultConfig   `yaml:"vault"`
	Otel    OtelConfig    `yaml:"otel"`
}

// SessionTTL returns the configured sliding expiration as a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// TaskTimeout returns the per-task execution deadline as a duration.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Queue.TaskTimeoutSeconds) * time.Second
}

// IsAdmin reports whether the user id is in the admin list.
func (c Config) IsAdmin(userID string) bool {
	for _, id := range c.AdminUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// DatabasePath returns the effective sqlite path.
func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.HomeDir, "altcap.db")
}

// Fingerprint returns a stable hash of the active config, exposed to
// connected dashboards so they can detect live reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|backend=%s|ttl=%d|workers=%d|timeout=%d|limit=%d|origins=%v",
		c.BindAddr, c.LogLevel, c.Session.Backend, c.Session.TTLMinutes,
		c.Queue.WorkerCount, c.Queue.TaskTimeoutSeconds, c.Queue.MaxActivePerPlatform, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:      "127.0.0.1:8790",
		LogLevel:      "info",
		SweepSchedule: "* * * * *",
		Session: SessionConfig{
			Backend:       "memory",
			TTLMinutes:    60,
			UpdateRetries: 3,
		},
		Queue: QueueConfig{
			WorkerCount:          4,
			TaskTimeoutSeconds:   int((10 * time.Minute).Seconds()),
			MaxActivePerPlatform: 1,
		},
		Audit: AuditConfig{
			RetentionDays: 365,
		},
		Vault: VaultConfig{
			KeyEnv: "ALTCAP_VAULT_KEY",
		},
		Otel: OtelConfig{
			Exporter: "none",
		},
	}
}

// HomeDir returns the altcap home directory, honoring ALTCAP_HOME.
func HomeDir() string {
	if override := os.Getenv("ALTCAP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".altcap")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml (if present), applies environment overrides, and
// validates the result. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create altcap home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ALTCAP_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ALTCAP_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ALTCAP_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("ALTCAP_SESSION_BACKEND"); raw != "" {
		cfg.Session.Backend = raw
	}
	if raw := os.Getenv("ALTCAP_SESSION_TTL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Session.TTLMinutes = v
		}
	}
	if raw := os.Getenv("ALTCAP_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.WorkerCount = v
		}
	}
	if raw := os.Getenv("ALTCAP_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("ALTCAP_ADMIN_USERS"); raw != "" {
		cfg.AdminUsers = splitList(raw)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalize(cfg *Config) {
	if cfg.Session.TTLMinutes <= 0 {
		cfg.Session.TTLMinutes = 60
	}
	if cfg.Session.UpdateRetries <= 0 {
		cfg.Session.UpdateRetries = 3
	}
	if cfg.Queue.WorkerCount <= 0 {
		cfg.Queue.WorkerCount = 4
	}
	if cfg.Queue.TaskTimeoutSeconds <= 0 {
		cfg.Queue.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Queue.MaxActivePerPlatform <= 0 {
		cfg.Queue.MaxActivePerPlatform = 1
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "* * * * *"
	}
	if cfg.Vault.KeyEnv == "" {
		cfg.Vault.KeyEnv = "ALTCAP_VAULT_KEY"
	}
	cfg.Session.Backend = strings.ToLower(strings.TrimSpace(cfg.Session.Backend))
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "memory"
	}
}

func validate(cfg Config) error {
	switch cfg.Session.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("config: unknown session backend %q (want memory or sqlite)", cfg.Session.Backend)
	}
	switch cfg.Otel.Exporter {
	case "", "none", "stdout", "otlp-http":
	default:
		return fmt.Errorf("config: unknown otel exporter %q", cfg.Otel.Exporter)
	}
	return nil
}
