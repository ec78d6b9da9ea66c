package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentcored/internal/otel"
)

// LockConfig tunes the resource lock manager.
type LockConfig struct {
	// MaxAttempts bounds acquisition retries before LockTimeout. Default 10.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryIntervalMS is the fixed wait between attempts. Default 500.
	RetryIntervalMS int `yaml:"retry_interval_ms"`

	// StaleAfterMinutes is the marker age after which a lock is treated as
	// abandoned and removable by a new acquirer. Default 5.
	StaleAfterMinutes int `yaml:"stale_after_minutes"`

	// ValidityMinutes is the default expires_at window on new locks. Default 5.
	ValidityMinutes int `yaml:"validity_minutes"`
}

func (c LockConfig) RetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalMS) * time.Millisecond
}

func (c LockConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMinutes) * time.Minute
}

func (c LockConfig) Validity() time.Duration {
	return time.Duration(c.ValidityMinutes) * time.Minute
}

// ConflictConfig tunes conflict detection thresholds. These were fixed
// constants in earlier revisions; they remain defaults, not invariants.
type ConflictConfig struct {
	// ConcurrentWindowMinutes: other sessions active inside this window count
	// as concurrent access. Default 2.
	ConcurrentWindowMinutes int `yaml:"concurrent_window_minutes"`

	// StaleSessionMinutes: sessions inactive beyond this still referencing a
	// task are stale. Default 30.
	StaleSessionMinutes int `yaml:"stale_session_minutes"`

	// RecentActivityMinutes is the recency window used by the session
	// manager's convenience conflict resolution. Default 5.
	RecentActivityMinutes int `yaml:"recent_activity_minutes"`

	// HighSeveritySessions: more than this many other concurrent sessions
	// escalates severity to high. Default 2.
	HighSeveritySessions int `yaml:"high_severity_sessions"`
}

func (c ConflictConfig) ConcurrentWindow() time.Duration {
	return time.Duration(c.ConcurrentWindowMinutes) * time.Minute
}

func (c ConflictConfig) StaleSession() time.Duration {
	return time.Duration(c.StaleSessionMinutes) * time.Minute
}

func (c ConflictConfig) RecentActivity() time.Duration {
	return time.Duration(c.RecentActivityMinutes) * time.Minute
}

// SessionConfig tunes session liveness tracking.
type SessionConfig struct {
	// OwnerID identifies the operator owning this process's sessions.
	OwnerID string `yaml:"owner_id"`

	// InactiveAfterMinutes marks sessions inactive after no activity. Default 10.
	InactiveAfterMinutes int `yaml:"inactive_after_minutes"`

	// ArchiveAfterHours archives sessions stale beyond this. Default 24.
	ArchiveAfterHours int `yaml:"archive_after_hours"`

	// HeartbeatSeconds is the current session's activity refresh interval. Default 30.
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
}

func (c SessionConfig) InactiveAfter() time.Duration {
	return time.Duration(c.InactiveAfterMinutes) * time.Minute
}

func (c SessionConfig) ArchiveAfter() time.Duration {
	return time.Duration(c.ArchiveAfterHours) * time.Hour
}

func (c SessionConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// StorageConfig tunes the task store.
type StorageConfig struct {
	// Compress gzips task records and enables workspace archives. Default true.
	Compress bool `yaml:"compress"`

	// MaxBackups bounds rotated pre-save backups per task. Default 5.
	MaxBackups int `yaml:"max_backups"`

	// RetentionDays: completed sessions older than this are purged. Default 30.
	RetentionDays int `yaml:"retention_days"`
}

func (c StorageConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// IntegrityConfig tunes backups and the verification sweep.
type IntegrityConfig struct {
	BackupMaxAgeDays  int  `yaml:"backup_max_age_days"`
	BackupMaxVersions int  `yaml:"backup_max_versions"`
	CompressBackups   bool `yaml:"compress_backups"`
}

func (c IntegrityConfig) BackupMaxAge() time.Duration {
	return time.Duration(c.BackupMaxAgeDays) * 24 * time.Hour
}

// MaintenanceConfig holds cron expressions for the periodic sweeps.
type MaintenanceConfig struct {
	IntegritySweepCron string `yaml:"integrity_sweep_cron"`
	LockSweepCron      string `yaml:"lock_sweep_cron"`
	SessionSweepCron   string `yaml:"session_sweep_cron"`
	RetentionCron      string `yaml:"retention_cron"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Lock        LockConfig        `yaml:"lock"`
	Conflict    ConflictConfig    `yaml:"conflict"`
	Session     SessionConfig     `yaml:"session"`
	Storage     StorageConfig     `yaml:"storage"`
	Integrity   IntegrityConfig   `yaml:"integrity"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Otel        otel.Config       `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Lock: LockConfig{
			MaxAttempts:       10,
			RetryIntervalMS:   500,
			StaleAfterMinutes: 5,
			ValidityMinutes:   5,
		},
		Conflict: ConflictConfig{
			ConcurrentWindowMinutes: 2,
			StaleSessionMinutes:     30,
			RecentActivityMinutes:   5,
			HighSeveritySessions:    2,
		},
		Session: SessionConfig{
			InactiveAfterMinutes: 10,
			ArchiveAfterHours:    24,
			HeartbeatSeconds:     30,
		},
		Storage: StorageConfig{
			Compress:      true,
			MaxBackups:    5,
			RetentionDays: 30,
		},
		Integrity: IntegrityConfig{
			BackupMaxAgeDays:  14,
			BackupMaxVersions: 10,
			CompressBackups:   true,
		},
		Maintenance: MaintenanceConfig{
			IntegritySweepCron: "*/10 * * * *",
			LockSweepCron:      "* * * * *",
			SessionSweepCron:   "*/5 * * * *",
			RetentionCron:      "0 3 * * *",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("AGENTCORED_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcored")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under the given home directory, applying
// defaults, env overrides, and normalization. A missing file is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentcored home: %w", err)
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
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	def := defaultConfig()
	if cfg.Lock.MaxAttempts <= 0 {
		cfg.Lock.MaxAttempts = def.Lock.MaxAttempts
	}
	if cfg.Lock.RetryIntervalMS <= 0 {
		cfg.Lock.RetryIntervalMS = def.Lock.RetryIntervalMS
	}
	if cfg.Lock.StaleAfterMinutes <= 0 {
		cfg.Lock.StaleAfterMinutes = def.Lock.StaleAfterMinutes
	}
	if cfg.Lock.ValidityMinutes <= 0 {
		cfg.Lock.ValidityMinutes = def.Lock.ValidityMinutes
	}
	if cfg.Conflict.ConcurrentWindowMinutes <= 0 {
		cfg.Conflict.ConcurrentWindowMinutes = def.Conflict.ConcurrentWindowMinutes
	}
	if cfg.Conflict.StaleSessionMinutes <= 0 {
		cfg.Conflict.StaleSessionMinutes = def.Conflict.StaleSessionMinutes
	}
	if cfg.Conflict.RecentActivityMinutes <= 0 {
		cfg.Conflict.RecentActivityMinutes = def.Conflict.RecentActivityMinutes
	}
	if cfg.Conflict.HighSeveritySessions <= 0 {
		cfg.Conflict.HighSeveritySessions = def.Conflict.HighSeveritySessions
	}
	if cfg.Session.InactiveAfterMinutes <= 0 {
		cfg.Session.InactiveAfterMinutes = def.Session.InactiveAfterMinutes
	}
	if cfg.Session.ArchiveAfterHours <= 0 {
		cfg.Session.ArchiveAfterHours = def.Session.ArchiveAfterHours
	}
	if cfg.Session.HeartbeatSeconds <= 0 {
		cfg.Session.HeartbeatSeconds = def.Session.HeartbeatSeconds
	}
	if cfg.Session.OwnerID == "" {
		cfg.Session.OwnerID = "local"
	}
	if cfg.Storage.MaxBackups <= 0 {
		cfg.Storage.MaxBackups = def.Storage.MaxBackups
	}
	if cfg.Storage.RetentionDays <= 0 {
		cfg.Storage.RetentionDays = def.Storage.RetentionDays
	}
	if cfg.Integrity.BackupMaxAgeDays <= 0 {
		cfg.Integrity.BackupMaxAgeDays = def.Integrity.BackupMaxAgeDays
	}
	if cfg.Integrity.BackupMaxVersions <= 0 {
		cfg.Integrity.BackupMaxVersions = def.Integrity.BackupMaxVersions
	}
	if cfg.Maintenance.IntegritySweepCron == "" {
		cfg.Maintenance.IntegritySweepCron = def.Maintenance.IntegritySweepCron
	}
	if cfg.Maintenance.LockSweepCron == "" {
		cfg.Maintenance.LockSweepCron = def.Maintenance.LockSweepCron
	}
	if cfg.Maintenance.SessionSweepCron == "" {
		cfg.Maintenance.SessionSweepCron = def.Maintenance.SessionSweepCron
	}
	if cfg.Maintenance.RetentionCron == "" {
		cfg.Maintenance.RetentionCron = def.Maintenance.RetentionCron
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTCORED_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTCORED_OWNER_ID"); raw != "" {
		cfg.Session.OwnerID = raw
	}
	if raw := os.Getenv("AGENTCORED_LOCK_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lock.MaxAttempts = v
		}
	}
	if raw := os.Getenv("AGENTCORED_LOCK_RETRY_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Lock.RetryIntervalMS = v
		}
	}
	if raw := os.Getenv("AGENTCORED_STORAGE_COMPRESS"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Storage.Compress = v
		}
	}
	if raw := os.Getenv("AGENTCORED_RETENTION_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Storage.RetentionDays = v
		}
	}
}

// Fingerprint returns a stable hash of the active tuning, logged at startup
// so divergent sessions sharing a storage directory are diagnosable.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "lock=%d/%d/%d|conflict=%d/%d/%d|session=%d/%d|storage=%t/%d/%d",
		c.Lock.MaxAttempts, c.Lock.RetryIntervalMS, c.Lock.StaleAfterMinutes,
		c.Conflict.ConcurrentWindowMinutes, c.Conflict.StaleSessionMinutes, c.Conflict.RecentActivityMinutes,
		c.Session.InactiveAfterMinutes, c.Session.ArchiveAfterHours,
		c.Storage.Compress, c.Storage.MaxBackups, c.Storage.RetentionDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
