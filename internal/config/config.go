// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Filters  FilterConfig   `mapstructure:"filters"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the operator HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LedgerConfig selects and tunes the ledger backend.
type LedgerConfig struct {
	// Backend is "sqlite" or "postgres".
	Backend string `mapstructure:"backend"`
	// Path is the sqlite database file, ":memory:" for ephemeral runs.
	Path string `mapstructure:"path"`
	// DSN is the postgres connection string.
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// DedupConfig tunes the near-duplicate index layout.
type DedupConfig struct {
	Bands       int     `mapstructure:"bands"`
	Rows        int     `mapstructure:"rows"`
	Threshold   float64 `mapstructure:"threshold"`
	ShingleSize int     `mapstructure:"shingle_size"`
}

// QuotaConfig sets daily per-source ingestion ceilings.
type QuotaConfig struct {
	DefaultDailyLimit int64            `mapstructure:"default_daily_limit"`
	Overrides         map[string]int64 `mapstructure:"overrides"`
}

// PolicyConfig governs fetch pacing and retries.
type PolicyConfig struct {
	RPS              float64 `mapstructure:"rps"`
	Burst            int     `mapstructure:"burst"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffBaseSec   int     `mapstructure:"backoff_base_seconds"`
	BackoffMaxSec    int     `mapstructure:"backoff_max_seconds"`
	PollBaseMinutes  int     `mapstructure:"poll_base_minutes"`
	PollMinMinutes   int     `mapstructure:"poll_min_minutes"`
	PollMaxMinutes   int     `mapstructure:"poll_max_minutes"`
	// SweepAgeHours is how long retry-exhausted entries stay in failed
	// state for review before the retention sweep removes them.
	SweepAgeHours int `mapstructure:"sweep_age_hours"`
}

// FilterConfig tunes the built-in quality filters.
type FilterConfig struct {
	MinChars         int     `mapstructure:"min_chars"`
	MaxChars         int     `mapstructure:"max_chars"`
	LineMinWords     int     `mapstructure:"line_min_words"`
	MaxShortFraction float64 `mapstructure:"max_short_fraction"`
}

// WorkerConfig sizes the drain pool.
type WorkerConfig struct {
	Workers   int      `mapstructure:"workers"`
	BatchSize int      `mapstructure:"batch_size"`
	Sources   []string `mapstructure:"sources"`
}

// SnapshotConfig controls run snapshot export.
type SnapshotConfig struct {
	Dir             string `mapstructure:"dir"`
	GCSBucket       string `mapstructure:"gcs_bucket"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
}

// PubSubConfig holds the downstream event topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig controls the shared zap logger.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level is the minimum emitted level, "debug" through "fatal".
	Level string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("ledger.backend", "sqlite")
	v.SetDefault("ledger.path", "harvester.db")
	v.SetDefault("ledger.max_conns", 8)
	v.SetDefault("ledger.min_conns", 1)
	v.SetDefault("dedup.bands", 32)
	v.SetDefault("dedup.rows", 4)
	v.SetDefault("dedup.threshold", 0.8)
	v.SetDefault("dedup.shingle_size", 5)
	v.SetDefault("quota.default_daily_limit", 0)
	v.SetDefault("policy.rps", 2.0)
	v.SetDefault("policy.burst", 1)
	v.SetDefault("policy.max_retries", 5)
	v.SetDefault("policy.backoff_base_seconds", 30)
	v.SetDefault("policy.backoff_max_seconds", 900)
	v.SetDefault("policy.poll_base_minutes", 5)
	v.SetDefault("policy.poll_min_minutes", 1)
	v.SetDefault("policy.poll_max_minutes", 60)
	v.SetDefault("policy.sweep_age_hours", 168)
	v.SetDefault("filters.min_chars", 200)
	v.SetDefault("filters.max_chars", 1_000_000)
	v.SetDefault("filters.line_min_words", 4)
	v.SetDefault("filters.max_short_fraction", 0.6)
	v.SetDefault("worker.workers", 4)
	v.SetDefault("worker.batch_size", 100)
	v.SetDefault("snapshot.dir", "snapshots")
	v.SetDefault("snapshot.interval_seconds", 60)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate rejects configurations that cannot start.
func (c Config) Validate() error {
	switch c.Ledger.Backend {
	case "sqlite":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	// Port 0 disables the ops server embedded in the run command.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Dedup.Bands <= 0 || c.Dedup.Rows <= 0 {
		return fmt.Errorf("dedup layout requires positive bands and rows")
	}
	if c.Dedup.Threshold <= 0 || c.Dedup.Threshold > 1 {
		return fmt.Errorf("dedup.threshold %v must be in (0, 1]", c.Dedup.Threshold)
	}
	if c.Quota.DefaultDailyLimit < 0 {
		return fmt.Errorf("quota.default_daily_limit must not be negative")
	}
	if c.Policy.SweepAgeHours < 0 {
		return fmt.Errorf("policy.sweep_age_hours must not be negative")
	}
	if c.Worker.Workers <= 0 {
		return fmt.Errorf("worker.workers must be positive")
	}
	return nil
}
