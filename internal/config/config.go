// Package config loads posguard configuration from environment variables
// (POSGUARD_ prefix) with an optional YAML file merge, and validates the
// scoring weights and anomaly thresholds before the engine starts.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete trust engine configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Time     TimeConfig     `yaml:"time" envconfig:"TIME"`
	Usage    UsageConfig    `yaml:"usage" envconfig:"USAGE"`
	License  LicenseConfig  `yaml:"license" envconfig:"LICENSE"`
	Lockdown LockdownConfig `yaml:"lockdown" envconfig:"LOCKDOWN"`
	Network  NetworkConfig  `yaml:"network" envconfig:"NETWORK"`
	Weights  WeightsConfig  `yaml:"weights" envconfig:"WEIGHTS"`
	Scoring  ScoringConfig  `yaml:"scoring" envconfig:"SCORING"`
}

// LoggingConfig controls the slog JSON logger.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/posguard.log"`
}

// StoreConfig locates the encrypted key/value store.
type StoreConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data/trust"`
}

// TimeConfig holds the time-anchor check tolerances.
type TimeConfig struct {
	// MaxAnchorDrift is the largest |now - anchor| treated as plausible
	// idle time. Exceeding it degrades the score but is not proof of
	// manipulation on its own.
	MaxAnchorDrift time.Duration `yaml:"max_anchor_drift" envconfig:"MAX_ANCHOR_DRIFT" default:"24h"`
	// MinValidationInterval is the shortest plausible gap between two
	// organic validation calls.
	MinValidationInterval time.Duration `yaml:"min_validation_interval" envconfig:"MIN_VALIDATION_INTERVAL" default:"1s"`
	// BootDriftTolerance bounds how far the estimated boot time may move
	// between calls while the process keeps running.
	BootDriftTolerance time.Duration `yaml:"boot_drift_tolerance" envconfig:"BOOT_DRIFT_TOLERANCE" default:"5m"`
	// MaxOffsetSwing bounds the change in the wall-vs-monotonic offset
	// between calls before the wall clock is considered stepped.
	MaxOffsetSwing time.Duration `yaml:"max_offset_swing" envconfig:"MAX_OFFSET_SWING" default:"30s"`
	// ManipulationLimit is the ring-buffer fill level that triggers
	// automatic lockdown.
	ManipulationLimit int `yaml:"manipulation_limit" envconfig:"MANIPULATION_LIMIT" default:"5" validate:"min=1,max=10"`
}

// UsageConfig holds the anomaly-detection thresholds.
type UsageConfig struct {
	RetentionDays      int           `yaml:"retention_days" envconfig:"RETENTION_DAYS" default:"30" validate:"min=1"`
	DailyVolumeHard    int           `yaml:"daily_volume_hard" envconfig:"DAILY_VOLUME_HARD" default:"2000"`
	DailyVolumeWarn    int           `yaml:"daily_volume_warn" envconfig:"DAILY_VOLUME_WARN" default:"1000"`
	UnusualHourVolume  int           `yaml:"unusual_hour_volume" envconfig:"UNUSUAL_HOUR_VOLUME" default:"50"`
	UnusualHours       []int         `yaml:"unusual_hours" envconfig:"UNUSUAL_HOURS" default:"1,2,3,4,5"`
	RapidFireGap       time.Duration `yaml:"rapid_fire_gap" envconfig:"RAPID_FIRE_GAP" default:"100ms"`
	RapidFireRunLength int           `yaml:"rapid_fire_run_length" envconfig:"RAPID_FIRE_RUN_LENGTH" default:"5"`
	RapidFireMaxRuns   int           `yaml:"rapid_fire_max_runs" envconfig:"RAPID_FIRE_MAX_RUNS" default:"3"`
	RecentWindow       int           `yaml:"recent_window" envconfig:"RECENT_WINDOW" default:"20"`
	FrequencyMinCount  int           `yaml:"frequency_min_count" envconfig:"FREQUENCY_MIN_COUNT" default:"100"`
	FrequencyMinGaps   int           `yaml:"frequency_min_gaps" envconfig:"FREQUENCY_MIN_GAPS" default:"10"`
	FrequencyMaxCV     float64       `yaml:"frequency_max_cv" envconfig:"FREQUENCY_MAX_CV" default:"0.1"`
	FrequencyMeanFloor time.Duration `yaml:"frequency_mean_floor" envconfig:"FREQUENCY_MEAN_FLOOR" default:"5s"`
	MaxSessionsPerDay  int           `yaml:"max_sessions_per_day" envconfig:"MAX_SESSIONS_PER_DAY" default:"10"`
	MaxShortSessions   int           `yaml:"max_short_sessions" envconfig:"MAX_SHORT_SESSIONS" default:"5"`
	ShortSession       time.Duration `yaml:"short_session" envconfig:"SHORT_SESSION" default:"30s"`
	SessionIdleGap     time.Duration `yaml:"session_idle_gap" envconfig:"SESSION_IDLE_GAP" default:"30m"`
	EscalationWindow   time.Duration `yaml:"escalation_window" envconfig:"ESCALATION_WINDOW" default:"24h"`
}

// LicenseConfig holds license-record validation settings.
type LicenseConfig struct {
	// KeyLength is the expected license key length (alphanumeric).
	KeyLength int `yaml:"key_length" envconfig:"KEY_LENGTH" default:"20" validate:"min=8"`
}

// LockdownConfig holds the lockdown/recovery state machine settings.
type LockdownConfig struct {
	ChallengeTTL        time.Duration `yaml:"challenge_ttl" envconfig:"CHALLENGE_TTL" default:"24h"`
	MaxRecoveryFailures int           `yaml:"max_recovery_failures" envconfig:"MAX_RECOVERY_FAILURES" default:"3" validate:"min=1"`
	FailureWindow       time.Duration `yaml:"failure_window" envconfig:"FAILURE_WINDOW" default:"1h"`
	EventLogSize        int           `yaml:"event_log_size" envconfig:"EVENT_LOG_SIZE" default:"100" validate:"min=10"`
}

// NetworkConfig lists the best-effort HTTP time sources.
type NetworkConfig struct {
	TimeSources []string      `yaml:"time_sources" envconfig:"TIME_SOURCES" default:"https://worldtimeapi.org/api/ip,https://timeapi.io/api/Time/current/zone?timeZone=UTC"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"5s"`
	MaxSkew     time.Duration `yaml:"max_skew" envconfig:"MAX_SKEW" default:"5m"`
}

// WeightsConfig is the per-layer contribution to the overall score.
// The weights must sum to 100.
type WeightsConfig struct {
	Hardware    int `yaml:"hardware" envconfig:"HARDWARE" default:"20"`
	Time        int `yaml:"time" envconfig:"TIME" default:"15"`
	License     int `yaml:"license" envconfig:"LICENSE" default:"20"`
	Usage       int `yaml:"usage" envconfig:"USAGE" default:"10"`
	System      int `yaml:"system" envconfig:"SYSTEM" default:"15"`
	Network     int `yaml:"network" envconfig:"NETWORK" default:"5"`
	Persistence int `yaml:"persistence" envconfig:"PERSISTENCE" default:"10"`
	AppState    int `yaml:"app_state" envconfig:"APP_STATE" default:"5"`
}

// ScoringConfig holds the verdict thresholds.
type ScoringConfig struct {
	ValidScore      int `yaml:"valid_score" envconfig:"VALID_SCORE" default:"70" validate:"min=0,max=100"`
	HighRiskBelow   int `yaml:"high_risk_below" envconfig:"HIGH_RISK_BELOW" default:"50" validate:"min=0,max=100"`
	MediumRiskBelow int `yaml:"medium_risk_below" envconfig:"MEDIUM_RISK_BELOW" default:"70" validate:"min=0,max=100"`
}

// Load builds the configuration: struct-tag defaults and POSGUARD_*
// environment variables first, then an optional YAML file on top. The
// file wins because it is the deliberate per-terminal override.
func Load(configFile string) (*Config, error) {
	var cfg Config

	if err := envconfig.Process("POSGUARD", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration without touching the
// environment. Used by tests and embedded hosts.
func Default() *Config {
	var cfg Config
	if err := envconfig.Process("POSGUARD_DEFAULT_UNSET", &cfg); err != nil {
		// Defaults come from struct tags only; processing cannot fail
		// without a broken tag, which the tests would catch.
		panic(err)
	}
	return &cfg
}

// Validate checks structural constraints plus the weight-table invariant.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	w := c.Weights
	sum := w.Hardware + w.Time + w.License + w.Usage + w.System + w.Network + w.Persistence + w.AppState
	if sum != 100 {
		return fmt.Errorf("layer weights must sum to 100, got %d", sum)
	}

	if c.Usage.DailyVolumeWarn > c.Usage.DailyVolumeHard {
		return fmt.Errorf("usage warn threshold (%d) exceeds hard threshold (%d)",
			c.Usage.DailyVolumeWarn, c.Usage.DailyVolumeHard)
	}

	for _, h := range c.Usage.UnusualHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("unusual hour %d out of range", h)
		}
	}

	return nil
}
