// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Clipper   ClipperConfig   `mapstructure:"clipper"`
	Estimator EstimatorConfig `mapstructure:"estimator"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RetryConfig governs inline retries and the background replay queue.
type RetryConfig struct {
	MaxAttempts          int `mapstructure:"max_attempts"`
	BaseDelayMs          int `mapstructure:"base_delay_ms"`
	MaxDelayMs           int `mapstructure:"max_delay_ms"`
	QueueCap             int `mapstructure:"queue_cap"`
	MaxAgeHours          int `mapstructure:"max_age_hours"`
	DrainIntervalSeconds int `mapstructure:"drain_interval_seconds"`
}

// ClipperConfig describes the clip generation child process.
type ClipperConfig struct {
	Command               []string `mapstructure:"command"`
	WorkDir               string   `mapstructure:"work_dir"`
	PersistTimeoutSeconds int      `mapstructure:"persist_timeout_seconds"`
}

// EstimatorConfig tunes completion-time estimation.
type EstimatorConfig struct {
	Alpha                float64 `mapstructure:"alpha"`
	MinSamples           int     `mapstructure:"min_samples"`
	MaxIdleMinutes       int     `mapstructure:"max_idle_minutes"`
	SweepIntervalMinutes int     `mapstructure:"sweep_interval_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLIPWORKS")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	// Registering the key lets AutomaticEnv populate it during Unmarshal.
	v.SetDefault("db.dsn", "")
	v.SetDefault("clipper.work_dir", "")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 10000)
	v.SetDefault("retry.queue_cap", 1000)
	v.SetDefault("retry.max_age_hours", 24)
	v.SetDefault("retry.drain_interval_seconds", 30)
	v.SetDefault("clipper.command", []string{"python3", "create_clips.py"})
	v.SetDefault("clipper.persist_timeout_seconds", 15)
	v.SetDefault("estimator.alpha", 0.3)
	v.SetDefault("estimator.min_samples", 3)
	v.SetDefault("estimator.max_idle_minutes", 60)
	v.SetDefault("estimator.sweep_interval_minutes", 5)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelayMs <= 0 || c.Retry.MaxDelayMs < c.Retry.BaseDelayMs {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay_ms <= max_delay_ms")
	}
	if c.Retry.QueueCap <= 0 {
		return fmt.Errorf("retry.queue_cap must be > 0")
	}
	if len(c.Clipper.Command) == 0 {
		return fmt.Errorf("clipper.command must not be empty")
	}
	if c.Estimator.Alpha <= 0 || c.Estimator.Alpha > 1 {
		return fmt.Errorf("estimator.alpha must be in (0, 1]")
	}
	return nil
}

// RequestTimeout returns the HTTP handler deadline as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// BaseDelay returns the first retry backoff step.
func (c Config) BaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (c Config) MaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

// DrainInterval returns the replay queue cadence.
func (c Config) DrainInterval() time.Duration {
	return time.Duration(c.Retry.DrainIntervalSeconds) * time.Second
}

// MaxAge returns how long queued operations stay eligible for replay.
func (c Config) MaxAge() time.Duration {
	return time.Duration(c.Retry.MaxAgeHours) * time.Hour
}
