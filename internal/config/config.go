// Package config loads pipelinectl settings from defaults, an optional
// YAML file and PIPELINE_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carlosandia/crm-renove-sub007/internal/scheduler"
)

// EnvPrefix is prepended to every environment override:
// autosave.debounce is read from PIPELINE_AUTOSAVE_DEBOUNCE.
const EnvPrefix = "PIPELINE"

// Snapshot backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the full pipelinectl configuration.
type Config struct {
	RecordID string         `mapstructure:"record_id"`
	Autosave AutosaveConfig `mapstructure:"autosave"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Serve    ServeConfig    `mapstructure:"serve"`
	Log      LogConfig      `mapstructure:"log"`

	// File is the config file that was read, or empty.
	File string `mapstructure:"-"`
}

type AutosaveConfig struct {
	Debounce    time.Duration `mapstructure:"debounce"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

type SnapshotConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
	Backend   string        `mapstructure:"backend"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

type ServeConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	p := scheduler.DefaultPolicy()
	v.SetDefault("record_id", "")
	v.SetDefault("autosave.debounce", p.Debounce)
	v.SetDefault("autosave.max_attempts", p.MaxAttempts)
	v.SetDefault("autosave.backoff_base", p.BackoffBase)
	v.SetDefault("autosave.backoff_max", p.BackoffMax)
	v.SetDefault("snapshot.interval", 30*time.Second)
	v.SetDefault("snapshot.retention", 60*time.Minute)
	v.SetDefault("snapshot.backend", BackendSQLite)
	v.SetDefault("store.path", "pipeline.db")
	v.SetDefault("redis.url", "")
	v.SetDefault("postgres.url", "")
	v.SetDefault("serve.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
}

// Load reads the configuration. An explicit path must exist; with an
// empty path, pipeline.yaml in the working directory is read if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pipeline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	return &cfg, nil
}

// Policy returns the autosave settings as a scheduler policy.
func (c *Config) Policy() scheduler.Policy {
	return scheduler.Policy{
		Debounce:    c.Autosave.Debounce,
		MaxAttempts: c.Autosave.MaxAttempts,
		BackoffBase: c.Autosave.BackoffBase,
		BackoffMax:  c.Autosave.BackoffMax,
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("autosave: %w", err))
	}
	for key, d := range map[string]time.Duration{
		"autosave.debounce":     c.Autosave.Debounce,
		"autosave.backoff_base": c.Autosave.BackoffBase,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Snapshot.Interval <= 0 {
		errs = append(errs, fmt.Errorf("snapshot.interval must be positive, got %s", c.Snapshot.Interval))
	}
	if c.Snapshot.Retention <= 0 {
		errs = append(errs, fmt.Errorf("snapshot.retention must be positive, got %s", c.Snapshot.Retention))
	}
	switch c.Snapshot.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("snapshot.backend redis requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot.backend %q", c.Snapshot.Backend))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
