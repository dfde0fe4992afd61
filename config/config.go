// Package config loads rootstore process configuration from defaults, an
// optional YAML file and ROOTSTORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jacentio/rootstore/history"
	"github.com/jacentio/rootstore/internal/logger"
	"github.com/jacentio/rootstore/internal/retry"
	"github.com/jacentio/rootstore/store/dynamo"
	"github.com/jacentio/rootstore/store/sqlstore"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendDynamo = "dynamo"
)

// EnvPrefix prefixes every environment override, e.g. ROOTSTORE_DYNAMO_REGION.
const EnvPrefix = "ROOTSTORE"

// Config is the process configuration.
type Config struct {
	Backend string          `mapstructure:"backend"`
	SQL     sqlstore.Config `mapstructure:"sql"`
	Dynamo  DynamoConfig    `mapstructure:"dynamo"`
	History HistoryConfig   `mapstructure:"history"`
	Retry   RetryConfig     `mapstructure:"retry"`
	Log     logger.Config   `mapstructure:"log"`
}

// DynamoConfig configures the DynamoDB client and store.
type DynamoConfig struct {
	Region            string `mapstructure:"region"`
	Endpoint          string `mapstructure:"endpoint"` // local DynamoDB, empty for AWS
	Profile           string `mapstructure:"profile"`
	TablePrefix       string `mapstructure:"table_prefix"`
	RelationshipTable string `mapstructure:"relationship_table"`
	NumShards         int    `mapstructure:"num_shards"`
	RecordDeletes     bool   `mapstructure:"record_deletes"`
}

// HistoryConfig configures the history poller.
type HistoryConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// RetryConfig configures transport-level retries.
type RetryConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialDelay    time.Duration `mapstructure:"initial_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	BackoffFactor   float64       `mapstructure:"backoff_factor"`
	JitterEnabled   bool          `mapstructure:"jitter_enabled"`
	RetryOnDeadlock bool          `mapstructure:"retry_on_deadlock"`
}

// Load reads configuration. An empty path searches ./rootstore.yaml and
// ./config/rootstore.yaml and falls back to defaults when neither exists;
// an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rootstore")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no backend can start with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQL:
	case BackendDynamo:
		if c.Dynamo.Region == "" {
			return errors.New("config: dynamo.region is required")
		}
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendMemory)

	sql := sqlstore.DefaultConfig()
	v.SetDefault("sql.host", sql.Host)
	v.SetDefault("sql.port", sql.Port)
	v.SetDefault("sql.username", "root")
	v.SetDefault("sql.password", "")
	v.SetDefault("sql.database", sql.Database)
	v.SetDefault("sql.max_open_conns", sql.MaxOpenConns)
	v.SetDefault("sql.max_idle_conns", sql.MaxIdleConns)
	v.SetDefault("sql.conn_max_lifetime", sql.ConnMaxLifetime)
	v.SetDefault("sql.conn_max_idle_time", sql.ConnMaxIdleTime)
	v.SetDefault("sql.log_level", sql.LogLevel)
	v.SetDefault("sql.slow_threshold", sql.SlowThreshold)

	dyn := dynamo.DefaultConfig()
	v.SetDefault("dynamo.region", "")
	v.SetDefault("dynamo.endpoint", "")
	v.SetDefault("dynamo.profile", "")
	v.SetDefault("dynamo.table_prefix", "")
	v.SetDefault("dynamo.relationship_table", dyn.RelationshipTable)
	v.SetDefault("dynamo.num_shards", dyn.NumShards)
	v.SetDefault("dynamo.record_deletes", false)

	hist := history.DefaultConfig()
	v.SetDefault("history.poll_interval", hist.PollInterval)
	v.SetDefault("history.batch_size", hist.BatchSize)

	r := retry.DefaultConfig()
	v.SetDefault("retry.enabled", r.Enabled)
	v.SetDefault("retry.max_attempts", r.MaxAttempts)
	v.SetDefault("retry.initial_delay", r.InitialDelay)
	v.SetDefault("retry.max_delay", r.MaxDelay)
	v.SetDefault("retry.backoff_factor", r.BackoffFactor)
	v.SetDefault("retry.jitter_enabled", r.JitterEnabled)
	v.SetDefault("retry.retry_on_deadlock", r.RetryOnDeadlock)

	l := logger.DefaultConfig()
	v.SetDefault("log.level", l.Level)
	v.SetDefault("log.format", l.Format)
	v.SetDefault("log.output", l.Output)
	v.SetDefault("log.file_path", l.FilePath)
	v.SetDefault("log.max_size_mb", l.MaxSizeMB)
	v.SetDefault("log.max_backups", l.MaxBackups)
	v.SetDefault("log.max_age_days", l.MaxAgeDays)
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Config {
	return retry.Config{
		Enabled:         c.Retry.Enabled,
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialDelay:    c.Retry.InitialDelay,
		MaxDelay:        c.Retry.MaxDelay,
		BackoffFactor:   c.Retry.BackoffFactor,
		JitterEnabled:   c.Retry.JitterEnabled,
		RetryOnDeadlock: c.Retry.RetryOnDeadlock,
	}
}

// DynamoStore converts the dynamo section. The document store never
// classifies MySQL deadlocks.
func (c *Config) DynamoStore() dynamo.Config {
	r := c.RetryPolicy()
	r.RetryOnDeadlock = false
	return dynamo.Config{
		TablePrefix:       c.Dynamo.TablePrefix,
		RelationshipTable: c.Dynamo.RelationshipTable,
		NumShards:         c.Dynamo.NumShards,
		RecordDeletes:     c.Dynamo.RecordDeletes,
		Retry:             r,
	}
}

// HistoryEngine converts the history section.
func (c *Config) HistoryEngine() history.Config {
	return history.Config{
		PollInterval: c.History.PollInterval,
		BatchSize:    c.History.BatchSize,
	}
}
