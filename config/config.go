/*
Package config loads the server configuration.

SOURCES (later wins):
  1. Defaults (setDefaults)
  2. Optional YAML file (--config / BENEFITS_CONFIG)
  3. Environment, prefixed BENEFITS_ with dots as underscores:
       BENEFITS_SERVER_ADDR=:9090
       BENEFITS_DATABASE_DRIVER=postgres
       BENEFITS_DATABASE_DSN=postgres://...

SEE ALSO:
  - cmd/server/main.go: the only caller
  - logging: consumes Config.Logger
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/benefits-engine/wallet"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BENEFITS"

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Accrual   AccrualConfig   `mapstructure:"accrual"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	EnableScenarios bool          `mapstructure:"enable_scenarios"`
}

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables the distributed accrual lock. Empty Addr means the
// in-process lock.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	LockPrefix string        `mapstructure:"lock_prefix"`
	LockExpiry time.Duration `mapstructure:"lock_expiry"`
}

// AccrualConfig holds accrual run settings.
type AccrualConfig struct {
	PeriodType  string `mapstructure:"period_type"`
	Timezone    string `mapstructure:"timezone"`
	Concurrency int    `mapstructure:"concurrency"`
	NodeID      int64  `mapstructure:"node_id"`
}

// SchedulerConfig holds background job intervals. Zero disables a job.
type SchedulerConfig struct {
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	AccrualInterval time.Duration `mapstructure:"accrual_interval"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load reads configuration from defaults, an optional file and the
// environment. configPath may be empty.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values. Every key needs a default
// so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("server.enable_scenarios", false)

	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/benefits.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_prefix", "benefits:lock:")
	v.SetDefault("redis.lock_expiry", 10*time.Minute)

	// Accrual defaults
	v.SetDefault("accrual.period_type", string(wallet.PeriodMonthly))
	v.SetDefault("accrual.timezone", "UTC")
	v.SetDefault("accrual.concurrency", 8)
	v.SetDefault("accrual.node_id", 1)

	// Scheduler defaults
	v.SetDefault("scheduler.sweep_interval", time.Hour)
	v.SetDefault("scheduler.accrual_interval", time.Duration(0))

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}

	if _, err := wallet.ParsePeriodType(c.Accrual.PeriodType); err != nil {
		return fmt.Errorf("accrual.period_type: %w", err)
	}
	if _, err := time.LoadLocation(c.Accrual.Timezone); err != nil {
		return fmt.Errorf("accrual.timezone: %w", err)
	}
	if c.Accrual.Concurrency < 1 {
		return errors.New("accrual.concurrency must be at least 1")
	}
	if c.Accrual.NodeID < 0 || c.Accrual.NodeID > 1023 {
		return errors.New("accrual.node_id must be between 0 and 1023")
	}
	if c.Scheduler.SweepInterval < 0 || c.Scheduler.AccrualInterval < 0 {
		return errors.New("scheduler intervals must not be negative")
	}

	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logger.format must be json or console, got %q", c.Logger.Format)
	}
	return nil
}

// PeriodConfig builds the accrual period configuration. Call after Validate.
func (c *Config) PeriodConfig() wallet.PeriodConfig {
	pt, _ := wallet.ParsePeriodType(c.Accrual.PeriodType)
	loc, err := time.LoadLocation(c.Accrual.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return wallet.PeriodConfig{Type: pt, Location: loc}
}
