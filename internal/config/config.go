// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Shivanand-hulikatti/meet-tables/internal/database"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full process configuration.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"meet-tables.db"`
	Database    database.Config

	AMQPURL      string `env:"AMQP_URL"`
	AMQPExchange string `env:"AMQP_EXCHANGE" envDefault:"meet_tables.events"`

	TableCapacity      int           `env:"TABLE_CAPACITY" envDefault:"4"`
	BookingMaxAttempts int           `env:"BOOKING_MAX_ATTEMPTS" envDefault:"5"`
	FlagThreshold      int           `env:"FLAG_THRESHOLD" envDefault:"3"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	ExpiryRetention    time.Duration `env:"EXPIRY_RETENTION" envDefault:"72h"`
	LiveRefresh        time.Duration `env:"LIVE_REFRESH" envDefault:"1m"`
	Timezone           string        `env:"TIMEZONE" envDefault:"UTC"`
	ScheduleSeed       uint64        `env:"SCHEDULE_SEED"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of memory, sqlite, postgres: got %q", c.StoreDriver)
	}
	if c.StoreDriver == DriverSQLite && strings.TrimSpace(c.SQLitePath) == "" {
		return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
	}
	if c.TableCapacity < 1 {
		return fmt.Errorf("TABLE_CAPACITY must be positive: got %d", c.TableCapacity)
	}
	if c.BookingMaxAttempts < 1 {
		return fmt.Errorf("BOOKING_MAX_ATTEMPTS must be positive: got %d", c.BookingMaxAttempts)
	}
	if c.FlagThreshold < 1 {
		return fmt.Errorf("FLAG_THRESHOLD must be positive: got %d", c.FlagThreshold)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive: got %s", c.SweepInterval)
	}
	if c.ExpiryRetention < 0 {
		return fmt.Errorf("EXPIRY_RETENTION must not be negative: got %s", c.ExpiryRetention)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

// Level resolves LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
