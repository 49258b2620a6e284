// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

// Event store backends.
const (
	EventStoreMemory    = "memory"
	EventStoreDisk      = "disk"
	EventStoreSQLite    = "sqlite"
	EventStoreNATS      = "nats"
	EventStoreKurrentDB = "kurrentdb"
)

// Key store backends.
const (
	KeyStoreMemory = "memory"
	KeyStoreSQLite = "sqlite"
	KeyStoreNATS   = "nats"
)

// Config is the configuration of a process using the library.
type Config struct {
	EventStore   string `env:"CONSISTENCY_EVENTSTORE" envDefault:"memory"`
	DiskDir      string `env:"CONSISTENCY_DISK_DIR" envDefault:"data/events"`
	SQLitePath   string `env:"CONSISTENCY_SQLITE_PATH" envDefault:"consistency.db"`
	NATSURL      string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSStream   string `env:"CONSISTENCY_NATS_STREAM" envDefault:"CONSISTENCY_ES"`
	KurrentDBURL string `env:"CONSISTENCY_KURRENTDB_URL"`
	KeyStore     string `env:"CONSISTENCY_KEYSTORE" envDefault:"memory"`
	KeySQLite    string `env:"CONSISTENCY_KEYSTORE_SQLITE_PATH" envDefault:"consistency-keys.db"`
	KeyBucket    string `env:"CONSISTENCY_NATS_KEY_BUCKET" envDefault:"consistency_keys"`

	PrimaryBatch   int `env:"CONSISTENCY_PRIMARY_BATCH" envDefault:"100"`
	SecondaryBatch int `env:"CONSISTENCY_SECONDARY_BATCH" envDefault:"5"`
	SecondaryMax   int `env:"CONSISTENCY_SECONDARY_MAX" envDefault:"5"`

	MaxLoginAttempts int           `env:"CONSISTENCY_MAX_LOGIN_ATTEMPTS" envDefault:"3"`
	LockoutPeriod    time.Duration `env:"CONSISTENCY_LOCKOUT_PERIOD" envDefault:"15m"`
	RetryAttempts    uint64        `env:"CONSISTENCY_RETRY_ATTEMPTS" envDefault:"0"`

	CommandBuffer int `env:"CONSISTENCY_COMMAND_BUFFER" envDefault:"64"`
	CommandShards int `env:"CONSISTENCY_COMMAND_SHARDS" envDefault:"8"`

	OTelEndpoint string `env:"CONSISTENCY_OTEL_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"text"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates a Config.
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

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{EventStoreMemory, EventStoreDisk, EventStoreSQLite, EventStoreNATS, EventStoreKurrentDB}, c.EventStore) {
		errs = append(errs, fmt.Errorf("unknown event store %q", c.EventStore))
	}
	if c.EventStore == EventStoreKurrentDB && c.KurrentDBURL == "" {
		errs = append(errs, errors.New("CONSISTENCY_KURRENTDB_URL is required for the kurrentdb event store"))
	}
	if !slices.Contains([]string{KeyStoreMemory, KeyStoreSQLite, KeyStoreNATS}, c.KeyStore) {
		errs = append(errs, fmt.Errorf("unknown key store %q", c.KeyStore))
	}
	if c.PrimaryBatch <= 0 || c.SecondaryBatch <= 0 || c.SecondaryMax <= 0 {
		errs = append(errs, errors.New("batch sizes must be positive"))
	}
	if c.MaxLoginAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max login attempts must be positive, got %d", c.MaxLoginAttempts))
	}
	if c.CommandShards <= 0 {
		errs = append(errs, fmt.Errorf("command shards must be positive, got %d", c.CommandShards))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Logger builds the logrus logger described by LogLevel and LogFormat.
func (c Config) Logger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// SlogLogger builds a log/slog logger writing to w at the level and
// format of the logrus logger. Store decorators and backends log through
// it.
func (c Config) SlogLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if parsed, err := logrus.ParseLevel(c.LogLevel); err == nil {
		switch {
		case parsed >= logrus.DebugLevel:
			level = slog.LevelDebug
		case parsed == logrus.WarnLevel:
			level = slog.LevelWarn
		case parsed <= logrus.ErrorLevel:
			level = slog.LevelError
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
