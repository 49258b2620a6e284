package config

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type envTestConfig struct {
	Port int `env:"CONSISTENCY_TEST_PORT" envDefault:"123"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("expected default port 123, got %d", cfg.Port)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("CONSISTENCY_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EventStore != EventStoreMemory || cfg.KeyStore != KeyStoreMemory {
		t.Fatalf("expected memory backends, got %q/%q", cfg.EventStore, cfg.KeyStore)
	}
	if cfg.PrimaryBatch != 100 || cfg.SecondaryBatch != 5 || cfg.SecondaryMax != 5 {
		t.Fatalf("unexpected batch sizes %d/%d/%d", cfg.PrimaryBatch, cfg.SecondaryBatch, cfg.SecondaryMax)
	}
	if cfg.MaxLoginAttempts != 3 || cfg.LockoutPeriod != 15*time.Minute {
		t.Fatalf("unexpected login policy %d/%v", cfg.MaxLoginAttempts, cfg.LockoutPeriod)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CONSISTENCY_EVENTSTORE", "sqlite")
	t.Setenv("CONSISTENCY_SQLITE_PATH", "/tmp/events.db")
	t.Setenv("CONSISTENCY_LOCKOUT_PERIOD", "5m")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.EventStore != EventStoreSQLite || cfg.SQLitePath != "/tmp/events.db" {
		t.Fatalf("unexpected event store config %q %q", cfg.EventStore, cfg.SQLitePath)
	}
	if cfg.LockoutPeriod != 5*time.Minute {
		t.Fatalf("expected 5m lockout, got %v", cfg.LockoutPeriod)
	}
	if _, ok := cfg.Logger().Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected a JSON formatter, got %T", cfg.Logger().Formatter)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		substr string
	}{
		{"unknown event store", map[string]string{"CONSISTENCY_EVENTSTORE": "postgres"}, `unknown event store "postgres"`},
		{"kurrentdb without url", map[string]string{"CONSISTENCY_EVENTSTORE": "kurrentdb"}, "CONSISTENCY_KURRENTDB_URL"},
		{"unknown key store", map[string]string{"CONSISTENCY_KEYSTORE": "vault"}, `unknown key store "vault"`},
		{"zero batch", map[string]string{"CONSISTENCY_SECONDARY_MAX": "0"}, "batch sizes"},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}, "loud"},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}, `unknown log format "xml"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.substr) {
				t.Fatalf("expected error containing %q, got %v", tt.substr, err)
			}
		})
	}
}

func TestLoggerLevel(t *testing.T) {
	cfg := Config{LogLevel: "debug", LogFormat: "text"}
	if got := cfg.Logger().GetLevel(); got != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", got)
	}
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{LogLevel: "warn", LogFormat: "json"}
	log := cfg.SlogLogger(&buf)

	log.Info("dropped")
	log.Warn("kept", "stream", "user-1")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("expected info to be filtered, got %s", out)
	}
	if !strings.Contains(out, `"msg":"kept"`) || !strings.Contains(out, `"stream":"user-1"`) {
		t.Fatalf("expected a JSON warn record, got %s", out)
	}
}
