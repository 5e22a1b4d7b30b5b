package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want 8080", cfg.Server.HTTPPort)
	}
	if cfg.Risk.Threshold != 0.7 {
		t.Errorf("Threshold = %v, want 0.7", cfg.Risk.Threshold)
	}
	if cfg.Risk.CorrelationWindow != 5*time.Minute {
		t.Errorf("CorrelationWindow = %v, want 5m", cfg.Risk.CorrelationWindow)
	}
	if cfg.Alerting.Window != 5*time.Minute {
		t.Errorf("Alerting.Window = %v, want 5m", cfg.Alerting.Window)
	}
	if cfg.Alerting.MaxEventsPerAlert != 10 {
		t.Errorf("MaxEventsPerAlert = %d, want 10", cfg.Alerting.MaxEventsPerAlert)
	}
	if cfg.Archive.RetentionDays != 90 {
		t.Errorf("RetentionDays = %d, want 90", cfg.Archive.RetentionDays)
	}
	if cfg.Kafka.EventsTopic != "auth-events" || cfg.Kafka.AlertsTopic != "auth-alerts" {
		t.Errorf("topics = %q/%q, want auth-events/auth-alerts",
			cfg.Kafka.EventsTopic, cfg.Kafka.AlertsTopic)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero port", func(c *Config) { c.Server.HTTPPort = 0 }, "http_port"},
		{"port too large", func(c *Config) { c.Server.HTTPPort = 70000 }, "http_port"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "dsn"},
		{"threshold above one", func(c *Config) { c.Risk.Threshold = 1.2 }, "threshold"},
		{"negative threshold", func(c *Config) { c.Risk.Threshold = -0.1 }, "threshold"},
		{"zero correlation window", func(c *Config) { c.Risk.CorrelationWindow = 0 }, "correlation_window"},
		{"zero alerting window", func(c *Config) { c.Alerting.Window = 0 }, "alerting window"},
		{"zero event cap", func(c *Config) { c.Alerting.MaxEventsPerAlert = 0 }, "max_events_per_alert"},
		{"postgres lock backend", func(c *Config) { c.Alerting.LockBackend = "postgres" }, ""},
		{"local lock backend", func(c *Config) { c.Alerting.LockBackend = "local" }, ""},
		{"unknown lock backend", func(c *Config) { c.Alerting.LockBackend = "zookeeper" }, "lock_backend"},
		{"redis lock without redis", func(c *Config) { c.Alerting.LockBackend = "redis" }, "lock_backend"},
		{"redis lock with redis", func(c *Config) {
			c.Alerting.LockBackend = "redis"
			c.Redis.Enabled = true
		}, ""},
		{"auth without hashes", func(c *Config) { c.Auth.Enabled = true }, "key_hashes"},
		{"kafka without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}, "brokers"},
		{"archive without bucket", func(c *Config) { c.Archive.Enabled = true }, "bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	data := `
server:
  http_port: 9090
logging:
  level: debug
risk:
  threshold: 0.85
alerting:
  max_events_per_alert: 25
kafka:
  enabled: true
  brokers:
    - broker-1:9092
    - broker-2:9092
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTHSENTRY_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Risk.Threshold != 0.85 {
		t.Errorf("Threshold = %v, want 0.85", cfg.Risk.Threshold)
	}
	if cfg.Alerting.MaxEventsPerAlert != 25 {
		t.Errorf("MaxEventsPerAlert = %d, want 25", cfg.Alerting.MaxEventsPerAlert)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Brokers = %v, want 2 entries", cfg.Kafka.Brokers)
	}

	// Untouched sections keep their defaults.
	if cfg.Database.MaxOpenConns != 20 {
		t.Errorf("MaxOpenConns = %d, want default 20", cfg.Database.MaxOpenConns)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("AUTHSENTRY_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d, want default 8080", cfg.Server.HTTPPort)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AUTHSENTRY_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Error("Load() = nil, want parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AUTHSENTRY_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("AUTHSENTRY_HTTP_PORT", "7070")
	t.Setenv("AUTHSENTRY_LOG_LEVEL", "warn")
	t.Setenv("AUTHSENTRY_DATABASE_DSN", "postgres://override:5432/db")
	t.Setenv("AUTHSENTRY_API_KEY_HASH", "$2a$10$fakehash")
	t.Setenv("AUTHSENTRY_REDIS_ADDR", "redis-prod:6379")
	t.Setenv("AUTHSENTRY_KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("AUTHSENTRY_ARCHIVE_BUCKET", "authsentry-archive")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("HTTPPort = %d, want 7070", cfg.Server.HTTPPort)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Database.DSN != "postgres://override:5432/db" {
		t.Errorf("DSN = %q", cfg.Database.DSN)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.KeyHashes) != 1 {
		t.Errorf("auth not enabled by env hash: %+v", cfg.Auth)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Address != "redis-prod:6379" {
		t.Errorf("redis not enabled by env addr: %+v", cfg.Redis)
	}
	if !cfg.Kafka.Enabled {
		t.Error("kafka not enabled by env brokers")
	}
	want := []string{"k1:9092", "k2:9092"}
	if len(cfg.Kafka.Brokers) != len(want) {
		t.Fatalf("Brokers = %v, want %v", cfg.Kafka.Brokers, want)
	}
	for i := range want {
		if cfg.Kafka.Brokers[i] != want[i] {
			t.Errorf("Brokers[%d] = %q, want %q", i, cfg.Kafka.Brokers[i], want[i])
		}
	}
	if !cfg.Archive.Enabled || cfg.Archive.Bucket != "authsentry-archive" {
		t.Errorf("archive not enabled by env bucket: %+v", cfg.Archive)
	}
}

func TestSplitAndTrim(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ", []string{"a", "b"}},
		{"a,,b", []string{"a", "b"}},
		{"", nil},
		{" , ", nil},
	}

	for _, tt := range tests {
		got := splitAndTrim(tt.in, ",")
		if len(got) != len(tt.want) {
			t.Errorf("splitAndTrim(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("splitAndTrim(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}
