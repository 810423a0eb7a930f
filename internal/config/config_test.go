// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:9090"

database:
  path: "./test.db"
  timeout: "3s"

redis:
  addr: "localhost:6379"
  db: 2

presence:
  backend: "redis"
  ttl: "90s"

notifications:
  enabled: true
  transport: "smtp"
  queue: "asynq"
  max_attempts: 5
  timeout: "15s"
  backoff: "500ms"
  skip_online: true
  base_url: "https://app.example.com"
  smtp:
    host: "smtp.example.com"
    port: 2525
    from: "DentalLocus <noreply@example.com>"

inbox:
  concurrency: 4
  enrichment_timeout: "750ms"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9090")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Database.Timeout != 3*time.Second {
		t.Errorf("Database.Timeout = %v, want 3s", cfg.Database.Timeout)
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.DB != 2 {
		t.Errorf("Redis = %+v, want addr localhost:6379 db 2", cfg.Redis)
	}
	if cfg.Presence.Backend != "redis" || cfg.Presence.TTL != 90*time.Second {
		t.Errorf("Presence = %+v", cfg.Presence)
	}

	n := cfg.Notifications
	if !n.Enabled || n.Transport != "smtp" || n.Queue != "asynq" {
		t.Errorf("Notifications = %+v", n)
	}
	if n.MaxAttempts != 5 {
		t.Errorf("Notifications.MaxAttempts = %d, want 5", n.MaxAttempts)
	}
	if n.Timeout != 15*time.Second {
		t.Errorf("Notifications.Timeout = %v, want 15s", n.Timeout)
	}
	if n.Backoff != 500*time.Millisecond {
		t.Errorf("Notifications.Backoff = %v, want 500ms", n.Backoff)
	}
	if n.SMTP.Port != 2525 {
		t.Errorf("Notifications.SMTP.Port = %d, want 2525", n.SMTP.Port)
	}
	if !n.SkipOnline {
		t.Error("Notifications.SkipOnline = false, want true")
	}

	if cfg.Inbox.Concurrency != 4 || cfg.Inbox.EnrichmentTimeout != 750*time.Millisecond {
		t.Errorf("Inbox = %+v", cfg.Inbox)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want enabled at /metrics", cfg.Metrics)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "config.toml", `
[server]
http_addr = "0.0.0.0:7070"

[database]
path = "dm.db"
timeout = "2s"

[notifications]
enabled = true
transport = "matrix"

[notifications.matrix]
homeserver = "https://matrix.example.org"
user_id = "@locus:example.org"
access_token = "syt_token"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:7070" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:7070")
	}
	if cfg.Database.Timeout != 2*time.Second {
		t.Errorf("Database.Timeout = %v, want 2s", cfg.Database.Timeout)
	}
	if cfg.Notifications.Matrix.UserID != "@locus:example.org" {
		t.Errorf("Notifications.Matrix.UserID = %q", cfg.Notifications.Matrix.UserID)
	}
	if cfg.Notifications.Queue != "memory" {
		t.Errorf("Notifications.Queue = %q, want default memory", cfg.Notifications.Queue)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_LOCUS_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TEST_LOCUS_DB", "/tmp/expanded.db")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_LOCUS_DB}"
auth:
  jwt_secret: "${TEST_LOCUS_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/expanded.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/expanded.db")
	}
	if cfg.Auth.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "{}\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	if cfg.Server.HTTPAddr != want.Server.HTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, want.Server.HTTPAddr)
	}
	if cfg.Database.Timeout != 5*time.Second {
		t.Errorf("Database.Timeout = %v, want 5s", cfg.Database.Timeout)
	}
	if cfg.Presence.Backend != "local" || cfg.Presence.TTL != 2*time.Minute {
		t.Errorf("Presence = %+v", cfg.Presence)
	}
	if cfg.Notifications.Enabled {
		t.Error("Notifications.Enabled should default to false")
	}
	if cfg.Notifications.MaxAttempts != 3 || cfg.Notifications.Transport != "log" {
		t.Errorf("Notifications = %+v", cfg.Notifications)
	}
	if cfg.Inbox.Concurrency != 8 || cfg.Inbox.EnrichmentTimeout != 2*time.Second {
		t.Errorf("Inbox = %+v", cfg.Inbox)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid duration",
			content: "database:\n  timeout: \"soon\"\n",
			wantErr: "database.timeout",
		},
		{
			name:    "negative duration",
			content: "presence:\n  ttl: \"-1m\"\n",
			wantErr: "presence.ttl must not be negative",
		},
		{
			name:    "short jwt secret",
			content: "auth:\n  jwt_secret: \"short\"\n",
			wantErr: "auth.jwt_secret",
		},
		{
			name:    "redis presence without redis",
			content: "presence:\n  backend: redis\n",
			wantErr: "redis.addr is required",
		},
		{
			name:    "unknown presence backend",
			content: "presence:\n  backend: memcached\n",
			wantErr: "presence.backend",
		},
		{
			name:    "unknown transport",
			content: "notifications:\n  enabled: true\n  transport: pigeon\n",
			wantErr: "notifications.transport",
		},
		{
			name:    "smtp without host",
			content: "notifications:\n  enabled: true\n  transport: smtp\n",
			wantErr: "notifications.smtp.host",
		},
		{
			name:    "matrix without token",
			content: "notifications:\n  enabled: true\n  transport: matrix\n  matrix:\n    homeserver: https://m.org\n",
			wantErr: "notifications.matrix",
		},
		{
			name:    "asynq without redis",
			content: "notifications:\n  enabled: true\n  queue: asynq\n",
			wantErr: "notifications.queue is asynq",
		},
		{
			name:    "bad base url",
			content: "notifications:\n  enabled: true\n  base_url: \"ftp://example.com\"\n",
			wantErr: "notifications.base_url",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: verbose\n",
			wantErr: "logging.level",
		},
		{
			name:    "malformed yaml",
			content: "server: [unclosed\n",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "config.yaml", tt.content)
			_, err := Load(configPath)
			if err == nil {
				t.Fatal("Load() should have returned an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() should have returned an error for a missing file")
	}
	if !strings.Contains(err.Error(), "reading config file") {
		t.Errorf("Load() error = %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/locus-dm/custom.yaml")
	if got := DefaultPath(); got != "/etc/locus-dm/custom.yaml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "locus-dm", "config.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG path", got)
	}
}
