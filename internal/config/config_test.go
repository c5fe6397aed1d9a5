package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef-test-secret"

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Auth.JWTSecret = testSecret
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// FUNCTIONAL VALIDATION TEST: Default configuration provides production-ready settings
func TestConfig_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.Path == "" {
		t.Error("Default database path should not be empty")
	}
	if cfg.HTTP.Port != 8080 {
		t.Errorf("Default HTTP port = %d, want 8080", cfg.HTTP.Port)
	}
	if cfg.Queue.Backend != QueueBackendSQLite {
		t.Errorf("Default queue backend = %s", cfg.Queue.Backend)
	}
	if cfg.RateLimit.MessagesPerWindow != 100 || cfg.RateLimit.Window != time.Minute {
		t.Errorf("Default rate limit = %d/%s", cfg.RateLimit.MessagesPerWindow, cfg.RateLimit.Window)
	}
	if cfg.NATS.URL != "" {
		t.Error("NATS should be disabled by default")
	}

	// No secret ships by default
	if err := cfg.Validate(); err == nil {
		t.Error("defaults without a JWT secret should not validate")
	}
}

// FUNCTIONAL VALIDATION TEST: Configuration validation prevents invalid settings
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad port", mutate: func(c *Config) { c.HTTP.Port = -1 }, wantErr: "port"},
		{name: "ephemeral port", mutate: func(c *Config) { c.HTTP.Port = 0 }},
		{name: "empty database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database path"},
		{name: "unknown queue backend", mutate: func(c *Config) { c.Queue.Backend = "kafka" }, wantErr: "queue backend"},
		{name: "zero queue capacity", mutate: func(c *Config) { c.Queue.Capacity = 0 }, wantErr: "queue capacity"},
		{name: "redis backend without addr", mutate: func(c *Config) {
			c.Queue.Backend = QueueBackendRedis
			c.Redis.Addr = ""
		}, wantErr: "redis address"},
		{name: "short secret", mutate: func(c *Config) { c.Auth.JWTSecret = "short" }, wantErr: "16 characters"},
		{name: "read timeout below ping", mutate: func(c *Config) {
			c.WebSocket.ReadTimeout = c.WebSocket.PingInterval
		}, wantErr: "read timeout"},
		{name: "nats without prefix", mutate: func(c *Config) {
			c.NATS.URL = "nats://localhost:4222"
			c.NATS.SubjectPrefix = ""
		}, wantErr: "subject prefix"},
		{name: "zero hub workers", mutate: func(c *Config) { c.Hub.Workers = 0 }, wantErr: "hub workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

// FUNCTIONAL VALIDATION TEST: Environment variable configuration loading
func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("APHILA_HTTP_PORT", "9090")
	t.Setenv("APHILA_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("APHILA_QUEUE_CAPACITY", "5")
	t.Setenv("APHILA_QUEUE_MAX_AGE", "1h")
	t.Setenv("APHILA_WEBSOCKET_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("APHILA_HUB_WORKERS", "not-a-number")

	cfg := LoadFromEnv()

	if cfg.HTTP.Port != 9090 {
		t.Errorf("Expected HTTP port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Expected database path /tmp/test.db, got %s", cfg.Database.Path)
	}
	if cfg.Queue.Capacity != 5 || cfg.Queue.MaxAge != time.Hour {
		t.Errorf("queue = %d/%s", cfg.Queue.Capacity, cfg.Queue.MaxAge)
	}
	if len(cfg.WebSocket.AllowedOrigins) != 2 || cfg.WebSocket.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("origins = %v", cfg.WebSocket.AllowedOrigins)
	}
	if cfg.Hub.Workers != DefaultConfig().Hub.Workers {
		t.Errorf("unparseable override should keep default, got %d", cfg.Hub.Workers)
	}
}

// TECHNICAL VALIDATION TEST: Configuration file parsing
func TestConfig_LoadFromFile_JSON(t *testing.T) {
	path := writeFile(t, "aphila.json", `{
		"database": {"path": "/tmp/testfile.db", "timeout": "10s"},
		"http": {"port": 8081, "read_timeout": "10s"},
		"queue": {"backend": "memory", "capacity": 50}
	}`)

	cfg, err := LoadFromFile(path, nil)
	if err != nil {
		t.Fatalf("LoadFromFile should succeed: %v", err)
	}

	if cfg.Database.Path != "/tmp/testfile.db" || cfg.Database.Timeout != 10*time.Second {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.HTTP.Port != 8081 || cfg.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	// Unset fields keep defaults
	if cfg.HTTP.WriteTimeout != 30*time.Second {
		t.Errorf("write timeout should keep default, got %s", cfg.HTTP.WriteTimeout)
	}
	if cfg.Queue.Backend != QueueBackendMemory || cfg.Queue.Capacity != 50 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
}

func TestConfig_LoadFromFile_YAML(t *testing.T) {
	path := writeFile(t, "aphila.yaml", `
queue:
  backend: redis
  max_age: 24h
redis:
  addr: redis:6379
  db: 2
nats:
  url: nats://nats:4222
auth:
  jwt_secret: yaml-secret-value-long-enough
`)

	cfg, err := LoadFromFile(path, nil)
	if err != nil {
		t.Fatalf("LoadFromFile should succeed: %v", err)
	}

	if cfg.Queue.Backend != QueueBackendRedis || cfg.Queue.MaxAge != 24*time.Hour {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.NATS.URL != "nats://nats:4222" || cfg.NATS.SubjectPrefix != "aphila.push" {
		t.Errorf("nats = %+v", cfg.NATS)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("yaml config should validate: %v", err)
	}
}

func TestConfig_LoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"), nil); err == nil {
		t.Error("missing file should fail")
	}

	bad := writeFile(t, "bad.json", `{"http": {"read_timeout": "soon"}}`)
	_, err := LoadFromFile(bad, nil)
	if err == nil || !strings.Contains(err.Error(), "http.read_timeout") {
		t.Errorf("bad duration error = %v", err)
	}

	garbled := writeFile(t, "garbled.yaml", "queue: [unterminated")
	if _, err := LoadFromFile(garbled, nil); err == nil {
		t.Error("malformed yaml should fail")
	}
}

// TECHNICAL VALIDATION TEST: File overrides environment which overrides defaults
func TestConfig_LoadPrecedence(t *testing.T) {
	t.Setenv("APHILA_JWT_SECRET", testSecret)
	t.Setenv("APHILA_HTTP_PORT", "9000")
	t.Setenv("APHILA_DATABASE_PATH", "/env/path.db")

	path := writeFile(t, "aphila.json", `{"database": {"path": "/file/path.db"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/file/path.db" {
		t.Errorf("file should win over env, got %s", cfg.Database.Path)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("env should win over defaults, got %d", cfg.HTTP.Port)
	}
	if cfg.Addr() != "0.0.0.0:9000" {
		t.Errorf("Addr() = %s", cfg.Addr())
	}

	t.Setenv("APHILA_JWT_SECRET", "")
	t.Setenv("APHILA_QUEUE_CAPACITY", "0")
	if _, err := Load(""); err == nil {
		t.Error("Load without a secret should fail validation")
	}
}
