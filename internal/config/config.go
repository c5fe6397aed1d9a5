package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Queue backends
const (
	QueueBackendMemory = "memory"
	QueueBackendSQLite = "sqlite"
	QueueBackendRedis  = "redis"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "APHILA_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig
	WebSocket *WebSocketConfig
	Database  *DatabaseConfig
	Queue     *QueueConfig
	Redis     *RedisConfig
	NATS      *NATSConfig
	Auth      *AuthConfig
	Logging   *LoggingConfig
	RateLimit *RateLimitConfig
	Hub       *HubConfig
}

type HTTPConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type WebSocketConfig struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int
	AllowedOrigins   []string
}

type DatabaseConfig struct {
	Path           string
	Timeout        time.Duration
	MaxConnections int
	RetryDelay     time.Duration
}

// QueueConfig bounds every per-user offline queue
type QueueConfig struct {
	Backend       string
	Capacity      int
	MaxAge        time.Duration // zero keeps messages until drained
	PruneInterval time.Duration
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NATSConfig enables push hand-off when URL is set
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

type AuthConfig struct {
	JWTSecret string
	Issuer    string
}

type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

type RateLimitConfig struct {
	MessagesPerWindow int
	Window            time.Duration
	CleanupInterval   time.Duration
	IdleTTL           time.Duration
}

// HubConfig sizes the inbound event workers
type HubConfig struct {
	Workers    int
	BufferSize int
}

// DefaultConfig returns local-development defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:     30 * time.Second,
			ReadTimeout:      60 * time.Second,
			WriteTimeout:     5 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			BufferSize:       100,
		},
		Database: &DatabaseConfig{
			Path:           "./data/aphila.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
			RetryDelay:     5 * time.Second,
		},
		Queue: &QueueConfig{
			Backend:       QueueBackendSQLite,
			Capacity:      200,
			MaxAge:        7 * 24 * time.Hour,
			PruneInterval: 10 * time.Minute,
		},
		Redis: &RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "aphila:queue:",
		},
		NATS: &NATSConfig{
			SubjectPrefix: "aphila.push",
			Name:          "aphila-realtime",
		},
		Auth: &AuthConfig{},
		Logging: &LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		RateLimit: &RateLimitConfig{
			MessagesPerWindow: 100,
			Window:            time.Minute,
			CleanupInterval:   time.Minute,
			IdleTTL:           5 * time.Minute,
		},
		Hub: &HubConfig{
			Workers:    8,
			BufferSize: 1000,
		},
	}
}

// Validate rejects configurations that would fail at runtime
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	// Port 0 binds an ephemeral port
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 || c.WebSocket.HandshakeTimeout <= 0 {
		return fmt.Errorf("WebSocket timeouts must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}
	if c.Database.RetryDelay < 0 {
		return fmt.Errorf("database retry delay cannot be negative")
	}

	if c.Queue == nil {
		return fmt.Errorf("queue configuration is required")
	}
	switch c.Queue.Backend {
	case QueueBackendMemory, QueueBackendSQLite, QueueBackendRedis:
	default:
		return fmt.Errorf("queue backend must be memory, sqlite or redis, got %q", c.Queue.Backend)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.Queue.MaxAge < 0 {
		return fmt.Errorf("queue max age cannot be negative")
	}
	if c.Queue.PruneInterval <= 0 {
		return fmt.Errorf("queue prune interval must be positive")
	}

	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}
	if c.Queue.Backend == QueueBackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for the redis queue backend")
	}

	if c.NATS == nil {
		return fmt.Errorf("NATS configuration is required")
	}
	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("NATS subject prefix cannot be empty")
	}

	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth JWT secret must be at least 16 characters")
	}

	if c.Logging == nil {
		return fmt.Errorf("logging configuration is required")
	}

	if c.RateLimit == nil {
		return fmt.Errorf("rate limit configuration is required")
	}
	if c.RateLimit.MessagesPerWindow <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit must allow a positive number of messages per positive window")
	}
	if c.RateLimit.CleanupInterval <= 0 || c.RateLimit.IdleTTL <= 0 {
		return fmt.Errorf("rate limit cleanup interval and idle TTL must be positive")
	}

	if c.Hub == nil {
		return fmt.Errorf("hub configuration is required")
	}
	if c.Hub.Workers <= 0 || c.Hub.BufferSize <= 0 {
		return fmt.Errorf("hub workers and buffer size must be positive")
	}

	return nil
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// ApplyEnv overrides cfg with APHILA_* environment variables.
// Unparseable values are ignored and the previous value is kept.
func ApplyEnv(cfg *Config) {
	setString(&cfg.HTTP.Host, "HTTP_HOST")
	setInt(&cfg.HTTP.Port, "HTTP_PORT")
	setDuration(&cfg.HTTP.ReadTimeout, "HTTP_READ_TIMEOUT")
	setDuration(&cfg.HTTP.WriteTimeout, "HTTP_WRITE_TIMEOUT")
	setDuration(&cfg.HTTP.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT")

	setDuration(&cfg.WebSocket.PingInterval, "WEBSOCKET_PING_INTERVAL")
	setDuration(&cfg.WebSocket.ReadTimeout, "WEBSOCKET_READ_TIMEOUT")
	setDuration(&cfg.WebSocket.WriteTimeout, "WEBSOCKET_WRITE_TIMEOUT")
	setInt(&cfg.WebSocket.BufferSize, "WEBSOCKET_BUFFER_SIZE")
	if origins := os.Getenv(EnvPrefix + "WEBSOCKET_ALLOWED_ORIGINS"); origins != "" {
		cfg.WebSocket.AllowedOrigins = splitList(origins)
	}

	setString(&cfg.Database.Path, "DATABASE_PATH")
	setDuration(&cfg.Database.Timeout, "DATABASE_TIMEOUT")

	setString(&cfg.Queue.Backend, "QUEUE_BACKEND")
	setInt(&cfg.Queue.Capacity, "QUEUE_CAPACITY")
	setDuration(&cfg.Queue.MaxAge, "QUEUE_MAX_AGE")
	setDuration(&cfg.Queue.PruneInterval, "QUEUE_PRUNE_INTERVAL")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.SubjectPrefix, "NATS_SUBJECT_PREFIX")

	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Auth.Issuer, "JWT_ISSUER")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")
	setString(&cfg.Logging.Output, "LOG_OUTPUT")

	setInt(&cfg.RateLimit.MessagesPerWindow, "RATE_LIMIT_MESSAGES")
	setDuration(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW")

	setInt(&cfg.Hub.Workers, "HUB_WORKERS")
}

// LoadFromEnv returns defaults overridden by the environment
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	ApplyEnv(cfg)
	return cfg
}

// LoadFromFile parses a JSON or YAML file (chosen by extension) on top of base.
// A nil base starts from defaults.
func LoadFromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := file.apply(cfg); err != nil {
		return nil, fmt.Errorf("invalid value in %s: %w", path, err)
	}

	return cfg, nil
}

// Load resolves configuration with precedence file > environment > defaults
// and validates the result
func Load(path string) (*Config, error) {
	cfg := LoadFromEnv()

	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
