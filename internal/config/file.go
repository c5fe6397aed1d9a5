package config

import (
	"fmt"
	"time"
)

// File mirrors Config for on-disk JSON/YAML. Durations are strings ("30s")
// and absent fields leave the underlying value untouched.
type File struct {
	HTTP *struct {
		Host            string `json:"host" yaml:"host"`
		Port            int    `json:"port" yaml:"port"`
		ReadTimeout     string `json:"read_timeout" yaml:"read_timeout"`
		WriteTimeout    string `json:"write_timeout" yaml:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	} `json:"http" yaml:"http"`

	WebSocket *struct {
		PingInterval     string   `json:"ping_interval" yaml:"ping_interval"`
		ReadTimeout      string   `json:"read_timeout" yaml:"read_timeout"`
		WriteTimeout     string   `json:"write_timeout" yaml:"write_timeout"`
		HandshakeTimeout string   `json:"handshake_timeout" yaml:"handshake_timeout"`
		BufferSize       int      `json:"buffer_size" yaml:"buffer_size"`
		AllowedOrigins   []string `json:"allowed_origins" yaml:"allowed_origins"`
	} `json:"websocket" yaml:"websocket"`

	Database *struct {
		Path           string `json:"path" yaml:"path"`
		Timeout        string `json:"timeout" yaml:"timeout"`
		MaxConnections int    `json:"max_connections" yaml:"max_connections"`
		RetryDelay     string `json:"retry_delay" yaml:"retry_delay"`
	} `json:"database" yaml:"database"`

	Queue *struct {
		Backend       string `json:"backend" yaml:"backend"`
		Capacity      int    `json:"capacity" yaml:"capacity"`
		MaxAge        string `json:"max_age" yaml:"max_age"`
		PruneInterval string `json:"prune_interval" yaml:"prune_interval"`
	} `json:"queue" yaml:"queue"`

	Redis *struct {
		Addr      string `json:"addr" yaml:"addr"`
		Password  string `json:"password" yaml:"password"`
		DB        int    `json:"db" yaml:"db"`
		KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
	} `json:"redis" yaml:"redis"`

	NATS *struct {
		URL           string `json:"url" yaml:"url"`
		SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
		Name          string `json:"name" yaml:"name"`
	} `json:"nats" yaml:"nats"`

	Auth *struct {
		JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
		Issuer    string `json:"issuer" yaml:"issuer"`
	} `json:"auth" yaml:"auth"`

	Logging *struct {
		Level  string `json:"level" yaml:"level"`
		Format string `json:"format" yaml:"format"`
		Output string `json:"output" yaml:"output"`
	} `json:"logging" yaml:"logging"`

	RateLimit *struct {
		MessagesPerWindow int    `json:"messages_per_window" yaml:"messages_per_window"`
		Window            string `json:"window" yaml:"window"`
		CleanupInterval   string `json:"cleanup_interval" yaml:"cleanup_interval"`
		IdleTTL           string `json:"idle_ttl" yaml:"idle_ttl"`
	} `json:"rate_limit" yaml:"rate_limit"`

	Hub *struct {
		Workers    int `json:"workers" yaml:"workers"`
		BufferSize int `json:"buffer_size" yaml:"buffer_size"`
	} `json:"hub" yaml:"hub"`
}

func (f *File) apply(cfg *Config) error {
	var p overlay

	if s := f.HTTP; s != nil {
		p.str(&cfg.HTTP.Host, s.Host)
		p.int(&cfg.HTTP.Port, s.Port)
		p.dur(&cfg.HTTP.ReadTimeout, "http.read_timeout", s.ReadTimeout)
		p.dur(&cfg.HTTP.WriteTimeout, "http.write_timeout", s.WriteTimeout)
		p.dur(&cfg.HTTP.ShutdownTimeout, "http.shutdown_timeout", s.ShutdownTimeout)
	}
	if s := f.WebSocket; s != nil {
		p.dur(&cfg.WebSocket.PingInterval, "websocket.ping_interval", s.PingInterval)
		p.dur(&cfg.WebSocket.ReadTimeout, "websocket.read_timeout", s.ReadTimeout)
		p.dur(&cfg.WebSocket.WriteTimeout, "websocket.write_timeout", s.WriteTimeout)
		p.dur(&cfg.WebSocket.HandshakeTimeout, "websocket.handshake_timeout", s.HandshakeTimeout)
		p.int(&cfg.WebSocket.BufferSize, s.BufferSize)
		if len(s.AllowedOrigins) > 0 {
			cfg.WebSocket.AllowedOrigins = s.AllowedOrigins
		}
	}
	if s := f.Database; s != nil {
		p.str(&cfg.Database.Path, s.Path)
		p.dur(&cfg.Database.Timeout, "database.timeout", s.Timeout)
		p.int(&cfg.Database.MaxConnections, s.MaxConnections)
		p.dur(&cfg.Database.RetryDelay, "database.retry_delay", s.RetryDelay)
	}
	if s := f.Queue; s != nil {
		p.str(&cfg.Queue.Backend, s.Backend)
		p.int(&cfg.Queue.Capacity, s.Capacity)
		p.dur(&cfg.Queue.MaxAge, "queue.max_age", s.MaxAge)
		p.dur(&cfg.Queue.PruneInterval, "queue.prune_interval", s.PruneInterval)
	}
	if s := f.Redis; s != nil {
		p.str(&cfg.Redis.Addr, s.Addr)
		p.str(&cfg.Redis.Password, s.Password)
		p.int(&cfg.Redis.DB, s.DB)
		p.str(&cfg.Redis.KeyPrefix, s.KeyPrefix)
	}
	if s := f.NATS; s != nil {
		p.str(&cfg.NATS.URL, s.URL)
		p.str(&cfg.NATS.SubjectPrefix, s.SubjectPrefix)
		p.str(&cfg.NATS.Name, s.Name)
	}
	if s := f.Auth; s != nil {
		p.str(&cfg.Auth.JWTSecret, s.JWTSecret)
		p.str(&cfg.Auth.Issuer, s.Issuer)
	}
	if s := f.Logging; s != nil {
		p.str(&cfg.Logging.Level, s.Level)
		p.str(&cfg.Logging.Format, s.Format)
		p.str(&cfg.Logging.Output, s.Output)
	}
	if s := f.RateLimit; s != nil {
		p.int(&cfg.RateLimit.MessagesPerWindow, s.MessagesPerWindow)
		p.dur(&cfg.RateLimit.Window, "rate_limit.window", s.Window)
		p.dur(&cfg.RateLimit.CleanupInterval, "rate_limit.cleanup_interval", s.CleanupInterval)
		p.dur(&cfg.RateLimit.IdleTTL, "rate_limit.idle_ttl", s.IdleTTL)
	}
	if s := f.Hub; s != nil {
		p.int(&cfg.Hub.Workers, s.Workers)
		p.int(&cfg.Hub.BufferSize, s.BufferSize)
	}

	return p.err
}

// overlay records the first parse error and skips zero values
type overlay struct {
	err error
}

func (o *overlay) str(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (o *overlay) int(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func (o *overlay) dur(dst *time.Duration, field, v string) {
	if v == "" || o.err != nil {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.err = fmt.Errorf("%s: %w", field, err)
		return
	}
	*dst = d
}
