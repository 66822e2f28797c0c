package config

import (
	"context"
	"time"
)

// Config is the complete runtime configuration of the knowledge base server.
type Config struct {
	Dify   DifyConfig   `koanf:"dify"   validate:"required"`
	Cache  CacheConfig  `koanf:"cache"  validate:"required"`
	Server ServerConfig `koanf:"server" validate:"required"`
	Log    LogConfig    `koanf:"log"`
}

// DifyConfig describes how to reach the upstream knowledge service.
type DifyConfig struct {
	BaseURL      string          `koanf:"base_url"       env:"DIFY_BASE_URL"       validate:"required,url"`
	APIKey       SensitiveString `koanf:"api_key"        env:"DIFY_API_KEY"        sensitive:"true"`
	Timeout      time.Duration   `koanf:"timeout"        env:"DIFY_TIMEOUT"`
	ListPageSize int             `koanf:"list_page_size" env:"DIFY_LIST_PAGE_SIZE" validate:"min=1,max=100"`
}

type CacheConfig struct {
	TTL     time.Duration `koanf:"ttl"     env:"CACHE_TTL"`
	Cleanup time.Duration `koanf:"cleanup" env:"CACHE_CLEANUP"`
}

// ServerConfig contains the transport front-end configuration.
type ServerConfig struct {
	Transport       string        `koanf:"transport"        env:"TRANSPORT_TYPE"   validate:"oneof=stdio http sse"`
	Host            string        `koanf:"host"             env:"HOST"             validate:"required"`
	Port            int           `koanf:"port"             env:"PORT"             validate:"min=0,max=65535"`
	PortAttempts    int           `koanf:"port_attempts"    env:"PORT_ATTEMPTS"    validate:"min=1"`
	MaxSessions     int           `koanf:"max_sessions"     env:"MAX_SESSIONS"     validate:"min=1"`
	SessionTimeout  time.Duration `koanf:"session_timeout"  env:"SESSION_TIMEOUT"`
	AllowedOrigins  []string      `koanf:"allowed_origins"  env:"ALLOWED_ORIGINS"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"  env:"METRICS_ENABLED"`
}

type LogConfig struct {
	Level string `koanf:"level" env:"LOG_LEVEL" validate:"oneof=debug info warn error disabled"`
	JSON  bool   `koanf:"json"  env:"LOG_JSON"`
}

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
	TransportSSE   = "sse"
)

// Service loads and validates configuration.
type Service interface {
	Load(ctx context.Context, sources ...Source) (*Config, error)
	Validate(config *Config) error
}

// Source defines the interface for configuration sources.
type Source interface {
	Load() (map[string]any, error)
	// Watch invokes callback whenever the source content changes.
	Watch(ctx context.Context, callback func()) error
	Type() SourceType
	Close() error
}

type SourceType string

const (
	SourceCLI  SourceType = "cli"
	SourceYAML SourceType = "yaml"
	SourceEnv  SourceType = "env"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Dify: DifyConfig{
			BaseURL:      "https://api.dify.ai/v1",
			Timeout:      30 * time.Second,
			ListPageSize: 100,
		},
		Cache: CacheConfig{
			TTL:     time.Hour,
			Cleanup: 5 * time.Minute,
		},
		Server: ServerConfig{
			Transport:       TransportStdio,
			Host:            "0.0.0.0",
			Port:            3000,
			PortAttempts:    10,
			MaxSessions:     100,
			SessionTimeout:  30 * time.Minute,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
