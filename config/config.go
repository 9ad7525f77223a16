// Package config loads the collaboration service configuration from YAML
// files, .env files and environment variables, in increasing precedence.
//
// Environment variables use the COLLAB_ prefix with underscores for nested
// keys, e.g. COLLAB_SERVER_PORT=4000. The bare PORT and FRONTEND_URL
// variables are honored as well because hosting platforms inject them.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 4000)
	Port int `mapstructure:"port"`

	// ShutdownTimeout is the grace period for draining on shutdown,
	// parsed as a duration string (default: 10s)
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

// CacheConfig points at the hot store (Redis, Valkey or DragonflyDB).
type CacheConfig struct {
	// URL in redis scheme, e.g. redis://:password@localhost:6379/0
	URL string `mapstructure:"url"`
}

// StoreConfig selects and configures the durable document store.
type StoreConfig struct {
	// Backend is "couchdb" or "bolt"
	Backend string `mapstructure:"backend"`

	// URL is the CouchDB server URL including credentials
	URL string `mapstructure:"url"`

	// Database is the CouchDB database name
	Database string `mapstructure:"database"`

	// Path is the bbolt file path for the embedded backend
	Path string `mapstructure:"path"`
}

// SecurityConfig contains the CORS/origin allowlist.
type SecurityConfig struct {
	// FrontendURL is the primary allowed origin
	FrontendURL string `mapstructure:"frontend_url"`

	// AllowedOrigins are additional allowed origin patterns
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// RateLimit is requests per second per client on HTTP endpoints
	RateLimit float64 `mapstructure:"rate_limit"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the root configuration of the collaboration service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Store    StoreConfig    `mapstructure:"store"`
	Security SecurityConfig `mapstructure:"security"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Origins returns the full origin allowlist: the frontend URL plus any
// additional patterns.
func (c *Config) Origins() []string {
	origins := make([]string, 0, len(c.Security.AllowedOrigins)+1)
	if c.Security.FrontendURL != "" {
		origins = append(origins, c.Security.FrontendURL)
	}
	origins = append(origins, c.Security.AllowedOrigins...)
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetConfigDefaults sets the service defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 4000)
	l.v.SetDefault("server.shutdown_timeout", "10s")

	l.v.SetDefault("cache.url", "redis://localhost:6379/0")

	l.v.SetDefault("store.backend", "couchdb")
	l.v.SetDefault("store.url", "http://localhost:5984")
	l.v.SetDefault("store.database", "diagrams")
	l.v.SetDefault("store.path", "collab.db")

	l.v.SetDefault("security.frontend_url", "")
	l.v.SetDefault("security.allowed_origins", []string{})
	l.v.SetDefault("security.rate_limit", 50)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, config.yaml is searched in standard locations.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("/etc/collab")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig()

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Platform-injected variables without the prefix.
	_ = l.v.BindEnv("server.port", "COLLAB_SERVER_PORT", "PORT")
	_ = l.v.BindEnv("security.frontend_url", "COLLAB_SECURITY_FRONTEND_URL", "FRONTEND_URL")
	_ = l.v.BindEnv("cache.url", "COLLAB_CACHE_URL", "REDIS_URL")
	_ = l.v.BindEnv("store.url", "COLLAB_STORE_URL", "COUCHDB_URL")

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// LoadConfig loads and validates the service configuration.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("COLLAB")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Store.Backend {
	case "couchdb":
		if cfg.Store.URL == "" {
			return fmt.Errorf("store.url is required for the couchdb backend")
		}
		if cfg.Store.Database == "" {
			return fmt.Errorf("store.database is required for the couchdb backend")
		}
	case "bolt":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", cfg.Store.Backend)
	}
	if cfg.Cache.URL == "" {
		return fmt.Errorf("cache.url is required")
	}
	return nil
}
