// Package config loads gatekeeper configuration.
//
// Sources, later overriding earlier:
//  1. Defaults (SetConfigDefaults)
//  2. config.yaml in ., ./configs, $HOME/.gatekeeper or /etc/gatekeeper,
//     or the file passed with --config
//  3. Environment variables, GATEKEEPER_ prefix with "." replaced by "_"
//     (GATEKEEPER_SERVER_PORT=8095). A .env file in the working directory is
//     loaded into the environment first without overriding variables that
//     are already set.
//
// The token lifecycle settings additionally honour their conventional bare
// names: JWT_SECRET, ACCESS_TOKEN_EXPIRY, REFRESH_TOKEN_EXPIRY,
// MAX_LOGIN_ATTEMPTS, MAX_REFRESH_TOKENS_PER_USER, REDIS_URL and DATABASE_URL.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "GATEKEEPER"

// ServiceConfig contains service-specific metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug"`
	BodyLimit       string        `mapstructure:"body_limit"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// RequestRate is the per-IP request limit in requests per second (0 = off).
	RequestRate float64 `mapstructure:"request_rate"`
}

// CacheConfig selects the token store.
type CacheConfig struct {
	// Backend is "redis" or "bolt".
	Backend  string `mapstructure:"backend"`
	RedisURL string `mapstructure:"redis_url"`
	BoltPath string `mapstructure:"bolt_path"`
	// SweepInterval is how often expired bolt entries are purged.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// DatabaseConfig selects the user store.
type DatabaseConfig struct {
	// Driver is "postgres", "couchdb" or "bolt".
	Driver string `mapstructure:"driver"`
	// URL is the PostgreSQL DSN or the CouchDB server URL.
	URL             string        `mapstructure:"url"`
	CouchDBName     string        `mapstructure:"couchdb_name"`
	BoltPath        string        `mapstructure:"bolt_path"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdle         int           `mapstructure:"max_idle"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SecurityConfig holds the token lifecycle settings. Expiries are in seconds.
type SecurityConfig struct {
	JWTSecret               string        `mapstructure:"jwt_secret"`
	Issuer                  string        `mapstructure:"issuer"`
	Signer                  string        `mapstructure:"signer"`
	AccessTokenExpiry       int           `mapstructure:"access_token_expiry"`
	RefreshTokenExpiry      int           `mapstructure:"refresh_token_expiry"`
	MaxLoginAttempts        int           `mapstructure:"max_login_attempts"`
	MaxRefreshTokensPerUser int           `mapstructure:"max_refresh_tokens_per_user"`
	LoginMetricsTTL         time.Duration `mapstructure:"login_metrics_ttl"`
	AtomicRegistry          bool          `mapstructure:"atomic_registry"`
}

// AccessTokenTTL is AccessTokenExpiry as a duration.
func (s SecurityConfig) AccessTokenTTL() time.Duration {
	return time.Duration(s.AccessTokenExpiry) * time.Second
}

// RefreshTokenTTL is RefreshTokenExpiry as a duration.
func (s SecurityConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(s.RefreshTokenExpiry) * time.Second
}

// RateLimitConfig configures the login limiter.
type RateLimitConfig struct {
	// Backend is "memory" or "redis".
	Backend string `mapstructure:"backend"`
	// Capacity defaults to security.max_login_attempts when zero.
	Capacity       int           `mapstructure:"capacity"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// AlertsConfig enables RabbitMQ delivery of security alerts.
type AlertsConfig struct {
	AMQPURL string `mapstructure:"amqp_url"`
	Queue   string `mapstructure:"queue"`
	// Alerts are published by Workers goroutines from a queue of Buffer
	// entries; alerts beyond that are logged and dropped.
	Workers int `mapstructure:"workers"`
	Buffer  int `mapstructure:"buffer"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Endpoint      string  `mapstructure:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete gatekeeper configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Security  SecurityConfig  `mapstructure:"security"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// envAliases maps configuration keys to their bare environment names.
var envAliases = map[string]string{
	"security.jwt_secret":                  "JWT_SECRET",
	"security.access_token_expiry":         "ACCESS_TOKEN_EXPIRY",
	"security.refresh_token_expiry":        "REFRESH_TOKEN_EXPIRY",
	"security.max_login_attempts":          "MAX_LOGIN_ATTEMPTS",
	"security.max_refresh_tokens_per_user": "MAX_REFRESH_TOKENS_PER_USER",
	"cache.redis_url":                      "REDIS_URL",
	"database.url":                         "DATABASE_URL",
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a loader for the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// NewLoaderWithViper uses v, e.g. one with cobra flags already bound.
func NewLoaderWithViper(v *viper.Viper, envPrefix string) *Loader {
	return &Loader{v: v, prefix: envPrefix}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the gatekeeper defaults.
func (l *Loader) SetConfigDefaults() {
	l.SetDefaults(map[string]interface{}{
		"service.name":        "gatekeeper",
		"service.environment": "development",

		"server.host":             "0.0.0.0",
		"server.port":             8080,
		"server.read_timeout":     "15s",
		"server.write_timeout":    "15s",
		"server.shutdown_timeout": "10s",
		"server.debug":            false,
		"server.body_limit":       "1M",
		"server.allowed_origins":  []string{"*"},
		"server.request_rate":     0,

		"cache.backend":        "redis",
		"cache.redis_url":      "redis://localhost:6379/0",
		"cache.bolt_path":      "gatekeeper-cache.db",
		"cache.sweep_interval": "5m",

		"database.driver":            "bolt",
		"database.url":               "",
		"database.bolt_path":         "gatekeeper-users.db",
		"database.couchdb_name":      "gatekeeper_users",
		"database.max_connections":   10,
		"database.max_idle":          5,
		"database.conn_max_lifetime": "1h",

		"security.jwt_secret":                  "",
		"security.issuer":                      "gatekeeper",
		"security.signer":                      "jwt",
		"security.access_token_expiry":         900,
		"security.refresh_token_expiry":        604800,
		"security.max_login_attempts":          5,
		"security.max_refresh_tokens_per_user": 5,
		"security.login_metrics_ttl":           "24h",
		"security.atomic_registry":             false,

		"rate_limit.backend":         "memory",
		"rate_limit.capacity":        0,
		"rate_limit.refill_interval": "3m",
		"rate_limit.timeout":         "500ms",

		"alerts.amqp_url": "",
		"alerts.queue":    "gatekeeper.security_alerts",
		"alerts.workers":  1,
		"alerts.buffer":   100,

		"tracing.enabled":        false,
		"tracing.endpoint":       "http://localhost:4318",
		"tracing.sampling_ratio": 1.0,

		"metrics.enabled": true,
		"metrics.path":    "/metrics",

		"logging.level":  "info",
		"logging.format": "text",
	})
}

// Load reads configuration from file, .env and environment variables into
// target. If cfgFile is empty, config.yaml is searched in standard locations
// and its absence is not an error.
func (l *Loader) Load(cfgFile string, target interface{}) error {
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.gatekeeper")
		l.v.AddConfigPath("/etc/gatekeeper")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error reading .env: %w", err)
	}

	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	for key, alias := range envAliases {
		prefixed := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if l.prefix != "" {
			prefixed = l.prefix + "_" + prefixed
		}
		if err := l.v.BindEnv(key, prefixed, alias); err != nil {
			return err
		}
	}

	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}
	return nil
}

// LoadConfig loads and validates configuration with the gatekeeper defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	return LoadConfigWithViper(viper.New(), cfgFile)
}

// LoadConfigWithViper is LoadConfig on a caller-supplied viper instance.
func LoadConfigWithViper(v *viper.Viper, cfgFile string) (*Config, error) {
	loader := NewLoaderWithViper(v, EnvPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Capacity <= 0 {
		cfg.RateLimit.Capacity = cfg.Security.MaxLoginAttempts
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", cfg.Server.Port))
	}

	if cfg.Security.JWTSecret == "" {
		errs = append(errs, errors.New("security.jwt_secret (JWT_SECRET) is required"))
	}
	if cfg.Security.AccessTokenExpiry <= 0 {
		errs = append(errs, fmt.Errorf("access token expiry must be positive, got %d", cfg.Security.AccessTokenExpiry))
	}
	if cfg.Security.RefreshTokenExpiry <= 0 {
		errs = append(errs, fmt.Errorf("refresh token expiry must be positive, got %d", cfg.Security.RefreshTokenExpiry))
	}
	if cfg.Security.MaxLoginAttempts < 1 {
		errs = append(errs, fmt.Errorf("max login attempts must be at least 1, got %d", cfg.Security.MaxLoginAttempts))
	}
	switch cfg.Security.Signer {
	case "jwt", "jwx":
	default:
		errs = append(errs, fmt.Errorf("unknown token signer %q", cfg.Security.Signer))
	}

	switch cfg.Cache.Backend {
	case "redis":
		if cfg.Cache.RedisURL == "" {
			errs = append(errs, errors.New("cache.redis_url is required for the redis backend"))
		}
	case "bolt":
		if cfg.Cache.BoltPath == "" {
			errs = append(errs, errors.New("cache.bolt_path is required for the bolt backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend))
	}

	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.URL == "" {
			errs = append(errs, errors.New("database.url (DATABASE_URL) is required for the postgres driver"))
		}
	case "couchdb":
		if cfg.Database.URL == "" {
			errs = append(errs, errors.New("database.url (DATABASE_URL) is required for the couchdb driver"))
		}
		if cfg.Database.CouchDBName == "" {
			errs = append(errs, errors.New("database.couchdb_name is required for the couchdb driver"))
		}
	case "bolt":
		if cfg.Database.BoltPath == "" {
			errs = append(errs, errors.New("database.bolt_path is required for the bolt driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", cfg.Database.Driver))
	}

	switch cfg.RateLimit.Backend {
	case "memory":
	case "redis":
		if cfg.Cache.Backend != "redis" {
			errs = append(errs, errors.New("the redis rate limiter requires the redis cache backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend))
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		errs = append(errs, errors.New("rate_limit.refill_interval must be positive"))
	}

	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
		}
		if cfg.Tracing.SamplingRatio < 0 || cfg.Tracing.SamplingRatio > 1 {
			errs = append(errs, fmt.Errorf("tracing.sampling_ratio must be within [0, 1], got %g", cfg.Tracing.SamplingRatio))
		}
	}

	return errors.Join(errs...)
}
