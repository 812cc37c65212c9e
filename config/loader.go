// =============================================================================
// 📦 delegateflow configuration loader
// =============================================================================
// YAML file plus environment overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("DELEGATEFLOW").
//	    Load()
//
// Precedence: defaults → YAML file → environment
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/delegateflow/admission"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/identity"
	"github.com/BaSui01/delegateflow/internal/cache"
	"github.com/BaSui01/delegateflow/internal/database"
	"github.com/BaSui01/delegateflow/matching"
	"github.com/BaSui01/delegateflow/stream"
	"github.com/BaSui01/delegateflow/taskqueue"
	"github.com/BaSui01/delegateflow/validation"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 Configuration tree
// =============================================================================

// Config is the complete delegateflow configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Auth      AuthConfig      `yaml:"auth" env:"AUTH"`

	// Queue drives task rebroadcast, expiry and garbage collection.
	Queue taskqueue.Config `yaml:"queue" env:"QUEUE"`

	// Matching bounds verdict polling and verdict lifetimes.
	Matching matching.Config `yaml:"matching" env:"MATCHING"`

	// Admission limits are reloaded from the config file at runtime.
	Admission admission.Config `yaml:"admission" env:"ADMISSION"`

	Registry   delegate.RegistryConfig  `yaml:"registry" env:"REGISTRY"`
	Identity   identity.Config          `yaml:"identity" env:"IDENTITY"`
	Validation validation.MonitorConfig `yaml:"validation" env:"VALIDATION"`
	Cache      CacheConfig              `yaml:"cache" env:"CACHE"`
	Stream     StreamConfig             `yaml:"stream" env:"STREAM"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	HTTPPort    int `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`

	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// Per-IP token bucket
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	// CORS origins; empty disables cross-origin access
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// RedisConfig configures the shared Redis instance. When disabled every
// Redis-backed component falls back to its in-process variant, which is only
// correct for a single node.
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	TLSEnabled   bool   `yaml:"tls_enabled" env:"TLS_ENABLED"`

	// KeyPrefix namespaces cache keys, locks and pub/sub channels.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// CacheOptions converts the section into the cache manager's config.
func (r RedisConfig) CacheOptions(defaultTTL time.Duration) cache.Config {
	c := cache.DefaultConfig()
	c.Addr = r.Addr
	c.Password = r.Password
	c.DB = r.DB
	c.PoolSize = r.PoolSize
	c.MinIdleConns = r.MinIdleConns
	c.TLSEnabled = r.TLSEnabled
	c.KeyPrefix = r.KeyPrefix
	if defaultTTL > 0 {
		c.DefaultTTL = defaultTTL
	}
	return c
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// Driver: postgres, mysql, sqlite (pure Go) or sqlite3 (cgo)
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	// Name is the database name, or the file path for sqlite.
	Name    string `yaml:"name" env:"NAME"`
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`

	// AutoMigrate applies pending migrations at server start.
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// Pool converts the section into the pool manager's config.
func (d DatabaseConfig) Pool() database.PoolConfig {
	p := database.DefaultPoolConfig()
	if d.MaxOpenConns > 0 {
		p.MaxOpenConns = d.MaxOpenConns
	}
	if d.MaxIdleConns > 0 {
		p.MaxIdleConns = d.MaxIdleConns
	}
	if d.ConnMaxLifetime > 0 {
		p.ConnMaxLifetime = d.ConnMaxLifetime
	}
	return p
}

// LogConfig configures zap.
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json or console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// AuthConfig configures request authentication. Delegates present HS256
// bearer tokens, operators present API keys.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// APIKeys accepted in the X-API-Key header
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// AllowQueryAPIKey also accepts ?api_key= for clients that cannot set headers.
	AllowQueryAPIKey bool `yaml:"allow_query_api_key" env:"ALLOW_QUERY_API_KEY"`
}

// CacheConfig sizes the in-process verdict and count caches used without Redis.
type CacheConfig struct {
	Size int           `yaml:"size" env:"SIZE"`
	TTL  time.Duration `yaml:"ttl" env:"TTL"`
}

// StreamConfig configures the account broadcast stream.
type StreamConfig struct {
	Hub       stream.HubConfig     `yaml:"hub" env:"HUB"`
	WebSocket stream.HandlerConfig `yaml:"websocket" env:"WEBSOCKET"`
}

// =============================================================================
// 🔧 Loader
// =============================================================================

// Loader builds a Config (builder style).
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the DELEGATEFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "DELEGATEFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load builds the configuration: defaults, then file, then environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// missing file keeps the defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields carrying an env tag.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// comma separated
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 Helpers
// =============================================================================

// MustLoad loads the configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads defaults plus environment overrides.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks values no component can repair on its own.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		errs = append(errs, "metrics port must differ from HTTP port")
	}

	if _, err := database.Dialector(c.Database.Driver, ""); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	if c.Auth.Enabled && c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		errs = append(errs, "auth enabled without jwt_secret or api_keys")
	}

	if c.Queue.RebroadcastDelay < taskqueue.MinRebroadcastDelay {
		errs = append(errs, fmt.Sprintf("queue.rebroadcast_delay must be at least %s", taskqueue.MinRebroadcastDelay))
	}
	if c.Queue.GCSchedule != "" {
		if _, err := cron.ParseStandard(c.Queue.GCSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("queue.gc_schedule: %v", err))
		}
	}

	if c.Matching.MaxAttempts <= 0 {
		errs = append(errs, "matching.max_attempts must be positive")
	}

	if err := c.Admission.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Validation.Timeout <= 0 {
		errs = append(errs, "validation.timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the driver specific connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case database.DriverPostgres:
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case database.DriverMySQL:
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case database.DriverSQLite, database.DriverSQLite3:
		return d.Name
	default:
		return ""
	}
}
