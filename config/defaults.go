// =============================================================================
// 📦 delegateflow defaults
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/delegateflow/admission"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/identity"
	"github.com/BaSui01/delegateflow/matching"
	"github.com/BaSui01/delegateflow/stream"
	"github.com/BaSui01/delegateflow/taskqueue"
	"github.com/BaSui01/delegateflow/validation"
)

// DefaultConfig returns the full default configuration. Component sections
// start from each component's own defaults.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Auth:       DefaultAuthConfig(),
		Queue:      *taskqueue.DefaultConfig(),
		Matching:   *matching.DefaultConfig(),
		Admission:  *admission.DefaultConfig(),
		Registry:   *delegate.DefaultRegistryConfig(),
		Identity:   *identity.DefaultConfig(),
		Validation: *validation.DefaultMonitorConfig(),
		Cache:      DefaultCacheConfig(),
		Stream: StreamConfig{
			Hub:       *stream.DefaultHubConfig(),
			WebSocket: *stream.DefaultHandlerConfig(),
		},
	}
}

// DefaultServerConfig returns the HTTP defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultRedisConfig leaves Redis disabled so a single node runs standalone.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "delegateflow:",
	}
}

// DefaultDatabaseConfig uses a local pure Go SQLite file.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "delegateflow",
		Name:            "delegateflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

// DefaultLogConfig returns the logging defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the telemetry defaults.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "delegateflow",
		SampleRate:   0.1,
	}
}

// DefaultAuthConfig disables authentication.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:   false,
		JWTIssuer: "delegateflow",
	}
}

// DefaultCacheConfig sizes the in-process caches.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Size: 10000,
		TTL:  5 * time.Minute,
	}
}
