package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/delegateflow/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Log.Level)

	// component sections start from the component defaults
	assert.Equal(t, *taskqueue.DefaultConfig(), cfg.Queue)
	assert.Equal(t, 12*time.Second, cfg.Validation.Timeout)
	assert.True(t, cfg.Admission.Enabled)
	assert.Equal(t, 5000, cfg.Admission.Limits.Critical)
	assert.Equal(t, 64, cfg.Stream.Hub.Buffer)

	require.NoError(t, cfg.Validate())
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8888
  read_timeout: 60s
redis:
  enabled: true
  addr: "redis.example.com:6379"
  password: "secret"
matching:
  max_attempts: 7
  poll_interval: 250ms
admission:
  limits:
    critical: 10
    important: 5
    optional: 1
  overrides:
    acc-big:
      critical: 100
validation:
  timeout: 20s
queue:
  gc_schedule: "@every 1h"
log:
  level: debug
  format: console
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 7, cfg.Matching.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Matching.PollInterval)
	assert.Equal(t, 10, cfg.Admission.Limits.Critical)
	assert.Equal(t, 100, cfg.Admission.Overrides["acc-big"].Critical)
	assert.Equal(t, 20*time.Second, cfg.Validation.Timeout)
	assert.Equal(t, "@every 1h", cfg.Queue.GCSchedule)
	assert.Equal(t, "console", cfg.Log.Format)

	// untouched fields keep their defaults
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, DefaultConfig().Matching.VerdictTTL, cfg.Matching.VerdictTTL)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("DELEGATEFLOW_SERVER_HTTP_PORT", "7777")
	t.Setenv("DELEGATEFLOW_REDIS_ENABLED", "true")
	t.Setenv("DELEGATEFLOW_MATCHING_POLL_INTERVAL", "2s")
	t.Setenv("DELEGATEFLOW_ADMISSION_LIMITS_OPTIONAL", "3")
	t.Setenv("DELEGATEFLOW_AUTH_API_KEYS", "k1, k2")
	t.Setenv("DELEGATEFLOW_SERVER_RATE_LIMIT_RPS", "12.5")
	t.Setenv("DELEGATEFLOW_REGISTRY_REQUIRE_APPROVAL", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Matching.PollInterval)
	assert.Equal(t, 3, cfg.Admission.Limits.Optional)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Auth.APIKeys)
	assert.InDelta(t, 12.5, cfg.Server.RateLimitRPS, 0.001)
	assert.True(t, cfg.Registry.RequireApproval)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8888\n")
	t.Setenv("DELEGATEFLOW_SERVER_HTTP_PORT", "9999")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("DF_LOG_LEVEL", "warn")

	cfg, err := NewLoader().WithEnvPrefix("DF").Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("DELEGATEFLOW_VALIDATION_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	assert.ErrorContains(t, err, "DELEGATEFLOW_VALIDATION_TIMEOUT")
}

func TestLoader_WithValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error { return c.Validate() }).
		WithValidator(func(*Config) error { return assert.AnError }).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_MissingAndInvalidFiles(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server, cfg.Server)

	_, err = NewLoader().WithConfigPath(writeConfig(t, "server: [oops")).Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad http port", func(c *Config) { c.Server.HTTPPort = 70000 }, "invalid HTTP port"},
		{"port clash", func(c *Config) { c.Server.MetricsPort = c.Server.HTTPPort }, "metrics port"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }, "unsupported database driver"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
		{"auth without secrets", func(c *Config) { c.Auth.Enabled = true }, "auth enabled"},
		{"short rebroadcast", func(c *Config) { c.Queue.RebroadcastDelay = time.Second }, "rebroadcast_delay"},
		{"bad cron", func(c *Config) { c.Queue.GCSchedule = "every tuesday" }, "gc_schedule"},
		{"no polling", func(c *Config) { c.Matching.MaxAttempts = 0 }, "max_attempts"},
		{"admission loop", func(c *Config) { c.Admission.RefreshInterval = 0 }, "refresh_interval"},
		{"validation timeout", func(c *Config) { c.Validation.Timeout = 0 }, "validation.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "dbname", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "user", Password: "pass", Name: "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{"sqlite", DatabaseConfig{Driver: "sqlite", Name: "/var/lib/df.db"}, "/var/lib/df.db"},
		{"sqlite3", DatabaseConfig{Driver: "sqlite3", Name: "df.db"}, "df.db"},
		{"unknown", DatabaseConfig{Driver: "unknown"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestSectionConversions(t *testing.T) {
	r := DefaultRedisConfig()
	r.Addr = "cache:6379"
	c := r.CacheOptions(time.Minute)
	assert.Equal(t, "cache:6379", c.Addr)
	assert.Equal(t, "delegateflow:", c.KeyPrefix)
	assert.Equal(t, time.Minute, c.DefaultTTL)

	d := DefaultDatabaseConfig()
	p := d.Pool()
	assert.Equal(t, 25, p.MaxOpenConns)
	assert.Equal(t, 5, p.MaxIdleConns)
	require.NoError(t, p.Validate())
}

func TestMustLoad(t *testing.T) {
	assert.NotPanics(t, func() {
		cfg := MustLoad(writeConfig(t, "server:\n  http_port: 8081\n"))
		assert.Equal(t, 8081, cfg.Server.HTTPPort)
	})
	assert.Panics(t, func() {
		MustLoad(writeConfig(t, "invalid: [yaml"))
	})
}
