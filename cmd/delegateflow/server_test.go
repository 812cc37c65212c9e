package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/delegateflow/api/handlers"
	"github.com/BaSui01/delegateflow/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "delegateflow.db")
	cfg.Database.AutoMigrate = true
	cfg.Registry.LivenessInterval = 0
	return cfg
}

// TestServer_Lifecycle starts a full node on a sqlite file migrated through
// golang-migrate and drives it over HTTP.
func TestServer_Lifecycle(t *testing.T) {
	cfg := testConfig(t)
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	srv := NewServer(cfg, "", level, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	base := "http://" + strings.Replace(srv.Addr(), "[::]", "127.0.0.1", 1)
	client := &http.Client{Timeout: 5 * time.Second}

	get := func(path string) (*http.Response, handlers.Response) {
		resp, err := client.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var env handlers.Response
		body, _ := io.ReadAll(resp.Body)
		if len(body) > 0 {
			_ = json.Unmarshal(body, &env)
		}
		return resp, env
	}

	resp, _ := get("/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(handlers.RequestIDHeader))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	resp, _ = get("/ready")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = get("/version")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// register a delegate against the migrated schema
	post, err := client.Post(base+"/api/v1/accounts/acc/delegates", "application/json",
		strings.NewReader(`{"hostName":"host-1","tags":["linux"]}`))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusCreated, post.StatusCode)

	// tasks queue even while no delegate is connected
	post, err = client.Post(base+"/api/v1/accounts/acc/tasks", "application/json",
		strings.NewReader(`{"id":"t-1","taskType":"SHELL","timeoutMs":60000}`))
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusAccepted, post.StatusCode)

	resp, env := get("/api/v1/accounts/acc/tasks/t-1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	task, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "QUEUED", task["status"])

	resp, env = get("/api/v1/accounts/acc/tasks/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	// reloadable settings reach the running components
	next := *cfg
	next.Log.Level = "debug"
	require.NoError(t, srv.applyReload(cfg, &next))
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, srv.Shutdown(context.Background()))

	_, err = client.Get(base + "/health")
	assert.Error(t, err)
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	srv := NewServer(testConfig(t), "", zap.NewAtomicLevel(), nil)
	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.Empty(t, srv.Addr())
}

func TestInMemorySQLite(t *testing.T) {
	tests := []struct {
		driver, name string
		want         bool
	}{
		{"sqlite", ":memory:", true},
		{"sqlite", "file:x?mode=memory&cache=shared", true},
		{"sqlite3", ":memory:", true},
		{"sqlite", "delegateflow.db", false},
		{"postgres", ":memory:", false},
	}
	for _, tt := range tests {
		got := inMemorySQLite(config.DatabaseConfig{Driver: tt.driver, Name: tt.name})
		assert.Equal(t, tt.want, got, "%s %s", tt.driver, tt.name)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("info"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestInitLogger(t *testing.T) {
	logger, level := initLogger(config.LogConfig{Level: "warn", Format: "console"})
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.WarnLevel, level.Level())
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	level.SetLevel(zapcore.DebugLevel)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestParseMigrateArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantPos  []string
		wantOpts migrateOptions
	}{
		{"flags only", []string{"--config", "c.yaml"}, nil, migrateOptions{configPath: "c.yaml"}},
		{"positional first", []string{"2", "--db-type", "sqlite", "--db-url", "file:x"}, []string{"2"},
			migrateOptions{dbType: "sqlite", dbURL: "file:x"}},
		{"positional last", []string{"--config", "c.yaml", "3"}, []string{"3"}, migrateOptions{configPath: "c.yaml"}},
		{"nothing", nil, nil, migrateOptions{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, opts, err := parseMigrateArgs("goto", tt.args, io.Discard)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPos, pos)
			assert.Equal(t, tt.wantOpts, opts)
		})
	}

	_, _, err := parseMigrateArgs("up", []string{"--bogus"}, io.Discard)
	assert.Error(t, err)
}
