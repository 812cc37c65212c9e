package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, handler http.Handler) *Manager {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	m := NewManager("api", handler, cfg, zap.NewNop())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
	assert.Empty(t, cfg.TLSCertFile)
}

func TestManager_ServesAndShutsDown(t *testing.T) {
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	assert.Equal(t, "127.0.0.1:0", m.Addr())

	require.NoError(t, m.Start())
	assert.NotEqual(t, "127.0.0.1:0", m.Addr())

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())
	require.NoError(t, m.Shutdown(context.Background()))

	_, err = http.Get("http://" + m.Addr() + "/")
	assert.Error(t, err)
}

func TestManager_StartErrors(t *testing.T) {
	m := newTestManager(t, http.NewServeMux())
	require.NoError(t, m.Start())
	assert.ErrorContains(t, m.Start(), "already started")

	require.NoError(t, m.Shutdown(context.Background()))
	assert.ErrorContains(t, m.Start(), "closed")
}

func TestManager_ListenFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := DefaultConfig()
	cfg.Addr = busy.Addr().String()
	m := NewManager("metrics", http.NewServeMux(), cfg, nil)
	assert.ErrorContains(t, m.Start(), "failed to listen")

	select {
	case err := <-m.Errors():
		t.Fatalf("unexpected async error: %v", err)
	default:
	}
}

func TestManager_TLSConfiguredFromFiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLSCertFile = "cert.pem"
	cfg.TLSKeyFile = "key.pem"
	m := NewManager("api", http.NewServeMux(), cfg, nil)
	require.NotNil(t, m.server.TLSConfig)
	assert.NotZero(t, m.server.TLSConfig.MinVersion)

	plain := NewManager("api", http.NewServeMux(), DefaultConfig(), nil)
	assert.Nil(t, plain.server.TLSConfig)
}
