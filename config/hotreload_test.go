package config

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/delegateflow/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHotReloadable(t *testing.T) {
	assert.True(t, IsHotReloadable("Admission.Limits.Critical"))
	assert.True(t, IsHotReloadable("Admission.Overrides"))
	assert.True(t, IsHotReloadable("Log.Level"))
	assert.False(t, IsHotReloadable("Log.Format"))
	assert.False(t, IsHotReloadable("Server.HTTPPort"))
}

func TestHotReloadManager_ApplyDetectsChanges(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig(), "")

	var seen atomic.Int32
	m.OnReload(func(oldConfig, newConfig *Config) error {
		assert.Equal(t, 5000, oldConfig.Admission.Limits.Critical)
		assert.Equal(t, 10, newConfig.Admission.Limits.Critical)
		seen.Add(1)
		return nil
	})

	next := DefaultConfig()
	next.Admission.Limits.Critical = 10
	next.Server.HTTPPort = 8181
	next.Auth.JWTSecret = "s3cret"
	require.NoError(t, m.Apply(next))

	assert.Equal(t, int32(1), seen.Load())
	assert.Same(t, next, m.Config())

	byPath := map[string]ConfigChange{}
	for _, c := range m.Changes() {
		byPath[c.Path] = c
	}
	require.Contains(t, byPath, "Admission.Limits.Critical")
	assert.False(t, byPath["Admission.Limits.Critical"].RequiresRestart)
	assert.True(t, byPath["Server.HTTPPort"].RequiresRestart)
	assert.Equal(t, "[REDACTED]", byPath["Auth.JWTSecret"].NewValue)

	// identical config is a no-op
	require.NoError(t, m.Apply(next))
	assert.Equal(t, int32(1), seen.Load())
}

func TestHotReloadManager_RejectsInvalid(t *testing.T) {
	current := DefaultConfig()
	m := NewHotReloadManager(current, "")

	bad := DefaultConfig()
	bad.Server.HTTPPort = -1
	assert.Error(t, m.Apply(bad))
	assert.Same(t, current, m.Config())
	assert.Empty(t, m.Changes())
}

func TestHotReloadManager_CallbackFailureRollsBack(t *testing.T) {
	current := DefaultConfig()
	m := NewHotReloadManager(current, "")

	var applied []int
	m.OnReload(func(_, newConfig *Config) error {
		applied = append(applied, newConfig.Admission.Limits.Optional)
		return nil
	})
	m.OnReload(func(_, newConfig *Config) error {
		if newConfig.Admission.Limits.Optional == 1 {
			return errors.New("refused")
		}
		return nil
	})

	next := DefaultConfig()
	next.Admission.Limits.Optional = 1
	err := m.Apply(next)
	require.Error(t, err)

	assert.Same(t, current, m.Config())
	// first callback saw the new value, then the restore
	assert.Equal(t, []int{1, current.Admission.Limits.Optional}, applied)
}

func TestHotReloadManager_CallbackPanicRollsBack(t *testing.T) {
	current := DefaultConfig()
	m := NewHotReloadManager(current, "")
	m.OnReload(func(_, newConfig *Config) error {
		if newConfig.Log.Level == "debug" {
			panic("boom")
		}
		return nil
	})

	next := DefaultConfig()
	next.Log.Level = "debug"
	assert.ErrorContains(t, m.Apply(next), "panicked")
	assert.Same(t, current, m.Config())
}

func TestHotReloadManager_ReloadsFromFile(t *testing.T) {
	path := writeConfig(t, "admission:\n  limits:\n    critical: 10\n    important: 5\n    optional: 1\n")
	initial, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	m := NewHotReloadManager(initial, path, WithReloadPollInterval(10*time.Millisecond))

	var critical atomic.Int64
	m.OnReload(func(_, newConfig *Config) error {
		critical.Store(int64(newConfig.Admission.Limits.Critical))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop() }()
	assert.Error(t, m.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte("admission:\n  limits:\n    critical: 42\n    important: 5\n    optional: 1\n"), 0o644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	testutil.AssertEventuallyTrue(t, func() bool { return critical.Load() == 42 }, 3*time.Second)
	assert.Equal(t, 42, m.Config().Admission.Limits.Critical)
}

func TestHotReloadManager_StartWithoutPath(t *testing.T) {
	m := NewHotReloadManager(DefaultConfig(), "")
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())
}
