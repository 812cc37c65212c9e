package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/delegateflow/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastWatcher(t *testing.T, paths ...string) *FileWatcher {
	t.Helper()
	w, err := NewFileWatcher(paths, WithPollInterval(10*time.Millisecond), WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestFileOp_String(t *testing.T) {
	assert.Equal(t, "CREATE", FileOpCreate.String())
	assert.Equal(t, "WRITE", FileOpWrite.String())
	assert.Equal(t, "REMOVE", FileOpRemove.String())
	assert.Equal(t, "UNKNOWN", FileOp(42).String())
}

func TestFileWatcher_Lifecycle(t *testing.T) {
	w := fastWatcher(t, filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, filepath.IsAbs(w.Paths()[0]))

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(context.Background()))

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())

	// restartable after stop
	require.NoError(t, w.Start(context.Background()))
}

func TestFileWatcher_ReportsCreateWriteRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	w := fastWatcher(t, path)

	var mu sync.Mutex
	var ops []FileOp
	w.OnChange(func(e FileEvent) {
		mu.Lock()
		ops = append(ops, e.Op)
		mu.Unlock()
	})
	seen := func(op FileOp) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, o := range ops {
				if o == op {
					return true
				}
			}
			return false
		}
	}

	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("a: 1"), 0o644))
	testutil.AssertEventuallyTrue(t, seen(FileOpCreate), time.Second)

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))
	testutil.AssertEventuallyTrue(t, seen(FileOpWrite), time.Second)

	require.NoError(t, os.Remove(path))
	testutil.AssertEventuallyTrue(t, seen(FileOpRemove), time.Second)
}

func TestFileWatcher_DebounceCoalesces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1"), 0o644))

	w, err := NewFileWatcher([]string{path}, WithPollInterval(5*time.Millisecond), WithDebounceDelay(200*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	var mu sync.Mutex
	calls := 0
	w.OnChange(func(FileEvent) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, w.Start(context.Background()))

	base := time.Now()
	for i := 1; i <= 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(path, ts, ts))
		time.Sleep(20 * time.Millisecond)
	}

	testutil.AssertEventuallyTrue(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls > 0
	}, 2*time.Second)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
