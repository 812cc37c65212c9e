package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/delegateflow/internal/cache"
	"github.com/BaSui01/delegateflow/testutil"
	"github.com/BaSui01/delegateflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	calls  atomic.Int32
	delay  time.Duration
	err    error
}

func (f *fakeCounter) CountInFlight(_ context.Context, accountID string, rank types.Rank) (int64, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[accountID+"/"+string(rank)], nil
}

func (f *fakeCounter) set(accountID string, rank types.Rank, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[accountID+"/"+string(rank)] = n
}

func newController(counter Counter, counts cache.Store, mutate func(*Config)) *Controller {
	cfg := DefaultConfig()
	cfg.Limits = Limits{Critical: 3, Important: 2, Optional: 1}
	if mutate != nil {
		mutate(cfg)
	}
	return NewController(counter, counts, cfg, zap.NewNop())
}

func TestCheck_RejectsAtCeiling(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{"acc/CRITICAL": 3, "acc/IMPORTANT": 1}}
	c := newController(counter, nil, nil)
	ctx := testutil.TestContext(t)

	err := c.Check(ctx, "acc", types.RankCritical)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrRateLimitExceeded))
	assert.Equal(t,
		"[RATE_LIMIT_EXCEEDED] Rate limit reached for tasks with rank CRITICAL. Current task count 3 and max limit 3",
		err.Error())

	assert.NoError(t, c.Check(ctx, "acc", types.RankImportant))
	assert.NoError(t, c.Check(ctx, "other", types.RankOptional))
}

func TestCheck_OverridesAndRuntimeUpdate(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{"big/OPTIONAL": 5, "acc/OPTIONAL": 5}}
	c := newController(counter, nil, func(cfg *Config) {
		cfg.Overrides = map[string]Limits{"big": {Optional: 10}}
	})
	ctx := testutil.TestContext(t)

	assert.NoError(t, c.Check(ctx, "big", types.RankOptional))
	assert.Error(t, c.Check(ctx, "acc", types.RankOptional))
	assert.Equal(t, 0, c.Limit("big", types.RankCritical))

	c.UpdateLimits(false, Limits{Optional: 1}, nil)
	assert.NoError(t, c.Check(ctx, "acc", types.RankOptional), "disabled controller admits everything")

	c.UpdateLimits(true, Limits{Optional: 6}, nil)
	assert.NoError(t, c.Check(ctx, "acc", types.RankOptional))
	assert.Equal(t, 6, c.Limit("big", types.RankOptional), "overrides were replaced")
}

func TestCheck_UsesCachedCount(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{"acc/OPTIONAL": 0}}
	c := newController(counter, nil, nil)
	ctx := testutil.TestContext(t)

	require.NoError(t, c.Check(ctx, "acc", types.RankOptional))
	counter.set("acc", types.RankOptional, 1)

	assert.NoError(t, c.Check(ctx, "acc", types.RankOptional), "stale count until refresh")
	assert.Equal(t, int32(1), counter.calls.Load())

	require.NoError(t, c.Refresh(ctx))
	assert.Error(t, c.Check(ctx, "acc", types.RankOptional))
	assert.Equal(t, int32(2), counter.calls.Load())
}

func TestCheck_SingleflightOnMiss(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{}, delay: 50 * time.Millisecond}
	c := newController(counter, nil, nil)
	ctx := testutil.TestContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Check(ctx, "acc", types.RankCritical))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), counter.calls.Load())
}

func TestCheck_CounterFailureAdmits(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{}, err: errors.New("db down")}
	c := newController(counter, nil, nil)
	assert.NoError(t, c.Check(testutil.TestContext(t), "acc", types.RankOptional))

	r := NewController(nil, nil, nil, nil)
	assert.NoError(t, r.Check(context.Background(), "acc", types.RankOptional))
}

func TestCheck_RedisBackedCounts(t *testing.T) {
	_, client := testutil.NewRedis(t)
	counts := cache.NewManagerWithClient(client, cache.Config{KeyPrefix: "df:"}, zap.NewNop())

	counter := &fakeCounter{counts: map[string]int64{"acc/IMPORTANT": 2}}
	c := newController(counter, counts, nil)
	ctx := testutil.TestContext(t)

	assert.Error(t, c.Check(ctx, "acc", types.RankImportant))

	var cached int64
	require.NoError(t, counts.GetJSON(ctx, "admission:acc:IMPORTANT", &cached))
	assert.Equal(t, int64(2), cached)

	// A second controller sharing the store sees the count without loading.
	other := newController(&fakeCounter{counts: map[string]int64{}}, counts, nil)
	assert.Error(t, other.Check(ctx, "acc", types.RankImportant))
}

func TestRefreshLoop(t *testing.T) {
	counter := &fakeCounter{counts: map[string]int64{}}
	c := newController(counter, nil, func(cfg *Config) { cfg.RefreshInterval = 10 * time.Millisecond })
	ctx := testutil.TestContext(t)

	require.NoError(t, c.Check(ctx, "acc", types.RankOptional))
	require.NoError(t, c.Start(ctx))
	assert.Error(t, c.Start(ctx))
	defer c.Stop()

	counter.set("acc", types.RankOptional, 4)
	testutil.AssertEventuallyTrue(t, func() bool {
		return c.Check(ctx, "acc", types.RankOptional) != nil
	}, time.Second)

	c.Stop()
	c.Stop()
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.RefreshInterval = 0
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.CountTTL = c.RefreshInterval / 2
	assert.ErrorContains(t, c.Validate(), "count_ttl")
}
