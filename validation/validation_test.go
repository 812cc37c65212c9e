package validation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/internal/pool"
	"github.com/BaSui01/delegateflow/matching"
	"github.com/BaSui01/delegateflow/taskqueue"
	"github.com/BaSui01/delegateflow/testutil"
	"github.com/BaSui01/delegateflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var vault = capability.HTTPConnection{URL: "https://vault.internal"}

type env struct {
	queue    *taskqueue.Service
	registry *delegate.Registry
	engine   *matching.Engine
	bus      *delegate.EventBus
	protocol *Protocol
	monitor  *Monitor
	now      time.Time
}

func setup(t *testing.T) *env {
	t.Helper()

	db := testutil.OpenDB(t,
		&taskqueue.Task{},
		&delegate.Delegate{}, &delegate.Connection{},
		&matching.Requirement{}, &matching.Permission{}, &matching.SelectionDetails{},
	)
	bus := delegate.NewEventBus(pool.DefaultGoroutinePoolConfig(), zap.NewNop())
	t.Cleanup(bus.Close)

	regCfg := delegate.DefaultRegistryConfig()
	regCfg.LivenessInterval = 0
	registry := delegate.NewRegistry(delegate.NewStore(db), bus, nil, regCfg, zap.NewNop())

	engCfg := matching.DefaultConfig()
	engCfg.MaxAttempts = 2
	engCfg.PollInterval = time.Millisecond
	engCfg.PollMaxInterval = time.Millisecond
	engine := matching.NewEngine(matching.NewStore(db), registry, bus, nil, engCfg, zap.NewNop())

	queue := taskqueue.NewService(taskqueue.NewStore(db), registry, engine, nil, zap.NewNop())
	queue.SetEventBus(bus)

	e := &env{
		queue:    queue,
		registry: registry,
		engine:   engine,
		bus:      bus,
		now:      time.Now(),
	}
	e.protocol = NewProtocol(queue.Store(), queue, engine, registry, zap.NewNop())
	e.protocol.now = e.clock
	e.monitor = NewMonitor(queue.Store(), queue, engine, registry, nil, zap.NewNop())
	e.monitor.SetEventBus(bus)
	e.monitor.now = e.clock
	queue.SetValidator(e.protocol)
	return e
}

func (e *env) clock() time.Time { return e.now }

func (e *env) online(t *testing.T, host string, tags ...string) *delegate.Delegate {
	t.Helper()
	ctx := context.Background()
	reg, err := e.registry.Register(ctx, delegate.RegisterParams{AccountID: "acc", HostName: host, Tags: tags})
	require.NoError(t, err)
	_, err = e.registry.Heartbeat(ctx, reg.Delegate.ID, delegate.HeartbeatRequest{ConnectionID: "conn-" + host})
	require.NoError(t, err)
	return reg.Delegate
}

func (e *env) submit(t *testing.T) string {
	t.Helper()
	id, err := e.queue.Submit(context.Background(), &taskqueue.Task{
		AccountID:    "acc",
		Async:        true,
		TaskType:     "HTTP",
		Timeout:      time.Minute,
		Capabilities: capability.List{vault},
	})
	require.NoError(t, err)
	return id
}

func (e *env) task(t *testing.T, id string) *taskqueue.Task {
	t.Helper()
	task, err := e.queue.Get(context.Background(), "acc", id)
	require.NoError(t, err)
	return task
}

// =============================================================================
// 🧪 Protocol
// =============================================================================

func TestBegin_TracksDelegatesAndStartsOnce(t *testing.T) {
	e := setup(t)
	ctx := testutil.TestContext(t)
	d1 := e.online(t, "d1")
	d2 := e.online(t, "d2")
	id := e.submit(t)
	started := e.now

	pkg, err := e.queue.Acquire(ctx, d1.ID, "i1", id)
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.True(t, pkg.ValidationRequired)
	assert.Equal(t, capability.List{vault}, pkg.Capabilities)

	e.now = e.now.Add(3 * time.Second)
	_, err = e.queue.Acquire(ctx, d2.ID, "i2", id)
	require.NoError(t, err)
	_, err = e.queue.Acquire(ctx, d1.ID, "i1", id)
	require.NoError(t, err)

	task := e.task(t, id)
	assert.Equal(t, taskqueue.StatusQueued, task.Status)
	assert.Equal(t, []string{d1.ID, d2.ID}, task.ValidatingDelegateIDs)
	require.NotNil(t, task.ValidationStartedAt)
	assert.WithinDuration(t, started, *task.ValidationStartedAt, time.Millisecond)
}

func TestBegin_ConcurrentDelegates(t *testing.T) {
	e := setup(t)
	ctx := testutil.TestContext(t)
	id := e.submit(t)
	task := e.task(t, id)

	ids := []string{"a", "b", "c", "d", "e"}
	var wg sync.WaitGroup
	for _, d := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.protocol.Begin(ctx, task, d))
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, ids, e.task(t, id).ValidatingDelegateIDs)
}

func TestRecord_ValidatedAssigns(t *testing.T) {
	e := setup(t)
	ctx := testutil.TestContext(t)
	d := e.online(t, "d1")
	id := e.submit(t)

	_, err := e.queue.Acquire(ctx, d.ID, "i1", id)
	require.NoError(t, err)

	pkg, err := e.protocol.Record(ctx, d.ID, "i1", id, []capability.Result{{Capability: vault, Validated: true}})
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.Equal(t, d.ID, pkg.DelegateID)
	assert.False(t, pkg.ValidationRequired)

	task := e.task(t, id)
	assert.Equal(t, taskqueue.StatusStarted, task.Status)
	assert.Equal(t, "i1", task.DelegateInstanceID)
	assert.Nil(t, task.ValidationStartedAt)
	assert.Empty(t, task.ValidatingDelegateIDs)

	// The verdict is remembered for the next task.
	next := e.submit(t)
	pkg, err = e.queue.Acquire(ctx, d.ID, "i1", next)
	require.NoError(t, err)
	require.NotNil(t, pkg)
	assert.False(t, pkg.ValidationRequired)

	// Reporting again is idempotent for the winner.
	again, err := e.protocol.Record(ctx, d.ID, "i1", id, []capability.Result{{Capability: vault, Validated: true}})
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, id, again.TaskID)
}

func TestRecord_FailedValidation(t *testing.T) {
	e := setup(t)
	ctx := testutil.TestContext(t)
	d := e.online(t, "d1")
	id := e.submit(t)

	_, err := e.queue.Acquire(ctx, d.ID, "i1", id)
	require.NoError(t, err)

	pkg, err := e.protocol.Record(ctx, d.ID, "i1", id, []capability.Result{{Capability: vault, Validated: false}})
	require.NoError(t, err)
	assert.Nil(t, pkg)

	task := e.task(t, id)
	assert.Equal(t, taskqueue.StatusQueued, task.Status)
	assert.Equal(t, []string{d.ID}, task.ValidationCompleteDelegateIDs)

	ev, err := e.engine.Evaluate(ctx, d, task.MatchRequest())
	require.NoError(t, err)
	assert.Equal(t, matching.DecisionDenied, ev.Decision)

	pkg, err = e.queue.Acquire(ctx, d.ID, "i1", id)
	require.NoError(t, err)
	assert.Nil(t, pkg, "denied delegates are refused")
}

func TestRecord_PartialResultsDoNotAssign(t *testing.T) {
	e := setup(t)
	ctx := testutil.TestContext(t)
	d := e.online(t, "d1")
	socket := capability.SocketConnection{Host: "db.internal", Port: 5432}

	id, err := e.queue.Submit(ctx, &taskqueue.Task{
		AccountID:    "acc",
		Async:        true,
		Timeout:      time.Minute,
		Capabilities: capability.List{vault, socket},
	})
	require.NoError(t, err)

	pkg, err := e.protocol.Record(ctx, d.ID, "i1", id, []capability.Result{{Capability: vault, Validated: true}})
	require.NoError(t, err)
	assert.Nil(t, pkg)

	pkg, err = e.protocol.Record(ctx, d.ID, "i1", id, []capability.Result{
		{Capability: vault, Validated: true},
		{Capability: socket, Validated: true},
	})
	require.NoError(t, err)
	require.NotNil(t, pkg)
}

func TestRecord_LoserGetsNothing(t *testing.T) {
	e := setup(t)
	ctx := testutil.TestContext(t)
	d1 := e.online(t, "d1")
	d2 := e.online(t, "d2")
	id := e.submit(t)

	ok := []capability.Result{{Capability: vault, Validated: true}}
	pkg, err := e.protocol.Record(ctx, d1.ID, "i1", id, ok)
	require.NoError(t, err)
	require.NotNil(t, pkg)

	pkg, err = e.protocol.Record(ctx, d2.ID, "i2", id, ok)
	require.NoError(t, err)
	assert.Nil(t, pkg)
	assert.Equal(t, d1.ID, e.task(t, id).DelegateID)
}

func TestRecord_UnknownDelegateAndTask(t *testing.T) {
	e := setup(t)
	ctx := testutil.TestContext(t)

	_, err := e.protocol.Record(ctx, "ghost", "i", "t", nil)
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	d := e.online(t, "d1")
	pkg, err := e.protocol.Record(ctx, d.ID, "i", "missing", nil)
	require.NoError(t, err)
	assert.Nil(t, pkg)
}

func TestRecord_RefusesIneligibleDelegates(t *testing.T) {
	ok := []capability.Result{{Capability: vault, Validated: true}}

	tests := []struct {
		name   string
		task   func(owner *delegate.Delegate) *taskqueue.Task
		caller func(t *testing.T, e *env) *delegate.Delegate
	}{
		{
			name: "pinned to another delegate",
			task: func(owner *delegate.Delegate) *taskqueue.Task {
				return &taskqueue.Task{
					AccountID: "acc", Async: true, Timeout: time.Minute,
					Capabilities:            capability.List{vault},
					MustExecuteOnDelegateID: owner.ID,
				}
			},
			caller: func(t *testing.T, e *env) *delegate.Delegate { return e.online(t, "other", "gpu") },
		},
		{
			name: "missing selector",
			task: func(*delegate.Delegate) *taskqueue.Task {
				return &taskqueue.Task{
					AccountID: "acc", Async: true, Timeout: time.Minute,
					Capabilities: capability.List{vault},
					Selectors:    []string{"gpu"},
				}
			},
			caller: func(t *testing.T, e *env) *delegate.Delegate { return e.online(t, "plain") },
		},
		{
			name: "not enabled",
			task: func(*delegate.Delegate) *taskqueue.Task {
				return &taskqueue.Task{
					AccountID: "acc", Async: true, Timeout: time.Minute,
					Capabilities: capability.List{vault},
				}
			},
			caller: func(t *testing.T, e *env) *delegate.Delegate {
				d := e.online(t, "pending")
				require.NoError(t, e.registry.Store().Update(context.Background(), d.ID,
					map[string]any{"status": delegate.StatusWaitingForApproval}))
				return d
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setup(t)
			ctx := testutil.TestContext(t)
			owner := e.online(t, "owner", "gpu")
			id, err := e.queue.Submit(ctx, tt.task(owner))
			require.NoError(t, err)
			caller := tt.caller(t, e)

			pkg, err := e.protocol.Record(ctx, caller.ID, "i", id, ok)
			require.NoError(t, err)
			assert.Nil(t, pkg)

			task := e.task(t, id)
			assert.Equal(t, taskqueue.StatusQueued, task.Status)
			assert.Empty(t, task.DelegateID)
			assert.NotContains(t, task.ValidationCompleteDelegateIDs, caller.ID)

			pkg, err = e.protocol.Record(ctx, owner.ID, "i", id, ok)
			require.NoError(t, err)
			require.NotNil(t, pkg)
			assert.Equal(t, owner.ID, e.task(t, id).DelegateID)
		})
	}
}

// =============================================================================
// 🧪 Monitor
// =============================================================================

func TestSweep_FailsTimedOutValidation(t *testing.T) {
	e := setup(t)
	ctx := testutil.TestContext(t)
	d1 := e.online(t, "d1")
	d2 := e.online(t, "d2")
	id := e.submit(t)

	var (
		mu     sync.Mutex
		alerts []delegate.Event
	)
	e.bus.Subscribe(delegate.EventAlertRaised, func(ev delegate.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Code == string(types.ErrValidationTimeout) {
			alerts = append(alerts, ev)
		}
	})

	_, err := e.queue.Acquire(ctx, d1.ID, "i1", id)
	require.NoError(t, err)
	_, err = e.queue.Acquire(ctx, d2.ID, "i2", id)
	require.NoError(t, err)
	_, err = e.protocol.Record(ctx, d1.ID, "i1", id, []capability.Result{{Capability: vault, Validated: false}})
	require.NoError(t, err)

	n, err := e.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "not timed out yet")

	e.now = e.now.Add(13 * time.Second)
	n, err = e.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task := e.task(t, id)
	assert.Equal(t, taskqueue.StatusError, task.Status)
	assert.Equal(t,
		"No connected whitelisted delegates found for task. Delegates tried: ["+d1.ID+", "+d2.ID+"]. Delegates that never returned: ["+d2.ID+"]",
		task.ErrorMessage)

	e.bus.Drain()
	mu.Lock()
	assert.Len(t, alerts, 1)
	mu.Unlock()

	n, err = e.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_KeepsTaskWithWhitelistedDelegate(t *testing.T) {
	e := setup(t)
	ctx := testutil.TestContext(t)
	slow := e.online(t, "slow")
	good := e.online(t, "good")
	id := e.submit(t)

	_, err := e.queue.Acquire(ctx, slow.ID, "i", id)
	require.NoError(t, err)
	require.NoError(t, e.engine.ReportCapabilityResults(ctx, "acc", good.ID,
		[]capability.Result{{Capability: vault, Validated: true}}))

	e.now = e.now.Add(time.Minute)
	n, err := e.monitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, taskqueue.StatusQueued, e.task(t, id).Status)
}

func TestMonitor_StartStop(t *testing.T) {
	e := setup(t)
	ctx := testutil.TestContext(t)
	e.monitor.config.Interval = 5 * time.Millisecond
	d := e.online(t, "d1")
	id := e.submit(t)

	_, err := e.queue.Acquire(ctx, d.ID, "i", id)
	require.NoError(t, err)
	e.now = e.now.Add(time.Minute)

	require.NoError(t, e.monitor.Start(ctx))
	assert.Error(t, e.monitor.Start(ctx))

	testutil.AssertEventuallyTrue(t, func() bool {
		task, err := e.queue.Get(ctx, "acc", id)
		return err == nil && task.Status == taskqueue.StatusError
	}, 2*time.Second)

	require.NoError(t, e.monitor.Stop(ctx))
	require.NoError(t, e.monitor.Stop(ctx))
}
