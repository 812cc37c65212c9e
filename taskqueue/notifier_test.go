package taskqueue

import (
	"testing"
	"time"

	"github.com/BaSui01/delegateflow/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalNotifier(t *testing.T) {
	ctx := testutil.TestContext(t)
	n := NewLocalNotifier()

	w1, err := n.Register(ctx, "t1")
	require.NoError(t, err)
	w2, err := n.Register(ctx, "t1")
	require.NoError(t, err)
	other, err := n.Register(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, 2, n.Pending())

	require.NoError(t, n.Resolve(ctx, Outcome{TaskID: "t1", Status: StatusSuccess}))

	for _, w := range []Waiter{w1, w2} {
		o, ok := testutil.WaitForChannel(w.Done(), time.Second)
		require.True(t, ok)
		assert.Equal(t, StatusSuccess, o.Status)
	}
	assert.Equal(t, 1, n.Pending())

	// Resolving twice or resolving unknown tasks is harmless.
	require.NoError(t, n.Resolve(ctx, Outcome{TaskID: "t1", Status: StatusError}))
	require.NoError(t, n.Resolve(ctx, Outcome{TaskID: "nobody"}))

	other.Close()
	other.Close()
	assert.Zero(t, n.Pending())
	w1.Close()
}

func TestRedisNotifier(t *testing.T) {
	ctx := testutil.TestContext(t)
	_, client := testutil.NewRedis(t)

	// Two nodes sharing one Redis.
	waiting := NewRedisNotifier(client, "df:", zap.NewNop())
	resolving := NewRedisNotifier(client, "df:", zap.NewNop())

	w, err := waiting.Register(ctx, "t1")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, resolving.Resolve(ctx, Outcome{TaskID: "t2", Status: StatusError}))
	require.NoError(t, resolving.Resolve(ctx, Outcome{
		TaskID:       "t1",
		Status:       StatusError,
		ErrorMessage: "Task expired. No eligible delegate(s) in account to execute task.",
		Expired:      true,
	}))

	o, ok := testutil.WaitForChannel(w.Done(), 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "t1", o.TaskID)
	assert.Equal(t, StatusError, o.Status)
	assert.True(t, o.Expired)
}

func TestRedisNotifier_ClosedWaiterStopsListening(t *testing.T) {
	ctx := testutil.TestContext(t)
	mr, client := testutil.NewRedis(t)
	n := NewRedisNotifier(client, "df:", zap.NewNop())

	w, err := n.Register(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, mr.PubSubChannels("df:callback:*"), 1)

	w.Close()
	w.Close()

	testutil.AssertEventuallyTrue(t, func() bool {
		return len(mr.PubSubChannels("df:callback:*")) == 0
	}, 2*time.Second)
	require.NoError(t, n.Resolve(ctx, Outcome{TaskID: "t1"}))
}
