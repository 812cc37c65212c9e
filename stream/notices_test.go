package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/internal/pool"
	"github.com/BaSui01/delegateflow/matching"
	"github.com/BaSui01/delegateflow/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type requirementRows map[string]capability.Capability

func (r requirementRows) Requirements(_ context.Context, ids []string) ([]*matching.Requirement, error) {
	var out []*matching.Requirement
	for _, id := range ids {
		c, ok := r[id]
		if !ok {
			continue
		}
		env, err := capability.Encode(c)
		if err != nil {
			return nil, err
		}
		out = append(out, &matching.Requirement{ID: id, AccountID: "acc", Type: env.Type, Parameters: env.Params})
	}
	return out, nil
}

func newBus(t *testing.T) *delegate.EventBus {
	t.Helper()
	bus := delegate.NewEventBus(pool.DefaultGoroutinePoolConfig(), zap.NewNop())
	t.Cleanup(bus.Close)
	return bus
}

func TestForward_CapabilityCheckReachesAccountStream(t *testing.T) {
	bus := newBus(t)
	hub := NewHub(nil, zap.NewNop())
	defer hub.Close()
	sub := hub.Subscribe("acc")

	vault := capability.HTTPConnection{URL: "https://vault.internal"}
	stop := hub.Forward(bus, requirementRows{"req-1": vault})
	defer stop()

	bus.Publish(delegate.Event{
		Type:           delegate.EventCapabilityCheckRequested,
		AccountID:      "acc",
		DelegateID:     "d1",
		RequirementIDs: []string{"req-1", "gone"},
	})

	payload, ok := testutil.WaitForChannel(sub.C(), 2*time.Second)
	require.True(t, ok, "no capability check received")

	var msg CapabilityCheck
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, KindCapabilityCheck, msg.Kind)
	assert.Equal(t, "d1", msg.DelegateID)
	assert.Equal(t, []string{"req-1"}, msg.RequirementIDs)
	assert.Equal(t, capability.List{vault}, msg.Capabilities)
}

func TestForward_SkipsChecksWithoutRequirements(t *testing.T) {
	bus := newBus(t)
	hub := NewHub(nil, zap.NewNop())
	defer hub.Close()
	sub := hub.Subscribe("acc")
	defer hub.Forward(bus, requirementRows{})()

	bus.Publish(delegate.Event{
		Type:           delegate.EventCapabilityCheckRequested,
		AccountID:      "acc",
		DelegateID:     "d1",
		RequirementIDs: []string{"gone"},
	})
	bus.Drain()

	select {
	case p := <-sub.C():
		t.Fatalf("unexpected broadcast %s", p)
	default:
	}
}

func TestForward_AlertsAndUnsubscribe(t *testing.T) {
	bus := newBus(t)
	hub := NewHub(nil, zap.NewNop())
	defer hub.Close()
	sub := hub.Subscribe("acc")

	stop := hub.Forward(bus, requirementRows{})
	bus.Publish(delegate.Event{
		Type:      delegate.EventAlertRaised,
		AccountID: "acc",
		TaskID:    "t1",
		Code:      "NO_ACTIVE_DELEGATE",
	})

	payload, ok := testutil.WaitForChannel(sub.C(), 2*time.Second)
	require.True(t, ok, "no alert received")
	var alert Alert
	require.NoError(t, json.Unmarshal(payload, &alert))
	assert.Equal(t, KindAlert, alert.Kind)
	assert.Equal(t, "NO_ACTIVE_DELEGATE", alert.Code)
	assert.Equal(t, "t1", alert.TaskID)

	stop()
	bus.Publish(delegate.Event{Type: delegate.EventAlertRaised, AccountID: "acc", Code: "NO_ACTIVE_DELEGATE"})
	bus.Drain()
	select {
	case p := <-sub.C():
		t.Fatalf("unexpected broadcast after unsubscribe %s", p)
	default:
	}
}
