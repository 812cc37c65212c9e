package delegate

import (
	"sync/atomic"
	"testing"

	"github.com/BaSui01/delegateflow/internal/pool"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestEventBus_DeliversByType(t *testing.T) {
	bus := NewEventBus(pool.DefaultGoroutinePoolConfig(), zap.NewNop())
	defer bus.Close()

	var assigned, aborted atomic.Int32
	bus.Subscribe(EventTaskAssigned, func(e Event) {
		assert.Equal(t, "t1", e.TaskID)
		assert.False(t, e.Timestamp.IsZero())
		assigned.Add(1)
	})
	bus.Subscribe(EventTaskAborted, func(Event) { aborted.Add(1) })

	bus.Publish(Event{Type: EventTaskAssigned, TaskID: "t1"})
	bus.Publish(Event{Type: EventTaskAssigned, TaskID: "t1"})
	bus.Drain()

	assert.Equal(t, int32(2), assigned.Load())
	assert.Zero(t, aborted.Load())
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(pool.DefaultGoroutinePoolConfig(), nil)
	defer bus.Close()

	var n atomic.Int32
	id := bus.Subscribe(EventAlertRaised, func(Event) { n.Add(1) })
	other := bus.Subscribe(EventAlertRaised, func(Event) { n.Add(1) })
	assert.NotEqual(t, id, other)

	bus.Unsubscribe(id)
	bus.Publish(Event{Type: EventAlertRaised})
	bus.Drain()

	assert.Equal(t, int32(1), n.Load())
}

func TestEventBus_SaturatedPoolStillDelivers(t *testing.T) {
	bus := NewEventBus(pool.GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1}, zap.NewNop())
	defer bus.Close()

	release := make(chan struct{})
	var n atomic.Int32
	bus.Subscribe(EventTaskExpired, func(Event) {
		<-release
		n.Add(1)
	})

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventTaskExpired})
	}
	close(release)
	bus.Drain()

	assert.Equal(t, int32(10), n.Load())
}

func TestEventBus_DropsAfterClose(t *testing.T) {
	bus := NewEventBus(pool.DefaultGoroutinePoolConfig(), zap.NewNop())
	var n atomic.Int32
	bus.Subscribe(EventTaskExpired, func(Event) { n.Add(1) })
	bus.Close()

	bus.Publish(Event{Type: EventTaskExpired})
	bus.Drain()
	assert.Zero(t, n.Load())
}
