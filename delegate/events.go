package delegate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/delegateflow/internal/pool"
	"go.uber.org/zap"
)

// EventType identifies a coordinator event.
type EventType string

const (
	EventDelegateRegistered       EventType = "DelegateRegistered"
	EventDelegateDisconnected     EventType = "DelegateDisconnected"
	EventDelegateScopeChanged     EventType = "DelegateScopeChanged"
	EventTaskAssigned             EventType = "TaskAssigned"
	EventTaskAborted              EventType = "TaskAborted"
	EventTaskExpired              EventType = "TaskExpired"
	EventCapabilityCheckRequested EventType = "CapabilityCheckRequested"
	EventAlertRaised              EventType = "AlertRaised"
)

// Event is published on the EventBus. Fields unused by a type stay empty.
type Event struct {
	Type         EventType `json:"type"`
	AccountID    string    `json:"accountId"`
	DelegateID   string    `json:"delegateId,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	TaskID       string    `json:"taskId,omitempty"`

	// CapabilityCheckRequested
	RequirementIDs []string `json:"requirementIds,omitempty"`

	// AlertRaised
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Handler consumes events. Handlers run on the bus's worker pool and must
// not assume ordering across events.
type Handler func(Event)

type subscription struct {
	eventType EventType
	handler   Handler
}

// EventBus is a typed publish/subscribe hub.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string]subscription
	seq      atomic.Uint64
	pool     *pool.GoroutinePool
	inflight sync.WaitGroup
	logger   *zap.Logger
}

// NewEventBus creates a bus dispatching on a bounded goroutine pool.
func NewEventBus(config pool.GoroutinePoolConfig, logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		handlers: make(map[string]subscription),
		pool:     pool.NewGoroutinePool(config, logger),
		logger:   logger.With(zap.String("component", "event_bus")),
	}
}

// Subscribe registers h for events of type t and returns the subscription id.
func (b *EventBus) Subscribe(t EventType, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), b.seq.Add(1))
	b.handlers[id] = subscription{eventType: t, handler: h}
	return id
}

// Unsubscribe removes a subscription.
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Publish dispatches e to every subscriber of its type without blocking on
// handler execution.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, sub := range b.handlers {
		if sub.eventType == e.Type {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		b.inflight.Add(1)
		err := b.pool.Submit(context.Background(), func(context.Context) error {
			defer b.inflight.Done()
			h(e)
			return nil
		})
		if err == nil {
			continue
		}
		if errors.Is(err, pool.ErrPoolClosed) {
			b.inflight.Done()
			b.logger.Debug("event dropped after close", zap.String("type", string(e.Type)))
			continue
		}
		// queue saturated: keep delivery, give up the bound
		go func() {
			defer b.inflight.Done()
			h(e)
		}()
	}
}

// Drain waits for dispatched handlers to finish. Tests use it to observe
// side effects deterministically.
func (b *EventBus) Drain() {
	b.inflight.Wait()
}

// Close drains in-flight handlers and stops the pool.
func (b *EventBus) Close() {
	b.inflight.Wait()
	b.pool.Close()
}
