package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier is the callback wait channel of synchronous submissions.
// Register must be called before the task can possibly finish.
type Notifier interface {
	Register(ctx context.Context, taskID string) (Waiter, error)
	Resolve(ctx context.Context, o Outcome) error
}

// Waiter receives at most one Outcome.
type Waiter interface {
	Done() <-chan Outcome
	Close()
}

// =============================================================================
// 🔔 In-process notifier
// =============================================================================

// LocalNotifier resolves waiters living in this process.
type LocalNotifier struct {
	mu      sync.Mutex
	waiters map[string]map[*localWaiter]struct{}
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{waiters: make(map[string]map[*localWaiter]struct{})}
}

type localWaiter struct {
	n      *LocalNotifier
	taskID string
	ch     chan Outcome
}

func (w *localWaiter) Done() <-chan Outcome { return w.ch }

func (w *localWaiter) Close() {
	w.n.mu.Lock()
	defer w.n.mu.Unlock()
	if set, ok := w.n.waiters[w.taskID]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(w.n.waiters, w.taskID)
		}
	}
}

// Register implements Notifier.
func (n *LocalNotifier) Register(_ context.Context, taskID string) (Waiter, error) {
	w := &localWaiter{n: n, taskID: taskID, ch: make(chan Outcome, 1)}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.waiters[taskID] == nil {
		n.waiters[taskID] = make(map[*localWaiter]struct{})
	}
	n.waiters[taskID][w] = struct{}{}
	return w, nil
}

// Resolve implements Notifier.
func (n *LocalNotifier) Resolve(_ context.Context, o Outcome) error {
	n.deliver(o)
	return nil
}

func (n *LocalNotifier) deliver(o Outcome) {
	n.mu.Lock()
	set := n.waiters[o.TaskID]
	delete(n.waiters, o.TaskID)
	n.mu.Unlock()

	for w := range set {
		select {
		case w.ch <- o:
		default:
		}
	}
}

// Pending returns how many tasks have registered waiters.
func (n *LocalNotifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters)
}

// =============================================================================
// 📡 Redis notifier
// =============================================================================

// RedisNotifier resolves waiters on any node through Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisNotifier creates a notifier publishing on prefix+"callback:"+taskID.
func NewRedisNotifier(client *redis.Client, prefix string, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "callback_notifier")),
	}
}

func (n *RedisNotifier) channel(taskID string) string {
	return n.prefix + "callback:" + taskID
}

type redisWaiter struct {
	sub  *redis.PubSub
	ch   chan Outcome
	once sync.Once
	done chan struct{}
}

func (w *redisWaiter) Done() <-chan Outcome { return w.ch }

func (w *redisWaiter) Close() {
	w.once.Do(func() {
		close(w.done)
		_ = w.sub.Close()
	})
}

// Register subscribes and waits for the subscription to be confirmed.
func (n *RedisNotifier) Register(ctx context.Context, taskID string) (Waiter, error) {
	sub := n.client.Subscribe(ctx, n.channel(taskID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe callback channel: %w", err)
	}

	w := &redisWaiter{sub: sub, ch: make(chan Outcome, 1), done: make(chan struct{})}
	msgs := sub.Channel()
	go func() {
		for {
			select {
			case <-w.done:
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var o Outcome
				if err := json.Unmarshal([]byte(m.Payload), &o); err != nil {
					n.logger.Warn("dropping malformed callback", zap.String("task_id", taskID), zap.Error(err))
					continue
				}
				select {
				case w.ch <- o:
				default:
				}
				return
			}
		}
	}()
	return w, nil
}

// Resolve publishes the outcome.
func (n *RedisNotifier) Resolve(ctx context.Context, o Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal callback: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel(o.TaskID), payload).Err(); err != nil {
		return fmt.Errorf("publish callback: %w", err)
	}
	return nil
}

var (
	_ Notifier = (*LocalNotifier)(nil)
	_ Notifier = (*RedisNotifier)(nil)
)
