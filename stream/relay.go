package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisRelay carries broadcasts between nodes over Redis pub/sub.
type RedisRelay struct {
	client *redis.Client
	prefix string
	hub    *Hub
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRedisRelay creates a relay publishing on prefix+"broadcast:"+account.
func NewRedisRelay(client *redis.Client, prefix string, hub *Hub, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client: client,
		prefix: prefix,
		hub:    hub,
		logger: logger.With(zap.String("component", "stream_relay")),
	}
}

func (r *RedisRelay) channel(accountID string) string {
	return r.prefix + "broadcast:" + accountID
}

// Publish implements Publisher.
func (r *RedisRelay) Publish(ctx context.Context, msg Message) error {
	if err := r.client.Publish(ctx, r.channel(msg.AccountID), []byte(msg.Payload)).Err(); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

// Start subscribes to every account channel and delivers into the hub. It
// returns once the subscription is confirmed.
func (r *RedisRelay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("stream relay already running")
	}

	pattern := r.channel("*")
	sub := r.client.PSubscribe(ctx, pattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", pattern, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.wg.Add(1)
	go r.run(ctx, sub)

	r.logger.Info("stream relay started", zap.String("pattern", pattern))
	return nil
}

func (r *RedisRelay) run(ctx context.Context, sub *redis.PubSub) {
	defer r.wg.Done()
	defer sub.Close()

	prefix := r.channel("")
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			accountID := strings.TrimPrefix(m.Channel, prefix)
			if accountID == "" || !json.Valid([]byte(m.Payload)) {
				r.logger.Warn("ignoring malformed broadcast", zap.String("channel", m.Channel))
				continue
			}
			r.hub.Deliver(Message{AccountID: accountID, Payload: json.RawMessage(m.Payload)})
		}
	}
}

// Stop ends the subscription.
func (r *RedisRelay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}
