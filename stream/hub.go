package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/BaSui01/delegateflow/internal/channel"
	"github.com/BaSui01/delegateflow/internal/pool"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Message is one broadcast on an account channel.
type Message struct {
	AccountID string          `json:"accountId"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher carries broadcasts between nodes. *RedisRelay implements it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// HubConfig configures the hub.
type HubConfig struct {
	// Buffer is the per-subscriber queue length.
	Buffer int `yaml:"buffer" json:"buffer" env:"BUFFER"`
}

// DefaultHubConfig returns hub defaults.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{Buffer: 64}
}

// Subscription receives the broadcasts of one account.
type Subscription struct {
	ID        string
	AccountID string

	hub  *Hub
	box  *channel.Mailbox[json.RawMessage]
	once sync.Once
}

// C delivers payloads. It is closed when the subscription ends, including
// when the hub drops a subscriber that fell behind.
func (s *Subscription) C() <-chan json.RawMessage { return s.box.Chan() }

// Close ends the subscription.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub fans broadcasts out to local subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	relay  Publisher
	config *HubConfig
	logger *zap.Logger
}

// NewHub creates a hub.
func NewHub(config *HubConfig, logger *zap.Logger) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[string]map[string]*Subscription),
		config: config,
		logger: logger.With(zap.String("component", "stream_hub")),
	}
}

// SetRelay routes broadcasts through p. The relay must feed received
// messages back through Deliver.
func (h *Hub) SetRelay(p Publisher) { h.relay = p }

// Subscribe registers a subscriber for an account.
func (h *Hub) Subscribe(accountID string) *Subscription {
	s := &Subscription{
		ID:        uuid.NewString(),
		AccountID: accountID,
		hub:       h,
		box:       channel.NewMailbox[json.RawMessage](h.config.Buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[accountID] == nil {
		h.subs[accountID] = make(map[string]*Subscription)
	}
	h.subs[accountID][s.ID] = s
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[s.AccountID]; ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(h.subs, s.AccountID)
		}
	}
	h.mu.Unlock()
	s.box.Close()
}

// Subscribers returns the number of local subscribers of an account.
func (h *Hub) Subscribers(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[accountID])
}

// Broadcast encodes msg and sends it to every subscriber of the account,
// on every node when a relay is attached.
func (h *Hub) Broadcast(ctx context.Context, accountID string, msg any) error {
	payload, err := encodePayload(msg)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	m := Message{AccountID: accountID, Payload: payload}
	if h.relay != nil {
		return h.relay.Publish(ctx, m)
	}
	h.Deliver(m)
	return nil
}

// encodePayload encodes msg through a pooled buffer. The returned slice is
// a copy and stays valid after the buffer is reused.
func encodePayload(msg any) (json.RawMessage, error) {
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		return nil, err
	}
	b := bytes.TrimRight(buf.Bytes(), "\n")
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out, nil
}

// Deliver hands a message to the local subscribers of its account and
// returns how many accepted it. Subscribers whose queue is full are
// dropped.
func (h *Hub) Deliver(m Message) int {
	h.mu.RLock()
	targets := make([]*Subscription, 0, len(h.subs[m.AccountID]))
	for _, s := range h.subs[m.AccountID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.box.TrySend(m.Payload) {
			delivered++
			continue
		}
		if s.box.Closed() {
			continue
		}
		h.logger.Warn("dropping slow subscriber",
			zap.String("account_id", m.AccountID),
			zap.String("subscription_id", s.ID),
			zap.Int64("dropped", s.box.Stats().Dropped),
		)
		s.Close()
	}
	return delivered
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Subscription
	for _, set := range h.subs {
		for _, s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}
