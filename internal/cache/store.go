package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

var (
	// ErrCacheMiss is returned when a key is absent or expired.
	ErrCacheMiss = errors.New("cache miss")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache closed")
)

// IsCacheMiss reports whether err is a cache miss.
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Store is the cache component injected into matching and admission.
// Implementations own their TTL and invalidation.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// =============================================================================
// 🧠 In-process store
// =============================================================================

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a size-bounded in-process Store. Entries are evicted by the
// LRU policy, by the store-wide DefaultTTL, or by their own ttl, whichever
// comes first.
type MemoryStore struct {
	lru        *expirable.LRU[string, memoryEntry]
	defaultTTL time.Duration
	now        func() time.Time
}

// NewMemoryStore creates an in-process store holding at most size entries.
func NewMemoryStore(size int, defaultTTL time.Duration) *MemoryStore {
	if size <= 0 {
		size = 10000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &MemoryStore{
		lru:        expirable.NewLRU[string, memoryEntry](size, nil, defaultTTL),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the value or ErrCacheMiss.
func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	e, ok := s.lru.Get(key)
	if !ok {
		return "", ErrCacheMiss
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		s.lru.Remove(key)
		return "", ErrCacheMiss
	}
	return e.value, nil
}

// Set stores value. A ttl longer than the store default is capped by it.
func (s *MemoryStore) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	e := memoryEntry{value: value}
	if ttl > 0 && ttl < s.defaultTTL {
		e.expiresAt = s.now().Add(ttl)
	}
	s.lru.Add(key, e)
	return nil
}

// GetJSON decodes a cached JSON value into dest.
func (s *MemoryStore) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}

// SetJSON stores value encoded as JSON.
func (s *MemoryStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return s.Set(ctx, key, string(data), ttl)
}

// Delete removes keys.
func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		s.lru.Remove(k)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *MemoryStore) DeletePrefix(prefix string) int {
	n := 0
	for _, k := range s.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.lru.Remove(k)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries, including not yet purged ones.
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}

var _ Store = (*MemoryStore)(nil)
