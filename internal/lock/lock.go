package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when the lock is still held by someone else
// after the wait budget is spent.
var ErrNotAcquired = errors.New("lock not acquired")

// Lock is a held advisory lock.
type Lock interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out advisory locks with a bounded hold time. A lock whose
// holder dies is released automatically once ttl passes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error)
}

// =============================================================================
// 🔒 Redis locker
// =============================================================================

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisLocker creates a Redis backed locker.
func NewRedisLocker(client *redis.Client, prefix string, logger *zap.Logger) *RedisLocker {
	if prefix == "" {
		prefix = "lock:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLocker{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis_lock")),
	}
}

// Acquire takes key, polling with backoff for at most wait.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error) {
	token := uuid.NewString()
	redisKey := l.prefix + key

	try := func() (bool, error) {
		ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		return ok, nil
	}

	if err := poll(ctx, wait, try); err != nil {
		return nil, err
	}

	l.logger.Debug("lock acquired", zap.String("key", key), zap.Duration("ttl", ttl))
	return &redisLock{locker: l, key: key, redisKey: redisKey, token: token}, nil
}

type redisLock struct {
	locker   *RedisLocker
	key      string
	redisKey string
	token    string
}

func (l *redisLock) Key() string { return l.key }

// Release deletes the key only if this holder still owns it.
func (l *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.locker.client, []string{l.redisKey}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if n == 0 {
		l.locker.logger.Warn("lock expired before release", zap.String("key", l.key))
	}
	return nil
}

// =============================================================================
// 🧷 In-process locker
// =============================================================================

// LocalLocker implements Locker inside one process. It is used when no
// Redis is configured, i.e. single-replica deployments and tests.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]localHold
	clock func() time.Time
}

type localHold struct {
	token     string
	expiresAt time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold), clock: time.Now}
}

// Acquire takes key, polling with backoff for at most wait.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lock, error) {
	token := uuid.NewString()
	try := func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		now := l.clock()
		if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
			return false, nil
		}
		l.held[key] = localHold{token: token, expiresAt: now.Add(ttl)}
		return true, nil
	}
	if err := poll(ctx, wait, try); err != nil {
		return nil, err
	}
	return &localLock{locker: l, key: key, token: token}, nil
}

type localLock struct {
	locker *LocalLocker
	key    string
	token  string
}

func (l *localLock) Key() string { return l.key }

func (l *localLock) Release(context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	if h, ok := l.locker.held[l.key]; ok && h.token == l.token {
		delete(l.locker.held, l.key)
	}
	return nil
}

// poll calls try until it succeeds, fails, or wait elapses.
func poll(ctx context.Context, wait time.Duration, try func() (bool, error)) error {
	b := &backoff.Backoff{Min: 10 * time.Millisecond, Max: 200 * time.Millisecond, Factor: 2, Jitter: true}
	deadline := time.Now().Add(wait)

	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrNotAcquired
		}

		d := b.Duration()
		if remaining := time.Until(deadline); d > remaining {
			d = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
}

// DelegateCountKey is the lock guarding delegate-count enforcement of an account.
func DelegateCountKey(accountID string) string {
	return "delegateCountLock-" + accountID
}

// DelegateHostKey is the lock serializing registrations of one host.
func DelegateHostKey(accountID, hostName, ip string) string {
	return "delegateHostLock-" + accountID + "/" + hostName + "/" + ip
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*LocalLocker)(nil)
)
