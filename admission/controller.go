package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/delegateflow/internal/cache"
	"github.com/BaSui01/delegateflow/internal/metrics"
	"github.com/BaSui01/delegateflow/types"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Limits holds one ceiling per rank. Zero or negative means unlimited.
type Limits struct {
	Critical  int `yaml:"critical" json:"critical" env:"CRITICAL"`
	Important int `yaml:"important" json:"important" env:"IMPORTANT"`
	Optional  int `yaml:"optional" json:"optional" env:"OPTIONAL"`
}

// For returns the ceiling of rank.
func (l Limits) For(rank types.Rank) int {
	switch rank {
	case types.RankCritical:
		return l.Critical
	case types.RankImportant:
		return l.Important
	case types.RankOptional:
		return l.Optional
	}
	return 0
}

// Config configures the controller.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled" env:"ENABLED"`

	// Limits apply to every account without an override.
	Limits Limits `yaml:"limits" json:"limits" env:"LIMITS"`

	// Overrides replace Limits for individual accounts.
	Overrides map[string]Limits `yaml:"overrides" json:"overrides"`

	// RefreshInterval is the period of the background count refresh.
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval" env:"REFRESH_INTERVAL"`

	// CountTTL bounds the age of a cached count when the loop stalls.
	CountTTL time.Duration `yaml:"count_ttl" json:"count_ttl" env:"COUNT_TTL"`
}

// DefaultConfig returns defaults sized for a mid-sized account.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Limits: Limits{
			Critical:  5000,
			Important: 2500,
			Optional:  1000,
		},
		RefreshInterval: 5 * time.Second,
		CountTTL:        30 * time.Second,
	}
}

// Validate rejects loop settings the controller cannot run with.
func (c *Config) Validate() error {
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("admission.refresh_interval must be positive")
	}
	if c.CountTTL < c.RefreshInterval {
		return fmt.Errorf("admission.count_ttl (%s) is shorter than refresh_interval (%s)", c.CountTTL, c.RefreshInterval)
	}
	return nil
}

// Counter counts in-flight (QUEUED + STARTED) tasks of one rank.
type Counter interface {
	CountInFlight(ctx context.Context, accountID string, rank types.Rank) (int64, error)
}

type trackedKey struct {
	accountID string
	rank      types.Rank
}

func (k trackedKey) String() string {
	return fmt.Sprintf("admission:%s:%s", k.accountID, k.rank)
}

// =============================================================================
// 🚦 Controller
// =============================================================================

// Controller enforces rank ceilings.
type Controller struct {
	counter Counter
	cache   cache.Store
	group   singleflight.Group
	metrics *metrics.Collector
	logger  *zap.Logger

	mu      sync.RWMutex
	config  Config
	tracked map[trackedKey]struct{}

	loopMu  sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewController creates a controller. counts may be nil, in which case an
// in-process store is used.
func NewController(counter Counter, counts cache.Store, config *Config, logger *zap.Logger) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := *config
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if cfg.CountTTL <= 0 {
		cfg.CountTTL = 6 * cfg.RefreshInterval
	}
	if counts == nil {
		counts = cache.NewMemoryStore(10000, cfg.CountTTL)
	}
	return &Controller{
		counter: counter,
		cache:   counts,
		config:  cfg,
		tracked: make(map[trackedKey]struct{}),
		logger:  logger.With(zap.String("component", "admission")),
	}
}

// SetMetrics installs the metrics collector.
func (c *Controller) SetMetrics(m *metrics.Collector) { c.metrics = m }

// Check returns a RATE_LIMIT_EXCEEDED error when the account already has
// limit or more in-flight tasks of rank. Count lookup failures admit the
// task.
func (c *Controller) Check(ctx context.Context, accountID string, rank types.Rank) error {
	c.mu.RLock()
	enabled := c.config.Enabled
	limit := c.limitLocked(accountID, rank)
	c.mu.RUnlock()

	if !enabled || limit <= 0 {
		return nil
	}

	count, err := c.count(ctx, trackedKey{accountID: accountID, rank: rank})
	if err != nil {
		c.logger.Warn("in-flight count unavailable, admitting task",
			zap.String("account_id", accountID),
			zap.String("rank", string(rank)),
			zap.Error(err),
		)
		return nil
	}

	if count >= int64(limit) {
		c.metrics.RecordAdmissionRejected(string(rank))
		return types.Errorf(types.ErrRateLimitExceeded,
			"Rate limit reached for tasks with rank %s. Current task count %d and max limit %d",
			rank, count, limit).WithRetryable(true)
	}
	return nil
}

// Limit returns the effective ceiling of an account and rank.
func (c *Controller) Limit(accountID string, rank types.Rank) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limitLocked(accountID, rank)
}

func (c *Controller) limitLocked(accountID string, rank types.Rank) int {
	if o, ok := c.config.Overrides[accountID]; ok {
		return o.For(rank)
	}
	return c.config.Limits.For(rank)
}

// UpdateLimits replaces the ceilings. Cached counts are kept.
func (c *Controller) UpdateLimits(enabled bool, limits Limits, overrides map[string]Limits) {
	copied := make(map[string]Limits, len(overrides))
	for k, v := range overrides {
		copied[k] = v
	}

	c.mu.Lock()
	c.config.Enabled = enabled
	c.config.Limits = limits
	c.config.Overrides = copied
	c.mu.Unlock()

	c.logger.Info("admission limits updated",
		zap.Bool("enabled", enabled),
		zap.Int("critical", limits.Critical),
		zap.Int("important", limits.Important),
		zap.Int("optional", limits.Optional),
		zap.Int("overrides", len(copied)),
	)
}

func (c *Controller) count(ctx context.Context, key trackedKey) (int64, error) {
	c.mu.Lock()
	c.tracked[key] = struct{}{}
	c.mu.Unlock()

	var n int64
	err := c.cache.GetJSON(ctx, key.String(), &n)
	if err == nil {
		c.metrics.RecordCacheHit("admission")
		return n, nil
	}
	if !cache.IsCacheMiss(err) {
		c.logger.Debug("admission cache read failed", zap.Error(err))
	}
	c.metrics.RecordCacheMiss("admission")

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		return c.load(context.WithoutCancel(ctx), key)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (c *Controller) load(ctx context.Context, key trackedKey) (int64, error) {
	if c.counter == nil {
		return 0, errors.New("no task counter configured")
	}
	n, err := c.counter.CountInFlight(ctx, key.accountID, key.rank)
	if err != nil {
		return 0, fmt.Errorf("count in-flight tasks: %w", err)
	}

	c.mu.RLock()
	ttl := c.config.CountTTL
	c.mu.RUnlock()
	if err := c.cache.SetJSON(ctx, key.String(), n, ttl); err != nil {
		c.logger.Debug("admission cache write failed", zap.Error(err))
	}
	return n, nil
}

// Refresh reloads every count seen so far.
func (c *Controller) Refresh(ctx context.Context) error {
	c.mu.RLock()
	keys := make([]trackedKey, 0, len(c.tracked))
	for k := range c.tracked {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	var result *multierror.Error
	for _, k := range keys {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err, _ := c.group.Do(k.String(), func() (any, error) { return c.load(ctx, k) }); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Start launches the refresh loop.
func (c *Controller) Start(ctx context.Context) error {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	if c.running {
		return errors.New("admission controller already running")
	}
	c.running = true
	c.done = make(chan struct{})

	c.mu.RLock()
	interval := c.config.RefreshInterval
	c.mu.RUnlock()

	c.wg.Add(1)
	go c.loop(ctx, interval)
	return nil
}

// Stop halts the refresh loop.
func (c *Controller) Stop() {
	c.loopMu.Lock()
	if !c.running {
		c.loopMu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	c.loopMu.Unlock()
	c.wg.Wait()
}

func (c *Controller) loop(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("admission count refresh failed", zap.Error(err))
			}
		}
	}
}
