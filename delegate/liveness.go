package delegate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const staleBatchSize = 500

// LivenessChecker periodically disconnects sessions whose heartbeat is older
// than the registry's heartbeat timeout.
type LivenessChecker struct {
	registry *Registry
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewLivenessChecker creates a checker bound to registry.
func NewLivenessChecker(registry *Registry, interval time.Duration, logger *zap.Logger) *LivenessChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LivenessChecker{
		registry: registry,
		interval: interval,
		logger:   logger.With(zap.String("component", "delegate_liveness")),
	}
}

// Start launches the sweep loop.
func (c *LivenessChecker) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("liveness checker already running")
	}
	c.running = true
	c.done = make(chan struct{})

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("liveness checker started", zap.Duration("interval", c.interval))
	return nil
}

// Stop halts the loop and waits for the in-progress sweep.
func (c *LivenessChecker) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.done)
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		c.logger.Info("liveness checker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *LivenessChecker) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if n, err := c.Sweep(ctx); err != nil {
				c.logger.Error("liveness sweep failed", zap.Error(err))
			} else if n > 0 {
				c.logger.Info("stale connections disconnected", zap.Int("count", n))
			}
		}
	}
}

// Sweep disconnects every stale session once and returns how many it closed.
func (c *LivenessChecker) Sweep(ctx context.Context) (int, error) {
	r := c.registry
	cutoff := r.now().Add(-r.config.HeartbeatTimeout)

	total := 0
	for {
		stale, err := r.store.StaleConnections(ctx, cutoff, staleBatchSize)
		if err != nil {
			return total, err
		}
		if len(stale) == 0 {
			return total, nil
		}

		closed := 0
		for _, conn := range stale {
			d, err := r.store.Get(ctx, conn.DelegateID)
			if errors.Is(err, ErrNotFound) {
				if err := r.store.DeleteConnection(ctx, conn.ID); err != nil {
					return total, err
				}
				closed++
				continue
			}
			if err != nil {
				return total, err
			}
			ok, err := r.disconnect(ctx, d, conn.ID)
			if err != nil {
				return total, err
			}
			if ok {
				closed++
			}
		}
		total += closed
		if len(stale) < staleBatchSize || closed == 0 {
			return total, nil
		}
	}
}
