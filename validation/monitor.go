package validation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/internal/metrics"
	"github.com/BaSui01/delegateflow/matching"
	"github.com/BaSui01/delegateflow/taskqueue"
	"github.com/BaSui01/delegateflow/types"
	"go.uber.org/zap"
)

// MonitorConfig configures the validation timeout monitor.
type MonitorConfig struct {
	// Timeout is how long a task may stay in validation.
	Timeout time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`

	// Interval is the sweep period.
	Interval time.Duration `yaml:"interval" json:"interval" env:"INTERVAL"`

	// BatchSize bounds the tasks handled per sweep.
	BatchSize int `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`
}

// DefaultMonitorConfig returns monitor defaults.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Timeout:   12 * time.Second,
		Interval:  5 * time.Second,
		BatchSize: 200,
	}
}

// Monitor fails tasks stuck in validation.
type Monitor struct {
	store     TaskStore
	queue     Queue
	verdicts  Verdicts
	delegates Delegates
	bus       *delegate.EventBus
	metrics   *metrics.Collector
	config    *MonitorConfig
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor.
func NewMonitor(store TaskStore, queue Queue, verdicts Verdicts, delegates Delegates, config *MonitorConfig, logger *zap.Logger) *Monitor {
	if config == nil {
		config = DefaultMonitorConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:     store,
		queue:     queue,
		verdicts:  verdicts,
		delegates: delegates,
		config:    config,
		logger:    logger.With(zap.String("component", "validation_monitor")),
		now:       time.Now,
	}
}

// SetMetrics installs the metrics collector.
func (m *Monitor) SetMetrics(c *metrics.Collector) { m.metrics = c }

// SetEventBus publishes an alert for every timed out task.
func (m *Monitor) SetEventBus(b *delegate.EventBus) { m.bus = b }

// Start runs Sweep every Interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("validation monitor already running")
	}
	m.running = true
	m.done = make(chan struct{})

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("validation monitor started",
		zap.Duration("timeout", m.config.Timeout),
		zap.Duration("interval", m.config.Interval),
	)
	return nil
}

// Stop halts the sweep loop.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.done)
	m.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Warn("validation sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep fails timed out validations and returns how many tasks it failed.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.config.Timeout)
	tasks, err := m.store.StaleValidations(ctx, cutoff, m.config.BatchSize)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, t := range tasks {
		ok, err := m.hasWhitelisted(ctx, t)
		if err != nil {
			m.logger.Warn("whitelist lookup failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if ok {
			continue
		}

		msg := "No connected whitelisted delegates found for task. " + taskqueue.ValidationSummary(t)
		changed, err := m.queue.Fail(ctx, t.AccountID, t.ID, msg, taskqueue.StatusQueued)
		if err != nil {
			m.logger.Warn("failing timed out validation failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}

		failed++
		m.metrics.RecordValidationTimeout()
		if m.bus != nil {
			m.bus.Publish(delegate.Event{
				Type:      delegate.EventAlertRaised,
				AccountID: t.AccountID,
				TaskID:    t.ID,
				Code:      string(types.ErrValidationTimeout),
				Message:   msg,
			})
		}
		m.logger.Warn("task validation timed out",
			zap.String("account_id", t.AccountID),
			zap.String("task_id", t.ID),
			zap.Strings("validating", t.ValidatingDelegateIDs),
			zap.Strings("completed", t.ValidationCompleteDelegateIDs),
		)
	}
	return failed, nil
}

// hasWhitelisted reports whether a connected delegate may run t right now.
func (m *Monitor) hasWhitelisted(ctx context.Context, t *taskqueue.Task) (bool, error) {
	active, err := m.delegates.ActiveDelegates(ctx, t.AccountID)
	if err != nil {
		return false, err
	}
	req := t.MatchRequest()
	for _, d := range active {
		if t.Pinned() && d.ID != t.MustExecuteOnDelegateID {
			continue
		}
		ev, err := m.verdicts.Evaluate(ctx, d, req)
		if err != nil {
			return false, err
		}
		if ev.Decision == matching.DecisionAllowed {
			return true, nil
		}
	}
	return false, nil
}
