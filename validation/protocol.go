package validation

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/internal/metrics"
	"github.com/BaSui01/delegateflow/internal/retry"
	"github.com/BaSui01/delegateflow/matching"
	"github.com/BaSui01/delegateflow/taskqueue"
	"github.com/BaSui01/delegateflow/types"
	"go.uber.org/zap"
)

// TaskStore is the slice of the task store the protocol writes through.
type TaskStore interface {
	Get(ctx context.Context, accountID, id string) (*taskqueue.Task, error)
	UpdateUnassigned(ctx context.Context, accountID, id string, cols []string, mutate func(t *taskqueue.Task) bool) (*taskqueue.Task, error)
	StaleValidations(ctx context.Context, cutoff time.Time, limit int) ([]*taskqueue.Task, error)
}

// Queue assigns and fails tasks. *taskqueue.Service implements it.
type Queue interface {
	Assign(ctx context.Context, t *taskqueue.Task, delegateID, instanceID string) (*taskqueue.Package, error)
	Fail(ctx context.Context, accountID, taskID, msg string, from ...taskqueue.Status) (bool, error)
}

// Verdicts stores and reads capability verdicts. *matching.Engine
// implements it.
type Verdicts interface {
	ReportCapabilityResults(ctx context.Context, accountID, delegateID string, results []capability.Result) error
	Evaluate(ctx context.Context, d *delegate.Delegate, req matching.Request) (*matching.Evaluation, error)
}

// Delegates resolves delegates. *delegate.Registry implements it.
type Delegates interface {
	Lookup(ctx context.Context, delegateID string) (*delegate.Delegate, error)
	ActiveDelegates(ctx context.Context, accountID string) ([]*delegate.Delegate, error)
}

// Protocol runs the begin/record half of the handshake.
type Protocol struct {
	store     TaskStore
	queue     Queue
	verdicts  Verdicts
	delegates Delegates
	retryer   *retry.Retryer
	metrics   *metrics.Collector
	logger    *zap.Logger
	now       func() time.Time
}

// NewProtocol creates a protocol.
func NewProtocol(store TaskStore, queue Queue, verdicts Verdicts, delegates Delegates, logger *zap.Logger) *Protocol {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		store:     store,
		queue:     queue,
		verdicts:  verdicts,
		delegates: delegates,
		retryer: retry.New(retry.Policy{
			MaxAttempts:  5,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2,
			Jitter:       true,
			Retryable:    func(err error) bool { return errors.Is(err, taskqueue.ErrConflict) },
		}, logger),
		logger: logger.With(zap.String("component", "validation")),
		now:    time.Now,
	}
}

// SetMetrics installs the metrics collector.
func (p *Protocol) SetMetrics(m *metrics.Collector) { p.metrics = m }

// Begin marks delegateID as validating t. The start time is set on the
// first call only.
func (p *Protocol) Begin(ctx context.Context, t *taskqueue.Task, delegateID string) error {
	now := p.now()
	err := p.retryer.Do(ctx, func(int) error {
		_, err := p.store.UpdateUnassigned(ctx, t.AccountID, t.ID,
			[]string{"validating_delegate_ids", "validation_started_at"},
			func(cur *taskqueue.Task) bool {
				changed := false
				if !slices.Contains(cur.ValidatingDelegateIDs, delegateID) {
					cur.ValidatingDelegateIDs = append(cur.ValidatingDelegateIDs, delegateID)
					changed = true
				}
				if cur.ValidationStartedAt == nil {
					cur.ValidationStartedAt = &now
					changed = true
				}
				return changed
			})
		return err
	})
	if errors.Is(err, taskqueue.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	p.logger.Debug("validation started",
		zap.String("task_id", t.ID),
		zap.String("delegate_id", delegateID),
	)
	return nil
}

// Record stores the check results of a delegate and assigns the task to it
// when every requirement was validated. A nil package means the delegate
// must not run the task. Only an enabled delegate that could have acquired
// the task is recorded: pins, scopes and selectors are checked here again
// because any delegate can call this.
func (p *Protocol) Record(ctx context.Context, delegateID, instanceID, taskID string, results []capability.Result) (*taskqueue.Package, error) {
	d, err := p.delegates.Lookup(ctx, delegateID)
	if errors.Is(err, delegate.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "delegate %s not found", delegateID)
	}
	if err != nil {
		return nil, err
	}
	if d.Status != delegate.StatusEnabled {
		p.logger.Warn("validation report from delegate that is not enabled",
			zap.String("delegate_id", delegateID), zap.String("status", string(d.Status)))
		return nil, nil
	}

	t, err := p.store.Get(ctx, d.AccountID, taskID)
	if errors.Is(err, taskqueue.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Unassigned() {
		ok, err := p.eligible(ctx, d, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			p.logger.Warn("validation report from ineligible delegate",
				zap.String("task_id", taskID), zap.String("delegate_id", delegateID))
			return nil, nil
		}
	}

	if len(results) > 0 {
		if err := p.verdicts.ReportCapabilityResults(ctx, d.AccountID, delegateID, results); err != nil {
			return nil, err
		}
	}

	err = p.retryer.Do(ctx, func(int) error {
		var err error
		t, err = p.store.UpdateUnassigned(ctx, d.AccountID, taskID,
			[]string{"validation_complete_delegate_ids"},
			func(cur *taskqueue.Task) bool {
				if slices.Contains(cur.ValidationCompleteDelegateIDs, delegateID) {
					return false
				}
				cur.ValidationCompleteDelegateIDs = append(cur.ValidationCompleteDelegateIDs, delegateID)
				return true
			})
		return err
	})
	if errors.Is(err, taskqueue.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !t.Unassigned() {
		if t.Status == taskqueue.StatusStarted && t.DelegateID == delegateID {
			return p.queue.Assign(ctx, t, delegateID, instanceID)
		}
		return nil, nil
	}

	if missing := unvalidated(t, results); len(missing) > 0 {
		p.logger.Info("delegate failed validation",
			zap.String("task_id", taskID),
			zap.String("delegate_id", delegateID),
			zap.Strings("capabilities", missing),
		)
		return nil, nil
	}
	return p.queue.Assign(ctx, t, delegateID, instanceID)
}

// eligible applies the acquire-time checks to d. Verdicts are read before
// the new results are stored, so a failed check still counts as an attempt.
func (p *Protocol) eligible(ctx context.Context, d *delegate.Delegate, t *taskqueue.Task) (bool, error) {
	if t.Pinned() {
		return t.MustExecuteOnDelegateID == d.ID, nil
	}
	ev, err := p.verdicts.Evaluate(ctx, d, t.MatchRequest())
	if err != nil {
		return false, err
	}
	return ev.Decision != matching.DecisionDenied, nil
}

// unvalidated describes the agent-evaluable capabilities of t without a
// validated result.
func unvalidated(t *taskqueue.Task, results []capability.Result) []string {
	ok := make(map[string]bool, len(results))
	for _, r := range results {
		if r.Capability != nil && r.Validated {
			ok[capability.RequirementID(t.AccountID, r.Capability)] = true
		}
	}

	_, agent := capability.Partition(t.Capabilities)
	var missing []string
	for _, c := range agent {
		if !ok[capability.RequirementID(t.AccountID, c)] {
			missing = append(missing, c.Describe())
		}
	}
	return missing
}
