package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/internal/metrics"
	"github.com/BaSui01/delegateflow/internal/pool"
	"github.com/BaSui01/delegateflow/matching"
	"github.com/BaSui01/delegateflow/types"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MinRebroadcastDelay is the earliest a task is broadcast a second time.
const MinRebroadcastDelay = 5 * time.Second

// minSyncRecheck bounds how often a sync caller re-reads a task whose
// deadline has passed but which is not terminal yet.
const minSyncRecheck = 10 * time.Millisecond

// Config configures the task queue.
type Config struct {
	// RebroadcastDelay is the delay before the first rebroadcast.
	RebroadcastDelay time.Duration `yaml:"rebroadcast_delay" json:"rebroadcast_delay" env:"REBROADCAST_DELAY"`

	// RebroadcastInterval spaces later rebroadcasts.
	RebroadcastInterval time.Duration `yaml:"rebroadcast_interval" json:"rebroadcast_interval" env:"REBROADCAST_INTERVAL"`

	// ScanInterval is the period of the reaper and rebroadcast scans.
	ScanInterval time.Duration `yaml:"scan_interval" json:"scan_interval" env:"SCAN_INTERVAL"`

	// BatchSize bounds the rows handled by one scan.
	BatchSize int `yaml:"batch_size" json:"batch_size" env:"BATCH_SIZE"`

	// GCSchedule is a cron expression for terminal task collection.
	GCSchedule string `yaml:"gc_schedule" json:"gc_schedule" env:"GC_SCHEDULE"`

	// Retention is how long terminal tasks are kept.
	Retention time.Duration `yaml:"retention" json:"retention" env:"RETENTION"`

	// Workers runs rebroadcasts, which may poll verdicts, in parallel.
	Workers pool.GoroutinePoolConfig `yaml:"workers" json:"workers"`
}

// DefaultConfig returns queue defaults.
func DefaultConfig() *Config {
	return &Config{
		RebroadcastDelay:    MinRebroadcastDelay,
		RebroadcastInterval: 30 * time.Second,
		ScanInterval:        5 * time.Second,
		BatchSize:           200,
		GCSchedule:          "@every 10m",
		Retention:           24 * time.Hour,
		Workers: pool.GoroutinePoolConfig{
			MaxWorkers:  16,
			QueueSize:   256,
			IdleTimeout: 30 * time.Second,
		},
	}
}

// =============================================================================
// 🔌 Collaborators
// =============================================================================

// Matcher computes eligibility. *matching.Engine implements it.
type Matcher interface {
	Match(ctx context.Context, req matching.Request) (*matching.Result, error)
	Evaluate(ctx context.Context, d *delegate.Delegate, req matching.Request) (*matching.Evaluation, error)
}

// Delegates resolves callers. *delegate.Registry implements it.
type Delegates interface {
	Lookup(ctx context.Context, delegateID string) (*delegate.Delegate, error)
	HasLiveConnection(ctx context.Context, delegateID string) (bool, error)
}

// Admitter rejects submissions over the account's rank ceiling.
type Admitter interface {
	Check(ctx context.Context, accountID string, rank types.Rank) error
}

// Broadcaster delivers a message to every delegate of an account.
type Broadcaster interface {
	Broadcast(ctx context.Context, accountID string, msg any) error
}

// Validator runs the legacy validation protocol for delegates that must
// check capabilities before they may take a task.
type Validator interface {
	Begin(ctx context.Context, t *Task, delegateID string) error
}

// =============================================================================
// 🗂️ Service
// =============================================================================

// Service implements the task queue operations.
type Service struct {
	store       *Store
	delegates   Delegates
	matcher     Matcher
	admitter    Admitter
	broadcaster Broadcaster
	validator   Validator
	notifier    Notifier
	bus         *delegate.EventBus
	metrics     *metrics.Collector
	tracer      trace.Tracer
	config      *Config
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
	workers *pool.GoroutinePool
	cron    *cron.Cron
}

// NewService creates a queue. matcher may be nil, in which case every
// connected delegate is eligible.
func NewService(store *Store, delegates Delegates, matcher Matcher, config *Config, logger *zap.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.RebroadcastDelay < MinRebroadcastDelay {
		config.RebroadcastDelay = MinRebroadcastDelay
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	return &Service{
		store:     store,
		delegates: delegates,
		matcher:   matcher,
		notifier:  NewLocalNotifier(),
		tracer:    otel.Tracer("github.com/BaSui01/delegateflow/taskqueue"),
		config:    config,
		logger:    logger.With(zap.String("component", "taskqueue")),
		now:       time.Now,
	}
}

// SetAdmitter installs admission control.
func (s *Service) SetAdmitter(a Admitter) { s.admitter = a }

// SetBroadcaster installs the account channel.
func (s *Service) SetBroadcaster(b Broadcaster) { s.broadcaster = b }

// SetValidator installs the legacy validation protocol.
func (s *Service) SetValidator(v Validator) { s.validator = v }

// SetNotifier replaces the in-process callback notifier.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetEventBus installs the coordinator event bus.
func (s *Service) SetEventBus(b *delegate.EventBus) { s.bus = b }

// SetMetrics installs the metrics collector.
func (s *Service) SetMetrics(m *metrics.Collector) { s.metrics = m }

// Store returns the underlying store.
func (s *Service) Store() *Store { return s.store }

// Notifier returns the callback notifier.
func (s *Service) Notifier() Notifier { return s.notifier }

// Submit queues an async or sync task and returns its id. The task is not
// persisted when admission rejects it.
func (s *Service) Submit(ctx context.Context, t *Task) (string, error) {
	ctx, span := s.tracer.Start(ctx, "taskqueue.submit",
		trace.WithAttributes(attribute.String("account_id", t.AccountID)))
	defer span.End()

	if err := s.prepare(t); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("task_id", t.ID), attribute.String("rank", string(t.Rank)))

	if s.admitter != nil {
		if err := s.admitter.Check(ctx, t.AccountID, t.Rank); err != nil {
			return "", err
		}
	}

	noEligible := s.preAssign(ctx, t)

	t.BroadcastCount = 1
	if noEligible && !t.Async {
		t.BroadcastCount = 2
	}
	if err := s.store.Create(ctx, t); err != nil {
		return "", err
	}
	s.metrics.RecordTaskSubmitted(string(t.Rank), !t.Async)

	s.broadcast(ctx, t.AccountID, eventOf(t, EventQueued))
	if noEligible && !t.Async {
		s.broadcast(ctx, t.AccountID, eventOf(t, EventQueued))
	}

	s.logger.Info("task queued",
		zap.String("account_id", t.AccountID),
		zap.String("task_id", t.ID),
		zap.String("rank", string(t.Rank)),
		zap.Bool("async", t.Async),
		zap.Int("eligible", len(t.EligibleDelegateIDs)),
		zap.String("pre_assigned", t.PreAssignedDelegateID),
	)
	return t.ID, nil
}

func (s *Service) prepare(t *Task) error {
	if strings.TrimSpace(t.AccountID) == "" {
		return types.NewError(types.ErrInvalidRequest, "account id is required")
	}
	if t.Timeout <= 0 {
		return types.NewError(types.ErrInvalidRequest, "task timeout must be positive")
	}
	rank, err := types.ParseRank(string(t.Rank))
	if err != nil {
		return err
	}

	now := s.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CallbackChannelID == "" {
		t.CallbackChannelID = t.ID
	}
	t.Rank = rank
	t.Status = StatusQueued
	t.DelegateID = ""
	t.DelegateInstanceID = ""
	t.ValidatingDelegateIDs = nil
	t.ValidationCompleteDelegateIDs = nil
	t.ValidationStartedAt = nil
	t.Version = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	t.ExpiryAt = now.Add(t.Timeout)
	t.NextBroadcastAt = now.Add(s.config.RebroadcastDelay)

	if sel := capability.SelectorFromTags(t.Selectors, "TASK_SELECTORS"); sel != nil && !hasSelector(t.Capabilities, "TASK_SELECTORS") {
		t.Capabilities = append(t.Capabilities, sel)
	}
	return nil
}

// preAssign fills eligibility and reports whether nobody is eligible.
// Matching is best effort; failures leave the eligible set empty.
func (s *Service) preAssign(ctx context.Context, t *Task) bool {
	if t.Pinned() {
		t.PreAssignedDelegateID = t.MustExecuteOnDelegateID
		t.EligibleDelegateIDs = []string{t.MustExecuteOnDelegateID}
		return false
	}
	if s.matcher == nil {
		return false
	}
	res, err := s.matcher.Match(ctx, t.MatchRequest())
	if err != nil {
		s.logger.Warn("pre-assignment failed, leaving task open to every delegate",
			zap.String("task_id", t.ID), zap.Error(err))
		return false
	}
	t.EligibleDelegateIDs = res.Eligible
	t.PreAssignedDelegateID = res.Preferred
	return len(res.Eligible) == 0
}

// SubmitSync queues a task and blocks until it is terminal or its deadline
// passes. The terminal task is returned.
func (s *Service) SubmitSync(ctx context.Context, t *Task) (*Task, error) {
	t.Async = false
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	w, err := s.notifier.Register(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("register callback: %w", err)
	}
	defer w.Close()

	if _, err := s.Submit(ctx, t); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.ExpiryAt.Sub(s.now()))
	defer timer.Stop()

	for {
		select {
		case <-w.Done():
			return s.store.Get(ctx, t.AccountID, t.ID)
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// an assignment after submit moves the deadline; wait for the new one
		if _, err := s.Expire(ctx, t.AccountID, t.ID); err != nil {
			return nil, err
		}
		cur, err := s.store.Get(ctx, t.AccountID, t.ID)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return cur, nil
		}
		timer.Reset(max(cur.ExpiryAt.Sub(s.now()), minSyncRecheck))
	}
}

// Get returns a task of an account.
func (s *Service) Get(ctx context.Context, accountID, taskID string) (*Task, error) {
	t, err := s.store.Get(ctx, accountID, taskID)
	if errors.Is(err, ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "task %s not found", taskID)
	}
	return t, err
}

// =============================================================================
// 🤝 Acquisition
// =============================================================================

// Acquire hands a task to a delegate. A nil package means the delegate
// should not run it: it lost the race, is not eligible, or the task is gone.
// Calling Acquire again after winning returns the same package.
func (s *Service) Acquire(ctx context.Context, delegateID, instanceID, taskID string) (*Package, error) {
	ctx, span := s.tracer.Start(ctx, "taskqueue.acquire", trace.WithAttributes(
		attribute.String("delegate_id", delegateID),
		attribute.String("task_id", taskID),
	))
	defer span.End()

	d, err := s.delegates.Lookup(ctx, delegateID)
	if errors.Is(err, delegate.ErrNotFound) {
		s.metrics.RecordAcquire("unknown_delegate")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.Status != delegate.StatusEnabled {
		s.logger.Warn("delegate is not enabled, refusing acquire",
			zap.String("delegate_id", delegateID), zap.String("status", string(d.Status)))
		s.metrics.RecordAcquire("not_enabled")
		return nil, nil
	}

	t, err := s.store.Get(ctx, d.AccountID, taskID)
	if errors.Is(err, ErrNotFound) {
		s.metrics.RecordAcquire("not_found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if t.Status == StatusStarted && t.DelegateID == delegateID {
		s.metrics.RecordAcquire("reacquired")
		return packageOf(t), nil
	}
	if !t.Unassigned() {
		s.metrics.RecordAcquire("unavailable")
		return nil, nil
	}

	if t.Pinned() {
		if t.MustExecuteOnDelegateID != delegateID {
			s.metrics.RecordAcquire("denied")
			return nil, nil
		}
		return s.Assign(ctx, t, delegateID, instanceID)
	}
	if s.matcher == nil {
		return s.Assign(ctx, t, delegateID, instanceID)
	}

	ev, err := s.matcher.Evaluate(ctx, d, t.MatchRequest())
	if err != nil {
		return nil, err
	}
	switch ev.Decision {
	case matching.DecisionAllowed:
		return s.Assign(ctx, t, delegateID, instanceID)
	case matching.DecisionDenied:
		s.logger.Debug("delegate is not capable of task",
			zap.String("delegate_id", delegateID), zap.String("task_id", taskID))
		s.metrics.RecordAcquire("denied")
		return nil, nil
	}

	if s.validator == nil {
		s.metrics.RecordAcquire("unchecked")
		return nil, nil
	}
	if err := s.validator.Begin(ctx, t, delegateID); err != nil {
		return nil, err
	}
	s.metrics.RecordAcquire("validation")
	pkg := packageOf(t)
	pkg.DelegateID = delegateID
	pkg.DelegateInstanceID = instanceID
	pkg.ValidationRequired = true
	pkg.Capabilities = ev.Pending
	return pkg, nil
}

// Assign runs the QUEUED to STARTED compare-and-swap for delegateID and
// returns the package when the delegate holds the task afterwards.
func (s *Service) Assign(ctx context.Context, t *Task, delegateID, instanceID string) (*Package, error) {
	now := s.now()
	expiry := now.Add(t.Timeout)

	won, err := s.store.Assign(ctx, t.AccountID, t.ID, delegateID, instanceID, expiry, now)
	if err != nil {
		return nil, err
	}
	if won {
		t.Status = StatusStarted
		t.DelegateID = delegateID
		t.DelegateInstanceID = instanceID
		t.ExpiryAt = expiry
		t.ValidatingDelegateIDs = nil
		t.ValidationCompleteDelegateIDs = nil
		t.ValidationStartedAt = nil

		s.metrics.RecordAcquire("assigned")
		s.metrics.RecordAssignment(string(t.Rank), now.Sub(t.CreatedAt))
		s.publish(delegate.Event{
			Type:       delegate.EventTaskAssigned,
			AccountID:  t.AccountID,
			DelegateID: delegateID,
			TaskID:     t.ID,
		})
		s.logger.Info("task assigned",
			zap.String("task_id", t.ID),
			zap.String("delegate_id", delegateID),
			zap.Time("expiry_at", expiry),
		)
		return packageOf(t), nil
	}

	cur, err := s.store.Get(ctx, t.AccountID, t.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if cur.Status == StatusStarted && cur.DelegateID == delegateID {
		s.metrics.RecordAcquire("reacquired")
		return packageOf(cur), nil
	}
	s.metrics.RecordAcquire("lost")
	return nil, nil
}

// =============================================================================
// 🛑 Terminal transitions
// =============================================================================

// Abort ends a running task. It is idempotent and returns nil for unknown
// tasks. Delegates executing the task learn about it from the broadcast and
// from their pending events.
func (s *Service) Abort(ctx context.Context, accountID, taskID string) (*Task, error) {
	const msg = "Task was aborted"
	changed, err := s.store.Transition(ctx, accountID, taskID, runningStatuses, StatusAborted,
		map[string]any{"error_message": msg})
	if err != nil {
		return nil, err
	}

	t, err := s.store.Get(ctx, accountID, taskID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}

	s.metrics.RecordTerminal(string(StatusAborted))
	ev := eventOf(t, EventAborted)
	ev.DelegateID = t.DelegateID
	s.broadcast(ctx, accountID, ev)
	s.resolve(ctx, Outcome{TaskID: t.ID, Status: StatusAborted, ErrorMessage: msg})
	s.publish(delegate.Event{Type: delegate.EventTaskAborted, AccountID: accountID, DelegateID: t.DelegateID, TaskID: t.ID})

	s.logger.Info("task aborted", zap.String("account_id", accountID), zap.String("task_id", taskID))
	return t, nil
}

// Expire fails a running task whose deadline passed and returns the
// diagnostic. An empty message means the task was unknown, already terminal
// or still within its deadline.
func (s *Service) Expire(ctx context.Context, accountID, taskID string) (string, error) {
	t, err := s.store.Get(ctx, accountID, taskID)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	now := s.now()
	if t.Status.Terminal() || t.ExpiryAt.After(now) {
		return "", nil
	}

	msg := "Task expired. " + Diagnose(t)
	changed, err := s.store.ExpireDue(ctx, accountID, taskID, now, msg)
	if err != nil {
		return "", err
	}
	if !changed {
		return "", nil
	}

	s.metrics.RecordTerminal(string(StatusError))
	s.resolve(ctx, Outcome{TaskID: taskID, Status: StatusError, ErrorMessage: msg, Expired: true})
	s.publish(delegate.Event{Type: delegate.EventTaskExpired, AccountID: accountID, DelegateID: t.DelegateID, TaskID: taskID, Message: msg})

	s.logger.Info("task expired",
		zap.String("account_id", accountID),
		zap.String("task_id", taskID),
		zap.String("reason", msg),
	)
	return msg, nil
}

// Fail ends an unassigned or running task with an error, for example when
// validation timed out. It reports whether this call ended the task.
func (s *Service) Fail(ctx context.Context, accountID, taskID, msg string, from ...Status) (bool, error) {
	if len(from) == 0 {
		from = runningStatuses
	}
	changed, err := s.store.Transition(ctx, accountID, taskID, from, StatusError,
		map[string]any{"error_message": msg})
	if err != nil || !changed {
		return false, err
	}
	s.metrics.RecordTerminal(string(StatusError))
	s.resolve(ctx, Outcome{TaskID: taskID, Status: StatusError, ErrorMessage: msg})
	return true, nil
}

// CompleteRequest is a delegate's final report.
type CompleteRequest struct {
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Complete records the result of a task the delegate is running.
func (s *Service) Complete(ctx context.Context, delegateID, taskID string, req CompleteRequest) (*Task, error) {
	if req.Status == "" {
		req.Status = StatusSuccess
	}
	if req.Status != StatusSuccess && req.Status != StatusError {
		return nil, types.Errorf(types.ErrInvalidRequest, "completion status must be %s or %s", StatusSuccess, StatusError)
	}
	d, err := s.delegates.Lookup(ctx, delegateID)
	if errors.Is(err, delegate.ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "delegate %s not found", delegateID)
	}
	if err != nil {
		return nil, err
	}

	changed, err := s.store.Finish(ctx, d.AccountID, taskID, delegateID, req.Status, req.Result, req.ErrorMessage)
	if err != nil {
		return nil, err
	}
	t, err := s.Get(ctx, d.AccountID, taskID)
	if err != nil {
		return nil, err
	}
	if !changed {
		if t.Status == req.Status && t.DelegateID == delegateID {
			return t, nil
		}
		return nil, types.Errorf(types.ErrConflict, "task %s is not running on delegate %s", taskID, delegateID)
	}

	s.metrics.RecordTerminal(string(req.Status))
	s.resolve(ctx, Outcome{TaskID: taskID, Status: req.Status, Result: req.Result, ErrorMessage: req.ErrorMessage})
	s.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("delegate_id", delegateID),
		zap.String("status", string(req.Status)),
	)
	return t, nil
}

// FailDelegateTasks errors every task the delegate was running.
func (s *Service) FailDelegateTasks(ctx context.Context, accountID, delegateID string) (int, error) {
	host := delegateID
	if d, err := s.delegates.Lookup(ctx, delegateID); err == nil && d.HostName != "" {
		host = d.HostName
	}
	msg := fmt.Sprintf("Delegate [%s] disconnected while executing the task", host)

	tasks, err := s.store.StartedBy(ctx, accountID, delegateID)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, t := range tasks {
		changed, err := s.store.Finish(ctx, accountID, t.ID, delegateID, StatusError, nil, msg)
		if err != nil {
			return failed, err
		}
		if !changed {
			continue
		}
		failed++
		s.metrics.RecordTerminal(string(StatusError))
		s.resolve(ctx, Outcome{TaskID: t.ID, Status: StatusError, ErrorMessage: msg})
	}
	if failed > 0 {
		s.logger.Warn("failed tasks of disconnected delegate",
			zap.String("delegate_id", delegateID), zap.Int("tasks", failed))
	}
	return failed, nil
}

// Subscribe fails the tasks of delegates whose last connection dropped.
func (s *Service) Subscribe(bus *delegate.EventBus) func() {
	id := bus.Subscribe(delegate.EventDelegateDisconnected, func(ev delegate.Event) {
		ctx := context.Background()
		live, err := s.delegates.HasLiveConnection(ctx, ev.DelegateID)
		if err != nil {
			s.logger.Error("connection lookup failed", zap.String("delegate_id", ev.DelegateID), zap.Error(err))
			return
		}
		if live {
			return
		}
		if _, err := s.FailDelegateTasks(ctx, ev.AccountID, ev.DelegateID); err != nil {
			s.logger.Error("failing tasks of disconnected delegate failed",
				zap.String("delegate_id", ev.DelegateID), zap.Error(err))
		}
	})
	return func() { bus.Unsubscribe(id) }
}

// =============================================================================
// 📬 Events
// =============================================================================

// ListPendingEvents returns what a delegate should act on: sync QUEUED
// tasks first, then, unless syncOnly, async QUEUED tasks and ABORTED tasks
// it was running. Each abort is listed once.
func (s *Service) ListPendingEvents(ctx context.Context, accountID, delegateID string, syncOnly bool) ([]Event, error) {
	queued, err := s.store.Queued(ctx, accountID, s.now())
	if err != nil {
		return nil, err
	}

	var syncEvents, asyncEvents []Event
	for _, t := range queued {
		if !t.EligibleFor(delegateID) {
			continue
		}
		if t.Async {
			asyncEvents = append(asyncEvents, eventOf(t, EventQueued))
		} else {
			syncEvents = append(syncEvents, eventOf(t, EventQueued))
		}
	}

	out := append(make([]Event, 0, len(syncEvents)+len(asyncEvents)), syncEvents...)
	if syncOnly {
		return out, nil
	}
	out = append(out, asyncEvents...)

	aborted, err := s.store.AbortedFor(ctx, accountID, delegateID)
	if err != nil {
		return nil, err
	}
	for _, t := range aborted {
		released, err := s.store.ReleaseAborted(ctx, t.ID, delegateID)
		if err != nil {
			return nil, err
		}
		if !released {
			continue
		}
		ev := eventOf(t, EventAborted)
		ev.Sync = false
		ev.DelegateID = delegateID
		out = append(out, ev)
	}
	return out, nil
}

// =============================================================================
// 🔧 Helpers
// =============================================================================

func (s *Service) broadcast(ctx context.Context, accountID string, ev Event) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Broadcast(ctx, accountID, ev); err != nil {
		s.logger.Warn("task broadcast failed",
			zap.String("task_id", ev.TaskID), zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	s.metrics.RecordBroadcast(string(ev.Type))
}

func (s *Service) resolve(ctx context.Context, o Outcome) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Resolve(ctx, o); err != nil {
		s.logger.Warn("callback resolution failed", zap.String("task_id", o.TaskID), zap.Error(err))
	}
}

func (s *Service) publish(e delegate.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

func hasSelector(caps capability.List, origin string) bool {
	for _, c := range caps {
		if sel, ok := c.(capability.Selector); ok && sel.Origin == origin {
			return true
		}
	}
	return false
}

// Diagnose explains why a running task has not finished.
func Diagnose(t *Task) string {
	switch {
	case t.Status == StatusStarted:
		return fmt.Sprintf("Delegate %s did not report a result in time.", t.DelegateID)
	case len(t.ValidatingDelegateIDs) > 0:
		return ValidationSummary(t)
	case len(t.EligibleDelegateIDs) == 0:
		return "No eligible delegate(s) in account to execute task."
	default:
		return fmt.Sprintf("No delegate acquired the task. Eligible delegates: %s.", formatIDs(t.EligibleDelegateIDs))
	}
}

// ValidationSummary lists delegates that validated the task and delegates
// that never reported back.
func ValidationSummary(t *Task) string {
	var never []string
	for _, id := range t.ValidatingDelegateIDs {
		if !slices.Contains(t.ValidationCompleteDelegateIDs, id) {
			never = append(never, id)
		}
	}
	return fmt.Sprintf("Delegates tried: %s. Delegates that never returned: %s",
		formatIDs(t.ValidatingDelegateIDs), formatIDs(never))
}

func formatIDs(ids []string) string {
	return "[" + strings.Join(ids, ", ") + "]"
}
