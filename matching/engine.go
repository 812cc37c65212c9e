package matching

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/internal/cache"
	"github.com/BaSui01/delegateflow/internal/metrics"
	"github.com/BaSui01/delegateflow/internal/retry"
	"github.com/BaSui01/delegateflow/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config configures the matching engine.
type Config struct {
	// MaxAttempts bounds verdict polling while the whitelist is empty.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`

	// PollInterval is the first polling delay.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" env:"POLL_INTERVAL"`

	// PollMaxInterval caps the polling delay.
	PollMaxInterval time.Duration `yaml:"poll_max_interval" json:"poll_max_interval" env:"POLL_MAX_INTERVAL"`

	// VerdictTTL is how long a reported verdict may be used (maxValidUntil).
	VerdictTTL time.Duration `yaml:"verdict_ttl" json:"verdict_ttl" env:"VERDICT_TTL"`

	// RevalidateAfter is when a usable verdict is re-checked in the background.
	RevalidateAfter time.Duration `yaml:"revalidate_after" json:"revalidate_after" env:"REVALIDATE_AFTER"`

	// RequirementTTL is how long an unused requirement row is retained.
	RequirementTTL time.Duration `yaml:"requirement_ttl" json:"requirement_ttl" env:"REQUIREMENT_TTL"`

	// CacheTTL bounds how long decided verdicts stay in the cache.
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl" env:"CACHE_TTL"`

	// LoadDistribution orders eligible delegates by running task count.
	LoadDistribution bool `yaml:"load_distribution" json:"load_distribution" env:"LOAD_DISTRIBUTION"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     10,
		PollInterval:    time.Second,
		PollMaxInterval: time.Second,
		VerdictTTL:      6 * time.Hour,
		RevalidateAfter: time.Hour,
		RequirementTTL:  30 * 24 * time.Hour,
		CacheTTL:        time.Minute,
	}
}

// Delegates is the view of the registry the engine needs.
type Delegates interface {
	ActiveDelegates(ctx context.Context, accountID string) ([]*delegate.Delegate, error)
	Counts(ctx context.Context, accountID string) (installed, connected int, err error)
	Lookup(ctx context.Context, delegateID string) (*delegate.Delegate, error)
}

// LoadReporter reports how many tasks each delegate is running.
type LoadReporter interface {
	StartedCounts(ctx context.Context, accountID string, delegateIDs []string) (map[string]int, error)
}

// Request describes a task to match.
type Request struct {
	AccountID    string
	TaskID       string
	TaskGroup    string
	Setup        map[string]string
	Capabilities []capability.Capability
	AlreadyTried []string
}

// Target returns the scoping target of the request.
func (r Request) Target() delegate.Target {
	return delegate.TargetFrom(r.TaskGroup, r.Setup)
}

// Result is the outcome of a matching pass.
type Result struct {
	// Eligible delegates in preference order. Delegates with pending
	// verdicts are included after whitelisted ones.
	Eligible []string `json:"eligible"`
	// Whitelisted delegates hold an ALLOWED verdict for every requirement.
	Whitelisted []string `json:"whitelisted"`
	// Preferred is the pre-assignment hint; empty when nobody is whitelisted.
	Preferred string `json:"preferred,omitempty"`
	// Reason is set when no delegate is eligible.
	Reason   types.ErrorCode `json:"reason,omitempty"`
	Blocked  bool            `json:"blocked"`
	Attempts int             `json:"attempts"`
}

// Decision is the verdict of one delegate for one task.
type Decision int

const (
	// DecisionAllowed: the delegate may run the task now.
	DecisionAllowed Decision = iota
	// DecisionDenied: the delegate must not run the task.
	DecisionDenied
	// DecisionUnchecked: the delegate must validate first.
	DecisionUnchecked
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "ALLOWED"
	case DecisionDenied:
		return "DENIED"
	default:
		return "UNCHECKED"
	}
}

// Evaluation is the per-delegate result of Evaluate.
type Evaluation struct {
	Decision Decision
	// Pending lists the capabilities the delegate must check.
	Pending []capability.Capability
}

// =============================================================================
// 🧩 Engine
// =============================================================================

// Engine matches tasks against delegates.
type Engine struct {
	store     *Store
	delegates Delegates
	bus       *delegate.EventBus
	cache     cache.Store
	load      LoadReporter
	retryer   *retry.Retryer
	metrics   *metrics.Collector
	config    *Config
	logger    *zap.Logger
	now       func() time.Time
	shuffle   func(n int, swap func(i, j int))
}

// NewEngine creates an engine. verdicts may be nil to disable caching.
func NewEngine(store *Store, delegates Delegates, bus *delegate.EventBus, verdicts cache.Store, config *Config, logger *zap.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		delegates: delegates,
		bus:       bus,
		cache:     verdicts,
		config:    config,
		logger:    logger.With(zap.String("component", "matching")),
		retryer: retry.New(retry.Policy{
			MaxAttempts:  config.MaxAttempts,
			InitialDelay: config.PollInterval,
			MaxDelay:     config.PollMaxInterval,
			Multiplier:   1.5,
		}, logger),
		now:     time.Now,
		shuffle: rand.Shuffle,
	}
}

// SetMetrics installs the metrics collector.
func (e *Engine) SetMetrics(m *metrics.Collector) { e.metrics = m }

// SetLoadReporter enables load distribution input.
func (e *Engine) SetLoadReporter(l LoadReporter) { e.load = l }

// Store returns the underlying store.
func (e *Engine) Store() *Store { return e.store }

type pass struct {
	candidates  []*delegate.Delegate
	whitelisted []string
	pending     []string
	checks      map[string][]string
}

// Match computes the eligible delegates of a task. It blocks only while
// verdicts are pending, for at most the configured polling bound.
func (e *Engine) Match(ctx context.Context, req Request) (*Result, error) {
	manager, agent := capability.Partition(req.Capabilities)
	target := req.Target()

	capIDs, err := e.registerRequirements(ctx, req, agent)
	if err != nil {
		return nil, err
	}

	if len(capIDs) > 0 {
		blocked, err := e.blocked(ctx, req, capIDs, manager)
		if err != nil {
			return nil, err
		}
		if blocked {
			res := &Result{Blocked: true, Reason: types.ErrNoEligibleDelegate}
			e.raiseAlert(req, res.Reason, "task requirements are blocked: no delegate in scope")
			return res, nil
		}
	}

	attempts := 0
	p, err := retry.Poll(ctx, e.retryer, func(attempt int) (*pass, bool, error) {
		attempts = attempt
		p, err := e.evaluatePass(ctx, req, target, manager, capIDs)
		if err != nil {
			return nil, false, err
		}
		if attempt == 1 {
			e.requestChecks(ctx, req.AccountID, p.checks)
		}
		ready := len(p.whitelisted) > 0 || len(p.pending) == 0 || len(capIDs) == 0
		return p, ready, nil
	})
	if err != nil && !errors.Is(err, retry.ErrExhausted) {
		return nil, err
	}
	e.metrics.RecordMatchPoll(attempts)

	res := &Result{Attempts: attempts}
	eligible := append(append([]string(nil), p.whitelisted...), p.pending...)
	eligible = excludeTried(eligible, req.AlreadyTried)

	whitelisted := make(map[string]bool, len(p.whitelisted))
	for _, id := range p.whitelisted {
		whitelisted[id] = true
	}
	eligible = e.order(ctx, req.AccountID, eligible, whitelisted)

	res.Eligible = eligible
	for _, id := range eligible {
		if whitelisted[id] {
			res.Whitelisted = append(res.Whitelisted, id)
		}
	}
	if len(eligible) > 0 && whitelisted[eligible[0]] {
		res.Preferred = eligible[0]
	}

	if len(eligible) == 0 {
		if len(p.candidates) == 0 && len(capIDs) > 0 {
			if err := e.markOutOfScope(ctx, req, capIDs); err != nil {
				e.logger.Warn("failed to block requirements", zap.Error(err))
			}
		}
		res.Reason, err = e.emptyReason(ctx, req.AccountID)
		if err != nil {
			return nil, err
		}
		e.raiseAlert(req, res.Reason, describeReason(res.Reason))
	}
	return res, nil
}

// evaluatePass runs one matching pass without blocking.
func (e *Engine) evaluatePass(ctx context.Context, req Request, target delegate.Target, manager []capability.Capability, capIDs []string) (*pass, error) {
	active, err := e.delegates.ActiveDelegates(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("load active delegates: %w", err)
	}

	p := &pass{checks: make(map[string][]string)}
	for _, d := range active {
		if e.managerCapable(d, target, manager) {
			p.candidates = append(p.candidates, d)
		}
	}
	if len(capIDs) == 0 {
		for _, d := range p.candidates {
			p.whitelisted = append(p.whitelisted, d.ID)
		}
		return p, nil
	}

	ids := make([]string, 0, len(p.candidates))
	for _, d := range p.candidates {
		ids = append(ids, d.ID)
	}
	verdicts, err := e.verdicts(ctx, capIDs, ids)
	if err != nil {
		return nil, err
	}

	now := e.now()
	for _, d := range p.candidates {
		allowed, denied := true, false
		for _, capID := range capIDs {
			perm := verdicts[d.ID][capID]
			switch perm.Effective(now) {
			case capability.VerdictDenied:
				denied = true
			case capability.VerdictUnchecked:
				allowed = false
			}
			if perm.NeedsCheck(now) {
				p.checks[d.ID] = append(p.checks[d.ID], capID)
			}
		}
		switch {
		case denied:
		case allowed:
			p.whitelisted = append(p.whitelisted, d.ID)
		default:
			p.pending = append(p.pending, d.ID)
		}
	}
	return p, nil
}

// managerCapable checks scope and manager-evaluable capabilities. Evaluation
// errors count as not capable.
func (e *Engine) managerCapable(d *delegate.Delegate, target delegate.Target, manager []capability.Capability) bool {
	if !d.Serves(target) {
		return false
	}
	for _, c := range manager {
		ok, err := capability.EvaluateManager(c, d.Tags)
		if err != nil {
			e.logger.Warn("capability evaluation failed, treating delegate as not capable",
				zap.String("delegate_id", d.ID), zap.String("capability", c.Describe()), zap.Error(err))
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// Evaluate decides whether one delegate may take the task right now.
func (e *Engine) Evaluate(ctx context.Context, d *delegate.Delegate, req Request) (*Evaluation, error) {
	manager, agent := capability.Partition(req.Capabilities)
	if !e.managerCapable(d, req.Target(), manager) {
		return &Evaluation{Decision: DecisionDenied}, nil
	}
	if len(agent) == 0 {
		return &Evaluation{Decision: DecisionAllowed}, nil
	}

	capIDs := make([]string, len(agent))
	for i, c := range agent {
		capIDs[i] = capability.RequirementID(req.AccountID, c)
	}
	verdicts, err := e.verdicts(ctx, capIDs, []string{d.ID})
	if err != nil {
		return nil, err
	}

	now := e.now()
	ev := &Evaluation{Decision: DecisionAllowed}
	for i, capID := range capIDs {
		switch verdicts[d.ID][capID].Effective(now) {
		case capability.VerdictDenied:
			return &Evaluation{Decision: DecisionDenied}, nil
		case capability.VerdictUnchecked:
			ev.Decision = DecisionUnchecked
			ev.Pending = append(ev.Pending, agent[i])
		}
	}
	return ev, nil
}

// ReportCapabilityResults stores check outcomes of a delegate as verdicts.
func (e *Engine) ReportCapabilityResults(ctx context.Context, accountID, delegateID string, results []capability.Result) error {
	now := e.now()
	keys := make([]string, 0, len(results))

	err := e.store.Transaction(ctx, func(tx *Store) error {
		for _, r := range results {
			if r.Capability == nil {
				return types.NewError(types.ErrInvalidRequest, "capability result without capability")
			}
			if capability.Mode(r.Capability) != capability.AgentEvaluable {
				continue
			}
			req, err := e.requirement(accountID, r.Capability, now)
			if err != nil {
				return err
			}
			if err := tx.EnsureRequirement(ctx, req); err != nil {
				return err
			}
			verdict := r.VerdictOf()
			if err := tx.SavePermission(ctx, &Permission{
				AccountID:       accountID,
				CapabilityID:    req.ID,
				DelegateID:      delegateID,
				Result:          verdict,
				MaxValidUntil:   now.Add(e.config.VerdictTTL),
				RevalidateAfter: now.Add(e.config.RevalidateAfter),
				ValidUntil:      now.Add(e.config.RequirementTTL),
				UpdatedAt:       now,
			}); err != nil {
				return err
			}
			keys = append(keys, verdictKey(req.ID, delegateID))
			e.metrics.RecordVerdict(string(verdict))
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.invalidate(ctx, keys...)

	e.logger.Debug("capability results recorded",
		zap.String("delegate_id", delegateID), zap.Int("results", len(results)))
	return nil
}

// =============================================================================
// 🔧 Helpers
// =============================================================================

func (e *Engine) requirement(accountID string, c capability.Capability, now time.Time) (*Requirement, error) {
	env, err := capability.Encode(c)
	if err != nil {
		return nil, err
	}
	return &Requirement{
		ID:         capability.RequirementID(accountID, c),
		AccountID:  accountID,
		Type:       env.Type,
		Parameters: env.Params,
		ValidUntil: now.Add(e.config.RequirementTTL),
	}, nil
}

// registerRequirements derives requirement rows and selection details for
// the agent-evaluable capabilities and returns their ids.
func (e *Engine) registerRequirements(ctx context.Context, req Request, agent []capability.Capability) ([]string, error) {
	if len(agent) == 0 {
		return nil, nil
	}
	now := e.now()
	selectors := selectorsOf(req.Capabilities)

	ids := make([]string, 0, len(agent))
	for _, c := range agent {
		r, err := e.requirement(req.AccountID, c, now)
		if err != nil {
			return nil, err
		}
		if err := e.store.EnsureRequirement(ctx, r); err != nil {
			return nil, err
		}
		if err := e.store.EnsureSelectionDetails(ctx, &SelectionDetails{
			AccountID:         req.AccountID,
			CapabilityID:      r.ID,
			TaskGroup:         req.TaskGroup,
			Selectors:         selectors,
			SetupAbstractions: req.Setup,
			UpdatedAt:         now,
		}); err != nil {
			return nil, err
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// blocked reports whether the task's requirements are blocked. Flags are
// cleared as soon as an active delegate is back in scope.
func (e *Engine) blocked(ctx context.Context, req Request, capIDs []string, manager []capability.Capability) (bool, error) {
	details, err := e.store.SelectionDetailsFor(ctx, capIDs)
	if err != nil {
		return false, err
	}
	var blockedIDs []string
	for _, d := range details {
		if d.Blocked && d.TaskGroup == req.TaskGroup {
			blockedIDs = append(blockedIDs, d.ID)
		}
	}
	if len(blockedIDs) == 0 {
		return false, nil
	}

	active, err := e.delegates.ActiveDelegates(ctx, req.AccountID)
	if err != nil {
		return false, err
	}
	target := req.Target()
	for _, d := range active {
		if e.managerCapable(d, target, manager) {
			if err := e.store.SetBlocked(ctx, blockedIDs, false); err != nil {
				return false, err
			}
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) markOutOfScope(ctx context.Context, req Request, capIDs []string) error {
	details, err := e.store.SelectionDetailsFor(ctx, capIDs)
	if err != nil {
		return err
	}
	var ids []string
	for _, d := range details {
		if d.TaskGroup == req.TaskGroup && !d.Blocked {
			ids = append(ids, d.ID)
		}
	}
	return e.store.SetBlocked(ctx, ids, true)
}

// verdicts returns delegateID → capabilityID → permission, reading decided
// verdicts through the cache.
func (e *Engine) verdicts(ctx context.Context, capIDs, delegateIDs []string) (map[string]map[string]*Permission, error) {
	out := make(map[string]map[string]*Permission, len(delegateIDs))
	for _, id := range delegateIDs {
		out[id] = make(map[string]*Permission, len(capIDs))
	}

	missDelegates := make(map[string]struct{})
	missCaps := make(map[string]struct{})
	for _, did := range delegateIDs {
		for _, cid := range capIDs {
			if p, ok := e.cached(ctx, cid, did); ok {
				out[did][cid] = p
				continue
			}
			missDelegates[did] = struct{}{}
			missCaps[cid] = struct{}{}
		}
	}
	if len(missDelegates) == 0 {
		return out, nil
	}

	perms, err := e.store.Permissions(ctx, keys(missCaps), keys(missDelegates))
	if err != nil {
		return nil, err
	}
	for _, p := range perms {
		if _, ok := out[p.DelegateID]; !ok {
			continue
		}
		out[p.DelegateID][p.CapabilityID] = p
		if p.Result != capability.VerdictUnchecked && e.cache != nil {
			if err := e.cache.SetJSON(ctx, verdictKey(p.CapabilityID, p.DelegateID), p, e.config.CacheTTL); err != nil {
				e.logger.Debug("failed to cache verdict", zap.Error(err))
			}
		}
	}
	return out, nil
}

func (e *Engine) cached(ctx context.Context, capID, delegateID string) (*Permission, bool) {
	if e.cache == nil {
		return nil, false
	}
	var p Permission
	if err := e.cache.GetJSON(ctx, verdictKey(capID, delegateID), &p); err != nil {
		if !cache.IsCacheMiss(err) {
			e.logger.Debug("verdict cache read failed", zap.Error(err))
		}
		e.metrics.RecordCacheMiss("verdict")
		return nil, false
	}
	e.metrics.RecordCacheHit("verdict")
	return &p, true
}

func (e *Engine) invalidate(ctx context.Context, keys ...string) {
	if e.cache == nil || len(keys) == 0 {
		return
	}
	if err := e.cache.Delete(ctx, keys...); err != nil {
		e.logger.Warn("failed to invalidate verdict cache", zap.Error(err))
	}
}

// requestChecks records UNCHECKED rows and asks delegates to check.
func (e *Engine) requestChecks(ctx context.Context, accountID string, checks map[string][]string) {
	if len(checks) == 0 {
		return
	}
	validUntil := e.now().Add(e.config.RequirementTTL)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for delegateID, capIDs := range checks {
		g.Go(func() error {
			if err := e.store.EnsureUnchecked(gctx, accountID, delegateID, capIDs, validUntil); err != nil {
				return err
			}
			if e.bus != nil {
				e.bus.Publish(delegate.Event{
					Type:           delegate.EventCapabilityCheckRequested,
					AccountID:      accountID,
					DelegateID:     delegateID,
					RequirementIDs: capIDs,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("failed to request capability checks", zap.Error(err))
	}
}

// order shuffles eligible delegates, optionally sorts them by load, and moves
// the first whitelisted delegate to the front.
func (e *Engine) order(ctx context.Context, accountID string, ids []string, whitelisted map[string]bool) []string {
	if len(ids) < 2 {
		return ids
	}
	e.shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	if e.config.LoadDistribution && e.load != nil {
		counts, err := e.load.StartedCounts(ctx, accountID, ids)
		if err != nil {
			e.logger.Warn("failed to load delegate task counts", zap.Error(err))
		} else {
			sort.SliceStable(ids, func(i, j int) bool { return counts[ids[i]] < counts[ids[j]] })
		}
	}

	for i, id := range ids {
		if whitelisted[id] {
			if i > 0 {
				copy(ids[1:i+1], ids[:i])
				ids[0] = id
			}
			break
		}
	}
	return ids
}

func (e *Engine) emptyReason(ctx context.Context, accountID string) (types.ErrorCode, error) {
	installed, connected, err := e.delegates.Counts(ctx, accountID)
	if err != nil {
		return "", err
	}
	switch {
	case installed == 0:
		return types.ErrNoInstalledDelegate, nil
	case connected == 0:
		return types.ErrNoActiveDelegate, nil
	default:
		return types.ErrNoEligibleDelegate, nil
	}
}

func (e *Engine) raiseAlert(req Request, code types.ErrorCode, message string) {
	e.metrics.RecordAlert(string(code))
	e.logger.Warn("no eligible delegate",
		zap.String("account_id", req.AccountID),
		zap.String("task_id", req.TaskID),
		zap.String("code", string(code)),
	)
	if e.bus != nil {
		e.bus.Publish(delegate.Event{
			Type:      delegate.EventAlertRaised,
			AccountID: req.AccountID,
			TaskID:    req.TaskID,
			Code:      string(code),
			Message:   message,
		})
	}
}

func describeReason(code types.ErrorCode) string {
	switch code {
	case types.ErrNoInstalledDelegate:
		return "no delegate is installed for the account"
	case types.ErrNoActiveDelegate:
		return "no delegate of the account is connected"
	default:
		return "no connected delegate matches the task's scope, selectors and capabilities"
	}
}

// excludeTried drops already tried delegates unless none would remain.
func excludeTried(ids, tried []string) []string {
	if len(tried) == 0 || len(ids) == 0 {
		return ids
	}
	skip := make(map[string]struct{}, len(tried))
	for _, t := range tried {
		skip[t] = struct{}{}
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := skip[id]; !ok {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return ids
	}
	return out
}

func selectorsOf(caps []capability.Capability) []string {
	var out []string
	for _, c := range caps {
		if s, ok := c.(capability.Selector); ok {
			out = append(out, s.Selectors...)
		}
	}
	return out
}

func verdictKey(capID, delegateID string) string {
	return "verdict:" + capID + ":" + delegateID
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
