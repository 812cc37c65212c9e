package delegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/delegateflow/internal/lock"
	"github.com/BaSui01/delegateflow/internal/metrics"
	"github.com/BaSui01/delegateflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RegistryConfig configures the registry and its liveness loop.
type RegistryConfig struct {
	// HeartbeatTimeout is how long a delegate may stay silent and still count as connected.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`

	// LivenessInterval is the period of the stale connection sweep; zero disables it.
	LivenessInterval time.Duration `yaml:"liveness_interval" json:"liveness_interval" env:"LIVENESS_INTERVAL"`

	// RequireApproval starts new delegates in WAITING_FOR_APPROVAL.
	RequireApproval bool `yaml:"require_approval" json:"require_approval" env:"REQUIRE_APPROVAL"`

	// MaxDelegatesPerAccount caps non-deleted delegates; zero means unlimited.
	MaxDelegatesPerAccount int `yaml:"max_delegates_per_account" json:"max_delegates_per_account" env:"MAX_DELEGATES_PER_ACCOUNT"`

	// CountLockTTL bounds how long the delegate count lock may be held.
	CountLockTTL time.Duration `yaml:"count_lock_ttl" json:"count_lock_ttl" env:"COUNT_LOCK_TTL"`

	// CountLockWait bounds how long registration waits for the lock.
	CountLockWait time.Duration `yaml:"count_lock_wait" json:"count_lock_wait" env:"COUNT_LOCK_WAIT"`
}

// DefaultRegistryConfig returns the registry defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		HeartbeatTimeout:       90 * time.Second,
		LivenessInterval:       30 * time.Second,
		RequireApproval:        false,
		MaxDelegatesPerAccount: 0,
		CountLockTTL:           10 * time.Second,
		CountLockWait:          5 * time.Second,
	}
}

// RegisterParams is what a delegate presents when it registers.
type RegisterParams struct {
	AccountID      string         `json:"accountId"`
	DelegateID     string         `json:"delegateId,omitempty"`
	HostName       string         `json:"hostName"`
	IP             string         `json:"ip,omitempty"`
	Version        string         `json:"version,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	IncludeScopes  []Scope        `json:"includeScopes,omitempty"`
	ExcludeScopes  []Scope        `json:"excludeScopes,omitempty"`
	ConnectionMode ConnectionMode `json:"connectionMode,omitempty"`

	// Ephemeral delegates identify through (HostName prefix, SequenceNum, SequenceToken).
	Ephemeral     bool   `json:"ephemeral,omitempty"`
	SequenceNum   *int   `json:"sequenceNum,omitempty"`
	SequenceToken string `json:"sequenceToken,omitempty"`
}

func (p RegisterParams) validate() error {
	if p.AccountID == "" {
		return errors.New("accountId is required")
	}
	if strings.TrimSpace(p.HostName) == "" {
		return errors.New("hostName is required")
	}
	switch p.ConnectionMode {
	case "", ConnectionPolling, ConnectionStreaming:
	default:
		return fmt.Errorf("unknown connection mode %q", p.ConnectionMode)
	}
	return nil
}

// RegistrationPath tells how a registration was resolved.
type RegistrationPath string

const (
	PathExisting RegistrationPath = "existing"
	PathNew      RegistrationPath = "new"
	PathReattach RegistrationPath = "reattach"
	PathReclaim  RegistrationPath = "reclaim"
	PathAllocate RegistrationPath = "allocate"
)

// Registration is the result of Register.
type Registration struct {
	Delegate    *Delegate        `json:"delegate"`
	SequenceNum *int             `json:"sequenceNum,omitempty"`
	Token       string           `json:"sequenceToken,omitempty"`
	Path        RegistrationPath `json:"path"`
	Created     bool             `json:"created"`
}

// CreateGuard runs create while holding the account's delegate count lock,
// after verifying the account is below its delegate cap.
type CreateGuard func(ctx context.Context, accountID string, create func(ctx context.Context) error) error

// IdentityResolver resolves registrations of ephemeral delegates.
type IdentityResolver interface {
	Resolve(ctx context.Context, params RegisterParams, guard CreateGuard) (*Registration, error)
	// KeepAlive refreshes the delegate's sequence slot. It returns a
	// DUPLICATE_IDENTITY error when the delegate no longer owns the slot.
	KeepAlive(ctx context.Context, d *Delegate) error
}

// HeartbeatRequest is one heartbeat of a transport session.
type HeartbeatRequest struct {
	ConnectionID string `json:"connectionId"`
	Version      string `json:"version,omitempty"`
	Location     string `json:"location,omitempty"`
}

// HeartbeatResponse tells the delegate how to proceed.
type HeartbeatResponse struct {
	DelegateID   string    `json:"delegateId"`
	ConnectionID string    `json:"connectionId"`
	Status       Status    `json:"status"`
	SelfDestruct bool      `json:"selfDestruct"`
	ServerTime   time.Time `json:"serverTime"`
}

// =============================================================================
// 🛰️ Registry
// =============================================================================

// Registry owns delegate records and live connection bookkeeping.
type Registry struct {
	store    *Store
	bus      *EventBus
	locker   lock.Locker
	resolver IdentityResolver
	metrics  *metrics.Collector
	config   *RegistryConfig
	logger   *zap.Logger
	now      func() time.Time

	liveness *LivenessChecker
}

// NewRegistry creates a registry. locker guards delegate-count enforcement.
func NewRegistry(store *Store, bus *EventBus, locker lock.Locker, config *RegistryConfig, logger *zap.Logger) *Registry {
	if config == nil {
		config = DefaultRegistryConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	r := &Registry{
		store:  store,
		bus:    bus,
		locker: locker,
		config: config,
		logger: logger.With(zap.String("component", "delegate_registry")),
		now:    time.Now,
	}
	if config.LivenessInterval > 0 {
		r.liveness = NewLivenessChecker(r, config.LivenessInterval, logger)
	}
	return r
}

// SetIdentityResolver installs the resolver used for ephemeral delegates.
func (r *Registry) SetIdentityResolver(resolver IdentityResolver) { r.resolver = resolver }

// SetMetrics installs the metrics collector.
func (r *Registry) SetMetrics(m *metrics.Collector) { r.metrics = m }

// Store returns the underlying store.
func (r *Registry) Store() *Store { return r.store }

// Bus returns the event bus.
func (r *Registry) Bus() *EventBus { return r.bus }

// Config returns the registry configuration.
func (r *Registry) Config() *RegistryConfig { return r.config }

// Start starts the liveness loop.
func (r *Registry) Start(ctx context.Context) error {
	if r.liveness != nil {
		if err := r.liveness.Start(ctx); err != nil {
			return fmt.Errorf("failed to start liveness checker: %w", err)
		}
	}
	r.logger.Info("delegate registry started")
	return nil
}

// Close stops the liveness loop.
func (r *Registry) Close() error {
	if r.liveness != nil {
		if err := r.liveness.Stop(context.Background()); err != nil {
			r.logger.Error("failed to stop liveness checker", zap.Error(err))
		}
	}
	r.logger.Info("delegate registry closed")
	return nil
}

// Register creates or resumes a delegate identity.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*Registration, error) {
	if err := p.validate(); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}
	if p.ConnectionMode == "" {
		p.ConnectionMode = ConnectionPolling
	}

	var (
		reg *Registration
		err error
	)
	if p.Ephemeral {
		if r.resolver == nil {
			return nil, types.NewError(types.ErrInternalError, "ephemeral registration is not configured")
		}
		reg, err = r.resolver.Resolve(ctx, p, r.guardCreate)
	} else {
		reg, err = r.registerStatic(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	r.metrics.RecordRegistration(string(reg.Path))
	r.logger.Info("delegate registered",
		zap.String("account_id", p.AccountID),
		zap.String("delegate_id", reg.Delegate.ID),
		zap.String("host_name", reg.Delegate.HostName),
		zap.String("path", string(reg.Path)),
	)

	if reg.Created {
		r.publish(Event{Type: EventDelegateRegistered, AccountID: p.AccountID, DelegateID: reg.Delegate.ID})
	}
	return reg, nil
}

// registerStatic holds the host lock across lookup and insert so that
// concurrent registrations of one host on any node create a single record.
func (r *Registry) registerStatic(ctx context.Context, p RegisterParams) (*Registration, error) {
	l, err := r.locker.Acquire(ctx, lock.DelegateHostKey(p.AccountID, p.HostName, p.IP), r.config.CountLockTTL, r.config.CountLockWait)
	if err != nil {
		return nil, types.NewError(types.ErrServiceUnavailable, "delegate registration is busy, retry later").
			WithCause(err).WithRetryable(true)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to release delegate host lock", zap.Error(err))
		}
	}()

	existing, err := r.store.FindByHost(ctx, p.AccountID, p.HostName, p.IP)
	switch {
	case err == nil:
		updates := map[string]any{"version": p.Version, "connection_mode": p.ConnectionMode}
		if err := r.store.Update(ctx, existing.ID, updates); err != nil {
			return nil, err
		}
		existing.Version = p.Version
		existing.ConnectionMode = p.ConnectionMode
		return &Registration{Delegate: existing, Path: PathExisting}, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	d := r.NewDelegate(p)
	err = r.guardCreate(ctx, p.AccountID, func(ctx context.Context) error {
		return r.store.Create(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return &Registration{Delegate: d, Path: PathNew, Created: true}, nil
}

// NewDelegate builds an unsaved delegate record from registration params.
func (r *Registry) NewDelegate(p RegisterParams) *Delegate {
	status := StatusEnabled
	if r.config.RequireApproval {
		status = StatusWaitingForApproval
	}
	mode := p.ConnectionMode
	if mode == "" {
		mode = ConnectionPolling
	}
	return &Delegate{
		ID:             uuid.NewString(),
		AccountID:      p.AccountID,
		Status:         status,
		Tags:           normalizeTags(p.Tags),
		IncludeScopes:  p.IncludeScopes,
		ExcludeScopes:  p.ExcludeScopes,
		ConnectionMode: mode,
		HostName:       p.HostName,
		IP:             p.IP,
		Version:        p.Version,
		Ephemeral:      p.Ephemeral,
	}
}

// guardCreate implements CreateGuard with the distributed count lock.
func (r *Registry) guardCreate(ctx context.Context, accountID string, create func(ctx context.Context) error) error {
	if r.config.MaxDelegatesPerAccount <= 0 {
		return create(ctx)
	}

	l, err := r.locker.Acquire(ctx, lock.DelegateCountKey(accountID), r.config.CountLockTTL, r.config.CountLockWait)
	if err != nil {
		return types.NewError(types.ErrServiceUnavailable, "delegate registration is busy, retry later").
			WithCause(err).WithRetryable(true)
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to release delegate count lock", zap.Error(err))
		}
	}()

	n, err := r.store.Count(ctx, accountID)
	if err != nil {
		return err
	}
	if n >= int64(r.config.MaxDelegatesPerAccount) {
		return types.Errorf(types.ErrForbidden, "Delegate limit of %d reached for account", r.config.MaxDelegatesPerAccount)
	}
	return create(ctx)
}

// =============================================================================
// 💓 Heartbeat and connections
// =============================================================================

// Heartbeat records a heartbeat of one connection and decides whether that
// connection must self-terminate.
func (r *Registry) Heartbeat(ctx context.Context, delegateID string, req HeartbeatRequest) (*HeartbeatResponse, error) {
	d, err := r.store.Get(ctx, delegateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, types.Errorf(types.ErrNotFound, "delegate %s not found", delegateID)
		}
		return nil, err
	}
	now := r.now()
	resp := &HeartbeatResponse{DelegateID: d.ID, Status: d.Status, ServerTime: now}

	if d.Status == StatusDeleted {
		resp.SelfDestruct = true
		r.metrics.RecordSelfDestruct()
		return resp, nil
	}

	if d.Ephemeral && r.resolver != nil {
		if err := r.resolver.KeepAlive(ctx, d); err != nil {
			if types.IsCode(err, types.ErrDuplicateIdentity) {
				r.logger.Warn("ephemeral delegate lost its sequence slot",
					zap.String("delegate_id", d.ID), zap.Error(err))
				resp.SelfDestruct = true
				r.metrics.RecordSelfDestruct()
				return resp, nil
			}
			return nil, err
		}
	}

	if req.ConnectionID == "" {
		req.ConnectionID = uuid.NewString()
	}
	resp.ConnectionID = req.ConnectionID

	updates := map[string]any{"last_heartbeat_at": now}
	if req.Version != "" {
		updates["version"] = req.Version
	}
	if err := r.store.Update(ctx, d.ID, updates); err != nil {
		return nil, err
	}

	current, err := r.store.GetConnection(ctx, req.ConnectionID)
	isNew := errors.Is(err, ErrNotFound)
	if err != nil && !isNew {
		return nil, err
	}
	conn := &Connection{
		ID:              req.ConnectionID,
		DelegateID:      d.ID,
		AccountID:       d.AccountID,
		Version:         req.Version,
		Location:        req.Location,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
	if !isNew {
		conn.ConnectedAt = current.ConnectedAt
		if current.Disconnected {
			isNew = true
		}
	}
	if err := r.store.UpsertConnection(ctx, conn); err != nil {
		return nil, err
	}
	if isNew {
		r.metrics.AddDelegateConnections(1)
	}

	selfDestruct, err := r.resolveDuplicates(ctx, conn)
	if err != nil {
		return nil, err
	}
	if selfDestruct {
		resp.SelfDestruct = true
		r.metrics.RecordSelfDestruct()
		if _, err := r.disconnect(ctx, d, conn.ID); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// resolveDuplicates compares conn with the delegate's other live sessions.
// A session from the same location is a restarted process: the older record
// is deleted. A session from a different location with a newer connection
// time means conn belongs to a lingering instance that must stop.
func (r *Registry) resolveDuplicates(ctx context.Context, conn *Connection) (bool, error) {
	others, err := r.store.LiveConnections(ctx, conn.DelegateID)
	if err != nil {
		return false, err
	}
	for _, o := range others {
		if o.ID == conn.ID {
			continue
		}
		if o.Location != "" && o.Location == conn.Location {
			if o.ConnectedAt.After(conn.ConnectedAt) {
				continue
			}
			if err := r.store.DeleteConnection(ctx, o.ID); err != nil {
				return false, err
			}
			r.metrics.AddDelegateConnections(-1)
			r.logger.Debug("superseded connection removed after restart",
				zap.String("delegate_id", conn.DelegateID),
				zap.String("connection_id", o.ID),
			)
			continue
		}
		if o.ConnectedAt.After(conn.ConnectedAt) {
			r.logger.Warn("newer connection exists, instructing self-destruct",
				zap.String("delegate_id", conn.DelegateID),
				zap.String("connection_id", conn.ID),
				zap.String("newer_connection_id", o.ID),
			)
			return true, nil
		}
	}
	return false, nil
}

// Disconnect marks a connection removed and notifies observers.
func (r *Registry) Disconnect(ctx context.Context, delegateID, connectionID string) error {
	d, err := r.store.Get(ctx, delegateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return types.Errorf(types.ErrNotFound, "delegate %s not found", delegateID)
		}
		return err
	}
	_, err = r.disconnect(ctx, d, connectionID)
	return err
}

func (r *Registry) disconnect(ctx context.Context, d *Delegate, connectionID string) (bool, error) {
	c, err := r.store.GetConnection(ctx, connectionID)
	if errors.Is(err, ErrNotFound) || (err == nil && c.DelegateID != d.ID) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	marked, err := r.store.MarkDisconnected(ctx, connectionID)
	if err != nil || !marked {
		return false, err
	}
	r.metrics.AddDelegateConnections(-1)
	r.logger.Info("delegate disconnected",
		zap.String("delegate_id", d.ID),
		zap.String("connection_id", connectionID),
	)
	r.publish(Event{
		Type:         EventDelegateDisconnected,
		AccountID:    d.AccountID,
		DelegateID:   d.ID,
		ConnectionID: connectionID,
	})
	return true, nil
}

// HasLiveConnection reports whether the delegate still has a session.
func (r *Registry) HasLiveConnection(ctx context.Context, delegateID string) (bool, error) {
	conns, err := r.store.LiveConnections(ctx, delegateID)
	if err != nil {
		return false, err
	}
	return len(conns) > 0, nil
}

// =============================================================================
// 🔍 Queries
// =============================================================================

// Get loads a delegate of an account.
func (r *Registry) Get(ctx context.Context, accountID, delegateID string) (*Delegate, error) {
	d, err := r.store.GetInAccount(ctx, accountID, delegateID)
	if errors.Is(err, ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "delegate %s not found", delegateID)
	}
	return d, err
}

// Lookup loads a delegate by id alone.
func (r *Registry) Lookup(ctx context.Context, delegateID string) (*Delegate, error) {
	return r.store.Get(ctx, delegateID)
}

// ActiveDelegates returns the account's ENABLED delegates that heartbeated
// within the heartbeat timeout.
func (r *Registry) ActiveDelegates(ctx context.Context, accountID string) ([]*Delegate, error) {
	all, err := r.store.List(ctx, accountID, StatusEnabled)
	if err != nil {
		return nil, err
	}
	now := r.now()
	out := all[:0]
	for _, d := range all {
		if d.Connected(now, r.config.HeartbeatTimeout) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Counts returns how many delegates are installed (non-deleted) and how many
// of those are connected.
func (r *Registry) Counts(ctx context.Context, accountID string) (installed, connected int, err error) {
	all, err := r.store.List(ctx, accountID)
	if err != nil {
		return 0, 0, err
	}
	now := r.now()
	for _, d := range all {
		if d.Connected(now, r.config.HeartbeatTimeout) && d.Status == StatusEnabled {
			connected++
		}
	}
	return len(all), connected, nil
}

// IsConnected reports whether a delegate heartbeated recently.
func (r *Registry) IsConnected(d *Delegate) bool {
	return d.Connected(r.now(), r.config.HeartbeatTimeout)
}

// =============================================================================
// ✏️ Mutations
// =============================================================================

// UpdateTags replaces the delegate's tags.
func (r *Registry) UpdateTags(ctx context.Context, accountID, delegateID string, tags []string) (*Delegate, error) {
	d, err := r.Get(ctx, accountID, delegateID)
	if err != nil {
		return nil, err
	}
	d.Tags = normalizeTags(tags)
	if err := r.store.Save(ctx, d); err != nil {
		return nil, err
	}
	r.publish(Event{Type: EventDelegateScopeChanged, AccountID: accountID, DelegateID: d.ID})
	return d, nil
}

// UpdateScopes replaces the delegate's include and exclude scopes.
func (r *Registry) UpdateScopes(ctx context.Context, accountID, delegateID string, include, exclude []Scope) (*Delegate, error) {
	d, err := r.Get(ctx, accountID, delegateID)
	if err != nil {
		return nil, err
	}
	d.IncludeScopes = include
	d.ExcludeScopes = exclude
	if err := r.store.Save(ctx, d); err != nil {
		return nil, err
	}
	r.publish(Event{Type: EventDelegateScopeChanged, AccountID: accountID, DelegateID: d.ID})
	return d, nil
}

// Approve enables a delegate waiting for approval.
func (r *Registry) Approve(ctx context.Context, accountID, delegateID string) (*Delegate, error) {
	d, err := r.Get(ctx, accountID, delegateID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusWaitingForApproval {
		return nil, types.Errorf(types.ErrConflict, "delegate %s is %s", delegateID, d.Status)
	}
	d.Status = StatusEnabled
	if err := r.store.Update(ctx, d.ID, map[string]any{"status": StatusEnabled}); err != nil {
		return nil, err
	}
	r.publish(Event{Type: EventDelegateRegistered, AccountID: accountID, DelegateID: d.ID})
	return d, nil
}

// Delete soft-deletes a delegate. Its sessions are told to self-terminate on
// their next heartbeat.
func (r *Registry) Delete(ctx context.Context, accountID, delegateID string) error {
	d, err := r.Get(ctx, accountID, delegateID)
	if err != nil {
		return err
	}
	if err := r.store.Update(ctx, d.ID, map[string]any{"status": StatusDeleted}); err != nil {
		return err
	}
	r.publish(Event{Type: EventDelegateScopeChanged, AccountID: accountID, DelegateID: d.ID})
	return nil
}

func (r *Registry) publish(e Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
