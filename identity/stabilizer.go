package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/internal/database"
	"github.com/BaSui01/delegateflow/internal/retry"
	"github.com/BaSui01/delegateflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Config configures the stabilizer.
type Config struct {
	// StaleWindow is how long a slot may go without keep-alive before a new
	// instance may reclaim it.
	StaleWindow time.Duration `yaml:"stale_window" json:"stale_window" env:"STALE_WINDOW"`

	// MaxAttempts bounds resolution attempts on unique-key conflicts.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" env:"MAX_ATTEMPTS"`

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" env:"RETRY_DELAY"`
}

// DefaultConfig returns the stabilizer defaults.
func DefaultConfig() *Config {
	return &Config{
		StaleWindow: 100 * time.Second,
		MaxAttempts: 3,
		RetryDelay:  20 * time.Millisecond,
	}
}

// Stabilizer resolves ephemeral delegate registrations onto sequence slots.
type Stabilizer struct {
	slots     *store
	delegates *delegate.Store
	newRecord func(delegate.RegisterParams) *delegate.Delegate
	retryer   *retry.Retryer
	config    *Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewStabilizer creates a stabilizer that stores slots in db and delegate
// records through registry.
func NewStabilizer(db *gorm.DB, registry *delegate.Registry, config *Config, logger *zap.Logger) *Stabilizer {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "identity"))

	policy := retry.Policy{
		MaxAttempts:  config.MaxAttempts,
		InitialDelay: config.RetryDelay,
		MaxDelay:     config.RetryDelay * 4,
		Multiplier:   2,
		Jitter:       true,
		Retryable: func(err error) bool {
			return database.IsDuplicateKey(err) || errors.Is(err, errSlotTaken)
		},
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Debug("sequence resolution conflict, retrying",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		},
	}

	return &Stabilizer{
		slots:     &store{db: db},
		delegates: registry.Store(),
		newRecord: registry.NewDelegate,
		retryer:   retry.New(policy, logger),
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// AutoMigrate creates the sequence config table.
func (s *Stabilizer) AutoMigrate() error {
	return s.slots.db.AutoMigrate(&SequenceConfig{})
}

var _ delegate.IdentityResolver = (*Stabilizer)(nil)

// Resolve implements delegate.IdentityResolver.
func (s *Stabilizer) Resolve(ctx context.Context, p delegate.RegisterParams, guard delegate.CreateGuard) (*delegate.Registration, error) {
	var reg *delegate.Registration
	err := s.retryer.Do(ctx, func(int) error {
		var err error
		reg, err = s.resolveOnce(ctx, p, guard)
		return err
	})
	if err == nil {
		return reg, nil
	}
	if database.IsDuplicateKey(err) || errors.Is(err, errSlotTaken) {
		s.logger.Warn("failed to resolve a sequence slot",
			zap.String("account_id", p.AccountID),
			zap.String("host_prefix", p.HostName),
			zap.Error(err))
		return nil, types.Errorf(types.ErrDuplicateIdentity,
			"failed to resolve a sequence number for %s", p.HostName).WithCause(err).WithRetryable(true)
	}
	return nil, err
}

func (s *Stabilizer) resolveOnce(ctx context.Context, p delegate.RegisterParams, guard delegate.CreateGuard) (*delegate.Registration, error) {
	token := p.SequenceToken
	if token == "" {
		token = uuid.NewString()
	}

	if p.SequenceNum != nil && p.SequenceToken != "" {
		slot, err := s.slots.get(ctx, p.AccountID, p.HostName, *p.SequenceNum)
		if err != nil {
			return nil, err
		}

		if slot != nil && slot.Token == p.SequenceToken {
			if p.DelegateID != "" {
				if reg, err := s.reuseByID(ctx, p, slot); reg != nil || err != nil {
					return reg, err
				}
			}
			if slot.Stale(s.now(), s.config.StaleWindow) {
				return s.reclaim(ctx, p, slot, token, guard)
			}
			return s.reattach(ctx, p, slot, guard)
		}

		if slot == nil {
			reg, err := s.claim(ctx, p, *p.SequenceNum, token, guard)
			if err == nil || !database.IsDuplicateKey(err) {
				return reg, err
			}
			s.logger.Debug("requested sequence number already claimed",
				zap.String("host_prefix", p.HostName), zap.Int("sequence_num", *p.SequenceNum))
		}
	}

	slots, err := s.slots.list(ctx, p.AccountID, p.HostName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, slot := range slots {
		if slot.Stale(now, s.config.StaleWindow) {
			return s.reclaim(ctx, p, slot, token, guard)
		}
	}

	taken := make([]int, 0, len(slots))
	for _, slot := range slots {
		taken = append(taken, slot.SequenceNum)
	}
	return s.claim(ctx, p, lowestFree(taken), token, guard)
}

// reuseByID returns nil without error when the id does not name the slot's
// delegate.
func (s *Stabilizer) reuseByID(ctx context.Context, p delegate.RegisterParams, slot *SequenceConfig) (*delegate.Registration, error) {
	d, err := s.delegates.GetInAccount(ctx, p.AccountID, p.DelegateID)
	if errors.Is(err, delegate.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.Status == delegate.StatusDeleted || d.SequenceNum == nil || *d.SequenceNum != slot.SequenceNum {
		return nil, nil
	}
	if err := s.refresh(ctx, d, p, slot); err != nil {
		return nil, err
	}
	return s.registration(d, slot, delegate.PathExisting, false), nil
}

// reattach binds the caller to the delegate of a live slot it holds.
func (s *Stabilizer) reattach(ctx context.Context, p delegate.RegisterParams, slot *SequenceConfig, guard delegate.CreateGuard) (*delegate.Registration, error) {
	hostName := HostNameFor(slot.HostName, slot.SequenceNum)
	d, err := s.delegates.FindByHost(ctx, p.AccountID, hostName, "")
	switch {
	case err == nil:
		if err := s.refresh(ctx, d, p, slot); err != nil {
			return nil, err
		}
		return s.registration(d, slot, delegate.PathReattach, false), nil
	case !errors.Is(err, delegate.ErrNotFound):
		return nil, err
	}

	template, err := s.template(ctx, p.AccountID, slot.HostName)
	if err != nil {
		return nil, err
	}
	d = s.record(p, slot.SequenceNum, slot.Token, template)
	if err := guard(ctx, p.AccountID, func(ctx context.Context) error {
		return s.delegates.Create(ctx, d)
	}); err != nil {
		return nil, err
	}
	if _, err := s.slots.touch(ctx, slot.ID, slot.Token, s.now()); err != nil {
		return nil, err
	}
	return s.registration(d, slot, delegate.PathReattach, true), nil
}

// reclaim takes over a stale slot. The replaced delegate's scopes and tags
// are carried to the new record and the old record is deleted.
func (s *Stabilizer) reclaim(ctx context.Context, p delegate.RegisterParams, slot *SequenceConfig, token string, guard delegate.CreateGuard) (*delegate.Registration, error) {
	if err := s.slots.swapToken(ctx, slot.ID, slot.Token, token, s.now()); err != nil {
		return nil, err
	}
	slot.Token = token

	hostName := HostNameFor(slot.HostName, slot.SequenceNum)
	old, err := s.delegates.FindByHost(ctx, p.AccountID, hostName, "")
	if err != nil && !errors.Is(err, delegate.ErrNotFound) {
		return nil, err
	}

	if old == nil {
		template, err := s.template(ctx, p.AccountID, slot.HostName)
		if err != nil {
			return nil, err
		}
		d := s.record(p, slot.SequenceNum, token, template)
		if err := guard(ctx, p.AccountID, func(ctx context.Context) error {
			return s.delegates.Create(ctx, d)
		}); err != nil {
			return nil, err
		}
		return s.registration(d, slot, delegate.PathReclaim, true), nil
	}

	d := s.record(p, slot.SequenceNum, token, old)
	err = s.delegates.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txStore := s.delegates.WithTx(tx)
		if err := txStore.HardDelete(ctx, old.ID); err != nil {
			return err
		}
		return txStore.Create(ctx, d)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("stale sequence slot reclaimed",
		zap.String("account_id", p.AccountID),
		zap.String("host_name", hostName),
		zap.String("replaced_delegate_id", old.ID),
		zap.String("delegate_id", d.ID),
	)
	return s.registration(d, slot, delegate.PathReclaim, true), nil
}

// claim inserts a new slot with seq and creates its delegate.
func (s *Stabilizer) claim(ctx context.Context, p delegate.RegisterParams, seq int, token string, guard delegate.CreateGuard) (*delegate.Registration, error) {
	template, err := s.template(ctx, p.AccountID, p.HostName)
	if err != nil {
		return nil, err
	}

	var (
		slot *SequenceConfig
		d    *delegate.Delegate
	)
	err = guard(ctx, p.AccountID, func(ctx context.Context) error {
		slot = &SequenceConfig{
			ID:            uuid.NewString(),
			AccountID:     p.AccountID,
			HostName:      p.HostName,
			SequenceNum:   seq,
			Token:         token,
			LastUpdatedAt: s.now(),
		}
		d = s.record(p, seq, token, template)
		// slot and record become visible together
		return s.slots.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := (&store{db: tx}).create(ctx, slot); err != nil {
				return err
			}
			return s.delegates.WithTx(tx).Create(ctx, d)
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("sequence slot allocated",
		zap.String("account_id", p.AccountID),
		zap.String("host_prefix", p.HostName),
		zap.Int("sequence_num", seq),
	)
	return s.registration(d, slot, delegate.PathAllocate, true), nil
}

// template returns the newest live delegate sharing the prefix, or nil.
func (s *Stabilizer) template(ctx context.Context, accountID, prefix string) (*delegate.Delegate, error) {
	group, err := s.delegates.FindByGroup(ctx, accountID, prefix)
	if err != nil {
		return nil, err
	}
	if len(group) == 0 {
		return nil, nil
	}
	return group[0], nil
}

func (s *Stabilizer) record(p delegate.RegisterParams, seq int, token string, template *delegate.Delegate) *delegate.Delegate {
	d := s.newRecord(p)
	d.HostName = HostNameFor(p.HostName, seq)
	d.GroupName = p.HostName
	d.Ephemeral = true
	d.SequenceNum = &seq
	d.SequenceToken = token
	if template != nil {
		d.IncludeScopes = template.IncludeScopes
		d.ExcludeScopes = template.ExcludeScopes
		d.Tags = mergeTags(template.Tags, d.Tags)
	}
	return d
}

func (s *Stabilizer) refresh(ctx context.Context, d *delegate.Delegate, p delegate.RegisterParams, slot *SequenceConfig) error {
	updates := map[string]any{"sequence_token": slot.Token}
	if p.Version != "" {
		updates["version"] = p.Version
		d.Version = p.Version
	}
	if p.IP != "" {
		updates["ip"] = p.IP
		d.IP = p.IP
	}
	if err := s.delegates.Update(ctx, d.ID, updates); err != nil {
		return err
	}
	d.SequenceToken = slot.Token

	ok, err := s.slots.touch(ctx, slot.ID, slot.Token, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return errSlotTaken
	}
	return nil
}

func (s *Stabilizer) registration(d *delegate.Delegate, slot *SequenceConfig, path delegate.RegistrationPath, created bool) *delegate.Registration {
	seq := slot.SequenceNum
	return &delegate.Registration{
		Delegate:    d,
		SequenceNum: &seq,
		Token:       slot.Token,
		Path:        path,
		Created:     created,
	}
}

// KeepAlive implements delegate.IdentityResolver.
func (s *Stabilizer) KeepAlive(ctx context.Context, d *delegate.Delegate) error {
	if !d.Ephemeral || d.SequenceNum == nil {
		return nil
	}

	slot, err := s.slots.get(ctx, d.AccountID, d.GroupName, *d.SequenceNum)
	if err != nil {
		return err
	}
	if slot == nil || slot.Token != d.SequenceToken {
		return duplicateIdentity(d)
	}

	ok, err := s.slots.touch(ctx, slot.ID, d.SequenceToken, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return duplicateIdentity(d)
	}
	return nil
}

// Slots lists the sequence slots of a prefix.
func (s *Stabilizer) Slots(ctx context.Context, accountID, prefix string) ([]*SequenceConfig, error) {
	return s.slots.list(ctx, accountID, prefix)
}

func duplicateIdentity(d *delegate.Delegate) error {
	return types.Errorf(types.ErrDuplicateIdentity,
		"sequence slot %s is held by another instance", fmt.Sprintf("%s_%d", d.GroupName, *d.SequenceNum))
}

func mergeTags(base, extra []string) []string {
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]struct{}, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, t := range list {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
