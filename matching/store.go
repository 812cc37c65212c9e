package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists requirements, verdicts and selection details.
type Store struct {
	db *gorm.DB
}

// NewStore creates a gorm backed store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the matching tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Requirement{}, &Permission{}, &SelectionDetails{})
}

// EnsureRequirement inserts r unless it exists and extends its validity.
func (s *Store) EnsureRequirement(ctx context.Context, r *Requirement) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"valid_until"}),
	}).Create(r).Error
	if err != nil {
		return fmt.Errorf("ensure requirement: %w", err)
	}
	return nil
}

// Requirements loads requirements by id.
func (s *Store) Requirements(ctx context.Context, ids []string) ([]*Requirement, error) {
	var out []*Requirement
	if len(ids) == 0 {
		return out, nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load requirements: %w", err)
	}
	return out, nil
}

// Permissions loads verdicts for capabilityIDs × delegateIDs.
func (s *Store) Permissions(ctx context.Context, capabilityIDs, delegateIDs []string) ([]*Permission, error) {
	var out []*Permission
	if len(capabilityIDs) == 0 || len(delegateIDs) == 0 {
		return out, nil
	}
	err := s.db.WithContext(ctx).
		Where("capability_id IN ? AND delegate_id IN ?", capabilityIDs, delegateIDs).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	return out, nil
}

// SavePermission inserts or overwrites the verdict of one subject.
func (s *Store) SavePermission(ctx context.Context, p *Permission) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "capability_id"}, {Name: "delegate_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"result", "max_valid_until", "revalidate_after", "valid_until", "updated_at"}),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("save permission: %w", err)
	}
	return nil
}

// EnsureUnchecked inserts UNCHECKED rows for subjects without a verdict.
func (s *Store) EnsureUnchecked(ctx context.Context, accountID, delegateID string, capabilityIDs []string, validUntil time.Time) error {
	if len(capabilityIDs) == 0 {
		return nil
	}
	rows := make([]*Permission, 0, len(capabilityIDs))
	for _, id := range capabilityIDs {
		rows = append(rows, &Permission{
			ID:           uuid.NewString(),
			AccountID:    accountID,
			CapabilityID: id,
			DelegateID:   delegateID,
			Result:       capability.VerdictUnchecked,
			ValidUntil:   validUntil,
		})
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("ensure unchecked permissions: %w", err)
	}
	return nil
}

// DeletePermissions removes the verdicts of delegateID for capabilityIDs.
func (s *Store) DeletePermissions(ctx context.Context, delegateID string, capabilityIDs []string) (int64, error) {
	if len(capabilityIDs) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("delegate_id = ? AND capability_id IN ?", delegateID, capabilityIDs).
		Delete(&Permission{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete permissions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteDelegatePermissions removes every verdict of a delegate.
func (s *Store) DeleteDelegatePermissions(ctx context.Context, delegateID string) error {
	if err := s.db.WithContext(ctx).Where("delegate_id = ?", delegateID).Delete(&Permission{}).Error; err != nil {
		return fmt.Errorf("delete delegate permissions: %w", err)
	}
	return nil
}

// EnsureSelectionDetails records the scoping context of a requirement. An
// existing row keeps its blocked flag.
func (s *Store) EnsureSelectionDetails(ctx context.Context, d *SelectionDetails) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "capability_id"}, {Name: "task_group"}},
		DoUpdates: clause.AssignmentColumns([]string{"selectors", "setup_abstractions", "updated_at"}),
	}).Create(d).Error
	if err != nil {
		return fmt.Errorf("ensure selection details: %w", err)
	}
	return nil
}

// SelectionDetailsFor loads the details of the given requirements.
func (s *Store) SelectionDetailsFor(ctx context.Context, capabilityIDs []string) ([]*SelectionDetails, error) {
	var out []*SelectionDetails
	if len(capabilityIDs) == 0 {
		return out, nil
	}
	if err := s.db.WithContext(ctx).Where("capability_id IN ?", capabilityIDs).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load selection details: %w", err)
	}
	return out, nil
}

// AccountSelectionDetails loads every selection detail of an account.
func (s *Store) AccountSelectionDetails(ctx context.Context, accountID string) ([]*SelectionDetails, error) {
	var out []*SelectionDetails
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load account selection details: %w", err)
	}
	return out, nil
}

// SetBlocked sets the blocked flag on selection details.
func (s *Store) SetBlocked(ctx context.Context, ids []string, blocked bool) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&SelectionDetails{}).
		Where("id IN ?", ids).
		Update("blocked", blocked).Error
	if err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	return nil
}

// Transaction runs fn with a store bound to one transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}
