package delegate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when a delegate or connection does not exist.
var ErrNotFound = errors.New("delegate not found")

// Store persists delegates and their connections.
type Store struct {
	db *gorm.DB
}

// NewStore creates a gorm backed store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle so collaborating stores can join a transaction.
func (s *Store) DB() *gorm.DB { return s.db }

// WithTx returns a store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store { return &Store{db: tx} }

// AutoMigrate creates the delegate tables. Production schemas come from
// internal/migration; this is used by tests and the sqlite quick start.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Delegate{}, &Connection{})
}

// Create inserts d.
func (s *Store) Create(ctx context.Context, d *Delegate) error {
	if err := s.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("create delegate: %w", err)
	}
	return nil
}

// Save updates every column of d.
func (s *Store) Save(ctx context.Context, d *Delegate) error {
	if err := s.db.WithContext(ctx).Save(d).Error; err != nil {
		return fmt.Errorf("save delegate: %w", err)
	}
	return nil
}

// Get loads a delegate by id, including deleted ones.
func (s *Store) Get(ctx context.Context, id string) (*Delegate, error) {
	var d Delegate
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delegate: %w", err)
	}
	return &d, nil
}

// GetInAccount loads a delegate scoped to an account.
func (s *Store) GetInAccount(ctx context.Context, accountID, id string) (*Delegate, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.AccountID != accountID {
		return nil, ErrNotFound
	}
	return d, nil
}

// FindByHost returns the live delegate registered for (account, host, ip).
func (s *Store) FindByHost(ctx context.Context, accountID, hostName, ip string) (*Delegate, error) {
	var d Delegate
	q := s.db.WithContext(ctx).
		Where("account_id = ? AND host_name = ? AND status <> ?", accountID, hostName, StatusDeleted)
	if ip != "" {
		q = q.Where("ip = ?", ip)
	}
	err := q.Order("created_at DESC").First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find delegate by host: %w", err)
	}
	return &d, nil
}

// FindByGroup returns the live delegates of an ephemeral group, newest first.
func (s *Store) FindByGroup(ctx context.Context, accountID, groupName string) ([]*Delegate, error) {
	var out []*Delegate
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND group_name = ? AND status <> ?", accountID, groupName, StatusDeleted).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("find delegates by group: %w", err)
	}
	return out, nil
}

// List returns the account's delegates with one of statuses (all non-deleted
// when statuses is empty).
func (s *Store) List(ctx context.Context, accountID string, statuses ...Status) ([]*Delegate, error) {
	var out []*Delegate
	q := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	} else {
		q = q.Where("status <> ?", StatusDeleted)
	}
	if err := q.Order("created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list delegates: %w", err)
	}
	return out, nil
}

// Count counts the account's non-deleted delegates.
func (s *Store) Count(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Delegate{}).
		Where("account_id = ? AND status <> ?", accountID, StatusDeleted).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count delegates: %w", err)
	}
	return n, nil
}

// Update sets columns on one delegate.
func (s *Store) Update(ctx context.Context, id string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Delegate{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update delegate: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// HardDelete removes the delegate and its connections.
func (s *Store) HardDelete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("delegate_id = ?", id).Delete(&Connection{}).Error; err != nil {
			return fmt.Errorf("delete connections: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&Delegate{}).Error; err != nil {
			return fmt.Errorf("delete delegate: %w", err)
		}
		return nil
	})
}

// =============================================================================
// 🔌 Connections
// =============================================================================

// UpsertConnection inserts c or refreshes its heartbeat and version.
// ConnectedAt of an existing row is preserved.
func (s *Store) UpsertConnection(ctx context.Context, c *Connection) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"version", "location", "last_heartbeat_at", "disconnected"}),
	}).Create(c).Error
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// GetConnection loads one connection.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var c Connection
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return &c, nil
}

// LiveConnections returns the delegate's connections not yet disconnected.
func (s *Store) LiveConnections(ctx context.Context, delegateID string) ([]*Connection, error) {
	var out []*Connection
	err := s.db.WithContext(ctx).
		Where("delegate_id = ? AND disconnected = ?", delegateID, false).
		Order("connected_at").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return out, nil
}

// StaleConnections returns live connections silent since before.
func (s *Store) StaleConnections(ctx context.Context, before time.Time, limit int) ([]*Connection, error) {
	var out []*Connection
	err := s.db.WithContext(ctx).
		Where("disconnected = ? AND last_heartbeat_at < ?", false, before).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list stale connections: %w", err)
	}
	return out, nil
}

// MarkDisconnected flags the connection. It reports whether this call did it.
func (s *Store) MarkDisconnected(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Connection{}).
		Where("id = ? AND disconnected = ?", id, false).
		Update("disconnected", true)
	if res.Error != nil {
		return false, fmt.Errorf("mark connection disconnected: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DeleteConnection removes a superseded connection record.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Connection{}).Error; err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}
