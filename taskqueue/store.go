package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/delegateflow/types"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a task does not exist in the account.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a versioned update lost a race.
	ErrConflict = errors.New("task modified concurrently")
)

// Store persists tasks. Every state transition is a conditional update so
// concurrent writers on any node resolve to a single winner.
type Store struct {
	db *gorm.DB
}

// NewStore creates a gorm backed store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the task table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Task{})
}

// Create inserts t.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Get loads a task scoped to an account.
func (s *Store) Get(ctx context.Context, accountID, id string) (*Task, error) {
	var t Task
	err := s.db.WithContext(ctx).Where("id = ? AND account_id = ?", id, accountID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// Assign is the QUEUED to STARTED compare-and-swap. It reports whether this
// call won the task. Validation bookkeeping is cleared in the same write. A
// task whose deadline passed at now is left for the reaper.
func (s *Store) Assign(ctx context.Context, accountID, id, delegateID, instanceID string, expiryAt, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND account_id = ? AND status = ? AND delegate_id = '' AND expiry_at > ?",
			id, accountID, StatusQueued, now).
		Updates(map[string]any{
			"delegate_id":                      delegateID,
			"delegate_instance_id":             instanceID,
			"status":                           StatusStarted,
			"expiry_at":                        expiryAt,
			"validating_delegate_ids":          gorm.Expr("NULL"),
			"validation_complete_delegate_ids": gorm.Expr("NULL"),
			"validation_started_at":            nil,
			"version":                          gorm.Expr("version + 1"),
			"updated_at":                       now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("assign task: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// UpdateUnassigned applies mutate to a QUEUED, unassigned task under
// optimistic concurrency. mutate returns false to skip the write. The
// columns listed in cols are written. ErrConflict is returned when another
// writer got there first; callers retry.
func (s *Store) UpdateUnassigned(ctx context.Context, accountID, id string, cols []string, mutate func(t *Task) bool) (*Task, error) {
	t, err := s.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if !t.Unassigned() {
		return t, nil
	}
	if !mutate(t) {
		return t, nil
	}

	version := t.Version
	t.Version++
	selected := make([]string, 0, len(cols)+1)
	selected = append(append(selected, cols...), "version")
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND account_id = ? AND status = ? AND delegate_id = '' AND version = ?",
			id, accountID, StatusQueued, version).
		Select(selected).
		Updates(t)
	if res.Error != nil {
		return nil, fmt.Errorf("update task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrConflict
	}
	return t, nil
}

// Transition moves a task in one of from to status to, writing extra
// columns in the same statement. It reports whether a row changed.
func (s *Store) Transition(ctx context.Context, accountID, id string, from []Status, to Status, extra map[string]any) (bool, error) {
	updates := map[string]any{
		"status":  to,
		"version": gorm.Expr("version + 1"),
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND account_id = ? AND status IN ?", id, accountID, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition task to %s: %w", to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ExpireDue moves a running task to ERROR only while its stored deadline is
// at or before now. A deadline pushed forward by a later assignment makes it
// a no-op.
func (s *Store) ExpireDue(ctx context.Context, accountID, id string, now time.Time, msg string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND account_id = ? AND status IN ? AND expiry_at <= ?",
			id, accountID, runningStatuses, now).
		Updates(map[string]any{
			"status":        StatusError,
			"error_message": msg,
			"version":       gorm.Expr("version + 1"),
			"updated_at":    now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("expire task: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Finish moves a STARTED task held by delegateID to a terminal status.
func (s *Store) Finish(ctx context.Context, accountID, id, delegateID string, to Status, result json.RawMessage, errMsg string) (bool, error) {
	updates := map[string]any{
		"status":        to,
		"error_message": errMsg,
		"version":       gorm.Expr("version + 1"),
	}
	if len(result) > 0 {
		updates["result"] = string(result)
	}
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND account_id = ? AND status = ? AND delegate_id = ?", id, accountID, StatusStarted, delegateID).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("finish task: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Queued lists acquirable tasks of an account whose deadline has not passed.
func (s *Store) Queued(ctx context.Context, accountID string, now time.Time) ([]*Task, error) {
	var out []*Task
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ? AND delegate_id = '' AND expiry_at > ?", accountID, StatusQueued, now).
		Order("created_at").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	return out, nil
}

// AbortedFor lists ABORTED tasks still bound to delegateID.
func (s *Store) AbortedFor(ctx context.Context, accountID, delegateID string) ([]*Task, error) {
	var out []*Task
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ? AND delegate_id = ?", accountID, StatusAborted, delegateID).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list aborted tasks: %w", err)
	}
	return out, nil
}

// ReleaseAborted clears the delegate of an aborted task. Only one caller
// observes true, so the abort event is delivered once.
func (s *Store) ReleaseAborted(ctx context.Context, id, delegateID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND delegate_id = ?", id, StatusAborted, delegateID).
		Update("delegate_id", "")
	if res.Error != nil {
		return false, fmt.Errorf("release aborted task: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Expired lists running tasks whose deadline passed.
func (s *Store) Expired(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	var out []*Task
	err := s.db.WithContext(ctx).
		Where("status IN ? AND expiry_at < ?", runningStatuses, now).
		Order("expiry_at").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	return out, nil
}

// DueForBroadcast lists unacquired async tasks whose rebroadcast is due.
func (s *Store) DueForBroadcast(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	var out []*Task
	err := s.db.WithContext(ctx).
		Where("status = ? AND delegate_id = '' AND async = ? AND next_broadcast_at < ? AND expiry_at > ?",
			StatusQueued, true, now, now).
		Order("next_broadcast_at").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list tasks due for broadcast: %w", err)
	}
	return out, nil
}

// StaleValidations lists unassigned tasks whose validation started before
// cutoff.
func (s *Store) StaleValidations(ctx context.Context, cutoff time.Time, limit int) ([]*Task, error) {
	var out []*Task
	err := s.db.WithContext(ctx).
		Where("status = ? AND delegate_id = '' AND validation_started_at IS NOT NULL AND validation_started_at < ?",
			StatusQueued, cutoff).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list stale validations: %w", err)
	}
	return out, nil
}

// StartedBy lists tasks a delegate is running.
func (s *Store) StartedBy(ctx context.Context, accountID, delegateID string) ([]*Task, error) {
	var out []*Task
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status = ? AND delegate_id = ?", accountID, StatusStarted, delegateID).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list started tasks: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore removes terminal tasks last updated before cutoff.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	sub := s.db.Model(&Task{}).Select("id").
		Where("status IN ? AND updated_at < ?", []Status{StatusAborted, StatusError, StatusSuccess}, cutoff).
		Limit(limit)
	var ids []string
	if err := sub.WithContext(ctx).Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("select terminal tasks: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Task{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete terminal tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// CountInFlight counts QUEUED and STARTED tasks of a rank. It feeds
// admission control.
func (s *Store) CountInFlight(ctx context.Context, accountID string, rank types.Rank) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Task{}).
		Where("account_id = ? AND status IN ? AND task_rank = ?", accountID, runningStatuses, rank).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count in-flight tasks: %w", err)
	}
	return n, nil
}

// StartedCounts returns how many tasks each delegate is running. It feeds
// load-aware ordering in matching.
func (s *Store) StartedCounts(ctx context.Context, accountID string, delegateIDs []string) (map[string]int, error) {
	type row struct {
		DelegateID string
		N          int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Task{}).
		Select("delegate_id, COUNT(*) AS n").
		Where("account_id = ? AND status = ? AND delegate_id IN ?", accountID, StatusStarted, delegateIDs).
		Group("delegate_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count started tasks: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.DelegateID] = r.N
	}
	return out, nil
}
