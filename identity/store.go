package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// errSlotTaken reports a lost race for a slot's token.
var errSlotTaken = errors.New("sequence slot taken by another instance")

type store struct {
	db *gorm.DB
}

func (s *store) get(ctx context.Context, accountID, prefix string, seq int) (*SequenceConfig, error) {
	var c SequenceConfig
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND host_name = ? AND sequence_num = ?", accountID, prefix, seq).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sequence config: %w", err)
	}
	return &c, nil
}

func (s *store) list(ctx context.Context, accountID, prefix string) ([]*SequenceConfig, error) {
	var out []*SequenceConfig
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND host_name = ?", accountID, prefix).
		Order("sequence_num").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list sequence configs: %w", err)
	}
	return out, nil
}

func (s *store) create(ctx context.Context, c *SequenceConfig) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("create sequence config: %w", err)
	}
	return nil
}

// swapToken moves the slot from oldToken to newToken. It fails with
// errSlotTaken when the slot no longer carries oldToken.
func (s *store) swapToken(ctx context.Context, id, oldToken, newToken string, now time.Time) error {
	res := s.db.WithContext(ctx).Model(&SequenceConfig{}).
		Where("id = ? AND token = ?", id, oldToken).
		Updates(map[string]any{"token": newToken, "last_updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("swap sequence token: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errSlotTaken
	}
	return nil
}

// touch refreshes a slot still held by token.
func (s *store) touch(ctx context.Context, id, token string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&SequenceConfig{}).
		Where("id = ? AND token = ?", id, token).
		Update("last_updated_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("touch sequence config: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
