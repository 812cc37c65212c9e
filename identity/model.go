package identity

import (
	"strconv"
	"time"
)

// SequenceConfig binds a logical worker slot to the instance currently
// holding it.
type SequenceConfig struct {
	ID            string    `gorm:"primaryKey;size:64" json:"id"`
	AccountID     string    `gorm:"size:64;not null;uniqueIndex:idx_sequence_slot,priority:1" json:"accountId"`
	HostName      string    `gorm:"size:255;not null;uniqueIndex:idx_sequence_slot,priority:2" json:"hostName"`
	SequenceNum   int       `gorm:"not null;uniqueIndex:idx_sequence_slot,priority:3" json:"sequenceNum"`
	Token         string    `gorm:"size:64;not null" json:"-"`
	LastUpdatedAt time.Time `gorm:"index" json:"lastUpdatedAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// TableName implements gorm's tabler.
func (SequenceConfig) TableName() string { return "delegate_sequence_configs" }

// Stale reports whether the slot was not refreshed within window.
func (c *SequenceConfig) Stale(now time.Time, window time.Duration) bool {
	return c.LastUpdatedAt.Before(now.Add(-window))
}

// HostNameFor returns the host name an ephemeral delegate holds in a slot.
func HostNameFor(prefix string, seq int) string {
	return prefix + "_" + strconv.Itoa(seq)
}

// lowestFree returns the smallest non-negative integer missing from taken,
// which must be sorted ascending.
func lowestFree(taken []int) int {
	n := 0
	for _, s := range taken {
		if s > n {
			break
		}
		if s == n {
			n++
		}
	}
	return n
}
