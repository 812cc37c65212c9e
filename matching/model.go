package matching

import (
	"encoding/json"
	"time"

	"github.com/BaSui01/delegateflow/capability"
)

// Requirement is an agent-evaluable capability deduplicated per account.
type Requirement struct {
	ID         string          `gorm:"primaryKey;size:64" json:"id"`
	AccountID  string          `gorm:"size:64;not null;index" json:"accountId"`
	Type       capability.Kind `gorm:"size:32;not null" json:"type"`
	Parameters json.RawMessage `gorm:"type:text" json:"parameters"`
	ValidUntil time.Time       `json:"validUntil"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// TableName implements gorm's tabler.
func (Requirement) TableName() string { return "capability_requirements" }

// Capability decodes the stored requirement.
func (r *Requirement) Capability() (capability.Capability, error) {
	return capability.Decode(capability.Envelope{Type: r.Type, Params: r.Parameters})
}

// Permission is the cached verdict of one delegate for one requirement.
type Permission struct {
	ID              string             `gorm:"primaryKey;size:64" json:"id"`
	AccountID       string             `gorm:"size:64;not null;index" json:"accountId"`
	CapabilityID    string             `gorm:"size:64;not null;uniqueIndex:idx_permission_subject,priority:1" json:"capabilityId"`
	DelegateID      string             `gorm:"size:64;not null;uniqueIndex:idx_permission_subject,priority:2;index" json:"delegateId"`
	Result          capability.Verdict `gorm:"size:16;not null" json:"result"`
	MaxValidUntil   time.Time          `json:"maxValidUntil"`
	RevalidateAfter time.Time          `json:"revalidateAfter"`
	ValidUntil      time.Time          `json:"validUntil"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// TableName implements gorm's tabler.
func (Permission) TableName() string { return "capability_subject_permissions" }

// Effective returns the verdict usable for a new assignment at now. A
// decided verdict past MaxValidUntil counts as UNCHECKED.
func (p *Permission) Effective(now time.Time) capability.Verdict {
	if p == nil {
		return capability.VerdictUnchecked
	}
	if p.Result != capability.VerdictUnchecked && now.After(p.MaxValidUntil) {
		return capability.VerdictUnchecked
	}
	return p.Result
}

// NeedsCheck reports whether a check should be requested at now.
func (p *Permission) NeedsCheck(now time.Time) bool {
	return p.Effective(now) == capability.VerdictUnchecked || now.After(p.RevalidateAfter)
}

// SelectionDetails links a requirement to the scoping context that produced it.
type SelectionDetails struct {
	ID                string            `gorm:"primaryKey;size:64" json:"id"`
	AccountID         string            `gorm:"size:64;not null;index" json:"accountId"`
	CapabilityID      string            `gorm:"size:64;not null;uniqueIndex:idx_selection_context,priority:1" json:"capabilityId"`
	TaskGroup         string            `gorm:"size:255;not null;default:'';uniqueIndex:idx_selection_context,priority:2" json:"taskGroup"`
	Selectors         []string          `gorm:"serializer:json" json:"selectors,omitempty"`
	SetupAbstractions map[string]string `gorm:"serializer:json" json:"setupAbstractions,omitempty"`
	Blocked           bool              `json:"blocked"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// TableName implements gorm's tabler.
func (SelectionDetails) TableName() string { return "capability_task_selection_details" }
