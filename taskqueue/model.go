package taskqueue

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/BaSui01/delegateflow/matching"
	"github.com/BaSui01/delegateflow/types"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusStarted Status = "STARTED"
	StatusAborted Status = "ABORTED"
	StatusError   Status = "ERROR"
	StatusSuccess Status = "SUCCESS"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusAborted || s == StatusError || s == StatusSuccess
}

var runningStatuses = []Status{StatusQueued, StatusStarted}

// Task is a unit of work executed by exactly one delegate.
type Task struct {
	ID        string     `gorm:"primaryKey;size:64" json:"id"`
	AccountID string     `gorm:"size:64;not null;index:idx_tasks_account_status,priority:1" json:"accountId"`
	Rank      types.Rank `gorm:"column:task_rank;size:16;not null;index:idx_tasks_account_status,priority:3" json:"rank"`
	Async     bool       `json:"async"`
	TaskType  string     `gorm:"size:128" json:"taskType"`
	TaskGroup string     `gorm:"size:255" json:"taskGroup,omitempty"`

	Parameters        json.RawMessage   `gorm:"serializer:json" json:"parameters,omitempty"`
	Capabilities      capability.List   `gorm:"serializer:json" json:"requiredCapabilities,omitempty"`
	Selectors         []string          `gorm:"serializer:json" json:"selectors,omitempty"`
	SetupAbstractions map[string]string `gorm:"serializer:json" json:"setupAbstractions,omitempty"`

	Status                  Status `gorm:"size:16;not null;index:idx_tasks_account_status,priority:2;index:idx_tasks_status_expiry,priority:1" json:"status"`
	DelegateID              string `gorm:"size:64;not null;default:'';index" json:"delegateId,omitempty"`
	DelegateInstanceID      string `gorm:"size:64" json:"delegateInstanceId,omitempty"`
	MustExecuteOnDelegateID string `gorm:"size:64" json:"mustExecuteOnDelegateId,omitempty"`
	PreAssignedDelegateID   string `gorm:"size:64" json:"preAssignedDelegateId,omitempty"`

	EligibleDelegateIDs           []string   `gorm:"serializer:json" json:"eligibleDelegateIds,omitempty"`
	AlreadyTriedDelegateIDs       []string   `gorm:"serializer:json" json:"alreadyTriedDelegateIds,omitempty"`
	ValidatingDelegateIDs         []string   `gorm:"serializer:json" json:"validatingDelegateIds,omitempty"`
	ValidationCompleteDelegateIDs []string   `gorm:"serializer:json" json:"validationCompleteDelegateIds,omitempty"`
	ValidationStartedAt           *time.Time `gorm:"index" json:"validationStartedAt,omitempty"`

	Timeout         time.Duration `json:"timeout"`
	ExpiryAt        time.Time     `gorm:"index:idx_tasks_status_expiry,priority:2" json:"expiryAt"`
	NextBroadcastAt time.Time     `gorm:"index" json:"nextBroadcastAt"`
	BroadcastCount  int           `json:"broadcastCount"`

	CallbackChannelID string          `gorm:"size:64" json:"callbackChannelId,omitempty"`
	ErrorMessage      string          `gorm:"type:text" json:"errorMessage,omitempty"`
	Result            json.RawMessage `gorm:"serializer:json" json:"result,omitempty"`

	Version   int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `gorm:"index" json:"updatedAt"`
}

// TableName implements gorm's tabler.
func (Task) TableName() string { return "delegate_tasks" }

// Pinned reports whether an operator forced the task onto one delegate.
func (t *Task) Pinned() bool { return t.MustExecuteOnDelegateID != "" }

// Unassigned reports whether the task can still be acquired.
func (t *Task) Unassigned() bool { return t.Status == StatusQueued && t.DelegateID == "" }

// EligibleFor reports whether delegateID may be offered the task. An empty
// eligible set admits every delegate.
func (t *Task) EligibleFor(delegateID string) bool {
	return len(t.EligibleDelegateIDs) == 0 || slices.Contains(t.EligibleDelegateIDs, delegateID)
}

// MatchRequest describes the task to the matching engine.
func (t *Task) MatchRequest() matching.Request {
	return matching.Request{
		AccountID:    t.AccountID,
		TaskID:       t.ID,
		TaskGroup:    t.TaskGroup,
		Setup:        t.SetupAbstractions,
		Capabilities: t.Capabilities,
		AlreadyTried: t.AlreadyTriedDelegateIDs,
	}
}

// =============================================================================
// 📦 Wire types
// =============================================================================

// Package is what a delegate receives from Acquire. ValidationRequired asks
// the delegate to check Capabilities and report through the validation
// protocol before it may run the task.
type Package struct {
	AccountID          string            `json:"accountId"`
	TaskID             string            `json:"delegateTaskId"`
	DelegateID         string            `json:"delegateId,omitempty"`
	DelegateInstanceID string            `json:"delegateInstanceId,omitempty"`
	TaskType           string            `json:"taskType"`
	Async              bool              `json:"async"`
	Parameters         json.RawMessage   `json:"parameters,omitempty"`
	SetupAbstractions  map[string]string `json:"setupAbstractions,omitempty"`
	Timeout            time.Duration     `json:"timeout"`
	ExpiryAt           time.Time         `json:"expiryAt"`
	ValidationRequired bool              `json:"validationRequired,omitempty"`
	Capabilities       capability.List   `json:"capabilities,omitempty"`
}

func packageOf(t *Task) *Package {
	return &Package{
		AccountID:          t.AccountID,
		TaskID:             t.ID,
		DelegateID:         t.DelegateID,
		DelegateInstanceID: t.DelegateInstanceID,
		TaskType:           t.TaskType,
		Async:              t.Async,
		Parameters:         t.Parameters,
		SetupAbstractions:  t.SetupAbstractions,
		Timeout:            t.Timeout,
		ExpiryAt:           t.ExpiryAt,
	}
}

// EventType distinguishes task events sent to delegates.
type EventType string

const (
	EventQueued  EventType = "QUEUED"
	EventAborted EventType = "ABORTED"
)

// Event is a task notification for delegates. It is broadcast on the
// account channel and also returned by ListPendingEvents.
type Event struct {
	Kind       string    `json:"kind"`
	AccountID  string    `json:"accountId"`
	TaskID     string    `json:"delegateTaskId"`
	Type       EventType `json:"type"`
	Sync       bool      `json:"sync"`
	TaskType   string    `json:"taskType,omitempty"`
	DelegateID string    `json:"delegateId,omitempty"`
}

// EventKind tags task events on the shared broadcast channel.
const EventKind = "task"

func eventOf(t *Task, typ EventType) Event {
	return Event{
		Kind:      EventKind,
		AccountID: t.AccountID,
		TaskID:    t.ID,
		Type:      typ,
		Sync:      !t.Async,
		TaskType:  t.TaskType,
	}
}

// Outcome resolves a waiting synchronous caller.
type Outcome struct {
	TaskID       string          `json:"taskId"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Expired      bool            `json:"expired,omitempty"`
}

func addToSet(set []string, v string) ([]string, bool) {
	if slices.Contains(set, v) {
		return set, false
	}
	return append(slices.Clone(set), v), true
}
