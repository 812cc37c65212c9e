package delegate

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a delegate record.
type Status string

const (
	StatusWaitingForApproval Status = "WAITING_FOR_APPROVAL"
	StatusEnabled            Status = "ENABLED"
	StatusDeleted            Status = "DELETED"
)

// ConnectionMode is how a delegate receives work.
type ConnectionMode string

const (
	ConnectionPolling   ConnectionMode = "POLLING"
	ConnectionStreaming ConnectionMode = "STREAMING"
)

// Delegate is the durable record of a remote worker.
type Delegate struct {
	ID              string         `gorm:"primaryKey;size:64" json:"id"`
	AccountID       string         `gorm:"size:64;not null;index:idx_delegates_account_host,priority:1" json:"accountId"`
	Status          Status         `gorm:"size:32;not null;index" json:"status"`
	Tags            []string       `gorm:"serializer:json" json:"tags,omitempty"`
	IncludeScopes   []Scope        `gorm:"serializer:json" json:"includeScopes,omitempty"`
	ExcludeScopes   []Scope        `gorm:"serializer:json" json:"excludeScopes,omitempty"`
	ConnectionMode  ConnectionMode `gorm:"size:16" json:"connectionMode"`
	HostName        string         `gorm:"size:255;index:idx_delegates_account_host,priority:2" json:"hostName"`
	IP              string         `gorm:"size:64" json:"ip,omitempty"`
	Version         string         `gorm:"size:64" json:"version,omitempty"`
	GroupName       string         `gorm:"size:255;index" json:"groupName,omitempty"`
	Ephemeral       bool           `json:"ephemeral"`
	SequenceNum     *int           `json:"sequenceNum,omitempty"`
	SequenceToken   string         `gorm:"size:64" json:"-"`
	LastHeartbeatAt time.Time      `json:"lastHeartbeatAt"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// TableName implements gorm's tabler.
func (Delegate) TableName() string { return "delegates" }

// Connected reports whether the delegate heartbeated within timeout.
func (d *Delegate) Connected(now time.Time, timeout time.Duration) bool {
	return !d.LastHeartbeatAt.IsZero() && now.Sub(d.LastHeartbeatAt) <= timeout
}

// Serves reports whether the delegate's include/exclude scopes admit target.
func (d *Delegate) Serves(target Target) bool {
	if len(d.IncludeScopes) > 0 {
		included := false
		for _, s := range d.IncludeScopes {
			if s.Matches(target) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, s := range d.ExcludeScopes {
		if s.Matches(target) {
			return false
		}
	}
	return true
}

// Connection is one live transport session of a delegate.
type Connection struct {
	ID              string    `gorm:"primaryKey;size:64" json:"connectionId"`
	DelegateID      string    `gorm:"size:64;not null;index" json:"delegateId"`
	AccountID       string    `gorm:"size:64;not null;index" json:"accountId"`
	Version         string    `gorm:"size:64" json:"version,omitempty"`
	Location        string    `gorm:"size:512" json:"location,omitempty"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `gorm:"index" json:"lastHeartbeatAt"`
	Disconnected    bool      `gorm:"index" json:"disconnected"`
}

// TableName implements gorm's tabler.
func (Connection) TableName() string { return "delegate_connections" }

// =============================================================================
// 🎯 Scope
// =============================================================================

// Setup abstraction keys that feed scope matching.
const (
	AbstractionApplication = "application"
	AbstractionEnvironment = "environment"
)

// Target is the scoping context of a task.
type Target struct {
	TaskGroup   string `json:"taskGroup,omitempty"`
	Application string `json:"application,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// TargetFrom builds a target from a task group and its setup abstractions.
func TargetFrom(taskGroup string, setup map[string]string) Target {
	return Target{
		TaskGroup:   taskGroup,
		Application: setup[AbstractionApplication],
		Environment: setup[AbstractionEnvironment],
	}
}

// Scope restricts the organizational entities a delegate may serve. Each
// non-empty dimension must contain the task's value.
type Scope struct {
	Name         string   `json:"name,omitempty"`
	TaskGroups   []string `json:"taskGroups,omitempty"`
	Applications []string `json:"applications,omitempty"`
	Environments []string `json:"environments,omitempty"`
}

// Matches reports whether target falls inside the scope.
func (s Scope) Matches(target Target) bool {
	return dimensionMatches(s.TaskGroups, target.TaskGroup) &&
		dimensionMatches(s.Applications, target.Application) &&
		dimensionMatches(s.Environments, target.Environment)
}

func dimensionMatches(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, value) {
			return true
		}
	}
	return false
}
