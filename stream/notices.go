package stream

import (
	"context"
	"time"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/BaSui01/delegateflow/delegate"
	"github.com/BaSui01/delegateflow/matching"
	"go.uber.org/zap"
)

// Kinds of the non-task messages on an account stream.
const (
	KindCapabilityCheck = "capability_check"
	KindAlert           = "alert"
)

const forwardTimeout = 5 * time.Second

// CapabilityCheck asks one delegate to check capabilities and report them
// through POST /api/v1/delegates/{delegateId}/capabilities. It goes out on
// the account stream; other delegates ignore it by DelegateID.
type CapabilityCheck struct {
	Kind           string          `json:"kind"`
	AccountID      string          `json:"accountId"`
	DelegateID     string          `json:"delegateId"`
	RequirementIDs []string        `json:"requirementIds"`
	Capabilities   capability.List `json:"capabilities"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Alert forwards an account alert to stream subscribers.
type Alert struct {
	Kind      string    `json:"kind"`
	AccountID string    `json:"accountId"`
	Code      string    `json:"code"`
	Message   string    `json:"message,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Requirements resolves capability requirement rows. *matching.Store
// implements it.
type Requirements interface {
	Requirements(ctx context.Context, ids []string) ([]*matching.Requirement, error)
}

// Forward broadcasts capability check requests and alerts published on bus.
// The returned function unsubscribes.
func (h *Hub) Forward(bus *delegate.EventBus, reqs Requirements) func() {
	checks := bus.Subscribe(delegate.EventCapabilityCheckRequested, func(ev delegate.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()
		h.forwardCheck(ctx, reqs, ev)
	})
	alerts := bus.Subscribe(delegate.EventAlertRaised, func(ev delegate.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		defer cancel()
		err := h.Broadcast(ctx, ev.AccountID, Alert{
			Kind:      KindAlert,
			AccountID: ev.AccountID,
			Code:      ev.Code,
			Message:   ev.Message,
			TaskID:    ev.TaskID,
			Timestamp: timestampOf(ev),
		})
		if err != nil {
			h.logger.Warn("failed to forward alert", zap.String("code", ev.Code), zap.Error(err))
		}
	})
	return func() {
		bus.Unsubscribe(checks)
		bus.Unsubscribe(alerts)
	}
}

func (h *Hub) forwardCheck(ctx context.Context, reqs Requirements, ev delegate.Event) {
	rows, err := reqs.Requirements(ctx, ev.RequirementIDs)
	if err != nil {
		h.logger.Warn("failed to load requirements for capability check",
			zap.String("delegate_id", ev.DelegateID), zap.Error(err))
		return
	}

	msg := CapabilityCheck{
		Kind:       KindCapabilityCheck,
		AccountID:  ev.AccountID,
		DelegateID: ev.DelegateID,
		Timestamp:  timestampOf(ev),
	}
	for _, r := range rows {
		c, err := r.Capability()
		if err != nil {
			h.logger.Warn("skipping undecodable requirement",
				zap.String("requirement_id", r.ID), zap.Error(err))
			continue
		}
		msg.RequirementIDs = append(msg.RequirementIDs, r.ID)
		msg.Capabilities = append(msg.Capabilities, c)
	}
	if len(msg.Capabilities) == 0 {
		return
	}

	if err := h.Broadcast(ctx, ev.AccountID, msg); err != nil {
		h.logger.Warn("failed to forward capability check",
			zap.String("delegate_id", ev.DelegateID), zap.Error(err))
	}
}

func timestampOf(ev delegate.Event) time.Time {
	if ev.Timestamp.IsZero() {
		return time.Now()
	}
	return ev.Timestamp
}
