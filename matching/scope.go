package matching

import (
	"context"
	"errors"

	"github.com/BaSui01/delegateflow/capability"
	"github.com/BaSui01/delegateflow/delegate"
	"go.uber.org/zap"
)

// Subscribe wires the scope handler to registry events. The returned
// function removes the subscriptions.
func (e *Engine) Subscribe(bus *delegate.EventBus) func() {
	handle := func(ev delegate.Event) {
		if err := e.HandleScopeChange(context.Background(), ev.AccountID, ev.DelegateID); err != nil {
			e.logger.Error("scope change handling failed",
				zap.String("delegate_id", ev.DelegateID), zap.Error(err))
		}
	}
	ids := []string{
		bus.Subscribe(delegate.EventDelegateScopeChanged, handle),
		bus.Subscribe(delegate.EventDelegateRegistered, handle),
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}

// HandleScopeChange drops the delegate's verdicts for requirements it no
// longer serves and refreshes blocked flags of the account's selection
// details.
func (e *Engine) HandleScopeChange(ctx context.Context, accountID, delegateID string) error {
	d, err := e.delegates.Lookup(ctx, delegateID)
	if err != nil && !errors.Is(err, delegate.ErrNotFound) {
		return err
	}

	details, err := e.store.AccountSelectionDetails(ctx, accountID)
	if err != nil {
		return err
	}
	active, err := e.delegates.ActiveDelegates(ctx, accountID)
	if err != nil {
		return err
	}

	served := make(map[string]bool)
	var block, unblock []string
	for _, sd := range details {
		if d != nil && servesDetails(d, sd) {
			served[sd.CapabilityID] = true
		}
		inScope := false
		for _, a := range active {
			if servesDetails(a, sd) {
				inScope = true
				break
			}
		}
		switch {
		case !inScope && !sd.Blocked:
			block = append(block, sd.ID)
		case inScope && sd.Blocked:
			unblock = append(unblock, sd.ID)
		}
	}

	var drop []string
	seen := make(map[string]bool)
	for _, sd := range details {
		if !served[sd.CapabilityID] && !seen[sd.CapabilityID] {
			seen[sd.CapabilityID] = true
			drop = append(drop, sd.CapabilityID)
		}
	}

	var removed int64
	err = e.store.Transaction(ctx, func(tx *Store) error {
		var err error
		if removed, err = tx.DeletePermissions(ctx, delegateID, drop); err != nil {
			return err
		}
		if err := tx.SetBlocked(ctx, block, true); err != nil {
			return err
		}
		return tx.SetBlocked(ctx, unblock, false)
	})
	if err != nil {
		return err
	}

	cacheKeys := make([]string, 0, len(drop))
	for _, capID := range drop {
		cacheKeys = append(cacheKeys, verdictKey(capID, delegateID))
	}
	e.invalidate(ctx, cacheKeys...)

	if removed > 0 || len(block) > 0 || len(unblock) > 0 {
		e.logger.Info("delegate scope change applied",
			zap.String("account_id", accountID),
			zap.String("delegate_id", delegateID),
			zap.Int64("verdicts_removed", removed),
			zap.Int("blocked", len(block)),
			zap.Int("unblocked", len(unblock)),
		)
	}
	return nil
}

func servesDetails(d *delegate.Delegate, sd *SelectionDetails) bool {
	if d.Status == delegate.StatusDeleted {
		return false
	}
	if !d.Serves(delegate.TargetFrom(sd.TaskGroup, sd.SetupAbstractions)) {
		return false
	}
	return capability.Selector{Selectors: sd.Selectors}.MatchedBy(d.Tags)
}
