package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/identigate/identigate/pkg/core"
)

// Resolve applies an operator's resolution to a discrepancy. Resolving an
// already-resolved discrepancy is a no-op, so retried resolutions never
// repeat their side effects.
func (e *Engine) Resolve(ctx context.Context, discrepancyID string, action core.ResolutionAction, resolvedBy string) error {
	if err := action.Validate(); err != nil {
		return core.NewValidationError("bad resolution action", err)
	}
	d, err := e.store.GetDiscrepancy(ctx, discrepancyID)
	if err != nil {
		return err
	}
	if d.Resolved {
		e.logger.WithField("discrepancy_id", d.ID).
			Debugf("already resolved as %s, skipping", d.Resolution)
		return nil
	}

	switch action {
	case core.ResolveUseHub:
		err = e.applyHubSide(ctx, d)
	case core.ResolveUseTarget:
		err = e.applyTargetSide(ctx, d)
	case core.ResolveIgnore, core.ResolveManual:
		// Recorded without touching either side.
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	d.Resolved = true
	d.Resolution = action
	d.ResolvedAt = &now
	d.ResolvedBy = resolvedBy
	if err := e.store.UpdateDiscrepancy(ctx, d); err != nil {
		return core.NewStorageError("failed to mark discrepancy resolved", err)
	}

	e.audit.LogEvent(ctx, core.AuditEvent{
		EventType: "reconcile.resolved",
		Actor:     resolvedBy,
		AccountID: d.AccountID,
		Resource:  d.ID,
		Target:    d.TargetSystem,
		Outcome:   string(action),
		Details:   map[string]any{"type": string(d.Type), "attribute": d.Attribute},
	})
	return nil
}

// applyHubSide makes the target system agree with the hub.
func (e *Engine) applyHubSide(ctx context.Context, d *core.Discrepancy) error {
	conn, err := e.registry.Get(d.TargetSystem)
	if err != nil {
		return err
	}

	switch d.Type {
	case core.DiscrepancyMissingInTarget:
		// Recreate the account from the hub's attribute snapshot, translated
		// through the target's mapping.
		identity, err := e.identities.GetIdentity(ctx, d.AccountID)
		if err != nil {
			return err
		}
		attrs := e.mapToTarget(d.TargetSystem, identity.Attributes)
		stored, err := conn.CreateAccount(ctx, d.AccountID, attrs)
		if err != nil {
			return core.NewConnectorError("failed to recreate account", err).
				WithTarget(d.TargetSystem).WithResource(d.AccountID)
		}
		e.saveTargetState(ctx, d.AccountID, d.TargetSystem, stored)

	case core.DiscrepancyMissingInHub:
		// The hub does not know this account, so it should not exist.
		if err := conn.DeleteAccount(ctx, d.AccountID); err != nil {
			return core.NewConnectorError("failed to remove unmanaged account", err).
				WithTarget(d.TargetSystem).WithResource(d.AccountID)
		}

	case core.DiscrepancyAttributeMismatch:
		targetAttr := d.Attribute
		if mapped, ok := e.mappings[d.TargetSystem][d.Attribute]; ok {
			targetAttr = mapped
		}
		stored, err := conn.UpdateAccount(ctx, d.AccountID, map[string]any{targetAttr: d.HubValue})
		if err != nil {
			return core.NewConnectorError("failed to push hub value", err).
				WithTarget(d.TargetSystem).WithResource(d.AccountID)
		}
		e.saveTargetState(ctx, d.AccountID, d.TargetSystem, stored)
	}
	return nil
}

// applyTargetSide makes the hub agree with the target system.
func (e *Engine) applyTargetSide(ctx context.Context, d *core.Discrepancy) error {
	switch d.Type {
	case core.DiscrepancyMissingInTarget:
		// The target dropped the account; accept its absence.
		if err := e.operations.DeleteTargetState(ctx, d.AccountID, d.TargetSystem); err != nil && !core.IsNotFound(err) {
			e.logger.WithAccountID(d.AccountID).WithError(err).Warn("failed to drop target state")
		}

	case core.DiscrepancyMissingInHub:
		// Import the unmanaged account as a hub identity.
		attrs, _ := d.TargetValue.(map[string]any)
		now := time.Now().UTC()
		identity := &core.Identity{
			ID:         uuid.New().String(),
			Attributes: attrs,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.identities.UpsertIdentity(ctx, identity); err != nil {
			return core.NewStorageError("failed to import identity", err).WithResource(d.AccountID)
		}

	case core.DiscrepancyAttributeMismatch:
		identity, err := e.identities.GetIdentity(ctx, d.AccountID)
		if err != nil {
			return err
		}
		if identity.Attributes == nil {
			identity.Attributes = make(map[string]any)
		}
		identity.Attributes[d.Attribute] = d.TargetValue
		identity.UpdatedAt = time.Now().UTC()
		if err := e.identities.UpsertIdentity(ctx, identity); err != nil {
			return core.NewStorageError("failed to adopt target value", err).WithResource(d.AccountID)
		}
	}
	return nil
}

// mapToTarget translates hub attribute names through the target's mapping.
// Unmapped attributes keep their hub names.
func (e *Engine) mapToTarget(target string, attrs map[string]any) map[string]any {
	mapping := e.mappings[target]
	out := make(map[string]any, len(attrs))
	for name, value := range attrs {
		if mapped, ok := mapping[name]; ok {
			out[mapped] = value
			continue
		}
		out[name] = value
	}
	return out
}

func (e *Engine) saveTargetState(ctx context.Context, accountID, target string, attrs map[string]any) {
	if e.operations == nil {
		return
	}
	if err := e.operations.SaveTargetState(ctx, accountID, target, attrs); err != nil {
		e.logger.WithAccountID(accountID).WithTargetSystem(target).
			WithError(err).Warn("failed to update target state cache")
	}
}
