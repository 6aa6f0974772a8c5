// Package provision implements the provisioning orchestrator: sequential
// application of an operation to its target systems with compensating
// rollback on failure.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/telemetry"
)

// DefaultCallTimeout bounds every single connector call.
const DefaultCallTimeout = 30 * time.Second

// Options configures the orchestrator.
type Options struct {
	Registry core.ConnectorRegistry
	Store    core.OperationStore
	Audit    core.Auditor
	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Events   *telemetry.EventPublisher

	// CallTimeout bounds each connector call. Zero means DefaultCallTimeout.
	CallTimeout time.Duration
}

// Orchestrator applies operations to target systems strictly in request
// order, records a compensation after every successful mutating call, and
// rolls the compensations back in reverse order when a later target fails.
//
// Operations on the same account are serialized by an exclusive per-account
// lock; operations on different accounts run concurrently.
type Orchestrator struct {
	registry    core.ConnectorRegistry
	store       core.OperationStore
	audit       core.Auditor
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	events      *telemetry.EventPublisher
	locks       *accountLocks
	callTimeout time.Duration
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Orchestrator{
		registry:    opts.Registry,
		store:       opts.Store,
		audit:       opts.Audit,
		logger:      opts.Logger.NewComponentLogger("orchestrator"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		events:      opts.Events,
		locks:       newAccountLocks(),
		callTimeout: timeout,
	}
}

// Execute runs a persisted operation to a terminal state. The operation's
// calculated attributes must already be frozen; Execute never recomputes
// them. On a target failure no later target is attempted, recorded
// compensations run synchronously in reverse order, and the terminal status
// is rolled_back when every compensation executed, failed otherwise.
func (o *Orchestrator) Execute(ctx context.Context, op *core.Operation) error {
	if op.Status.IsTerminal() {
		return core.NewValidationError("operation already terminal", nil).
			WithCode(core.ErrCodeTerminalState).
			WithResource(op.ID)
	}
	if err := op.Type.Validate(); err != nil {
		return core.NewValidationError("bad operation", err).WithResource(op.ID)
	}

	release := o.locks.acquire(op.AccountID)
	defer release()

	start := time.Now()
	logger := o.logger.WithOperationID(op.ID).WithAccountID(op.AccountID)

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartOperationSpan(ctx, op.ID, op.AccountID, string(op.Type))
		defer span.End()
	}

	// Claim the operation through the store rather than trusting op, which
	// may be a stale copy: two concurrent resumes of the same operation both
	// pass the checks above, but only one wins the conditional update. The
	// claim happens under the account lock so the loser observes the final
	// status, not a transient one.
	now := time.Now().UTC()
	if err := o.store.ClaimOperation(ctx, op.ID, now); err != nil {
		return err
	}
	op.Status = core.OperationStatusInProgress
	op.UpdatedAt = now

	o.metrics.RecordOperationStarted(string(op.Type))
	o.events.PublishOperationStarted(op.ID, op.AccountID, string(op.Type))
	logger.Infof("executing %s across %d targets", op.Type, len(op.TargetSystems))

	var recorded []*core.RollbackAction
	for _, target := range op.TargetSystems {
		action, err := o.applyTarget(ctx, op, target)
		if err != nil {
			logger.WithTargetSystem(target).WithError(err).Error("target failed, starting rollback")
			op.Errors = append(op.Errors, fmt.Sprintf("%s: %s", target, err.Error()))
			o.audit.LogEvent(ctx, core.AuditEvent{
				EventType: "provision.target_failed",
				AccountID: op.AccountID,
				Resource:  op.ID,
				Target:    target,
				Outcome:   "failure",
				Details:   map[string]any{"error": err.Error()},
			})
			return o.finishWithRollback(ctx, op, recorded, start)
		}
		if action != nil {
			recorded = append(recorded, action)
		}
		o.audit.LogEvent(ctx, core.AuditEvent{
			EventType: "provision.target_applied",
			AccountID: op.AccountID,
			Resource:  op.ID,
			Target:    target,
			Outcome:   "success",
		})
	}

	return o.finish(ctx, op, core.OperationStatusSuccess, start)
}

// ContinueAfterApproval resumes an operation that was suspended on an
// approval workflow. The stored calculated attributes are used as-is.
func (o *Orchestrator) ContinueAfterApproval(ctx context.Context, operationID string) error {
	op, err := o.store.GetOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() {
		return core.NewApprovalError("operation already terminal", nil).
			WithCode(core.ErrCodeTerminalState).
			WithResource(operationID)
	}
	if op.Status != core.OperationStatusAwaitingApproval {
		return core.NewValidationError(
			fmt.Sprintf("operation is %s, not awaiting approval", op.Status), nil).
			WithResource(operationID)
	}

	o.logger.WithOperationID(operationID).Info("resuming operation after approval")
	return o.Execute(ctx, op)
}

// Reject moves a non-terminal operation to rejected, recording the reason.
// Used by the workflow engine on rejection or expiry.
func (o *Orchestrator) Reject(ctx context.Context, operationID, reason string) error {
	op, err := o.store.GetOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() {
		return core.NewApprovalError("operation already terminal", nil).
			WithCode(core.ErrCodeTerminalState).
			WithResource(operationID)
	}
	op.Errors = append(op.Errors, reason)
	now := time.Now().UTC()
	op.Status = core.OperationStatusRejected
	op.UpdatedAt = now
	op.CompletedAt = &now
	if err := o.store.UpdateOperation(ctx, op); err != nil {
		return core.NewStorageError("failed to reject operation", err).WithResource(operationID)
	}
	o.events.PublishOperationCompleted(op.ID, op.AccountID, string(op.Status))
	o.audit.LogEvent(ctx, core.AuditEvent{
		EventType: "provision.rejected",
		AccountID: op.AccountID,
		Resource:  op.ID,
		Outcome:   "rejected",
		Details:   map[string]any{"reason": reason},
	})
	return nil
}

// applyTarget performs one target-system call and returns the recorded
// compensation, or nil when the call needs none.
func (o *Orchestrator) applyTarget(ctx context.Context, op *core.Operation, target string) (*core.RollbackAction, error) {
	conn, err := o.registry.Get(target)
	if err != nil {
		return nil, err
	}
	attrs := op.CalculatedAttributes[target]

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	var (
		action *core.RollbackAction
		stored map[string]any
	)
	start := time.Now()

	switch op.Type {
	case core.OperationCreate:
		stored, err = conn.CreateAccount(callCtx, op.AccountID, attrs)
		if err == nil {
			action = o.newAction(op, target, core.RollbackDelete, nil)
		}

	case core.OperationUpdate:
		var prior map[string]any
		prior, err = conn.GetAccount(callCtx, op.AccountID)
		if err == nil {
			stored, err = conn.UpdateAccount(callCtx, op.AccountID, attrs)
			if err == nil {
				action = o.newAction(op, target, core.RollbackRestore, prior)
			}
		}

	case core.OperationDelete:
		var prior map[string]any
		prior, err = conn.GetAccount(callCtx, op.AccountID)
		if err == nil {
			err = conn.DeleteAccount(callCtx, op.AccountID)
			if err == nil {
				action = o.newAction(op, target, core.RollbackRecreate, prior)
			}
		}

	case core.OperationDisable:
		err = conn.DisableAccount(callCtx, op.AccountID)
		if err == nil {
			action = o.newAction(op, target, core.RollbackEnable, nil)
		}

	case core.OperationEnable:
		err = conn.EnableAccount(callCtx, op.AccountID)
		if err == nil {
			action = o.newAction(op, target, core.RollbackDisable, nil)
		}

	default:
		err = core.NewValidationError("unsupported operation type", nil)
	}

	o.metrics.RecordConnectorCall(target, string(op.Type), time.Since(start), err)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.NewConnectorError("call timed out", err).
				WithCode(core.ErrCodeTimeout).
				WithTarget(target).
				WithResource(op.AccountID)
		}
		var ge *core.GatewayError
		if errors.As(err, &ge) {
			return nil, err
		}
		return nil, core.NewConnectorError("call failed", err).
			WithCode(core.ErrCodeConnectorFailed).
			WithTarget(target).
			WithResource(op.AccountID)
	}

	if err := o.store.CreateRollbackAction(ctx, action); err != nil {
		return nil, core.NewStorageError("failed to record compensation", err).WithTarget(target)
	}
	o.syncTargetState(ctx, op, target, stored)
	return action, nil
}

// syncTargetState maintains the shadow cache of per-target account state.
func (o *Orchestrator) syncTargetState(ctx context.Context, op *core.Operation, target string, stored map[string]any) {
	var err error
	switch op.Type {
	case core.OperationDelete:
		err = o.store.DeleteTargetState(ctx, op.AccountID, target)
	case core.OperationCreate, core.OperationUpdate:
		if stored == nil {
			stored = op.CalculatedAttributes[target]
		}
		err = o.store.SaveTargetState(ctx, op.AccountID, target, stored)
	}
	if err != nil {
		// The cache is advisory; a write failure must not fail the target.
		o.logger.WithOperationID(op.ID).WithTargetSystem(target).
			WithError(err).Warn("failed to update target state cache")
	}
}

func (o *Orchestrator) newAction(op *core.Operation, target, actionType string, data map[string]any) *core.RollbackAction {
	return &core.RollbackAction{
		ID:           uuid.New().String(),
		OperationID:  op.ID,
		TargetSystem: target,
		ActionType:   actionType,
		ActionData:   data,
		CreatedAt:    time.Now().UTC(),
	}
}

// finishWithRollback executes the recorded compensations in reverse order.
// Each compensation is isolated: a failure is recorded and the remaining
// compensations still run. The rollback uses a context detached from the
// (possibly expired) call context.
func (o *Orchestrator) finishWithRollback(ctx context.Context, op *core.Operation, recorded []*core.RollbackAction, start time.Time) error {
	rbCtx := context.WithoutCancel(ctx)
	allExecuted := true

	for i := len(recorded) - 1; i >= 0; i-- {
		action := recorded[i]
		if err := o.executeCompensation(rbCtx, op, action); err != nil {
			allExecuted = false
			op.Errors = append(op.Errors, fmt.Sprintf(
				"rollback %s on %s: %s", action.ActionType, action.TargetSystem, err.Error()))
			o.metrics.RecordRollbackAction(action.TargetSystem, action.ActionType, "error")
			o.events.PublishRollbackExecuted(op.ID, action.TargetSystem, action.ActionType, false)
			continue
		}
		now := time.Now().UTC()
		action.Executed = true
		action.ExecutedAt = &now
		if err := o.store.MarkRollbackExecuted(rbCtx, action.ID, now); err != nil {
			o.logger.WithOperationID(op.ID).WithError(err).Warn("failed to persist compensation state")
		}
		o.metrics.RecordRollbackAction(action.TargetSystem, action.ActionType, "ok")
		o.events.PublishRollbackExecuted(op.ID, action.TargetSystem, action.ActionType, true)
	}

	status := core.OperationStatusRolledBack
	if !allExecuted {
		status = core.OperationStatusFailed
	}
	if err := o.finish(rbCtx, op, status, start); err != nil {
		return err
	}
	return core.NewConnectorError("operation failed", nil).
		WithCode(core.ErrCodeConnectorFailed).
		WithResource(op.ID).
		WithDetail("status", string(status))
}

// executeCompensation performs one compensating connector call.
func (o *Orchestrator) executeCompensation(ctx context.Context, op *core.Operation, action *core.RollbackAction) error {
	conn, err := o.registry.Get(action.TargetSystem)
	if err != nil {
		return core.NewCompensationError("connector not found", err).WithTarget(action.TargetSystem)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	switch action.ActionType {
	case core.RollbackDelete:
		err = conn.DeleteAccount(callCtx, op.AccountID)
	case core.RollbackRestore:
		_, err = conn.UpdateAccount(callCtx, op.AccountID, action.ActionData)
	case core.RollbackRecreate:
		_, err = conn.CreateAccount(callCtx, op.AccountID, action.ActionData)
	case core.RollbackEnable:
		err = conn.EnableAccount(callCtx, op.AccountID)
	case core.RollbackDisable:
		err = conn.DisableAccount(callCtx, op.AccountID)
	default:
		err = fmt.Errorf("unknown rollback action %q", action.ActionType)
	}
	if err != nil {
		return core.NewCompensationError("compensation failed", err).
			WithTarget(action.TargetSystem).
			WithResource(op.AccountID)
	}

	switch action.ActionType {
	case core.RollbackDelete:
		o.syncTargetStateRemoval(ctx, op.AccountID, action.TargetSystem)
	case core.RollbackRestore, core.RollbackRecreate:
		if err := o.store.SaveTargetState(ctx, op.AccountID, action.TargetSystem, action.ActionData); err != nil {
			o.logger.WithOperationID(op.ID).WithError(err).Warn("failed to update target state cache")
		}
	}
	return nil
}

func (o *Orchestrator) syncTargetStateRemoval(ctx context.Context, accountID, target string) {
	if err := o.store.DeleteTargetState(ctx, accountID, target); err != nil {
		o.logger.WithAccountID(accountID).WithTargetSystem(target).
			WithError(err).Warn("failed to update target state cache")
	}
}

// finish moves the operation to its terminal status and records telemetry.
func (o *Orchestrator) finish(ctx context.Context, op *core.Operation, status core.OperationStatus, start time.Time) error {
	now := time.Now().UTC()
	op.Status = status
	op.UpdatedAt = now
	op.CompletedAt = &now
	if err := o.store.UpdateOperation(ctx, op); err != nil {
		return core.NewStorageError("failed to finalize operation", err).WithResource(op.ID)
	}

	o.metrics.RecordOperationCompleted(string(op.Type), string(status), time.Since(start))
	o.events.PublishOperationCompleted(op.ID, op.AccountID, string(status))
	o.audit.LogEvent(ctx, core.AuditEvent{
		EventType: "provision.completed",
		AccountID: op.AccountID,
		Resource:  op.ID,
		Outcome:   string(status),
	})
	o.logger.WithOperationID(op.ID).Infof("operation finished with status %s", status)
	return nil
}
