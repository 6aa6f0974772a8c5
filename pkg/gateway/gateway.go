// Package gateway is the front door of the provisioning gateway: it validates
// inbound requests, computes and freezes per-target attributes, and hands the
// operation to either the orchestrator or an approval workflow.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/provision"
	"github.com/identigate/identigate/pkg/rules"
	"github.com/identigate/identigate/pkg/telemetry"
	"github.com/identigate/identigate/pkg/workflow"
)

// RuleSource supplies the current compiled rule set. The rules loader
// implements it; tests can pin a fixed set.
type RuleSource interface {
	Snapshot() *rules.RuleSet
}

// Options configures the gateway.
type Options struct {
	Rules        RuleSource
	Calculator   *rules.Engine
	Orchestrator *provision.Orchestrator
	Workflow     *workflow.Engine
	Store        core.OperationStore
	Identities   core.IdentityStore
	Audit        core.Auditor
	Logger       *telemetry.Logger
	Metrics      *telemetry.Metrics

	// Levels is the approval chain applied when a request asks for approval.
	Levels []core.ApprovalLevel
}

// Gateway ties the rule engine, orchestrator, and workflow engine together
// behind a single request surface.
type Gateway struct {
	rules        RuleSource
	calculator   *rules.Engine
	orchestrator *provision.Orchestrator
	workflow     *workflow.Engine
	store        core.OperationStore
	identities   core.IdentityStore
	audit        core.Auditor
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics
	levels       []core.ApprovalLevel
	validate     *validator.Validate
}

// New creates a gateway.
func New(opts Options) *Gateway {
	return &Gateway{
		rules:        opts.Rules,
		calculator:   opts.Calculator,
		orchestrator: opts.Orchestrator,
		workflow:     opts.Workflow,
		store:        opts.Store,
		identities:   opts.Identities,
		audit:        opts.Audit,
		logger:       opts.Logger.NewComponentLogger("gateway"),
		metrics:      opts.Metrics,
		levels:       opts.Levels,
		validate:     validator.New(),
	}
}

// Provision accepts a provisioning request, computes the per-target
// attributes once from the current rule set, persists the operation with the
// computed attributes frozen, and either executes it or suspends it on an
// approval workflow.
//
// When execution fails the response still describes the terminal operation;
// the execution error is returned alongside it.
func (g *Gateway) Provision(ctx context.Context, req *core.ProvisioningRequest) (*core.ProvisioningResponse, error) {
	if err := g.validate.Struct(req); err != nil {
		return nil, core.NewValidationError("invalid provisioning request", err)
	}
	if err := req.OperationType.Validate(); err != nil {
		return nil, core.NewValidationError("invalid provisioning request", err)
	}

	// A request naming a policy is calculated from that policy's rules only.
	// Resolve it before any state is touched.
	snapshot, err := g.rules.Snapshot().ForPolicy(req.PolicyID)
	if err != nil {
		return nil, err
	}

	source, err := g.sourceAttributes(ctx, req)
	if err != nil {
		return nil, err
	}

	calculated, failures := g.calculator.Calculate(ctx, snapshot, req.TargetSystems, source)

	now := time.Now().UTC()
	op := &core.Operation{
		ID:                   uuid.New().String(),
		Type:                 req.OperationType,
		AccountID:            req.AccountID,
		Status:               core.OperationStatusPending,
		TargetSystems:        req.TargetSystems,
		InputAttributes:      source,
		CalculatedAttributes: calculated,
		CorrelationID:        req.CorrelationID,
		PolicyID:             req.PolicyID,
		CreatedBy:            req.Requester,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	for _, f := range failures {
		op.Errors = append(op.Errors, fmt.Sprintf("rule %s (%s/%s): %s", f.RuleName, f.TargetSystem, f.Attribute, f.Err))
	}
	if err := g.store.CreateOperation(ctx, op); err != nil {
		return nil, core.NewStorageError("failed to persist operation", err)
	}

	logger := g.logger.WithOperationID(op.ID).WithAccountID(op.AccountID)
	g.audit.LogEvent(ctx, core.AuditEvent{
		EventType: "gateway.request_accepted",
		Actor:     req.Requester,
		AccountID: req.AccountID,
		Resource:  op.ID,
		Outcome:   "accepted",
		Details:   map[string]any{"type": string(req.OperationType), "targets": req.TargetSystems},
	})

	if req.RequireApproval {
		return g.suspend(ctx, op, logger)
	}

	execErr := g.orchestrator.Execute(ctx, op)
	return g.response(op), execErr
}

// suspend parks the operation on an approval workflow before any target is
// touched. The attributes stored on the operation are the ones a later
// resumption applies; approval never recomputes them.
func (g *Gateway) suspend(ctx context.Context, op *core.Operation, logger *telemetry.Logger) (*core.ProvisioningResponse, error) {
	op.Status = core.OperationStatusAwaitingApproval
	op.UpdatedAt = time.Now().UTC()
	if err := g.store.UpdateOperation(ctx, op); err != nil {
		return nil, core.NewStorageError("failed to suspend operation", err).WithResource(op.ID)
	}

	instance, err := g.workflow.Start(ctx, op, g.levels)
	if err != nil {
		logger.WithError(err).Error("failed to start approval workflow")
		if rejectErr := g.orchestrator.Reject(ctx, op.ID, "approval workflow could not be started"); rejectErr != nil {
			logger.WithError(rejectErr).Warn("failed to reject unworkflowed operation")
		}
		return nil, err
	}

	logger.WithInstanceID(instance.ID).Info("operation suspended for approval")
	resp := g.response(op)
	resp.WorkflowInstanceID = instance.ID
	return resp, nil
}

// sourceAttributes merges the request attributes over the stored hub identity
// and, for account mutations, records the merged set back as the hub's
// authoritative state.
func (g *Gateway) sourceAttributes(ctx context.Context, req *core.ProvisioningRequest) (map[string]any, error) {
	merged := make(map[string]any)
	identity, err := g.identities.GetIdentity(ctx, req.AccountID)
	switch {
	case err == nil:
		for k, v := range identity.Attributes {
			merged[k] = v
		}
	case core.IsNotFound(err):
		identity = nil
	default:
		return nil, err
	}
	for k, v := range req.Attributes {
		merged[k] = v
	}

	if req.OperationType == core.OperationCreate || req.OperationType == core.OperationUpdate {
		now := time.Now().UTC()
		updated := &core.Identity{ID: req.AccountID, Attributes: merged, UpdatedAt: now}
		if identity != nil {
			updated.CreatedAt = identity.CreatedAt
		} else {
			updated.CreatedAt = now
		}
		if err := g.identities.UpsertIdentity(ctx, updated); err != nil {
			return nil, core.NewStorageError("failed to record hub identity", err).WithResource(req.AccountID)
		}
	}
	return merged, nil
}

// response builds the outbound view of an operation.
func (g *Gateway) response(op *core.Operation) *core.ProvisioningResponse {
	resp := &core.ProvisioningResponse{
		OperationID:          op.ID,
		Status:               op.Status,
		CalculatedAttributes: op.CalculatedAttributes,
		Errors:               op.Errors,
	}
	if op.Status == core.OperationStatusSuccess || op.Status == core.OperationStatusFailed ||
		op.Status == core.OperationStatusRolledBack {
		for _, target := range op.TargetSystems {
			result := core.TargetResult{
				TargetSystem: target,
				Success:      op.Status == core.OperationStatusSuccess,
				Attributes:   op.CalculatedAttributes[target],
			}
			for _, msg := range op.Errors {
				if strings.HasPrefix(msg, target+": ") {
					result.Error = strings.TrimPrefix(msg, target+": ")
				}
			}
			resp.Results = append(resp.Results, result)
		}
	}
	return resp
}

// Operation returns a stored operation by id.
func (g *Gateway) Operation(ctx context.Context, operationID string) (*core.Operation, error) {
	return g.store.GetOperation(ctx, operationID)
}

// Operations lists stored operations, optionally filtered by account and
// status, newest first.
func (g *Gateway) Operations(ctx context.Context, accountID string, status core.OperationStatus, limit int) ([]*core.Operation, error) {
	return g.store.ListOperations(ctx, accountID, status, limit)
}

// RollbackActions returns the recorded compensations for an operation in the
// order they were recorded.
func (g *Gateway) RollbackActions(ctx context.Context, operationID string) ([]*core.RollbackAction, error) {
	return g.store.ListRollbackActions(ctx, operationID)
}

// Decide records an approver's decision on a workflow instance.
func (g *Gateway) Decide(ctx context.Context, instanceID, approverID string, decision core.ApprovalStatus, comments string) (*core.WorkflowInstance, error) {
	return g.workflow.RecordDecision(ctx, instanceID, approverID, decision, comments)
}

// ResolveApprovalToken consumes an emailed approval token and applies its
// decision.
func (g *Gateway) ResolveApprovalToken(ctx context.Context, tokenValue string) (*core.WorkflowInstance, error) {
	return g.workflow.ResolveToken(ctx, tokenValue)
}

// CancelWorkflow cancels a pending workflow instance and rejects its
// operation.
func (g *Gateway) CancelWorkflow(ctx context.Context, instanceID, reason string) error {
	return g.workflow.Cancel(ctx, instanceID, reason)
}
