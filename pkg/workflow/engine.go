// Package workflow implements the multi-level approval state machine:
// resolved approver levels, single-use email tokens, and expiry handling.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/identigate/identigate/pkg/core"
	"github.com/identigate/identigate/pkg/telemetry"
)

// DefaultTimeout is how long an instance waits for approvals before the
// reaper expires it.
const DefaultTimeout = 72 * time.Hour

// SystemActor is the approver id recorded for automatic decisions.
const SystemActor = "system"

// OperationController resumes or rejects the suspended operation when its
// workflow concludes. Implemented by the provisioning orchestrator.
type OperationController interface {
	ContinueAfterApproval(ctx context.Context, operationID string) error
	Reject(ctx context.Context, operationID, reason string) error
}

// Options configures the workflow engine.
type Options struct {
	Store      core.WorkflowStore
	Tokens     core.TokenStore
	Directory  core.DirectoryLookup
	Notifier   core.Notifier
	Controller OperationController
	Audit      core.Auditor
	Logger     *telemetry.Logger
	Metrics    *telemetry.Metrics
	Events     *telemetry.EventPublisher

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration

	// BaseURL prefixes the approve/reject links embedded in notices.
	BaseURL string
}

// Engine drives approval workflow instances from pending to a terminal
// status. Levels are processed strictly in ascending order; a single
// rejection at any level terminates the instance.
type Engine struct {
	store      core.WorkflowStore
	tokens     core.TokenStore
	directory  core.DirectoryLookup
	notifier   core.Notifier
	controller OperationController
	audit      core.Auditor
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	events     *telemetry.EventPublisher
	timeout    time.Duration
	baseURL    string
}

// NewEngine creates a workflow engine.
func NewEngine(opts Options) *Engine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		store:      opts.Store,
		tokens:     opts.Tokens,
		directory:  opts.Directory,
		notifier:   opts.Notifier,
		controller: opts.Controller,
		audit:      opts.Audit,
		logger:     opts.Logger.NewComponentLogger("workflow"),
		metrics:    opts.Metrics,
		events:     opts.Events,
		timeout:    timeout,
		baseURL:    opts.BaseURL,
	}
}

// Start creates a workflow instance for a suspended operation. Symbolic
// approver levels are resolved to concrete approver ids now and frozen on the
// instance; later directory changes do not affect a running workflow.
func (e *Engine) Start(ctx context.Context, op *core.Operation, levels []core.ApprovalLevel) (*core.WorkflowInstance, error) {
	if len(levels) == 0 {
		return nil, core.NewValidationError("workflow needs at least one approval level", nil)
	}

	opContext := map[string]any{
		"operation_id": op.ID,
		"account_id":   op.AccountID,
		"type":         string(op.Type),
		"targets":      op.TargetSystems,
		"requester":    op.CreatedBy,
	}

	resolved := make([]core.ApprovalLevel, len(levels))
	for i, lvl := range levels {
		if lvl.Number == 0 {
			lvl.Number = i + 1
		}
		if err := lvl.ApproverType.Validate(); err != nil {
			return nil, core.NewValidationError("bad approval level", err)
		}
		if len(lvl.Approvers) == 0 {
			approvers, err := e.directory.ResolveApprovers(ctx, lvl.ApproverType, opContext)
			if err != nil {
				return nil, core.NewApprovalError("failed to resolve approvers", err).
					WithDetail("level", lvl.Number)
			}
			lvl.Approvers = approvers
		}
		if len(lvl.Approvers) == 0 {
			return nil, core.NewApprovalError("approval level has no approvers", nil).
				WithDetail("level", lvl.Number)
		}
		if lvl.RequiredApprovals <= 0 {
			lvl.RequiredApprovals = 1
		}
		if lvl.RequiredApprovals > len(lvl.Approvers) {
			lvl.RequiredApprovals = len(lvl.Approvers)
		}
		resolved[i] = lvl
	}

	now := time.Now().UTC()
	instance := &core.WorkflowInstance{
		ID:           uuid.New().String(),
		OperationID:  op.ID,
		Status:       core.ApprovalStatusPending,
		CurrentLevel: resolved[0].Number,
		TotalLevels:  len(resolved),
		Levels:       resolved,
		Context:      opContext,
		ExpiresAt:    now.Add(e.timeout),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateInstance(ctx, instance); err != nil {
		return nil, core.NewStorageError("failed to create workflow instance", err)
	}

	e.logger.WithInstanceID(instance.ID).WithOperationID(op.ID).
		Infof("workflow started with %d levels", instance.TotalLevels)
	e.events.PublishOperationSuspended(op.ID, instance.ID)
	e.audit.LogEvent(ctx, core.AuditEvent{
		EventType: "workflow.started",
		Actor:     op.CreatedBy,
		AccountID: op.AccountID,
		Resource:  instance.ID,
		Outcome:   "pending",
		Details:   map[string]any{"levels": instance.TotalLevels},
	})

	e.notifyCurrentLevel(ctx, instance)
	return instance, nil
}

// RecordDecision applies one approver's decision to an instance. Decisions on
// terminal instances fail with a TERMINAL_STATE error; a decision by someone
// outside the active level's approver set fails with NOT_AN_APPROVER.
func (e *Engine) RecordDecision(ctx context.Context, instanceID, approverID string, decision core.ApprovalStatus, comments string) (*core.WorkflowInstance, error) {
	if decision != core.ApprovalStatusApproved && decision != core.ApprovalStatusRejected {
		return nil, core.NewValidationError(
			fmt.Sprintf("decision must be approved or rejected, got %s", decision), nil)
	}

	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if instance.Status.IsTerminal() {
		return nil, core.NewApprovalError("workflow already concluded", nil).
			WithCode(core.ErrCodeTerminalState).
			WithResource(instanceID)
	}

	level := instance.CurrentLevelConfig()
	if level == nil {
		return nil, core.NewApprovalError("instance has no active level", nil).WithResource(instanceID)
	}
	if approverID != SystemActor && !contains(level.Approvers, approverID) {
		return nil, core.NewApprovalError("not an approver for the active level", nil).
			WithCode(core.ErrCodeNotApprover).
			WithResource(instanceID).
			WithDetail("level", level.Number)
	}

	decisions, err := e.store.ListDecisions(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, d := range decisions {
		if d.Level == level.Number && d.ApproverID == approverID {
			return nil, core.NewApprovalError("approver already decided at this level", nil).
				WithCode(core.ErrCodeAlreadyExists).
				WithResource(instanceID)
		}
	}

	record := &core.ApprovalDecision{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Level:      level.Number,
		ApproverID: approverID,
		Decision:   decision,
		Comments:   comments,
		DecidedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateDecision(ctx, record); err != nil {
		// The store enforces one decision per approver per level; the list
		// check above can miss a decision inserted between the read and the
		// write.
		var ge *core.GatewayError
		if errors.As(err, &ge) && ge.Code == core.ErrCodeAlreadyExists {
			return nil, err
		}
		return nil, core.NewStorageError("failed to record decision", err)
	}

	e.metrics.RecordWorkflowDecision(string(decision))
	e.events.PublishWorkflowDecision(instanceID, approverID, string(decision))
	e.audit.LogEvent(ctx, core.AuditEvent{
		EventType: "workflow.decision",
		Actor:     approverID,
		Resource:  instanceID,
		Outcome:   string(decision),
		Details:   map[string]any{"level": level.Number, "comments": comments},
	})

	if decision == core.ApprovalStatusRejected {
		return e.conclude(ctx, instance, core.ApprovalStatusRejected,
			fmt.Sprintf("rejected by %s", approverID))
	}

	approvals := 1
	for _, d := range decisions {
		if d.Level == level.Number && d.Decision == core.ApprovalStatusApproved {
			approvals++
		}
	}
	if approvals < level.RequiredApprovals {
		e.logger.WithInstanceID(instanceID).
			Infof("level %d at %d/%d approvals", level.Number, approvals, level.RequiredApprovals)
		return instance, nil
	}

	if e.hasNextLevel(instance) {
		return e.advance(ctx, instance)
	}
	return e.conclude(ctx, instance, core.ApprovalStatusApproved,
		fmt.Sprintf("approved by %s", approverID))
}

// ResolveToken consumes a single-use email token and applies the decision it
// carries. The consume is atomic: of two concurrent presentations of the same
// token, exactly one records a decision.
func (e *Engine) ResolveToken(ctx context.Context, tokenValue string) (*core.WorkflowInstance, error) {
	token, err := e.tokens.ConsumeToken(ctx, hashToken(tokenValue), time.Now().UTC())
	if err != nil {
		outcome := "invalid"
		var ge *core.GatewayError
		if errors.As(err, &ge) && ge.Code == core.ErrCodeTokenUsed {
			outcome = "used"
		}
		e.metrics.RecordTokenResolution(outcome)
		return nil, err
	}
	e.metrics.RecordTokenResolution("ok")

	decision := core.ApprovalStatusApproved
	if token.Action == core.TokenActionReject {
		decision = core.ApprovalStatusRejected
	}
	return e.RecordDecision(ctx, token.InstanceID, token.ApproverID, decision, "decided by email")
}

// Cancel terminates a pending instance without a decision and rejects the
// suspended operation.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.Status.IsTerminal() {
		return core.NewApprovalError("workflow already concluded", nil).
			WithCode(core.ErrCodeTerminalState).
			WithResource(instanceID)
	}
	if reason == "" {
		reason = "workflow cancelled"
	}
	_, err = e.conclude(ctx, instance, core.ApprovalStatusCancelled, reason)
	return err
}

// Expire moves a pending instance past its deadline. Levels marked
// auto-approve record a system approval instead; the deadline is extended so
// a later level gets its own waiting window.
func (e *Engine) Expire(ctx context.Context, instance *core.WorkflowInstance) error {
	if instance.Status.IsTerminal() {
		return nil
	}
	level := instance.CurrentLevelConfig()
	if level != nil && level.AutoApproveOnTimeout {
		instance.ExpiresAt = time.Now().UTC().Add(e.timeout)
		if err := e.store.UpdateInstance(ctx, instance); err != nil {
			return core.NewStorageError("failed to extend deadline", err)
		}
		e.logger.WithInstanceID(instance.ID).
			Infof("level %d auto-approved on timeout", level.Number)
		_, err := e.RecordDecision(ctx, instance.ID, SystemActor,
			core.ApprovalStatusApproved, "auto-approved on timeout")
		return err
	}

	e.metrics.RecordWorkflowExpired()
	_, err := e.conclude(ctx, instance, core.ApprovalStatusExpired, "approval expired")
	return err
}

// advance moves the instance to the next level, voids the previous level's
// tokens, and notifies the new approver set.
func (e *Engine) advance(ctx context.Context, instance *core.WorkflowInstance) (*core.WorkflowInstance, error) {
	if err := e.tokens.InvalidateInstanceTokens(ctx, instance.ID, time.Now().UTC()); err != nil {
		e.logger.WithInstanceID(instance.ID).WithError(err).Warn("failed to void level tokens")
	}

	// Level numbers need not be consecutive; move to the smallest configured
	// number above the current one.
	next := instance.CurrentLevel
	for _, lvl := range instance.Levels {
		if lvl.Number > instance.CurrentLevel && (next == instance.CurrentLevel || lvl.Number < next) {
			next = lvl.Number
		}
	}
	instance.CurrentLevel = next
	instance.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateInstance(ctx, instance); err != nil {
		return nil, core.NewStorageError("failed to advance workflow", err)
	}
	e.logger.WithInstanceID(instance.ID).
		Infof("advanced to level %d of %d", instance.CurrentLevel, instance.TotalLevels)

	e.notifyCurrentLevel(ctx, instance)
	return instance, nil
}

// conclude moves the instance to a terminal status, voids outstanding tokens,
// and resumes or rejects the suspended operation.
func (e *Engine) conclude(ctx context.Context, instance *core.WorkflowInstance, status core.ApprovalStatus, reason string) (*core.WorkflowInstance, error) {
	now := time.Now().UTC()
	instance.Status = status
	instance.UpdatedAt = now
	instance.CompletedAt = &now
	if err := e.store.UpdateInstance(ctx, instance); err != nil {
		return nil, core.NewStorageError("failed to conclude workflow", err)
	}
	if err := e.tokens.InvalidateInstanceTokens(ctx, instance.ID, now); err != nil {
		e.logger.WithInstanceID(instance.ID).WithError(err).Warn("failed to void instance tokens")
	}

	e.audit.LogEvent(ctx, core.AuditEvent{
		EventType: "workflow.concluded",
		Resource:  instance.ID,
		Outcome:   string(status),
		Details:   map[string]any{"reason": reason},
	})
	e.notifyRequester(ctx, instance, status, reason)

	switch status {
	case core.ApprovalStatusApproved:
		if err := e.controller.ContinueAfterApproval(ctx, instance.OperationID); err != nil {
			// The operation records its own failure; the workflow itself
			// concluded successfully.
			e.logger.WithInstanceID(instance.ID).WithOperationID(instance.OperationID).
				WithError(err).Error("resumed operation failed")
		}
	default:
		if err := e.controller.Reject(ctx, instance.OperationID, reason); err != nil {
			e.logger.WithInstanceID(instance.ID).WithOperationID(instance.OperationID).
				WithError(err).Error("failed to reject suspended operation")
		}
	}
	return instance, nil
}

// notifyCurrentLevel mints an approve and a reject token per approver of the
// active level and sends the notices. Delivery failures are logged per
// approver and never fail the workflow.
func (e *Engine) notifyCurrentLevel(ctx context.Context, instance *core.WorkflowInstance) {
	level := instance.CurrentLevelConfig()
	if level == nil {
		return
	}
	for _, approver := range level.Approvers {
		approveURL, err := e.mintTokenURL(ctx, instance.ID, approver, core.TokenActionApprove)
		if err != nil {
			e.logger.WithInstanceID(instance.ID).WithError(err).Error("failed to mint approve token")
			continue
		}
		rejectURL, err := e.mintTokenURL(ctx, instance.ID, approver, core.TokenActionReject)
		if err != nil {
			e.logger.WithInstanceID(instance.ID).WithError(err).Error("failed to mint reject token")
			continue
		}
		notice := core.ApprovalRequestNotice{
			InstanceID:  instance.ID,
			OperationID: instance.OperationID,
			Approver:    approver,
			Level:       level.Number,
			LevelName:   level.Name,
			Summary:     instance.Context,
			ApproveURL:  approveURL,
			RejectURL:   rejectURL,
			ExpiresAt:   instance.ExpiresAt,
		}
		if requester, ok := instance.Context["requester"].(string); ok {
			notice.Requester = requester
		}
		if _, err := e.notifier.SendApprovalRequest(ctx, notice); err != nil {
			e.logger.WithInstanceID(instance.ID).WithField("approver", approver).
				WithError(err).Warn("failed to deliver approval request")
		}
	}
}

func (e *Engine) mintTokenURL(ctx context.Context, instanceID, approver, action string) (string, error) {
	value, hash, err := mintToken()
	if err != nil {
		return "", err
	}
	token := &core.ApprovalToken{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		ApproverID: approver,
		Action:     action,
		TokenHash:  hash,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.tokens.CreateToken(ctx, token); err != nil {
		return "", core.NewStorageError("failed to store token", err)
	}

	q := url.Values{}
	q.Set("token", value)
	q.Set("instance_id", instanceID)
	q.Set("action", action)
	return e.baseURL + "/approve-by-email?" + q.Encode(), nil
}

func (e *Engine) notifyRequester(ctx context.Context, instance *core.WorkflowInstance, status core.ApprovalStatus, reason string) {
	requester, _ := instance.Context["requester"].(string)
	if requester == "" {
		return
	}
	notice := core.DecisionNotice{
		InstanceID:  instance.ID,
		OperationID: instance.OperationID,
		Recipient:   requester,
		Decision:    status,
		Comments:    reason,
	}
	if err := e.notifier.SendDecisionNotice(ctx, notice); err != nil {
		e.logger.WithInstanceID(instance.ID).WithError(err).Warn("failed to deliver decision notice")
	}
}

func (e *Engine) hasNextLevel(instance *core.WorkflowInstance) bool {
	for _, lvl := range instance.Levels {
		if lvl.Number > instance.CurrentLevel {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
