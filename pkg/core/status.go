package core

import "fmt"

// OperationStatus represents the lifecycle status of a provisioning operation.
type OperationStatus string

const (
	// OperationStatusPending indicates the operation is created but not yet started.
	OperationStatusPending OperationStatus = "pending"

	// OperationStatusInProgress indicates targets are currently being applied.
	OperationStatusInProgress OperationStatus = "in_progress"

	// OperationStatusAwaitingApproval indicates the operation is suspended on
	// an approval workflow. Calculated attributes are already frozen.
	OperationStatusAwaitingApproval OperationStatus = "awaiting_approval"

	// OperationStatusSuccess indicates all targets were applied successfully.
	OperationStatusSuccess OperationStatus = "success"

	// OperationStatusFailed indicates a target failed and at least one
	// compensation could not be executed.
	OperationStatusFailed OperationStatus = "failed"

	// OperationStatusRolledBack indicates a target failed and every recorded
	// compensation executed successfully.
	OperationStatusRolledBack OperationStatus = "rolled_back"

	// OperationStatusRejected indicates the approval workflow rejected or
	// expired the operation before execution.
	OperationStatusRejected OperationStatus = "rejected"
)

// IsTerminal returns true if the operation status represents a final state.
// Terminal operations never transition again.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusSuccess || s == OperationStatusFailed ||
		s == OperationStatusRolledBack || s == OperationStatusRejected
}

// IsActive returns true if the operation may still make progress.
func (s OperationStatus) IsActive() bool {
	return s == OperationStatusPending || s == OperationStatusInProgress ||
		s == OperationStatusAwaitingApproval
}

// Validate checks if the operation status is valid.
func (s OperationStatus) Validate() error {
	switch s {
	case OperationStatusPending, OperationStatusInProgress,
		OperationStatusAwaitingApproval, OperationStatusSuccess,
		OperationStatusFailed, OperationStatusRolledBack,
		OperationStatusRejected:
		return nil
	default:
		return fmt.Errorf("invalid operation status: %s", s)
	}
}

// OperationType represents the kind of account change an operation performs.
type OperationType string

const (
	// OperationCreate creates the account on each target system.
	OperationCreate OperationType = "create"

	// OperationUpdate modifies attributes of an existing account.
	OperationUpdate OperationType = "update"

	// OperationDelete removes the account from each target system.
	OperationDelete OperationType = "delete"

	// OperationDisable deactivates the account without removing it.
	OperationDisable OperationType = "disable"

	// OperationEnable reactivates a previously disabled account.
	OperationEnable OperationType = "enable"
)

// IsMutating returns true if the operation changes target-system state.
// Every operation type currently defined is mutating.
func (o OperationType) IsMutating() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete,
		OperationDisable, OperationEnable:
		return true
	default:
		return false
	}
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete,
		OperationDisable, OperationEnable:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// ApprovalStatus represents the status of a workflow instance or a decision.
type ApprovalStatus string

const (
	// ApprovalStatusPending indicates the workflow is waiting for approvals.
	ApprovalStatusPending ApprovalStatus = "pending"

	// ApprovalStatusApproved indicates every level reached its required
	// approval count.
	ApprovalStatusApproved ApprovalStatus = "approved"

	// ApprovalStatusRejected indicates any approver rejected at any level.
	ApprovalStatusRejected ApprovalStatus = "rejected"

	// ApprovalStatusExpired indicates the instance passed its deadline
	// without resolution.
	ApprovalStatusExpired ApprovalStatus = "expired"

	// ApprovalStatusCancelled indicates the instance was cancelled before
	// resolution, usually because the operation was withdrawn.
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// IsTerminal returns true if the approval status represents a final state.
func (s ApprovalStatus) IsTerminal() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusRejected ||
		s == ApprovalStatusExpired || s == ApprovalStatusCancelled
}

// Validate checks if the approval status is valid.
func (s ApprovalStatus) Validate() error {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved,
		ApprovalStatusRejected, ApprovalStatusExpired,
		ApprovalStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid approval status: %s", s)
	}
}

// RuleType categorizes what a rule computes.
type RuleType string

const (
	// RuleTypeMapping maps a source attribute to a target attribute.
	RuleTypeMapping RuleType = "mapping"

	// RuleTypeCalculation derives a new value from one or more attributes.
	RuleTypeCalculation RuleType = "calculation"

	// RuleTypeAggregation combines several attributes into one.
	RuleTypeAggregation RuleType = "aggregation"

	// RuleTypeValidation checks an attribute and yields a normalized value.
	RuleTypeValidation RuleType = "validation"

	// RuleTypeTransformation reshapes an attribute value.
	RuleTypeTransformation RuleType = "transformation"
)

// Validate checks if the rule type is valid.
func (t RuleType) Validate() error {
	switch t {
	case RuleTypeMapping, RuleTypeCalculation, RuleTypeAggregation,
		RuleTypeValidation, RuleTypeTransformation:
		return nil
	default:
		return fmt.Errorf("invalid rule type: %s", t)
	}
}

// RuleStatus represents the lifecycle state of a rule definition.
type RuleStatus string

const (
	// RuleStatusActive means the rule participates in calculation runs.
	RuleStatusActive RuleStatus = "active"

	// RuleStatusInactive means the rule is temporarily disabled.
	RuleStatusInactive RuleStatus = "inactive"

	// RuleStatusDraft means the rule is being authored and never evaluated.
	RuleStatusDraft RuleStatus = "draft"

	// RuleStatusDeprecated means the rule is retired but kept for history.
	RuleStatusDeprecated RuleStatus = "deprecated"
)

// Validate checks if the rule status is valid.
func (s RuleStatus) Validate() error {
	switch s {
	case RuleStatusActive, RuleStatusInactive, RuleStatusDraft, RuleStatusDeprecated:
		return nil
	default:
		return fmt.Errorf("invalid rule status: %s", s)
	}
}

// DiscrepancyType classifies how the hub and a target system disagree about
// an account.
type DiscrepancyType string

const (
	// DiscrepancyMissingInTarget means the hub knows the identity but the
	// target system has no matching account.
	DiscrepancyMissingInTarget DiscrepancyType = "missing_in_target"

	// DiscrepancyMissingInHub means the target system has an account the hub
	// does not know about.
	DiscrepancyMissingInHub DiscrepancyType = "missing_in_hub"

	// DiscrepancyAttributeMismatch means both sides know the account but an
	// attribute value differs.
	DiscrepancyAttributeMismatch DiscrepancyType = "attribute_mismatch"
)

// Validate checks if the discrepancy type is valid.
func (t DiscrepancyType) Validate() error {
	switch t {
	case DiscrepancyMissingInTarget, DiscrepancyMissingInHub, DiscrepancyAttributeMismatch:
		return nil
	default:
		return fmt.Errorf("invalid discrepancy type: %s", t)
	}
}

// ResolutionAction is the operator's chosen way to resolve a discrepancy.
type ResolutionAction string

const (
	// ResolveUseHub pushes the hub value to the target system.
	ResolveUseHub ResolutionAction = "use_hub"

	// ResolveUseTarget imports the target value into the hub.
	ResolveUseTarget ResolutionAction = "use_target"

	// ResolveIgnore marks the discrepancy resolved without changing anything.
	ResolveIgnore ResolutionAction = "ignore"

	// ResolveManual marks the discrepancy for out-of-band handling.
	ResolveManual ResolutionAction = "manual"
)

// Validate checks if the resolution action is valid.
func (a ResolutionAction) Validate() error {
	switch a {
	case ResolveUseHub, ResolveUseTarget, ResolveIgnore, ResolveManual:
		return nil
	default:
		return fmt.Errorf("invalid resolution action: %s", a)
	}
}

// JobStatus represents the lifecycle status of a reconciliation job.
type JobStatus string

const (
	// JobStatusPending indicates the job is created but not yet running.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning indicates the job is scanning target systems.
	JobStatusRunning JobStatus = "running"

	// JobStatusCompleted indicates the job finished scanning all targets.
	JobStatusCompleted JobStatus = "completed"

	// JobStatusFailed indicates the job aborted with an unrecoverable error.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates the job was cancelled by an operator.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the job status represents a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// ApproverType describes how an approval level's approver set is resolved.
type ApproverType string

const (
	// ApproverTypeUser names explicit user ids or addresses.
	ApproverTypeUser ApproverType = "user"

	// ApproverTypeRole resolves every member of a role.
	ApproverTypeRole ApproverType = "role"

	// ApproverTypeManager resolves the requesting identity's manager.
	ApproverTypeManager ApproverType = "manager"

	// ApproverTypeDepartmentHead resolves the head of the identity's department.
	ApproverTypeDepartmentHead ApproverType = "department_head"

	// ApproverTypeAppOwner resolves the owner of the target application.
	ApproverTypeAppOwner ApproverType = "app_owner"
)

// Validate checks if the approver type is valid.
func (t ApproverType) Validate() error {
	switch t {
	case ApproverTypeUser, ApproverTypeRole, ApproverTypeManager,
		ApproverTypeDepartmentHead, ApproverTypeAppOwner:
		return nil
	default:
		return fmt.Errorf("invalid approver type: %s", t)
	}
}
