package core

import "time"

// Identity is the hub's authoritative record for a person or service account.
// Attributes is schema-free: connectors and rules agree on attribute names.
type Identity struct {
	// ID is the stable hub identifier (account id).
	ID string `json:"id"`

	// Attributes holds the authoritative attribute values.
	Attributes map[string]any `json:"attributes"`

	// CreatedAt is when the identity was first recorded.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the identity was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Rule defines one attribute computation for a target system.
type Rule struct {
	// ID uniquely identifies the rule.
	ID string `json:"id"`

	// Name is the human-readable rule name.
	Name string `json:"name"`

	// Description explains what the rule computes.
	Description string `json:"description,omitempty"`

	// Type categorizes the computation.
	Type RuleType `json:"type"`

	// TargetSystem is the system this rule computes an attribute for.
	TargetSystem string `json:"target_system"`

	// SourceAttributes lists the context attributes the expression reads.
	SourceAttributes []string `json:"source_attributes,omitempty"`

	// TargetAttribute is the attribute name the rule produces.
	TargetAttribute string `json:"target_attribute"`

	// Expression is the template expression evaluated against the context.
	Expression string `json:"expression"`

	// Priority orders evaluation within a target; higher runs first.
	Priority int `json:"priority"`

	// Conditions gate the rule. Values are either a literal (equality) or a
	// map {"op": "eq|ne|in|contains|exists", "value": ...}.
	Conditions map[string]any `json:"conditions,omitempty"`

	// Status controls whether the rule participates in calculation runs.
	Status RuleStatus `json:"status"`

	// Version is incremented on every modification.
	Version int `json:"version"`
}

// Policy names a subset of the rule catalog. A provisioning request that
// carries a policy id is calculated from that policy's rules only; requests
// without one use every active rule.
type Policy struct {
	// ID uniquely identifies the policy.
	ID string `json:"id"`

	// Name is the human-readable policy name.
	Name string `json:"name"`

	// Description explains when the policy applies.
	Description string `json:"description,omitempty"`

	// TargetSystems optionally restricts the systems the policy covers.
	TargetSystems []string `json:"target_systems,omitempty"`

	// Rules lists the ids of the member rules.
	Rules []string `json:"rules"`

	// Status controls whether the policy can be requested.
	Status RuleStatus `json:"status"`
}

// Operation is one provisioning request in flight or completed.
type Operation struct {
	// ID uniquely identifies the operation.
	ID string `json:"id"`

	// Type is the account change being performed.
	Type OperationType `json:"type"`

	// AccountID is the hub identity the operation provisions.
	AccountID string `json:"account_id"`

	// Status is the current lifecycle status.
	Status OperationStatus `json:"status"`

	// TargetSystems is the ordered list of targets to apply, in request order.
	TargetSystems []string `json:"target_systems"`

	// InputAttributes is the caller-supplied source attribute set.
	InputAttributes map[string]any `json:"input_attributes"`

	// CalculatedAttributes holds the per-target computed attributes, keyed by
	// target system. Frozen once computed; approval and resumption reuse the
	// stored values, never recompute.
	CalculatedAttributes map[string]map[string]any `json:"calculated_attributes,omitempty"`

	// Errors accumulates failure and compensation messages.
	Errors []string `json:"errors,omitempty"`

	// CorrelationID ties the operation to the caller's request chain.
	CorrelationID string `json:"correlation_id,omitempty"`

	// PolicyID names the approval workflow configuration applied, if any.
	PolicyID string `json:"policy_id,omitempty"`

	// CreatedBy is the requesting principal.
	CreatedBy string `json:"created_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RollbackAction is one recorded compensation for a successful target call.
// Actions are recorded in apply order and executed in reverse order.
type RollbackAction struct {
	// ID uniquely identifies the action.
	ID string `json:"id"`

	// OperationID is the owning operation.
	OperationID string `json:"operation_id"`

	// TargetSystem is the system the compensation applies to.
	TargetSystem string `json:"target_system"`

	// ActionType is the compensating call: delete (undo create), restore
	// (undo update with prior attributes), enable (undo disable), disable
	// (undo enable), recreate (undo delete).
	ActionType string `json:"action_type"`

	// ActionData carries the payload the compensation needs, such as the
	// prior attribute values for a restore.
	ActionData map[string]any `json:"action_data,omitempty"`

	// Executed records whether the compensation ran successfully.
	Executed bool `json:"executed"`

	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Rollback action types.
const (
	RollbackDelete   = "delete"
	RollbackRestore  = "restore"
	RollbackEnable   = "enable"
	RollbackDisable  = "disable"
	RollbackRecreate = "recreate"
)

// ApprovalLevel is one stage of a workflow configuration. Levels are applied
// strictly in ascending Number order.
type ApprovalLevel struct {
	// Number is the 1-based level position.
	Number int `json:"number"`

	// Name labels the level for notifications and audit.
	Name string `json:"name,omitempty"`

	// ApproverType decides how Approvers was or will be resolved.
	ApproverType ApproverType `json:"approver_type"`

	// Approvers is the resolved approver set for this level.
	Approvers []string `json:"approvers"`

	// RequiredApprovals is how many distinct approvals complete the level.
	RequiredApprovals int `json:"required_approvals"`

	// AutoApproveOnTimeout records a system approval instead of expiring
	// when the instance deadline passes at this level.
	AutoApproveOnTimeout bool `json:"auto_approve_on_timeout,omitempty"`
}

// WorkflowInstance is one running or completed approval workflow.
type WorkflowInstance struct {
	// ID uniquely identifies the instance.
	ID string `json:"id"`

	// OperationID is the suspended operation awaiting this workflow.
	OperationID string `json:"operation_id"`

	// Status is the current approval status.
	Status ApprovalStatus `json:"status"`

	// CurrentLevel is the 1-based active level. Monotonically non-decreasing.
	CurrentLevel int `json:"current_level"`

	// TotalLevels is the number of configured levels.
	TotalLevels int `json:"total_levels"`

	// Levels holds the resolved level configuration, frozen at start.
	Levels []ApprovalLevel `json:"levels"`

	// Context carries request details shown to approvers (requester,
	// identity summary, targets).
	Context map[string]any `json:"context,omitempty"`

	// ExpiresAt is the deadline after which the reaper expires the instance.
	ExpiresAt time.Time `json:"expires_at"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CurrentLevelConfig returns the configuration of the active level,
// or nil when the instance has advanced past the last level.
func (w *WorkflowInstance) CurrentLevelConfig() *ApprovalLevel {
	for i := range w.Levels {
		if w.Levels[i].Number == w.CurrentLevel {
			return &w.Levels[i]
		}
	}
	return nil
}

// ApprovalDecision is one approver's recorded decision. Append-only.
type ApprovalDecision struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id"`
	Level      int            `json:"level"`
	ApproverID string         `json:"approver_id"`
	Decision   ApprovalStatus `json:"decision"`
	Comments   string         `json:"comments,omitempty"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// ApprovalToken is a single-use credential embedded in approval emails.
// Only the SHA-256 hash of the token value is ever stored.
type ApprovalToken struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	ApproverID string     `json:"approver_id"`
	Action     string     `json:"action"`
	TokenHash  string     `json:"-"`
	Used       bool       `json:"used"`
	UsedAt     *time.Time `json:"used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Token actions.
const (
	TokenActionApprove = "approve"
	TokenActionReject  = "reject"
)

// Discrepancy is one detected disagreement between the hub and a target.
type Discrepancy struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	AccountID    string          `json:"account_id"`
	TargetSystem string          `json:"target_system"`
	Type         DiscrepancyType `json:"type"`

	// Attribute is set for attribute_mismatch discrepancies.
	Attribute string `json:"attribute,omitempty"`

	// HubValue and TargetValue are the conflicting sides. For missing_in_*
	// discrepancies the present side carries the full attribute snapshot.
	HubValue    any `json:"hub_value,omitempty"`
	TargetValue any `json:"target_value,omitempty"`

	// Recommendation is the engine's suggested resolution action.
	Recommendation ResolutionAction `json:"recommendation,omitempty"`

	Resolved   bool             `json:"resolved"`
	Resolution ResolutionAction `json:"resolution,omitempty"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy string           `json:"resolved_by,omitempty"`
	DetectedAt time.Time        `json:"detected_at"`
}

// ItemError records a per-account failure inside a reconciliation job.
type ItemError struct {
	AccountID    string `json:"account_id,omitempty"`
	TargetSystem string `json:"target_system"`
	Message      string `json:"message"`
}

// ReconciliationJob tracks one hub/target comparison run.
type ReconciliationJob struct {
	ID            string    `json:"id"`
	Status        JobStatus `json:"status"`
	TargetSystems []string  `json:"target_systems"`

	// Progress counters, updated live while the job runs.
	TotalAccounts      int `json:"total_accounts"`
	ProcessedAccounts  int `json:"processed_accounts"`
	DiscrepanciesFound int `json:"discrepancies_found"`

	// Errors holds per-account failures that did not abort the job.
	Errors []ItemError `json:"errors,omitempty"`

	StartedBy   string     `json:"started_by,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AuditEvent is one append-only audit record. Audit writes never fail the
// calling operation.
type AuditEvent struct {
	ID        string         `json:"id,omitempty"`
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Target    string         `json:"target,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// ProvisioningRequest is the gateway's inbound request surface.
type ProvisioningRequest struct {
	// AccountID is the hub identity to provision.
	AccountID string `json:"account_id" validate:"required"`

	// OperationType is the account change to perform.
	OperationType OperationType `json:"operation_type" validate:"required"`

	// TargetSystems is the ordered target list.
	TargetSystems []string `json:"target_systems" validate:"required,min=1,dive,required"`

	// Attributes is the source attribute set for rule evaluation.
	Attributes map[string]any `json:"attributes"`

	// PolicyID optionally restricts calculation to one policy's rules.
	PolicyID string `json:"policy_id,omitempty"`

	// RequireApproval suspends the operation on an approval workflow before
	// any target is touched.
	RequireApproval bool `json:"require_approval,omitempty"`

	// Requester is the principal asking for the change.
	Requester string `json:"requester,omitempty"`

	// CorrelationID ties the request to the caller's trace.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// TargetResult is the per-target outcome inside a ProvisioningResponse.
type TargetResult struct {
	TargetSystem string         `json:"target_system"`
	Success      bool           `json:"success"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// ProvisioningResponse is the gateway's outbound result surface.
type ProvisioningResponse struct {
	OperationID string          `json:"operation_id"`
	Status      OperationStatus `json:"status"`

	// WorkflowInstanceID is set when the operation is awaiting approval.
	WorkflowInstanceID string `json:"workflow_instance_id,omitempty"`

	// CalculatedAttributes echoes the frozen per-target attributes.
	CalculatedAttributes map[string]map[string]any `json:"calculated_attributes,omitempty"`

	// Results holds per-target outcomes for executed operations.
	Results []TargetResult `json:"results,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// ApprovalRequestNotice asks the notifier to deliver an approval request to
// one approver. URLs and tokens are minted by the workflow engine.
type ApprovalRequestNotice struct {
	InstanceID  string         `json:"instance_id"`
	OperationID string         `json:"operation_id"`
	Approver    string         `json:"approver"`
	Level       int            `json:"level"`
	LevelName   string         `json:"level_name,omitempty"`
	Requester   string         `json:"requester,omitempty"`
	Summary     map[string]any `json:"summary,omitempty"`
	ApproveURL  string         `json:"approve_url"`
	RejectURL   string         `json:"reject_url"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// ApprovalRequestResult reports the delivery outcome and echoes the token
// ids bound to the notice.
type ApprovalRequestResult struct {
	Delivered      bool   `json:"delivered"`
	ApproveTokenID string `json:"approve_token_id,omitempty"`
	RejectTokenID  string `json:"reject_token_id,omitempty"`
}

// DecisionNotice tells the requester how their workflow concluded.
type DecisionNotice struct {
	InstanceID  string         `json:"instance_id"`
	OperationID string         `json:"operation_id"`
	Recipient   string         `json:"recipient"`
	Decision    ApprovalStatus `json:"decision"`
	DecidedBy   string         `json:"decided_by,omitempty"`
	Comments    string         `json:"comments,omitempty"`
}
