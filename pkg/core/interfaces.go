package core

import (
	"context"
	"time"
)

// Connector is the single capability surface every target system implements.
// Connectors are registered by name at startup; the orchestrator never does
// per-call dynamic lookup. All calls honor context cancellation and deadlines;
// a deadline overrun is a connector error like any other.
type Connector interface {
	// Name returns the connector's registered target-system name.
	Name() string

	// TestConnection verifies the target system is reachable.
	TestConnection(ctx context.Context) error

	// CreateAccount creates the account with the given attributes and
	// returns the attributes as stored by the target.
	CreateAccount(ctx context.Context, accountID string, attrs map[string]any) (map[string]any, error)

	// UpdateAccount modifies the account's attributes and returns the
	// resulting attribute set.
	UpdateAccount(ctx context.Context, accountID string, attrs map[string]any) (map[string]any, error)

	// DeleteAccount removes the account.
	DeleteAccount(ctx context.Context, accountID string) error

	// GetAccount returns the account's attributes, or a NOT_FOUND
	// classified error when the account does not exist.
	GetAccount(ctx context.Context, accountID string) (map[string]any, error)

	// ListAccounts returns every account the target knows, for
	// reconciliation scans.
	ListAccounts(ctx context.Context) ([]map[string]any, error)

	// EnableAccount reactivates a disabled account. Connectors that do not
	// support it return an UNSUPPORTED_ACTION classified error.
	EnableAccount(ctx context.Context, accountID string) error

	// DisableAccount deactivates the account without removing it.
	DisableAccount(ctx context.Context, accountID string) error

	// AddToGroup adds the account to a group. Optional.
	AddToGroup(ctx context.Context, accountID, group string) error

	// RemoveFromGroup removes the account from a group. Optional.
	RemoveFromGroup(ctx context.Context, accountID, group string) error
}

// ConnectorRegistry resolves named connectors registered at startup.
type ConnectorRegistry interface {
	// Get returns the connector for a target system, or a NOT_FOUND
	// classified error.
	Get(targetSystem string) (Connector, error)

	// List returns the registered target-system names.
	List() []string
}

// Notifier delivers approval requests and decision notices. Implementations
// wrap whatever transport the deployment uses; the engines only depend on
// this boundary.
type Notifier interface {
	SendApprovalRequest(ctx context.Context, notice ApprovalRequestNotice) (ApprovalRequestResult, error)
	SendDecisionNotice(ctx context.Context, notice DecisionNotice) error
}

// Auditor records append-only audit events. Audit failures are logged by the
// implementation and never surface to callers.
type Auditor interface {
	LogEvent(ctx context.Context, event AuditEvent)
}

// DirectoryLookup resolves symbolic approver types to concrete approver ids
// at workflow start.
type DirectoryLookup interface {
	// ResolveApprovers returns the approver set for the given type, using
	// the operation context (requester, account attributes, targets).
	ResolveApprovers(ctx context.Context, approverType ApproverType, opContext map[string]any) ([]string, error)
}

// Resumer continues a suspended operation after its workflow approves.
// Implemented by the provisioning orchestrator.
type Resumer interface {
	ContinueAfterApproval(ctx context.Context, operationID string) error
}

// OperationStore persists operations, their rollback actions, and the
// per-target account state cache.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *Operation) error
	GetOperation(ctx context.Context, id string) (*Operation, error)
	UpdateOperation(ctx context.Context, op *Operation) error
	ListOperations(ctx context.Context, accountID string, status OperationStatus, limit int) ([]*Operation, error)

	// ClaimOperation atomically moves an operation from a resumable status
	// (pending or awaiting_approval) to in_progress. Exactly one concurrent
	// caller wins; every other caller gets a TERMINAL_STATE error.
	ClaimOperation(ctx context.Context, id string, at time.Time) error

	CreateRollbackAction(ctx context.Context, action *RollbackAction) error
	MarkRollbackExecuted(ctx context.Context, id string, at time.Time) error
	ListRollbackActions(ctx context.Context, operationID string) ([]*RollbackAction, error)

	// SaveTargetState upserts the shadow copy of an account's attributes on
	// one target system; DeleteTargetState removes it.
	SaveTargetState(ctx context.Context, accountID, targetSystem string, attrs map[string]any) error
	DeleteTargetState(ctx context.Context, accountID, targetSystem string) error
	GetTargetState(ctx context.Context, accountID, targetSystem string) (map[string]any, error)
}

// WorkflowStore persists workflow instances and their decisions.
type WorkflowStore interface {
	CreateInstance(ctx context.Context, instance *WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)
	UpdateInstance(ctx context.Context, instance *WorkflowInstance) error

	// ListExpired returns pending instances whose deadline passed before the
	// cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]*WorkflowInstance, error)

	CreateDecision(ctx context.Context, decision *ApprovalDecision) error
	ListDecisions(ctx context.Context, instanceID string) ([]*ApprovalDecision, error)
}

// TokenStore persists approval tokens and consumes them atomically.
type TokenStore interface {
	CreateToken(ctx context.Context, token *ApprovalToken) error

	// ConsumeToken marks the token with the given hash as used and returns
	// it, in one atomic step. A second call with the same hash fails with a
	// TOKEN_USED classified error; an unknown hash fails with TOKEN_INVALID.
	ConsumeToken(ctx context.Context, tokenHash string, at time.Time) (*ApprovalToken, error)

	// InvalidateInstanceTokens voids every unused token of an instance.
	InvalidateInstanceTokens(ctx context.Context, instanceID string, at time.Time) error
}

// IdentityStore persists the hub's identity records.
type IdentityStore interface {
	UpsertIdentity(ctx context.Context, identity *Identity) error
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	ListIdentities(ctx context.Context) ([]*Identity, error)
	DeleteIdentity(ctx context.Context, id string) error
}

// ReconciliationStore persists jobs and discrepancies.
type ReconciliationStore interface {
	CreateJob(ctx context.Context, job *ReconciliationJob) error
	GetJob(ctx context.Context, id string) (*ReconciliationJob, error)
	UpdateJob(ctx context.Context, job *ReconciliationJob) error

	CreateDiscrepancy(ctx context.Context, d *Discrepancy) error
	GetDiscrepancy(ctx context.Context, id string) (*Discrepancy, error)
	UpdateDiscrepancy(ctx context.Context, d *Discrepancy) error
	ListDiscrepancies(ctx context.Context, jobID string, onlyUnresolved bool) ([]*Discrepancy, error)
}

// AuditStore persists audit events.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, accountID string, limit int) ([]*AuditEvent, error)
}
