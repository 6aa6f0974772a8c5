// Package core provides the shared types and interfaces for the identigate
// provisioning gateway: identities, rules, operations, approval workflows,
// reconciliation records, and the collaborator contracts the engines depend on.
package core

import (
	"errors"
	"fmt"
)

// ErrorClass identifies which engine boundary an error belongs to, which in
// turn decides its blast radius: rule errors stay local to one attribute,
// connector errors abort the operation and trigger rollback, reconciliation
// errors stay local to one account.
type ErrorClass string

const (
	// ErrorClassRule indicates a rule evaluation failure. It never aborts
	// attribute calculation; the failing rule is skipped and recorded.
	ErrorClassRule ErrorClass = "rule"

	// ErrorClassConnector indicates a target-system call failure, including
	// timeouts. It aborts the current operation and triggers rollback.
	ErrorClassConnector ErrorClass = "connector"

	// ErrorClassApproval indicates a workflow state violation.
	// Examples: deciding on a terminal workflow, reusing a consumed token.
	ErrorClassApproval ErrorClass = "approval"

	// ErrorClassReconciliation indicates a per-account reconciliation
	// failure. The job records it and moves on to the next account.
	ErrorClassReconciliation ErrorClass = "reconciliation"

	// ErrorClassCompensation indicates a rollback action failure. It is
	// recorded on the operation but never interrupts the remaining
	// compensations.
	ErrorClassCompensation ErrorClass = "compensation"

	// ErrorClassValidation indicates malformed input or configuration.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassStorage indicates a persistence failure.
	ErrorClassStorage ErrorClass = "storage"
)

// GatewayError represents a classified error with context.
type GatewayError struct {
	// Class is the error classification that decides the blast radius.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the entity id that caused the error, if applicable
	// (operation, workflow instance, account, rule).
	Resource string `json:"resource,omitempty"`

	// TargetSystem is the connector target involved, if applicable.
	TargetSystem string `json:"target_system,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Resource != "" && e.TargetSystem != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, target=%s): %s",
			e.Class, e.Message, e.Resource, e.TargetSystem, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewRuleError creates a new rule evaluation error.
func NewRuleError(message string, err error) *GatewayError {
	return &GatewayError{Class: ErrorClassRule, Message: message, Err: err}
}

// NewConnectorError creates a new connector error.
func NewConnectorError(message string, err error) *GatewayError {
	return &GatewayError{Class: ErrorClassConnector, Message: message, Err: err}
}

// NewApprovalError creates a new approval workflow error.
func NewApprovalError(message string, err error) *GatewayError {
	return &GatewayError{Class: ErrorClassApproval, Message: message, Err: err}
}

// NewReconciliationError creates a new reconciliation error.
func NewReconciliationError(message string, err error) *GatewayError {
	return &GatewayError{Class: ErrorClassReconciliation, Message: message, Err: err}
}

// NewCompensationError creates a new compensation (rollback) error.
func NewCompensationError(message string, err error) *GatewayError {
	return &GatewayError{Class: ErrorClassCompensation, Message: message, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *GatewayError {
	return &GatewayError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewStorageError creates a new storage error.
func NewStorageError(message string, err error) *GatewayError {
	return &GatewayError{Class: ErrorClassStorage, Message: message, Err: err}
}

// WithResource adds entity context to an error.
func (e *GatewayError) WithResource(resourceID string) *GatewayError {
	e.Resource = resourceID
	return e
}

// WithTarget adds target-system context to an error.
func (e *GatewayError) WithTarget(target string) *GatewayError {
	e.TargetSystem = target
	return e
}

// WithCode adds an error code to an error.
func (e *GatewayError) WithCode(code string) *GatewayError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *GatewayError) WithDetail(key string, value any) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsRuleError returns true if the error is classified as a rule failure.
func IsRuleError(err error) bool {
	return hasClass(err, ErrorClassRule)
}

// IsConnectorError returns true if the error is classified as a connector failure.
func IsConnectorError(err error) bool {
	return hasClass(err, ErrorClassConnector)
}

// IsApprovalError returns true if the error is classified as an approval failure.
func IsApprovalError(err error) bool {
	return hasClass(err, ErrorClassApproval)
}

// IsNotFound returns true if the error carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	var e *GatewayError
	if errors.As(err, &e) {
		return e.Code == ErrCodeNotFound
	}
	return false
}

// IsTerminalState returns true if the error carries the TERMINAL_STATE code,
// meaning the entity already reached a terminal status and cannot transition.
func IsTerminalState(err error) bool {
	var e *GatewayError
	if errors.As(err, &e) {
		return e.Code == ErrCodeTerminalState
	}
	return false
}

func hasClass(err error, class ErrorClass) bool {
	var e *GatewayError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeAlreadyExists   = "ALREADY_EXISTS"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeTerminalState   = "TERMINAL_STATE"
	ErrCodeTokenUsed       = "TOKEN_USED"
	ErrCodeTokenInvalid    = "TOKEN_INVALID"
	ErrCodeNotApprover     = "NOT_AN_APPROVER"
	ErrCodeConnectorFailed = "CONNECTOR_FAILED"
	ErrCodeUnsupported     = "UNSUPPORTED_ACTION"
	ErrCodeJobActive       = "JOB_ALREADY_ACTIVE"
	ErrCodeInternal        = "INTERNAL_ERROR"
)
