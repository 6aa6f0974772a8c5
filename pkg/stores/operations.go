package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/identigate/identigate/pkg/core"
)

// CreateOperation inserts a new provisioning operation.
func (s *SQLiteStore) CreateOperation(ctx context.Context, op *core.Operation) error {
	targets, err := marshalJSON(op.TargetSystems, "[]")
	if err != nil {
		return err
	}
	input, err := marshalJSON(op.InputAttributes, "{}")
	if err != nil {
		return err
	}
	calculated, err := marshalJSON(op.CalculatedAttributes, "{}")
	if err != nil {
		return err
	}
	opErrors, err := marshalJSON(op.Errors, "[]")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO provisioning_operations (
			id, type, account_id, status, target_systems, input_attributes,
			calculated_attributes, errors, correlation_id, policy_id,
			created_by, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		op.ID,
		string(op.Type),
		op.AccountID,
		string(op.Status),
		targets,
		input,
		calculated,
		opErrors,
		nullString(op.CorrelationID),
		nullString(op.PolicyID),
		nullString(op.CreatedBy),
		op.CreatedAt,
		op.UpdatedAt,
		nullTime(op.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create operation: %w", err)
	}
	return nil
}

// GetOperation retrieves an operation by id.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*core.Operation, error) {
	query := `
		SELECT id, type, account_id, status, target_systems, input_attributes,
		       calculated_attributes, errors, correlation_id, policy_id,
		       created_by, created_at, updated_at, completed_at
		FROM provisioning_operations
		WHERE id = ?
	`
	return scanOperation(s.db.QueryRowContext(ctx, query, id))
}

// UpdateOperation persists the operation's mutable fields.
func (s *SQLiteStore) UpdateOperation(ctx context.Context, op *core.Operation) error {
	calculated, err := marshalJSON(op.CalculatedAttributes, "{}")
	if err != nil {
		return err
	}
	opErrors, err := marshalJSON(op.Errors, "[]")
	if err != nil {
		return err
	}

	query := `
		UPDATE provisioning_operations
		SET status = ?, calculated_attributes = ?, errors = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(op.Status), calculated, opErrors, op.UpdatedAt, nullTime(op.CompletedAt), op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("operation", op.ID)
	}
	return nil
}

// ClaimOperation transitions a resumable operation to in_progress. The
// conditional UPDATE makes the claim atomic: when two executors race on the
// same operation, only one sees a row affected.
func (s *SQLiteStore) ClaimOperation(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE provisioning_operations
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		string(core.OperationStatusInProgress), at, id,
		string(core.OperationStatusPending), string(core.OperationStatusAwaitingApproval))
	if err != nil {
		return fmt.Errorf("failed to claim operation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// No row moved: distinguish an unknown operation from one already
	// claimed or finished.
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM provisioning_operations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("operation", id)
	}
	if err != nil {
		return fmt.Errorf("failed to claim operation: %w", err)
	}
	return core.NewValidationError("operation is not executable", nil).
		WithCode(core.ErrCodeTerminalState).
		WithResource(id).
		WithDetail("status", status)
}

// ListOperations returns operations filtered by account and status; empty
// filters match everything. Newest first.
func (s *SQLiteStore) ListOperations(ctx context.Context, accountID string, status core.OperationStatus, limit int) ([]*core.Operation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, type, account_id, status, target_systems, input_attributes,
		       calculated_attributes, errors, correlation_id, policy_id,
		       created_by, created_at, updated_at, completed_at
		FROM provisioning_operations
		WHERE (? = '' OR account_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		accountID, accountID, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*core.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*core.Operation, error) {
	var (
		op                               core.Operation
		opType, status                   string
		targets, input, calc, opErrors   string
		correlationID, policyID, creator sql.NullString
		completedAt                      sql.NullTime
	)
	err := row.Scan(
		&op.ID, &opType, &op.AccountID, &status, &targets, &input,
		&calc, &opErrors, &correlationID, &policyID,
		&creator, &op.CreatedAt, &op.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("operation", op.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan operation: %w", err)
	}

	op.Type = core.OperationType(opType)
	op.Status = core.OperationStatus(status)
	op.CorrelationID = correlationID.String
	op.PolicyID = policyID.String
	op.CreatedBy = creator.String
	op.CompletedAt = timePtr(completedAt)

	if err := unmarshalJSON(targets, &op.TargetSystems); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(input, &op.InputAttributes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(calc, &op.CalculatedAttributes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(opErrors, &op.Errors); err != nil {
		return nil, err
	}
	return &op, nil
}

// CreateRollbackAction appends one compensation to the operation's log.
func (s *SQLiteStore) CreateRollbackAction(ctx context.Context, action *core.RollbackAction) error {
	data, err := marshalJSON(action.ActionData, "{}")
	if err != nil {
		return err
	}
	query := `
		INSERT INTO rollback_actions (
			id, operation_id, target_system, action_type, action_data,
			executed, executed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		action.ID, action.OperationID, action.TargetSystem, action.ActionType,
		data, action.Executed, nullTime(action.ExecutedAt), action.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rollback action: %w", err)
	}
	return nil
}

// MarkRollbackExecuted records that a compensation ran.
func (s *SQLiteStore) MarkRollbackExecuted(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE rollback_actions SET executed = 1, executed_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark rollback executed: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("rollback action", id)
	}
	return nil
}

// ListRollbackActions returns an operation's compensations in apply order.
func (s *SQLiteStore) ListRollbackActions(ctx context.Context, operationID string) ([]*core.RollbackAction, error) {
	query := `
		SELECT id, operation_id, target_system, action_type, action_data,
		       executed, executed_at, created_at
		FROM rollback_actions
		WHERE operation_id = ?
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback actions: %w", err)
	}
	defer rows.Close()

	var actions []*core.RollbackAction
	for rows.Next() {
		var (
			action     core.RollbackAction
			data       string
			executedAt sql.NullTime
		)
		if err := rows.Scan(&action.ID, &action.OperationID, &action.TargetSystem,
			&action.ActionType, &data, &action.Executed, &executedAt, &action.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rollback action: %w", err)
		}
		action.ExecutedAt = timePtr(executedAt)
		if err := unmarshalJSON(data, &action.ActionData); err != nil {
			return nil, err
		}
		actions = append(actions, &action)
	}
	return actions, rows.Err()
}

// SaveTargetState upserts the shadow copy of an account's attributes on one
// target system.
func (s *SQLiteStore) SaveTargetState(ctx context.Context, accountID, targetSystem string, attrs map[string]any) error {
	data, err := marshalJSON(attrs, "{}")
	if err != nil {
		return err
	}
	query := `
		INSERT INTO target_account_states (account_id, target_system, attributes, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, target_system)
		DO UPDATE SET attributes = excluded.attributes, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, accountID, targetSystem, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save target state: %w", err)
	}
	return nil
}

// DeleteTargetState removes the shadow copy.
func (s *SQLiteStore) DeleteTargetState(ctx context.Context, accountID, targetSystem string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM target_account_states WHERE account_id = ? AND target_system = ?`,
		accountID, targetSystem)
	if err != nil {
		return fmt.Errorf("failed to delete target state: %w", err)
	}
	return nil
}

// GetTargetState returns the shadow copy, or NOT_FOUND.
func (s *SQLiteStore) GetTargetState(ctx context.Context, accountID, targetSystem string) (map[string]any, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT attributes FROM target_account_states WHERE account_id = ? AND target_system = ?`,
		accountID, targetSystem).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("target state", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target state: %w", err)
	}
	var attrs map[string]any
	if err := unmarshalJSON(data, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}
