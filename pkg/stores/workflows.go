package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/identigate/identigate/pkg/core"
)

// CreateInstance inserts a workflow instance.
func (s *SQLiteStore) CreateInstance(ctx context.Context, w *core.WorkflowInstance) error {
	levels, err := marshalJSON(w.Levels, "[]")
	if err != nil {
		return err
	}
	wfContext, err := marshalJSON(w.Context, "{}")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_instances (
			id, operation_id, status, current_level, total_levels, levels,
			context, expires_at, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		w.ID, w.OperationID, string(w.Status), w.CurrentLevel, w.TotalLevels,
		levels, wfContext, w.ExpiresAt, w.CreatedAt, w.UpdatedAt, nullTime(w.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create workflow instance: %w", err)
	}
	return nil
}

// GetInstance retrieves a workflow instance by id.
func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*core.WorkflowInstance, error) {
	query := `
		SELECT id, operation_id, status, current_level, total_levels, levels,
		       context, expires_at, created_at, updated_at, completed_at
		FROM workflow_instances
		WHERE id = ?
	`
	w, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if err != nil && core.IsNotFound(err) {
		return nil, notFound("workflow instance", id)
	}
	return w, err
}

// UpdateInstance persists the instance's mutable fields.
func (s *SQLiteStore) UpdateInstance(ctx context.Context, w *core.WorkflowInstance) error {
	levels, err := marshalJSON(w.Levels, "[]")
	if err != nil {
		return err
	}
	query := `
		UPDATE workflow_instances
		SET status = ?, current_level = ?, levels = ?, expires_at = ?,
		    updated_at = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(w.Status), w.CurrentLevel, levels, w.ExpiresAt,
		w.UpdatedAt, nullTime(w.CompletedAt), w.ID)
	if err != nil {
		return fmt.Errorf("failed to update workflow instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("workflow instance", w.ID)
	}
	return nil
}

// ListExpired returns pending instances whose deadline passed before the
// cutoff.
func (s *SQLiteStore) ListExpired(ctx context.Context, cutoff time.Time) ([]*core.WorkflowInstance, error) {
	query := `
		SELECT id, operation_id, status, current_level, total_levels, levels,
		       context, expires_at, created_at, updated_at, completed_at
		FROM workflow_instances
		WHERE status = ? AND expires_at < ?
		ORDER BY expires_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(core.ApprovalStatusPending), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired instances: %w", err)
	}
	defer rows.Close()

	var out []*core.WorkflowInstance
	for rows.Next() {
		w, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*core.WorkflowInstance, error) {
	var (
		w                 core.WorkflowInstance
		status            string
		levels, wfContext string
		completedAt       sql.NullTime
	)
	err := row.Scan(&w.ID, &w.OperationID, &status, &w.CurrentLevel, &w.TotalLevels,
		&levels, &wfContext, &w.ExpiresAt, &w.CreatedAt, &w.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow instance", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
	}
	w.Status = core.ApprovalStatus(status)
	w.CompletedAt = timePtr(completedAt)
	if err := unmarshalJSON(levels, &w.Levels); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(wfContext, &w.Context); err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateDecision appends one approver decision. The unique index on
// (instance_id, level, approver_id) rejects a duplicate decision even when
// two submissions race.
func (s *SQLiteStore) CreateDecision(ctx context.Context, d *core.ApprovalDecision) error {
	query := `
		INSERT INTO approval_decisions (id, instance_id, level, approver_id, decision, comments, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.InstanceID, d.Level, d.ApproverID, string(d.Decision),
		nullString(d.Comments), d.DecidedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return core.NewApprovalError("approver already decided at this level", nil).
				WithCode(core.ErrCodeAlreadyExists).
				WithResource(d.InstanceID).
				WithDetail("approver_id", d.ApproverID)
		}
		return fmt.Errorf("failed to create decision: %w", err)
	}
	return nil
}

// ListDecisions returns an instance's decisions in the order they were made.
func (s *SQLiteStore) ListDecisions(ctx context.Context, instanceID string) ([]*core.ApprovalDecision, error) {
	query := `
		SELECT id, instance_id, level, approver_id, decision, comments, decided_at
		FROM approval_decisions
		WHERE instance_id = ?
		ORDER BY decided_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer rows.Close()

	var out []*core.ApprovalDecision
	for rows.Next() {
		var (
			d        core.ApprovalDecision
			decision string
			comments sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.InstanceID, &d.Level, &d.ApproverID,
			&decision, &comments, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		d.Decision = core.ApprovalStatus(decision)
		d.Comments = comments.String
		out = append(out, &d)
	}
	return out, rows.Err()
}

// CreateToken inserts an approval token. Only the hash is stored.
func (s *SQLiteStore) CreateToken(ctx context.Context, t *core.ApprovalToken) error {
	query := `
		INSERT INTO approval_tokens (id, instance_id, approver_id, action, token_hash, used, used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.InstanceID, t.ApproverID, t.Action, t.TokenHash,
		t.Used, nullTime(t.UsedAt), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// ConsumeToken flips the token's used flag in one conditional update, so
// exactly one of any number of concurrent presentations wins.
func (s *SQLiteStore) ConsumeToken(ctx context.Context, tokenHash string, at time.Time) (*core.ApprovalToken, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE approval_tokens SET used = 1, used_at = ? WHERE token_hash = ? AND used = 0`,
		at, tokenHash)
	if err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a replay from an unknown token.
		var used bool
		err := s.db.QueryRowContext(ctx,
			`SELECT used FROM approval_tokens WHERE token_hash = ?`, tokenHash).Scan(&used)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NewApprovalError("unknown token", nil).WithCode(core.ErrCodeTokenInvalid)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to inspect token: %w", err)
		}
		return nil, core.NewApprovalError("token already used", nil).WithCode(core.ErrCodeTokenUsed)
	}

	var (
		t      core.ApprovalToken
		usedAt sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT id, instance_id, approver_id, action, token_hash, used, used_at, created_at
		FROM approval_tokens
		WHERE token_hash = ?`, tokenHash).
		Scan(&t.ID, &t.InstanceID, &t.ApproverID, &t.Action, &t.TokenHash,
			&t.Used, &usedAt, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load consumed token: %w", err)
	}
	t.UsedAt = timePtr(usedAt)
	return &t, nil
}

// InvalidateInstanceTokens voids every unused token of an instance.
func (s *SQLiteStore) InvalidateInstanceTokens(ctx context.Context, instanceID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approval_tokens SET used = 1, used_at = ? WHERE instance_id = ? AND used = 0`,
		at, instanceID)
	if err != nil {
		return fmt.Errorf("failed to invalidate instance tokens: %w", err)
	}
	return nil
}
