package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/identigate/identigate/pkg/core"
)

// CreateJob inserts a reconciliation job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *core.ReconciliationJob) error {
	targets, err := marshalJSON(job.TargetSystems, "[]")
	if err != nil {
		return err
	}
	jobErrors, err := marshalJSON(job.Errors, "[]")
	if err != nil {
		return err
	}
	query := `
		INSERT INTO reconciliation_jobs (
			id, status, target_systems, total_accounts, processed_accounts,
			discrepancies_found, errors, started_by, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID, string(job.Status), targets, job.TotalAccounts, job.ProcessedAccounts,
		job.DiscrepanciesFound, jobErrors, nullString(job.StartedBy),
		job.StartedAt, nullTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*core.ReconciliationJob, error) {
	var (
		job              core.ReconciliationJob
		status           string
		targets, jobErrs string
		startedBy        sql.NullString
		completedAt      sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, target_systems, total_accounts, processed_accounts,
		       discrepancies_found, errors, started_by, started_at, completed_at
		FROM reconciliation_jobs
		WHERE id = ?`, id).
		Scan(&job.ID, &status, &targets, &job.TotalAccounts, &job.ProcessedAccounts,
			&job.DiscrepanciesFound, &jobErrs, &startedBy, &job.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("reconciliation job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job.Status = core.JobStatus(status)
	job.StartedBy = startedBy.String
	job.CompletedAt = timePtr(completedAt)
	if err := unmarshalJSON(targets, &job.TargetSystems); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(jobErrs, &job.Errors); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob persists the job's progress and status.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *core.ReconciliationJob) error {
	jobErrors, err := marshalJSON(job.Errors, "[]")
	if err != nil {
		return err
	}
	query := `
		UPDATE reconciliation_jobs
		SET status = ?, total_accounts = ?, processed_accounts = ?,
		    discrepancies_found = ?, errors = ?, completed_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		string(job.Status), job.TotalAccounts, job.ProcessedAccounts,
		job.DiscrepanciesFound, jobErrors, nullTime(job.CompletedAt), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("reconciliation job", job.ID)
	}
	return nil
}

// CreateDiscrepancy inserts a detected discrepancy.
func (s *SQLiteStore) CreateDiscrepancy(ctx context.Context, d *core.Discrepancy) error {
	hubValue, err := marshalJSON(d.HubValue, "null")
	if err != nil {
		return err
	}
	targetValue, err := marshalJSON(d.TargetValue, "null")
	if err != nil {
		return err
	}
	query := `
		INSERT INTO discrepancies (
			id, job_id, account_id, target_system, type, attribute,
			hub_value, target_value, recommendation, resolved, resolution,
			resolved_at, resolved_by, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.JobID, d.AccountID, d.TargetSystem, string(d.Type),
		nullString(d.Attribute), hubValue, targetValue,
		nullString(string(d.Recommendation)), d.Resolved,
		nullString(string(d.Resolution)), nullTime(d.ResolvedAt),
		nullString(d.ResolvedBy), d.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to create discrepancy: %w", err)
	}
	return nil
}

// GetDiscrepancy retrieves a discrepancy by id.
func (s *SQLiteStore) GetDiscrepancy(ctx context.Context, id string) (*core.Discrepancy, error) {
	d, err := scanDiscrepancy(s.db.QueryRowContext(ctx, `
		SELECT id, job_id, account_id, target_system, type, attribute,
		       hub_value, target_value, recommendation, resolved, resolution,
		       resolved_at, resolved_by, detected_at
		FROM discrepancies
		WHERE id = ?`, id))
	if err != nil && core.IsNotFound(err) {
		return nil, notFound("discrepancy", id)
	}
	return d, err
}

// UpdateDiscrepancy persists the discrepancy's resolution fields.
func (s *SQLiteStore) UpdateDiscrepancy(ctx context.Context, d *core.Discrepancy) error {
	query := `
		UPDATE discrepancies
		SET resolved = ?, resolution = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		d.Resolved, nullString(string(d.Resolution)), nullTime(d.ResolvedAt),
		nullString(d.ResolvedBy), d.ID)
	if err != nil {
		return fmt.Errorf("failed to update discrepancy: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("discrepancy", d.ID)
	}
	return nil
}

// ListDiscrepancies returns a job's discrepancies, optionally only the
// unresolved ones.
func (s *SQLiteStore) ListDiscrepancies(ctx context.Context, jobID string, onlyUnresolved bool) ([]*core.Discrepancy, error) {
	query := `
		SELECT id, job_id, account_id, target_system, type, attribute,
		       hub_value, target_value, recommendation, resolved, resolution,
		       resolved_at, resolved_by, detected_at
		FROM discrepancies
		WHERE job_id = ? AND (? = 0 OR resolved = 0)
		ORDER BY detected_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, jobID, onlyUnresolved)
	if err != nil {
		return nil, fmt.Errorf("failed to list discrepancies: %w", err)
	}
	defer rows.Close()

	var out []*core.Discrepancy
	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDiscrepancy(row rowScanner) (*core.Discrepancy, error) {
	var (
		d                         core.Discrepancy
		dType                     string
		attribute, recommendation sql.NullString
		hubValue, targetValue     string
		resolution, resolvedBy    sql.NullString
		resolvedAt                sql.NullTime
	)
	err := row.Scan(&d.ID, &d.JobID, &d.AccountID, &d.TargetSystem, &dType,
		&attribute, &hubValue, &targetValue, &recommendation, &d.Resolved,
		&resolution, &resolvedAt, &resolvedBy, &d.DetectedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("discrepancy", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan discrepancy: %w", err)
	}
	d.Type = core.DiscrepancyType(dType)
	d.Attribute = attribute.String
	d.Recommendation = core.ResolutionAction(recommendation.String)
	d.Resolution = core.ResolutionAction(resolution.String)
	d.ResolvedBy = resolvedBy.String
	d.ResolvedAt = timePtr(resolvedAt)
	if err := json.Unmarshal([]byte(hubValue), &d.HubValue); err != nil {
		return nil, fmt.Errorf("failed to decode hub value: %w", err)
	}
	if err := json.Unmarshal([]byte(targetValue), &d.TargetValue); err != nil {
		return nil, fmt.Errorf("failed to decode target value: %w", err)
	}
	return &d, nil
}
