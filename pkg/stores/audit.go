package stores

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/identigate/identigate/pkg/core"
)

// AppendAuditEvent writes one audit record. The table is append-only; there
// is no update or delete path.
func (s *SQLiteStore) AppendAuditEvent(ctx context.Context, event *core.AuditEvent) error {
	details, err := marshalJSON(event.Details, "{}")
	if err != nil {
		return err
	}
	query := `
		INSERT INTO audit_log (id, event_type, actor, account_id, resource, target, outcome, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.ID, event.EventType, nullString(event.Actor), nullString(event.AccountID),
		nullString(event.Resource), nullString(event.Target), nullString(event.Outcome),
		details, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the newest events, optionally filtered by account.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, accountID string, limit int) ([]*core.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, event_type, actor, account_id, resource, target, outcome, details, created_at
		FROM audit_log
		WHERE (? = '' OR account_id = ?)
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, accountID, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []*core.AuditEvent
	for rows.Next() {
		var (
			event                                     core.AuditEvent
			actor, account, resource, target, outcome sql.NullString
			details                                   string
		)
		if err := rows.Scan(&event.ID, &event.EventType, &actor, &account,
			&resource, &target, &outcome, &details, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Actor = actor.String
		event.AccountID = account.String
		event.Resource = resource.String
		event.Target = target.String
		event.Outcome = outcome.String
		if err := unmarshalJSON(details, &event.Details); err != nil {
			return nil, err
		}
		out = append(out, &event)
	}
	return out, rows.Err()
}
