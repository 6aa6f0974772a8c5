package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/identigate/identigate/pkg/core"
)

// UpsertIdentity inserts or replaces a hub identity.
func (s *SQLiteStore) UpsertIdentity(ctx context.Context, identity *core.Identity) error {
	attrs, err := marshalJSON(identity.Attributes, "{}")
	if err != nil {
		return err
	}
	query := `
		INSERT INTO identities (id, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id)
		DO UPDATE SET attributes = excluded.attributes, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query,
		identity.ID, attrs, identity.CreatedAt, identity.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert identity: %w", err)
	}
	return nil
}

// GetIdentity retrieves an identity by id.
func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (*core.Identity, error) {
	var (
		identity core.Identity
		attrs    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, attributes, created_at, updated_at FROM identities WHERE id = ?`, id).
		Scan(&identity.ID, &attrs, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("identity", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	if err := unmarshalJSON(attrs, &identity.Attributes); err != nil {
		return nil, err
	}
	return &identity, nil
}

// ListIdentities returns every hub identity.
func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]*core.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, attributes, created_at, updated_at FROM identities ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var out []*core.Identity
	for rows.Next() {
		var (
			identity core.Identity
			attrs    string
		)
		if err := rows.Scan(&identity.ID, &attrs, &identity.CreatedAt, &identity.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		if err := unmarshalJSON(attrs, &identity.Attributes); err != nil {
			return nil, err
		}
		out = append(out, &identity)
	}
	return out, rows.Err()
}

// DeleteIdentity removes a hub identity.
func (s *SQLiteStore) DeleteIdentity(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound("identity", id)
	}
	return nil
}
