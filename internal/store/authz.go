package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"agora/api/internal/rbac"
)

// IsOwner reports whether actorID is the editor of the trace entityID.
// Satisfies rbac.Authorizer.
func (s *PostgresStore) IsOwner(ctx context.Context, entityID, actorID string) (bool, error) {
	var editorID string
	err := s.db.QueryRowContext(ctx, `SELECT editor_id FROM traces WHERE id=$1`, entityID).Scan(&editorID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check owner: %w", err)
	}
	return editorID == actorID, nil
}

// HasRole reports whether actorID holds the given role.
func (s *PostgresStore) HasRole(ctx context.Context, actorID string, role rbac.Role) (bool, error) {
	stored, err := s.getRole(ctx, actorID)
	if err != nil {
		return false, err
	}
	return rbac.Normalize(stored) == role, nil
}
