package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAlreadyShared is returned when a share grant already exists for the
// (object, user) pair.
var ErrAlreadyShared = errors.New("already shared")

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// DocumentGrant returns the direct permission for the user on the document,
// or "" when none exists.
func (s *PostgresStore) DocumentGrant(ctx context.Context, documentID, userID uuid.UUID) (string, error) {
	var permission string
	err := s.db.QueryRowContext(ctx, `
		SELECT permission FROM document_permissions WHERE document_id=$1 AND user_id=$2
	`, documentID, userID).Scan(&permission)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup document grant: %w", err)
	}
	return permission, nil
}

// VaultGrant returns the vault permission for the user, or "" when none exists.
func (s *PostgresStore) VaultGrant(ctx context.Context, vaultID, userID uuid.UUID) (string, error) {
	var permission string
	err := s.db.QueryRowContext(ctx, `
		SELECT permission FROM vault_permissions WHERE vault_id=$1 AND user_id=$2
	`, vaultID, userID).Scan(&permission)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup vault grant: %w", err)
	}
	return permission, nil
}

func (s *PostgresStore) InsertDocumentPermission(ctx context.Context, documentID, userID uuid.UUID, permission string, grantedBy uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_permissions (document_id, user_id, permission, granted_by)
		VALUES ($1, $2, $3, $4)
	`, documentID, userID, permission, grantedBy)
	if isUniqueViolation(err) {
		return ErrAlreadyShared
	}
	if err != nil {
		return fmt.Errorf("insert document permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocumentPermission(ctx context.Context, documentID, userID uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_permissions WHERE document_id=$1 AND user_id=$2
	`, documentID, userID)
	if err != nil {
		return false, fmt.Errorf("delete document permission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete document permission rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertVaultPermission(ctx context.Context, vaultID, userID uuid.UUID, permission string, grantedBy uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_permissions (vault_id, user_id, permission, granted_by)
		VALUES ($1, $2, $3, $4)
	`, vaultID, userID, permission, grantedBy)
	if isUniqueViolation(err) {
		return ErrAlreadyShared
	}
	if err != nil {
		return fmt.Errorf("insert vault permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteVaultPermission(ctx context.Context, vaultID, userID uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM vault_permissions WHERE vault_id=$1 AND user_id=$2
	`, vaultID, userID)
	if err != nil {
		return false, fmt.Errorf("delete vault permission: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete vault permission rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListDocumentCollaborators(ctx context.Context, documentID uuid.UUID) ([]Collaborator, error) {
	return s.listCollaborators(ctx, `
		SELECT user_id, permission, granted_by, created_at
		FROM document_permissions
		WHERE document_id=$1
		ORDER BY created_at ASC
	`, documentID)
}

func (s *PostgresStore) ListVaultCollaborators(ctx context.Context, vaultID uuid.UUID) ([]Collaborator, error) {
	return s.listCollaborators(ctx, `
		SELECT user_id, permission, granted_by, created_at
		FROM vault_permissions
		WHERE vault_id=$1
		ORDER BY created_at ASC
	`, vaultID)
}

func (s *PostgresStore) listCollaborators(ctx context.Context, query string, objectID uuid.UUID) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, query, objectID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		if err := rows.Scan(&item.UserID, &item.Permission, &item.GrantedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collaborators: %w", err)
	}
	return items, nil
}
