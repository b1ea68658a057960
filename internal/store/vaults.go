package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const vaultColumns = `id, owner_id, name, icon, is_deleted, created_at, updated_at`

func scanVault(row interface{ Scan(...any) error }) (Vault, error) {
	var item Vault
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.Name,
		&item.Icon,
		&item.IsDeleted,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) CreateVault(ctx context.Context, vault Vault) (Vault, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO vaults (owner_id, name, icon)
		VALUES ($1, $2, $3)
		RETURNING `+vaultColumns+`
	`, vault.OwnerID, vault.Name, vault.Icon)
	created, err := scanVault(row)
	if err != nil {
		return Vault{}, fmt.Errorf("insert vault: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetVault(ctx context.Context, vaultID uuid.UUID) (Vault, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+vaultColumns+` FROM vaults WHERE id=$1
	`, vaultID)
	return scanVault(row)
}

// ListAccessibleVaults returns vaults the user owns or holds a grant on.
func (s *PostgresStore) ListAccessibleVaults(ctx context.Context, userID uuid.UUID) ([]Vault, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT v.id, v.owner_id, v.name, v.icon, v.is_deleted, v.created_at, v.updated_at
		FROM vaults v
		LEFT JOIN vault_permissions vp ON vp.vault_id = v.id AND vp.user_id = $1
		WHERE NOT v.is_deleted
		  AND (v.owner_id = $1 OR vp.user_id IS NOT NULL)
		ORDER BY v.name ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list vaults: %w", err)
	}
	defer rows.Close()

	items := make([]Vault, 0)
	for rows.Next() {
		item, err := scanVault(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vault: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vaults: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateVault(ctx context.Context, vaultID uuid.UUID, name, icon *string) (Vault, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE vaults
		SET name=COALESCE($2, name), icon=COALESCE($3, icon), updated_at=NOW()
		WHERE id=$1 AND NOT is_deleted
		RETURNING `+vaultColumns+`
	`, vaultID, name, icon)
	return scanVault(row)
}

// SoftDeleteVault hides the vault and every document inside it.
func (s *PostgresStore) SoftDeleteVault(ctx context.Context, vaultID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete vault tx: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE vaults SET is_deleted=TRUE, updated_at=NOW()
		WHERE id=$1 AND NOT is_deleted
	`, vaultID)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("soft delete vault: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("soft delete vault rows: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return sql.ErrNoRows
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET is_deleted=TRUE, updated_at=NOW()
		WHERE vault_id=$1 AND NOT is_deleted
	`, vaultID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("soft delete vault documents: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete vault tx: %w", err)
	}
	return nil
}

// VaultAccess mirrors DocumentAccess for vault-level checks.
func (s *PostgresStore) VaultAccess(ctx context.Context, vaultID uuid.UUID) (DocumentAccess, error) {
	var access DocumentAccess
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, NULL::uuid, is_deleted FROM vaults WHERE id=$1
	`, vaultID).Scan(&access.OwnerID, &access.VaultID, &access.IsDeleted)
	if err != nil {
		return DocumentAccess{}, err
	}
	return access, nil
}
