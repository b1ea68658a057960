package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const documentColumns = `id, owner_id, vault_id, parent_id, title, icon, is_folder, is_deleted,
	last_snapshot_at, snapshot_storage, snapshot_size_bytes, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var item Document
	err := row.Scan(
		&item.ID,
		&item.OwnerID,
		&item.VaultID,
		&item.ParentID,
		&item.Title,
		&item.Icon,
		&item.IsFolder,
		&item.IsDeleted,
		&item.LastSnapshotAt,
		&item.SnapshotStorage,
		&item.SnapshotSizeBytes,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents (owner_id, vault_id, parent_id, title, icon, is_folder)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+documentColumns+`
	`, doc.OwnerID, doc.VaultID, doc.ParentID, doc.Title, doc.Icon, doc.IsFolder)
	created, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	return created, nil
}

// GetDocument returns the row regardless of is_deleted; callers decide how
// soft-deleted documents surface.
func (s *PostgresStore) GetDocument(ctx context.Context, documentID uuid.UUID) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE id=$1
	`, documentID)
	return scanDocument(row)
}

// ListAccessibleDocuments returns documents the user owns, was granted
// directly, or can reach through a vault grant. Soft-deleted rows are hidden.
func (s *PostgresStore) ListAccessibleDocuments(ctx context.Context, userID uuid.UUID) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+prefixedDocumentColumns("d")+`
		FROM documents d
		LEFT JOIN document_permissions dp ON dp.document_id = d.id AND dp.user_id = $1
		LEFT JOIN vault_permissions vp ON vp.vault_id = d.vault_id AND vp.user_id = $1
		WHERE NOT d.is_deleted
		  AND (d.owner_id = $1 OR dp.user_id IS NOT NULL OR vp.user_id IS NOT NULL)
		ORDER BY d.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListVaultDocuments(ctx context.Context, vaultID uuid.UUID) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE vault_id=$1 AND NOT is_deleted
		ORDER BY is_folder DESC, title ASC
	`, vaultID)
	if err != nil {
		return nil, fmt.Errorf("list vault documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vault document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vault documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, documentID uuid.UUID, title, icon *string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET title=COALESCE($2, title), icon=COALESCE($3, icon), updated_at=NOW()
		WHERE id=$1 AND NOT is_deleted
		RETURNING `+documentColumns+`
	`, documentID, title, icon)
	return scanDocument(row)
}

func (s *PostgresStore) SoftDeleteDocument(ctx context.Context, documentID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET is_deleted=TRUE, updated_at=NOW()
		WHERE id=$1 AND NOT is_deleted
	`, documentID)
	if err != nil {
		return fmt.Errorf("soft delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete document rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) MoveDocument(ctx context.Context, documentID uuid.UUID, vaultID, parentID *uuid.UUID) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET vault_id=$2, parent_id=$3, updated_at=NOW()
		WHERE id=$1 AND NOT is_deleted
		RETURNING `+documentColumns+`
	`, documentID, vaultID, parentID)
	return scanDocument(row)
}

// DocumentAccess loads the fields permission checks depend on.
func (s *PostgresStore) DocumentAccess(ctx context.Context, documentID uuid.UUID) (DocumentAccess, error) {
	var access DocumentAccess
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, vault_id, is_deleted FROM documents WHERE id=$1
	`, documentID).Scan(&access.OwnerID, &access.VaultID, &access.IsDeleted)
	if err != nil {
		return DocumentAccess{}, err
	}
	return access, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func prefixedDocumentColumns(alias string) string {
	return alias + `.id, ` + alias + `.owner_id, ` + alias + `.vault_id, ` + alias + `.parent_id, ` +
		alias + `.title, ` + alias + `.icon, ` + alias + `.is_folder, ` + alias + `.is_deleted, ` +
		alias + `.last_snapshot_at, ` + alias + `.snapshot_storage, ` + alias + `.snapshot_size_bytes, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}
