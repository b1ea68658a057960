package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InlineSnapshot returns the snapshot bytes stored in Postgres.
func (s *PostgresStore) InlineSnapshot(ctx context.Context, documentID uuid.UUID) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM crdt_snapshots WHERE document_id=$1
	`, documentID).Scan(&data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// SaveInlineSnapshot upserts the inline row and snapshot metadata in one
// transaction, stamping last_snapshot_at with the caller's takenAt. The
// stored stamp and the previous storage form are returned so callers can
// retire a blob left behind by a form transition.
func (s *PostgresStore) SaveInlineSnapshot(ctx context.Context, documentID uuid.UUID, data []byte, takenAt time.Time) (time.Time, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("begin snapshot tx: %w", err)
	}

	prev, err := lockSnapshotStorage(ctx, tx, documentID)
	if err != nil {
		_ = tx.Rollback()
		return time.Time{}, "", err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO crdt_snapshots (document_id, snapshot)
		VALUES ($1, $2)
		ON CONFLICT (document_id) DO UPDATE SET snapshot=EXCLUDED.snapshot, updated_at=NOW()
	`, documentID, data); err != nil {
		_ = tx.Rollback()
		return time.Time{}, "", fmt.Errorf("upsert inline snapshot: %w", err)
	}

	snapshotAt, err := updateSnapshotMeta(ctx, tx, documentID, StorageInline, int64(len(data)), takenAt)
	if err != nil {
		_ = tx.Rollback()
		return time.Time{}, "", err
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, "", fmt.Errorf("commit snapshot tx: %w", err)
	}
	return snapshotAt, prev, nil
}

// SaveBlobSnapshot records blob-form metadata after the object has been
// written, deleting any inline row and stamping last_snapshot_at with the
// caller's takenAt in the same transaction.
func (s *PostgresStore) SaveBlobSnapshot(ctx context.Context, documentID uuid.UUID, size int64, takenAt time.Time) (time.Time, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("begin snapshot tx: %w", err)
	}

	prev, err := lockSnapshotStorage(ctx, tx, documentID)
	if err != nil {
		_ = tx.Rollback()
		return time.Time{}, "", err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM crdt_snapshots WHERE document_id=$1
	`, documentID); err != nil {
		_ = tx.Rollback()
		return time.Time{}, "", fmt.Errorf("delete inline snapshot: %w", err)
	}

	snapshotAt, err := updateSnapshotMeta(ctx, tx, documentID, StorageBlob, size, takenAt)
	if err != nil {
		_ = tx.Rollback()
		return time.Time{}, "", err
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, "", fmt.Errorf("commit snapshot tx: %w", err)
	}
	return snapshotAt, prev, nil
}

// GetSnapshotInfo returns nil when the document has never been snapshotted.
func (s *PostgresStore) GetSnapshotInfo(ctx context.Context, documentID uuid.UUID) (*SnapshotInfo, error) {
	var lastAt *time.Time
	var storage *string
	var size int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_snapshot_at, snapshot_storage, snapshot_size_bytes
		FROM documents WHERE id=$1
	`, documentID).Scan(&lastAt, &storage, &size)
	if err != nil {
		return nil, err
	}
	if lastAt == nil || storage == nil {
		return nil, nil
	}
	return &SnapshotInfo{LastSnapshotAt: *lastAt, Storage: *storage, SizeBytes: size}, nil
}

// ClearSnapshot drops the inline row and resets snapshot metadata. The
// previous storage form is returned so callers can delete a blob object.
func (s *PostgresStore) ClearSnapshot(ctx context.Context, documentID uuid.UUID) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin clear snapshot tx: %w", err)
	}

	prev, err := lockSnapshotStorage(ctx, tx, documentID)
	if err != nil {
		_ = tx.Rollback()
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM crdt_snapshots WHERE document_id=$1
	`, documentID); err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("delete inline snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET last_snapshot_at=NULL, snapshot_storage=NULL, snapshot_size_bytes=0, updated_at=NOW()
		WHERE id=$1
	`, documentID); err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("clear snapshot meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit clear snapshot tx: %w", err)
	}
	return prev, nil
}

func lockSnapshotStorage(ctx context.Context, tx *sql.Tx, documentID uuid.UUID) (string, error) {
	var prev *string
	err := tx.QueryRowContext(ctx, `
		SELECT snapshot_storage FROM documents WHERE id=$1 FOR UPDATE
	`, documentID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if err != nil {
		return "", fmt.Errorf("lock document row: %w", err)
	}
	if prev == nil {
		return "", nil
	}
	return *prev, nil
}

// updateSnapshotMeta stamps last_snapshot_at with takenAt, the instant the
// snapshot's content was fixed, not the commit time. Update rows created
// after takenAt survive compaction's truncation and hydration reads from
// the same stamp, so whatever the snapshot missed stays visible.
func updateSnapshotMeta(ctx context.Context, tx *sql.Tx, documentID uuid.UUID, storage string, size int64, takenAt time.Time) (time.Time, error) {
	var snapshotAt time.Time
	err := tx.QueryRowContext(ctx, `
		UPDATE documents
		SET last_snapshot_at=$4, snapshot_storage=$2, snapshot_size_bytes=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING last_snapshot_at
	`, documentID, storage, size, takenAt).Scan(&snapshotAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("update snapshot meta: %w", err)
	}
	return snapshotAt, nil
}
