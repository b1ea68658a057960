package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendUpdate adds one entry to the document's update log and returns the
// DB-assigned created_at. Ordering within a document relies on created_at
// with the serial id as tie-break.
func (s *PostgresStore) AppendUpdate(ctx context.Context, documentID uuid.UUID, data []byte) (time.Time, error) {
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO crdt_updates (document_id, update_data)
		VALUES ($1, $2)
		RETURNING created_at
	`, documentID, data).Scan(&createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("append update: %w", err)
	}
	return createdAt, nil
}

// CountUpdatesSince counts log entries at or after since. A nil since counts
// the full log.
func (s *PostgresStore) CountUpdatesSince(ctx context.Context, documentID uuid.UUID, since *time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM crdt_updates
		WHERE document_id=$1 AND ($2::timestamptz IS NULL OR created_at >= $2)
	`, documentID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count updates: %w", err)
	}
	return count, nil
}

// ReadUpdatesSince returns log entries at or after since in insertion order.
// A nil since returns the full log.
func (s *PostgresStore) ReadUpdatesSince(ctx context.Context, documentID uuid.UUID, since *time.Time) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT update_data FROM crdt_updates
		WHERE document_id=$1 AND ($2::timestamptz IS NULL OR created_at >= $2)
		ORDER BY created_at ASC, id ASC
	`, documentID, since)
	if err != nil {
		return nil, fmt.Errorf("read updates: %w", err)
	}
	defer rows.Close()

	items := make([][]byte, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		items = append(items, data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return items, nil
}

// TruncateUpdatesBefore removes log entries created strictly before t.
func (s *PostgresStore) TruncateUpdatesBefore(ctx context.Context, documentID uuid.UUID, t time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM crdt_updates WHERE document_id=$1 AND created_at < $2
	`, documentID, t)
	if err != nil {
		return 0, fmt.Errorf("truncate updates: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("truncate updates rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) DeleteUpdates(ctx context.Context, documentID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM crdt_updates WHERE document_id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete updates: %w", err)
	}
	return nil
}

// ListCompactionCandidates returns live documents whose tail log has reached
// threshold entries, busiest first.
func (s *PostgresStore) ListCompactionCandidates(ctx context.Context, threshold, limit int) ([]CompactionCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.document_id, COUNT(*)::int AS update_count
		FROM crdt_updates u
		JOIN documents d ON d.id = u.document_id
		WHERE NOT d.is_deleted
		  AND (d.last_snapshot_at IS NULL OR u.created_at >= d.last_snapshot_at)
		GROUP BY u.document_id
		HAVING COUNT(*) >= $1
		ORDER BY update_count DESC
		LIMIT $2
	`, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("list compaction candidates: %w", err)
	}
	defer rows.Close()

	items := make([]CompactionCandidate, 0)
	for rows.Next() {
		var item CompactionCandidate
		if err := rows.Scan(&item.DocumentID, &item.UpdateCount); err != nil {
			return nil, fmt.Errorf("scan compaction candidate: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compaction candidates: %w", err)
	}
	return items, nil
}
