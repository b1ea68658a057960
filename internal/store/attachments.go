package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) (Attachment, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO attachments (document_id, filename, minio_path, content_type, size_bytes, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, document_id, filename, minio_path, content_type, size_bytes, uploaded_by, created_at
	`, attachment.DocumentID, attachment.Filename, attachment.MinioPath, attachment.ContentType, attachment.SizeBytes, attachment.UploadedBy)
	var created Attachment
	err := row.Scan(
		&created.ID,
		&created.DocumentID,
		&created.Filename,
		&created.MinioPath,
		&created.ContentType,
		&created.SizeBytes,
		&created.UploadedBy,
		&created.CreatedAt,
	)
	if err != nil {
		return Attachment{}, fmt.Errorf("insert attachment: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID uuid.UUID) (Attachment, error) {
	var item Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, filename, minio_path, content_type, size_bytes, uploaded_by, created_at
		FROM attachments WHERE id=$1
	`, attachmentID).Scan(
		&item.ID,
		&item.DocumentID,
		&item.Filename,
		&item.MinioPath,
		&item.ContentType,
		&item.SizeBytes,
		&item.UploadedBy,
		&item.CreatedAt,
	)
	if err != nil {
		return Attachment{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListDocumentAttachments(ctx context.Context, documentID uuid.UUID) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, filename, minio_path, content_type, size_bytes, uploaded_by, created_at
		FROM attachments
		WHERE document_id=$1
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(
			&item.ID,
			&item.DocumentID,
			&item.Filename,
			&item.MinioPath,
			&item.ContentType,
			&item.SizeBytes,
			&item.UploadedBy,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}
