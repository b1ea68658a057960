// Package snapshot stores one snapshot per document, routing between the
// inline Postgres form and the MinIO blob form by size.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"inkwell/editor/internal/store"
)

// ErrNoSnapshot means the document has never been snapshotted.
var ErrNoSnapshot = errors.New("no snapshot")

// MetaStore is the slice of the datastore holding inline snapshots and
// snapshot metadata.
type MetaStore interface {
	InlineSnapshot(ctx context.Context, documentID uuid.UUID) ([]byte, error)
	SaveInlineSnapshot(ctx context.Context, documentID uuid.UUID, data []byte, takenAt time.Time) (time.Time, string, error)
	SaveBlobSnapshot(ctx context.Context, documentID uuid.UUID, size int64, takenAt time.Time) (time.Time, string, error)
	GetSnapshotInfo(ctx context.Context, documentID uuid.UUID) (*store.SnapshotInfo, error)
	ClearSnapshot(ctx context.Context, documentID uuid.UUID) (string, error)
}

// BlobStore is the slice of the object store used for oversized snapshots.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
}

type Store struct {
	meta      MetaStore
	blobs     BlobStore
	bucket    string
	sizeLimit int64
}

// New wires the snapshot store. Snapshots strictly larger than sizeLimit
// bytes go to the blob bucket; everything else is stored inline.
func New(meta MetaStore, blobs BlobStore, bucket string, sizeLimit int64) *Store {
	return &Store{meta: meta, blobs: blobs, bucket: bucket, sizeLimit: sizeLimit}
}

// Key is the object key for a document's blob-form snapshot.
func Key(documentID uuid.UUID) string {
	return "docs/" + documentID.String() + ".bin"
}

// Load returns the current snapshot bytes, from whichever form holds them.
func (s *Store) Load(ctx context.Context, documentID uuid.UUID) ([]byte, error) {
	info, err := s.meta.GetSnapshotInfo(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("snapshot info: %w", err)
	}
	if info == nil {
		return nil, ErrNoSnapshot
	}
	switch info.Storage {
	case store.StorageInline:
		data, err := s.meta.InlineSnapshot(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("read inline snapshot: %w", err)
		}
		return data, nil
	case store.StorageBlob:
		data, err := s.blobs.Get(ctx, s.bucket, Key(documentID))
		if err != nil {
			return nil, fmt.Errorf("read blob snapshot: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown snapshot storage %q", info.Storage)
	}
}

// Save persists a snapshot, picking the form by size. takenAt is the
// instant the snapshot's content was fixed; it becomes last_snapshot_at,
// so updates appended while the write was in flight stay visible to
// hydration. The metadata row, the inline row and the physical form
// stay mutually consistent: a blob put happens before the metadata
// transaction that retires the inline row, and a blob left behind by a
// blob→inline transition is deleted only after the inline form has
// committed.
func (s *Store) Save(ctx context.Context, documentID uuid.UUID, data []byte, takenAt time.Time) (store.SnapshotInfo, error) {
	size := int64(len(data))

	if size > s.sizeLimit {
		key := Key(documentID)
		if err := s.blobs.Put(ctx, s.bucket, key, data, "application/octet-stream"); err != nil {
			return store.SnapshotInfo{}, fmt.Errorf("put blob snapshot: %w", err)
		}
		snapshotAt, _, err := s.meta.SaveBlobSnapshot(ctx, documentID, size, takenAt)
		if err != nil {
			return store.SnapshotInfo{}, fmt.Errorf("save blob snapshot meta: %w", err)
		}
		return store.SnapshotInfo{LastSnapshotAt: snapshotAt, Storage: store.StorageBlob, SizeBytes: size}, nil
	}

	snapshotAt, prev, err := s.meta.SaveInlineSnapshot(ctx, documentID, data, takenAt)
	if err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("save inline snapshot: %w", err)
	}
	if prev == store.StorageBlob {
		if err := s.blobs.Delete(ctx, s.bucket, Key(documentID)); err != nil {
			log.Printf("snapshot: delete retired blob for document=%s: %v", documentID, err)
		}
	}
	return store.SnapshotInfo{LastSnapshotAt: snapshotAt, Storage: store.StorageInline, SizeBytes: size}, nil
}

// Info reports when and how the document was last snapshotted.
func (s *Store) Info(ctx context.Context, documentID uuid.UUID) (store.SnapshotInfo, error) {
	info, err := s.meta.GetSnapshotInfo(ctx, documentID)
	if err != nil {
		return store.SnapshotInfo{}, fmt.Errorf("snapshot info: %w", err)
	}
	if info == nil {
		return store.SnapshotInfo{}, ErrNoSnapshot
	}
	return *info, nil
}

// Delete removes the snapshot in both forms and resets metadata.
func (s *Store) Delete(ctx context.Context, documentID uuid.UUID) error {
	prev, err := s.meta.ClearSnapshot(ctx, documentID)
	if err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	if prev == store.StorageBlob {
		if err := s.blobs.Delete(ctx, s.bucket, Key(documentID)); err != nil {
			return fmt.Errorf("delete blob snapshot: %w", err)
		}
	}
	return nil
}
