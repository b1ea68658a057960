package store

import (
	"time"

	"github.com/google/uuid"
)

// Snapshot storage forms recorded on the documents row. A document with no
// snapshot has a NULL snapshot_storage column.
const (
	StorageInline = "pg"
	StorageBlob   = "minio"
)

type Document struct {
	ID                uuid.UUID
	OwnerID           uuid.UUID
	VaultID           *uuid.UUID
	ParentID          *uuid.UUID
	Title             string
	Icon              *string
	IsFolder          bool
	IsDeleted         bool
	LastSnapshotAt    *time.Time
	SnapshotStorage   *string
	SnapshotSizeBytes int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DocumentAccess is the slice of a document row the permission oracle needs.
type DocumentAccess struct {
	OwnerID   uuid.UUID
	VaultID   *uuid.UUID
	IsDeleted bool
}

type Vault struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	Icon      *string
	IsDeleted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Collaborator struct {
	UserID     uuid.UUID
	Permission string
	GrantedBy  *uuid.UUID
	CreatedAt  time.Time
}

type Attachment struct {
	ID          uuid.UUID
	DocumentID  uuid.UUID
	Filename    string
	MinioPath   string
	ContentType string
	SizeBytes   int64
	UploadedBy  uuid.UUID
	CreatedAt   time.Time
}

type SnapshotInfo struct {
	LastSnapshotAt time.Time
	Storage        string
	SizeBytes      int64
}

type CompactionCandidate struct {
	DocumentID  uuid.UUID
	UpdateCount int
}
