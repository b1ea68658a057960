// Package app carries the REST surface of the editor: document and vault
// CRUD, sharing, attachments and the operational endpoints. The realtime
// path lives in internal/session; this package only reads its counters.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"inkwell/editor/internal/auth"
	"inkwell/editor/internal/config"
	"inkwell/editor/internal/permission"
	"inkwell/editor/internal/store"
)

// attachmentURLTTL bounds both upload and download presigned links.
const attachmentURLTTL = time.Hour

var validPermissions = map[string]struct{}{
	"read":  {},
	"write": {},
	"admin": {},
}

// Identity is the authenticated caller, resolved from gateway headers or
// from a bearer token.
type Identity struct {
	UserID   uuid.UUID
	Username string
	Email    string
}

// dataStore is the slice of the Postgres store the REST surface uses.
type dataStore interface {
	CreateDocument(ctx context.Context, doc store.Document) (store.Document, error)
	GetDocument(ctx context.Context, id uuid.UUID) (store.Document, error)
	ListAccessibleDocuments(ctx context.Context, userID uuid.UUID) ([]store.Document, error)
	ListVaultDocuments(ctx context.Context, vaultID uuid.UUID) ([]store.Document, error)
	UpdateDocument(ctx context.Context, id uuid.UUID, title, icon *string) (store.Document, error)
	SoftDeleteDocument(ctx context.Context, id uuid.UUID) error
	MoveDocument(ctx context.Context, id uuid.UUID, vaultID, parentID *uuid.UUID) (store.Document, error)
	CountUpdatesSince(ctx context.Context, documentID uuid.UUID, since *time.Time) (int, error)

	CreateVault(ctx context.Context, vault store.Vault) (store.Vault, error)
	GetVault(ctx context.Context, id uuid.UUID) (store.Vault, error)
	ListAccessibleVaults(ctx context.Context, userID uuid.UUID) ([]store.Vault, error)
	UpdateVault(ctx context.Context, id uuid.UUID, name, icon *string) (store.Vault, error)
	SoftDeleteVault(ctx context.Context, id uuid.UUID) error

	InsertDocumentPermission(ctx context.Context, documentID, userID uuid.UUID, permission string, grantedBy uuid.UUID) error
	DeleteDocumentPermission(ctx context.Context, documentID, userID uuid.UUID) (bool, error)
	ListDocumentCollaborators(ctx context.Context, documentID uuid.UUID) ([]store.Collaborator, error)
	InsertVaultPermission(ctx context.Context, vaultID, userID uuid.UUID, permission string, grantedBy uuid.UUID) error
	DeleteVaultPermission(ctx context.Context, vaultID, userID uuid.UUID) (bool, error)
	ListVaultCollaborators(ctx context.Context, vaultID uuid.UUID) ([]store.Collaborator, error)

	InsertAttachment(ctx context.Context, attachment store.Attachment) (store.Attachment, error)
	GetAttachment(ctx context.Context, id uuid.UUID) (store.Attachment, error)
	ListDocumentAttachments(ctx context.Context, documentID uuid.UUID) ([]store.Attachment, error)

	Ping(ctx context.Context) error
}

type blobStore interface {
	PresignPut(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	Ping(ctx context.Context) error
}

type accessOracle interface {
	Level(ctx context.Context, userID, docID uuid.UUID) (permission.Level, error)
	VaultLevel(ctx context.Context, userID, vaultID uuid.UUID) (permission.Level, error)
}

type tokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Claims, error)
}

// liveRegistry exposes the session runtime's client counters.
type liveRegistry interface {
	DocumentClients(docID uuid.UUID) int
	ActiveReplicas() int
	ActiveClients() int
}

type snapshotWorker interface {
	CompactNow(ctx context.Context, documentID uuid.UUID) error
	Running() bool
	PendingSnapshots() int
}

type shareMailer interface {
	IsConfigured() bool
	SendShareInvite(ctx context.Context, to, kind, name, invitedBy, permission string) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Service implements every REST operation. All methods take the caller's
// Identity and enforce permissions before touching rows.
type Service struct {
	data     dataStore
	blobs    blobStore
	perms    accessOracle
	verifier tokenVerifier
	registry liveRegistry
	worker   snapshotWorker
	mailer   shareMailer
	revoker  pinger

	attachmentBucket string
	authServiceURL   string
	httpClient       *http.Client
	started          time.Time
}

func NewService(
	cfg config.Config,
	data dataStore,
	blobs blobStore,
	perms accessOracle,
	verifier tokenVerifier,
	registry liveRegistry,
	worker snapshotWorker,
	mailer shareMailer,
	revoker pinger,
) *Service {
	return &Service{
		data:             data,
		blobs:            blobs,
		perms:            perms,
		verifier:         verifier,
		registry:         registry,
		worker:           worker,
		mailer:           mailer,
		revoker:          revoker,
		attachmentBucket: cfg.AttachmentBucket,
		authServiceURL:   cfg.AuthServiceURL,
		httpClient:       &http.Client{Timeout: 5 * time.Second},
		started:          time.Now(),
	}
}

// IdentityFromToken resolves a bearer token when the gateway identity
// headers are absent (direct API access).
func (s *Service) IdentityFromToken(ctx context.Context, token string) (Identity, error) {
	claims, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: claims.UserID, Username: claims.Username, Email: claims.Email}, nil
}

// --- payloads ---

type DocumentPayload struct {
	ID                uuid.UUID  `json:"id"`
	OwnerID           uuid.UUID  `json:"ownerId"`
	VaultID           *uuid.UUID `json:"vaultId"`
	ParentID          *uuid.UUID `json:"parentId"`
	Title             string     `json:"title"`
	Icon              *string    `json:"icon"`
	IsFolder          bool       `json:"isFolder"`
	LastSnapshotAt    *time.Time `json:"lastSnapshotAt"`
	SnapshotStorage   *string    `json:"snapshotStorage"`
	SnapshotSizeBytes int64      `json:"snapshotSizeBytes"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func documentPayload(doc store.Document) DocumentPayload {
	return DocumentPayload{
		ID:                doc.ID,
		OwnerID:           doc.OwnerID,
		VaultID:           doc.VaultID,
		ParentID:          doc.ParentID,
		Title:             doc.Title,
		Icon:              doc.Icon,
		IsFolder:          doc.IsFolder,
		LastSnapshotAt:    doc.LastSnapshotAt,
		SnapshotStorage:   doc.SnapshotStorage,
		SnapshotSizeBytes: doc.SnapshotSizeBytes,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}
}

func documentPayloads(docs []store.Document) []DocumentPayload {
	items := make([]DocumentPayload, 0, len(docs))
	for _, doc := range docs {
		items = append(items, documentPayload(doc))
	}
	return items
}

type VaultPayload struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"ownerId"`
	Name      string    `json:"name"`
	Icon      *string   `json:"icon"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func vaultPayload(v store.Vault) VaultPayload {
	return VaultPayload{
		ID:        v.ID,
		OwnerID:   v.OwnerID,
		Name:      v.Name,
		Icon:      v.Icon,
		CreatedAt: v.CreatedAt,
		UpdatedAt: v.UpdatedAt,
	}
}

type CollaboratorPayload struct {
	UserID     uuid.UUID  `json:"userId"`
	Permission string     `json:"permission"`
	GrantedBy  *uuid.UUID `json:"grantedBy"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func collaboratorPayloads(rows []store.Collaborator) []CollaboratorPayload {
	items := make([]CollaboratorPayload, 0, len(rows))
	for _, row := range rows {
		items = append(items, CollaboratorPayload{
			UserID:     row.UserID,
			Permission: row.Permission,
			GrantedBy:  row.GrantedBy,
			CreatedAt:  row.CreatedAt,
		})
	}
	return items
}

type DocumentStatsPayload struct {
	UpdateCount       int        `json:"updateCount"`
	LastSnapshotAt    *time.Time `json:"lastSnapshotAt"`
	Storage           *string    `json:"storage"`
	SnapshotSizeBytes int64      `json:"snapshotSizeBytes"`
	ActiveClients     int        `json:"activeClients"`
}

type AttachmentUploadPayload struct {
	AttachmentID uuid.UUID `json:"attachmentId"`
	UploadURL    string    `json:"uploadUrl"`
}

type AttachmentPayload struct {
	ID          uuid.UUID `json:"id"`
	DocumentID  uuid.UUID `json:"documentId"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	UploadedBy  uuid.UUID `json:"uploadedBy"`
	CreatedAt   time.Time `json:"createdAt"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
}

func attachmentPayload(a store.Attachment) AttachmentPayload {
	return AttachmentPayload{
		ID:          a.ID,
		DocumentID:  a.DocumentID,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		SizeBytes:   a.SizeBytes,
		UploadedBy:  a.UploadedBy,
		CreatedAt:   a.CreatedAt,
	}
}

// --- inputs ---

type CreateDocumentInput struct {
	Title    string     `json:"title"`
	Icon     *string    `json:"icon"`
	VaultID  *uuid.UUID `json:"vaultId"`
	ParentID *uuid.UUID `json:"parentId"`
	IsFolder bool       `json:"isFolder"`
}

type UpdateDocumentInput struct {
	Title *string `json:"title"`
	Icon  *string `json:"icon"`
}

type MoveDocumentInput struct {
	VaultID  *uuid.UUID `json:"vaultId"`
	ParentID *uuid.UUID `json:"parentId"`
}

type CreateVaultInput struct {
	Name string  `json:"name"`
	Icon *string `json:"icon"`
}

type UpdateVaultInput struct {
	Name *string `json:"name"`
	Icon *string `json:"icon"`
}

type ShareInput struct {
	UserID     uuid.UUID `json:"userId"`
	Permission string    `json:"permission"`
	// Email is optional; when present and the mailer is configured the
	// invited user is notified.
	Email string `json:"email"`
}

type InitiateAttachmentInput struct {
	DocumentID  uuid.UUID `json:"documentId"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
}

// --- access helpers ---

// document loads a row and enforces the caller's level. Soft-deleted
// documents read as absent.
func (s *Service) document(ctx context.Context, ident Identity, docID uuid.UUID, need permission.Level) (store.Document, error) {
	doc, err := s.data.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.IsDeleted {
		return store.Document{}, notFoundError("document")
	}
	level, err := s.perms.Level(ctx, ident.UserID, docID)
	if err != nil {
		return store.Document{}, err
	}
	if !level.AtLeast(need) {
		return store.Document{}, forbiddenError()
	}
	return doc, nil
}

func (s *Service) vault(ctx context.Context, ident Identity, vaultID uuid.UUID, need permission.Level) (store.Vault, error) {
	v, err := s.data.GetVault(ctx, vaultID)
	if err != nil {
		return store.Vault{}, err
	}
	if v.IsDeleted {
		return store.Vault{}, notFoundError("vault")
	}
	level, err := s.perms.VaultLevel(ctx, ident.UserID, vaultID)
	if err != nil {
		return store.Vault{}, err
	}
	if !level.AtLeast(need) {
		return store.Vault{}, forbiddenError()
	}
	return v, nil
}

// --- documents ---

func (s *Service) ListDocuments(ctx context.Context, ident Identity) ([]DocumentPayload, error) {
	docs, err := s.data.ListAccessibleDocuments(ctx, ident.UserID)
	if err != nil {
		return nil, err
	}
	return documentPayloads(docs), nil
}

func (s *Service) CreateDocument(ctx context.Context, ident Identity, input CreateDocumentInput) (DocumentPayload, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return DocumentPayload{}, validationError("title is required")
	}
	vaultID := input.VaultID
	if input.ParentID != nil {
		parent, err := s.document(ctx, ident, *input.ParentID, permission.Write)
		if err != nil {
			return DocumentPayload{}, err
		}
		if !parent.IsFolder {
			return DocumentPayload{}, validationError("parent must be a folder")
		}
		// A child placed under a parent inherits the parent's vault
		// unless the request names one explicitly.
		if vaultID == nil {
			vaultID = parent.VaultID
		}
	}
	if vaultID != nil {
		if _, err := s.vault(ctx, ident, *vaultID, permission.Write); err != nil {
			return DocumentPayload{}, err
		}
	}
	doc, err := s.data.CreateDocument(ctx, store.Document{
		OwnerID:  ident.UserID,
		VaultID:  vaultID,
		ParentID: input.ParentID,
		Title:    title,
		Icon:     input.Icon,
		IsFolder: input.IsFolder,
	})
	if err != nil {
		return DocumentPayload{}, err
	}
	return documentPayload(doc), nil
}

func (s *Service) GetDocument(ctx context.Context, ident Identity, docID uuid.UUID) (DocumentPayload, error) {
	doc, err := s.document(ctx, ident, docID, permission.Read)
	if err != nil {
		return DocumentPayload{}, err
	}
	return documentPayload(doc), nil
}

func (s *Service) UpdateDocument(ctx context.Context, ident Identity, docID uuid.UUID, input UpdateDocumentInput) (DocumentPayload, error) {
	if input.Title == nil && input.Icon == nil {
		return DocumentPayload{}, validationError("nothing to update")
	}
	if input.Title != nil && strings.TrimSpace(*input.Title) == "" {
		return DocumentPayload{}, validationError("title cannot be empty")
	}
	if _, err := s.document(ctx, ident, docID, permission.Write); err != nil {
		return DocumentPayload{}, err
	}
	doc, err := s.data.UpdateDocument(ctx, docID, input.Title, input.Icon)
	if err != nil {
		return DocumentPayload{}, err
	}
	return documentPayload(doc), nil
}

// DeleteDocument soft-deletes. Live sessions keep their replica until the
// last client leaves; the next admission sees the deletion. Update and
// snapshot rows are retained.
func (s *Service) DeleteDocument(ctx context.Context, ident Identity, docID uuid.UUID) error {
	if _, err := s.document(ctx, ident, docID, permission.Admin); err != nil {
		return err
	}
	return s.data.SoftDeleteDocument(ctx, docID)
}

func (s *Service) MoveDocument(ctx context.Context, ident Identity, docID uuid.UUID, input MoveDocumentInput) (DocumentPayload, error) {
	if _, err := s.document(ctx, ident, docID, permission.Write); err != nil {
		return DocumentPayload{}, err
	}
	if input.ParentID != nil {
		if *input.ParentID == docID {
			return DocumentPayload{}, validationError("document cannot be its own parent")
		}
		parent, err := s.document(ctx, ident, *input.ParentID, permission.Write)
		if err != nil {
			return DocumentPayload{}, err
		}
		if !parent.IsFolder {
			return DocumentPayload{}, validationError("parent must be a folder")
		}
	}
	if input.VaultID != nil {
		if _, err := s.vault(ctx, ident, *input.VaultID, permission.Write); err != nil {
			return DocumentPayload{}, err
		}
	}
	doc, err := s.data.MoveDocument(ctx, docID, input.VaultID, input.ParentID)
	if err != nil {
		return DocumentPayload{}, err
	}
	return documentPayload(doc), nil
}

func (s *Service) DocumentStats(ctx context.Context, ident Identity, docID uuid.UUID) (DocumentStatsPayload, error) {
	doc, err := s.document(ctx, ident, docID, permission.Read)
	if err != nil {
		return DocumentStatsPayload{}, err
	}
	count, err := s.data.CountUpdatesSince(ctx, docID, nil)
	if err != nil {
		return DocumentStatsPayload{}, err
	}
	return DocumentStatsPayload{
		UpdateCount:       count,
		LastSnapshotAt:    doc.LastSnapshotAt,
		Storage:           doc.SnapshotStorage,
		SnapshotSizeBytes: doc.SnapshotSizeBytes,
		ActiveClients:     s.registry.DocumentClients(docID),
	}, nil
}

// TriggerSnapshot compacts a document synchronously and returns the
// refreshed stats. Admin only.
func (s *Service) TriggerSnapshot(ctx context.Context, ident Identity, docID uuid.UUID) (DocumentStatsPayload, error) {
	if _, err := s.document(ctx, ident, docID, permission.Admin); err != nil {
		return DocumentStatsPayload{}, err
	}
	if err := s.worker.CompactNow(ctx, docID); err != nil {
		return DocumentStatsPayload{}, fmt.Errorf("compact document %s: %w", docID, err)
	}
	return s.DocumentStats(ctx, ident, docID)
}

// --- document sharing ---

func (s *Service) ShareDocument(ctx context.Context, ident Identity, docID uuid.UUID, input ShareInput) (CollaboratorPayload, error) {
	doc, err := s.document(ctx, ident, docID, permission.Admin)
	if err != nil {
		return CollaboratorPayload{}, err
	}
	if err := validateShare(ident, doc.OwnerID, input); err != nil {
		return CollaboratorPayload{}, err
	}
	if err := s.data.InsertDocumentPermission(ctx, docID, input.UserID, input.Permission, ident.UserID); err != nil {
		return CollaboratorPayload{}, err
	}
	s.notifyShare(ident, input, "document", doc.Title)
	return s.findCollaborator(ctx, ident, input, func(ctx context.Context) ([]store.Collaborator, error) {
		return s.data.ListDocumentCollaborators(ctx, docID)
	})
}

func (s *Service) UnshareDocument(ctx context.Context, ident Identity, docID, userID uuid.UUID) error {
	if _, err := s.document(ctx, ident, docID, permission.Admin); err != nil {
		return err
	}
	removed, err := s.data.DeleteDocumentPermission(ctx, docID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return notFoundError("share")
	}
	return nil
}

func (s *Service) DocumentCollaborators(ctx context.Context, ident Identity, docID uuid.UUID) ([]CollaboratorPayload, error) {
	if _, err := s.document(ctx, ident, docID, permission.Read); err != nil {
		return nil, err
	}
	rows, err := s.data.ListDocumentCollaborators(ctx, docID)
	if err != nil {
		return nil, err
	}
	return collaboratorPayloads(rows), nil
}

// --- vaults ---

func (s *Service) ListVaults(ctx context.Context, ident Identity) ([]VaultPayload, error) {
	vaults, err := s.data.ListAccessibleVaults(ctx, ident.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]VaultPayload, 0, len(vaults))
	for _, v := range vaults {
		items = append(items, vaultPayload(v))
	}
	return items, nil
}

func (s *Service) CreateVault(ctx context.Context, ident Identity, input CreateVaultInput) (VaultPayload, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return VaultPayload{}, validationError("name is required")
	}
	v, err := s.data.CreateVault(ctx, store.Vault{
		OwnerID: ident.UserID,
		Name:    name,
		Icon:    input.Icon,
	})
	if err != nil {
		return VaultPayload{}, err
	}
	return vaultPayload(v), nil
}

func (s *Service) GetVault(ctx context.Context, ident Identity, vaultID uuid.UUID) (VaultPayload, error) {
	v, err := s.vault(ctx, ident, vaultID, permission.Read)
	if err != nil {
		return VaultPayload{}, err
	}
	return vaultPayload(v), nil
}

func (s *Service) UpdateVault(ctx context.Context, ident Identity, vaultID uuid.UUID, input UpdateVaultInput) (VaultPayload, error) {
	if input.Name == nil && input.Icon == nil {
		return VaultPayload{}, validationError("nothing to update")
	}
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return VaultPayload{}, validationError("name cannot be empty")
	}
	if _, err := s.vault(ctx, ident, vaultID, permission.Write); err != nil {
		return VaultPayload{}, err
	}
	v, err := s.data.UpdateVault(ctx, vaultID, input.Name, input.Icon)
	if err != nil {
		return VaultPayload{}, err
	}
	return vaultPayload(v), nil
}

func (s *Service) DeleteVault(ctx context.Context, ident Identity, vaultID uuid.UUID) error {
	if _, err := s.vault(ctx, ident, vaultID, permission.Admin); err != nil {
		return err
	}
	return s.data.SoftDeleteVault(ctx, vaultID)
}

// VaultDocuments lists the live documents of a vault for any member.
func (s *Service) VaultDocuments(ctx context.Context, ident Identity, vaultID uuid.UUID) ([]DocumentPayload, error) {
	if _, err := s.vault(ctx, ident, vaultID, permission.Read); err != nil {
		return nil, err
	}
	docs, err := s.data.ListVaultDocuments(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	return documentPayloads(docs), nil
}

func (s *Service) ShareVault(ctx context.Context, ident Identity, vaultID uuid.UUID, input ShareInput) (CollaboratorPayload, error) {
	v, err := s.vault(ctx, ident, vaultID, permission.Admin)
	if err != nil {
		return CollaboratorPayload{}, err
	}
	if err := validateShare(ident, v.OwnerID, input); err != nil {
		return CollaboratorPayload{}, err
	}
	if err := s.data.InsertVaultPermission(ctx, vaultID, input.UserID, input.Permission, ident.UserID); err != nil {
		return CollaboratorPayload{}, err
	}
	s.notifyShare(ident, input, "vault", v.Name)
	return s.findCollaborator(ctx, ident, input, func(ctx context.Context) ([]store.Collaborator, error) {
		return s.data.ListVaultCollaborators(ctx, vaultID)
	})
}

func (s *Service) UnshareVault(ctx context.Context, ident Identity, vaultID, userID uuid.UUID) error {
	if _, err := s.vault(ctx, ident, vaultID, permission.Admin); err != nil {
		return err
	}
	removed, err := s.data.DeleteVaultPermission(ctx, vaultID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return notFoundError("share")
	}
	return nil
}

func (s *Service) VaultCollaborators(ctx context.Context, ident Identity, vaultID uuid.UUID) ([]CollaboratorPayload, error) {
	if _, err := s.vault(ctx, ident, vaultID, permission.Read); err != nil {
		return nil, err
	}
	rows, err := s.data.ListVaultCollaborators(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	return collaboratorPayloads(rows), nil
}

func validateShare(ident Identity, ownerID uuid.UUID, input ShareInput) error {
	if input.UserID == uuid.Nil {
		return validationError("userId is required")
	}
	if _, ok := validPermissions[input.Permission]; !ok {
		return validationError("permission must be one of read, write, admin")
	}
	if input.UserID == ident.UserID {
		return validationError("cannot share with yourself")
	}
	if input.UserID == ownerID {
		return validationError("user already owns this resource")
	}
	return nil
}

// findCollaborator re-reads the grant after insert so the response carries
// the stored timestamps.
func (s *Service) findCollaborator(ctx context.Context, ident Identity, input ShareInput, list func(context.Context) ([]store.Collaborator, error)) (CollaboratorPayload, error) {
	rows, err := list(ctx)
	if err == nil {
		for _, row := range rows {
			if row.UserID == input.UserID {
				return CollaboratorPayload{
					UserID:     row.UserID,
					Permission: row.Permission,
					GrantedBy:  row.GrantedBy,
					CreatedAt:  row.CreatedAt,
				}, nil
			}
		}
	}
	grantedBy := ident.UserID
	return CollaboratorPayload{
		UserID:     input.UserID,
		Permission: input.Permission,
		GrantedBy:  &grantedBy,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (s *Service) notifyShare(ident Identity, input ShareInput, kind, name string) {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	to := strings.TrimSpace(input.Email)
	if to == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.mailer.SendShareInvite(ctx, to, kind, name, ident.Username, input.Permission); err != nil {
			log.Printf("app: share invite to %s: %v", to, err)
		}
	}()
}

// --- attachments ---

func (s *Service) InitiateAttachment(ctx context.Context, ident Identity, input InitiateAttachmentInput) (AttachmentUploadPayload, error) {
	if input.DocumentID == uuid.Nil {
		return AttachmentUploadPayload{}, validationError("documentId is required")
	}
	filename := path.Base(strings.TrimSpace(input.Filename))
	if filename == "" || filename == "." || filename == "/" {
		return AttachmentUploadPayload{}, validationError("filename is required")
	}
	if input.SizeBytes <= 0 {
		return AttachmentUploadPayload{}, validationError("sizeBytes must be positive")
	}
	if _, err := s.document(ctx, ident, input.DocumentID, permission.Write); err != nil {
		return AttachmentUploadPayload{}, err
	}
	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := fmt.Sprintf("%s/%s/%d-%s", ident.UserID, input.DocumentID, time.Now().UnixMilli(), filename)
	attachment, err := s.data.InsertAttachment(ctx, store.Attachment{
		DocumentID:  input.DocumentID,
		Filename:    filename,
		MinioPath:   key,
		ContentType: contentType,
		SizeBytes:   input.SizeBytes,
		UploadedBy:  ident.UserID,
	})
	if err != nil {
		return AttachmentUploadPayload{}, err
	}
	uploadURL, err := s.blobs.PresignPut(ctx, s.attachmentBucket, key, attachmentURLTTL)
	if err != nil {
		return AttachmentUploadPayload{}, err
	}
	return AttachmentUploadPayload{AttachmentID: attachment.ID, UploadURL: uploadURL}, nil
}

func (s *Service) GetAttachment(ctx context.Context, ident Identity, attachmentID uuid.UUID) (AttachmentPayload, error) {
	attachment, err := s.data.GetAttachment(ctx, attachmentID)
	if err != nil {
		return AttachmentPayload{}, err
	}
	if _, err := s.document(ctx, ident, attachment.DocumentID, permission.Read); err != nil {
		return AttachmentPayload{}, err
	}
	downloadURL, err := s.blobs.PresignGet(ctx, s.attachmentBucket, attachment.MinioPath, attachmentURLTTL)
	if err != nil {
		return AttachmentPayload{}, err
	}
	payload := attachmentPayload(attachment)
	payload.DownloadURL = downloadURL
	return payload, nil
}

func (s *Service) DocumentAttachments(ctx context.Context, ident Identity, docID uuid.UUID) ([]AttachmentPayload, error) {
	if _, err := s.document(ctx, ident, docID, permission.Read); err != nil {
		return nil, err
	}
	rows, err := s.data.ListDocumentAttachments(ctx, docID)
	if err != nil {
		return nil, err
	}
	items := make([]AttachmentPayload, 0, len(rows))
	for _, row := range rows {
		items = append(items, attachmentPayload(row))
	}
	return items, nil
}

// --- operational ---

type HealthPayload struct {
	OK               bool  `json:"ok"`
	WorkerRunning    bool  `json:"workerRunning"`
	PendingSnapshots int   `json:"pendingSnapshots"`
	ActiveReplicas   int   `json:"activeReplicas"`
	ActiveClients    int   `json:"activeClients"`
	Uptime           int64 `json:"uptime"`
}

func (s *Service) Health() HealthPayload {
	return HealthPayload{
		OK:               true,
		WorkerRunning:    s.worker.Running(),
		PendingSnapshots: s.worker.PendingSnapshots(),
		ActiveReplicas:   s.registry.ActiveReplicas(),
		ActiveClients:    s.registry.ActiveClients(),
		Uptime:           int64(time.Since(s.started).Seconds()),
	}
}

// Readiness probes every backing service. The identity check is skipped
// when tokens are verified locally.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{}
	probe := func(name string, err error) {
		if err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	probe("database", s.data.Ping(ctx))
	probe("blob", s.blobs.Ping(ctx))
	if s.revoker != nil {
		probe("revocations", s.revoker.Ping(ctx))
	}
	if s.authServiceURL != "" {
		probe("identity", s.probeIdentity(ctx))
	}
	return ready, checks
}

func (s *Service) probeIdentity(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.authServiceURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("identity service returned %d", resp.StatusCode)
	}
	return nil
}
