package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"inkwell/editor/internal/store"
)

// Level orders permissions so that a higher grant implies every lower one.
type Level int

const (
	None Level = iota
	Read
	Write
	Admin
)

func ParseLevel(s string) Level {
	switch s {
	case "read":
		return Read
	case "write":
		return Write
	case "admin":
		return Admin
	default:
		return None
	}
}

// AtLeast reports whether the level grants everything m grants.
func (l Level) AtLeast(m Level) bool {
	return l >= m
}

func (l Level) String() string {
	switch l {
	case Read:
		return "read"
	case Write:
		return "write"
	case Admin:
		return "admin"
	default:
		return "none"
	}
}

// accessStore is the slice of the datastore the oracle reads.
type accessStore interface {
	DocumentAccess(ctx context.Context, docID uuid.UUID) (store.DocumentAccess, error)
	VaultAccess(ctx context.Context, vaultID uuid.UUID) (store.DocumentAccess, error)
	DocumentGrant(ctx context.Context, docID, userID uuid.UUID) (string, error)
	VaultGrant(ctx context.Context, vaultID, userID uuid.UUID) (string, error)
}

// Oracle resolves what a user may do with a document or vault. Decisions
// are never cached; every call reads current rows.
type Oracle struct {
	store accessStore
}

func NewOracle(s accessStore) *Oracle {
	return &Oracle{store: s}
}

// Level resolves the effective permission of a user on a document. Owners
// hold admin implicitly; otherwise the direct document grant and the
// inherited vault grant combine by taking the higher. Missing or
// soft-deleted documents resolve to None.
func (o *Oracle) Level(ctx context.Context, userID, docID uuid.UUID) (Level, error) {
	access, err := o.store.DocumentAccess(ctx, docID)
	if errors.Is(err, sql.ErrNoRows) {
		return None, nil
	}
	if err != nil {
		return None, fmt.Errorf("resolve document access: %w", err)
	}
	if access.IsDeleted {
		return None, nil
	}
	if access.OwnerID == userID {
		return Admin, nil
	}

	level := None
	grant, err := o.store.DocumentGrant(ctx, docID, userID)
	if err != nil {
		return None, fmt.Errorf("document grant: %w", err)
	}
	if l := ParseLevel(grant); l > level {
		level = l
	}
	if access.VaultID != nil {
		grant, err := o.store.VaultGrant(ctx, *access.VaultID, userID)
		if err != nil {
			return None, fmt.Errorf("vault grant: %w", err)
		}
		if l := ParseLevel(grant); l > level {
			level = l
		}
	}
	return level, nil
}

// VaultLevel resolves the effective permission of a user on a vault.
func (o *Oracle) VaultLevel(ctx context.Context, userID, vaultID uuid.UUID) (Level, error) {
	access, err := o.store.VaultAccess(ctx, vaultID)
	if errors.Is(err, sql.ErrNoRows) {
		return None, nil
	}
	if err != nil {
		return None, fmt.Errorf("resolve vault access: %w", err)
	}
	if access.IsDeleted {
		return None, nil
	}
	if access.OwnerID == userID {
		return Admin, nil
	}
	grant, err := o.store.VaultGrant(ctx, vaultID, userID)
	if err != nil {
		return None, fmt.Errorf("vault grant: %w", err)
	}
	return ParseLevel(grant), nil
}

func (o *Oracle) CanRead(ctx context.Context, userID, docID uuid.UUID) (bool, error) {
	level, err := o.Level(ctx, userID, docID)
	return level >= Read, err
}

func (o *Oracle) CanWrite(ctx context.Context, userID, docID uuid.UUID) (bool, error) {
	level, err := o.Level(ctx, userID, docID)
	return level >= Write, err
}

func (o *Oracle) CanAdmin(ctx context.Context, userID, docID uuid.UUID) (bool, error) {
	level, err := o.Level(ctx, userID, docID)
	return level >= Admin, err
}
