package permission

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"

	"inkwell/editor/internal/store"
)

type fakeAccess struct {
	access     store.DocumentAccess
	accessErr  error
	docGrant   string
	vaultGrant string
}

func (f *fakeAccess) DocumentAccess(context.Context, uuid.UUID) (store.DocumentAccess, error) {
	return f.access, f.accessErr
}

func (f *fakeAccess) VaultAccess(context.Context, uuid.UUID) (store.DocumentAccess, error) {
	return f.access, f.accessErr
}

func (f *fakeAccess) DocumentGrant(context.Context, uuid.UUID, uuid.UUID) (string, error) {
	return f.docGrant, nil
}

func (f *fakeAccess) VaultGrant(context.Context, uuid.UUID, uuid.UUID) (string, error) {
	return f.vaultGrant, nil
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want Level
	}{
		{in: "read", want: Read},
		{in: "write", want: Write},
		{in: "admin", want: Admin},
		{in: "", want: None},
		{in: "owner", want: None},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestLevelOrdering(t *testing.T) {
	if !(None < Read && Read < Write && Write < Admin) {
		t.Fatal("levels must order none < read < write < admin")
	}
}

func TestLevelAtLeast(t *testing.T) {
	cases := []struct {
		have Level
		need Level
		want bool
	}{
		{have: Admin, need: Write, want: true},
		{have: Write, need: Write, want: true},
		{have: Read, need: Write, want: false},
		{have: None, need: Read, want: false},
		{have: None, need: None, want: true},
	}
	for _, tc := range cases {
		if got := tc.have.AtLeast(tc.need); got != tc.want {
			t.Errorf("%v.AtLeast(%v) = %v, want %v", tc.have, tc.need, got, tc.want)
		}
	}
}

func TestOracleLevel(t *testing.T) {
	owner := uuid.New()
	stranger := uuid.New()
	vaultID := uuid.New()
	docID := uuid.New()

	cases := []struct {
		name  string
		user  uuid.UUID
		store *fakeAccess
		want  Level
	}{
		{
			name:  "owner holds admin",
			user:  owner,
			store: &fakeAccess{access: store.DocumentAccess{OwnerID: owner}},
			want:  Admin,
		},
		{
			name:  "stranger denied",
			user:  stranger,
			store: &fakeAccess{access: store.DocumentAccess{OwnerID: owner}},
			want:  None,
		},
		{
			name:  "direct document grant",
			user:  stranger,
			store: &fakeAccess{access: store.DocumentAccess{OwnerID: owner}, docGrant: "write"},
			want:  Write,
		},
		{
			name:  "inherited vault grant",
			user:  stranger,
			store: &fakeAccess{access: store.DocumentAccess{OwnerID: owner, VaultID: &vaultID}, vaultGrant: "read"},
			want:  Read,
		},
		{
			name:  "higher of document and vault grant wins",
			user:  stranger,
			store: &fakeAccess{access: store.DocumentAccess{OwnerID: owner, VaultID: &vaultID}, docGrant: "read", vaultGrant: "admin"},
			want:  Admin,
		},
		{
			name:  "vault grant ignored without vault",
			user:  stranger,
			store: &fakeAccess{access: store.DocumentAccess{OwnerID: owner}, vaultGrant: "admin"},
			want:  None,
		},
		{
			name:  "soft-deleted document denies everyone",
			user:  owner,
			store: &fakeAccess{access: store.DocumentAccess{OwnerID: owner, IsDeleted: true}},
			want:  None,
		},
		{
			name:  "missing document denies",
			user:  owner,
			store: &fakeAccess{accessErr: sql.ErrNoRows},
			want:  None,
		},
		{
			name:  "unknown grant string denies",
			user:  stranger,
			store: &fakeAccess{access: store.DocumentAccess{OwnerID: owner}, docGrant: "superuser"},
			want:  None,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			oracle := NewOracle(tc.store)
			got, err := oracle.Level(context.Background(), tc.user, docID)
			if err != nil {
				t.Fatalf("Level() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("Level() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOracleLevelStoreFailure(t *testing.T) {
	oracle := NewOracle(&fakeAccess{accessErr: errors.New("connection refused")})
	_, err := oracle.Level(context.Background(), uuid.New(), uuid.New())
	if err == nil {
		t.Fatal("expected store failure to surface, not deny silently")
	}
}

func TestOracleCanHelpers(t *testing.T) {
	owner := uuid.New()
	stranger := uuid.New()
	oracle := NewOracle(&fakeAccess{access: store.DocumentAccess{OwnerID: owner}, docGrant: "write"})

	ctx := context.Background()
	docID := uuid.New()

	if ok, _ := oracle.CanRead(ctx, stranger, docID); !ok {
		t.Error("CanRead() = false for write grant")
	}
	if ok, _ := oracle.CanWrite(ctx, stranger, docID); !ok {
		t.Error("CanWrite() = false for write grant")
	}
	if ok, _ := oracle.CanAdmin(ctx, stranger, docID); ok {
		t.Error("CanAdmin() = true for write grant")
	}
	if ok, _ := oracle.CanAdmin(ctx, owner, docID); !ok {
		t.Error("CanAdmin() = false for owner")
	}
}

func TestOracleVaultLevel(t *testing.T) {
	owner := uuid.New()
	stranger := uuid.New()
	vaultID := uuid.New()

	oracle := NewOracle(&fakeAccess{access: store.DocumentAccess{OwnerID: owner}, vaultGrant: "write"})
	ctx := context.Background()

	if got, _ := oracle.VaultLevel(ctx, owner, vaultID); got != Admin {
		t.Errorf("VaultLevel(owner) = %v, want Admin", got)
	}
	if got, _ := oracle.VaultLevel(ctx, stranger, vaultID); got != Write {
		t.Errorf("VaultLevel(stranger) = %v, want Write", got)
	}

	deleted := NewOracle(&fakeAccess{access: store.DocumentAccess{OwnerID: owner, IsDeleted: true}})
	if got, _ := deleted.VaultLevel(ctx, owner, vaultID); got != None {
		t.Errorf("VaultLevel(deleted vault) = %v, want None", got)
	}
}
