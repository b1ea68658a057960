package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type stubRevocations struct {
	revoked map[string]bool
	err     error
}

func (s *stubRevocations) IsRevoked(_ context.Context, token string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.revoked[token], nil
}

func identityServer(t *testing.T, userID uuid.UUID, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/v1/users/me" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") == "Bearer valid-token" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":%q,"username":"avery","email":"avery@example.com"}`, userID)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyLocalMode(t *testing.T) {
	secret := []byte("secret")
	userID := uuid.New()
	v := NewVerifier(Options{Secret: secret})

	issued := signToken(t, secret, jwt.SigningMethodHS256, userID, time.Now().Add(time.Hour))
	claims, err := v.Verify(context.Background(), issued)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID != userID {
		t.Fatalf("UserID = %v, want %v", claims.UserID, userID)
	}
}

func TestVerifyRemoteMode(t *testing.T) {
	userID := uuid.New()
	var calls atomic.Int64
	srv := identityServer(t, userID, &calls)
	v := NewVerifier(Options{AuthServiceURL: srv.URL})

	claims, err := v.Verify(context.Background(), "valid-token")
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.UserID != userID || claims.Username != "avery" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	_, err = v.Verify(context.Background(), "bogus-token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Verify(bogus) error = %v, want ErrInvalidToken", err)
	}
}

func TestVerifyCachesVerdicts(t *testing.T) {
	userID := uuid.New()
	var calls atomic.Int64
	srv := identityServer(t, userID, &calls)
	v := NewVerifier(Options{AuthServiceURL: srv.URL})

	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), "valid-token"); err != nil {
			t.Fatalf("Verify() #%d error = %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("identity service called %d times, want 1", got)
	}
}

func TestVerifyCacheExpires(t *testing.T) {
	userID := uuid.New()
	var calls atomic.Int64
	srv := identityServer(t, userID, &calls)
	v := NewVerifier(Options{AuthServiceURL: srv.URL, CacheTTL: 30 * time.Millisecond})

	if _, err := v.Verify(context.Background(), "valid-token"); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := v.Verify(context.Background(), "valid-token"); err != nil {
		t.Fatalf("Verify() after expiry error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("identity service called %d times, want 2", got)
	}
}

func TestVerifyCacheTTLCappedByTokenExpiry(t *testing.T) {
	secret := []byte("secret")
	v := NewVerifier(Options{Secret: secret})

	// The token outlives the cache window in one direction only: a token
	// with 30ms left must not be served from cache after it expires.
	issued := signToken(t, secret, jwt.SigningMethodHS256, uuid.New(), time.Now().Add(30*time.Millisecond))
	if _, err := v.Verify(context.Background(), issued); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	_, err := v.Verify(context.Background(), issued)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("Verify() after token expiry error = %v, want ErrExpiredToken", err)
	}
}

func TestVerifyCacheCeiling(t *testing.T) {
	secret := []byte("secret")
	v := NewVerifier(Options{Secret: secret, CacheSize: 2})

	for i := 0; i < 5; i++ {
		issued := signToken(t, secret, jwt.SigningMethodHS256, uuid.New(), time.Now().Add(time.Hour))
		if _, err := v.Verify(context.Background(), issued); err != nil {
			t.Fatalf("Verify() #%d error = %v", i, err)
		}
	}
	if got := v.CacheLen(); got != 2 {
		t.Fatalf("CacheLen() = %d, want 2", got)
	}
}

func TestVerifyRevokedToken(t *testing.T) {
	secret := []byte("secret")
	issued := signToken(t, secret, jwt.SigningMethodHS256, uuid.New(), time.Now().Add(time.Hour))
	revocations := &stubRevocations{revoked: map[string]bool{}}
	v := NewVerifier(Options{Secret: secret, Revocations: revocations})

	// Cache the verdict, then revoke: the cached entry must not shadow the
	// revocation.
	if _, err := v.Verify(context.Background(), issued); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	revocations.revoked[issued] = true
	_, err := v.Verify(context.Background(), issued)
	if !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("Verify() error = %v, want ErrRevokedToken", err)
	}
}

func TestVerifyRevocationBackendDown(t *testing.T) {
	secret := []byte("secret")
	issued := signToken(t, secret, jwt.SigningMethodHS256, uuid.New(), time.Now().Add(time.Hour))
	v := NewVerifier(Options{Secret: secret, Revocations: &stubRevocations{err: errors.New("redis down")}})

	if _, err := v.Verify(context.Background(), issued); err != nil {
		t.Fatalf("Verify() error = %v, want admission despite revocation backend error", err)
	}
}

func TestVerifyIdentityServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	v := NewVerifier(Options{AuthServiceURL: srv.URL})

	_, err := v.Verify(context.Background(), "valid-token")
	if err == nil {
		t.Fatal("expected error when identity service is unavailable")
	}
	if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrExpiredToken) {
		t.Fatalf("backend failure must not look like a bad token, got %v", err)
	}
}
