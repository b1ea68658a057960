package auth

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultCacheSize = 10000
	defaultCacheTTL  = 60 * time.Second
)

// RevocationChecker reports whether a token has been revoked upstream.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

type Options struct {
	// Secret enables local HMAC verification when non-empty.
	Secret []byte
	// AuthServiceURL is the identity service base URL; used for remote
	// introspection when no local secret is configured.
	AuthServiceURL string
	Revocations    RevocationChecker
	HTTPClient     *http.Client
	CacheSize      int
	CacheTTL       time.Duration
}

type cacheEntry struct {
	claims  Claims
	expires time.Time
	elem    *list.Element
}

// Verifier resolves bearer tokens to claims, caching successful verdicts.
type Verifier struct {
	secret      []byte
	authURL     string
	client      *http.Client
	revocations RevocationChecker
	cacheTTL    time.Duration
	maxEntries  int

	mu    sync.Mutex
	cache map[string]*cacheEntry
	lru   *list.List
}

func NewVerifier(opts Options) *Verifier {
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Verifier{
		secret:      opts.Secret,
		authURL:     strings.TrimRight(opts.AuthServiceURL, "/"),
		client:      opts.HTTPClient,
		revocations: opts.Revocations,
		cacheTTL:    opts.CacheTTL,
		maxEntries:  opts.CacheSize,
		cache:       make(map[string]*cacheEntry),
		lru:         list.New(),
	}
}

// Verify resolves a token to its claims. Revocation is consulted on every
// call; a cached verdict does not bypass it. Errors other than
// ErrInvalidToken, ErrExpiredToken and ErrRevokedToken mean the verification
// backend itself failed.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInvalidToken
	}

	if v.revocations != nil {
		revoked, err := v.revocations.IsRevoked(ctx, token)
		if err == nil && revoked {
			return Claims{}, ErrRevokedToken
		}
	}

	if claims, ok := v.cached(token); ok {
		return claims, nil
	}

	var claims Claims
	var err error
	switch {
	case len(v.secret) > 0:
		claims, err = VerifyJWT(v.secret, token)
	case v.authURL != "":
		claims, err = v.introspect(ctx, token)
	default:
		return Claims{}, fmt.Errorf("no token verifier configured")
	}
	if err != nil {
		return Claims{}, err
	}

	v.store(token, claims)
	return claims, nil
}

func (v *Verifier) introspect(ctx context.Context, token string) (Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.authURL+"/api/v1/users/me", nil)
	if err != nil {
		return Claims{}, fmt.Errorf("build introspect request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return Claims{}, fmt.Errorf("call identity service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return Claims{}, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return Claims{}, fmt.Errorf("identity service returned %d", resp.StatusCode)
	}

	var user struct {
		ID       uuid.UUID `json:"id"`
		Username string    `json:"username"`
		Email    string    `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return Claims{}, fmt.Errorf("decode identity response: %w", err)
	}
	if user.ID == uuid.Nil {
		return Claims{}, ErrInvalidToken
	}

	// The introspection response carries no expiry; a remote verdict lives
	// for one cache window.
	return Claims{
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		ExpiresAt: time.Now().Add(v.cacheTTL),
	}, nil
}

func (v *Verifier) cached(token string) (Claims, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	ent, ok := v.cache[token]
	if !ok {
		return Claims{}, false
	}
	if time.Now().After(ent.expires) {
		v.evictLocked(token)
		return Claims{}, false
	}
	v.lru.MoveToFront(ent.elem)
	v.purgeExpiredLocked()
	return ent.claims, true
}

func (v *Verifier) store(token string, claims Claims) {
	ttl := time.Until(claims.ExpiresAt)
	if ttl > v.cacheTTL {
		ttl = v.cacheTTL
	}
	if ttl <= 0 {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if ent, ok := v.cache[token]; ok {
		ent.claims = claims
		ent.expires = time.Now().Add(ttl)
		v.lru.MoveToFront(ent.elem)
		return
	}
	for len(v.cache) >= v.maxEntries {
		oldest := v.lru.Back()
		if oldest == nil {
			break
		}
		v.evictLocked(oldest.Value.(string))
	}
	ent := &cacheEntry{claims: claims, expires: time.Now().Add(ttl)}
	ent.elem = v.lru.PushFront(token)
	v.cache[token] = ent
}

func (v *Verifier) evictLocked(token string) {
	if ent, ok := v.cache[token]; ok {
		v.lru.Remove(ent.elem)
		delete(v.cache, token)
	}
}

func (v *Verifier) purgeExpiredLocked() {
	now := time.Now()
	for token, ent := range v.cache {
		if now.After(ent.expires) {
			v.lru.Remove(ent.elem)
			delete(v.cache, token)
		}
	}
}

// CacheLen reports the number of cached verdicts.
func (v *Verifier) CacheLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}
