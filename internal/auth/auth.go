// Package auth implements API key issuance and verification. Keys are
// `rev_{64-hex}`; only the SHA-256 hash is stored, the plaintext is shown
// once at creation.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

// Canonical API key scope strings. An empty scope set grants full access.
const (
	ScopeIssuesRead        = "issues:read"
	ScopeIssuesWrite       = "issues:write"
	ScopeAccessChecksWrite = "access_checks:write"
	ScopeSetupWrite        = "setup:write"
	ScopeBackfillRun       = "backfill:run"
	ScopeAdmin             = "admin"
)

// AllKnownScopes enumerates scopes recognized by the backend.
var AllKnownScopes = []string{
	ScopeIssuesRead,
	ScopeIssuesWrite,
	ScopeAccessChecksWrite,
	ScopeSetupWrite,
	ScopeBackfillRun,
	ScopeAdmin,
}

var scopeLookup = func() map[string]struct{} {
	lookup := make(map[string]struct{}, len(AllKnownScopes))
	for _, scope := range AllKnownScopes {
		lookup[scope] = struct{}{}
	}
	return lookup
}()

const keyPrefix = "rev_"

var (
	// ErrInvalidKey is returned for missing, malformed, or unknown keys.
	ErrInvalidKey = errors.New("auth: invalid API key")
	// ErrExpiredKey is returned when the key exists but expired.
	ErrExpiredKey = errors.New("auth: API key expired")
	// ErrForbidden is returned when the key lacks a required scope.
	ErrForbidden = errors.New("auth: missing scope")
	// ErrUnknownScope rejects key creation with unrecognized scopes.
	ErrUnknownScope = errors.New("auth: unknown scope")
)

// GenerateKey mints a new plaintext key and its storable record. The
// plaintext leaves this function exactly once.
func GenerateKey(orgID, name string, scopes []string, expiresAt *time.Time) (string, *models.APIKey, error) {
	for _, scope := range scopes {
		if _, ok := scopeLookup[scope]; !ok {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
		}
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("auth: generate key: %w", err)
	}
	plaintext := keyPrefix + hex.EncodeToString(raw)
	record := &models.APIKey{
		OrgID:     orgID,
		Hash:      HashKey(plaintext),
		Prefix:    plaintext[:len(keyPrefix)+8],
		Name:      name,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
	}
	return plaintext, record, nil
}

// HashKey returns the hex SHA-256 of a plaintext key.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// KeyStore is the persistence surface the verifier needs.
type KeyStore interface {
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
}

// Verifier resolves bearer keys to an org-bound principal.
type Verifier struct {
	store KeyStore
	now   func() time.Time
}

func NewVerifier(store KeyStore) *Verifier {
	return &Verifier{store: store, now: time.Now}
}

// Principal is the authenticated caller.
type Principal struct {
	Org    *models.Organization
	Key    *models.APIKey
	scopes map[string]struct{}
}

// HasScope reports whether the key grants a scope. Empty scope sets grant
// everything; the admin scope implies all others.
func (p *Principal) HasScope(scope string) bool {
	if len(p.scopes) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAdmin]; ok {
		return true
	}
	_, ok := p.scopes[scope]
	return ok
}

// Verify authenticates a bearer credential.
func (v *Verifier) Verify(ctx context.Context, bearer string) (*Principal, error) {
	bearer = strings.TrimSpace(bearer)
	if !strings.HasPrefix(bearer, keyPrefix) || len(bearer) != len(keyPrefix)+64 {
		return nil, ErrInvalidKey
	}
	key, err := v.store.GetAPIKeyByHash(ctx, HashKey(bearer))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("auth: key lookup: %w", err)
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(v.now()) {
		return nil, ErrExpiredKey
	}
	org, err := v.store.GetOrganization(ctx, key.OrgID)
	if err != nil {
		return nil, fmt.Errorf("auth: org lookup: %w", err)
	}

	p := &Principal{Org: org, Key: key}
	if len(key.Scopes) > 0 {
		p.scopes = make(map[string]struct{}, len(key.Scopes))
		for _, scope := range key.Scopes {
			p.scopes[scope] = struct{}{}
		}
	}
	return p, nil
}

type contextKey struct{}

// WithPrincipal binds the authenticated caller to the request context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom returns the caller bound by WithPrincipal.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok
}
