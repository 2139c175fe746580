// Package identity maps provider-side identifiers to canonical users. Each
// webhook's hints either land on an existing user, create a new one, or
// trigger a merge when they straddle several.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

// Resolver performs hint-based and external-id-based user resolution.
type Resolver struct {
	store *store.Store
}

func NewResolver(st *store.Store) *Resolver {
	return &Resolver{store: st}
}

// Resolve maps hints to exactly one canonical user id, creating or merging
// users as needed. Returns "" when no hint carries an identifier (anonymous
// events persist without a user). Merges are serialized per org via an
// advisory lock, so the whole resolution runs in one transaction.
func (r *Resolver) Resolve(ctx context.Context, orgID string, hints []models.IdentityHint) (string, error) {
	hints = normalizeHints(hints)
	if len(hints) == 0 {
		return "", nil
	}

	var userID string
	err := r.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.AcquireOrgLock(ctx, tx, orgID); err != nil {
			return err
		}
		resolved, err := r.resolveLocked(ctx, tx, orgID, hints)
		if err != nil {
			return err
		}
		userID = resolved
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("identity: resolve: %w", err)
	}
	return userID, nil
}

func (r *Resolver) resolveLocked(ctx context.Context, tx *sql.Tx, orgID string, hints []models.IdentityHint) (string, error) {
	candidates := make(map[string]struct{})
	for _, hint := range hints {
		owner, err := store.FindIdentityOwner(ctx, tx, orgID, hint.Source, hint.IDType, hint.ExternalID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		candidates[owner] = struct{}{}
	}

	var userID string
	switch len(candidates) {
	case 0:
		user := &models.User{OrgID: orgID, Email: emailFromHints(hints)}
		if err := store.CreateUser(ctx, tx, user); err != nil {
			return "", err
		}
		userID = user.ID
	case 1:
		for id := range candidates {
			userID = id
		}
	default:
		survivor, err := r.merge(ctx, tx, orgID, keys(candidates))
		if err != nil {
			return "", err
		}
		userID = survivor
	}

	// New users start with updated_at = created_at; existing ones get bumped
	// so recency-ordered lookups track billing activity.
	if len(candidates) > 0 {
		if err := store.TouchUser(ctx, tx, orgID, userID); err != nil {
			return "", err
		}
	}

	for _, hint := range hints {
		owner, err := store.UpsertIdentity(ctx, tx, &models.UserIdentity{
			OrgID:      orgID,
			UserID:     userID,
			Source:     hint.Source,
			IDType:     hint.IDType,
			ExternalID: hint.ExternalID,
			Metadata:   hint.Metadata,
		})
		if err != nil {
			return "", err
		}
		// A concurrent insert from before our lock can own the row; their
		// user wins for that identifier.
		if owner != userID {
			log.Debug().
				Str("org_id", orgID).
				Str("hint_owner", owner).
				Str("resolved", userID).
				Msg("identity hint already owned by another user")
		}
	}
	if email := emailFromHints(hints); email != "" {
		if err := store.UpdateUserEmail(ctx, tx, orgID, userID, email); err != nil {
			return "", err
		}
	}
	return userID, nil
}

// merge collapses candidate users onto the oldest one and rewrites every FK.
func (r *Resolver) merge(ctx context.Context, tx *sql.Tx, orgID string, candidates []string) (string, error) {
	survivor, err := store.GetOldestUser(ctx, tx, orgID, candidates)
	if err != nil {
		return "", fmt.Errorf("pick merge survivor: %w", err)
	}
	merged := make([]string, 0, len(candidates)-1)
	for _, id := range candidates {
		if id == survivor.ID {
			continue
		}
		if err := store.ReassignUserRefs(ctx, tx, orgID, id, survivor.ID); err != nil {
			return "", err
		}
		if err := store.DeleteUser(ctx, tx, orgID, id); err != nil {
			return "", err
		}
		merged = append(merged, id)
	}

	if err := store.InsertAudit(ctx, tx, &models.AuditEntry{
		OrgID:  orgID,
		Actor:  "identity-resolver",
		Action: "user.merge",
		Details: store.AuditDetails(map[string]any{
			"survivor": survivor.ID,
			"merged":   merged,
		}),
	}); err != nil {
		log.Error().Err(err).Str("org_id", orgID).Msg("failed to write merge audit entry")
	}

	log.Info().
		Str("org_id", orgID).
		Str("survivor", survivor.ID).
		Strs("merged", merged).
		Msg("merged duplicate users")
	return survivor.ID, nil
}

// ResolveByExternalID serves the access-check path: a single identifier
// looked up across all sources and id types. Ambiguity prefers the most
// recently updated user. Creates a user when nothing matches.
func (r *Resolver) ResolveByExternalID(ctx context.Context, orgID, externalID string) (string, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return "", fmt.Errorf("identity: empty external id")
	}

	var userID string
	err := r.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := store.AcquireOrgLock(ctx, tx, orgID); err != nil {
			return err
		}
		candidates, err := store.FindUsersByExternalID(ctx, tx, orgID, externalID)
		if err != nil {
			return err
		}
		if len(candidates) > 0 {
			userID = candidates[0]
			return nil
		}
		user := &models.User{OrgID: orgID, ExternalUserID: externalID}
		if err := store.CreateUser(ctx, tx, user); err != nil {
			return err
		}
		if _, err := store.UpsertIdentity(ctx, tx, &models.UserIdentity{
			OrgID:      orgID,
			UserID:     user.ID,
			Source:     models.SourceApp,
			IDType:     models.IDAppUserID,
			ExternalID: externalID,
		}); err != nil {
			return err
		}
		userID = user.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("identity: resolve by external id: %w", err)
	}
	return userID, nil
}

// normalizeHints drops empty identifiers and lowercases emails.
func normalizeHints(hints []models.IdentityHint) []models.IdentityHint {
	out := hints[:0]
	for _, hint := range hints {
		hint.ExternalID = strings.TrimSpace(hint.ExternalID)
		if hint.ExternalID == "" {
			continue
		}
		if hint.IDType == models.IDEmail {
			hint.ExternalID = strings.ToLower(hint.ExternalID)
		}
		out = append(out, hint)
	}
	return out
}

func emailFromHints(hints []models.IdentityHint) string {
	for _, hint := range hints {
		if hint.IDType == models.IDEmail {
			return hint.ExternalID
		}
	}
	return ""
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
