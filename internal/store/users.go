package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vnguysoftware/revguard/internal/models"
)

// Querier abstracts *sql.DB and *sql.Tx so identity resolution can run its
// reads and writes inside the merge transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB exposes the raw handle for Querier-based call sites.
func (s *Store) DB() *sql.DB { return s.db }

// CreateUser inserts a new canonical user.
func CreateUser(ctx context.Context, q Querier, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO users (id, org_id, email, external_user_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.OrgID, nullStr(user.Email), nullStr(user.ExternalUserID), user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetUser fetches one user within the tenant.
func GetUser(ctx context.Context, q Querier, orgID, userID string) (*models.User, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, org_id, email, external_user_id, created_at, updated_at FROM users WHERE org_id = $1 AND id = $2`,
		orgID, userID)
	return scanUser(row)
}

// DeleteUser removes a user row. Only the identity merge calls this, after
// every FK has been rewritten to the survivor.
func DeleteUser(ctx context.Context, q Querier, orgID, userID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM users WHERE org_id = $1 AND id = $2`, orgID, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// UpdateUserEmail fills in an email learned from a later hint. Existing
// non-empty emails are kept.
func UpdateUserEmail(ctx context.Context, q Querier, orgID, userID, email string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE users SET email = $3, updated_at = now() WHERE org_id = $1 AND id = $2 AND (email IS NULL OR email = '')`,
		orgID, userID, email)
	if err != nil {
		return fmt.Errorf("update user email: %w", err)
	}
	return nil
}

// TouchUser bumps updated_at. Called whenever an event lands on an existing
// user, so recency-ordered lookups reflect billing activity.
func TouchUser(ctx context.Context, q Querier, orgID, userID string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE users SET updated_at = now() WHERE org_id = $1 AND id = $2`,
		orgID, userID)
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

// UpsertIdentity links an external identifier to a user. On conflict the
// existing row wins and its user_id is returned, which makes concurrent
// inserts race-safe.
func UpsertIdentity(ctx context.Context, q Querier, ident *models.UserIdentity) (ownerUserID string, err error) {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = time.Now().UTC()
	}
	var meta any
	if len(ident.Metadata) > 0 {
		raw, err := json.Marshal(ident.Metadata)
		if err != nil {
			return "", fmt.Errorf("marshal identity metadata: %w", err)
		}
		meta = raw
	}
	row := q.QueryRowContext(ctx,
		`INSERT INTO user_identities (id, org_id, user_id, source, id_type, external_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (org_id, source, id_type, external_id) DO UPDATE SET metadata = COALESCE(user_identities.metadata, EXCLUDED.metadata)
		 RETURNING user_id`,
		ident.ID, ident.OrgID, ident.UserID, ident.Source, ident.IDType, ident.ExternalID, meta, ident.CreatedAt)
	if err := row.Scan(&ownerUserID); err != nil {
		return "", fmt.Errorf("upsert identity: %w", err)
	}
	return ownerUserID, nil
}

// FindIdentityOwner returns the user owning (source, id_type, external_id),
// or ErrNotFound.
func FindIdentityOwner(ctx context.Context, q Querier, orgID string, source models.Source, idType models.IDType, externalID string) (string, error) {
	var userID string
	err := q.QueryRowContext(ctx,
		`SELECT user_id FROM user_identities
		 WHERE org_id = $1 AND source = $2 AND id_type = $3 AND external_id = $4`,
		orgID, source, idType, externalID).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find identity owner: %w", err)
	}
	return userID, nil
}

// FindUsersByExternalID returns candidate users holding externalID under any
// source and id_type, most recently updated first. Used by the access-check
// resolution path.
func FindUsersByExternalID(ctx context.Context, q Querier, orgID, externalID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT ui.user_id, u.updated_at FROM user_identities ui
		 JOIN users u ON u.id = ui.user_id
		 WHERE ui.org_id = $1 AND ui.external_id = $2
		 ORDER BY u.updated_at DESC`,
		orgID, externalID)
	if err != nil {
		return nil, fmt.Errorf("find users by external id: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		var updatedAt time.Time
		if err := rows.Scan(&id, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan candidate user: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReassignUserRefs points every FK from the merged user to the survivor.
func ReassignUserRefs(ctx context.Context, q Querier, orgID, fromUserID, toUserID string) error {
	statements := []string{
		`UPDATE user_identities SET user_id = $3 WHERE org_id = $1 AND user_id = $2`,
		`UPDATE canonical_events SET user_id = $3 WHERE org_id = $1 AND user_id = $2`,
		`UPDATE issues SET user_id = $3 WHERE org_id = $1 AND user_id = $2`,
		`UPDATE access_checks SET user_id = $3 WHERE org_id = $1 AND user_id = $2`,
	}
	for _, stmt := range statements {
		if _, err := q.ExecContext(ctx, stmt, orgID, fromUserID, toUserID); err != nil {
			return fmt.Errorf("reassign user refs: %w", err)
		}
	}
	// Entitlement rows can collide with the survivor's on (user, product,
	// source); the merged duplicate is dropped in that case, the survivor's
	// row being the older authority.
	if _, err := q.ExecContext(ctx,
		`DELETE FROM entitlements e WHERE e.org_id = $1 AND e.user_id = $2 AND EXISTS (
			SELECT 1 FROM entitlements s WHERE s.org_id = $1 AND s.user_id = $3
				AND s.product_id IS NOT DISTINCT FROM e.product_id AND s.source = e.source)`,
		orgID, fromUserID, toUserID); err != nil {
		return fmt.Errorf("drop colliding entitlements: %w", err)
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE entitlements SET user_id = $3 WHERE org_id = $1 AND user_id = $2`,
		orgID, fromUserID, toUserID); err != nil {
		return fmt.Errorf("reassign entitlements: %w", err)
	}
	return nil
}

// GetOldestUser returns the earliest-created of the given users. The merge
// picks it as survivor.
func GetOldestUser(ctx context.Context, q Querier, orgID string, userIDs []string) (*models.User, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, org_id, email, external_user_id, created_at, updated_at FROM users
		 WHERE org_id = $1 AND id = ANY($2)
		 ORDER BY created_at, id LIMIT 1`,
		orgID, pqStringArray(userIDs))
	if err != nil {
		return nil, fmt.Errorf("get oldest user: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanUserRows(rows)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var email, external sql.NullString
	err := row.Scan(&u.ID, &u.OrgID, &email, &external, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Email = strOrEmpty(email)
	u.ExternalUserID = strOrEmpty(external)
	return &u, nil
}

func scanUserRows(rows *sql.Rows) (*models.User, error) {
	var u models.User
	var email, external sql.NullString
	if err := rows.Scan(&u.ID, &u.OrgID, &email, &external, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Email = strOrEmpty(email)
	u.ExternalUserID = strOrEmpty(external)
	return &u, nil
}
