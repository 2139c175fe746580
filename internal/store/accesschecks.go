package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vnguysoftware/revguard/internal/models"
)

// InsertAccessCheck records a customer-reported access observation.
func (s *Store) InsertAccessCheck(ctx context.Context, ac *models.AccessCheck) error {
	if ac.ID == "" {
		ac.ID = uuid.NewString()
	}
	if ac.ReportedAt.IsZero() {
		ac.ReportedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_checks (id, org_id, user_id, product_id, external_user_id, has_access, reported_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ac.ID, ac.OrgID, nullStr(ac.UserID), nullStr(ac.ProductID), ac.ExternalUserID, ac.HasAccess, ac.ReportedAt)
	if err != nil {
		return fmt.Errorf("insert access check: %w", err)
	}
	return nil
}

// LatestAccessCheck returns a user's most recent access observation.
func (s *Store) LatestAccessCheck(ctx context.Context, orgID, userID string) (*models.AccessCheck, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, product_id, external_user_id, has_access, reported_at
		 FROM access_checks WHERE org_id = $1 AND user_id = $2
		 ORDER BY reported_at DESC LIMIT 1`, orgID, userID)

	var ac models.AccessCheck
	var userIDCol, productID sql.NullString
	err := row.Scan(&ac.ID, &ac.OrgID, &userIDCol, &productID, &ac.ExternalUserID, &ac.HasAccess, &ac.ReportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan access check: %w", err)
	}
	ac.UserID = strOrEmpty(userIDCol)
	ac.ProductID = strOrEmpty(productID)
	return &ac, nil
}

// ListUsersWithRecentAccessChecks returns user ids that reported at least one
// access check since the watermark. Tier-2 scheduled detectors iterate these.
func (s *Store) ListUsersWithRecentAccessChecks(ctx context.Context, orgID string, since time.Time, limit int) ([]string, error) {
	if limit <= 0 || limit > 10000 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM access_checks
		 WHERE org_id = $1 AND user_id IS NOT NULL AND reported_at >= $2 LIMIT $3`,
		orgID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list users with access checks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan access check user: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
