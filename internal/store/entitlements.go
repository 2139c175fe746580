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

const entitlementColumns = `id, org_id, user_id, product_id, source, state,
	current_period_start, current_period_end, cancel_at, trial_end,
	amount_cents, state_history, created_at, updated_at`

// GetEntitlementForUpdate loads (and row-locks) the entitlement for one
// (user, product, source), creating an inactive row on first touch. Must be
// called inside a transaction; the lock serializes concurrent transitions.
func GetEntitlementForUpdate(ctx context.Context, tx *sql.Tx, orgID, userID, productID string, source models.Source) (*models.Entitlement, error) {
	ent, err := scanEntitlement(tx.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE org_id = $1 AND user_id = $2 AND product_id IS NOT DISTINCT FROM $3 AND source = $4
		 FOR UPDATE`,
		orgID, userID, nullStr(productID), source))
	if err == nil {
		return ent, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	ent = &models.Entitlement{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		UserID:    userID,
		ProductID: productID,
		Source:    source,
		State:     models.StateInactive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entitlements (id, org_id, user_id, product_id, source, state, state_history, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, '[]', $7, $7)
		 ON CONFLICT (org_id, user_id, product_id, source) DO NOTHING`,
		ent.ID, ent.OrgID, ent.UserID, nullStr(ent.ProductID), ent.Source, ent.State, now)
	if err != nil {
		return nil, fmt.Errorf("create entitlement: %w", err)
	}
	// Re-read under lock; a concurrent creator may have won the insert.
	return scanEntitlement(tx.QueryRowContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE org_id = $1 AND user_id = $2 AND product_id IS NOT DISTINCT FROM $3 AND source = $4
		 FOR UPDATE`,
		orgID, userID, nullStr(productID), source))
}

// SaveEntitlement writes back a transitioned entitlement row.
func SaveEntitlement(ctx context.Context, tx *sql.Tx, ent *models.Entitlement) error {
	history, err := json.Marshal(ent.StateHistory)
	if err != nil {
		return fmt.Errorf("marshal state history: %w", err)
	}
	ent.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE entitlements SET
			state = $2, current_period_start = $3, current_period_end = $4,
			cancel_at = $5, trial_end = $6, amount_cents = $7,
			state_history = $8, updated_at = $9
		 WHERE id = $1`,
		ent.ID, ent.State, nullTime(ent.CurrentPeriodStart), nullTime(ent.CurrentPeriodEnd),
		nullTime(ent.CancelAt), nullTime(ent.TrialEnd), ent.AmountCents, history, ent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save entitlement: %w", err)
	}
	return nil
}

// ListEntitlementsByUserProduct returns every per-source entitlement for one
// (user, product) pair. Cross-platform detectors compare these.
func (s *Store) ListEntitlementsByUserProduct(ctx context.Context, orgID, userID, productID string) ([]models.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE org_id = $1 AND user_id = $2 AND product_id IS NOT DISTINCT FROM $3`,
		orgID, userID, nullStr(productID))
	if err != nil {
		return nil, fmt.Errorf("list entitlements by user/product: %w", err)
	}
	return collectEntitlements(rows)
}

// ListEntitlementsByUser returns all of a user's entitlements.
func (s *Store) ListEntitlementsByUser(ctx context.Context, orgID, userID string) ([]models.Entitlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE org_id = $1 AND user_id = $2`,
		orgID, userID)
	if err != nil {
		return nil, fmt.Errorf("list entitlements by user: %w", err)
	}
	return collectEntitlements(rows)
}

// ListEntitlementsByState returns a tenant's entitlements in one state.
func (s *Store) ListEntitlementsByState(ctx context.Context, orgID string, state models.EntitlementState, limit int) ([]models.Entitlement, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE org_id = $1 AND state = $2 ORDER BY updated_at LIMIT $3`,
		orgID, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list entitlements by state: %w", err)
	}
	return collectEntitlements(rows)
}

// ListStaleEntitlements finds rows whose period ended in the past but whose
// last update is older than the staleness horizon. Candidates for the
// data-freshness detector.
func (s *Store) ListStaleEntitlements(ctx context.Context, orgID string, updatedBefore time.Time, limit int) ([]models.Entitlement, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE org_id = $1 AND state IN ('trial', 'active')
		   AND current_period_end IS NOT NULL AND current_period_end < now()
		   AND updated_at < $2
		 ORDER BY updated_at LIMIT $3`,
		orgID, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale entitlements: %w", err)
	}
	return collectEntitlements(rows)
}

func collectEntitlements(rows *sql.Rows) ([]models.Entitlement, error) {
	defer rows.Close()
	var out []models.Entitlement
	for rows.Next() {
		ent, err := scanEntitlementRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ent)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row *sql.Row) (*models.Entitlement, error) {
	ent, err := scanEntitlementFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ent, err
}

func scanEntitlementRows(rows *sql.Rows) (*models.Entitlement, error) {
	return scanEntitlementFrom(rows)
}

func scanEntitlementFrom(sc rowScanner) (*models.Entitlement, error) {
	var ent models.Entitlement
	var productID sql.NullString
	var periodStart, periodEnd, cancelAt, trialEnd sql.NullTime
	var history []byte
	err := sc.Scan(&ent.ID, &ent.OrgID, &ent.UserID, &productID, &ent.Source, &ent.State,
		&periodStart, &periodEnd, &cancelAt, &trialEnd,
		&ent.AmountCents, &history, &ent.CreatedAt, &ent.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entitlement: %w", err)
	}
	ent.ProductID = strOrEmpty(productID)
	ent.CurrentPeriodStart = timeOrNil(periodStart)
	ent.CurrentPeriodEnd = timeOrNil(periodEnd)
	ent.CancelAt = timeOrNil(cancelAt)
	ent.TrialEnd = timeOrNil(trialEnd)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &ent.StateHistory); err != nil {
			return nil, fmt.Errorf("decode state history: %w", err)
		}
	}
	return &ent, nil
}
