package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vnguysoftware/revguard/internal/models"
)

// InsertEventIdempotent writes a canonical event, returning false when the
// (org_id, idempotency_key) pair already exists. Duplicate deliveries and
// worker retries both land here and are silently absorbed.
func InsertEventIdempotent(ctx context.Context, q Querier, ev *models.CanonicalEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = time.Now().UTC()
	}
	var raw any
	if len(ev.RawPayload) > 0 {
		raw = []byte(ev.RawPayload)
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO canonical_events
			(id, org_id, source, source_event_type, event_type, event_time, status,
			 user_id, product_id, external_subscription_id, external_event_id,
			 idempotency_key, amount_cents, currency, period_type, expiration_time,
			 cancellation_reason, environment, raw_payload, ingested_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		 ON CONFLICT (org_id, idempotency_key) DO NOTHING`,
		ev.ID, ev.OrgID, ev.Source, ev.SourceEventType, ev.EventType, ev.EventTime, ev.Status,
		nullStr(ev.UserID), nullStr(ev.ProductID), nullStr(ev.ExternalSubscriptionID), nullStr(ev.ExternalEventID),
		ev.IdempotencyKey, ev.AmountCents, ev.Currency, ev.PeriodType, nullTime(ev.ExpirationTime),
		ev.CancellationReason, ev.Environment, raw, ev.IngestedAt)
	if err != nil {
		return false, fmt.Errorf("insert canonical event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert canonical event rows: %w", err)
	}
	return n == 1, nil
}

const eventColumns = `id, org_id, source, source_event_type, event_type, event_time, status,
	user_id, product_id, external_subscription_id, external_event_id,
	idempotency_key, amount_cents, currency, period_type, expiration_time,
	cancellation_reason, environment, raw_payload, ingested_at`

// ListEventsByUser returns a user's events, newest first.
func (s *Store) ListEventsByUser(ctx context.Context, orgID, userID string, limit int) ([]models.CanonicalEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM canonical_events
		 WHERE org_id = $1 AND user_id = $2 ORDER BY event_time DESC LIMIT $3`,
		orgID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events by user: %w", err)
	}
	return collectEvents(rows)
}

// ListRecentEvents returns the tenant's events since a watermark.
func (s *Store) ListRecentEvents(ctx context.Context, orgID string, since time.Time, limit int) ([]models.CanonicalEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM canonical_events
		 WHERE org_id = $1 AND event_time >= $2 ORDER BY event_time DESC LIMIT $3`,
		orgID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	return collectEvents(rows)
}

// CountEventsByTypeSince counts a tenant's events of one type and status in
// a window. The renewal-anomaly detector reads failure rates from this.
func (s *Store) CountEventsByTypeSince(ctx context.Context, orgID string, eventType models.EventType, status models.EventStatus, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM canonical_events
		 WHERE org_id = $1 AND event_type = $2 AND status = $3 AND event_time >= $4`,
		orgID, eventType, status, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func collectEvents(rows *sql.Rows) ([]models.CanonicalEvent, error) {
	defer rows.Close()
	var out []models.CanonicalEvent
	for rows.Next() {
		ev, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanEventRows(rows *sql.Rows) (*models.CanonicalEvent, error) {
	var ev models.CanonicalEvent
	var userID, productID, extSub, extEvent sql.NullString
	var expiration sql.NullTime
	var raw []byte
	err := rows.Scan(&ev.ID, &ev.OrgID, &ev.Source, &ev.SourceEventType, &ev.EventType,
		&ev.EventTime, &ev.Status, &userID, &productID, &extSub, &extEvent,
		&ev.IdempotencyKey, &ev.AmountCents, &ev.Currency, &ev.PeriodType, &expiration,
		&ev.CancellationReason, &ev.Environment, &raw, &ev.IngestedAt)
	if err != nil {
		return nil, fmt.Errorf("scan canonical event: %w", err)
	}
	ev.UserID = strOrEmpty(userID)
	ev.ProductID = strOrEmpty(productID)
	ev.ExternalSubscriptionID = strOrEmpty(extSub)
	ev.ExternalEventID = strOrEmpty(extEvent)
	ev.ExpirationTime = timeOrNil(expiration)
	ev.RawPayload = raw
	return &ev, nil
}
