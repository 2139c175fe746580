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

// InsertWebhookLog records an inbound delivery. The receiver writes this row
// before any processing so failed deliveries still leave a trace.
func (s *Store) InsertWebhookLog(ctx context.Context, wl *models.WebhookLog) error {
	if wl.ID == "" {
		wl.ID = uuid.NewString()
	}
	if wl.CreatedAt.IsZero() {
		wl.CreatedAt = time.Now().UTC()
	}
	if wl.Status == "" {
		wl.Status = models.WebhookReceived
	}
	var headers, body any
	if len(wl.Headers) > 0 {
		headers = []byte(wl.Headers)
	}
	if len(wl.Body) > 0 {
		body = []byte(wl.Body)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_logs
			(id, org_id, source, processing_status, event_type, external_event_id, error_message, headers, body, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		wl.ID, wl.OrgID, wl.Source, wl.Status, wl.EventType, wl.ExternalEventID,
		wl.ErrorMessage, headers, body, wl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert webhook log: %w", err)
	}
	return nil
}

// UpdateWebhookLogStatus moves a log row through its processing lifecycle.
func (s *Store) UpdateWebhookLogStatus(ctx context.Context, orgID, logID string, status models.WebhookStatus, errorMessage string) error {
	var processedAt any
	if status == models.WebhookProcessed || status == models.WebhookFailed || status == models.WebhookSkipped {
		processedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_logs SET processing_status = $3,
			error_message = COALESCE(NULLIF($4, ''), error_message),
			processed_at = COALESCE($5, processed_at)
		 WHERE org_id = $1 AND id = $2`,
		orgID, logID, status, errorMessage, processedAt)
	if err != nil {
		return fmt.Errorf("update webhook log: %w", err)
	}
	return nil
}

// SetWebhookLogEvent backfills the event classification once normalization ran.
func (s *Store) SetWebhookLogEvent(ctx context.Context, orgID, logID, eventType, externalEventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_logs SET event_type = $3, external_event_id = $4 WHERE org_id = $1 AND id = $2`,
		orgID, logID, eventType, externalEventID)
	if err != nil {
		return fmt.Errorf("set webhook log event: %w", err)
	}
	return nil
}

// GetWebhookLog fetches one delivery record.
func (s *Store) GetWebhookLog(ctx context.Context, orgID, logID string) (*models.WebhookLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, source, processing_status, event_type, external_event_id,
			error_message, headers, body, created_at, processed_at
		 FROM webhook_logs WHERE org_id = $1 AND id = $2`, orgID, logID)

	var wl models.WebhookLog
	var headers, body []byte
	var processedAt sql.NullTime
	err := row.Scan(&wl.ID, &wl.OrgID, &wl.Source, &wl.Status, &wl.EventType,
		&wl.ExternalEventID, &wl.ErrorMessage, &headers, &body, &wl.CreatedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook log: %w", err)
	}
	wl.Headers = headers
	wl.Body = body
	wl.ProcessedAt = timeOrNil(processedAt)
	return &wl, nil
}

// LatestWebhookAt returns the newest delivery time for (org, source), or
// zero when none was ever received.
func (s *Store) LatestWebhookAt(ctx context.Context, orgID string, source models.Source) (time.Time, error) {
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM webhook_logs WHERE org_id = $1 AND source = $2`,
		orgID, source).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest webhook at: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}
