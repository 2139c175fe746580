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

// UpsertConnection installs or replaces a tenant's provider connection.
func (s *Store) UpsertConnection(ctx context.Context, conn *models.BillingConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO billing_connections
			(id, org_id, source, credentials, webhook_secret, webhook_proxy_url, is_active, sync_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (org_id, source) DO UPDATE SET
			credentials = EXCLUDED.credentials,
			webhook_secret = EXCLUDED.webhook_secret,
			webhook_proxy_url = EXCLUDED.webhook_proxy_url,
			is_active = EXCLUDED.is_active,
			sync_status = EXCLUDED.sync_status`,
		conn.ID, conn.OrgID, conn.Source, conn.Credentials, conn.WebhookSecret,
		conn.WebhookProxyURL, conn.IsActive, conn.SyncStatus, conn.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert connection: %w", err)
	}
	return nil
}

// GetConnection returns the tenant's connection for one provider.
func (s *Store) GetConnection(ctx context.Context, orgID string, source models.Source) (*models.BillingConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, source, credentials, webhook_secret, webhook_proxy_url, is_active,
			last_sync_at, last_webhook_at, sync_status, created_at
		 FROM billing_connections WHERE org_id = $1 AND source = $2`, orgID, source)
	return scanConnection(row)
}

// ListConnections returns all of a tenant's provider connections.
func (s *Store) ListConnections(ctx context.Context, orgID string) ([]models.BillingConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, source, credentials, webhook_secret, webhook_proxy_url, is_active,
			last_sync_at, last_webhook_at, sync_status, created_at
		 FROM billing_connections WHERE org_id = $1 ORDER BY source`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []models.BillingConnection
	for rows.Next() {
		conn, err := scanConnectionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conn)
	}
	return out, rows.Err()
}

// TouchConnectionWebhook records the time of the latest inbound delivery.
// The webhook-gap detector reads this watermark.
func (s *Store) TouchConnectionWebhook(ctx context.Context, orgID string, source models.Source, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE billing_connections SET last_webhook_at = GREATEST(COALESCE(last_webhook_at, 'epoch'), $3)
		 WHERE org_id = $1 AND source = $2`, orgID, source, at)
	if err != nil {
		return fmt.Errorf("touch connection webhook: %w", err)
	}
	return nil
}

// UpdateConnectionSync records backfill/sync progress on the connection row.
func (s *Store) UpdateConnectionSync(ctx context.Context, orgID string, source models.Source, status string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE billing_connections SET sync_status = $3, last_sync_at = $4
		 WHERE org_id = $1 AND source = $2`, orgID, source, status, at)
	if err != nil {
		return fmt.Errorf("update connection sync: %w", err)
	}
	return nil
}

func scanConnection(row *sql.Row) (*models.BillingConnection, error) {
	var c models.BillingConnection
	var lastSync, lastWebhook sql.NullTime
	err := row.Scan(&c.ID, &c.OrgID, &c.Source, &c.Credentials, &c.WebhookSecret,
		&c.WebhookProxyURL, &c.IsActive, &lastSync, &lastWebhook, &c.SyncStatus, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	c.LastSyncAt = timeOrNil(lastSync)
	c.LastWebhookAt = timeOrNil(lastWebhook)
	return &c, nil
}

func scanConnectionRows(rows *sql.Rows) (*models.BillingConnection, error) {
	var c models.BillingConnection
	var lastSync, lastWebhook sql.NullTime
	err := rows.Scan(&c.ID, &c.OrgID, &c.Source, &c.Credentials, &c.WebhookSecret,
		&c.WebhookProxyURL, &c.IsActive, &lastSync, &lastWebhook, &c.SyncStatus, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	c.LastSyncAt = timeOrNil(lastSync)
	c.LastWebhookAt = timeOrNil(lastWebhook)
	return &c, nil
}
