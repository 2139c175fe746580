package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/vnguysoftware/revguard/internal/models"
)

// CreateAlertConfig adds an outbound alert destination for a tenant.
func (s *Store) CreateAlertConfig(ctx context.Context, ac *models.AlertConfig) error {
	if ac.ID == "" {
		ac.ID = uuid.NewString()
	}
	if ac.CreatedAt.IsZero() {
		ac.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_configs
			(id, org_id, channel, url, routing_key, secret, slack_channel, event_filter, is_active, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ac.ID, ac.OrgID, ac.Channel, ac.URL, ac.RoutingKey, ac.Secret, ac.SlackChan,
		pq.Array(ac.EventFilter), ac.IsActive, ac.CreatedAt)
	if err != nil {
		return fmt.Errorf("create alert config: %w", err)
	}
	return nil
}

// ListActiveAlertConfigs returns the tenant's enabled alert destinations.
func (s *Store) ListActiveAlertConfigs(ctx context.Context, orgID string) ([]models.AlertConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, channel, url, routing_key, secret, slack_channel, event_filter, is_active, created_at
		 FROM alert_configs WHERE org_id = $1 AND is_active ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list alert configs: %w", err)
	}
	defer rows.Close()

	var out []models.AlertConfig
	for rows.Next() {
		var ac models.AlertConfig
		if err := rows.Scan(&ac.ID, &ac.OrgID, &ac.Channel, &ac.URL, &ac.RoutingKey,
			&ac.Secret, &ac.SlackChan, pq.Array(&ac.EventFilter), &ac.IsActive, &ac.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert config: %w", err)
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}
