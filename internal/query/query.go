// Package query is the read side: dashboard rollups and integration health,
// composed from store aggregates. Nothing here mutates state.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

// Service answers dashboard and health queries for one deployment.
type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// Dashboard is the landing-page feed: the issue rollup, the freshest issues,
// recent event volume, and per-connection health.
type Dashboard struct {
	Summary      *store.IssueSummary `json:"summary"`
	RecentIssues []models.Issue      `json:"recentIssues"`
	EventsLast24 int                 `json:"eventsLast24h"`
	Connections  []IntegrationHealth `json:"connections"`
	GeneratedAt  time.Time           `json:"generatedAt"`
}

// IntegrationHealth describes one provider connection's recent behavior.
type IntegrationHealth struct {
	Source        models.Source `json:"source"`
	IsActive      bool          `json:"isActive"`
	SyncStatus    string        `json:"syncStatus,omitempty"`
	LastSyncAt    *time.Time    `json:"lastSyncAt,omitempty"`
	LastWebhookAt *time.Time    `json:"lastWebhookAt,omitempty"`
	HoursSince    float64       `json:"hoursSinceLastWebhook"`
	Healthy       bool          `json:"healthy"`
}

// healthyWindow is how long a connection may stay silent before the
// dashboard flags it.
const healthyWindow = 24 * time.Hour

// IssueSummary returns the tenant's issue rollup.
func (s *Service) IssueSummary(ctx context.Context, orgID string) (*store.IssueSummary, error) {
	return s.store.SummarizeIssues(ctx, orgID)
}

// Dashboard assembles the tenant's landing-page feed.
func (s *Service) Dashboard(ctx context.Context, orgID string) (*Dashboard, error) {
	now := time.Now().UTC()

	summary, err := s.store.SummarizeIssues(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("query: issue summary: %w", err)
	}
	issues, err := s.store.ListIssues(ctx, orgID, store.IssueFilter{Status: string(models.IssueOpen), Limit: 10})
	if err != nil {
		return nil, fmt.Errorf("query: recent issues: %w", err)
	}
	events, err := s.store.ListRecentEvents(ctx, orgID, now.Add(-24*time.Hour), 1000)
	if err != nil {
		return nil, fmt.Errorf("query: recent events: %w", err)
	}
	health, err := s.IntegrationHealthAll(ctx, orgID)
	if err != nil {
		return nil, err
	}

	return &Dashboard{
		Summary:      summary,
		RecentIssues: issues,
		EventsLast24: len(events),
		Connections:  health,
		GeneratedAt:  now,
	}, nil
}

// IntegrationHealthAll reports per-connection delivery health.
func (s *Service) IntegrationHealthAll(ctx context.Context, orgID string) ([]IntegrationHealth, error) {
	conns, err := s.store.ListConnections(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("query: connections: %w", err)
	}
	now := time.Now().UTC()

	out := make([]IntegrationHealth, 0, len(conns))
	for _, conn := range conns {
		h := IntegrationHealth{
			Source:        conn.Source,
			IsActive:      conn.IsActive,
			SyncStatus:    conn.SyncStatus,
			LastSyncAt:    conn.LastSyncAt,
			LastWebhookAt: conn.LastWebhookAt,
		}
		last := conn.CreatedAt
		if conn.LastWebhookAt != nil {
			last = *conn.LastWebhookAt
		}
		h.HoursSince = now.Sub(last).Hours()
		h.Healthy = conn.IsActive && now.Sub(last) < healthyWindow
		out = append(out, h)
	}
	return out, nil
}
