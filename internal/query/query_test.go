package query

import (
	"context"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(store.NewWithDB(db)), mock
}

func issueColumns() []string {
	return strings.Fields(strings.NewReplacer(",", " ", "\n", " ", "\t", " ").Replace(
		`id, org_id, user_id, issue_type, severity, status, title, description,
		 estimated_revenue_cents, confidence, detector_id, detection_tier, evidence, scope_key,
		 resolution, resolved_at, ai_analysis, ai_analysis_at, created_at, updated_at`))
}

func issueRow(rows *sqlmock.Rows, id, issueType string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, "org-1", nil, issueType, "critical", "open", "t", "d",
		int64(999), 0.9, "det", "billing_only", nil, "",
		"", nil, nil, nil, now, now)
}

func connRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "org_id", "source", "credentials", "webhook_secret",
		"webhook_proxy_url", "is_active", "last_sync_at", "last_webhook_at", "sync_status", "created_at"})
}

func expectSummary(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(`FROM issues WHERE org_id`).
		WillReturnRows(sqlmock.NewRows([]string{"open", "ack", "resolved", "revenue"}).
			AddRow(3, 1, 2, int64(4500)))
	mock.ExpectQuery(`GROUP BY severity, issue_type`).
		WillReturnRows(sqlmock.NewRows([]string{"severity", "issue_type", "count"}).
			AddRow("critical", "duplicate_subscription", 2).
			AddRow("warning", "webhook_delivery_gap", 2))
}

func TestIssueSummary(t *testing.T) {
	s, mock := newTestService(t)
	expectSummary(mock)

	summary, err := s.IssueSummary(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.Open)
	assert.Equal(t, int64(4500), summary.EstimatedRevenueCents)
	assert.Equal(t, int64(2), summary.BySeverity["critical"])
	assert.Equal(t, int64(2), summary.ByType["webhook_delivery_gap"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDashboardAssemblesAllParts(t *testing.T) {
	s, mock := newTestService(t)
	expectSummary(mock)

	mock.ExpectQuery(`FROM issues`).
		WillReturnRows(issueRow(sqlmock.NewRows(issueColumns()), "iss-1", "unrevoked_refund"))
	// Recent event volume only counts rows, so an empty shape is enough.
	mock.ExpectQuery(`FROM canonical_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "org_id", "source", "source_event_type",
			"event_type", "event_time", "status", "user_id", "product_id",
			"external_subscription_id", "external_event_id", "idempotency_key", "amount_cents",
			"currency", "period_type", "expiration_time", "cancellation_reason", "environment",
			"raw_payload", "ingested_at"}))

	fresh := time.Now().Add(-time.Hour)
	mock.ExpectQuery(`FROM billing_connections`).
		WillReturnRows(connRows().
			AddRow("c-1", "org-1", "stripe", "", "", "", true, nil, fresh, "completed", time.Now().Add(-72*time.Hour)))

	dash, err := s.Dashboard(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), dash.Summary.Open)
	require.Len(t, dash.RecentIssues, 1)
	assert.Equal(t, "unrevoked_refund", dash.RecentIssues[0].IssueType)
	assert.Equal(t, 0, dash.EventsLast24)
	require.Len(t, dash.Connections, 1)
	assert.True(t, dash.Connections[0].Healthy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIntegrationHealthFlagsSilentConnections(t *testing.T) {
	s, mock := newTestService(t)

	fresh := time.Now().Add(-time.Hour)
	silent := time.Now().Add(-30 * time.Hour)
	mock.ExpectQuery(`FROM billing_connections`).
		WillReturnRows(connRows().
			AddRow("c-1", "org-1", "stripe", "", "", "", true, nil, fresh, "completed", time.Now()).
			AddRow("c-2", "org-1", "apple", "", "", "", true, nil, silent, "completed", time.Now()).
			AddRow("c-3", "org-1", "google", "", "", "", false, nil, fresh, "", time.Now()))

	health, err := s.IntegrationHealthAll(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, health, 3)

	assert.Equal(t, models.SourceStripe, health[0].Source)
	assert.True(t, health[0].Healthy)
	assert.InDelta(t, 1.0, health[0].HoursSince, 0.1)

	assert.Equal(t, models.SourceApple, health[1].Source)
	assert.False(t, health[1].Healthy)
	assert.InDelta(t, 30.0, health[1].HoursSince, 0.1)

	// Inactive connections are never healthy even with recent deliveries.
	assert.False(t, health[2].Healthy)
}

func TestIntegrationHealthUsesCreatedAtWhenNeverDelivered(t *testing.T) {
	s, mock := newTestService(t)

	created := time.Now().Add(-48 * time.Hour)
	mock.ExpectQuery(`FROM billing_connections`).
		WillReturnRows(connRows().
			AddRow("c-1", "org-1", "recurly", "", "", "", true, nil, nil, "", created))

	health, err := s.IntegrationHealthAll(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, health, 1)
	assert.Nil(t, health[0].LastWebhookAt)
	assert.InDelta(t, 48.0, health[0].HoursSince, 0.1)
	assert.False(t, health[0].Healthy)
}
