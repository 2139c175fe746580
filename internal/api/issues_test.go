package api

import (
	"net/http"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnguysoftware/revguard/internal/auth"
	"github.com/vnguysoftware/revguard/internal/models"
)

func issueListColumns() []string {
	return strings.Fields(strings.NewReplacer(",", " ").Replace(
		`id, org_id, user_id, issue_type, severity, status, title, description,
		 estimated_revenue_cents, confidence, detector_id, detection_tier, evidence, scope_key,
		 resolution, resolved_at, ai_analysis, ai_analysis_at, created_at, updated_at`))
}

func openIssueRow(id string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(issueListColumns()).
		AddRow(id, "org-1", "user-1", "unrevoked_refund", "critical", "open",
			"Refund without revocation", "d", int64(999), 0.9, "unrevoked_refund",
			"billing_only", nil, "", "", nil, nil, nil, now, now)
}

func TestListIssuesAppliesFilters(t *testing.T) {
	h := newTestServer(t)
	h.expectAuth(auth.ScopeIssuesRead)
	h.mock.ExpectQuery(`FROM issues`).
		WithArgs("org-1", "open", "critical", "billing_only", 10, 0).
		WillReturnRows(openIssueRow("iss-1"))

	rec := h.do(authedRequest(http.MethodGet,
		"/v1/issues?status=open&severity=critical&category=billing_only&limit=10", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "unrevoked_refund")
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestListIssuesRejectsOversizedLimit(t *testing.T) {
	h := newTestServer(t)
	h.expectAuth(auth.ScopeIssuesRead)

	rec := h.do(authedRequest(http.MethodGet, "/v1/issues?limit=500", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetIssueNotFound(t *testing.T) {
	h := newTestServer(t)
	h.expectAuth(auth.ScopeIssuesRead)
	h.mock.ExpectQuery(`FROM issues`).WillReturnRows(sqlmock.NewRows(issueListColumns()))

	rec := h.do(authedRequest(http.MethodGet, "/v1/issues/iss-404", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueActionResolvesAndNotifies(t *testing.T) {
	h := newTestServer(t)
	h.expectAuth(auth.ScopeIssuesWrite)
	h.mock.ExpectExec(`UPDATE issues SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectQuery(`FROM issues`).WillReturnRows(openIssueRow("iss-1"))

	rec := h.do(authedRequest(http.MethodPost, "/v1/issues/iss-1/resolve",
		`{"resolution":"granted access manually"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, h.notifier.statuses, 1)
	assert.Equal(t, models.IssueResolved, h.notifier.statuses[0])
}

func TestIssueActionUnknownActionIs404(t *testing.T) {
	h := newTestServer(t)
	h.expectAuth(auth.ScopeIssuesWrite)

	rec := h.do(authedRequest(http.MethodPost, "/v1/issues/iss-1/escalate", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, h.notifier.statuses)
}

func TestIssueActionMissingIssueIs404(t *testing.T) {
	h := newTestServer(t)
	h.expectAuth(auth.ScopeIssuesWrite)
	h.mock.ExpectExec(`UPDATE issues SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := h.do(authedRequest(http.MethodPost, "/v1/issues/iss-404/acknowledge", ""))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, h.notifier.statuses)
}
