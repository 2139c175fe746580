package api

import (
	"net/http"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnguysoftware/revguard/internal/auth"
)

// expectResolveExisting mocks the identity resolver finding the external id.
func (h *testHarness) expectResolveExisting(userID string) {
	h.mock.ExpectBegin()
	h.mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	h.mock.ExpectQuery(`FROM user_identities`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "updated_at"}).AddRow(userID, time.Now()))
	h.mock.ExpectCommit()
}

func TestAccessCheckInsertsObservation(t *testing.T) {
	h := newTestServer(t)
	h.expectAuth(auth.ScopeAccessChecksWrite)
	h.expectResolveExisting("user-1")
	h.mock.ExpectExec(`INSERT INTO access_checks`).WillReturnResult(sqlmock.NewResult(0, 1))

	rec := h.do(authedRequest(http.MethodPost, "/v1/access-checks",
		`{"user":"ext-42","hasAccess":false,"checkedAt":"`+time.Now().UTC().Format(time.RFC3339)+`"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"userId":"user-1"`)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestAccessCheckValidation(t *testing.T) {
	h := newTestServer(t)

	cases := map[string]string{
		"missing user":      `{"hasAccess":true}`,
		"missing hasAccess": `{"user":"ext-42"}`,
		"bad checkedAt":     `{"user":"ext-42","hasAccess":true,"checkedAt":"yesterday"}`,
	}
	for name, body := range cases {
		h.expectAuth(auth.ScopeAccessChecksWrite)
		rec := h.do(authedRequest(http.MethodPost, "/v1/access-checks", body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestAccessCheckBatchSizeBounds(t *testing.T) {
	h := newTestServer(t)

	h.expectAuth(auth.ScopeAccessChecksWrite)
	rec := h.do(authedRequest(http.MethodPost, "/v1/access-checks/batch", `[]`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := `[`
	for i := 0; i < 101; i++ {
		if i > 0 {
			big += ","
		}
		big += `{"user":"u","hasAccess":true}`
	}
	big += `]`
	h.expectAuth(auth.ScopeAccessChecksWrite)
	rec = h.do(authedRequest(http.MethodPost, "/v1/access-checks/batch", big))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccessCheckBatchInsertsAll(t *testing.T) {
	h := newTestServer(t)
	h.expectAuth(auth.ScopeAccessChecksWrite)
	for i := 0; i < 2; i++ {
		h.expectResolveExisting("user-1")
		h.mock.ExpectExec(`INSERT INTO access_checks`).WillReturnResult(sqlmock.NewResult(0, 1))
	}

	rec := h.do(authedRequest(http.MethodPost, "/v1/access-checks/batch",
		`[{"user":"ext-1","hasAccess":true},{"user":"ext-1","hasAccess":false}]`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"inserted":2`)
}
