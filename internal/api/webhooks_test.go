package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnguysoftware/revguard/internal/ingest"
	"github.com/vnguysoftware/revguard/internal/queue"
	"github.com/vnguysoftware/revguard/internal/store"
)

func orgBySlugRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "slug", "name", "created_at"}).
		AddRow("org-1", "acme", "Acme", time.Now())
}

func connectionRows(secret string, active bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "org_id", "source", "credentials", "webhook_secret",
		"webhook_proxy_url", "is_active", "last_sync_at", "last_webhook_at", "sync_status", "created_at"}).
		AddRow("c-1", "org-1", "stripe", "", secret, "", active, nil, nil, "", time.Now())
}

func stripeSignature(secret string, body []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestWebhookUnknownSlugIs404(t *testing.T) {
	h := newTestServer(t)
	h.mock.ExpectQuery(`FROM organizations WHERE slug`).WillReturnError(store.ErrNotFound)

	rec := h.do(httptest.NewRequest(http.MethodPost, "/webhooks/nope/stripe", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookUnknownSourceIs404(t *testing.T) {
	h := newTestServer(t)
	rec := h.do(httptest.NewRequest(http.MethodPost, "/webhooks/acme/paddle", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookInactiveConnectionIs404(t *testing.T) {
	h := newTestServer(t)
	h.mock.ExpectQuery(`FROM organizations WHERE slug`).WillReturnRows(orgBySlugRows())
	h.mock.ExpectQuery(`FROM billing_connections`).WillReturnRows(connectionRows("", false))

	rec := h.do(httptest.NewRequest(http.MethodPost, "/webhooks/acme/stripe", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookBadSignatureIs401AndLogged(t *testing.T) {
	h := newTestServer(t)
	h.mock.ExpectQuery(`FROM organizations WHERE slug`).WillReturnRows(orgBySlugRows())
	h.mock.ExpectQuery(`FROM billing_connections`).WillReturnRows(connectionRows("whsec_test", true))
	h.mock.ExpectExec(`INSERT INTO webhook_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE webhook_logs`).WillReturnResult(sqlmock.NewResult(0, 1)) // failed

	req := httptest.NewRequest(http.MethodPost, "/webhooks/acme/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix()))
	rec := h.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NoError(t, h.mock.ExpectationsWereMet())

	n, err := h.queue.Len(context.Background(), queue.Webhooks)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebhookAcceptsAndEnqueues(t *testing.T) {
	h := newTestServer(t)
	body := `{"id":"evt_1","type":"invoice.paid"}`

	h.mock.ExpectQuery(`FROM organizations WHERE slug`).WillReturnRows(orgBySlugRows())
	h.mock.ExpectQuery(`FROM billing_connections`).WillReturnRows(connectionRows("whsec_test", true))
	h.mock.ExpectExec(`INSERT INTO webhook_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE billing_connections SET last_webhook_at`).WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/acme/stripe", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", stripeSignature("test", []byte(body)))
	rec := h.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
	assert.Contains(t, rec.Body.String(), "webhookLogId")

	payload, err := h.queue.Dequeue(context.Background(), queue.Webhooks, time.Second)
	require.NoError(t, err)
	require.NotNil(t, payload)
	job, err := ingest.DecodeJob(payload)
	require.NoError(t, err)
	assert.Equal(t, "org-1", job.OrgID)
	assert.Equal(t, body, string(job.Body))
	assert.False(t, job.Trusted)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestWebhookSkipsVerificationWithoutSecret(t *testing.T) {
	h := newTestServer(t)
	h.mock.ExpectQuery(`FROM organizations WHERE slug`).WillReturnRows(orgBySlugRows())
	h.mock.ExpectQuery(`FROM billing_connections`).WillReturnRows(connectionRows("", true))
	h.mock.ExpectExec(`INSERT INTO webhook_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE billing_connections SET last_webhook_at`).WillReturnResult(sqlmock.NewResult(0, 1))

	rec := h.do(httptest.NewRequest(http.MethodPost, "/webhooks/acme/stripe", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRateLimit(t *testing.T) {
	h := newTestServer(t)
	h.server.limiter = NewRateLimiter(1, time.Minute)

	h.mock.ExpectQuery(`FROM organizations WHERE slug`).WillReturnRows(orgBySlugRows())
	h.mock.ExpectQuery(`FROM billing_connections`).WillReturnRows(connectionRows("", true))
	h.mock.ExpectExec(`INSERT INTO webhook_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE billing_connections SET last_webhook_at`).WillReturnResult(sqlmock.NewResult(0, 1))

	first := h.do(httptest.NewRequest(http.MethodPost, "/webhooks/acme/stripe", strings.NewReader(`{}`)))
	require.Equal(t, http.StatusOK, first.Code)

	second := h.do(httptest.NewRequest(http.MethodPost, "/webhooks/acme/stripe", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestWebhookForwardsToProxy(t *testing.T) {
	received := make(chan []byte, 1)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		received <- buf
	}))
	defer proxy.Close()

	h := newTestServer(t)
	h.mock.ExpectQuery(`FROM organizations WHERE slug`).WillReturnRows(orgBySlugRows())
	h.mock.ExpectQuery(`FROM billing_connections`).WillReturnRows(
		sqlmock.NewRows([]string{"id", "org_id", "source", "credentials", "webhook_secret",
			"webhook_proxy_url", "is_active", "last_sync_at", "last_webhook_at", "sync_status", "created_at"}).
			AddRow("c-1", "org-1", "apple", "", "", proxy.URL, true, nil, nil, "", time.Now()))
	h.mock.ExpectExec(`INSERT INTO webhook_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE billing_connections SET last_webhook_at`).WillReturnResult(sqlmock.NewResult(0, 1))

	body := `{"signedPayload":"x"}`
	rec := h.do(httptest.NewRequest(http.MethodPost, "/webhooks/acme/apple", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case got := <-received:
		assert.Equal(t, body, string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never received the forwarded delivery")
	}
}
