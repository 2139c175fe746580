package normalize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnguysoftware/revguard/internal/models"
)

// fakeJWS builds an unsigned token with the given claims; Normalize only
// decodes the claim segment, verification is exercised separately.
func fakeJWS(t *testing.T, claims any) string {
	t.Helper()
	raw, err := json.Marshal(claims)
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256"}`))
	body := base64.RawURLEncoding.EncodeToString(raw)
	sig := base64.RawURLEncoding.EncodeToString([]byte("sig"))
	return header + "." + body + "." + sig
}

func appleBody(t *testing.T, notificationType, subtype string, txn map[string]any) []byte {
	t.Helper()
	payload := map[string]any{
		"notificationType": notificationType,
		"subtype":          subtype,
		"notificationUUID": "uuid-1",
		"signedDate":       int64(1700000000000),
		"data": map[string]any{
			"bundleId":              "com.example.app",
			"environment":           "Production",
			"signedTransactionInfo": fakeJWS(t, txn),
		},
	}
	body, err := json.Marshal(map[string]string{"signedPayload": fakeJWS(t, payload)})
	require.NoError(t, err)
	return body
}

func TestAppleNormalizeRenewal(t *testing.T) {
	n := NewApple()
	body := appleBody(t, "DID_RENEW", "", map[string]any{
		"transactionId":         "txn_2",
		"originalTransactionId": "orig_1",
		"productId":             "com.example.pro.monthly",
		"appAccountToken":       "d4c7a3e8-0000-0000-0000-000000000001",
		"expiresDate":           int64(1702592000000),
		"price":                 int64(9990),
		"currency":              "USD",
	})

	events, err := n.Normalize("org-1", body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.EventRenewal, ev.EventType)
	assert.Equal(t, "apple:uuid-1", ev.IdempotencyKey)
	assert.Equal(t, "orig_1", ev.ExternalSubscriptionID)
	assert.Equal(t, int64(999), ev.AmountCents, "9990 milliunits is $9.99")
	assert.Equal(t, "usd", ev.Currency)
	assert.Equal(t, "production", ev.Environment)
	assert.Equal(t, int64(1700000000), ev.EventTime.Unix())
	require.NotNil(t, ev.ExpirationTime)
	assert.Equal(t, int64(1702592000), ev.ExpirationTime.Unix())
}

func TestAppleNotificationMapping(t *testing.T) {
	cases := []struct {
		notificationType string
		subtype          string
		want             models.EventType
		wantStatus       models.EventStatus
	}{
		{"SUBSCRIBED", "INITIAL_BUY", models.EventPurchase, models.EventStatusSuccess},
		{"DID_RENEW", "", models.EventRenewal, models.EventStatusSuccess},
		{"DID_FAIL_TO_RENEW", "", models.EventBillingRetry, models.EventStatusFailed},
		{"DID_FAIL_TO_RENEW", "GRACE_PERIOD", models.EventGracePeriodStart, models.EventStatusFailed},
		{"GRACE_PERIOD_EXPIRED", "", models.EventGracePeriodEnd, models.EventStatusFailed},
		{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_DISABLED", models.EventCancellation, models.EventStatusSuccess},
		{"DID_CHANGE_RENEWAL_PREF", "UPGRADE", models.EventUpgrade, models.EventStatusSuccess},
		{"DID_CHANGE_RENEWAL_PREF", "DOWNGRADE", models.EventDowngrade, models.EventStatusSuccess},
		{"EXPIRED", "VOLUNTARY", models.EventExpiration, models.EventStatusSuccess},
		{"EXPIRED", "BILLING_RETRY", models.EventExpiration, models.EventStatusFailed},
		{"REFUND", "", models.EventRefund, models.EventStatusRefunded},
		{"REVOKE", "", models.EventRevoke, models.EventStatusSuccess},
		{"OFFER_REDEEMED", "", models.EventOfferRedeemed, models.EventStatusSuccess},
		{"PRICE_INCREASE", "", models.EventPriceChange, models.EventStatusSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.notificationType+"_"+tc.subtype, func(t *testing.T) {
			got, status, _ := mapAppleNotification(tc.notificationType, tc.subtype)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.wantStatus, status)
		})
	}
}

func TestAppleNormalizeSkipsUnmapped(t *testing.T) {
	n := NewApple()
	for _, skip := range []struct{ notificationType, subtype string }{
		{"TEST", ""},
		{"DID_CHANGE_RENEWAL_STATUS", "AUTO_RENEW_ENABLED"},
		{"RENEWAL_EXTENDED", ""},
	} {
		events, err := n.Normalize("org-1", appleBody(t, skip.notificationType, skip.subtype, map[string]any{}))
		require.NoError(t, err)
		assert.Empty(t, events, "%s:%s should skip", skip.notificationType, skip.subtype)
	}
}

func TestAppleVerifySignatureFailsClosed(t *testing.T) {
	n := NewApple()

	t.Run("missing signedPayload", func(t *testing.T) {
		err := n.VerifySignature([]byte(`{}`), http.Header{}, "")
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("not a JWS", func(t *testing.T) {
		err := n.VerifySignature([]byte(`{"signedPayload":"garbage"}`), http.Header{}, "")
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("short x5c chain", func(t *testing.T) {
		header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256","x5c":["AAAA"]}`))
		token := header + "." + base64.RawURLEncoding.EncodeToString([]byte(`{}`)) + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
		body := fmt.Sprintf(`{"signedPayload":%q}`, token)
		err := n.VerifySignature([]byte(body), http.Header{}, "")
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("wrong alg", func(t *testing.T) {
		header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","x5c":["a","b","c"]}`))
		token := header + "." + base64.RawURLEncoding.EncodeToString([]byte(`{}`)) + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
		body := fmt.Sprintf(`{"signedPayload":%q}`, token)
		err := n.VerifySignature([]byte(body), http.Header{}, "")
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})
}

func TestAppleExtractIdentityHints(t *testing.T) {
	n := NewApple()
	body := appleBody(t, "SUBSCRIBED", "INITIAL_BUY", map[string]any{
		"originalTransactionId": "orig_1",
		"appAccountToken":       "token-1",
		"productId":             "com.example.pro.monthly",
	})

	hints := n.ExtractIdentityHints(body)
	require.Len(t, hints, 2)
	assert.Equal(t, models.IDOriginalTransactionID, hints[0].IDType)
	assert.Equal(t, "orig_1", hints[0].ExternalID)
	assert.Equal(t, "com.example.pro.monthly", hints[0].Metadata["product_external_id"])
	assert.Equal(t, "com.example.app", hints[0].Metadata["bundle_id"])
	assert.Equal(t, models.IDAppUserID, hints[1].IDType)
	assert.Equal(t, "token-1", hints[1].ExternalID)
}

func TestAppleMilliunitsToCents(t *testing.T) {
	assert.Equal(t, int64(999), appleMilliunitsToCents(9990))
	assert.Equal(t, int64(0), appleMilliunitsToCents(0))
	assert.Equal(t, int64(4999), appleMilliunitsToCents(49990))
}
