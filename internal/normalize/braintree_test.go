package normalize

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnguysoftware/revguard/internal/models"
)

const braintreeRenewalXML = `<?xml version="1.0" encoding="UTF-8"?>
<notification>
  <kind>subscription_charged_successfully</kind>
  <timestamp type="datetime">2026-08-25T10:00:00Z</timestamp>
  <subject>
    <subscription>
      <id>bt-sub-1</id>
      <price>19.99</price>
      <plan-id>pro-monthly</plan-id>
      <status>Active</status>
      <billing-period-end-date type="date">2026-09-25</billing-period-end-date>
      <transactions>
        <transaction>
          <id>bt-txn-1</id>
          <amount>19.99</amount>
          <currency-iso-code>USD</currency-iso-code>
          <customer>
            <id>bt-cust-1</id>
            <email>user@example.com</email>
          </customer>
        </transaction>
      </transactions>
    </subscription>
  </subject>
</notification>`

func braintreeBody(t *testing.T, privateKey, payloadXML string) []byte {
	t.Helper()
	payload := base64.StdEncoding.EncodeToString([]byte(payloadXML))
	mac := hmac.New(sha1.New, []byte(privateKey))
	mac.Write([]byte(payload))
	signature := "publickey|" + hex.EncodeToString(mac.Sum(nil))
	form := url.Values{}
	form.Set("bt_signature", signature)
	form.Set("bt_payload", payload)
	return []byte(form.Encode())
}

func TestBraintreeVerifySignature(t *testing.T) {
	n := NewBraintree()
	body := braintreeBody(t, "private-key", braintreeRenewalXML)
	assert.NoError(t, n.VerifySignature(body, http.Header{}, "private-key"))

	t.Run("wrong key rejects", func(t *testing.T) {
		assert.ErrorIs(t, n.VerifySignature(body, http.Header{}, "other-key"), ErrSignatureInvalid)
	})

	t.Run("tampered payload rejects", func(t *testing.T) {
		form, err := url.ParseQuery(string(body))
		require.NoError(t, err)
		tampered := []byte(form.Get("bt_payload"))
		tampered[0] ^= 0x01
		form.Set("bt_payload", string(tampered))
		assert.ErrorIs(t, n.VerifySignature([]byte(form.Encode()), http.Header{}, "private-key"), ErrSignatureInvalid)
	})

	t.Run("missing fields reject", func(t *testing.T) {
		assert.ErrorIs(t, n.VerifySignature([]byte("bt_payload=abc"), http.Header{}, "private-key"), ErrSignatureInvalid)
	})
}

func TestBraintreeNormalizeRenewal(t *testing.T) {
	n := NewBraintree()
	events, err := n.Normalize("org-1", braintreeBody(t, "k", braintreeRenewalXML))
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.EventRenewal, ev.EventType)
	assert.Equal(t, "subscription_charged_successfully", ev.SourceEventType)
	assert.Equal(t, "bt-sub-1", ev.ExternalSubscriptionID)
	assert.Equal(t, int64(1999), ev.AmountCents)
	assert.Equal(t, "usd", ev.Currency)
	require.NotNil(t, ev.ExpirationTime)
}

func TestBraintreeKindMapping(t *testing.T) {
	cases := map[string]models.EventType{
		"subscription_went_active":            models.EventPurchase,
		"subscription_charged_successfully":   models.EventRenewal,
		"subscription_charged_unsuccessfully": models.EventBillingRetry,
		"subscription_went_past_due":          models.EventGracePeriodStart,
		"subscription_canceled":               models.EventCancellation,
		"subscription_expired":                models.EventExpiration,
		"subscription_trial_ended":            models.EventTrialConversion,
		"dispute_opened":                      models.EventChargeback,
	}
	for kind, want := range cases {
		got, _ := mapBraintreeKind(kind)
		assert.Equal(t, want, got, "kind %s", kind)
	}
	got, _ := mapBraintreeKind("check")
	assert.Empty(t, got)
}

func TestBraintreeExtractIdentityHints(t *testing.T) {
	n := NewBraintree()
	hints := n.ExtractIdentityHints(braintreeBody(t, "k", braintreeRenewalXML))
	require.Len(t, hints, 3)
	assert.Equal(t, models.IDCustomerID, hints[0].IDType)
	assert.Equal(t, "bt-cust-1", hints[0].ExternalID)
	assert.Equal(t, "pro-monthly", hints[0].Metadata["product_external_id"])
	assert.Equal(t, models.IDEmail, hints[1].IDType)
	assert.Equal(t, models.IDSubscriptionID, hints[2].IDType)
	assert.Equal(t, "bt-sub-1", hints[2].ExternalID)
}

func TestDecimalToCents(t *testing.T) {
	assert.Equal(t, int64(1999), decimalToCents("19.99"))
	assert.Equal(t, int64(500), decimalToCents("5"))
	assert.Equal(t, int64(990), decimalToCents("9.9"))
	assert.Equal(t, int64(0), decimalToCents(""))
	assert.Equal(t, int64(0), decimalToCents("abc"))
}
