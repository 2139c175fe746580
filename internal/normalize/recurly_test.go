package normalize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnguysoftware/revguard/internal/models"
)

func recurlySigHeader(secret string, ts time.Time, body []byte) string {
	tsStr := fmt.Sprintf("%d", ts.UnixMilli())
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", tsStr, body)
	return tsStr + "," + hex.EncodeToString(mac.Sum(nil))
}

func TestRecurlyVerifySignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	n := NewRecurly()
	n.now = func() time.Time { return now }
	body := []byte(`<renewed_subscription_notification></renewed_subscription_notification>`)

	headers := http.Header{}
	headers.Set("Recurly-Signature", recurlySigHeader("secret", now, body))
	assert.NoError(t, n.VerifySignature(body, headers, "secret"))

	t.Run("second signature matches during rotation", func(t *testing.T) {
		old := recurlySigHeader("oldsecret", now, body)
		tsStr, oldSig, _ := cutLast(old)
		fresh := recurlySigHeader("secret", now, body)
		_, freshSig, _ := cutLast(fresh)
		headers := http.Header{}
		headers.Set("Recurly-Signature", tsStr+","+oldSig+","+freshSig)
		assert.NoError(t, n.VerifySignature(body, headers, "secret"))
	})

	t.Run("bit flip rejects", func(t *testing.T) {
		good := recurlySigHeader("secret", now, body)
		flipped := []byte(good)
		flipped[len(flipped)-1] ^= 0x01
		headers := http.Header{}
		headers.Set("Recurly-Signature", string(flipped))
		assert.ErrorIs(t, n.VerifySignature(body, headers, "secret"), ErrSignatureInvalid)
	})

	t.Run("stale timestamp rejects", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("Recurly-Signature", recurlySigHeader("secret", now.Add(-301*time.Second), body))
		assert.ErrorIs(t, n.VerifySignature(body, headers, "secret"), ErrSignatureInvalid)
	})

	t.Run("missing header rejects", func(t *testing.T) {
		assert.ErrorIs(t, n.VerifySignature(body, http.Header{}, "secret"), ErrSignatureInvalid)
	})
}

func cutLast(header string) (ts, sig string, ok bool) {
	for i := len(header) - 1; i >= 0; i-- {
		if header[i] == ',' {
			return header[:i], header[i+1:], true
		}
	}
	return "", "", false
}

const recurlyRenewalXML = `<?xml version="1.0" encoding="UTF-8"?>
<renewed_subscription_notification>
  <account>
    <account_code>user-42</account_code>
    <email>User@Example.com</email>
  </account>
  <subscription>
    <uuid>sub-uuid-1</uuid>
    <plan>
      <plan_code>pro-monthly</plan_code>
      <unit_amount_in_cents type="integer">1999</unit_amount_in_cents>
    </plan>
    <state>active</state>
    <unit_amount_in_cents type="integer">1999</unit_amount_in_cents>
    <currency>USD</currency>
    <current_period_ends_at type="datetime">2026-09-25T00:00:00Z</current_period_ends_at>
  </subscription>
  <transaction>
    <id>txn-1</id>
    <amount_in_cents type="integer">2099</amount_in_cents>
    <currency>USD</currency>
    <status>success</status>
  </transaction>
</renewed_subscription_notification>`

func TestRecurlyNormalizeRenewal(t *testing.T) {
	n := NewRecurly()
	events, err := n.Normalize("org-1", []byte(recurlyRenewalXML))
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, models.EventRenewal, ev.EventType)
	assert.Equal(t, "renewed_subscription_notification", ev.SourceEventType)
	assert.Equal(t, "recurly:renewed_subscription_notification_txn-1", ev.IdempotencyKey)
	assert.Equal(t, "sub-uuid-1", ev.ExternalSubscriptionID)
	assert.Equal(t, int64(2099), ev.AmountCents, "transaction amount wins over unit amount")
	assert.Equal(t, "usd", ev.Currency)
	require.NotNil(t, ev.ExpirationTime)
}

func TestRecurlyAmountPreference(t *testing.T) {
	notif := &recurlyNotification{}
	notif.Subscription.UnitAmountInCents = 1999
	assert.Equal(t, int64(1999), recurlyAmount(notif))

	notif.Invoice.TotalInCents = 2099
	assert.Equal(t, int64(2099), recurlyAmount(notif))

	notif.Transaction.AmountInCents = 2199
	assert.Equal(t, int64(2199), recurlyAmount(notif))
}

func TestRecurlyNormalizeSkipsChargeInvoice(t *testing.T) {
	n := NewRecurly()
	events, err := n.Normalize("org-1", []byte(`<new_charge_invoice_notification><invoice><uuid>inv-1</uuid></invoice></new_charge_invoice_notification>`))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecurlyExtractIdentityHints(t *testing.T) {
	n := NewRecurly()
	hints := n.ExtractIdentityHints([]byte(recurlyRenewalXML))
	require.Len(t, hints, 2)
	assert.Equal(t, models.IDAccountCode, hints[0].IDType)
	assert.Equal(t, "user-42", hints[0].ExternalID)
	assert.Equal(t, "pro-monthly", hints[0].Metadata["product_external_id"])
	assert.Equal(t, models.IDEmail, hints[1].IDType)
	assert.Equal(t, "user@example.com", hints[1].ExternalID, "email is normalized")
}
