package normalize

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vnguysoftware/revguard/internal/models"
)

// BraintreeNormalizer handles Braintree webhook notifications. Braintree
// posts a form body with bt_signature ("publicKey|hmac") and bt_payload
// (base64 XML); the HMAC-SHA1 key is the account's private key.
type BraintreeNormalizer struct {
	now func() time.Time
}

func NewBraintree() *BraintreeNormalizer {
	return &BraintreeNormalizer{now: time.Now}
}

func (n *BraintreeNormalizer) Source() models.Source { return models.SourceBraintree }

func parseBraintreeForm(body []byte) (signature, payload string, err error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return "", "", fmt.Errorf("%w: braintree form: %v", ErrDecodeFailed, err)
	}
	signature = form.Get("bt_signature")
	payload = form.Get("bt_payload")
	if signature == "" || payload == "" {
		return "", "", fmt.Errorf("%w: braintree form missing bt_signature or bt_payload", ErrDecodeFailed)
	}
	return signature, payload, nil
}

// VerifySignature checks the bt_signature HMAC over the raw bt_payload. The
// signature field may carry several "publicKey|hmac" pairs; any match accepts.
func (n *BraintreeNormalizer) VerifySignature(body []byte, _ http.Header, secret string) error {
	signature, payload, err := parseBraintreeForm(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(payload))
	expected := mac.Sum(nil)

	for _, pair := range strings.Split(signature, "&") {
		_, sigHex, ok := strings.Cut(pair, "|")
		if !ok {
			continue
		}
		sig, err := hex.DecodeString(strings.TrimSpace(sigHex))
		if err != nil {
			continue
		}
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching bt_signature", ErrSignatureInvalid)
}

type braintreeNotification struct {
	Kind      string `xml:"kind"`
	Timestamp string `xml:"timestamp"`
	Subject   struct {
		Subscription struct {
			ID           string `xml:"id"`
			Price        string `xml:"price"`
			PlanID       string `xml:"plan-id"`
			Status       string `xml:"status"`
			Transactions struct {
				Transaction []struct {
					ID       string `xml:"id"`
					Amount   string `xml:"amount"`
					Currency string `xml:"currency-iso-code"`
					Customer struct {
						ID    string `xml:"id"`
						Email string `xml:"email"`
					} `xml:"customer"`
				} `xml:"transaction"`
			} `xml:"transactions"`
			BillingPeriodEndDate string `xml:"billing-period-end-date"`
		} `xml:"subscription"`
		Dispute struct {
			ID     string `xml:"id"`
			Amount string `xml:"amount"`
			Status string `xml:"status"`
			Transaction struct {
				ID string `xml:"id"`
			} `xml:"transaction"`
		} `xml:"dispute"`
	} `xml:"subject"`
}

func decodeBraintreePayload(body []byte) (*braintreeNotification, error) {
	_, payload, err := parseBraintreeForm(body)
	if err != nil {
		return nil, err
	}
	// Braintree base64 includes newlines.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(payload, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("%w: braintree payload: %v", ErrDecodeFailed, err)
	}
	var notif braintreeNotification
	if err := xml.NewDecoder(bytes.NewReader(raw)).Decode(&notif); err != nil {
		return nil, fmt.Errorf("%w: braintree xml: %v", ErrDecodeFailed, err)
	}
	if notif.Kind == "" {
		return nil, fmt.Errorf("%w: braintree notification missing kind", ErrDecodeFailed)
	}
	return &notif, nil
}

// Normalize maps one Braintree notification by kind.
func (n *BraintreeNormalizer) Normalize(orgID string, body []byte) ([]models.CanonicalEvent, error) {
	notif, err := decodeBraintreePayload(body)
	if err != nil {
		return nil, err
	}
	eventType, status := mapBraintreeKind(notif.Kind)
	if eventType == "" {
		return nil, nil
	}

	eventTime := n.now().UTC()
	if t, err := time.Parse(time.RFC3339, notif.Timestamp); err == nil {
		eventTime = t.UTC()
	}

	sub := notif.Subject.Subscription
	ev := models.CanonicalEvent{
		OrgID:                  orgID,
		Source:                 models.SourceBraintree,
		SourceEventType:        notif.Kind,
		EventType:              eventType,
		EventTime:              eventTime,
		Status:                 status,
		ExternalSubscriptionID: sub.ID,
		Environment:            "production",
	}
	ev.ExternalEventID = braintreeEventID(notif, eventTime)
	ev.IdempotencyKey = IdempotencyKey(models.SourceBraintree, ev.ExternalEventID, "")

	if len(sub.Transactions.Transaction) > 0 {
		txn := sub.Transactions.Transaction[0]
		ev.AmountCents = decimalToCents(txn.Amount)
		ev.Currency = strings.ToLower(txn.Currency)
	}
	if ev.AmountCents == 0 {
		ev.AmountCents = decimalToCents(sub.Price)
	}
	if notif.Kind == "dispute_opened" {
		ev.AmountCents = decimalToCents(notif.Subject.Dispute.Amount)
		ev.ExternalSubscriptionID = firstNonEmpty(sub.ID, notif.Subject.Dispute.Transaction.ID)
	}
	if end := sub.BillingPeriodEndDate; end != "" {
		if t, err := time.Parse("2006-01-02", end); err == nil {
			u := t.UTC()
			ev.ExpirationTime = &u
		}
	}
	return []models.CanonicalEvent{ev}, nil
}

func mapBraintreeKind(kind string) (models.EventType, models.EventStatus) {
	switch kind {
	case "subscription_went_active":
		return models.EventPurchase, models.EventStatusSuccess
	case "subscription_charged_successfully":
		return models.EventRenewal, models.EventStatusSuccess
	case "subscription_charged_unsuccessfully":
		return models.EventBillingRetry, models.EventStatusFailed
	case "subscription_went_past_due":
		return models.EventGracePeriodStart, models.EventStatusFailed
	case "subscription_canceled":
		return models.EventCancellation, models.EventStatusSuccess
	case "subscription_expired":
		return models.EventExpiration, models.EventStatusSuccess
	case "subscription_trial_ended":
		return models.EventTrialConversion, models.EventStatusSuccess
	case "dispute_opened":
		return models.EventChargeback, models.EventStatusFailed
	}
	return "", ""
}

// braintreeEventID builds a stable id from kind, subject id, and timestamp;
// Braintree sends no notification id.
func braintreeEventID(notif *braintreeNotification, eventTime time.Time) string {
	subject := firstNonEmpty(notif.Subject.Subscription.ID, notif.Subject.Dispute.ID)
	return fmt.Sprintf("%s_%s_%d", notif.Kind, subject, eventTime.Unix())
}

// decimalToCents parses "19.99" into 1999 without floating point.
func decimalToCents(amount string) int64 {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0
	}
	whole, frac, _ := strings.Cut(amount, ".")
	var cents int64
	for _, r := range whole {
		if r < '0' || r > '9' {
			return 0
		}
		cents = cents*10 + int64(r-'0')
	}
	cents *= 100
	frac = (frac + "00")[:2]
	for i, r := range frac {
		if r < '0' || r > '9' {
			return 0
		}
		if i == 0 {
			cents += int64(r-'0') * 10
		} else {
			cents += int64(r - '0')
		}
	}
	return cents
}

// ExtractIdentityHints pulls the Braintree customer id, email, and
// subscription id from the first transaction on the subject.
func (n *BraintreeNormalizer) ExtractIdentityHints(body []byte) []models.IdentityHint {
	notif, err := decodeBraintreePayload(body)
	if err != nil {
		return nil
	}
	sub := notif.Subject.Subscription
	meta := map[string]string{}
	if sub.PlanID != "" {
		meta["product_external_id"] = sub.PlanID
	}

	var hints []models.IdentityHint
	if len(sub.Transactions.Transaction) > 0 {
		customer := sub.Transactions.Transaction[0].Customer
		if customer.ID != "" {
			hints = append(hints, models.IdentityHint{
				Source:     models.SourceBraintree,
				IDType:     models.IDCustomerID,
				ExternalID: customer.ID,
				Metadata:   meta,
			})
		}
		if customer.Email != "" {
			hints = append(hints, models.IdentityHint{
				Source:     models.SourceBraintree,
				IDType:     models.IDEmail,
				ExternalID: strings.ToLower(strings.TrimSpace(customer.Email)),
			})
		}
	}
	if sub.ID != "" {
		hints = append(hints, models.IdentityHint{
			Source:     models.SourceBraintree,
			IDType:     models.IDSubscriptionID,
			ExternalID: sub.ID,
			Metadata:   meta,
		})
	}
	return hints
}
