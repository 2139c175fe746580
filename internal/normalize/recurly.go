package normalize

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vnguysoftware/revguard/internal/models"
)

// RecurlyNormalizer handles Recurly XML webhook notifications. The signature
// header carries a timestamp and one or more HMACs (old and new key during
// rotation); any match accepts.
type RecurlyNormalizer struct {
	now func() time.Time
}

func NewRecurly() *RecurlyNormalizer {
	return &RecurlyNormalizer{now: time.Now}
}

func (n *RecurlyNormalizer) Source() models.Source { return models.SourceRecurly }

// VerifySignature checks `recurly-signature: timestamp,sig1,sig2,...` where
// each sig is hex HMAC-SHA256 of "{timestamp}.{body}".
func (n *RecurlyNormalizer) VerifySignature(body []byte, headers http.Header, secret string) error {
	header := headers.Get("Recurly-Signature")
	if header == "" {
		return fmt.Errorf("%w: missing recurly-signature header", ErrSignatureInvalid)
	}
	parts := strings.Split(header, ",")
	if len(parts) < 2 {
		return fmt.Errorf("%w: malformed recurly-signature header", ErrSignatureInvalid)
	}
	tsStr := strings.TrimSpace(parts[0])
	tsMillis, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
	}
	if age := n.now().Sub(time.UnixMilli(tsMillis)); age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsStr))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	for _, candidate := range parts[1:] {
		sig, err := hex.DecodeString(strings.TrimSpace(candidate))
		if err != nil {
			continue
		}
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrSignatureInvalid)
}

// The notification type is the XML root element name.
type recurlyNotification struct {
	Account struct {
		AccountCode string `xml:"account_code"`
		Email       string `xml:"email"`
	} `xml:"account"`
	Subscription struct {
		UUID string `xml:"uuid"`
		Plan struct {
			PlanCode          string `xml:"plan_code"`
			UnitAmountInCents int64  `xml:"unit_amount_in_cents"`
		} `xml:"plan"`
		State               string `xml:"state"`
		UnitAmountInCents   int64  `xml:"unit_amount_in_cents"`
		CurrentPeriodEndsAt string `xml:"current_period_ends_at"`
		TrialEndsAt         string `xml:"trial_ends_at"`
		Currency            string `xml:"currency"`
		CanceledAt          string `xml:"canceled_at"`
	} `xml:"subscription"`
	Transaction struct {
		ID            string `xml:"id"`
		AmountInCents int64  `xml:"amount_in_cents"`
		Currency      string `xml:"currency"`
		Status        string `xml:"status"`
	} `xml:"transaction"`
	Invoice struct {
		UUID         string `xml:"uuid"`
		TotalInCents int64  `xml:"total_in_cents"`
		Currency     string `xml:"currency"`
	} `xml:"invoice"`
}

func decodeRecurlyNotification(body []byte) (string, *recurlyNotification, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	var rootName string
	for {
		tok, err := decoder.Token()
		if err != nil {
			return "", nil, fmt.Errorf("%w: recurly xml: %v", ErrDecodeFailed, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			rootName = start.Name.Local
			var notif recurlyNotification
			if err := decoder.DecodeElement(&notif, &start); err != nil {
				return "", nil, fmt.Errorf("%w: recurly xml: %v", ErrDecodeFailed, err)
			}
			return rootName, &notif, nil
		}
	}
}

// Normalize maps one Recurly notification by its root element name.
// new_charge_invoice_notification is deliberately non-emitting.
func (n *RecurlyNormalizer) Normalize(orgID string, body []byte) ([]models.CanonicalEvent, error) {
	rootName, notif, err := decodeRecurlyNotification(body)
	if err != nil {
		return nil, err
	}

	eventType, status := mapRecurlyNotification(rootName)
	if eventType == "" {
		return nil, nil
	}

	ev := models.CanonicalEvent{
		OrgID:                  orgID,
		Source:                 models.SourceRecurly,
		SourceEventType:        rootName,
		EventType:              eventType,
		EventTime:              n.now().UTC(),
		Status:                 status,
		ExternalSubscriptionID: notif.Subscription.UUID,
		ExternalEventID:        recurlyEventID(rootName, notif),
		AmountCents:            recurlyAmount(notif),
		Currency:               strings.ToLower(firstNonEmpty(notif.Transaction.Currency, notif.Invoice.Currency, notif.Subscription.Currency)),
		Environment:            "production",
	}
	ev.IdempotencyKey = IdempotencyKey(models.SourceRecurly, ev.ExternalEventID, "")
	if notif.Subscription.State == "trial" || notif.Subscription.TrialEndsAt != "" {
		ev.PeriodType = "trial"
	}
	if ends := notif.Subscription.CurrentPeriodEndsAt; ends != "" {
		if t, err := time.Parse(time.RFC3339, ends); err == nil {
			u := t.UTC()
			ev.ExpirationTime = &u
		}
	}
	return []models.CanonicalEvent{ev}, nil
}

func mapRecurlyNotification(rootName string) (models.EventType, models.EventStatus) {
	switch rootName {
	case "new_subscription_notification":
		return models.EventPurchase, models.EventStatusSuccess
	case "renewed_subscription_notification":
		return models.EventRenewal, models.EventStatusSuccess
	case "canceled_subscription_notification":
		return models.EventCancellation, models.EventStatusSuccess
	case "expired_subscription_notification":
		return models.EventExpiration, models.EventStatusSuccess
	case "reactivated_account_notification":
		return models.EventResume, models.EventStatusSuccess
	case "paused_subscription_notification":
		return models.EventPause, models.EventStatusSuccess
	case "resumed_subscription_notification":
		return models.EventResume, models.EventStatusSuccess
	case "failed_payment_notification":
		return models.EventBillingRetry, models.EventStatusFailed
	case "successful_refund_notification", "void_payment_notification":
		return models.EventRefund, models.EventStatusRefunded
	case "updated_subscription_notification":
		return models.EventUpgrade, models.EventStatusSuccess
	case "new_charge_invoice_notification":
		return "", "" // explicitly skipped
	}
	return "", ""
}

// recurlyEventID builds a stable id: notifications carry no event id, so the
// transaction or invoice id anchors it, falling back to the subscription.
func recurlyEventID(rootName string, notif *recurlyNotification) string {
	if notif.Transaction.ID != "" {
		return rootName + "_" + notif.Transaction.ID
	}
	if notif.Invoice.UUID != "" {
		return rootName + "_" + notif.Invoice.UUID
	}
	return rootName + "_" + notif.Subscription.UUID
}

// Transaction amount is preferred over invoice total over plan unit amount.
func recurlyAmount(notif *recurlyNotification) int64 {
	return firstNonZero(
		notif.Transaction.AmountInCents,
		notif.Invoice.TotalInCents,
		notif.Subscription.UnitAmountInCents,
		notif.Subscription.Plan.UnitAmountInCents,
	)
}

// ExtractIdentityHints pulls the account code and email.
func (n *RecurlyNormalizer) ExtractIdentityHints(body []byte) []models.IdentityHint {
	_, notif, err := decodeRecurlyNotification(body)
	if err != nil {
		return nil
	}
	meta := map[string]string{}
	if notif.Subscription.Plan.PlanCode != "" {
		meta["product_external_id"] = notif.Subscription.Plan.PlanCode
	}

	var hints []models.IdentityHint
	if notif.Account.AccountCode != "" {
		hints = append(hints, models.IdentityHint{
			Source:     models.SourceRecurly,
			IDType:     models.IDAccountCode,
			ExternalID: notif.Account.AccountCode,
			Metadata:   meta,
		})
	}
	if notif.Account.Email != "" {
		hints = append(hints, models.IdentityHint{
			Source:     models.SourceRecurly,
			IDType:     models.IDEmail,
			ExternalID: strings.ToLower(strings.TrimSpace(notif.Account.Email)),
		})
	}
	return hints
}
