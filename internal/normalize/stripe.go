package normalize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vnguysoftware/revguard/internal/models"
)

// StripeNormalizer maps Stripe webhook events. Signature verification
// implements the Stripe-Signature scheme directly so that tolerance and
// constant-time comparison stay under our control.
type StripeNormalizer struct {
	now func() time.Time
}

func NewStripe() *StripeNormalizer {
	return &StripeNormalizer{now: time.Now}
}

func (n *StripeNormalizer) Source() models.Source { return models.SourceStripe }

// VerifySignature checks the Stripe-Signature header: HMAC-SHA256 of
// "{t}.{body}" with the endpoint secret, timestamp within tolerance.
func (n *StripeNormalizer) VerifySignature(body []byte, headers http.Header, secret string) error {
	header := headers.Get("Stripe-Signature")
	if header == "" {
		return fmt.Errorf("%w: missing Stripe-Signature header", ErrSignatureInvalid)
	}
	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", ErrSignatureInvalid)
			}
			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return fmt.Errorf("%w: header missing timestamp or v1", ErrSignatureInvalid)
	}
	if age := n.now().Sub(time.Unix(ts, 0)); age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignatureInvalid)
	}
	expected := signedPayloadHMAC(strings.TrimPrefix(secret, "whsec_"), strconv.FormatInt(ts, 10), body)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching v1 signature", ErrSignatureInvalid)
}

func signedPayloadHMAC(secret, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// Minimal views of the Stripe objects we consume. The customer reference can
// arrive expanded (object) or as a bare id string.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = stripeRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = stripeRef(obj.ID)
	return nil
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Live    bool   `json:"livemode"`
	Data    struct {
		Object             json.RawMessage `json:"object"`
		PreviousAttributes map[string]any  `json:"previous_attributes"`
	} `json:"data"`
}

type stripeSubscription struct {
	ID                 string    `json:"id"`
	Customer           stripeRef `json:"customer"`
	Status             string    `json:"status"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	CancelAt           int64     `json:"cancel_at"`
	CurrentPeriodStart int64     `json:"current_period_start"`
	CurrentPeriodEnd   int64     `json:"current_period_end"`
	TrialEnd           int64     `json:"trial_end"`
	CancellationReason string    `json:"cancellation_reason"`
	Items              struct {
		Data []struct {
			Price struct {
				ID         string `json:"id"`
				Product    string `json:"product"`
				UnitAmount int64  `json:"unit_amount"`
				Currency   string `json:"currency"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID            string    `json:"id"`
	Customer      stripeRef `json:"customer"`
	Subscription  stripeRef `json:"subscription"`
	AmountPaid    int64     `json:"amount_paid"`
	AmountDue     int64     `json:"amount_due"`
	Currency      string    `json:"currency"`
	BillingReason string    `json:"billing_reason"`
	CustomerEmail string    `json:"customer_email"`
}

type stripeCharge struct {
	ID             string    `json:"id"`
	Customer       stripeRef `json:"customer"`
	Amount         int64     `json:"amount"`
	AmountRefunded int64     `json:"amount_refunded"`
	Currency       string    `json:"currency"`
	Invoice        stripeRef `json:"invoice"`
	ReceiptEmail   string    `json:"receipt_email"`
	Refunded       bool      `json:"refunded"`
}

type stripeDispute struct {
	ID       string    `json:"id"`
	Charge   stripeRef `json:"charge"`
	Amount   int64     `json:"amount"`
	Currency string    `json:"currency"`
}

// Normalize maps one Stripe event to canonical events. Subscription updates
// can fan out: one payload may carry a cancellation, a billing retry, a trial
// conversion, and a plan change; each gets a discriminated idempotency key.
func (n *StripeNormalizer) Normalize(orgID string, body []byte) ([]models.CanonicalEvent, error) {
	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: stripe event: %v", ErrDecodeFailed, err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: stripe event missing id or type", ErrDecodeFailed)
	}
	base := models.CanonicalEvent{
		OrgID:           orgID,
		Source:          models.SourceStripe,
		SourceEventType: ev.Type,
		EventTime:       time.Unix(ev.Created, 0).UTC(),
		Status:          models.EventStatusSuccess,
		ExternalEventID: ev.ID,
		Environment:     stripeEnvironment(ev.Live),
	}

	switch ev.Type {
	case "customer.subscription.created":
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Object, &sub); err != nil {
			return nil, fmt.Errorf("%w: stripe subscription: %v", ErrDecodeFailed, err)
		}
		out := base
		out.EventType = models.EventPurchase
		out.IdempotencyKey = IdempotencyKey(models.SourceStripe, ev.ID, "")
		fillFromSubscription(&out, &sub)
		if sub.Status == "trialing" {
			out.PeriodType = "trial"
		}
		return []models.CanonicalEvent{out}, nil

	case "customer.subscription.updated":
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Object, &sub); err != nil {
			return nil, fmt.Errorf("%w: stripe subscription: %v", ErrDecodeFailed, err)
		}
		return n.fanOutSubscriptionUpdate(base, &sub, ev.Data.PreviousAttributes), nil

	case "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Object, &sub); err != nil {
			return nil, fmt.Errorf("%w: stripe subscription: %v", ErrDecodeFailed, err)
		}
		out := base
		out.EventType = models.EventExpiration
		out.IdempotencyKey = IdempotencyKey(models.SourceStripe, ev.ID, "")
		out.CancellationReason = sub.CancellationReason
		fillFromSubscription(&out, &sub)
		return []models.CanonicalEvent{out}, nil

	case "customer.subscription.paused":
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Object, &sub); err != nil {
			return nil, fmt.Errorf("%w: stripe subscription: %v", ErrDecodeFailed, err)
		}
		out := base
		out.EventType = models.EventPause
		out.IdempotencyKey = IdempotencyKey(models.SourceStripe, ev.ID, "")
		fillFromSubscription(&out, &sub)
		return []models.CanonicalEvent{out}, nil

	case "customer.subscription.resumed":
		var sub stripeSubscription
		if err := json.Unmarshal(ev.Data.Object, &sub); err != nil {
			return nil, fmt.Errorf("%w: stripe subscription: %v", ErrDecodeFailed, err)
		}
		out := base
		out.EventType = models.EventResume
		out.IdempotencyKey = IdempotencyKey(models.SourceStripe, ev.ID, "")
		fillFromSubscription(&out, &sub)
		return []models.CanonicalEvent{out}, nil

	case "invoice.paid", "invoice.payment_succeeded":
		var inv stripeInvoice
		if err := json.Unmarshal(ev.Data.Object, &inv); err != nil {
			return nil, fmt.Errorf("%w: stripe invoice: %v", ErrDecodeFailed, err)
		}
		if inv.BillingReason == "subscription_create" {
			// The subscription.created event already produced the purchase.
			return nil, nil
		}
		out := base
		out.EventType = models.EventRenewal
		out.IdempotencyKey = IdempotencyKey(models.SourceStripe, ev.ID, "")
		out.ExternalSubscriptionID = string(inv.Subscription)
		out.AmountCents = firstNonZero(inv.AmountPaid, inv.AmountDue)
		out.Currency = inv.Currency
		return []models.CanonicalEvent{out}, nil

	case "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(ev.Data.Object, &inv); err != nil {
			return nil, fmt.Errorf("%w: stripe invoice: %v", ErrDecodeFailed, err)
		}
		out := base
		out.EventType = models.EventBillingRetry
		out.Status = models.EventStatusFailed
		out.IdempotencyKey = IdempotencyKey(models.SourceStripe, ev.ID, "")
		out.ExternalSubscriptionID = string(inv.Subscription)
		out.AmountCents = inv.AmountDue
		out.Currency = inv.Currency
		return []models.CanonicalEvent{out}, nil

	case "charge.refunded":
		var ch stripeCharge
		if err := json.Unmarshal(ev.Data.Object, &ch); err != nil {
			return nil, fmt.Errorf("%w: stripe charge: %v", ErrDecodeFailed, err)
		}
		out := base
		out.EventType = models.EventRefund
		out.Status = models.EventStatusRefunded
		out.IdempotencyKey = IdempotencyKey(models.SourceStripe, ev.ID, "")
		out.AmountCents = firstNonZero(ch.AmountRefunded, ch.Amount)
		out.Currency = ch.Currency
		return []models.CanonicalEvent{out}, nil

	case "charge.dispute.created":
		var d stripeDispute
		if err := json.Unmarshal(ev.Data.Object, &d); err != nil {
			return nil, fmt.Errorf("%w: stripe dispute: %v", ErrDecodeFailed, err)
		}
		out := base
		out.EventType = models.EventChargeback
		out.Status = models.EventStatusFailed
		out.IdempotencyKey = IdempotencyKey(models.SourceStripe, ev.ID, "")
		out.AmountCents = d.Amount
		out.Currency = d.Currency
		return []models.CanonicalEvent{out}, nil
	}

	// Unmapped types are skipped.
	return nil, nil
}

func (n *StripeNormalizer) fanOutSubscriptionUpdate(base models.CanonicalEvent, sub *stripeSubscription, prev map[string]any) []models.CanonicalEvent {
	var out []models.CanonicalEvent
	emit := func(eventType models.EventType, disc string, mutate func(*models.CanonicalEvent)) {
		ev := base
		ev.EventType = eventType
		ev.IdempotencyKey = IdempotencyKey(models.SourceStripe, base.ExternalEventID, disc)
		fillFromSubscription(&ev, sub)
		if mutate != nil {
			mutate(&ev)
		}
		out = append(out, ev)
	}

	if sub.CancelAtPeriodEnd {
		if prevCancel, changed := prev["cancel_at_period_end"].(bool); changed && !prevCancel {
			emit(models.EventCancellation, "cancel", func(ev *models.CanonicalEvent) {
				ev.CancellationReason = sub.CancellationReason
			})
		}
	}
	if sub.Status == "past_due" {
		if prevStatus, changed := prev["status"].(string); changed && prevStatus != "past_due" {
			emit(models.EventBillingRetry, "retry", func(ev *models.CanonicalEvent) {
				ev.Status = models.EventStatusFailed
			})
		}
	}
	if sub.Status == "active" {
		if prevStatus, changed := prev["status"].(string); changed && prevStatus == "trialing" {
			emit(models.EventTrialConversion, "trialconv", nil)
		}
	}
	if _, planChanged := prev["items"]; planChanged && len(sub.Items.Data) > 0 {
		eventType := models.EventUpgrade
		if prevAmount := previousUnitAmount(prev); prevAmount > 0 && sub.Items.Data[0].Price.UnitAmount < prevAmount {
			eventType = models.EventDowngrade
		}
		emit(eventType, "plan", nil)
	}
	return out
}

// previousUnitAmount digs the prior price out of previous_attributes when
// Stripe included it; 0 when absent.
func previousUnitAmount(prev map[string]any) int64 {
	items, ok := prev["items"].(map[string]any)
	if !ok {
		return 0
	}
	data, ok := items["data"].([]any)
	if !ok || len(data) == 0 {
		return 0
	}
	item, ok := data[0].(map[string]any)
	if !ok {
		return 0
	}
	price, ok := item["price"].(map[string]any)
	if !ok {
		return 0
	}
	amount, ok := price["unit_amount"].(float64)
	if !ok {
		return 0
	}
	return int64(amount)
}

func fillFromSubscription(ev *models.CanonicalEvent, sub *stripeSubscription) {
	ev.ExternalSubscriptionID = sub.ID
	if len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		if ev.AmountCents == 0 {
			ev.AmountCents = price.UnitAmount
		}
		if ev.Currency == "" {
			ev.Currency = price.Currency
		}
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		ev.ExpirationTime = &t
	}
}

// ExtractIdentityHints pulls the customer id, email, and subscription id.
func (n *StripeNormalizer) ExtractIdentityHints(body []byte) []models.IdentityHint {
	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil
	}
	var obj struct {
		ID            string    `json:"id"`
		Customer      stripeRef `json:"customer"`
		CustomerEmail string    `json:"customer_email"`
		ReceiptEmail  string    `json:"receipt_email"`
		Items         struct {
			Data []struct {
				Price struct {
					ID      string `json:"id"`
					Product string `json:"product"`
				} `json:"price"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
		return nil
	}

	meta := map[string]string{}
	if len(obj.Items.Data) > 0 {
		if p := obj.Items.Data[0].Price; p.Product != "" {
			meta["product_external_id"] = p.Product
		} else if p.ID != "" {
			meta["product_external_id"] = p.ID
		}
	}

	var hints []models.IdentityHint
	if obj.Customer != "" {
		hints = append(hints, models.IdentityHint{
			Source:     models.SourceStripe,
			IDType:     models.IDCustomerID,
			ExternalID: string(obj.Customer),
			Metadata:   meta,
		})
	}
	if email := firstNonEmpty(obj.CustomerEmail, obj.ReceiptEmail); email != "" {
		hints = append(hints, models.IdentityHint{
			Source:     models.SourceStripe,
			IDType:     models.IDEmail,
			ExternalID: strings.ToLower(strings.TrimSpace(email)),
		})
	}
	if strings.HasPrefix(obj.ID, "sub_") {
		hints = append(hints, models.IdentityHint{
			Source:     models.SourceStripe,
			IDType:     models.IDSubscriptionID,
			ExternalID: obj.ID,
			Metadata:   meta,
		})
	}
	return hints
}

func stripeEnvironment(live bool) string {
	if live {
		return "production"
	}
	return "sandbox"
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
