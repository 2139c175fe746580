package normalize

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vnguysoftware/revguard/internal/models"
)

// Apple Root CA - G3. App Store Server Notification JWS chains must anchor
// to this exact certificate.
const appleRootCAG3PEM = `-----BEGIN CERTIFICATE-----
MIICQzCCAcmgAwIBAgIILcX8iNLFS5UwCgYIKoZIzj0EAwMwZzEbMBkGA1UEAwwS
QXBwbGUgUm9vdCBDQSAtIEczMSYwJAYDVQQLDB1BcHBsZSBDZXJ0aWZpY2F0aW9u
IEF1dGhvcml0eTETMBEGA1UECgwKQXBwbGUgSW5jLjELMAkGA1UEBhMCVVMwHhcN
MTQwNDMwMTgxOTA2WhcNMzkwNDMwMTgxOTA2WjBnMRswGQYDVQQDDBJBcHBsZSBS
b290IENBIC0gRzMxJjAkBgNVBAsMHUFwcGxlIENlcnRpZmljYXRpb24gQXV0aG9y
aXR5MRMwEQYDVQQKDApBcHBsZSBJbmMuMQswCQYDVQQGEwJVUzB2MBAGByqGSM49
AgEGBSuBBAAiA2IABJjpLz1AcqTtkyJygRMc3RCV8cWjTnHcFBbZDuWmBSp3ZHtf
TjjTuxxEtX/1H7YyYl3J6YRbTzBPEVoA/VhYDKX1DyxNB0cTddqXl5dvMVztK517
IDvYuVTZXpmkOlEKMaNCMEAwHQYDVR0OBBYEFLuw3qFYM4iapIqZ3r6966/ayySr
MA8GA1UdEwEB/wQFMAMBAf8wDgYDVR0PAQH/BAQDAgEGMAoGCCqGSM49BAMDA2gA
MGUCMQCD6cHEFl4aXTQY2e3v9GwOAEZLuN+yRhHFD/3meoyhpmvOwgPUnPWTxnS4
at+qIxUCMG1mihDK1A3UT82NQz60imOlM27jbdoXt2QfyFMm+YhidDkLF1vLUagM
6BgD56KyKA==
-----END CERTIFICATE-----`

// AppleNormalizer handles App Store Server Notifications V2: a JSON body
// wrapping a JWS whose x5c chain anchors to the Apple root.
type AppleNormalizer struct {
	rootDER []byte
	now     func() time.Time
}

func NewApple() *AppleNormalizer {
	block, _ := pem.Decode([]byte(appleRootCAG3PEM))
	if block == nil {
		panic("apple root CA PEM is malformed")
	}
	return &AppleNormalizer{rootDER: block.Bytes, now: time.Now}
}

func (n *AppleNormalizer) Source() models.Source { return models.SourceApple }

type appleNotificationBody struct {
	SignedPayload string `json:"signedPayload"`
}

// VerifySignature validates the JWS: the x5c chain must hold at least three
// certificates, the last must bit-exact match the embedded Apple root, each
// link must sign the next, and the leaf must verify the token under the
// header-declared algorithm. The connection secret is unused; trust comes
// from the certificate chain.
func (n *AppleNormalizer) VerifySignature(body []byte, _ http.Header, _ string) error {
	var wrapper appleNotificationBody
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.SignedPayload == "" {
		return fmt.Errorf("%w: missing signedPayload", ErrSignatureInvalid)
	}
	chain, err := n.verifyChain(wrapper.SignedPayload)
	if err != nil {
		return err
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ES256"}))
	_, err = parser.Parse(wrapper.SignedPayload, func(t *jwt.Token) (any, error) {
		return chain[0].PublicKey, nil
	})
	if err != nil {
		return fmt.Errorf("%w: jws verify: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (n *AppleNormalizer) verifyChain(token string) ([]*x509.Certificate, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: not a JWS", ErrSignatureInvalid)
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: jws header: %v", ErrSignatureInvalid, err)
	}
	var header struct {
		Alg string   `json:"alg"`
		X5c []string `json:"x5c"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: jws header: %v", ErrSignatureInvalid, err)
	}
	if header.Alg != "ES256" {
		return nil, fmt.Errorf("%w: unexpected alg %q", ErrSignatureInvalid, header.Alg)
	}
	if len(header.X5c) < 3 {
		return nil, fmt.Errorf("%w: x5c chain too short (%d)", ErrSignatureInvalid, len(header.X5c))
	}

	chain := make([]*x509.Certificate, 0, len(header.X5c))
	for _, encoded := range header.X5c {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: x5c decode: %v", ErrSignatureInvalid, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: x5c parse: %v", ErrSignatureInvalid, err)
		}
		chain = append(chain, cert)
	}
	if !bytes.Equal(chain[len(chain)-1].Raw, n.rootDER) {
		return nil, fmt.Errorf("%w: chain does not anchor to Apple Root CA G3", ErrSignatureInvalid)
	}
	for i := 0; i < len(chain)-1; i++ {
		if err := chain[i].CheckSignatureFrom(chain[i+1]); err != nil {
			return nil, fmt.Errorf("%w: chain link %d: %v", ErrSignatureInvalid, i, err)
		}
	}
	return chain, nil
}

type appleNotificationPayload struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"` // ms
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
}

type appleTransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	AppAccountToken       string `json:"appAccountToken"`
	ExpiresDate           int64  `json:"expiresDate"`  // ms
	PurchaseDate          int64  `json:"purchaseDate"` // ms
	Price                 int64  `json:"price"`        // milliunits
	Currency              string `json:"currency"`
	OfferType             int    `json:"offerType"`
}

// Normalize maps a verified notification to canonical events. The receiver
// already authenticated the JWS; here we only decode the claim segments.
func (n *AppleNormalizer) Normalize(orgID string, body []byte) ([]models.CanonicalEvent, error) {
	payload, txn, err := decodeApplePayload(body)
	if err != nil {
		return nil, err
	}

	eventType, status, periodType := mapAppleNotification(payload.NotificationType, payload.Subtype)
	if eventType == "" {
		return nil, nil
	}

	ev := models.CanonicalEvent{
		OrgID:                  orgID,
		Source:                 models.SourceApple,
		SourceEventType:        appleSourceType(payload.NotificationType, payload.Subtype),
		EventType:              eventType,
		EventTime:              time.UnixMilli(payload.SignedDate).UTC(),
		Status:                 status,
		ExternalSubscriptionID: txn.OriginalTransactionID,
		ExternalEventID:        payload.NotificationUUID,
		IdempotencyKey:         IdempotencyKey(models.SourceApple, payload.NotificationUUID, ""),
		AmountCents:            appleMilliunitsToCents(txn.Price),
		Currency:               strings.ToLower(txn.Currency),
		PeriodType:             periodType,
		Environment:            strings.ToLower(payload.Data.Environment),
	}
	if txn.ExpiresDate > 0 {
		t := time.UnixMilli(txn.ExpiresDate).UTC()
		ev.ExpirationTime = &t
	}
	if payload.NotificationType == "EXPIRED" || payload.NotificationType == "DID_CHANGE_RENEWAL_STATUS" {
		ev.CancellationReason = strings.ToLower(payload.Subtype)
	}
	return []models.CanonicalEvent{ev}, nil
}

func decodeApplePayload(body []byte) (*appleNotificationPayload, *appleTransactionInfo, error) {
	var wrapper appleNotificationBody
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.SignedPayload == "" {
		return nil, nil, fmt.Errorf("%w: missing signedPayload", ErrDecodeFailed)
	}
	var payload appleNotificationPayload
	if err := decodeJWSClaims(wrapper.SignedPayload, &payload); err != nil {
		return nil, nil, err
	}
	if payload.NotificationUUID == "" {
		return nil, nil, fmt.Errorf("%w: missing notificationUUID", ErrDecodeFailed)
	}
	txn := &appleTransactionInfo{}
	if payload.Data.SignedTransactionInfo != "" {
		if err := decodeJWSClaims(payload.Data.SignedTransactionInfo, txn); err != nil {
			return nil, nil, err
		}
	}
	return &payload, txn, nil
}

func decodeJWSClaims(token string, out any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: not a JWS", ErrDecodeFailed)
	}
	claims, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fmt.Errorf("%w: jws claims: %v", ErrDecodeFailed, err)
	}
	if err := json.Unmarshal(claims, out); err != nil {
		return fmt.Errorf("%w: jws claims: %v", ErrDecodeFailed, err)
	}
	return nil
}

// mapAppleNotification returns the canonical type for a (type, subtype) pair.
// An empty event type means skip.
func mapAppleNotification(notificationType, subtype string) (models.EventType, models.EventStatus, string) {
	switch notificationType {
	case "SUBSCRIBED":
		return models.EventPurchase, models.EventStatusSuccess, ""
	case "DID_RENEW":
		return models.EventRenewal, models.EventStatusSuccess, ""
	case "DID_FAIL_TO_RENEW":
		if subtype == "GRACE_PERIOD" {
			return models.EventGracePeriodStart, models.EventStatusFailed, ""
		}
		return models.EventBillingRetry, models.EventStatusFailed, ""
	case "GRACE_PERIOD_EXPIRED":
		return models.EventGracePeriodEnd, models.EventStatusFailed, ""
	case "DID_CHANGE_RENEWAL_STATUS":
		if subtype == "AUTO_RENEW_DISABLED" {
			return models.EventCancellation, models.EventStatusSuccess, ""
		}
		return "", "", "" // re-enable has no canonical counterpart
	case "DID_CHANGE_RENEWAL_PREF":
		if subtype == "DOWNGRADE" {
			return models.EventDowngrade, models.EventStatusSuccess, ""
		}
		return models.EventUpgrade, models.EventStatusSuccess, ""
	case "EXPIRED":
		status := models.EventStatusSuccess
		if subtype == "BILLING_RETRY" {
			status = models.EventStatusFailed
		}
		return models.EventExpiration, status, ""
	case "REFUND":
		return models.EventRefund, models.EventStatusRefunded, ""
	case "REVOKE":
		return models.EventRevoke, models.EventStatusSuccess, ""
	case "OFFER_REDEEMED":
		return models.EventOfferRedeemed, models.EventStatusSuccess, "intro"
	case "PRICE_INCREASE":
		return models.EventPriceChange, models.EventStatusSuccess, ""
	}
	return "", "", ""
}

func appleSourceType(notificationType, subtype string) string {
	if subtype == "" {
		return notificationType
	}
	return notificationType + ":" + subtype
}

// Apple's price field is in milliunits of currency (9990 = $9.99).
func appleMilliunitsToCents(milli int64) int64 {
	return milli / 10
}

// ExtractIdentityHints pulls the original transaction id and app account
// token. Bundle id and product id travel as metadata, not identifiers.
func (n *AppleNormalizer) ExtractIdentityHints(body []byte) []models.IdentityHint {
	payload, txn, err := decodeApplePayload(body)
	if err != nil {
		return nil
	}
	meta := map[string]string{}
	if txn.ProductID != "" {
		meta["product_external_id"] = txn.ProductID
	}
	if payload.Data.BundleID != "" {
		meta["bundle_id"] = payload.Data.BundleID
	}

	var hints []models.IdentityHint
	if txn.OriginalTransactionID != "" {
		hints = append(hints, models.IdentityHint{
			Source:     models.SourceApple,
			IDType:     models.IDOriginalTransactionID,
			ExternalID: txn.OriginalTransactionID,
			Metadata:   meta,
		})
	}
	if txn.AppAccountToken != "" {
		hints = append(hints, models.IdentityHint{
			Source:     models.SourceApple,
			IDType:     models.IDAppUserID,
			ExternalID: txn.AppAccountToken,
			Metadata:   meta,
		})
	}
	return hints
}
