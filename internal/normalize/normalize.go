// Package normalize converts provider webhook payloads into canonical events.
// Each provider module owns signature verification, event mapping, and
// identity-hint extraction. Verification fails closed: any parse error or
// mismatch is reported as an error, never as silent acceptance.
package normalize

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vnguysoftware/revguard/internal/models"
)

var (
	// ErrSignatureInvalid means the payload failed authentication.
	ErrSignatureInvalid = errors.New("normalize: signature invalid")
	// ErrDecodeFailed means the payload could not be parsed as the provider's format.
	ErrDecodeFailed = errors.New("normalize: decode failed")
)

// Replay tolerance for timestamped signature schemes.
const signatureTolerance = 300 * time.Second

// Normalizer is the per-provider capability set. Implementations are
// stateless and safe for concurrent use.
type Normalizer interface {
	Source() models.Source

	// VerifySignature authenticates raw webhook bytes against the connection
	// secret. A nil error means the payload is genuine.
	VerifySignature(body []byte, headers http.Header, secret string) error

	// Normalize maps one provider notification to zero or more canonical
	// events. Unmapped notification types return an empty slice.
	Normalize(orgID string, body []byte) ([]models.CanonicalEvent, error)

	// ExtractIdentityHints pulls every identifier present in the payload.
	ExtractIdentityHints(body []byte) []models.IdentityHint
}

// Registry holds one normalizer per supported source.
type Registry struct {
	bySource map[models.Source]Normalizer
}

// NewRegistry wires up all five providers.
func NewRegistry() *Registry {
	r := &Registry{bySource: make(map[models.Source]Normalizer)}
	for _, n := range []Normalizer{
		NewStripe(),
		NewApple(),
		NewGoogle(),
		NewRecurly(),
		NewBraintree(),
	} {
		r.bySource[n.Source()] = n
	}
	return r
}

// ForSource returns the normalizer for a source, or false when unsupported.
func (r *Registry) ForSource(source models.Source) (Normalizer, bool) {
	n, ok := r.bySource[source]
	return n, ok
}

// SignatureHeader names the header carrying each provider's signature, used
// by the receiver's storage allowlist.
func SignatureHeader(source models.Source) string {
	switch source {
	case models.SourceStripe:
		return "Stripe-Signature"
	case models.SourceRecurly:
		return "Recurly-Signature"
	case models.SourceGoogle:
		return "Authorization"
	case models.SourceBraintree:
		return "" // signature travels in the form body
	default:
		return ""
	}
}

// IdempotencyKey builds `{source}:{event_id}` with an optional discriminator
// for notifications that fan out to multiple canonical events.
func IdempotencyKey(source models.Source, eventID, discriminator string) string {
	if discriminator == "" {
		return fmt.Sprintf("%s:%s", source, eventID)
	}
	return fmt.Sprintf("%s:%s:%s", source, eventID, discriminator)
}
