package normalize

import (
	"encoding/json"
	"net/http"

	"github.com/vnguysoftware/revguard/internal/models"
)

// PII fields stripped from stored payload copies. Nested customer contact
// fields are handled separately.
var redactedFields = map[string]bool{
	"customer_email":  true,
	"customer_name":   true,
	"receipt_email":   true,
	"billing_details": true,
	"shipping":        true,
	"credit_card":     true,
	"card_number":     true,
}

var redactedCustomerFields = map[string]bool{
	"email":   true,
	"name":    true,
	"phone":   true,
	"address": true,
}

const redactedPlaceholder = "[redacted]"

// SanitizePayload returns a copy of a JSON payload with PII fields replaced
// by a placeholder. Non-JSON bodies are returned unchanged; redaction only
// applies to what we store, the live bytes already went to the normalizer.
func SanitizePayload(body []byte) json.RawMessage {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return json.RawMessage(body)
	}
	doc = redactValue(doc, false)
	out, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(body)
	}
	return out
}

func redactValue(v any, insideCustomer bool) any {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			if redactedFields[k] || (insideCustomer && redactedCustomerFields[k]) {
				val[k] = redactedPlaceholder
				continue
			}
			val[k] = redactValue(child, k == "customer")
		}
		return val
	case []any:
		for i, child := range val {
			val[i] = redactValue(child, insideCustomer)
		}
		return val
	default:
		return v
	}
}

// SanitizeHeaders keeps only the storage allowlist: the provider's signature
// header plus content-type, content-length, and user-agent.
func SanitizeHeaders(headers http.Header, source models.Source) json.RawMessage {
	allowed := map[string]bool{
		"Content-Type":   true,
		"Content-Length": true,
		"User-Agent":     true,
	}
	if sig := SignatureHeader(source); sig != "" {
		allowed[sig] = true
	}
	kept := make(map[string]string)
	for name := range headers {
		if allowed[http.CanonicalHeaderKey(name)] {
			kept[name] = headers.Get(name)
		}
	}
	out, err := json.Marshal(kept)
	if err != nil {
		return nil
	}
	return out
}
