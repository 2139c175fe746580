// Package models defines the canonical domain types shared across the
// ingestion pipeline, detectors, and the API surface. Every persisted entity
// is tenant-scoped by OrgID.
package models

import (
	"encoding/json"
	"time"
)

// Source identifies a billing provider.
type Source string

const (
	SourceStripe    Source = "stripe"
	SourceApple     Source = "apple"
	SourceGoogle    Source = "google"
	SourceRecurly   Source = "recurly"
	SourceBraintree Source = "braintree"

	// SourceApp marks identifiers reported by the customer's own application
	// (access checks) rather than a billing provider.
	SourceApp Source = "app"
)

// AllSources enumerates every supported billing provider.
var AllSources = []Source{SourceStripe, SourceApple, SourceGoogle, SourceRecurly, SourceBraintree}

// Valid reports whether s names a supported provider.
func (s Source) Valid() bool {
	switch s {
	case SourceStripe, SourceApple, SourceGoogle, SourceRecurly, SourceBraintree:
		return true
	}
	return false
}

// EventType is the canonical, provider-agnostic event classification.
type EventType string

const (
	EventPurchase         EventType = "purchase"
	EventRenewal          EventType = "renewal"
	EventBillingRetry     EventType = "billing_retry"
	EventGracePeriodStart EventType = "grace_period_start"
	EventGracePeriodEnd   EventType = "grace_period_end"
	EventTrialConversion  EventType = "trial_conversion"
	EventUpgrade          EventType = "upgrade"
	EventDowngrade        EventType = "downgrade"
	EventCancellation     EventType = "cancellation"
	EventPause            EventType = "pause"
	EventResume           EventType = "resume"
	EventExpiration       EventType = "expiration"
	EventRefund           EventType = "refund"
	EventChargeback       EventType = "chargeback"
	EventRevoke           EventType = "revoke"
	EventOfferRedeemed    EventType = "offer_redeemed"
	EventPriceChange      EventType = "price_change"
)

// EventStatus qualifies the outcome carried by a canonical event.
type EventStatus string

const (
	EventStatusSuccess  EventStatus = "success"
	EventStatusFailed   EventStatus = "failed"
	EventStatusPending  EventStatus = "pending"
	EventStatusRefunded EventStatus = "refunded"
)

// EntitlementState is the per (user, product, source) subscription state.
type EntitlementState string

const (
	StateInactive     EntitlementState = "inactive"
	StateTrial        EntitlementState = "trial"
	StateActive       EntitlementState = "active"
	StateGracePeriod  EntitlementState = "grace_period"
	StateBillingRetry EntitlementState = "billing_retry"
	StatePastDue      EntitlementState = "past_due"
	StatePaused       EntitlementState = "paused"
	StateExpired      EntitlementState = "expired"
	StateRevoked      EntitlementState = "revoked"
	StateRefunded     EntitlementState = "refunded"
)

// AccessGroup buckets entitlement states for cross-platform comparison.
type AccessGroup string

const (
	AccessGranted AccessGroup = "ACCESS_GRANTED"
	AccessNone    AccessGroup = "NO_ACCESS"
	AccessAtRisk  AccessGroup = "AT_RISK"
	AccessNeutral AccessGroup = "NEUTRAL"
)

// Group returns the access bucket for the state.
func (s EntitlementState) Group() AccessGroup {
	switch s {
	case StateTrial, StateActive:
		return AccessGranted
	case StateExpired, StateRevoked, StateRefunded:
		return AccessNone
	case StateGracePeriod, StateBillingRetry, StatePastDue:
		return AccessAtRisk
	default:
		return AccessNeutral
	}
}

// IssueSeverity ranks an issue's urgency.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityWarning  IssueSeverity = "warning"
	SeverityInfo     IssueSeverity = "info"
)

// IssueStatus tracks an issue through its lifecycle.
type IssueStatus string

const (
	IssueOpen         IssueStatus = "open"
	IssueAcknowledged IssueStatus = "acknowledged"
	IssueResolved     IssueStatus = "resolved"
	IssueDismissed    IssueStatus = "dismissed"
)

// DetectionTier distinguishes detectors that work from provider data alone
// from those that need customer-reported access checks.
type DetectionTier string

const (
	TierBillingOnly DetectionTier = "billing_only"
	TierAppVerified DetectionTier = "app_verified"
)

// WebhookStatus is the processing state of an inbound delivery.
type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "received"
	WebhookQueued    WebhookStatus = "queued"
	WebhookProcessed WebhookStatus = "processed"
	WebhookFailed    WebhookStatus = "failed"
	WebhookSkipped   WebhookStatus = "skipped"
)

// AlertChannel names an outbound alert destination kind.
type AlertChannel string

const (
	ChannelWebhook   AlertChannel = "webhook"
	ChannelPagerDuty AlertChannel = "pagerduty"
	ChannelSlack     AlertChannel = "slack"
)

// IDType classifies an external identifier carried by an identity hint.
type IDType string

const (
	IDCustomerID            IDType = "customer_id"
	IDOriginalTransactionID IDType = "original_transaction_id"
	IDAppUserID             IDType = "app_user_id"
	IDEmail                 IDType = "email"
	IDBundleID              IDType = "bundle_id"
	IDAccountCode           IDType = "account_code"
	IDPurchaseToken         IDType = "purchase_token"
	IDSubscriptionID        IDType = "subscription_id"
)

// Organization is the tenant isolation unit.
type Organization struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// APIKey stores hashed key metadata. The plaintext is only returned once at
// creation and never persisted.
type APIKey struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"orgId"`
	Hash      string     `json:"-"`
	Prefix    string     `json:"prefix"`
	Name      string     `json:"name"`
	Scopes    []string   `json:"scopes,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// BillingConnection holds a tenant's credentials for one provider.
type BillingConnection struct {
	ID            string `json:"id"`
	OrgID         string `json:"orgId"`
	Source        Source `json:"source"`
	Credentials   string `json:"-"` // encrypted blob, vault envelope
	WebhookSecret string `json:"-"`
	// WebhookProxyURL, when set, receives a fire-and-forget copy of each
	// accepted delivery. Apple and Google only allow one notification URL
	// per app, so customers migrating keep their old endpoint fed.
	WebhookProxyURL string     `json:"webhookProxyUrl,omitempty"`
	IsActive        bool       `json:"isActive"`
	LastSyncAt      *time.Time `json:"lastSyncAt,omitempty"`
	LastWebhookAt   *time.Time `json:"lastWebhookAt,omitempty"`
	SyncStatus      string     `json:"syncStatus,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// User is a canonical person within a tenant, merged across providers.
type User struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"orgId"`
	Email          string    `json:"email,omitempty"`
	ExternalUserID string    `json:"externalUserId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// UserIdentity links a provider-side identifier to a canonical user.
type UserIdentity struct {
	ID         string            `json:"id"`
	OrgID      string            `json:"orgId"`
	UserID     string            `json:"userId"`
	Source     Source            `json:"source"`
	IDType     IDType            `json:"idType"`
	ExternalID string            `json:"externalId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// IdentityHint is an identifier extracted from a provider payload, used to
// drive identity resolution.
type IdentityHint struct {
	Source     Source            `json:"source"`
	IDType     IDType            `json:"idType"`
	ExternalID string            `json:"externalId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Product maps a tenant's product to its provider-side identifiers.
type Product struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"orgId"`
	Name        string            `json:"name"`
	ExternalIDs map[string]string `json:"externalIds,omitempty"` // keyed by source
	IsActive    bool              `json:"isActive"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// StateTransition is one appended entry of an entitlement's history.
type StateTransition struct {
	From    EntitlementState `json:"from"`
	To      EntitlementState `json:"to"`
	EventID string           `json:"eventId"`
	At      time.Time        `json:"at"`
}

// Entitlement is the authoritative per-platform subscription view, keyed by
// (org, user, product, source).
type Entitlement struct {
	ID                 string            `json:"id"`
	OrgID              string            `json:"orgId"`
	UserID             string            `json:"userId"`
	ProductID          string            `json:"productId"`
	Source             Source            `json:"source"`
	State              EntitlementState  `json:"state"`
	CurrentPeriodStart *time.Time        `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time        `json:"currentPeriodEnd,omitempty"`
	CancelAt           *time.Time        `json:"cancelAt,omitempty"`
	TrialEnd           *time.Time        `json:"trialEnd,omitempty"`
	AmountCents        int64             `json:"amountCents,omitempty"`
	StateHistory       []StateTransition `json:"stateHistory,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// CanonicalEvent is a normalized provider event, written once and keyed by
// IdempotencyKey within its tenant.
type CanonicalEvent struct {
	ID                     string          `json:"id"`
	OrgID                  string          `json:"orgId"`
	Source                 Source          `json:"source"`
	SourceEventType        string          `json:"sourceEventType"`
	EventType              EventType       `json:"eventType"`
	EventTime              time.Time       `json:"eventTime"`
	Status                 EventStatus     `json:"status"`
	UserID                 string          `json:"userId,omitempty"`
	ProductID              string          `json:"productId,omitempty"`
	ExternalSubscriptionID string          `json:"externalSubscriptionId,omitempty"`
	ExternalEventID        string          `json:"externalEventId,omitempty"`
	IdempotencyKey         string          `json:"idempotencyKey"`
	AmountCents            int64           `json:"amountCents,omitempty"`
	Currency               string          `json:"currency,omitempty"`
	PeriodType             string          `json:"periodType,omitempty"` // trial, normal, intro
	ExpirationTime         *time.Time      `json:"expirationTime,omitempty"`
	CancellationReason     string          `json:"cancellationReason,omitempty"`
	Environment            string          `json:"environment,omitempty"` // production, sandbox
	RawPayload             json.RawMessage `json:"rawPayload,omitempty"`  // sanitized before storage
	IngestedAt             time.Time       `json:"ingestedAt"`
}

// Issue is a detected revenue anomaly. At most one open issue may exist per
// (org, user, type); the constraint is enforced by a partial unique index.
type Issue struct {
	ID                    string          `json:"id"`
	OrgID                 string          `json:"orgId"`
	UserID                string          `json:"userId,omitempty"`
	IssueType             string          `json:"issueType"`
	Severity              IssueSeverity   `json:"severity"`
	Status                IssueStatus     `json:"status"`
	Title                 string          `json:"title"`
	Description           string          `json:"description"`
	EstimatedRevenueCents int64           `json:"estimatedRevenueCents"`
	Confidence            float64         `json:"confidence"`
	DetectorID            string          `json:"detectorId"`
	DetectionTier         DetectionTier   `json:"detectionTier"`
	Evidence              json.RawMessage `json:"evidence,omitempty"`
	ScopeKey              string          `json:"scopeKey,omitempty"` // dedup key for user-less issues
	Resolution            string          `json:"resolution,omitempty"`
	ResolvedAt            *time.Time      `json:"resolvedAt,omitempty"`
	AIAnalysis            json.RawMessage `json:"aiAnalysis,omitempty"`
	AIAnalysisAt          *time.Time      `json:"aiAnalysisAt,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// WebhookLog is the audit row for one inbound delivery.
type WebhookLog struct {
	ID              string          `json:"id"`
	OrgID           string          `json:"orgId"`
	Source          Source          `json:"source"`
	Status          WebhookStatus   `json:"status"`
	EventType       string          `json:"eventType,omitempty"`
	ExternalEventID string          `json:"externalEventId,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	Headers         json.RawMessage `json:"headers,omitempty"` // allowlisted subset
	Body            json.RawMessage `json:"body,omitempty"`    // sanitized
	CreatedAt       time.Time       `json:"createdAt"`
	ProcessedAt     *time.Time      `json:"processedAt,omitempty"`
}

// AccessCheck is a customer-reported observation of whether a user currently
// has access in the application.
type AccessCheck struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"orgId"`
	UserID         string    `json:"userId,omitempty"`
	ProductID      string    `json:"productId,omitempty"`
	ExternalUserID string    `json:"externalUserId"`
	HasAccess      bool      `json:"hasAccess"`
	ReportedAt     time.Time `json:"reportedAt"`
}

// AlertConfig is one outbound alert destination for a tenant.
type AlertConfig struct {
	ID          string       `json:"id"`
	OrgID       string       `json:"orgId"`
	Channel     AlertChannel `json:"channel"`
	URL         string       `json:"url,omitempty"`
	RoutingKey  string       `json:"-"`
	Secret      string       `json:"-"`
	SlackChan   string       `json:"slackChannel,omitempty"`
	EventFilter []string     `json:"eventFilter,omitempty"` // wildcard patterns; empty admits all
	IsActive    bool         `json:"isActive"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// AuditEntry records a mutation of tenant configuration or identity data.
type AuditEntry struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"orgId"`
	Actor     string          `json:"actor,omitempty"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
