package detect

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

// Per-provider webhook silence thresholds. Apple and Google batch less than
// Stripe, so they get more slack.
var webhookGapThresholds = map[models.Source]time.Duration{
	models.SourceStripe:    6 * time.Hour,
	models.SourceRecurly:   6 * time.Hour,
	models.SourceBraintree: 6 * time.Hour,
	models.SourceApple:     12 * time.Hour,
	models.SourceGoogle:    12 * time.Hour,
}

const criticalGap = 24 * time.Hour

// webhook_delivery_gap: an active connection with no inbound delivery inside
// its threshold. Aggregate issue keyed per source.
func webhookDeliveryGapDetector() Detector {
	return Detector{
		ID:          "webhook_delivery_gap",
		Name:        "Webhook delivery gap",
		Description: "No webhooks received from a connected provider",
		Tier:        models.TierBillingOnly,
		Scope:       ScopeAggregate,
		ScheduledScan: func(ctx context.Context, st *store.Store, orgID string) ([]models.Issue, error) {
			conns, err := st.ListConnections(ctx, orgID)
			if err != nil {
				return nil, err
			}
			now := time.Now().UTC()
			var issues []models.Issue
			for _, conn := range conns {
				if !conn.IsActive {
					continue
				}
				threshold := webhookGapThresholds[conn.Source]
				if threshold == 0 {
					threshold = 6 * time.Hour
				}
				last := conn.CreatedAt
				if conn.LastWebhookAt != nil {
					last = *conn.LastWebhookAt
				}
				gap := now.Sub(last)
				if gap < threshold {
					continue
				}
				severity := models.SeverityWarning
				if gap >= criticalGap {
					severity = models.SeverityCritical
				}
				issues = append(issues, models.Issue{
					IssueType:   "webhook_delivery_gap",
					Severity:    severity,
					ScopeKey:    string(conn.Source),
					Title:       fmt.Sprintf("No %s webhooks for %.0f hours", conn.Source, gap.Hours()),
					Description: fmt.Sprintf("The %s connection is active but has not delivered a webhook since %s", conn.Source, last.Format(time.RFC3339)),
					Confidence:  0.95,
					Evidence: evidence(map[string]any{
						"source":                conn.Source,
						"hoursSinceLastWebhook": math.Round(gap.Hours()),
						"thresholdHours":        threshold.Hours(),
					}),
				})
			}
			return issues, nil
		},
	}
}

// renewal_anomaly: rolling 24h renewal failure rate exceeds the 30-day
// baseline by more than three standard deviations.
func renewalAnomalyDetector() Detector {
	return Detector{
		ID:          "renewal_anomaly",
		Name:        "Renewal anomaly",
		Description: "Renewal failure rate spiked above baseline",
		Tier:        models.TierBillingOnly,
		Scope:       ScopeAggregate,
		ScheduledScan: func(ctx context.Context, st *store.Store, orgID string) ([]models.Issue, error) {
			now := time.Now().UTC()
			day := now.Add(-24 * time.Hour)
			month := now.Add(-30 * 24 * time.Hour)

			recentOK, err := st.CountEventsByTypeSince(ctx, orgID, models.EventRenewal, models.EventStatusSuccess, day)
			if err != nil {
				return nil, err
			}
			recentFail, err := st.CountEventsByTypeSince(ctx, orgID, models.EventBillingRetry, models.EventStatusFailed, day)
			if err != nil {
				return nil, err
			}
			baseOK, err := st.CountEventsByTypeSince(ctx, orgID, models.EventRenewal, models.EventStatusSuccess, month)
			if err != nil {
				return nil, err
			}
			baseFail, err := st.CountEventsByTypeSince(ctx, orgID, models.EventBillingRetry, models.EventStatusFailed, month)
			if err != nil {
				return nil, err
			}

			recentTotal := recentOK + recentFail
			baseTotal := baseOK + baseFail
			if recentTotal < 20 || baseTotal < 100 {
				return nil, nil // not enough signal
			}
			recentRate := float64(recentFail) / float64(recentTotal)
			baseRate := float64(baseFail) / float64(baseTotal)
			sigma := math.Sqrt(baseRate * (1 - baseRate) / float64(recentTotal))
			if recentRate <= baseRate+3*sigma {
				return nil, nil
			}
			return []models.Issue{{
				IssueType:   "renewal_anomaly",
				Severity:    models.SeverityCritical,
				ScopeKey:    "renewals",
				Title:       fmt.Sprintf("Renewal failures at %.0f%% (baseline %.0f%%)", recentRate*100, baseRate*100),
				Description: "The rolling 24h renewal failure rate exceeds the 30-day baseline by more than 3 sigma",
				Confidence:  0.75,
				Evidence: evidence(map[string]any{
					"recentFailures": recentFail,
					"recentTotal":    recentTotal,
					"recentRate":     recentRate,
					"baselineRate":   baseRate,
					"sigma":          sigma,
				}),
			}}, nil
		},
	}
}

// data_freshness: an entitlement whose period already ended but whose row has
// not been touched for twice its billing interval. Likely silent webhook loss.
func dataFreshnessDetector() Detector {
	return Detector{
		ID:          "data_freshness",
		Name:        "Data freshness",
		Description: "Entitlement looks abandoned by its provider's webhooks",
		Tier:        models.TierBillingOnly,
		Scope:       ScopePerUser,
		ScheduledScan: func(ctx context.Context, st *store.Store, orgID string) ([]models.Issue, error) {
			now := time.Now().UTC()
			ents, err := st.ListStaleEntitlements(ctx, orgID, now, 1000)
			if err != nil {
				return nil, err
			}
			var issues []models.Issue
			for _, ent := range ents {
				interval := 30 * 24 * time.Hour
				if ent.CurrentPeriodStart != nil && ent.CurrentPeriodEnd != nil {
					if d := ent.CurrentPeriodEnd.Sub(*ent.CurrentPeriodStart); d > 0 {
						interval = d
					}
				}
				if now.Sub(ent.UpdatedAt) < 2*interval {
					continue
				}
				issues = append(issues, models.Issue{
					UserID:      ent.UserID,
					IssueType:   "data_freshness",
					Severity:    models.SeverityWarning,
					Title:       fmt.Sprintf("Stale %s entitlement", ent.Source),
					Description: fmt.Sprintf("The %s entitlement's period ended %s but no event has touched it since %s", ent.Source, ent.CurrentPeriodEnd.Format(time.RFC3339), ent.UpdatedAt.Format(time.RFC3339)),
					Confidence:  0.7,
					Evidence: evidence(map[string]any{
						"source":           ent.Source,
						"state":            ent.State,
						"currentPeriodEnd": ent.CurrentPeriodEnd,
						"lastUpdatedAt":    ent.UpdatedAt,
						"intervalHours":    interval.Hours(),
					}),
				})
			}
			return issues, nil
		},
	}
}

// verified_paid_no_access: the provider says active, the app says no access.
func verifiedPaidNoAccessDetector() Detector {
	return Detector{
		ID:          "verified_paid_no_access",
		Name:        "Paying user without access",
		Description: "Active entitlement but the app reports no access",
		Tier:        models.TierAppVerified,
		Scope:       ScopePerUser,
		ScheduledScan: func(ctx context.Context, st *store.Store, orgID string) ([]models.Issue, error) {
			ents, err := st.ListEntitlementsByState(ctx, orgID, models.StateActive, 1000)
			if err != nil {
				return nil, err
			}
			var issues []models.Issue
			for _, ent := range ents {
				check, err := st.LatestAccessCheck(ctx, orgID, ent.UserID)
				if err != nil {
					continue // no observation for this user
				}
				if check.HasAccess {
					continue
				}
				issues = append(issues, models.Issue{
					UserID:                ent.UserID,
					IssueType:             "verified_paid_no_access",
					Severity:              models.SeverityCritical,
					Title:                 "Paying user locked out",
					Description:           fmt.Sprintf("The %s entitlement is active but the app last reported no access at %s", ent.Source, check.ReportedAt.Format(time.RFC3339)),
					EstimatedRevenueCents: ent.AmountCents,
					Confidence:            0.9,
					DetectionTier:         models.TierAppVerified,
					Evidence: evidence(map[string]any{
						"source":     ent.Source,
						"state":      ent.State,
						"reportedAt": check.ReportedAt,
					}),
				})
			}
			return issues, nil
		},
	}
}

// verified_access_no_payment: the app says access, no entitlement pays for it.
func verifiedAccessNoPaymentDetector() Detector {
	return Detector{
		ID:          "verified_access_no_payment",
		Name:        "Access without payment",
		Description: "App reports access but no active entitlement exists",
		Tier:        models.TierAppVerified,
		Scope:       ScopePerUser,
		ScheduledScan: func(ctx context.Context, st *store.Store, orgID string) ([]models.Issue, error) {
			since := time.Now().UTC().Add(-7 * 24 * time.Hour)
			userIDs, err := st.ListUsersWithRecentAccessChecks(ctx, orgID, since, 5000)
			if err != nil {
				return nil, err
			}
			var issues []models.Issue
			for _, userID := range userIDs {
				check, err := st.LatestAccessCheck(ctx, orgID, userID)
				if err != nil || !check.HasAccess {
					continue
				}
				ents, err := st.ListEntitlementsByUser(ctx, orgID, userID)
				if err != nil {
					return nil, err
				}
				paying := false
				for _, ent := range ents {
					if ent.State.Group() == models.AccessGranted {
						paying = true
						break
					}
				}
				if paying {
					continue
				}
				issues = append(issues, models.Issue{
					UserID:        userID,
					IssueType:     "verified_access_no_payment",
					Severity:      models.SeverityWarning,
					Title:         "Access granted without payment",
					Description:   fmt.Sprintf("The app reported access at %s but no entitlement is in a paying state", check.ReportedAt.Format(time.RFC3339)),
					Confidence:    0.8,
					DetectionTier: models.TierAppVerified,
					Evidence: evidence(map[string]any{
						"reportedAt":   check.ReportedAt,
						"entitlements": len(ents),
					}),
				})
			}
			return issues, nil
		},
	}
}
