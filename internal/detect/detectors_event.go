package detect

import (
	"context"
	"fmt"

	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

// duplicate_billing: a purchase or renewal while an entitlement for the same
// (user, product) is active on a different source with overlapping periods.
func duplicateBillingDetector() Detector {
	return Detector{
		ID:          "duplicate_billing",
		Name:        "Duplicate billing",
		Description: "User is being charged for the same product on more than one platform",
		Tier:        models.TierBillingOnly,
		CheckEvent: func(ctx context.Context, st *store.Store, orgID, userID string, ev *models.CanonicalEvent) ([]models.Issue, error) {
			if userID == "" {
				return nil, nil
			}
			if ev.EventType != models.EventPurchase && ev.EventType != models.EventRenewal {
				return nil, nil
			}
			ents, err := st.ListEntitlementsByUserProduct(ctx, orgID, userID, ev.ProductID)
			if err != nil {
				return nil, err
			}
			for _, ent := range ents {
				if ent.Source == ev.Source {
					continue
				}
				if ent.State.Group() != models.AccessGranted {
					continue
				}
				if !periodsOverlap(&ent, ev) {
					continue
				}
				return []models.Issue{{
					UserID:                userID,
					IssueType:             "duplicate_billing",
					Severity:              models.SeverityCritical,
					Title:                 "User billed on two platforms",
					Description:           fmt.Sprintf("Active %s subscription overlaps a new %s charge for the same product", ent.Source, ev.Source),
					EstimatedRevenueCents: smallestNonZero(ev.AmountCents, ent.AmountCents),
					Confidence:            0.85,
					Evidence: evidence(map[string]any{
						"newSource":         ev.Source,
						"existingSource":    ent.Source,
						"existingState":     ent.State,
						"idempotencyKey":    ev.IdempotencyKey,
						"amountCents":       ev.AmountCents,
						"existingPeriodEnd": ent.CurrentPeriodEnd,
					}),
				}}, nil
			}
			return nil, nil
		},
	}
}

// unrevoked_refund: a refund or chargeback while the entitlement still
// grants (or is about to grant) access.
func unrevokedRefundDetector() Detector {
	return Detector{
		ID:          "unrevoked_refund",
		Name:        "Unrevoked refund",
		Description: "Money was returned but access was never revoked",
		Tier:        models.TierBillingOnly,
		CheckEvent: func(ctx context.Context, st *store.Store, orgID, userID string, ev *models.CanonicalEvent) ([]models.Issue, error) {
			if userID == "" {
				return nil, nil
			}
			if ev.EventType != models.EventRefund && ev.EventType != models.EventChargeback {
				return nil, nil
			}
			ents, err := st.ListEntitlementsByUserProduct(ctx, orgID, userID, ev.ProductID)
			if err != nil {
				return nil, err
			}
			for _, ent := range ents {
				// The refund itself may have just revoked this entitlement;
				// what matters is whether access was granted when the money
				// came back, so judge the pre-transition state.
				state := ent.State
				for _, h := range ent.StateHistory {
					if h.EventID == ev.IdempotencyKey {
						state = h.From
						break
					}
				}
				group := state.Group()
				if group != models.AccessGranted && group != models.AccessAtRisk {
					continue
				}
				severity := models.SeverityWarning
				if ev.EventType == models.EventChargeback {
					severity = models.SeverityCritical
				}
				return []models.Issue{{
					UserID:                userID,
					IssueType:             "unrevoked_refund",
					Severity:              severity,
					Title:                 "Refund without revocation",
					Description:           fmt.Sprintf("%s was refunded while the %s entitlement was %s", ev.Source, ent.Source, state),
					EstimatedRevenueCents: ev.AmountCents,
					Confidence:            0.92,
					Evidence: evidence(map[string]any{
						"refundSource":     ev.Source,
						"entitlementState": state,
						"idempotencyKey":   ev.IdempotencyKey,
						"amountCents":      ev.AmountCents,
					}),
				}}, nil
			}
			return nil, nil
		},
	}
}

// cross_platform_conflict: entitlements for the same (user, product) disagree
// across sources. One granted + one denied is a mismatch; two granted on
// different sources is a duplicate subscription.
func crossPlatformConflictDetector() Detector {
	return Detector{
		ID:          "cross_platform_conflict",
		Name:        "Cross-platform conflict",
		Description: "Per-platform entitlements for the same product disagree",
		Tier:        models.TierBillingOnly,
		CheckEvent: func(ctx context.Context, st *store.Store, orgID, userID string, ev *models.CanonicalEvent) ([]models.Issue, error) {
			if userID == "" {
				return nil, nil
			}
			ents, err := st.ListEntitlementsByUserProduct(ctx, orgID, userID, ev.ProductID)
			if err != nil {
				return nil, err
			}
			if len(ents) < 2 {
				return nil, nil
			}

			var granted, denied []models.Entitlement
			for _, ent := range ents {
				switch ent.State.Group() {
				case models.AccessGranted:
					granted = append(granted, ent)
				case models.AccessNone:
					denied = append(denied, ent)
				}
			}

			if len(granted) > 0 && len(denied) > 0 {
				return []models.Issue{{
					UserID:                userID,
					IssueType:             "cross_platform_mismatch",
					Severity:              models.SeverityCritical,
					Title:                 "Platforms disagree on access",
					Description:           fmt.Sprintf("%s grants access while %s denies it for the same product", granted[0].Source, denied[0].Source),
					EstimatedRevenueCents: granted[0].AmountCents,
					Confidence:            0.9,
					Evidence: evidence(map[string]any{
						"grantedSource": granted[0].Source,
						"grantedState":  granted[0].State,
						"deniedSource":  denied[0].Source,
						"deniedState":   denied[0].State,
					}),
				}}, nil
			}
			if len(granted) >= 2 && granted[0].Source != granted[1].Source {
				return []models.Issue{{
					UserID:                userID,
					IssueType:             "duplicate_subscription",
					Severity:              models.SeverityWarning,
					Title:                 "Two live subscriptions for one product",
					Description:           fmt.Sprintf("Both %s and %s grant access to the same product", granted[0].Source, granted[1].Source),
					EstimatedRevenueCents: smallestNonZero(granted[0].AmountCents, granted[1].AmountCents),
					Confidence:            0.8,
					Evidence: evidence(map[string]any{
						"sources": []models.Source{granted[0].Source, granted[1].Source},
						"states":  []models.EntitlementState{granted[0].State, granted[1].State},
					}),
				}}, nil
			}
			return nil, nil
		},
	}
}

func periodsOverlap(ent *models.Entitlement, ev *models.CanonicalEvent) bool {
	// Without period data assume overlap; an active entitlement alongside a
	// fresh charge is suspicious either way.
	if ent.CurrentPeriodEnd == nil {
		return true
	}
	return ev.EventTime.Before(*ent.CurrentPeriodEnd)
}

func smallestNonZero(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	case a < b:
		return a
	default:
		return b
	}
}
