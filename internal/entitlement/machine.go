// Package entitlement implements the per (user, product, source) subscription
// state machine. Transitions are a pure function of (state, event); the Apply
// wrapper adds row locking and history persistence.
package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

// ErrInvalidTransition marks an event that the current state cannot accept.
// Callers treat it as a no-op, not a failure: out-of-order deliveries are
// expected.
var ErrInvalidTransition = errors.New("entitlement: invalid transition")

// ErrPeriodRollback marks a transition that would move current_period_end
// backwards within an active series.
var ErrPeriodRollback = errors.New("entitlement: period end rollback")

// Transition computes the next state for (state, event), or an error when the
// combination is not allowed. It never mutates anything.
func Transition(state models.EntitlementState, ev *models.CanonicalEvent) (models.EntitlementState, error) {
	switch ev.EventType {
	case models.EventPurchase:
		if ev.PeriodType == "trial" {
			return models.StateTrial, nil
		}
		return models.StateActive, nil

	case models.EventTrialConversion:
		if state == models.StateTrial {
			return models.StateActive, nil
		}
		return "", ErrInvalidTransition

	case models.EventRenewal:
		switch state {
		case models.StateActive, models.StateGracePeriod, models.StateBillingRetry, models.StatePastDue:
			return models.StateActive, nil
		}
		return "", ErrInvalidTransition

	case models.EventBillingRetry:
		if state == models.StateActive {
			return models.StateBillingRetry, nil
		}
		return "", ErrInvalidTransition

	case models.EventGracePeriodStart:
		switch state {
		case models.StateActive, models.StateBillingRetry:
			return models.StateGracePeriod, nil
		}
		return "", ErrInvalidTransition

	case models.EventGracePeriodEnd:
		if state == models.StateGracePeriod {
			return models.StateExpired, nil
		}
		return "", ErrInvalidTransition

	case models.EventCancellation:
		// State is unchanged until period end; only cancel_at is recorded.
		switch state {
		case models.StateActive, models.StateTrial:
			return state, nil
		}
		return "", ErrInvalidTransition

	case models.EventExpiration:
		if ev.Status == models.EventStatusFailed {
			switch state {
			case models.StateBillingRetry, models.StateGracePeriod:
				return models.StateExpired, nil
			}
			return "", ErrInvalidTransition
		}
		switch state {
		case models.StateActive, models.StateTrial, models.StateGracePeriod:
			return models.StateExpired, nil
		}
		return "", ErrInvalidTransition

	case models.EventRefund, models.EventChargeback:
		// Sticky until a new purchase or resume.
		if state.Group() == models.AccessGranted || state.Group() == models.AccessAtRisk {
			return models.StateRefunded, nil
		}
		return "", ErrInvalidTransition

	case models.EventRevoke:
		return models.StateRevoked, nil

	case models.EventPause:
		if state == models.StateActive {
			return models.StatePaused, nil
		}
		return "", ErrInvalidTransition

	case models.EventResume:
		if state == models.StatePaused || state == models.StateRefunded || state == models.StateRevoked {
			return models.StateActive, nil
		}
		return "", ErrInvalidTransition

	case models.EventUpgrade, models.EventDowngrade:
		if state == models.StateActive {
			return models.StateActive, nil
		}
		return "", ErrInvalidTransition

	case models.EventOfferRedeemed:
		return models.StateActive, nil

	case models.EventPriceChange:
		return state, nil
	}
	return "", ErrInvalidTransition
}

// Applier runs transitions against the store.
type Applier struct {
	store *store.Store
}

func NewApplier(st *store.Store) *Applier {
	return &Applier{store: st}
}

// Apply transitions the entitlement row for the event's (user, product,
// source). Invalid transitions and stale-period rollbacks are logged and
// absorbed; the canonical event still stands on its own.
func (a *Applier) Apply(ctx context.Context, ev *models.CanonicalEvent) error {
	if ev.UserID == "" {
		return nil // anonymous events carry no entitlement
	}
	err := a.store.Tx(ctx, func(tx *sql.Tx) error {
		ent, err := store.GetEntitlementForUpdate(ctx, tx, ev.OrgID, ev.UserID, ev.ProductID, ev.Source)
		if err != nil {
			return err
		}
		return applyLocked(ctx, tx, ent, ev)
	})
	if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrPeriodRollback) {
		log.Warn().
			Str("org_id", ev.OrgID).
			Str("user_id", ev.UserID).
			Str("event_type", string(ev.EventType)).
			Str("idempotency_key", ev.IdempotencyKey).
			Err(err).
			Msg("entitlement transition rejected")
		return nil
	}
	if err != nil {
		return fmt.Errorf("entitlement: apply: %w", err)
	}
	return nil
}

func applyLocked(ctx context.Context, tx *sql.Tx, ent *models.Entitlement, ev *models.CanonicalEvent) error {
	// Replays are no-ops: an identical transition for the same event is
	// already in the history.
	for _, h := range ent.StateHistory {
		if h.EventID == ev.IdempotencyKey {
			return nil
		}
	}

	next, err := Transition(ent.State, ev)
	if err != nil {
		return err
	}

	if ev.ExpirationTime != nil && inActiveSeries(ent.State) && inActiveSeries(next) {
		if ent.CurrentPeriodEnd != nil && ev.ExpirationTime.Before(*ent.CurrentPeriodEnd) {
			return fmt.Errorf("%w: %s < %s", ErrPeriodRollback,
				ev.ExpirationTime.Format(time.RFC3339), ent.CurrentPeriodEnd.Format(time.RFC3339))
		}
	}

	if next != ent.State {
		ent.StateHistory = append(ent.StateHistory, models.StateTransition{
			From:    ent.State,
			To:      next,
			EventID: ev.IdempotencyKey,
			At:      ev.EventTime,
		})
	}
	ent.State = next

	switch ev.EventType {
	case models.EventCancellation:
		if ev.ExpirationTime != nil {
			ent.CancelAt = ev.ExpirationTime
		}
	case models.EventResume, models.EventPurchase:
		ent.CancelAt = nil
	}
	if ev.ExpirationTime != nil && (ent.CurrentPeriodEnd == nil || !ev.ExpirationTime.Before(*ent.CurrentPeriodEnd)) {
		ent.CurrentPeriodEnd = ev.ExpirationTime
		start := ev.EventTime
		ent.CurrentPeriodStart = &start
	}
	if ev.AmountCents > 0 {
		ent.AmountCents = ev.AmountCents
	}
	if ev.PeriodType == "trial" && ev.ExpirationTime != nil {
		ent.TrialEnd = ev.ExpirationTime
	}

	return store.SaveEntitlement(ctx, tx, ent)
}

// inActiveSeries reports whether a state belongs to the continuous paying
// series that the period-end monotonicity invariant covers.
func inActiveSeries(state models.EntitlementState) bool {
	switch state {
	case models.StateTrial, models.StateActive, models.StateGracePeriod, models.StateBillingRetry, models.StatePastDue:
		return true
	}
	return false
}
