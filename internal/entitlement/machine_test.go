package entitlement

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

func ev(eventType models.EventType, status models.EventStatus, periodType string) *models.CanonicalEvent {
	return &models.CanonicalEvent{EventType: eventType, Status: status, PeriodType: periodType}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		name  string
		from  models.EntitlementState
		event *models.CanonicalEvent
		want  models.EntitlementState
		err   error
	}{
		{"purchase from inactive", models.StateInactive, ev(models.EventPurchase, models.EventStatusSuccess, ""), models.StateActive, nil},
		{"trial purchase", models.StateInactive, ev(models.EventPurchase, models.EventStatusSuccess, "trial"), models.StateTrial, nil},
		{"purchase revives refunded", models.StateRefunded, ev(models.EventPurchase, models.EventStatusSuccess, ""), models.StateActive, nil},
		{"trial conversion", models.StateTrial, ev(models.EventTrialConversion, models.EventStatusSuccess, ""), models.StateActive, nil},
		{"trial conversion from active rejected", models.StateActive, ev(models.EventTrialConversion, models.EventStatusSuccess, ""), "", ErrInvalidTransition},
		{"renewal from active", models.StateActive, ev(models.EventRenewal, models.EventStatusSuccess, ""), models.StateActive, nil},
		{"renewal recovers grace period", models.StateGracePeriod, ev(models.EventRenewal, models.EventStatusSuccess, ""), models.StateActive, nil},
		{"renewal recovers billing retry", models.StateBillingRetry, ev(models.EventRenewal, models.EventStatusSuccess, ""), models.StateActive, nil},
		{"renewal from expired rejected", models.StateExpired, ev(models.EventRenewal, models.EventStatusSuccess, ""), "", ErrInvalidTransition},
		{"billing retry", models.StateActive, ev(models.EventBillingRetry, models.EventStatusFailed, ""), models.StateBillingRetry, nil},
		{"grace period start", models.StateBillingRetry, ev(models.EventGracePeriodStart, models.EventStatusFailed, ""), models.StateGracePeriod, nil},
		{"grace period end", models.StateGracePeriod, ev(models.EventGracePeriodEnd, models.EventStatusFailed, ""), models.StateExpired, nil},
		{"cancellation keeps state", models.StateActive, ev(models.EventCancellation, models.EventStatusSuccess, ""), models.StateActive, nil},
		{"expiration from active", models.StateActive, ev(models.EventExpiration, models.EventStatusSuccess, ""), models.StateExpired, nil},
		{"failed expiration from billing retry", models.StateBillingRetry, ev(models.EventExpiration, models.EventStatusFailed, ""), models.StateExpired, nil},
		{"failed expiration from active rejected", models.StateActive, ev(models.EventExpiration, models.EventStatusFailed, ""), "", ErrInvalidTransition},
		{"refund from active", models.StateActive, ev(models.EventRefund, models.EventStatusRefunded, ""), models.StateRefunded, nil},
		{"chargeback from grace period", models.StateGracePeriod, ev(models.EventChargeback, models.EventStatusFailed, ""), models.StateRefunded, nil},
		{"refund is sticky", models.StateRefunded, ev(models.EventRefund, models.EventStatusRefunded, ""), "", ErrInvalidTransition},
		{"revoke from anywhere", models.StateTrial, ev(models.EventRevoke, models.EventStatusSuccess, ""), models.StateRevoked, nil},
		{"pause", models.StateActive, ev(models.EventPause, models.EventStatusSuccess, ""), models.StatePaused, nil},
		{"resume from paused", models.StatePaused, ev(models.EventResume, models.EventStatusSuccess, ""), models.StateActive, nil},
		{"resume revives revoked", models.StateRevoked, ev(models.EventResume, models.EventStatusSuccess, ""), models.StateActive, nil},
		{"upgrade", models.StateActive, ev(models.EventUpgrade, models.EventStatusSuccess, ""), models.StateActive, nil},
		{"downgrade from paused rejected", models.StatePaused, ev(models.EventDowngrade, models.EventStatusSuccess, ""), "", ErrInvalidTransition},
		{"price change is a no-op", models.StateActive, ev(models.EventPriceChange, models.EventStatusSuccess, ""), models.StateActive, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Transition(tc.from, tc.event)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func newMockApplier(t *testing.T) (*Applier, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewApplier(store.NewWithDB(db)), mock
}

func entitlementRow(state models.EntitlementState, periodEnd time.Time, history string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "org_id", "user_id", "product_id", "source", "state",
		"current_period_start", "current_period_end", "cancel_at", "trial_end",
		"amount_cents", "state_history", "created_at", "updated_at",
	}).AddRow("ent-1", "org-1", "user-1", "prod-1", "stripe", state,
		nil, periodEnd, nil, nil, int64(1999), []byte(history), time.Now(), time.Now())
}

func TestApplyRenewalAdvancesPeriod(t *testing.T) {
	a, mock := newMockApplier(t)
	oldEnd := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	newEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(entitlementRow(models.StateActive, oldEnd, "[]"))
	mock.ExpectExec(`UPDATE entitlements SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := a.Apply(context.Background(), &models.CanonicalEvent{
		OrgID: "org-1", UserID: "user-1", ProductID: "prod-1",
		Source: models.SourceStripe, EventType: models.EventRenewal,
		Status: models.EventStatusSuccess, IdempotencyKey: "stripe:evt_1",
		EventTime: time.Now().UTC(), ExpirationTime: &newEnd,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyRejectsPeriodRollback(t *testing.T) {
	a, mock := newMockApplier(t)
	currentEnd := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	staleEnd := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(entitlementRow(models.StateActive, currentEnd, "[]"))
	mock.ExpectRollback()

	// Rollback is absorbed: the event stands, the entitlement does not move.
	err := a.Apply(context.Background(), &models.CanonicalEvent{
		OrgID: "org-1", UserID: "user-1", ProductID: "prod-1",
		Source: models.SourceStripe, EventType: models.EventRenewal,
		Status: models.EventStatusSuccess, IdempotencyKey: "stripe:evt_stale",
		EventTime: time.Now().UTC(), ExpirationTime: &staleEnd,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyReplayIsNoOp(t *testing.T) {
	a, mock := newMockApplier(t)
	end := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	history := `[{"from":"inactive","to":"active","eventId":"stripe:evt_1","at":"2026-08-01T00:00:00Z"}]`

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(entitlementRow(models.StateActive, end, history))
	mock.ExpectCommit()

	err := a.Apply(context.Background(), &models.CanonicalEvent{
		OrgID: "org-1", UserID: "user-1", ProductID: "prod-1",
		Source: models.SourceStripe, EventType: models.EventPurchase,
		Status: models.EventStatusSuccess, IdempotencyKey: "stripe:evt_1",
		EventTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySkipsAnonymousEvents(t *testing.T) {
	a, _ := newMockApplier(t)
	err := a.Apply(context.Background(), &models.CanonicalEvent{
		OrgID: "org-1", EventType: models.EventRenewal,
	})
	assert.NoError(t, err)
}

// Product-less events key the entitlement on a NULL product_id. The unique
// constraint is declared NULLS NOT DISTINCT, so a racing worker's insert
// no-ops on conflict and the re-read under lock lands on the winner's row.
func TestApplyNullProductInsertRaceUsesWinnerRow(t *testing.T) {
	a, mock := newMockApplier(t)

	winner := sqlmock.NewRows([]string{
		"id", "org_id", "user_id", "product_id", "source", "state",
		"current_period_start", "current_period_end", "cancel_at", "trial_end",
		"amount_cents", "state_history", "created_at", "updated_at",
	}).AddRow("ent-winner", "org-1", "user-1", nil, "stripe", models.StateInactive,
		nil, nil, nil, nil, int64(0), []byte("[]"), time.Now(), time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO entitlements`).WillReturnResult(sqlmock.NewResult(0, 0)) // lost the race
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(winner)
	mock.ExpectExec(`UPDATE entitlements SET`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := a.Apply(context.Background(), &models.CanonicalEvent{
		OrgID: "org-1", UserID: "user-1", ProductID: "",
		Source: models.SourceStripe, EventType: models.EventPurchase,
		Status: models.EventStatusSuccess, IdempotencyKey: "stripe:evt_np_1",
		EventTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
