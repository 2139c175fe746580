package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnguysoftware/revguard/internal/detect"
	"github.com/vnguysoftware/revguard/internal/distlock"
	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

func orgRows(ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "slug", "name", "created_at"})
	for _, id := range ids {
		rows.AddRow(id, "slug-"+id, "Org "+id, time.Now())
	}
	return rows
}

func newTestScheduler(t *testing.T, detectors []detect.Detector) (*Scheduler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := store.NewWithDB(db)
	engine := detect.NewEngineWithDetectors(st, nil, detectors)
	return New(st, engine, distlock.NewMemory()), mock
}

func scanCounter(id string, scope detect.ScanScope, calls *atomic.Int32) detect.Detector {
	return detect.Detector{
		ID:    id,
		Scope: scope,
		ScheduledScan: func(context.Context, *store.Store, string) ([]models.Issue, error) {
			calls.Add(1)
			return nil, nil
		},
	}
}

func TestTickRunsMatchingScopeAcrossOrgs(t *testing.T) {
	var aggregateCalls, perUserCalls atomic.Int32
	s, mock := newTestScheduler(t, []detect.Detector{
		scanCounter("webhook_delivery_gap", detect.ScopeAggregate, &aggregateCalls),
		scanCounter("data_freshness", detect.ScopePerUser, &perUserCalls),
	})

	mock.ExpectQuery(`FROM organizations`).WillReturnRows(orgRows("org-1", "org-2"))

	s.Tick(context.Background(), detect.ScopeAggregate)
	assert.Equal(t, int32(2), aggregateCalls.Load())
	assert.Equal(t, int32(0), perUserCalls.Load())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTickSkipsHeldLocks(t *testing.T) {
	var calls atomic.Int32
	s, mock := newTestScheduler(t, []detect.Detector{
		scanCounter("renewal_anomaly", detect.ScopeAggregate, &calls),
	})

	held, err := s.locker.Acquire(context.Background(), scanLockKey("renewal_anomaly", "org-1"), time.Hour)
	require.NoError(t, err)
	require.True(t, held)

	mock.ExpectQuery(`FROM organizations`).WillReturnRows(orgRows("org-1"))

	s.Tick(context.Background(), detect.ScopeAggregate)
	assert.Equal(t, int32(0), calls.Load())
}

func TestTickReleasesLockAfterScan(t *testing.T) {
	var calls atomic.Int32
	s, mock := newTestScheduler(t, []detect.Detector{
		scanCounter("renewal_anomaly", detect.ScopeAggregate, &calls),
	})

	mock.ExpectQuery(`FROM organizations`).WillReturnRows(orgRows("org-1"))
	s.Tick(context.Background(), detect.ScopeAggregate)

	mock.ExpectQuery(`FROM organizations`).WillReturnRows(orgRows("org-1"))
	s.Tick(context.Background(), detect.ScopeAggregate)

	assert.Equal(t, int32(2), calls.Load())
}
