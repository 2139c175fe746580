// Package scheduler fires the periodic detector scans across all tenants.
// Aggregate health scans run every 15 minutes, per-user sweeps every hour; a
// distributed lock keeps each (tenant, detector) scan single-flight even with
// multiple replicas.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnguysoftware/revguard/internal/detect"
	"github.com/vnguysoftware/revguard/internal/distlock"
	"github.com/vnguysoftware/revguard/internal/store"
)

const (
	defaultAggregateEvery = 15 * time.Minute
	defaultPerUserEvery   = 60 * time.Minute
)

// Scheduler drives the scheduled side of the detection engine.
type Scheduler struct {
	store  *store.Store
	engine *detect.Engine
	locker distlock.Locker

	aggregateEvery time.Duration
	perUserEvery   time.Duration
}

func New(st *store.Store, engine *detect.Engine, locker distlock.Locker) *Scheduler {
	return &Scheduler{
		store:          st,
		engine:         engine,
		locker:         locker,
		aggregateEvery: defaultAggregateEvery,
		perUserEvery:   defaultPerUserEvery,
	}
}

// Run blocks until ctx is cancelled. Missed ticks do not accumulate: if a
// previous scan still holds its lock when the next tick fires, the tick is
// skipped and logged.
func (s *Scheduler) Run(ctx context.Context) {
	aggregate := time.NewTicker(s.aggregateEvery)
	perUser := time.NewTicker(s.perUserEvery)
	defer aggregate.Stop()
	defer perUser.Stop()

	log.Info().
		Dur("aggregate_every", s.aggregateEvery).
		Dur("per_user_every", s.perUserEvery).
		Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-aggregate.C:
			s.Tick(ctx, detect.ScopeAggregate)
		case <-perUser.C:
			s.Tick(ctx, detect.ScopePerUser)
		}
	}
}

// Tick runs every scheduled detector of one scope across all tenants.
func (s *Scheduler) Tick(ctx context.Context, scope detect.ScanScope) {
	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler failed to list organizations")
		return
	}
	for _, org := range orgs {
		for _, d := range s.engine.Detectors() {
			if d.ScheduledScan == nil || d.Scope != scope {
				continue
			}
			s.runScan(ctx, org.ID, d)
		}
	}
}

func (s *Scheduler) runScan(ctx context.Context, orgID string, d detect.Detector) {
	ttl := s.aggregateEvery
	if d.Scope == detect.ScopePerUser {
		ttl = s.perUserEvery
	}
	key := scanLockKey(d.ID, orgID)
	acquired, err := s.locker.Acquire(ctx, key, ttl)
	if err != nil {
		log.Error().Err(err).Str("detector", d.ID).Str("org_id", orgID).Msg("scan lock failed")
		return
	}
	if !acquired {
		log.Debug().Str("detector", d.ID).Str("org_id", orgID).Msg("scan already running, tick skipped")
		return
	}
	defer func() {
		if err := s.locker.Release(ctx, key); err != nil {
			log.Warn().Err(err).Str("detector", d.ID).Msg("failed to release scan lock")
		}
	}()

	started := time.Now()
	s.engine.RunScheduledScan(ctx, d.ID, orgID)
	log.Debug().
		Str("detector", d.ID).
		Str("org_id", orgID).
		Dur("took", time.Since(started)).
		Msg("scheduled scan finished")
}

func scanLockKey(detectorID, orgID string) string {
	return fmt.Sprintf("scan-lock:%s:%s", detectorID, orgID)
}
