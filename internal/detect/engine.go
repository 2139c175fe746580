// Package detect runs revenue-anomaly detectors against the tenant's data.
// Detectors are pure reads; emission is deduplicated against open issues and
// individual detector failures never block ingestion.
package detect

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

// ScanScope is the cadence class of a scheduled detector: aggregate health
// scans run often, per-user sweeps less so.
type ScanScope string

const (
	ScopeAggregate ScanScope = "aggregate"
	ScopePerUser   ScanScope = "per_user"
)

// Detector is one registered check. CheckEvent and ScheduledScan are both
// optional; most detectors implement exactly one.
type Detector struct {
	ID          string
	Name        string
	Description string
	Tier        models.DetectionTier
	Scope       ScanScope

	CheckEvent    func(ctx context.Context, st *store.Store, orgID, userID string, ev *models.CanonicalEvent) ([]models.Issue, error)
	ScheduledScan func(ctx context.Context, st *store.Store, orgID string) ([]models.Issue, error)
}

// Notifier receives freshly inserted issues for alert fan-out. Dispatch is
// fire-and-forget from the engine's point of view.
type Notifier interface {
	NotifyIssueCreated(ctx context.Context, issue *models.Issue)
}

// Engine owns the ordered detector registry.
type Engine struct {
	store     *store.Store
	notifier  Notifier
	detectors []Detector
}

func NewEngine(st *store.Store, notifier Notifier) *Engine {
	return &Engine{
		store:    st,
		notifier: notifier,
		detectors: []Detector{
			duplicateBillingDetector(),
			unrevokedRefundDetector(),
			crossPlatformConflictDetector(),
			webhookDeliveryGapDetector(),
			renewalAnomalyDetector(),
			dataFreshnessDetector(),
			verifiedPaidNoAccessDetector(),
			verifiedAccessNoPaymentDetector(),
		},
	}
}

// NewEngineWithDetectors builds an engine over an explicit registry (tests).
func NewEngineWithDetectors(st *store.Store, notifier Notifier, detectors []Detector) *Engine {
	return &Engine{store: st, notifier: notifier, detectors: detectors}
}

// Detectors returns the registry in registration order.
func (e *Engine) Detectors() []Detector {
	return e.detectors
}

// RunEventDetectors runs every event-triggered detector for one (org, user,
// event) tuple, synchronously with the pipeline.
func (e *Engine) RunEventDetectors(ctx context.Context, orgID, userID string, ev *models.CanonicalEvent) {
	for _, d := range e.detectors {
		if d.CheckEvent == nil {
			continue
		}
		issues := e.runIsolated(ctx, d, func(ctx context.Context) ([]models.Issue, error) {
			return d.CheckEvent(ctx, e.store, orgID, userID, ev)
		})
		e.emit(ctx, d, orgID, issues)
	}
}

// RunScheduledScan runs one detector's tenant-wide scan.
func (e *Engine) RunScheduledScan(ctx context.Context, detectorID, orgID string) {
	for _, d := range e.detectors {
		if d.ID != detectorID || d.ScheduledScan == nil {
			continue
		}
		issues := e.runIsolated(ctx, d, func(ctx context.Context) ([]models.Issue, error) {
			return d.ScheduledScan(ctx, e.store, orgID)
		})
		e.emit(ctx, d, orgID, issues)
		return
	}
}

// runIsolated shields the pipeline from detector errors and panics.
func (e *Engine) runIsolated(ctx context.Context, d Detector, fn func(context.Context) ([]models.Issue, error)) (issues []models.Issue) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("detector", d.ID).
				Interface("panic", r).
				Msg("detector panicked")
			issues = nil
		}
	}()
	issues, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Str("detector", d.ID).Msg("detector failed")
		return nil
	}
	return issues
}

// emit inserts each detected issue unless an open duplicate exists. Unique
// violations from racing workers count as dedup skips.
func (e *Engine) emit(ctx context.Context, d Detector, orgID string, issues []models.Issue) {
	for i := range issues {
		issue := &issues[i]
		issue.OrgID = orgID
		issue.DetectorID = d.ID
		if issue.DetectionTier == "" {
			issue.DetectionTier = d.Tier
		}
		inserted, err := e.store.InsertIssueDedup(ctx, issue)
		if err != nil {
			log.Error().Err(err).
				Str("detector", d.ID).
				Str("issue_type", issue.IssueType).
				Msg("failed to insert issue")
			continue
		}
		if !inserted {
			continue
		}
		log.Info().
			Str("org_id", orgID).
			Str("detector", d.ID).
			Str("issue_type", issue.IssueType).
			Str("severity", string(issue.Severity)).
			Int64("estimated_revenue_cents", issue.EstimatedRevenueCents).
			Msg("issue detected")
		if e.notifier != nil {
			e.notifier.NotifyIssueCreated(ctx, issue)
		}
	}
}

// evidence marshals detector evidence, dropping it on failure rather than
// blocking emission.
func evidence(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
