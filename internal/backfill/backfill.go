// Package backfill imports historical subscription data from provider APIs
// and replays it through the ingestion pipeline as trusted payloads, so the
// same normalization, identity, entitlement, and detection code handles both
// live webhooks and historical imports.
package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/vnguysoftware/revguard/internal/circuit"
	"github.com/vnguysoftware/revguard/internal/distlock"
	"github.com/vnguysoftware/revguard/internal/ingest"
	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
	"github.com/vnguysoftware/revguard/internal/vault"
)

const lockTTL = time.Hour

// ErrBackfillRunning is returned when a run for (source, org) is in flight.
var ErrBackfillRunning = errors.New("backfill: already running")

// ErrUnsupportedSource is returned for providers with no importable history.
// Apple and Braintree expose no subscription list API.
var ErrUnsupportedSource = errors.New("backfill: source has no import API")

// errCancelled is returned by importers when a cancel request is observed
// between pages.
var errCancelled = errors.New("backfill: run cancelled")

// credentials is the decrypted billing-connection credential document.
type credentials struct {
	APIKey      string   `json:"api_key,omitempty"`
	AccessToken string   `json:"access_token,omitempty"`
	PackageName string   `json:"package_name,omitempty"`
	Tokens      []string `json:"purchase_tokens,omitempty"`
}

// Engine runs one backfill at a time per (source, org), guarded by a
// distributed lock.
type Engine struct {
	store    *store.Store
	pipeline *ingest.Pipeline
	locker   distlock.Locker
	tracker  *Tracker
	vault    *vault.Vault
	breakers *circuit.Registry

	providerTimeout time.Duration
}

func NewEngine(st *store.Store, pipeline *ingest.Pipeline, locker distlock.Locker,
	tracker *Tracker, v *vault.Vault, breakers *circuit.Registry) *Engine {
	return &Engine{
		store:    st,
		pipeline: pipeline,
		locker:   locker,
		tracker:  tracker,
		vault:    v,
		breakers: breakers,
	}
}

// Cancel asks the active run for (source, org) to stop at its next page
// boundary. Returns false when no run is in flight or progress tracking is
// unavailable.
func (e *Engine) Cancel(ctx context.Context, orgID string, source models.Source) (bool, error) {
	if e.tracker == nil {
		return false, nil
	}
	return e.tracker.RequestCancel(ctx, source, orgID)
}

// Progress returns the last recorded run state for (source, org).
func (e *Engine) Progress(ctx context.Context, orgID string, source models.Source) (*Progress, error) {
	if e.tracker == nil {
		return nil, nil
	}
	return e.tracker.Load(ctx, source, orgID)
}

// Run executes a full backfill synchronously.
func (e *Engine) Run(ctx context.Context, orgID string, source models.Source) error {
	p, release, err := e.prepare(ctx, orgID, source)
	if err != nil {
		return err
	}
	defer release()
	return e.execute(ctx, p)
}

// Start acquires the run lock synchronously, so a concurrent start still gets
// ErrBackfillRunning, then imports in the background. The returned run id
// matches Progress.RunID for polling.
func (e *Engine) Start(ctx context.Context, orgID string, source models.Source) (string, error) {
	p, release, err := e.prepare(ctx, orgID, source)
	if err != nil {
		return "", err
	}
	go func() {
		defer release()
		if err := e.execute(context.WithoutCancel(ctx), p); err != nil {
			log.Error().Err(err).
				Str("org_id", orgID).
				Str("source", string(source)).
				Str("run_id", p.run.runID).
				Msg("background backfill failed")
		}
	}()
	return p.run.runID, nil
}

type preparedRun struct {
	imp   importer
	creds *credentials
	run   *runState
}

// prepare validates the source, takes the (source, org) lock, and decrypts
// the connection credentials. The caller must invoke release when done.
func (e *Engine) prepare(ctx context.Context, orgID string, source models.Source) (*preparedRun, func(), error) {
	imp, err := e.importer(source)
	if err != nil {
		return nil, nil, err
	}

	acquired, err := e.locker.Acquire(ctx, lockKey(source, orgID), lockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("backfill: lock: %w", err)
	}
	if !acquired {
		return nil, nil, ErrBackfillRunning
	}
	release := func() {
		if err := e.locker.Release(context.WithoutCancel(ctx), lockKey(source, orgID)); err != nil {
			log.Warn().Err(err).Str("org_id", orgID).Str("source", string(source)).Msg("failed to release backfill lock")
		}
	}

	conn, err := e.store.GetConnection(ctx, orgID, source)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("backfill: load connection: %w", err)
	}
	creds, err := e.decodeCredentials(conn.Credentials)
	if err != nil {
		release()
		return nil, nil, err
	}

	run := &runState{
		engine: e,
		orgID:  orgID,
		source: source,
		runID:  ulid.Make().String(),
		progress: &Progress{
			Status:    StatusQueued,
			StartedAt: time.Now().UTC(),
		},
	}
	run.progress.RunID = run.runID
	run.save(ctx)

	return &preparedRun{imp: imp, creds: creds, run: run}, release, nil
}

func (e *Engine) execute(ctx context.Context, p *preparedRun) error {
	run := p.run
	log.Info().
		Str("org_id", run.orgID).
		Str("source", string(run.source)).
		Str("run_id", run.runID).
		Msg("backfill started")

	if err := p.imp.run(ctx, run, p.creds); err != nil {
		if errors.Is(err, errCancelled) {
			run.abortCancelled(ctx)
			e.markSync(ctx, run.orgID, run.source, StatusCancelled)
			log.Info().
				Str("org_id", run.orgID).
				Str("source", string(run.source)).
				Str("run_id", run.runID).
				Msg("backfill cancelled")
			return nil
		}
		run.fail(ctx, err)
		e.markSync(ctx, run.orgID, run.source, StatusFailed)
		return fmt.Errorf("backfill: %w", err)
	}

	run.complete(ctx)
	e.markSync(ctx, run.orgID, run.source, StatusCompleted)
	log.Info().
		Str("org_id", run.orgID).
		Str("source", string(run.source)).
		Str("run_id", run.runID).
		Int("events_created", run.progress.EventsCreated).
		Msg("backfill completed")
	return nil
}

func (e *Engine) markSync(ctx context.Context, orgID string, source models.Source, status string) {
	if err := e.store.UpdateConnectionSync(ctx, orgID, source, status, time.Now().UTC()); err != nil {
		log.Warn().Err(err).Str("org_id", orgID).Msg("failed to record sync status")
	}
}

func (e *Engine) importer(source models.Source) (importer, error) {
	switch source {
	case models.SourceStripe:
		return &stripeImporter{}, nil
	case models.SourceRecurly:
		return &recurlyImporter{client: e.providerClient()}, nil
	case models.SourceGoogle:
		return &googleImporter{client: e.providerClient()}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, source)
}

// SetProviderTimeout bounds each provider HTTP call made by importers.
func (e *Engine) SetProviderTimeout(d time.Duration) {
	if d > 0 {
		e.providerTimeout = d
	}
}

func (e *Engine) providerClient() *http.Client {
	timeout := e.providerTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (e *Engine) decodeCredentials(blob string) (*credentials, error) {
	plaintext := blob
	if e.vault != nil {
		var err error
		if plaintext, err = e.vault.Decrypt(blob); err != nil {
			return nil, fmt.Errorf("backfill: decrypt credentials: %w", err)
		}
	}
	var creds credentials
	if err := json.Unmarshal([]byte(plaintext), &creds); err != nil {
		// Legacy connections store a bare API key.
		return &credentials{APIKey: plaintext}, nil
	}
	return &creds, nil
}

// importer is one provider's import strategy.
type importer interface {
	run(ctx context.Context, run *runState, creds *credentials) error
}

// runState carries the shared per-run bookkeeping importers report into.
type runState struct {
	engine   *Engine
	orgID    string
	source   models.Source
	runID    string
	progress *Progress
}

func (r *runState) setStatus(ctx context.Context, status, phase string) {
	r.progress.Status = status
	r.progress.Phase = phase
	r.save(ctx)
}

// replay pushes one synthetic provider payload through the trusted pipeline.
func (r *runState) replay(ctx context.Context, payload []byte) error {
	if err := r.engine.pipeline.ProcessTrusted(ctx, r.orgID, r.source, payload); err != nil {
		return err
	}
	r.progress.EventsCreated++
	return nil
}

func (r *runState) recordError(ctx context.Context, err error) {
	if len(r.progress.Errors) < 20 {
		r.progress.Errors = append(r.progress.Errors, err.Error())
	}
	r.save(ctx)
}

func (r *runState) save(ctx context.Context) {
	r.progress.recalc(time.Now().UTC())
	if r.engine.tracker == nil {
		return
	}
	if err := r.engine.tracker.Save(ctx, r.source, r.orgID, r.progress); err != nil {
		log.Warn().Err(err).Str("org_id", r.orgID).Msg("failed to save backfill progress")
	}
}

// cancelled re-loads the progress doc and reports whether a cancel was
// requested since the last check. Importers call this between pages.
func (r *runState) cancelled(ctx context.Context) bool {
	if r.engine.tracker == nil {
		return false
	}
	p, err := r.engine.tracker.Load(ctx, r.source, r.orgID)
	if err != nil {
		log.Warn().Err(err).Str("org_id", r.orgID).Msg("failed to check backfill cancellation")
		return false
	}
	if p == nil || !p.CancelRequested {
		return false
	}
	r.progress.CancelRequested = true
	return true
}

func (r *runState) abortCancelled(ctx context.Context) {
	now := time.Now().UTC()
	r.progress.Status = StatusCancelled
	r.progress.CompletedAt = &now
	r.progress.EstimatedSecondsRemaining = 0
	r.save(ctx)
}

func (r *runState) fail(ctx context.Context, err error) {
	now := time.Now().UTC()
	r.progress.Status = StatusFailed
	r.progress.CompletedAt = &now
	r.recordError(ctx, err)
}

func (r *runState) complete(ctx context.Context) {
	now := time.Now().UTC()
	r.progress.Status = StatusCompleted
	r.progress.CompletedAt = &now
	r.progress.EstimatedSecondsRemaining = 0
	r.save(ctx)
}

// call wraps one outbound provider request in the run's circuit breaker.
func (r *runState) call(fn func() error) error {
	breaker := r.engine.breakers.Get("backfill:" + string(r.source))
	return breaker.Call(fn)
}
