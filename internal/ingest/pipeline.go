// Package ingest processes queued webhook deliveries: verify, normalize,
// resolve identity, persist, transition entitlements, run detectors. The
// receiver stays thin; everything heavy happens here.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnguysoftware/revguard/internal/detect"
	"github.com/vnguysoftware/revguard/internal/entitlement"
	"github.com/vnguysoftware/revguard/internal/identity"
	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/normalize"
	"github.com/vnguysoftware/revguard/internal/store"
)

// Job is one queued webhook delivery. Backfill replays set Trusted; their
// bytes never touched the wire, so signature verification is skipped.
type Job struct {
	OrgID        string        `json:"orgId"`
	Source       models.Source `json:"source"`
	WebhookLogID string        `json:"webhookLogId,omitempty"`
	Body         []byte        `json:"body"`
	Headers      http.Header   `json:"headers,omitempty"`
	ReceivedAt   time.Time     `json:"receivedAt"`
	Trusted      bool          `json:"trusted,omitempty"`
}

// Pipeline wires the per-job processing steps together.
type Pipeline struct {
	store    *store.Store
	registry *normalize.Registry
	resolver *identity.Resolver
	applier  *entitlement.Applier
	engine   *detect.Engine
}

func NewPipeline(st *store.Store, reg *normalize.Registry, resolver *identity.Resolver,
	applier *entitlement.Applier, engine *detect.Engine) *Pipeline {
	return &Pipeline{
		store:    st,
		registry: reg,
		resolver: resolver,
		applier:  applier,
		engine:   engine,
	}
}

// Process runs one job through the full pipeline. A nil return means the job
// is finished (processed, skipped, or failed terminally); a non-nil return is
// transient and the worker retries.
func (p *Pipeline) Process(ctx context.Context, job *Job) error {
	p.markLog(ctx, job, models.WebhookQueued, "")

	conn, err := p.store.GetConnection(ctx, job.OrgID, job.Source)
	if errors.Is(err, store.ErrNotFound) {
		p.markLog(ctx, job, models.WebhookFailed, "no billing connection for source")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}

	norm, ok := p.registry.ForSource(job.Source)
	if !ok {
		p.markLog(ctx, job, models.WebhookFailed, "unsupported source")
		return nil
	}

	if !job.Trusted && conn.WebhookSecret != "" {
		if err := norm.VerifySignature(job.Body, job.Headers, conn.WebhookSecret); err != nil {
			p.markLog(ctx, job, models.WebhookFailed, "signature verification failed: "+err.Error())
			return nil
		}
	}

	events, err := norm.Normalize(job.OrgID, job.Body)
	if err != nil {
		// Structured decode failures never heal on retry.
		p.markLog(ctx, job, models.WebhookFailed, "normalize: "+err.Error())
		return nil
	}
	if len(events) == 0 {
		p.markLog(ctx, job, models.WebhookSkipped, "")
		return nil
	}

	hints := norm.ExtractIdentityHints(job.Body)
	userID, err := p.resolver.Resolve(ctx, job.OrgID, hints)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	productID, err := p.resolveProduct(ctx, job.OrgID, job.Source, hints)
	if err != nil {
		return fmt.Errorf("resolve product: %w", err)
	}

	sanitized := normalize.SanitizePayload(job.Body)
	logged := false
	for i := range events {
		ev := &events[i]
		ev.OrgID = job.OrgID
		ev.UserID = userID
		if ev.ProductID == "" {
			ev.ProductID = productID
		}
		if len(ev.RawPayload) == 0 {
			ev.RawPayload = sanitized
		}

		inserted, err := store.InsertEventIdempotent(ctx, p.store.DB(), ev)
		if err != nil {
			return fmt.Errorf("persist event: %w", err)
		}
		if !logged && job.WebhookLogID != "" {
			if err := p.store.SetWebhookLogEvent(ctx, job.OrgID, job.WebhookLogID, string(ev.EventType), ev.ExternalEventID); err != nil {
				log.Warn().Err(err).Str("webhook_log_id", job.WebhookLogID).Msg("failed to classify webhook log")
			}
			logged = true
		}
		if !inserted {
			log.Debug().
				Str("org_id", job.OrgID).
				Str("idempotency_key", ev.IdempotencyKey).
				Msg("duplicate event skipped")
			continue
		}

		if err := p.applier.Apply(ctx, ev); err != nil {
			return fmt.Errorf("apply entitlement: %w", err)
		}
		p.engine.RunEventDetectors(ctx, job.OrgID, userID, ev)
	}

	p.markLog(ctx, job, models.WebhookProcessed, "")
	return nil
}

// ProcessTrusted is the backfill entry point: same pipeline, no signature
// check, no webhook log row.
func (p *Pipeline) ProcessTrusted(ctx context.Context, orgID string, source models.Source, body []byte) error {
	return p.Process(ctx, &Job{
		OrgID:      orgID,
		Source:     source,
		Body:       body,
		ReceivedAt: time.Now().UTC(),
		Trusted:    true,
	})
}

// resolveProduct maps a provider product identifier from the hints onto the
// tenant's product catalog. A tenant with exactly one active product gets it
// as the default.
func (p *Pipeline) resolveProduct(ctx context.Context, orgID string, source models.Source, hints []models.IdentityHint) (string, error) {
	for _, h := range hints {
		ext := h.Metadata["product_external_id"]
		if ext == "" {
			continue
		}
		product, err := p.store.FindProductByExternalID(ctx, orgID, source, ext)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		return product.ID, nil
	}

	products, err := p.store.ListProducts(ctx, orgID)
	if err != nil {
		return "", err
	}
	var active []models.Product
	for _, prod := range products {
		if prod.IsActive {
			active = append(active, prod)
		}
	}
	if len(active) == 1 {
		return active[0].ID, nil
	}
	return "", nil
}

func (p *Pipeline) markLog(ctx context.Context, job *Job, status models.WebhookStatus, msg string) {
	if job.WebhookLogID == "" {
		return
	}
	if err := p.store.UpdateWebhookLogStatus(ctx, job.OrgID, job.WebhookLogID, status, msg); err != nil {
		log.Warn().Err(err).
			Str("webhook_log_id", job.WebhookLogID).
			Str("status", string(status)).
			Msg("failed to update webhook log status")
	}
}

// Encode serializes a job for the queue.
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob deserializes a queued job.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode ingest job: %w", err)
	}
	return &j, nil
}
