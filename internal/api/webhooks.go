package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnguysoftware/revguard/internal/ingest"
	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/normalize"
	"github.com/vnguysoftware/revguard/internal/queue"
	"github.com/vnguysoftware/revguard/internal/store"
)

// Provider payloads are small; Apple JWS envelopes are the largest in
// practice and stay well under this.
const maxWebhookBody = 2 << 20

// handleWebhook accepts one provider delivery: log it, verify it, enqueue
// it, answer. All heavy work happens on the ingest workers afterward.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	slug := r.PathValue("slug")
	source := models.Source(r.PathValue("source"))

	status := s.receiveWebhook(w, r, slug, source)
	webhookRequestsTotal.WithLabelValues(string(source), strconv.Itoa(status)).Inc()
	webhookDuration.WithLabelValues(string(source)).Observe(time.Since(started).Seconds())
}

func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request, slug string, source models.Source) int {
	if !s.limiter.Allow(slug + ":" + string(source)) {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return http.StatusTooManyRequests
	}
	if !source.Valid() {
		writeError(w, http.StatusNotFound, "unknown source")
		return http.StatusNotFound
	}

	ctx := r.Context()
	org, err := s.deps.Store.GetOrganizationBySlug(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown organization")
		return http.StatusNotFound
	}
	if err != nil {
		writeInternal(w, r, err)
		return http.StatusInternalServerError
	}

	conn, err := s.deps.Store.GetConnection(ctx, org.ID, source)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !conn.IsActive) {
		writeError(w, http.StatusNotFound, "source not connected")
		return http.StatusNotFound
	}
	if err != nil {
		writeInternal(w, r, err)
		return http.StatusInternalServerError
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return http.StatusBadRequest
	}
	receivedAt := time.Now().UTC()

	// The log row is written before verification so failed deliveries still
	// show up in the dashboard.
	wl := &models.WebhookLog{
		OrgID:   org.ID,
		Source:  source,
		Headers: normalize.SanitizeHeaders(r.Header, source),
		Body:    normalize.SanitizePayload(body),
	}
	if err := s.deps.Store.InsertWebhookLog(ctx, wl); err != nil {
		writeInternal(w, r, err)
		return http.StatusInternalServerError
	}

	if conn.WebhookSecret != "" {
		n, ok := s.deps.Normalizers.ForSource(source)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown source")
			return http.StatusNotFound
		}
		if err := n.VerifySignature(body, r.Header, conn.WebhookSecret); err != nil {
			s.markLogFailed(ctx, org.ID, wl.ID, "signature_invalid: "+err.Error())
			writeError(w, http.StatusUnauthorized, "signature verification failed")
			return http.StatusUnauthorized
		}
	}

	if err := s.deps.Store.TouchConnectionWebhook(ctx, org.ID, source, receivedAt); err != nil {
		log.Warn().Err(err).Str("org_id", org.ID).Str("source", string(source)).
			Msg("failed to touch connection watermark")
	}

	job := &ingest.Job{
		OrgID:        org.ID,
		Source:       source,
		WebhookLogID: wl.ID,
		Body:         body,
		Headers:      r.Header,
		ReceivedAt:   receivedAt,
	}
	payload, err := job.Encode()
	if err != nil {
		writeInternal(w, r, err)
		return http.StatusInternalServerError
	}
	if err := s.deps.Queue.Enqueue(ctx, queue.Webhooks, payload); err != nil {
		s.markLogFailed(ctx, org.ID, wl.ID, "enqueue failed")
		log.Error().Err(err).Str("org_id", org.ID).Msg("webhook enqueue failed")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return http.StatusServiceUnavailable
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "webhookLogId": wl.ID})

	if conn.WebhookProxyURL != "" {
		go s.forwardProxy(conn.WebhookProxyURL, r.Header.Get("Content-Type"), body)
	}
	return http.StatusOK
}

func (s *Server) markLogFailed(ctx context.Context, orgID, logID, reason string) {
	if err := s.deps.Store.UpdateWebhookLogStatus(ctx, orgID, logID, models.WebhookFailed, reason); err != nil {
		log.Warn().Err(err).Str("webhook_log_id", logID).Msg("failed to mark webhook log failed")
	}
}

// forwardProxy relays the raw delivery to a customer-configured endpoint.
// Fire-and-forget: the provider already got its 200 from us.
func (s *Server) forwardProxy(url, contentType string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("webhook proxy request build failed")
		return
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("url", url).Msg("webhook proxy forward failed")
		return
	}
	resp.Body.Close()
}
