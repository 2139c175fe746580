package ingest

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/queue"
)

const (
	dequeueTimeout = 5 * time.Second
	attemptTimeout = 30 * time.Second

	retryBase   = 500 * time.Millisecond
	retryCap    = 30 * time.Second
	maxAttempts = 8
)

// Workers pulls jobs off the webhook queue and runs them through the
// pipeline on a fixed pool.
type Workers struct {
	queue    queue.Queue
	pipeline *Pipeline
	n        int

	// AttemptTimeout bounds one pipeline pass. Set before calling Run.
	AttemptTimeout time.Duration
}

// NewWorkers sizes the pool at 2x the available CPUs when n <= 0.
func NewWorkers(q queue.Queue, p *Pipeline, n int) *Workers {
	if n <= 0 {
		n = 2 * runtime.GOMAXPROCS(0)
	}
	return &Workers{queue: q, pipeline: p, n: n, AttemptTimeout: attemptTimeout}
}

// Run blocks until ctx is cancelled or the queue closes.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.n; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	return g.Wait()
}

func (w *Workers) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		payload, err := w.queue.Dequeue(ctx, queue.Webhooks, dequeueTimeout)
		if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			log.Error().Err(err).Msg("webhook dequeue failed")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if payload == nil {
			continue
		}

		job, err := DecodeJob(payload)
		if err != nil {
			log.Error().Err(err).Msg("dropping undecodable webhook job")
			continue
		}
		w.runWithRetry(ctx, job)
	}
}

// runWithRetry retries transient failures with exponential backoff. A job
// that exhausts its attempts is marked failed so the log row is not left
// dangling in queued.
func (w *Workers) runWithRetry(ctx context.Context, job *Job) {
	delay := retryBase
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, w.AttemptTimeout)
		err := w.pipeline.Process(attemptCtx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt == maxAttempts {
			log.Error().Err(err).
				Str("org_id", job.OrgID).
				Str("source", string(job.Source)).
				Str("webhook_log_id", job.WebhookLogID).
				Int("attempts", attempt).
				Msg("webhook job failed permanently")
			w.pipeline.markLog(ctx, job, models.WebhookFailed, "exhausted retries: "+err.Error())
			return
		}
		log.Warn().Err(err).
			Str("org_id", job.OrgID).
			Str("webhook_log_id", job.WebhookLogID).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("webhook job failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
}
