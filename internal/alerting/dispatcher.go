// Package alerting fans detected issues out to a tenant's configured alert
// destinations: signed webhooks, PagerDuty, and Slack. Delivery is
// at-least-once; recipients dedupe by delivery id.
package alerting

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/vnguysoftware/revguard/internal/circuit"
	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

const (
	maxAttempts    = 5
	baseBackoff    = 60 * time.Second
	maxBackoff     = time.Hour
	requestTimeout = 10 * time.Second

	defaultWorkers = 4
)

// Envelope event types. Created and resolved reach every channel that can
// express them; acknowledged and dismissed go to webhooks only.
const (
	EventIssueCreated      = "issue.created"
	EventIssueResolved     = "issue.resolved"
	EventIssueAcknowledged = "issue.acknowledged"
	EventIssueDismissed    = "issue.dismissed"
)

type deliveryJob struct {
	config     models.AlertConfig
	issue      models.Issue
	eventType  string
	deliveryID string
	attempt    int
}

// Dispatcher routes issues to alert destinations on a worker pool so a slow
// endpoint never queues up behind another tenant's deliveries.
type Dispatcher struct {
	store        *store.Store
	breakers     *circuit.Registry
	client       *http.Client
	dashboardURL string
	slackToken   string
	workers      int

	jobs chan deliveryJob
	wg   sync.WaitGroup

	mu     sync.Mutex
	timers []*time.Timer
	closed bool

	// test seams
	newSlackPoster func(token string) slackPoster
	sleepFree      bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDashboardURL sets the base URL used in alert deep links.
func WithDashboardURL(u string) Option {
	return func(d *Dispatcher) { d.dashboardURL = u }
}

// WithHTTPClient overrides the outbound client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithSlackToken sets a workspace token used when an alert config carries
// none of its own.
func WithSlackToken(token string) Option {
	return func(d *Dispatcher) { d.slackToken = token }
}

// WithWorkers sets the delivery pool size.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// NewDispatcher starts the delivery worker pool.
func NewDispatcher(st *store.Store, breakers *circuit.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:          st,
		breakers:       breakers,
		client:         &http.Client{Timeout: requestTimeout},
		jobs:           make(chan deliveryJob, 256),
		workers:        defaultWorkers,
		newSlackPoster: newSlackClient,
	}
	for _, opt := range opts {
		opt(d)
	}
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Close drains pending retries and stops the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for _, t := range d.timers {
		t.Stop()
	}
	d.mu.Unlock()
	close(d.jobs)
	d.wg.Wait()
}

// NotifyIssueCreated fans a fresh issue out to every active destination whose
// event filter admits it. Satisfies the detection engine's notifier contract.
func (d *Dispatcher) NotifyIssueCreated(ctx context.Context, issue *models.Issue) {
	d.dispatch(ctx, issue, EventIssueCreated)
}

// NotifyIssueResolved notifies destinations that an issue closed. PagerDuty
// receives a resolve for its dedup key; webhooks get a resolved envelope.
func (d *Dispatcher) NotifyIssueResolved(ctx context.Context, issue *models.Issue) {
	d.dispatch(ctx, issue, EventIssueResolved)
}

// NotifyIssueStatus maps an issue status change onto its envelope event type.
// Acknowledged and dismissed transitions reach webhook destinations only.
func (d *Dispatcher) NotifyIssueStatus(ctx context.Context, issue *models.Issue, status models.IssueStatus) {
	switch status {
	case models.IssueResolved:
		d.dispatch(ctx, issue, EventIssueResolved)
	case models.IssueAcknowledged:
		d.dispatch(ctx, issue, EventIssueAcknowledged)
	case models.IssueDismissed:
		d.dispatch(ctx, issue, EventIssueDismissed)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, issue *models.Issue, eventType string) {
	configs, err := d.store.ListActiveAlertConfigs(ctx, issue.OrgID)
	if err != nil {
		log.Error().Err(err).Str("org_id", issue.OrgID).Msg("failed to load alert configs")
		return
	}
	for _, cfg := range configs {
		if !filterAdmits(cfg.EventFilter, issue.IssueType) {
			continue
		}
		// Only webhooks carry the full lifecycle. Slack posts creations;
		// PagerDuty understands trigger and resolve.
		if eventType != EventIssueCreated && cfg.Channel == models.ChannelSlack {
			continue
		}
		if (eventType == EventIssueAcknowledged || eventType == EventIssueDismissed) &&
			cfg.Channel == models.ChannelPagerDuty {
			continue
		}
		d.enqueue(deliveryJob{
			config:     cfg,
			issue:      *issue,
			eventType:  eventType,
			deliveryID: ulid.Make().String(),
			attempt:    1,
		})
	}
}

// filterAdmits matches the issue type against the config's wildcard patterns.
// An empty filter admits everything.
func filterAdmits(patterns []string, issueType string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if wildcard.Match(p, issueType) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) enqueue(job deliveryJob) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	select {
	case d.jobs <- job:
	default:
		log.Warn().
			Str("delivery_id", job.deliveryID).
			Str("channel", string(job.config.Channel)).
			Msg("alert delivery queue full, dropping")
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job deliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	breaker := d.breakers.Get("alert:" + string(job.config.Channel) + ":" + job.config.ID)
	err := breaker.Call(func() error {
		switch job.config.Channel {
		case models.ChannelWebhook:
			return d.sendWebhook(ctx, job)
		case models.ChannelPagerDuty:
			return d.sendPagerDuty(ctx, job)
		case models.ChannelSlack:
			return d.sendSlack(ctx, job)
		}
		return nil // unknown channel, nothing to deliver
	})
	if err == nil {
		log.Debug().
			Str("delivery_id", job.deliveryID).
			Str("channel", string(job.config.Channel)).
			Str("issue_id", job.issue.ID).
			Msg("alert delivered")
		return
	}

	if job.attempt >= maxAttempts {
		log.Error().Err(err).
			Str("delivery_id", job.deliveryID).
			Str("channel", string(job.config.Channel)).
			Str("org_id", job.issue.OrgID).
			Str("issue_id", job.issue.ID).
			Int("attempts", job.attempt).
			Msg("alert delivery dead-lettered")
		return
	}

	delay := backoff(job.attempt)
	log.Warn().Err(err).
		Str("delivery_id", job.deliveryID).
		Str("channel", string(job.config.Channel)).
		Int("attempt", job.attempt).
		Dur("retry_in", delay).
		Msg("alert delivery failed, retrying")

	job.attempt++
	if d.sleepFree {
		d.enqueue(job)
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.timers = append(d.timers, time.AfterFunc(delay, func() { d.enqueue(job) }))
	}
	d.mu.Unlock()
}

// backoff doubles from the base per attempt, capped at an hour.
func backoff(attempt int) time.Duration {
	delay := baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
