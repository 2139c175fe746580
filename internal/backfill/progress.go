package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnguysoftware/revguard/internal/models"
)

const progressTTL = 24 * time.Hour

// Run statuses, in lifecycle order.
const (
	StatusQueued                 = "queued"
	StatusCounting               = "counting"
	StatusImportingSubscriptions = "importing_subscriptions"
	StatusImportingEvents        = "importing_events"
	StatusCompleted              = "completed"
	StatusFailed                 = "failed"
	StatusCancelled              = "cancelled"
)

// Progress is the externally visible state of one backfill run. It lives in
// Redis so any replica can answer status queries.
type Progress struct {
	RunID             string     `json:"runId"`
	Status            string     `json:"status"`
	Phase             string     `json:"phase,omitempty"`
	TotalCustomers    int        `json:"totalCustomers"`
	ImportedCustomers int        `json:"importedCustomers"`
	TotalEvents       int        `json:"totalEvents"`
	ImportedEvents    int        `json:"importedEvents"`
	EventsCreated     int        `json:"eventsCreated"`
	IssuesFound       int        `json:"issuesFound"`
	Errors            []string   `json:"errors,omitempty"`
	CancelRequested   bool       `json:"cancelRequested,omitempty"`
	StartedAt         time.Time  `json:"startedAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`

	EstimatedSecondsRemaining float64 `json:"estimatedSecondsRemaining"`
	ProcessingRatePerSecond   float64 `json:"processingRatePerSecond"`
}

// recalc samples throughput over elapsed wall time and projects the ETA.
func (p *Progress) recalc(now time.Time) {
	p.UpdatedAt = now
	elapsed := now.Sub(p.StartedAt).Seconds()
	if elapsed <= 0 {
		return
	}
	done := p.ImportedCustomers + p.ImportedEvents
	total := p.TotalCustomers + p.TotalEvents
	p.ProcessingRatePerSecond = float64(done) / elapsed
	remaining := total - done
	if remaining < 0 {
		remaining = 0
	}
	rate := p.ProcessingRatePerSecond
	if rate < 0.1 {
		rate = 0.1
	}
	p.EstimatedSecondsRemaining = float64(remaining) / rate
}

func progressKey(source models.Source, orgID string) string {
	return fmt.Sprintf("backfill:%s:%s", source, orgID)
}

func lockKey(source models.Source, orgID string) string {
	return fmt.Sprintf("backfill-lock:%s:%s", source, orgID)
}

// Tracker persists run progress in Redis with a 24 h TTL.
type Tracker struct {
	client *redis.Client
}

func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

// Save writes the progress document, refreshing its TTL.
func (t *Tracker) Save(ctx context.Context, source models.Source, orgID string, p *Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("backfill: marshal progress: %w", err)
	}
	if err := t.client.Set(ctx, progressKey(source, orgID), data, progressTTL).Err(); err != nil {
		return fmt.Errorf("backfill: save progress: %w", err)
	}
	return nil
}

// RequestCancel flags the active run's progress doc; the runner notices
// between pages and aborts. Returns false when no run is in flight.
func (t *Tracker) RequestCancel(ctx context.Context, source models.Source, orgID string) (bool, error) {
	p, err := t.Load(ctx, source, orgID)
	if err != nil {
		return false, err
	}
	if p == nil || p.CompletedAt != nil {
		return false, nil
	}
	p.CancelRequested = true
	if err := t.Save(ctx, source, orgID, p); err != nil {
		return false, err
	}
	return true, nil
}

// Load returns the last saved progress, or nil when no run is on record.
func (t *Tracker) Load(ctx context.Context, source models.Source, orgID string) (*Progress, error) {
	data, err := t.client.Get(ctx, progressKey(source, orgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("backfill: load progress: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("backfill: decode progress: %w", err)
	}
	return &p, nil
}
