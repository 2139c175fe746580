package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vnguysoftware/revguard/internal/models"
)

// pagerDutyURL is a var so tests can point it at a local server.
var pagerDutyURL = "https://events.pagerduty.com/v2/enqueue"

type pagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key"`
	Payload     pagerDutyPayload `json:"payload,omitempty"`
	Links       []pagerDutyLink  `json:"links,omitempty"`
}

type pagerDutyPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

type pagerDutyLink struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// pagerDutySeverity maps issue severities onto PagerDuty's fixed set.
func pagerDutySeverity(s models.IssueSeverity) string {
	switch s {
	case models.SeverityCritical:
		return "critical"
	case models.SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

func (d *Dispatcher) sendPagerDuty(ctx context.Context, job deliveryJob) error {
	action := "trigger"
	if job.eventType == EventIssueResolved {
		action = "resolve"
	}
	event := pagerDutyEvent{
		RoutingKey:  job.config.RoutingKey,
		EventAction: action,
		DedupKey:    job.issue.ID,
	}
	if action == "trigger" {
		event.Payload = pagerDutyPayload{
			Summary:   job.issue.Title,
			Source:    "revguard",
			Severity:  pagerDutySeverity(job.issue.Severity),
			Timestamp: job.issue.CreatedAt.UTC().Format(time.RFC3339),
			CustomDetails: map[string]any{
				"issue_type":              job.issue.IssueType,
				"detector_id":             job.issue.DetectorID,
				"estimated_revenue_cents": job.issue.EstimatedRevenueCents,
				"confidence":              job.issue.Confidence,
			},
		}
		if d.dashboardURL != "" {
			event.Links = []pagerDutyLink{{
				Href: d.dashboardURL + "/issues/" + job.issue.ID,
				Text: "View in dashboard",
			}}
		}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal pagerduty event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pagerDutyURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post pagerduty event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusAccepted && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return fmt.Errorf("pagerduty returned %d", resp.StatusCode)
	}
	return nil
}
