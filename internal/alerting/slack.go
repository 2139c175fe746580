package alerting

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/vnguysoftware/revguard/internal/models"
)

// slackPoster is the slice of *slack.Client the dispatcher needs.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

func newSlackClient(token string) slackPoster {
	return slack.New(token)
}

func slackColor(s models.IssueSeverity) string {
	switch s {
	case models.SeverityCritical:
		return "#dc2626"
	case models.SeverityWarning:
		return "#f59e0b"
	default:
		return "#3b82f6"
	}
}

// FormatSlackAttachment renders an issue as a Slack attachment. Pure; the
// dispatcher test asserts on its output directly.
func FormatSlackAttachment(issue *models.Issue, dashboardURL string) slack.Attachment {
	fields := []slack.AttachmentField{
		{Title: "Severity", Value: string(issue.Severity), Short: true},
		{Title: "Detector", Value: issue.DetectorID, Short: true},
	}
	if issue.EstimatedRevenueCents > 0 {
		fields = append(fields, slack.AttachmentField{
			Title: "Revenue at risk",
			Value: fmt.Sprintf("$%.2f", float64(issue.EstimatedRevenueCents)/100),
			Short: true,
		})
	}
	if issue.Confidence > 0 {
		fields = append(fields, slack.AttachmentField{
			Title: "Confidence",
			Value: fmt.Sprintf("%.0f%%", issue.Confidence*100),
			Short: true,
		})
	}
	att := slack.Attachment{
		Color:  slackColor(issue.Severity),
		Title:  issue.Title,
		Text:   issue.Description,
		Fields: fields,
		Footer: "revguard",
	}
	if dashboardURL != "" {
		att.TitleLink = dashboardURL + "/issues/" + issue.ID
	}
	return att
}

func (d *Dispatcher) sendSlack(ctx context.Context, job deliveryJob) error {
	token := job.config.Secret
	if token == "" {
		token = d.slackToken
	}
	poster := d.newSlackPoster(token)
	att := FormatSlackAttachment(&job.issue, d.dashboardURL)
	_, _, err := poster.PostMessageContext(ctx, job.config.SlackChan,
		slack.MsgOptionText("Revenue issue detected: "+job.issue.Title, false),
		slack.MsgOptionAttachments(att))
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	return nil
}
