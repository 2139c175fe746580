package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vnguysoftware/revguard/internal/models"
)

const issueColumns = `id, org_id, user_id, issue_type, severity, status, title, description,
	estimated_revenue_cents, confidence, detector_id, detection_tier, evidence, scope_key,
	resolution, resolved_at, ai_analysis, ai_analysis_at, created_at, updated_at`

// InsertIssueDedup writes a new open issue unless an open duplicate exists.
// The partial unique indexes turn detector races into a clean dedup skip.
func (s *Store) InsertIssueDedup(ctx context.Context, issue *models.Issue) (bool, error) {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	issue.UpdatedAt = now
	if issue.Status == "" {
		issue.Status = models.IssueOpen
	}
	if issue.DetectionTier == "" {
		issue.DetectionTier = models.TierBillingOnly
	}

	var evidence, analysis any
	if len(issue.Evidence) > 0 {
		evidence = []byte(issue.Evidence)
	}
	if len(issue.AIAnalysis) > 0 {
		analysis = []byte(issue.AIAnalysis)
	}

	conflict := `ON CONFLICT (org_id, user_id, issue_type) WHERE status = 'open' AND user_id IS NOT NULL DO NOTHING`
	if issue.UserID == "" {
		conflict = `ON CONFLICT (org_id, issue_type, scope_key) WHERE status = 'open' AND user_id IS NULL DO NOTHING`
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO issues
			(id, org_id, user_id, issue_type, severity, status, title, description,
			 estimated_revenue_cents, confidence, detector_id, detection_tier, evidence, scope_key,
			 resolution, resolved_at, ai_analysis, ai_analysis_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20) `+conflict,
		issue.ID, issue.OrgID, nullStr(issue.UserID), issue.IssueType, issue.Severity, issue.Status,
		issue.Title, issue.Description, issue.EstimatedRevenueCents, issue.Confidence,
		issue.DetectorID, issue.DetectionTier, evidence, issue.ScopeKey,
		issue.Resolution, nullTime(issue.ResolvedAt), analysis, nullTime(issue.AIAnalysisAt),
		issue.CreatedAt, issue.UpdatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert issue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert issue rows: %w", err)
	}
	return n == 1, nil
}

// FindOpenIssue returns the open issue for (user, type), or ErrNotFound.
func (s *Store) FindOpenIssue(ctx context.Context, orgID, userID, issueType string) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE org_id = $1 AND user_id = $2 AND issue_type = $3 AND status = 'open'`,
		orgID, userID, issueType)
	return scanIssue(row)
}

// FindOpenIssueByScope returns the open user-less issue for (type, scope key).
func (s *Store) FindOpenIssueByScope(ctx context.Context, orgID, issueType, scopeKey string) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE org_id = $1 AND user_id IS NULL AND issue_type = $2 AND scope_key = $3 AND status = 'open'`,
		orgID, issueType, scopeKey)
	return scanIssue(row)
}

// GetIssue fetches one issue within the tenant.
func (s *Store) GetIssue(ctx context.Context, orgID, issueID string) (*models.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE org_id = $1 AND id = $2`, orgID, issueID)
	return scanIssue(row)
}

// IssueFilter narrows ListIssues. Tier matches the detection_tier column.
type IssueFilter struct {
	Status   string
	Severity string
	Type     string
	Tier     string
	Limit    int
	Offset   int
}

// ListIssues returns filtered issues, newest first.
func (s *Store) ListIssues(ctx context.Context, orgID string, filter IssueFilter) ([]models.Issue, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 100
	}
	var (
		where = []string{"org_id = $1"}
		args  = []any{orgID}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("issue_type = $%d", len(args)))
	}
	if filter.Tier != "" {
		args = append(args, filter.Tier)
		where = append(where, fmt.Sprintf("detection_tier = $%d", len(args)))
	}
	args = append(args, filter.Limit, filter.Offset)
	query := `SELECT ` + issueColumns + ` FROM issues WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var out []models.Issue
	for rows.Next() {
		issue, err := scanIssueRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *issue)
	}
	return out, rows.Err()
}

// UpdateIssueStatus applies a lifecycle transition. Resolution text is only
// stored when the new status is resolved or dismissed.
func (s *Store) UpdateIssueStatus(ctx context.Context, orgID, issueID string, status models.IssueStatus, resolution string) (*models.Issue, error) {
	var resolvedAt any
	if status == models.IssueResolved || status == models.IssueDismissed {
		resolvedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE issues SET status = $3, resolution = COALESCE(NULLIF($4, ''), resolution),
			resolved_at = COALESCE($5, resolved_at), updated_at = now()
		 WHERE org_id = $1 AND id = $2`,
		orgID, issueID, status, resolution, resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("update issue status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetIssue(ctx, orgID, issueID)
}

// SetIssueAIAnalysis caches an investigation result on the issue row.
func (s *Store) SetIssueAIAnalysis(ctx context.Context, orgID, issueID string, analysis json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issues SET ai_analysis = $3, ai_analysis_at = now(), updated_at = now()
		 WHERE org_id = $1 AND id = $2`,
		orgID, issueID, []byte(analysis))
	if err != nil {
		return fmt.Errorf("set issue ai analysis: %w", err)
	}
	return nil
}

// IssueSummary aggregates a tenant's issues for the dashboard.
type IssueSummary struct {
	Open                  int64            `json:"open"`
	Acknowledged          int64            `json:"acknowledged"`
	ResolvedLast30d       int64            `json:"resolvedLast30d"`
	EstimatedRevenueCents int64            `json:"estimatedRevenueCents"`
	BySeverity            map[string]int64 `json:"bySeverity"`
	ByType                map[string]int64 `json:"byType"`
}

// SummarizeIssues computes the issue rollup for one tenant.
func (s *Store) SummarizeIssues(ctx context.Context, orgID string) (*IssueSummary, error) {
	summary := &IssueSummary{
		BySeverity: make(map[string]int64),
		ByType:     make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE status = 'open'),
			COUNT(*) FILTER (WHERE status = 'acknowledged'),
			COUNT(*) FILTER (WHERE status = 'resolved' AND resolved_at >= now() - interval '30 days'),
			COALESCE(SUM(estimated_revenue_cents) FILTER (WHERE status IN ('open', 'acknowledged')), 0)
		 FROM issues WHERE org_id = $1`, orgID).
		Scan(&summary.Open, &summary.Acknowledged, &summary.ResolvedLast30d, &summary.EstimatedRevenueCents)
	if err != nil {
		return nil, fmt.Errorf("summarize issues: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT severity, issue_type, COUNT(*) FROM issues
		 WHERE org_id = $1 AND status IN ('open', 'acknowledged')
		 GROUP BY severity, issue_type`, orgID)
	if err != nil {
		return nil, fmt.Errorf("summarize issues by group: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var severity, issueType string
		var count int64
		if err := rows.Scan(&severity, &issueType, &count); err != nil {
			return nil, fmt.Errorf("scan issue summary: %w", err)
		}
		summary.BySeverity[severity] += count
		summary.ByType[issueType] += count
	}
	return summary, rows.Err()
}

func scanIssue(row *sql.Row) (*models.Issue, error) {
	issue, err := scanIssueFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return issue, err
}

func scanIssueRows(rows *sql.Rows) (*models.Issue, error) {
	return scanIssueFrom(rows)
}

func scanIssueFrom(sc rowScanner) (*models.Issue, error) {
	var issue models.Issue
	var userID sql.NullString
	var resolvedAt, analysisAt sql.NullTime
	var evidence, analysis []byte
	err := sc.Scan(&issue.ID, &issue.OrgID, &userID, &issue.IssueType, &issue.Severity,
		&issue.Status, &issue.Title, &issue.Description, &issue.EstimatedRevenueCents,
		&issue.Confidence, &issue.DetectorID, &issue.DetectionTier, &evidence, &issue.ScopeKey,
		&issue.Resolution, &resolvedAt, &analysis, &analysisAt, &issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan issue: %w", err)
	}
	issue.UserID = strOrEmpty(userID)
	issue.ResolvedAt = timeOrNil(resolvedAt)
	issue.AIAnalysisAt = timeOrNil(analysisAt)
	issue.Evidence = evidence
	issue.AIAnalysis = analysis
	return &issue, nil
}
