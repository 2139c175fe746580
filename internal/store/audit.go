package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vnguysoftware/revguard/internal/models"
)

// InsertAudit appends an audit-log entry. Failures are reported but callers
// treat auditing as best-effort.
func InsertAudit(ctx context.Context, q Querier, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var details any
	if len(entry.Details) > 0 {
		details = []byte(entry.Details)
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO audit_log (id, org_id, actor, action, details, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.OrgID, entry.Actor, entry.Action, details, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditDetails marshals a detail map for an audit entry, returning nil on
// marshal failure so auditing never blocks the mutation it describes.
func AuditDetails(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
