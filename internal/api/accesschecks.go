package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vnguysoftware/revguard/internal/auth"
	"github.com/vnguysoftware/revguard/internal/models"
)

const maxAccessCheckBatch = 100

type accessCheckRequest struct {
	User      string `json:"user"`
	ProductID string `json:"productId,omitempty"`
	HasAccess *bool  `json:"hasAccess"`
	CheckedAt string `json:"checkedAt,omitempty"`
}

func (req *accessCheckRequest) validate() map[string]any {
	details := map[string]any{}
	if req.User == "" {
		details["user"] = "required"
	}
	if req.HasAccess == nil {
		details["hasAccess"] = "required"
	}
	if req.CheckedAt != "" {
		if _, err := time.Parse(time.RFC3339, req.CheckedAt); err != nil {
			details["checkedAt"] = "must be RFC 3339"
		}
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// handleAccessCheck ingests one customer-reported access observation. The
// user string is the customer's own identifier; the resolver maps or creates
// the canonical user behind it.
func (s *Server) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	var req accessCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if details := req.validate(); details != nil {
		writeError(w, http.StatusBadRequest, "validation failed", details)
		return
	}

	principal, _ := auth.PrincipalFrom(r.Context())
	check, err := s.ingestAccessCheck(r, principal.Org.ID, &req)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "userId": check.UserID})
}

func (s *Server) handleAccessCheckBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []accessCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(reqs) == 0 || len(reqs) > maxAccessCheckBatch {
		writeError(w, http.StatusBadRequest, "batch size out of range",
			map[string]any{"size": "must be 1..100"})
		return
	}
	for i := range reqs {
		if details := reqs[i].validate(); details != nil {
			details["index"] = i
			writeError(w, http.StatusBadRequest, "validation failed", details)
			return
		}
	}

	principal, _ := auth.PrincipalFrom(r.Context())
	inserted := 0
	for i := range reqs {
		if _, err := s.ingestAccessCheck(r, principal.Org.ID, &reqs[i]); err != nil {
			writeInternal(w, r, err)
			return
		}
		inserted++
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "inserted": inserted})
}

func (s *Server) ingestAccessCheck(r *http.Request, orgID string, req *accessCheckRequest) (*models.AccessCheck, error) {
	ctx := r.Context()
	userID, err := s.deps.Resolver.ResolveByExternalID(ctx, orgID, req.User)
	if err != nil {
		return nil, err
	}

	reportedAt := time.Now().UTC()
	if req.CheckedAt != "" {
		reportedAt, _ = time.Parse(time.RFC3339, req.CheckedAt)
	}

	check := &models.AccessCheck{
		OrgID:          orgID,
		UserID:         userID,
		ProductID:      req.ProductID,
		ExternalUserID: req.User,
		HasAccess:      *req.HasAccess,
		ReportedAt:     reportedAt,
	}
	if err := s.deps.Store.InsertAccessCheck(ctx, check); err != nil {
		return nil, err
	}
	accessChecksTotal.WithLabelValues(strconv.FormatBool(check.HasAccess)).Inc()
	return check, nil
}
