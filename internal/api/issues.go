package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vnguysoftware/revguard/internal/auth"
	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	q := r.URL.Query()

	filter := store.IssueFilter{
		Status:   q.Get("status"),
		Severity: q.Get("severity"),
		Type:     q.Get("type"),
		Tier:     q.Get("category"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "invalid limit", map[string]any{"limit": "must be 1..100"})
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	issues, err := s.deps.Store.ListIssues(r.Context(), principal.Org.ID, filter)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if issues == nil {
		issues = []models.Issue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": issues})
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	issue, err := s.deps.Store.GetIssue(r.Context(), principal.Org.ID, r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "issue not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issue)
}

func (s *Server) handleIssueSummary(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	summary, err := s.deps.Queries.IssueSummary(r.Context(), principal.Org.ID)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

var issueActions = map[string]models.IssueStatus{
	"acknowledge": models.IssueAcknowledged,
	"resolve":     models.IssueResolved,
	"dismiss":     models.IssueDismissed,
}

// handleIssueAction applies acknowledge/resolve/dismiss and notifies alert
// destinations of the transition.
func (s *Server) handleIssueAction(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	status, ok := issueActions[r.PathValue("action")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}

	var body struct {
		Resolution string `json:"resolution"`
	}
	if r.Body != nil {
		// Body is optional; a bare POST acknowledges without a note.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	issue, err := s.deps.Store.UpdateIssueStatus(r.Context(), principal.Org.ID, r.PathValue("id"), status, body.Resolution)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "issue not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	issueTransitionsTotal.WithLabelValues(string(status)).Inc()
	if s.deps.Notifier != nil {
		s.deps.Notifier.NotifyIssueStatus(r.Context(), issue, status)
	}
	writeJSON(w, http.StatusOK, issue)
}
