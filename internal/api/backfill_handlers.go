package api

import (
	"errors"
	"net/http"

	"github.com/vnguysoftware/revguard/internal/auth"
	"github.com/vnguysoftware/revguard/internal/backfill"
	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

// handleBackfillStart kicks off a historical import for one source. The
// import runs in the background; callers poll the progress endpoint.
func (s *Server) handleBackfillStart(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.PathValue("source"))
	if !source.Valid() {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	ctx := r.Context()
	principal, _ := auth.PrincipalFrom(ctx)
	runID, err := s.deps.Backfills.Start(ctx, principal.Org.ID, source)
	switch {
	case errors.Is(err, backfill.ErrBackfillRunning):
		progress, perr := s.deps.Backfills.Progress(ctx, principal.Org.ID, source)
		if perr != nil || progress == nil {
			writeError(w, http.StatusConflict, "backfill already running")
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    "backfill already running",
			"progress": progress,
		})
		return
	case errors.Is(err, backfill.ErrUnsupportedSource):
		writeError(w, http.StatusBadRequest, "source has no import API")
		return
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "source not connected")
		return
	case err != nil:
		writeInternal(w, r, err)
		return
	}

	s.audit(r, principal.Org.ID, "backfill.started", map[string]any{"source": source, "runId": runID})
	writeJSON(w, http.StatusOK, map[string]any{"jobId": runID, "status": "started"})
}

// handleBackfillCancel asks the active run for one source to stop at its
// next page boundary.
func (s *Server) handleBackfillCancel(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.PathValue("source"))
	if !source.Valid() {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	principal, _ := auth.PrincipalFrom(r.Context())
	ok, err := s.deps.Backfills.Cancel(r.Context(), principal.Org.ID, source)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no backfill in progress")
		return
	}

	s.audit(r, principal.Org.ID, "backfill.cancel_requested", map[string]any{"source": source})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "cancelling"})
}

// handleBackfillProgress returns the last recorded run state for ?source=.
func (s *Server) handleBackfillProgress(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.URL.Query().Get("source"))
	if !source.Valid() {
		writeError(w, http.StatusBadRequest, "validation failed",
			map[string]any{"source": "required query parameter"})
		return
	}

	principal, _ := auth.PrincipalFrom(r.Context())
	progress, err := s.deps.Backfills.Progress(r.Context(), principal.Org.ID, source)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if progress == nil {
		writeError(w, http.StatusNotFound, "no backfill recorded")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}
