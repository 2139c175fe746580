package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

// writeError emits the 4xx shape: {"error": "...", "details": {...}}.
func writeError(w http.ResponseWriter, status int, msg string, details ...map[string]any) {
	body := map[string]any{"error": msg}
	if len(details) > 0 && details[0] != nil {
		body["details"] = details[0]
	}
	writeJSON(w, status, body)
}

// writeInternal emits a 500 carrying a correlation id that is also logged, so
// a support thread can find the server-side stack.
func writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := uuid.NewString()
	log.Error().Err(err).
		Str("correlation_id", correlationID).
		Str("path", r.URL.Path).
		Msg("internal error")
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error":         "internal error",
		"correlationId": correlationID,
	})
}
