package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnguysoftware/revguard/internal/auth"
	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/store"
)

// handleSetupOrg bootstraps a tenant and mints its first API key. The
// plaintext key appears in this response and nowhere else, ever.
func (s *Server) handleSetupOrg(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug string `json:"slug"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !models.ValidSlug(req.Slug) {
		writeError(w, http.StatusBadRequest, "validation failed",
			map[string]any{"slug": "lowercase letters, digits and dashes, 3-64 chars"})
		return
	}
	if req.Name == "" {
		req.Name = req.Slug
	}

	ctx := r.Context()
	org, err := s.deps.Store.CreateOrganization(ctx, req.Slug, req.Name)
	if errors.Is(err, store.ErrSlugTaken) {
		writeError(w, http.StatusConflict, "slug already taken")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	plaintext, record, err := auth.GenerateKey(org.ID, "default", nil, nil)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if err := s.deps.Store.CreateAPIKey(ctx, record); err != nil {
		writeInternal(w, r, err)
		return
	}
	s.audit(r, org.ID, "org.created", map[string]any{"slug": org.Slug, "keyPrefix": record.Prefix})

	writeJSON(w, http.StatusCreated, map[string]any{
		"org":    org,
		"apiKey": plaintext,
	})
}

// handleSetupSource installs provider credentials for the caller's org. The
// credential document is encrypted before it touches the database.
func (s *Server) handleSetupSource(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.PathValue("source"))
	if !source.Valid() {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	var req struct {
		Credentials     json.RawMessage `json:"credentials"`
		WebhookSecret   string          `json:"webhookSecret,omitempty"`
		WebhookProxyURL string          `json:"webhookProxyUrl,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Credentials) == 0 {
		writeError(w, http.StatusBadRequest, "validation failed",
			map[string]any{"credentials": "required"})
		return
	}

	encrypted := string(req.Credentials)
	if s.deps.Vault != nil {
		var err error
		if encrypted, err = s.deps.Vault.Encrypt(string(req.Credentials)); err != nil {
			writeInternal(w, r, err)
			return
		}
	}

	principal, _ := auth.PrincipalFrom(r.Context())
	conn := &models.BillingConnection{
		OrgID:           principal.Org.ID,
		Source:          source,
		Credentials:     encrypted,
		WebhookSecret:   req.WebhookSecret,
		WebhookProxyURL: req.WebhookProxyURL,
		IsActive:        true,
	}
	if err := s.deps.Store.UpsertConnection(r.Context(), conn); err != nil {
		writeInternal(w, r, err)
		return
	}
	s.audit(r, principal.Org.ID, "connection.installed", map[string]any{"source": source})

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "source": source})
}

// Per-source required credential fields, checked by setup verify.
var requiredCredentialFields = map[models.Source][]string{
	models.SourceStripe:    {"api_key"},
	models.SourceRecurly:   {"api_key"},
	models.SourceBraintree: {"api_key"},
	models.SourceApple:     {},
	models.SourceGoogle:    {"access_token", "package_name"},
}

// handleSetupVerify checks that installed credentials decrypt and carry the
// fields the source's importer and normalizer need.
func (s *Server) handleSetupVerify(w http.ResponseWriter, r *http.Request) {
	source := models.Source(r.PathValue("source"))
	if !source.Valid() {
		writeError(w, http.StatusNotFound, "unknown source")
		return
	}

	ctx := r.Context()
	principal, _ := auth.PrincipalFrom(ctx)
	conn, err := s.deps.Store.GetConnection(ctx, principal.Org.ID, source)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "source not connected")
		return
	}
	if err != nil {
		writeInternal(w, r, err)
		return
	}

	plaintext := conn.Credentials
	if s.deps.Vault != nil {
		if plaintext, err = s.deps.Vault.Decrypt(conn.Credentials); err != nil {
			writeError(w, http.StatusBadRequest, "credentials unreadable",
				map[string]any{"credentials": "failed to decrypt; reinstall them"})
			return
		}
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(plaintext), &doc); err != nil {
		// Legacy connections store a bare API key string.
		doc = map[string]any{"api_key": plaintext}
	}
	missing := []string{}
	for _, field := range requiredCredentialFields[source] {
		if v, ok := doc[field].(string); !ok || v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "credentials incomplete",
			map[string]any{"missing": missing})
		return
	}

	if err := s.deps.Store.UpdateConnectionSync(ctx, principal.Org.ID, source, "verified", time.Now().UTC()); err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "source": source, "status": "verified"})
}

// handleSetupStatus reports onboarding state: which sources are connected and
// how fresh their deliveries are.
func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	health, err := s.deps.Queries.IntegrationHealthAll(r.Context(), principal.Org.ID)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"org":         principal.Org,
		"connections": health,
	})
}

// audit records a configuration mutation, best-effort.
func (s *Server) audit(r *http.Request, orgID, action string, details map[string]any) {
	actor := "api"
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p.Key != nil {
		actor = "key:" + p.Key.Prefix
	}
	entry := &models.AuditEntry{
		OrgID:   orgID,
		Actor:   actor,
		Action:  action,
		Details: store.AuditDetails(details),
	}
	if err := store.InsertAudit(r.Context(), s.deps.Store.DB(), entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("audit write failed")
	}
}
