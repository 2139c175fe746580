// Package api is the HTTP surface: the per-tenant webhook receiver, the
// authenticated v1 API, and the operational endpoints. Handlers never do
// heavy work inline; the receiver enqueues and answers.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vnguysoftware/revguard/internal/auth"
	"github.com/vnguysoftware/revguard/internal/backfill"
	"github.com/vnguysoftware/revguard/internal/circuit"
	"github.com/vnguysoftware/revguard/internal/identity"
	"github.com/vnguysoftware/revguard/internal/models"
	"github.com/vnguysoftware/revguard/internal/normalize"
	"github.com/vnguysoftware/revguard/internal/query"
	"github.com/vnguysoftware/revguard/internal/queue"
	"github.com/vnguysoftware/revguard/internal/store"
	"github.com/vnguysoftware/revguard/internal/vault"
)

// Backfills is the slice of the backfill engine the API needs.
type Backfills interface {
	Start(ctx context.Context, orgID string, source models.Source) (string, error)
	Cancel(ctx context.Context, orgID string, source models.Source) (bool, error)
	Progress(ctx context.Context, orgID string, source models.Source) (*backfill.Progress, error)
}

// Notifier receives issue status changes made over the API.
type Notifier interface {
	NotifyIssueStatus(ctx context.Context, issue *models.Issue, status models.IssueStatus)
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Store       *store.Store
	Queue       queue.Queue
	Verifier    *auth.Verifier
	Vault       *vault.Vault
	Normalizers *normalize.Registry
	Resolver    *identity.Resolver
	Backfills   Backfills
	Notifier    Notifier
	Queries     *query.Service
	Breakers    *circuit.Registry
	Version     string
}

// Server carries handler state. Construct with NewServer, mount via Router.
type Server struct {
	deps    Deps
	limiter *RateLimiter
	client  *http.Client // proxy forwards only
}

func NewServer(deps Deps) *Server {
	return &Server{
		deps:    deps,
		limiter: NewRateLimiter(defaultWebhookRateLimit, defaultWebhookRateWindow),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Router wires all routes onto a fresh ServeMux.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()

	// Liveness, readiness, metrics.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Provider-facing receiver; signature-authenticated, not key-authenticated.
	mux.HandleFunc("POST /webhooks/{slug}/{source}", s.handleWebhook)

	// Org bootstrap is the only unauthenticated v1 call: it mints the key.
	mux.HandleFunc("POST /v1/setup/org", s.handleSetupOrg)

	mux.Handle("POST /v1/setup/{source}", s.authed(auth.ScopeSetupWrite, s.handleSetupSource))
	mux.Handle("POST /v1/setup/verify/{source}", s.authed(auth.ScopeSetupWrite, s.handleSetupVerify))
	mux.Handle("GET /v1/setup/status", s.authed(auth.ScopeIssuesRead, s.handleSetupStatus))
	mux.Handle("POST /v1/setup/backfill/{source}", s.authed(auth.ScopeBackfillRun, s.handleBackfillStart))
	mux.Handle("POST /v1/setup/backfill/{source}/cancel", s.authed(auth.ScopeBackfillRun, s.handleBackfillCancel))
	mux.Handle("GET /v1/setup/backfill/progress", s.authed(auth.ScopeBackfillRun, s.handleBackfillProgress))

	mux.Handle("POST /v1/access-checks", s.authed(auth.ScopeAccessChecksWrite, s.handleAccessCheck))
	mux.Handle("POST /v1/access-checks/batch", s.authed(auth.ScopeAccessChecksWrite, s.handleAccessCheckBatch))

	mux.Handle("GET /v1/issues", s.authed(auth.ScopeIssuesRead, s.handleListIssues))
	mux.Handle("GET /v1/issues/summary", s.authed(auth.ScopeIssuesRead, s.handleIssueSummary))
	mux.Handle("GET /v1/issues/{id}", s.authed(auth.ScopeIssuesRead, s.handleGetIssue))
	mux.Handle("POST /v1/issues/{id}/{action}", s.authed(auth.ScopeIssuesWrite, s.handleIssueAction))

	mux.Handle("GET /v1/dashboard", s.authed(auth.ScopeIssuesRead, s.handleDashboard))

	mux.Handle("GET /v1/admin/breakers", s.authed(auth.ScopeAdmin, s.handleBreakers))

	return mux
}

// authed authenticates the bearer key and enforces one scope.
func (s *Server) authed(scope string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authenticate(r)
		if err != nil {
			switch err {
			case auth.ErrExpiredKey:
				writeError(w, http.StatusUnauthorized, "expired")
			default:
				writeError(w, http.StatusUnauthorized, "invalid API key")
			}
			return
		}
		if !principal.HasScope(scope) {
			writeError(w, http.StatusForbidden, "missing scope", map[string]any{"required": scope})
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) authenticate(r *http.Request) (*auth.Principal, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, auth.ErrInvalidKey
	}
	return s.deps.Verifier.Verify(r.Context(), header[len(prefix):])
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.deps.Version})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.deps.Breakers.Statuses()})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())
	dash, err := s.deps.Queries.Dashboard(r.Context(), principal.Org.ID)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}
