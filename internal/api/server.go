// Package api is the JSON HTTP surface over the federation, tenancy and
// invite services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"

	"stagesuite/internal/audit"
	"stagesuite/internal/auth"
	"stagesuite/internal/auth/oidc"
	"stagesuite/internal/domain"
	"stagesuite/internal/federation"
	"stagesuite/internal/invite"
	"stagesuite/internal/observability"
	"stagesuite/internal/storage"
	"stagesuite/internal/tenancy"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Config holds the server's collaborators.
type Config struct {
	Store    storage.Store
	Registry *federation.Builder
	Resolver *federation.Resolver
	Settings *federation.Settings
	Tenancy  *tenancy.Service
	Invites  *invite.Manager
	Sessions *auth.SessionManager

	// BaseURL prefixes invite links.
	BaseURL string

	Audit   audit.AuditLogger
	Logger  observability.Logger
	Metrics *observability.Metrics

	RateLimit        RateLimitConfig
	ResolveRateLimit RateLimitConfig
	TrustedProxies   *TrustedProxyConfig
	SecureCookies    bool
}

type Server struct {
	mux      *http.ServeMux
	store    storage.Store
	registry *federation.Builder
	resolver *federation.Resolver
	settings *federation.Settings
	tenancy  *tenancy.Service
	invites  *invite.Manager
	sessions *auth.SessionManager
	baseURL  string
	audit    audit.AuditLogger
	logger   observability.Logger
	metrics  *observability.Metrics
	cfg      Config
}

// NewServer wires the routes. Every service in cfg is required; Audit,
// Logger and Metrics are optional.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("api: store is required")
	case cfg.Registry == nil || cfg.Resolver == nil || cfg.Settings == nil:
		return nil, errors.New("api: federation services are required")
	case cfg.Tenancy == nil || cfg.Invites == nil:
		return nil, errors.New("api: tenancy and invite services are required")
	case cfg.Sessions == nil:
		return nil, errors.New("api: session manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.Discard()
	}
	s := &Server{
		mux:      http.NewServeMux(),
		store:    cfg.Store,
		registry: cfg.Registry,
		resolver: cfg.Resolver,
		settings: cfg.Settings,
		tenancy:  cfg.Tenancy,
		invites:  cfg.Invites,
		sessions: cfg.Sessions,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/"),
		audit:    cfg.Audit,
		logger:   logger.WithComponent("api"),
		metrics:  cfg.Metrics,
		cfg:      cfg,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	resolveRL := RateLimitMiddleware(s.cfg.ResolveRateLimit, s.cfg.TrustedProxies, s.logger)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)
	s.mux.HandleFunc("GET /openapi.yaml", s.handleOpenAPISpec)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.Handle("POST /api/v1/sso/resolve", resolveRL(http.HandlerFunc(s.handleResolve)))
	s.mux.Handle("GET /api/v1/sso/config", s.requireUser(s.handleGetSSOConfig))
	s.mux.Handle("POST /api/v1/sso/config", s.requireUser(s.handleSaveSSOConfig))

	s.mux.HandleFunc("GET /api/v1/auth/providers", s.handleListProviders)
	s.mux.HandleFunc("GET /api/v1/auth/oauth2/start/{providerId}", s.handleOAuthStart)
	s.mux.HandleFunc("GET "+federation.CallbackPath+"{providerId}", s.handleOAuthCallback)
	s.mux.HandleFunc("POST /api/v1/auth/logout", s.handleLogout)
	s.mux.Handle("GET /api/v1/me", s.requireUser(s.handleMe))

	s.mux.Handle("POST /api/v1/organisations/bootstrap", s.requireUser(s.handleBootstrapOrganisation))
	s.mux.Handle("PATCH /api/v1/organisations", s.requireUser(s.handleUpdateOrganisation))
	s.mux.Handle("GET /api/v1/admin/organisations", s.requireUser(s.handleListOrganisations))

	s.mux.Handle("POST /api/v1/productions", s.requireUser(s.handleCreateProduction))
	s.mux.Handle("GET /api/v1/productions/{id}", s.requireUser(s.handleGetProduction))
	s.mux.Handle("PATCH /api/v1/productions/{id}", s.requireUser(s.handleUpdateProduction))
	s.mux.Handle("GET /api/v1/productions/{id}/members", s.requireUser(s.handleListMembers))
	s.mux.Handle("PATCH /api/v1/productions/{id}/members/{userId}", s.requireUser(s.handleUpdateMember))
	s.mux.Handle("DELETE /api/v1/productions/{id}/members/{userId}", s.requireUser(s.handleRemoveMember))

	s.mux.Handle("POST /api/v1/productions/{id}/invites", s.requireUser(s.handleCreateInvite))
	s.mux.Handle("GET /api/v1/productions/{id}/invites", s.requireUser(s.handleListInvites))
	s.mux.HandleFunc("GET /api/v1/invites/{token}", s.handleInspectInvite)
	s.mux.Handle("POST /api/v1/invites/accept", s.requireUser(s.handleAcceptInvite))
}

// Handler returns the routes wrapped in the middleware stack.
// Order: metrics (outermost) -> requestID -> logging -> rate limiting -> session -> CSRF.
func (s *Server) Handler() http.Handler {
	return ApplyMiddlewares(
		s.mux,
		observability.MetricsMiddleware(s.metrics),
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		RateLimitMiddleware(s.cfg.RateLimit, s.cfg.TrustedProxies, s.logger),
		s.SessionMiddleware(),
		CSRFMiddleware(s.cfg.SecureCookies),
	)
}

func (s *Server) writeErr(ctx context.Context, w http.ResponseWriter, code int, msg string, detail string) {
	fields := []any{"status", code, "error", msg}
	if detail != "" {
		fields = append(fields, "detail", detail)
	}
	if code >= 500 {
		s.logger.ErrorContext(ctx, "request failed", fields...)
	} else {
		s.logger.WarnContext(ctx, "request failed", fields...)
	}
	writeJSON(w, code, apiError{Error: msg, Detail: detail})
}

// writeServiceErr maps a service error to a status code. Anything unknown is
// a 500 and is reported to Sentry.
func (s *Server) writeServiceErr(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		verr  *domain.ValidationError
		serr  *domain.StateError
		cerr  *oidc.CryptoError
		nferr *domain.NotFoundError
	)
	switch {
	case errors.As(err, &verr):
		s.writeErr(ctx, w, http.StatusBadRequest, verr.Error(), "")
	case errors.Is(err, domain.ErrValidation):
		s.writeErr(ctx, w, http.StatusBadRequest, "invalid request", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		s.writeErr(ctx, w, http.StatusForbidden, "forbidden", "")
	case errors.As(err, &serr):
		s.writeErr(ctx, w, http.StatusGone, "Invite is no longer valid.", string(serr.State))
	case errors.As(err, &nferr):
		s.writeErr(ctx, w, http.StatusNotFound, nferr.Error(), "")
	case errors.Is(err, storage.ErrNotFound):
		s.writeErr(ctx, w, http.StatusNotFound, "not found", "")
	case errors.Is(err, storage.ErrConflict):
		s.writeErr(ctx, w, http.StatusConflict, "conflict", err.Error())
	case errors.As(err, &cerr):
		s.capture(ctx, err)
		s.writeErr(ctx, w, http.StatusInternalServerError, "stored credentials could not be read", "")
	default:
		s.capture(ctx, err)
		s.writeErr(ctx, w, http.StatusInternalServerError, "internal error", "")
	}
}

// capture logs err and reports it to Sentry. The client only ever sees a
// generic message.
func (s *Server) capture(ctx context.Context, err error) {
	s.logger.ErrorContext(ctx, "service error", "error", err)
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}

// decodeJSON reads a size-limited JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &domain.ValidationError{Message: fmt.Sprintf("invalid JSON body: %v", err)}
	}
	return nil
}

func (s *Server) record(ctx context.Context, event *audit.AuditEvent) {
	if event.Actor == "" {
		event.Actor = auth.UserIDFromContext(ctx)
	}
	audit.Record(ctx, s.audit, s.logger, event)
}
