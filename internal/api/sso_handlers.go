package api

import (
	"net/http"

	"stagesuite/internal/audit"
	"stagesuite/internal/auth"
	"stagesuite/internal/domain"
	"stagesuite/internal/federation"
)

type resolveRequest struct {
	Email string `json:"email"`
}

type resolveResponse struct {
	// ProviderID is null when the email should use non-federated sign-in.
	ProviderID *string `json:"providerId"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceErr(r.Context(), w, err)
		return
	}
	id, err := s.resolver.Resolve(r.Context(), req.Email)
	if err != nil {
		s.writeServiceErr(r.Context(), w, err)
		return
	}
	var resp resolveResponse
	if id != "" {
		resp.ProviderID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSSOConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, err := s.tenancy.AdminOrganisation(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	view, err := s.settings.Read(ctx, orgID)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type saveSSOConfigResponse struct {
	Config     *domain.TenantIdentityConfig `json:"config"`
	Domains    []string                     `json:"domains"`
	ProviderID string                       `json:"providerId"`
}

func (s *Server) handleSaveSSOConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgID, err := s.tenancy.AdminOrganisation(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	var in federation.SaveInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	cfg, domains, err := s.settings.Save(ctx, orgID, in)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}

	// the secret never reaches the audit log
	s.record(ctx, &audit.AuditEvent{
		Action:         audit.ActionUpdate,
		ResourceType:   audit.ResourceSSOConfig,
		ResourceID:     cfg.ID,
		OrganisationID: orgID,
		Details: map[string]any{
			"provider": string(cfg.Provider),
			"enabled":  cfg.Enabled,
			"domains":  domains,
		},
	})
	s.logger.InfoContext(ctx, "sso config saved", "org_id", orgID, "config_id", cfg.ID, "provider", string(cfg.Provider))

	writeJSON(w, http.StatusOK, saveSSOConfigResponse{
		Config:     cfg,
		Domains:    domains,
		ProviderID: federation.ProviderID(cfg.Provider, cfg.ID),
	})
}
