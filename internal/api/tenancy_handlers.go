package api

import (
	"net/http"

	"stagesuite/internal/auth"
	"stagesuite/internal/domain"
	"stagesuite/internal/tenancy"
)

func (s *Server) handleBootstrapOrganisation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in tenancy.OrganisationInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	org, err := s.tenancy.BootstrapOrganisation(ctx, auth.UserIDFromContext(ctx), in)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (s *Server) handleUpdateOrganisation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in tenancy.OrganisationInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	org, err := s.tenancy.UpdateOrganisation(ctx, auth.UserIDFromContext(ctx), in)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (s *Server) handleListOrganisations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	orgs, err := s.tenancy.ListOrganisations(ctx, auth.UserIDFromContext(ctx))
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	if orgs == nil {
		orgs = []*domain.Organisation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"organisations": orgs})
}

type createProductionRequest struct {
	// OrganisationID defaults to the organisation the caller administers.
	OrganisationID string `json:"organisation_id"`
	tenancy.ProductionInput
}

func (s *Server) handleCreateProduction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserIDFromContext(ctx)
	var req createProductionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	if req.OrganisationID == "" {
		orgID, err := s.tenancy.AdminOrganisation(ctx, userID)
		if err != nil {
			s.writeServiceErr(ctx, w, err)
			return
		}
		req.OrganisationID = orgID
	}
	p, err := s.tenancy.CreateProduction(ctx, userID, req.OrganisationID, req.ProductionInput)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProduction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.tenancy.GetProduction(ctx, auth.UserIDFromContext(ctx), r.PathValue("id"))
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProduction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in tenancy.ProductionInput
	if err := decodeJSON(r, &in); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	p, err := s.tenancy.UpdateProduction(ctx, auth.UserIDFromContext(ctx), r.PathValue("id"), in)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	members, err := s.tenancy.ListMembers(ctx, auth.UserIDFromContext(ctx), r.PathValue("id"))
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	if members == nil {
		members = []*domain.ProductionMember{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

type updateMemberRequest struct {
	Role domain.ProductionRole `json:"role"`
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req updateMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	err := s.tenancy.UpdateMemberRole(ctx, auth.UserIDFromContext(ctx), r.PathValue("id"), r.PathValue("userId"), req.Role)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.tenancy.RemoveMember(ctx, auth.UserIDFromContext(ctx), r.PathValue("id"), r.PathValue("userId")); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
