package api

import (
	"net/http"
	"strings"
	"time"

	"stagesuite/internal/auth"
	"stagesuite/internal/domain"
	"stagesuite/internal/invite"
)

type createInviteRequest struct {
	Role      domain.ProductionRole `json:"role"`
	ExpiresAt *time.Time            `json:"expires_at"`
	MaxUses   *int                  `json:"max_uses"`
}

type inviteResponse struct {
	*domain.Invite
	AcceptURL string `json:"accept_url"`
}

func (s *Server) acceptURL(token string) string {
	return s.baseURL + "/invites/" + token
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	inv, err := s.invites.Create(ctx, invite.CreateRequest{
		ProductionID: r.PathValue("id"),
		Role:         domain.ProductionRole(strings.TrimSpace(string(req.Role))),
		ExpiresAt:    req.ExpiresAt,
		MaxUses:      req.MaxUses,
		CreatorID:    auth.UserIDFromContext(ctx),
	})
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inviteResponse{Invite: inv, AcceptURL: s.acceptURL(inv.Token)})
}

func (s *Server) handleListInvites(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	invs, err := s.invites.List(ctx, r.PathValue("id"), auth.UserIDFromContext(ctx))
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	out := make([]inviteResponse, 0, len(invs))
	for _, inv := range invs {
		out = append(out, inviteResponse{Invite: inv, AcceptURL: s.acceptURL(inv.Token)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"invites": out})
}

func (s *Server) handleInspectInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := s.invites.Inspect(ctx, r.PathValue("token"))
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type acceptInviteRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req acceptInviteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		s.writeServiceErr(ctx, w, &domain.ValidationError{Field: "token", Message: "is required"})
		return
	}
	prodID, err := s.invites.Accept(ctx, token, auth.UserIDFromContext(ctx))
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"productionId": prodID})
}
