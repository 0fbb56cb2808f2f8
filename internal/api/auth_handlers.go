package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"stagesuite/internal/auth"
	"stagesuite/internal/auth/oidc"
	"stagesuite/internal/domain"
	"stagesuite/internal/federation"
)

type providerInfo struct {
	ID     string            `json:"id"`
	Source federation.Source `json:"source"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	reg, err := s.registry.Build(r.Context())
	if err != nil {
		s.writeServiceErr(r.Context(), w, err)
		return
	}
	out := make([]providerInfo, 0, reg.Len())
	for _, e := range reg.Providers() {
		out = append(out, providerInfo{ID: e.ID, Source: e.Source})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

// lookupProvider builds a fresh registry and the OIDC client for id. It
// writes the error response itself and reports false on failure.
func (s *Server) lookupProvider(w http.ResponseWriter, r *http.Request, id string) (*federation.Entry, *oidc.Provider, bool) {
	ctx := r.Context()
	reg, err := s.registry.Build(ctx)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return nil, nil, false
	}
	entry, ok := reg.Get(id)
	if !ok {
		s.writeErr(ctx, w, http.StatusNotFound, "unknown identity provider", id)
		return nil, nil, false
	}
	client, err := entry.Client(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "identity provider unavailable", "provider_id", id, "error", err)
		s.writeErr(ctx, w, http.StatusBadGateway, "identity provider unavailable", "")
		return nil, nil, false
	}
	return entry, client, true
}

func (s *Server) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("providerId")
	_, client, ok := s.lookupProvider(w, r, id)
	if !ok {
		return
	}

	state, err := auth.RandomString(auth.StateLength)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	nonce, err := auth.RandomString(auth.StateLength)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	verifier := oauth2.GenerateVerifier()

	if err := s.sessions.IssueOAuth(w, &auth.OAuthState{
		State:      state,
		Nonce:      nonce,
		ProviderID: id,
		Verifier:   verifier,
		ReturnTo:   safeReturnTo(r.URL.Query().Get("return_to")),
	}); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	http.Redirect(w, r, client.AuthCodeURL(state, nonce, oauth2.S256ChallengeOption(verifier)), http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("providerId")
	q := r.URL.Query()

	if idpErr := q.Get("error"); idpErr != "" {
		s.logger.WarnContext(ctx, "identity provider returned an error",
			"provider_id", id, "error", idpErr, "description", q.Get("error_description"))
		s.sessions.ClearOAuth(w)
		http.Redirect(w, r, "/?error="+url.QueryEscape(idpErr), http.StatusFound)
		return
	}

	st, err := s.sessions.ReadOAuth(r)
	if err != nil {
		s.writeErr(ctx, w, http.StatusForbidden, "invalid sign-in state", err.Error())
		return
	}
	s.sessions.ClearOAuth(w)
	if st.ProviderID != id || subtle.ConstantTimeCompare([]byte(q.Get("state")), []byte(st.State)) != 1 {
		s.writeErr(ctx, w, http.StatusForbidden, "invalid sign-in state", "state mismatch")
		return
	}
	code := q.Get("code")
	if code == "" {
		s.writeErr(ctx, w, http.StatusBadRequest, "missing authorization code", "")
		return
	}

	entry, client, ok := s.lookupProvider(w, r, id)
	if !ok {
		return
	}
	claims, err := client.Exchange(ctx, code, st.Nonce, oauth2.VerifierOption(st.Verifier))
	if err != nil {
		s.logger.WarnContext(ctx, "code exchange failed", "provider_id", id, "error", err)
		msg := "sign-in failed"
		if errors.Is(err, oidc.ErrNoEmail) {
			msg = "identity provider returned no email"
		}
		s.writeErr(ctx, w, http.StatusUnauthorized, msg, "")
		return
	}

	if entry.Source == federation.SourceDynamic {
		orgID, err := s.resolver.OrganisationForEmail(ctx, claims.Email)
		var verr *domain.ValidationError
		if err != nil && !errors.As(err, &verr) {
			s.writeServiceErr(ctx, w, err)
			return
		}
		if orgID == "" || orgID != entry.OrganisationID {
			s.logger.WarnContext(ctx, "email domain not managed by provider organisation",
				"provider_id", id, "org_id", entry.OrganisationID, "email_domain", claims.EmailDomain())
			s.writeErr(ctx, w, http.StatusForbidden, "email domain is not managed by this identity provider", "")
			return
		}
	}

	user, err := s.store.UpsertUserByEmail(ctx, claims.Email, claims.DisplayName())
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	if _, err := s.sessions.Issue(w, user.ID, user.Email); err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	s.logger.InfoContext(ctx, "user signed in", "user_id", user.ID, "provider_id", id)
	http.Redirect(w, r, st.ReturnTo, http.StatusFound)
}

// safeReturnTo keeps post-login redirects on this site.
func safeReturnTo(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n") {
		return "/"
	}
	return raw
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.sessions.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

type meResponse struct {
	User        *domain.User         `json:"user"`
	Memberships []*domain.Membership `json:"memberships"`
	IsAppAdmin  bool                 `json:"is_app_admin"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user := auth.UserFromContext(ctx)
	ms, err := s.store.ListMembershipsByUser(ctx, user.ID)
	if err != nil {
		s.writeServiceErr(ctx, w, err)
		return
	}
	if ms == nil {
		ms = []*domain.Membership{}
	}
	writeJSON(w, http.StatusOK, meResponse{User: user, Memberships: ms, IsAppAdmin: s.tenancy.IsAppAdmin(user.Email)})
}
