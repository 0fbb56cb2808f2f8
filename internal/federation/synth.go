package federation

import (
	"errors"
	"fmt"
	"strings"

	"stagesuite/internal/auth/oidc"
	"stagesuite/internal/domain"
)

const (
	entraLoginBase   = "https://login.microsoftonline.com/"
	entraUserInfoURL = "https://graph.microsoft.com/oidc/userinfo"
	entraCommon      = "common"

	// GoogleDiscoveryURL is the discovery document shared by every Google Workspace tenant.
	GoogleDiscoveryURL = "https://accounts.google.com/.well-known/openid-configuration"
)

// ErrMissingIssuer marks an OKTA config that cannot be registered.
var ErrMissingIssuer = errors.New("okta config has no issuer")

// Registrable reports whether cfg can produce a registry entry. Secrets are
// not checked.
func Registrable(cfg *domain.TenantIdentityConfig) error {
	switch cfg.Provider {
	case domain.ProviderEntra, domain.ProviderGoogleWorkspace:
		return nil
	case domain.ProviderOkta:
		if strings.TrimSpace(cfg.Issuer) == "" {
			return ErrMissingIssuer
		}
		return nil
	}
	return fmt.Errorf("unsupported provider kind %q", cfg.Provider)
}

// Synthesize turns a tenant identity config and its decrypted secret into an
// OIDC client configuration.
func Synthesize(cfg *domain.TenantIdentityConfig, clientSecret, redirectURL string) (oidc.ProviderConfig, error) {
	if err := Registrable(cfg); err != nil {
		return oidc.ProviderConfig{}, err
	}

	pc := oidc.ProviderConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       append([]string(nil), oidc.DefaultScopes...),
	}

	switch cfg.Provider {
	case domain.ProviderEntra:
		tenant := strings.TrimSpace(cfg.DirectoryID)
		if tenant == "" {
			tenant = entraCommon
		}
		base := entraLoginBase + tenant + "/oauth2/v2.0"
		pc.AuthURL = base + "/authorize"
		pc.TokenURL = base + "/token"
		pc.UserInfoURL = entraUserInfoURL
	case domain.ProviderOkta:
		pc.DiscoveryURL = strings.TrimSuffix(strings.TrimSpace(cfg.Issuer), "/") + oidc.WellKnownSuffix
	case domain.ProviderGoogleWorkspace:
		pc.DiscoveryURL = GoogleDiscoveryURL
	}
	return pc, nil
}
