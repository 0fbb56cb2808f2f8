package oidc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// WellKnownSuffix is appended to an issuer to form its discovery document URL.
const WellKnownSuffix = "/.well-known/openid-configuration"

// DefaultScopes are requested when a ProviderConfig does not name any.
var DefaultScopes = []string{gooidc.ScopeOpenID, "profile", "email"}

// ErrNoEmail is returned when neither the ID token nor userinfo carries an email.
var ErrNoEmail = errors.New("identity provider returned no email")

// ProviderConfig holds configuration for creating an OIDC provider.
// Set DiscoveryURL, or all of AuthURL, TokenURL and UserInfoURL.
type ProviderConfig struct {
	DiscoveryURL string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string

	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// Validate checks that exactly one endpoint style is configured.
func (c ProviderConfig) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.ClientSecret == "" {
		return errors.New("client_secret is required")
	}
	if c.DiscoveryURL != "" {
		return nil
	}
	if c.AuthURL == "" || c.TokenURL == "" || c.UserInfoURL == "" {
		return errors.New("discovery_url or authorization_url, token_url and userinfo_url are required")
	}
	return nil
}

// Provider wraps OIDC discovery, token verification, and OAuth2 config.
type Provider struct {
	oidcProvider *gooidc.Provider
	verifier     *gooidc.IDTokenVerifier // nil for fixed-endpoint providers
	oauth2Config oauth2.Config
	hasUserInfo  bool
}

// NewProvider builds a Provider. With a discovery URL it fetches the discovery
// document and verifies ID tokens against the issuer's keys. With fixed
// endpoints it relies on the userinfo endpoint for claims.
func NewProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	p := &Provider{}
	if cfg.DiscoveryURL != "" {
		issuer := strings.TrimSuffix(cfg.DiscoveryURL, WellKnownSuffix)
		oidcProv, err := gooidc.NewProvider(ctx, issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery: %w", err)
		}
		p.oidcProvider = oidcProv
		p.verifier = oidcProv.Verifier(&gooidc.Config{ClientID: cfg.ClientID})
		p.hasUserInfo = oidcProv.UserInfoEndpoint() != ""
	} else {
		p.oidcProvider = (&gooidc.ProviderConfig{
			AuthURL:     cfg.AuthURL,
			TokenURL:    cfg.TokenURL,
			UserInfoURL: cfg.UserInfoURL,
		}).NewProvider(ctx)
		p.hasUserInfo = true
	}

	p.oauth2Config = oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     p.oidcProvider.Endpoint(),
		Scopes:       scopes,
	}
	return p, nil
}

// Endpoint returns the OAuth2 endpoints in use.
func (p *Provider) Endpoint() oauth2.Endpoint { return p.oauth2Config.Endpoint }

// Scopes returns the requested scopes.
func (p *Provider) Scopes() []string { return p.oauth2Config.Scopes }

// RedirectURL returns the callback URL registered with the IdP.
func (p *Provider) RedirectURL() string { return p.oauth2Config.RedirectURL }

// AuthCodeURL generates the IdP redirect URL carrying state and nonce.
func (p *Provider) AuthCodeURL(state, nonce string, opts ...oauth2.AuthCodeOption) string {
	if nonce != "" {
		opts = append(opts, gooidc.Nonce(nonce))
	}
	return p.oauth2Config.AuthCodeURL(state, opts...)
}

// Exchange exchanges an authorization code for tokens and extracts claims.
// When an ID token is verified its nonce must equal nonce.
func (p *Provider) Exchange(ctx context.Context, code, nonce string, opts ...oauth2.AuthCodeOption) (*Claims, error) {
	token, err := p.oauth2Config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	var claims Claims
	if p.verifier != nil {
		rawIDToken, ok := token.Extra("id_token").(string)
		if !ok {
			return nil, errors.New("no id_token in response")
		}
		idToken, err := p.verifier.Verify(ctx, rawIDToken)
		if err != nil {
			return nil, fmt.Errorf("verify id_token: %w", err)
		}
		if idToken.Nonce != nonce {
			return nil, errors.New("verify id_token: nonce mismatch")
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, fmt.Errorf("extract claims: %w", err)
		}
		claims.Issuer = idToken.Issuer
	}

	if claims.Email == "" && p.hasUserInfo {
		info, err := p.oidcProvider.UserInfo(ctx, oauth2.StaticTokenSource(token))
		if err != nil {
			return nil, fmt.Errorf("userinfo: %w", err)
		}
		var extra Claims
		if err := info.Claims(&extra); err != nil {
			return nil, fmt.Errorf("extract userinfo claims: %w", err)
		}
		claims.merge(extra)
		if claims.Subject == "" {
			claims.Subject = info.Subject
		}
	}

	claims.Email = strings.ToLower(strings.TrimSpace(claims.Email))
	if claims.Email == "" {
		return nil, ErrNoEmail
	}
	return &claims, nil
}
