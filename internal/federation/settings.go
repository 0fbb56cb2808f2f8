package federation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"stagesuite/internal/domain"
	"stagesuite/internal/observability"
	"stagesuite/internal/storage"
)

// Cipher encrypts and decrypts client secrets.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(envelope string) (string, error)
}

// SaveInput is an administrator's SSO settings submission.
type SaveInput struct {
	Provider     string   `json:"provider"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Issuer       string   `json:"issuer"`
	DirectoryID  string   `json:"directory_id"`
	Domains      []string `json:"domains"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled"`
}

// ConfigDetail is a stored config together with its decrypted secret.
type ConfigDetail struct {
	domain.TenantIdentityConfig
	ClientSecret string `json:"client_secret"`
}

// ConfigView is what the SSO settings page shows. Config is nil when the
// organisation has never saved a configuration.
type ConfigView struct {
	Config  *ConfigDetail `json:"config"`
	Domains []string      `json:"domains"`
}

// Settings reads and writes an organisation's SSO configuration.
type Settings struct {
	store   storage.IdentityConfigStore
	vault   Cipher
	logger  observability.Logger
	metrics *observability.Metrics
}

// SettingsOption configures Settings.
type SettingsOption func(*Settings)

func WithSettingsLogger(l observability.Logger) SettingsOption {
	return func(s *Settings) { s.logger = l }
}

func WithSettingsMetrics(m *observability.Metrics) SettingsOption {
	return func(s *Settings) { s.metrics = m }
}

func NewSettings(store storage.IdentityConfigStore, vault Cipher, opts ...SettingsOption) *Settings {
	s := &Settings{store: store, vault: vault}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.Discard()
	}
	s.logger = s.logger.WithComponent("sso-settings")
	return s
}

// Save validates in, encrypts the secret and stores the config together with
// the replacement domain set. A domain owned by another organisation yields
// storage.ErrConflict.
func (s *Settings) Save(ctx context.Context, organisationID string, in SaveInput) (*domain.TenantIdentityConfig, []string, error) {
	if organisationID == "" {
		return nil, nil, &domain.ValidationError{Field: "organisation_id", Message: "is required"}
	}
	kind, err := domain.ParseProviderKind(in.Provider)
	if err != nil {
		return nil, nil, err
	}
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		return nil, nil, &domain.ValidationError{Field: "client_id", Message: "is required"}
	}
	if in.ClientSecret == "" {
		return nil, nil, &domain.ValidationError{Field: "client_secret", Message: "is required"}
	}

	issuer := strings.TrimSpace(in.Issuer)
	if kind == domain.ProviderOkta && issuer == "" {
		return nil, nil, &domain.ValidationError{Field: "issuer", Message: "is required for OKTA"}
	}
	if issuer != "" {
		u, err := url.Parse(issuer)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return nil, nil, &domain.ValidationError{Field: "issuer", Message: "must be an absolute http(s) URL"}
		}
	}

	domains := domain.NormalizeDomains(in.Domains)
	if len(domains) == 0 {
		return nil, nil, &domain.ValidationError{Field: "domains", Message: "at least one domain is required"}
	}
	for _, d := range domains {
		if !domain.IsValidDomain(d) {
			return nil, nil, &domain.ValidationError{Field: "domains", Message: fmt.Sprintf("%q is not a valid domain", d)}
		}
	}

	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}

	envelope, err := s.vault.Encrypt(in.ClientSecret)
	if err != nil {
		return nil, nil, err
	}

	stored, err := s.store.SaveIdentityConfig(ctx, &domain.TenantIdentityConfig{
		OrganisationID:        organisationID,
		Provider:              kind,
		ClientID:              clientID,
		ClientSecretEncrypted: envelope,
		Issuer:                issuer,
		DirectoryID:           strings.TrimSpace(in.DirectoryID),
		Enabled:               enabled,
	}, domains)
	if err != nil {
		return nil, nil, fmt.Errorf("save identity config: %w", err)
	}
	return stored, domains, nil
}

// Read returns the organisation's domains and config with its secret
// decrypted. A secret that cannot be decrypted is an error, never a nil config.
func (s *Settings) Read(ctx context.Context, organisationID string) (*ConfigView, error) {
	domains, err := s.store.ListDomains(ctx, organisationID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	view := &ConfigView{Domains: domains}
	if view.Domains == nil {
		view.Domains = []string{}
	}

	cfg, err := s.store.GetIdentityConfig(ctx, organisationID)
	if errors.Is(err, storage.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity config: %w", err)
	}

	secret, err := s.vault.Decrypt(cfg.ClientSecretEncrypted)
	if err != nil {
		s.metrics.RecordDecryptFailure()
		s.logger.ErrorContext(ctx, "cannot decrypt tenant client secret",
			"org_id", cfg.OrganisationID, "config_id", cfg.ID, "provider", string(cfg.Provider), "error", err)
		return nil, fmt.Errorf("decrypt client secret of config %s (org %s): %w", cfg.ID, cfg.OrganisationID, err)
	}
	view.Config = &ConfigDetail{TenantIdentityConfig: *cfg, ClientSecret: secret}
	return view, nil
}
