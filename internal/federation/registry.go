package federation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"stagesuite/internal/auth/oidc"
	"stagesuite/internal/domain"
	"stagesuite/internal/observability"
	"stagesuite/internal/storage"
)

// CallbackPath is the path prefix every provider redirects back to.
const CallbackPath = "/api/v1/auth/oauth2/callback/"

// DefaultDecryptConcurrency bounds concurrent secret decrypts during a build.
const DefaultDecryptConcurrency = 8

// Decrypter opens a vault envelope.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
}

// Source says where a registry entry came from.
type Source string

const (
	SourceStatic  Source = "static"
	SourceDynamic Source = "dynamic"
)

// StaticProvider is a provider known at process start.
type StaticProvider struct {
	ID           string   `yaml:"id"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	DiscoveryURL string   `yaml:"discovery_url"`
	AuthURL      string   `yaml:"authorization_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"userinfo_url"`
	Scopes       []string `yaml:"scopes"`
}

// Validate checks the provider has an id, credentials and one endpoint style.
func (p StaticProvider) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("static provider: id is required")
	}
	if strings.ContainsAny(p.ID, "/ ?#") {
		return fmt.Errorf("static provider %q: id must be a single path segment", p.ID)
	}
	if err := p.providerConfig("").Validate(); err != nil {
		return fmt.Errorf("static provider %q: %w", p.ID, err)
	}
	return nil
}

func (p StaticProvider) providerConfig(redirectURL string) oidc.ProviderConfig {
	return oidc.ProviderConfig{
		DiscoveryURL: p.DiscoveryURL,
		AuthURL:      p.AuthURL,
		TokenURL:     p.TokenURL,
		UserInfoURL:  p.UserInfoURL,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       p.Scopes,
	}
}

// Entry is one sign-in provider in a registry.
type Entry struct {
	ID     string
	Source Source
	// Kind, OrganisationID and ConfigID are set for dynamic entries only.
	Kind           domain.ProviderKind
	OrganisationID string
	ConfigID       string

	Config oidc.ProviderConfig
}

// Client builds the OIDC client for the entry. Discovery-based entries
// fetch their discovery document here.
func (e *Entry) Client(ctx context.Context) (*oidc.Provider, error) {
	return oidc.NewProvider(ctx, e.Config)
}

// Registry is an immutable snapshot of the providers usable for sign-in.
type Registry struct {
	entries map[string]*Entry
	order   []string
}

// Get returns the entry for id.
func (r *Registry) Get(id string) (*Entry, bool) {
	if r == nil {
		return nil, false
	}
	e, ok := r.entries[id]
	return e, ok
}

// Providers returns static entries in configuration order followed by
// dynamic entries sorted by id.
func (r *Registry) Providers() []*Entry {
	if r == nil {
		return nil
	}
	out := make([]*Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// IDs returns provider ids in the same order as Providers.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Store   storage.IdentityConfigStore
	Vault   Decrypter
	Static  []StaticProvider
	BaseURL string

	// Concurrency bounds parallel decrypts; zero means DefaultDecryptConcurrency.
	Concurrency int

	Logger  observability.Logger
	Metrics *observability.Metrics
}

// Builder produces a fresh Registry from static configuration and the
// enabled tenant identity configs currently in the store.
type Builder struct {
	store       storage.IdentityConfigStore
	vault       Decrypter
	static      []StaticProvider
	baseURL     string
	concurrency int
	logger      observability.Logger
	metrics     *observability.Metrics
}

// NewBuilder validates the static providers and returns a Builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Store == nil {
		return nil, errors.New("federation: store is required")
	}
	if cfg.Vault == nil {
		return nil, errors.New("federation: vault is required")
	}
	seen := make(map[string]struct{}, len(cfg.Static))
	for _, p := range cfg.Static {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("static provider %q: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultDecryptConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger(observability.DefaultConfig())
	}
	return &Builder{
		store:       cfg.Store,
		vault:       cfg.Vault,
		static:      append([]StaticProvider(nil), cfg.Static...),
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger.WithComponent("registry"),
		metrics:     cfg.Metrics,
	}, nil
}

// RedirectURL is the callback URL registered with the IdP for providerID.
func (b *Builder) RedirectURL(providerID string) string {
	return b.baseURL + CallbackPath + providerID
}

// Build reads the enabled configs once and decrypts their secrets
// concurrently. A config whose secret cannot be decrypted, or that cannot
// be synthesized, is logged and left out; it never fails the build. Only a
// store failure does.
func (b *Builder) Build(ctx context.Context) (*Registry, error) {
	start := time.Now()

	rows, err := b.store.ListEnabledIdentityConfigs(ctx)
	if err != nil {
		b.metrics.RecordRegistryBuild(err, 0, 0, time.Since(start))
		return nil, fmt.Errorf("list enabled identity configs: %w", err)
	}

	dynamic := make([]*Entry, len(rows))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(b.concurrency)
	for i, row := range rows {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			dynamic[i] = b.synthesize(egCtx, row)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		b.metrics.RecordRegistryBuild(err, 0, 0, time.Since(start))
		return nil, err
	}

	reg := &Registry{entries: make(map[string]*Entry, len(b.static)+len(rows))}
	for _, p := range b.static {
		reg.entries[p.ID] = &Entry{
			ID:     p.ID,
			Source: SourceStatic,
			Config: p.providerConfig(b.RedirectURL(p.ID)),
		}
		reg.order = append(reg.order, p.ID)
	}

	var dynIDs []string
	for _, e := range dynamic {
		if e == nil {
			continue
		}
		if _, taken := reg.entries[e.ID]; taken {
			b.logger.WarnContext(ctx, "dynamic provider shadowed by static provider",
				"provider_id", e.ID, "org_id", e.OrganisationID)
			continue
		}
		reg.entries[e.ID] = e
		dynIDs = append(dynIDs, e.ID)
	}
	sort.Strings(dynIDs)
	reg.order = append(reg.order, dynIDs...)

	b.metrics.RecordRegistryBuild(nil, len(b.static), len(dynIDs), time.Since(start))
	b.logger.DebugContext(ctx, "provider registry built",
		"static", len(b.static), "dynamic", len(dynIDs), "rows", len(rows))
	return reg, nil
}

// synthesize returns nil when row must be excluded.
func (b *Builder) synthesize(ctx context.Context, row *domain.TenantIdentityConfig) *Entry {
	if err := Registrable(row); err != nil {
		b.logger.WarnContext(ctx, "skipping tenant identity config",
			"org_id", row.OrganisationID, "config_id", row.ID, "error", err)
		return nil
	}

	secret, err := b.vault.Decrypt(row.ClientSecretEncrypted)
	if err != nil {
		b.metrics.RecordDecryptFailure()
		b.logger.ErrorContext(ctx, "cannot decrypt tenant client secret; provider excluded",
			"org_id", row.OrganisationID, "config_id", row.ID, "provider", string(row.Provider), "error", err)
		return nil
	}

	id := ProviderID(row.Provider, row.ID)
	pc, err := Synthesize(row, secret, b.RedirectURL(id))
	if err != nil {
		b.logger.WarnContext(ctx, "skipping tenant identity config",
			"org_id", row.OrganisationID, "config_id", row.ID, "error", err)
		return nil
	}
	return &Entry{
		ID:             id,
		Source:         SourceDynamic,
		Kind:           row.Provider,
		OrganisationID: row.OrganisationID,
		ConfigID:       row.ID,
		Config:         pc,
	}
}
