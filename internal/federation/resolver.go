package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stagesuite/internal/domain"
	"stagesuite/internal/observability"
	"stagesuite/internal/storage"
)

// Resolver routes an email address to the provider of the organisation that
// owns its domain.
type Resolver struct {
	store   storage.IdentityConfigStore
	metrics *observability.Metrics
}

func NewResolver(store storage.IdentityConfigStore, metrics *observability.Metrics) *Resolver {
	return &Resolver{store: store, metrics: metrics}
}

// EmailDomain normalizes email and returns its domain. The address must hold
// exactly one '@' with text on both sides.
func EmailDomain(email string) (string, error) {
	e := strings.ToLower(strings.TrimSpace(email))
	if strings.Count(e, "@") != 1 {
		return "", &domain.ValidationError{Field: "email", Message: "must contain exactly one @"}
	}
	local, d, _ := strings.Cut(e, "@")
	if local == "" || d == "" {
		return "", &domain.ValidationError{Field: "email", Message: "must have a local part and a domain"}
	}
	return d, nil
}

// Resolve returns the provider id to start sign-in with, or "" when the
// email should fall back to non-federated sign-in. Only malformed input is
// an error; store failures are returned wrapped.
func (r *Resolver) Resolve(ctx context.Context, email string) (string, error) {
	d, err := EmailDomain(email)
	if err != nil {
		r.metrics.RecordResolution("invalid")
		return "", err
	}

	cfg, err := r.configForDomain(ctx, d)
	if err != nil {
		return "", err
	}
	if cfg == nil || !cfg.Enabled || Registrable(cfg) != nil {
		r.metrics.RecordResolution("unmatched")
		return "", nil
	}
	r.metrics.RecordResolution("matched")
	return ProviderID(cfg.Provider, cfg.ID), nil
}

// OrganisationForEmail returns the organisation owning the email's domain,
// or "" when no organisation claims it.
func (r *Resolver) OrganisationForEmail(ctx context.Context, email string) (string, error) {
	d, err := EmailDomain(email)
	if err != nil {
		return "", err
	}
	td, err := r.store.LookupDomain(ctx, d)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup domain: %w", err)
	}
	return td.OrganisationID, nil
}

func (r *Resolver) configForDomain(ctx context.Context, d string) (*domain.TenantIdentityConfig, error) {
	td, err := r.store.LookupDomain(ctx, d)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup domain: %w", err)
	}
	cfg, err := r.store.GetIdentityConfig(ctx, td.OrganisationID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity config: %w", err)
	}
	return cfg, nil
}
