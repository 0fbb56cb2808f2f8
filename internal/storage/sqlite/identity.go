//go:build sqlite

package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"stagesuite/internal/domain"
	"stagesuite/internal/storage"
)

const identityColumns = `id, organisation_id, provider, client_id, client_secret_encrypted, issuer, directory_id, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentityConfig(row rowScanner) (*domain.TenantIdentityConfig, error) {
	var c domain.TenantIdentityConfig
	var provider, createdAt, updatedAt string
	var enabled int
	if err := row.Scan(&c.ID, &c.OrganisationID, &provider, &c.ClientID, &c.ClientSecretEncrypted,
		&c.Issuer, &c.DirectoryID, &enabled, &createdAt, &updatedAt); err != nil {
		return nil, notFound(err)
	}
	c.Provider = domain.ProviderKind(provider)
	c.Enabled = enabled != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// GetIdentityConfig returns the organisation's SSO configuration.
func (s *Store) GetIdentityConfig(ctx context.Context, organisationID string) (*domain.TenantIdentityConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM tenant_identity_configs WHERE organisation_id = ?`, organisationID)
	return scanIdentityConfig(row)
}

// ListEnabledIdentityConfigs returns enabled configurations for all organisations.
func (s *Store) ListEnabledIdentityConfigs(ctx context.Context) ([]*domain.TenantIdentityConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM tenant_identity_configs WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.TenantIdentityConfig
	for rows.Next() {
		c, err := scanIdentityConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveIdentityConfig upserts the config and replaces the domain set in one transaction.
func (s *Store) SaveIdentityConfig(ctx context.Context, cfg *domain.TenantIdentityConfig, domains []string) (*domain.TenantIdentityConfig, error) {
	if cfg == nil || cfg.OrganisationID == "" {
		return nil, storage.ErrValidation
	}

	var saved *domain.TenantIdentityConfig
	err := s.withImmediate(ctx, func(q queryer) error {
		var one int
		if err := q.QueryRowContext(ctx, `SELECT 1 FROM organisations WHERE id = ?`, cfg.OrganisationID).Scan(&one); err != nil {
			return notFound(err)
		}
		for _, d := range domains {
			var owner string
			err := q.QueryRowContext(ctx, `SELECT organisation_id FROM tenant_domains WHERE domain = ?`, d).Scan(&owner)
			if err == nil && owner != cfg.OrganisationID {
				return storage.ErrConflict
			}
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		id := cfg.ID
		if id == "" {
			id = uuid.New().String()
		}
		now := formatTime(s.now())
		if _, err := q.ExecContext(ctx,
			`INSERT INTO tenant_identity_configs (`+identityColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(organisation_id) DO UPDATE SET
			   provider = excluded.provider,
			   client_id = excluded.client_id,
			   client_secret_encrypted = excluded.client_secret_encrypted,
			   issuer = excluded.issuer,
			   directory_id = excluded.directory_id,
			   enabled = excluded.enabled,
			   updated_at = excluded.updated_at`,
			id, cfg.OrganisationID, string(cfg.Provider), cfg.ClientID, cfg.ClientSecretEncrypted,
			cfg.Issuer, cfg.DirectoryID, boolToInt(cfg.Enabled), now, now,
		); err != nil {
			return storage.WrapIfConflict(err)
		}

		if _, err := q.ExecContext(ctx, `DELETE FROM tenant_domains WHERE organisation_id = ?`, cfg.OrganisationID); err != nil {
			return err
		}
		for _, d := range domains {
			if _, err := q.ExecContext(ctx, `INSERT INTO tenant_domains (domain, organisation_id) VALUES (?, ?)`, d, cfg.OrganisationID); err != nil {
				return storage.WrapIfConflict(err)
			}
		}

		var err error
		saved, err = scanIdentityConfig(q.QueryRowContext(ctx,
			`SELECT `+identityColumns+` FROM tenant_identity_configs WHERE organisation_id = ?`, cfg.OrganisationID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// ListDomains returns the organisation's routed email domains.
func (s *Store) ListDomains(ctx context.Context, organisationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain FROM tenant_domains WHERE organisation_id = ? ORDER BY domain`, organisationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LookupDomain finds the organisation that owns domainName.
func (s *Store) LookupDomain(ctx context.Context, domainName string) (*domain.TenantDomain, error) {
	var td domain.TenantDomain
	err := s.db.QueryRowContext(ctx, `SELECT domain, organisation_id FROM tenant_domains WHERE domain = ?`, domainName).
		Scan(&td.Domain, &td.OrganisationID)
	if err != nil {
		return nil, notFound(err)
	}
	return &td, nil
}
