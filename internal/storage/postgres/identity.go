//go:build postgres

package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"stagesuite/internal/domain"
	"stagesuite/internal/storage"
)

const identityColumns = `id, organisation_id, provider, client_id, client_secret_encrypted, issuer, directory_id, enabled, created_at, updated_at`

func scanIdentityConfig(row pgx.Row) (*domain.TenantIdentityConfig, error) {
	var c domain.TenantIdentityConfig
	var provider string
	if err := row.Scan(&c.ID, &c.OrganisationID, &provider, &c.ClientID, &c.ClientSecretEncrypted,
		&c.Issuer, &c.DirectoryID, &c.Enabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	c.Provider = domain.ProviderKind(provider)
	return &c, nil
}

func (s *Store) GetIdentityConfig(ctx context.Context, organisationID string) (*domain.TenantIdentityConfig, error) {
	return scanIdentityConfig(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM tenant_identity_configs WHERE organisation_id = $1`, organisationID))
}

func (s *Store) ListEnabledIdentityConfigs(ctx context.Context) ([]*domain.TenantIdentityConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM tenant_identity_configs WHERE enabled ORDER BY id`)
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

// SaveIdentityConfig upserts the config and replaces the domain set in one
// transaction. The organisation row is locked so concurrent saves for the same
// organisation apply one after the other.
func (s *Store) SaveIdentityConfig(ctx context.Context, cfg *domain.TenantIdentityConfig, domains []string) (*domain.TenantIdentityConfig, error) {
	if cfg == nil || cfg.OrganisationID == "" {
		return nil, storage.ErrValidation
	}

	var saved *domain.TenantIdentityConfig
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM organisations WHERE id = $1 FOR UPDATE`, cfg.OrganisationID).Scan(&id); err != nil {
			return mapErr(err)
		}

		var taken string
		err := tx.QueryRow(ctx,
			`SELECT domain FROM tenant_domains WHERE domain = ANY($1) AND organisation_id <> $2 LIMIT 1`,
			domains, cfg.OrganisationID).Scan(&taken)
		if err == nil {
			return storage.ErrConflict
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		newID := cfg.ID
		if newID == "" {
			newID = uuid.New().String()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO tenant_identity_configs (id, organisation_id, provider, client_id, client_secret_encrypted, issuer, directory_id, enabled, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			 ON CONFLICT (organisation_id) DO UPDATE SET
			   provider = EXCLUDED.provider,
			   client_id = EXCLUDED.client_id,
			   client_secret_encrypted = EXCLUDED.client_secret_encrypted,
			   issuer = EXCLUDED.issuer,
			   directory_id = EXCLUDED.directory_id,
			   enabled = EXCLUDED.enabled,
			   updated_at = NOW()`,
			newID, cfg.OrganisationID, string(cfg.Provider), cfg.ClientID, cfg.ClientSecretEncrypted,
			cfg.Issuer, cfg.DirectoryID, cfg.Enabled,
		); err != nil {
			return mapErr(err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM tenant_domains WHERE organisation_id = $1`, cfg.OrganisationID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO tenant_domains (domain, organisation_id) SELECT d, $2 FROM unnest($1::text[]) AS d`,
			domains, cfg.OrganisationID); err != nil {
			return mapErr(err)
		}

		saved, err = scanIdentityConfig(tx.QueryRow(ctx,
			`SELECT `+identityColumns+` FROM tenant_identity_configs WHERE organisation_id = $1`, cfg.OrganisationID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) ListDomains(ctx context.Context, organisationID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT domain FROM tenant_domains WHERE organisation_id = $1 ORDER BY domain`, organisationID)
	if err != nil {
		return nil, mapErr(err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, mapErr(err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func (s *Store) LookupDomain(ctx context.Context, domainName string) (*domain.TenantDomain, error) {
	var td domain.TenantDomain
	if err := s.pool.QueryRow(ctx, `SELECT domain, organisation_id FROM tenant_domains WHERE domain = $1`, domainName).
		Scan(&td.Domain, &td.OrganisationID); err != nil {
		return nil, mapErr(err)
	}
	return &td, nil
}
