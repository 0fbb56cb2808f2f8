//go:build postgres

package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"stagesuite/internal/domain"
	"stagesuite/internal/storage"
)

// =============================================================================
// Users
// =============================================================================

func (s *Store) UpsertUserByEmail(ctx context.Context, email, name string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, storage.ErrValidation
	}
	var u domain.User
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, name) VALUES ($1, $2, $3)
		 ON CONFLICT (email) DO UPDATE SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE users.name END
		 RETURNING id, email, name, created_at`,
		uuid.New().String(), email, name,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	if err := s.pool.QueryRow(ctx, `SELECT id, email, name, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

// =============================================================================
// Organisations
// =============================================================================

const orgColumns = `id, name, primary_location, description, contact_email, created_at`

func scanOrganisation(row pgx.Row) (*domain.Organisation, error) {
	var o domain.Organisation
	if err := row.Scan(&o.ID, &o.Name, &o.PrimaryLocation, &o.Description, &o.ContactEmail, &o.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return &o, nil
}

// CreateOrganisationWithAdmin locks the user row so two concurrent bootstraps
// by the same user cannot both succeed.
func (s *Store) CreateOrganisationWithAdmin(ctx context.Context, org *domain.Organisation, userID string) error {
	if org == nil || org.ID == "" || org.Name == "" || userID == "" {
		return storage.ErrValidation
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id); err != nil {
			return mapErr(err)
		}
		var n int
		if err := tx.QueryRow(ctx, `SELECT COUNT(1) FROM memberships WHERE user_id = $1`, userID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return storage.ErrConflict
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO organisations (`+orgColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
			org.ID, org.Name, org.PrimaryLocation, org.Description, org.ContactEmail, org.CreatedAt,
		); err != nil {
			return mapErr(err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO memberships (user_id, organisation_id, role, created_at) VALUES ($1, $2, $3, $4)`,
			userID, org.ID, string(domain.OrgRoleAdmin), org.CreatedAt)
		return mapErr(err)
	})
}

func (s *Store) GetOrganisation(ctx context.Context, id string) (*domain.Organisation, error) {
	return scanOrganisation(s.pool.QueryRow(ctx, `SELECT `+orgColumns+` FROM organisations WHERE id = $1`, id))
}

func (s *Store) UpdateOrganisation(ctx context.Context, org *domain.Organisation) error {
	if org == nil || org.ID == "" || org.Name == "" {
		return storage.ErrValidation
	}
	err := s.pool.QueryRow(ctx,
		`UPDATE organisations SET name = $2, primary_location = $3, description = $4, contact_email = $5
		 WHERE id = $1 RETURNING created_at`,
		org.ID, org.Name, org.PrimaryLocation, org.Description, org.ContactEmail,
	).Scan(&org.CreatedAt)
	return mapErr(err)
}

func (s *Store) ListOrganisations(ctx context.Context) ([]*domain.Organisation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orgColumns+` FROM organisations ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Organisation
	for rows.Next() {
		o, err := scanOrganisation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanMembership(row pgx.Row) (*domain.Membership, error) {
	var m domain.Membership
	var role string
	if err := row.Scan(&m.UserID, &m.OrganisationID, &role, &m.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	m.Role = domain.OrgRole(role)
	return &m, nil
}

func (s *Store) GetMembership(ctx context.Context, userID, organisationID string) (*domain.Membership, error) {
	return scanMembership(s.pool.QueryRow(ctx,
		`SELECT user_id, organisation_id, role, created_at FROM memberships WHERE user_id = $1 AND organisation_id = $2`,
		userID, organisationID))
}

func (s *Store) ListMembershipsByUser(ctx context.Context, userID string) ([]*domain.Membership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, organisation_id, role, created_at FROM memberships WHERE user_id = $1 ORDER BY organisation_id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}

// =============================================================================
// Productions
// =============================================================================

const productionColumns = `id, organisation_id, name, description, venue, rehearsal_start, rehearsal_end, manager_roles, created_at, updated_at`

func rolesToStrings(roles []domain.ProductionRole) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func scanProduction(row pgx.Row) (*domain.Production, error) {
	var p domain.Production
	var roles []string
	if err := row.Scan(&p.ID, &p.OrganisationID, &p.Name, &p.Description, &p.Venue,
		&p.RehearsalStart, &p.RehearsalEnd, &roles, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	for _, r := range roles {
		p.ManagerRoles = append(p.ManagerRoles, domain.ProductionRole(r))
	}
	return &p, nil
}

func (s *Store) CreateProductionWithDirector(ctx context.Context, p *domain.Production, creatorID string) error {
	if p == nil || p.ID == "" || p.OrganisationID == "" || creatorID == "" {
		return storage.ErrValidation
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO productions (`+productionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			p.ID, p.OrganisationID, p.Name, p.Description, p.Venue,
			p.RehearsalStart, p.RehearsalEnd, rolesToStrings(p.ManagerRoles), p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return mapErr(err)
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO production_members (production_id, user_id, role, created_at) VALUES ($1, $2, $3, $4)`,
			p.ID, creatorID, string(domain.RoleDirector), p.CreatedAt)
		return mapErr(err)
	})
}

func (s *Store) GetProduction(ctx context.Context, id string) (*domain.Production, error) {
	return getProduction(ctx, s.pool, id, false)
}

func getProduction(ctx context.Context, q querier, id string, lock bool) (*domain.Production, error) {
	query := `SELECT ` + productionColumns + ` FROM productions WHERE id = $1`
	if lock {
		query += ` FOR SHARE`
	}
	return scanProduction(q.QueryRow(ctx, query, id))
}

func (s *Store) UpdateProduction(ctx context.Context, p *domain.Production) error {
	if p == nil || p.ID == "" {
		return storage.ErrValidation
	}
	err := s.pool.QueryRow(ctx,
		`UPDATE productions SET name = $2, description = $3, venue = $4, rehearsal_start = $5, rehearsal_end = $6, manager_roles = $7, updated_at = NOW()
		 WHERE id = $1 RETURNING updated_at`,
		p.ID, p.Name, p.Description, p.Venue, p.RehearsalStart, p.RehearsalEnd, rolesToStrings(p.ManagerRoles),
	).Scan(&p.UpdatedAt)
	return mapErr(err)
}

func (s *Store) ListProductions(ctx context.Context, organisationID string) ([]*domain.Production, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+productionColumns+` FROM productions WHERE organisation_id = $1 ORDER BY created_at, id`, organisationID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*domain.Production
	for rows.Next() {
		p, err := scanProduction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err())
}

func scanProductionMember(row pgx.Row) (*domain.ProductionMember, error) {
	var m domain.ProductionMember
	var role string
	if err := row.Scan(&m.ProductionID, &m.UserID, &role, &m.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	m.Role = domain.ProductionRole(role)
	return &m, nil
}

func (s *Store) GetProductionMember(ctx context.Context, productionID, userID string) (*domain.ProductionMember, error) {
	return scanProductionMember(s.pool.QueryRow(ctx,
		`SELECT production_id, user_id, role, created_at FROM production_members WHERE production_id = $1 AND user_id = $2`,
		productionID, userID))
}

func (s *Store) ListProductionMembers(ctx context.Context, productionID string) ([]*domain.ProductionMember, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT production_id, user_id, role, created_at FROM production_members WHERE production_id = $1 ORDER BY created_at, user_id`,
		productionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*domain.ProductionMember
	for rows.Next() {
		m, err := scanProductionMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) UpdateProductionMemberRole(ctx context.Context, productionID, userID string, role domain.ProductionRole) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE production_members SET role = $3 WHERE production_id = $1 AND user_id = $2`, productionID, userID, string(role))
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteProductionMember(ctx context.Context, productionID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM production_members WHERE production_id = $1 AND user_id = $2`, productionID, userID)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
