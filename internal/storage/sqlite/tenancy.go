//go:build sqlite

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

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
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE users.name END
		 RETURNING id, email, name, created_at`,
		uuid.New().String(), email, name, formatTime(s.now()),
	).Scan(&u.ID, &u.Email, &u.Name, &createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	var createdAt string
	if err := s.db.QueryRowContext(ctx, `SELECT id, email, name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name, &createdAt); err != nil {
		return nil, notFound(err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// =============================================================================
// Organisations
// =============================================================================

const orgColumns = `id, name, primary_location, description, contact_email, created_at`

func scanOrganisation(row rowScanner) (*domain.Organisation, error) {
	var o domain.Organisation
	var createdAt string
	if err := row.Scan(&o.ID, &o.Name, &o.PrimaryLocation, &o.Description, &o.ContactEmail, &createdAt); err != nil {
		return nil, notFound(err)
	}
	o.CreatedAt = parseTime(createdAt)
	return &o, nil
}

func (s *Store) CreateOrganisationWithAdmin(ctx context.Context, org *domain.Organisation, userID string) error {
	if org == nil || org.ID == "" || org.Name == "" || userID == "" {
		return storage.ErrValidation
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = s.now()
	}
	return s.withImmediate(ctx, func(q queryer) error {
		var n int
		if err := q.QueryRowContext(ctx, `SELECT COUNT(1) FROM memberships WHERE user_id = ?`, userID).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return storage.ErrConflict
		}
		ts := formatTime(org.CreatedAt)
		if _, err := q.ExecContext(ctx,
			`INSERT INTO organisations (`+orgColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			org.ID, org.Name, org.PrimaryLocation, org.Description, org.ContactEmail, ts,
		); err != nil {
			return storage.WrapIfConflict(err)
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO memberships (user_id, organisation_id, role, created_at) VALUES (?, ?, ?, ?)`,
			userID, org.ID, string(domain.OrgRoleAdmin), ts)
		return storage.WrapIfConflict(err)
	})
}

func (s *Store) GetOrganisation(ctx context.Context, id string) (*domain.Organisation, error) {
	return scanOrganisation(s.db.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM organisations WHERE id = ?`, id))
}

func (s *Store) UpdateOrganisation(ctx context.Context, org *domain.Organisation) error {
	if org == nil || org.ID == "" || org.Name == "" {
		return storage.ErrValidation
	}
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`UPDATE organisations SET name = ?, primary_location = ?, description = ?, contact_email = ?
		 WHERE id = ? RETURNING created_at`,
		org.Name, org.PrimaryLocation, org.Description, org.ContactEmail, org.ID,
	).Scan(&createdAt)
	if err != nil {
		return notFound(err)
	}
	org.CreatedAt = parseTime(createdAt)
	return nil
}

func (s *Store) ListOrganisations(ctx context.Context) ([]*domain.Organisation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orgColumns+` FROM organisations ORDER BY created_at, id`)
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

func scanMembership(row rowScanner) (*domain.Membership, error) {
	var m domain.Membership
	var role, createdAt string
	if err := row.Scan(&m.UserID, &m.OrganisationID, &role, &createdAt); err != nil {
		return nil, notFound(err)
	}
	m.Role = domain.OrgRole(role)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func (s *Store) GetMembership(ctx context.Context, userID, organisationID string) (*domain.Membership, error) {
	return scanMembership(s.db.QueryRowContext(ctx,
		`SELECT user_id, organisation_id, role, created_at FROM memberships WHERE user_id = ? AND organisation_id = ?`,
		userID, organisationID))
}

func (s *Store) ListMembershipsByUser(ctx context.Context, userID string) ([]*domain.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, organisation_id, role, created_at FROM memberships WHERE user_id = ? ORDER BY organisation_id`, userID)
	if err != nil {
		return nil, err
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
	return out, rows.Err()
}

// =============================================================================
// Productions
// =============================================================================

const productionColumns = `id, organisation_id, name, description, venue, rehearsal_start, rehearsal_end, manager_roles, created_at, updated_at`

func encodeRoles(roles []domain.ProductionRole) (string, error) {
	if roles == nil {
		roles = []domain.ProductionRole{}
	}
	b, err := json.Marshal(roles)
	return string(b), err
}

func scanProduction(row rowScanner) (*domain.Production, error) {
	var p domain.Production
	var start, end sql.NullString
	var roles, createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.OrganisationID, &p.Name, &p.Description, &p.Venue,
		&start, &end, &roles, &createdAt, &updatedAt); err != nil {
		return nil, notFound(err)
	}
	p.RehearsalStart = scanNullTime(start)
	p.RehearsalEnd = scanNullTime(end)
	if roles != "" {
		_ = json.Unmarshal([]byte(roles), &p.ManagerRoles)
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

func (s *Store) CreateProductionWithDirector(ctx context.Context, p *domain.Production, creatorID string) error {
	if p == nil || p.ID == "" || p.OrganisationID == "" || creatorID == "" {
		return storage.ErrValidation
	}
	roles, err := encodeRoles(p.ManagerRoles)
	if err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	p.UpdatedAt = p.CreatedAt
	ts := formatTime(p.CreatedAt)

	return s.withImmediate(ctx, func(q queryer) error {
		var one int
		if err := q.QueryRowContext(ctx, `SELECT 1 FROM organisations WHERE id = ?`, p.OrganisationID).Scan(&one); err != nil {
			return notFound(err)
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO productions (`+productionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.OrganisationID, p.Name, p.Description, p.Venue,
			nullTime(p.RehearsalStart), nullTime(p.RehearsalEnd), roles, ts, ts,
		); err != nil {
			return storage.WrapIfConflict(err)
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO production_members (production_id, user_id, role, created_at) VALUES (?, ?, ?, ?)`,
			p.ID, creatorID, string(domain.RoleDirector), ts)
		return storage.WrapIfConflict(err)
	})
}

func (s *Store) GetProduction(ctx context.Context, id string) (*domain.Production, error) {
	return getProduction(ctx, s.db, id)
}

func getProduction(ctx context.Context, q queryer, id string) (*domain.Production, error) {
	return scanProduction(q.QueryRowContext(ctx, `SELECT `+productionColumns+` FROM productions WHERE id = ?`, id))
}

func (s *Store) UpdateProduction(ctx context.Context, p *domain.Production) error {
	if p == nil || p.ID == "" {
		return storage.ErrValidation
	}
	roles, err := encodeRoles(p.ManagerRoles)
	if err != nil {
		return err
	}
	p.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE productions SET name = ?, description = ?, venue = ?, rehearsal_start = ?, rehearsal_end = ?, manager_roles = ?, updated_at = ?
		 WHERE id = ?`,
		p.Name, p.Description, p.Venue, nullTime(p.RehearsalStart), nullTime(p.RehearsalEnd), roles, formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListProductions(ctx context.Context, organisationID string) ([]*domain.Production, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productionColumns+` FROM productions WHERE organisation_id = ? ORDER BY created_at, id`, organisationID)
	if err != nil {
		return nil, err
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
	return out, rows.Err()
}

func scanProductionMember(row rowScanner) (*domain.ProductionMember, error) {
	var m domain.ProductionMember
	var role, createdAt string
	if err := row.Scan(&m.ProductionID, &m.UserID, &role, &createdAt); err != nil {
		return nil, notFound(err)
	}
	m.Role = domain.ProductionRole(role)
	m.CreatedAt = parseTime(createdAt)
	return &m, nil
}

func (s *Store) GetProductionMember(ctx context.Context, productionID, userID string) (*domain.ProductionMember, error) {
	return scanProductionMember(s.db.QueryRowContext(ctx,
		`SELECT production_id, user_id, role, created_at FROM production_members WHERE production_id = ? AND user_id = ?`,
		productionID, userID))
}

func (s *Store) ListProductionMembers(ctx context.Context, productionID string) ([]*domain.ProductionMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT production_id, user_id, role, created_at FROM production_members WHERE production_id = ? ORDER BY created_at, user_id`,
		productionID)
	if err != nil {
		return nil, err
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
	return out, rows.Err()
}

func (s *Store) UpdateProductionMemberRole(ctx context.Context, productionID, userID string, role domain.ProductionRole) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE production_members SET role = ? WHERE production_id = ? AND user_id = ?`, string(role), productionID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteProductionMember(ctx context.Context, productionID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM production_members WHERE production_id = ? AND user_id = ?`, productionID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
