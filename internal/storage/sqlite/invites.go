//go:build sqlite

package sqlite

import (
	"context"
	"database/sql"
	"time"

	"stagesuite/internal/domain"
	"stagesuite/internal/storage"
)

const inviteColumns = `id, token, production_id, role, expires_at, max_uses, uses, created_by, created_at`

func scanInvite(row rowScanner) (*domain.Invite, error) {
	var inv domain.Invite
	var role, createdAt string
	var expires sql.NullString
	var maxUses sql.NullInt64
	if err := row.Scan(&inv.ID, &inv.Token, &inv.ProductionID, &role, &expires, &maxUses,
		&inv.Uses, &inv.CreatedBy, &createdAt); err != nil {
		return nil, notFound(err)
	}
	inv.Role = domain.ProductionRole(role)
	inv.ExpiresAt = scanNullTime(expires)
	if maxUses.Valid {
		n := int(maxUses.Int64)
		inv.MaxUses = &n
	}
	inv.CreatedAt = parseTime(createdAt)
	return &inv, nil
}

func (s *Store) CreateInvite(ctx context.Context, inv *domain.Invite) error {
	if inv == nil || inv.ID == "" || inv.Token == "" || inv.ProductionID == "" {
		return storage.ErrValidation
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now()
	}
	var maxUses any
	if inv.MaxUses != nil {
		maxUses = *inv.MaxUses
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invites (`+inviteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Token, inv.ProductionID, string(inv.Role), nullTime(inv.ExpiresAt), maxUses,
		inv.Uses, inv.CreatedBy, formatTime(inv.CreatedAt))
	return storage.WrapIfConflict(err)
}

func (s *Store) GetInviteByToken(ctx context.Context, token string) (*domain.Invite, error) {
	return getInviteByToken(ctx, s.db, token)
}

func getInviteByToken(ctx context.Context, q queryer, token string) (*domain.Invite, error) {
	return scanInvite(q.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE token = ?`, token))
}

func (s *Store) ListInvites(ctx context.Context, productionID string) ([]*domain.Invite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE production_id = ? ORDER BY created_at DESC, id`, productionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// WithInviteTx runs fn under BEGIN IMMEDIATE so acceptances are serialized on
// the database write lock.
func (s *Store) WithInviteTx(ctx context.Context, fn func(tx storage.InviteTx) error) error {
	return s.withImmediate(ctx, func(q queryer) error {
		return fn(&inviteTx{q: q, now: s.now})
	})
}

type inviteTx struct {
	q   queryer
	now func() time.Time
}

func (t *inviteTx) GetInviteByToken(ctx context.Context, token string) (*domain.Invite, error) {
	return getInviteByToken(ctx, t.q, token)
}

func (t *inviteTx) GetProduction(ctx context.Context, id string) (*domain.Production, error) {
	return getProduction(ctx, t.q, id)
}

func (t *inviteTx) ClaimInviteUse(ctx context.Context, inviteID string, now time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE invites SET uses = uses + 1
		 WHERE id = ? AND (max_uses IS NULL OR uses < max_uses) AND (expires_at IS NULL OR expires_at > ?)`,
		inviteID, formatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *inviteTx) EnsureProductionMember(ctx context.Context, m *domain.ProductionMember) error {
	if m == nil || m.ProductionID == "" || m.UserID == "" {
		return storage.ErrValidation
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = t.now()
	}
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO production_members (production_id, user_id, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(production_id, user_id) DO NOTHING`,
		m.ProductionID, m.UserID, string(m.Role), formatTime(created))
	return err
}

func (t *inviteTx) EnsureMembership(ctx context.Context, m *domain.Membership) error {
	if m == nil || m.UserID == "" || m.OrganisationID == "" {
		return storage.ErrValidation
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = t.now()
	}
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO memberships (user_id, organisation_id, role, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, organisation_id) DO NOTHING`,
		m.UserID, m.OrganisationID, string(m.Role), formatTime(created))
	return err
}
