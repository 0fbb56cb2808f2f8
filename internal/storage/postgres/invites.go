//go:build postgres

package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"stagesuite/internal/domain"
	"stagesuite/internal/storage"
)

const inviteColumns = `id, token, production_id, role, expires_at, max_uses, uses, created_by, created_at`

func scanInvite(row pgx.Row) (*domain.Invite, error) {
	var inv domain.Invite
	var role string
	var maxUses *int32
	if err := row.Scan(&inv.ID, &inv.Token, &inv.ProductionID, &role, &inv.ExpiresAt, &maxUses,
		&inv.Uses, &inv.CreatedBy, &inv.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	inv.Role = domain.ProductionRole(role)
	if maxUses != nil {
		n := int(*maxUses)
		inv.MaxUses = &n
	}
	return &inv, nil
}

func (s *Store) CreateInvite(ctx context.Context, inv *domain.Invite) error {
	if inv == nil || inv.ID == "" || inv.Token == "" || inv.ProductionID == "" {
		return storage.ErrValidation
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO invites (`+inviteColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inv.ID, inv.Token, inv.ProductionID, string(inv.Role), inv.ExpiresAt, inv.MaxUses,
		inv.Uses, inv.CreatedBy, inv.CreatedAt)
	return mapErr(err)
}

func (s *Store) GetInviteByToken(ctx context.Context, token string) (*domain.Invite, error) {
	return scanInvite(s.pool.QueryRow(ctx, `SELECT `+inviteColumns+` FROM invites WHERE token = $1`, token))
}

func (s *Store) ListInvites(ctx context.Context, productionID string) ([]*domain.Invite, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+inviteColumns+` FROM invites WHERE production_id = $1 ORDER BY created_at DESC, id`, productionID)
	if err != nil {
		return nil, mapErr(err)
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
	return out, mapErr(rows.Err())
}

// WithInviteTx runs fn in a READ COMMITTED transaction. Row locks taken by
// GetInviteByToken plus the guarded UPDATE in ClaimInviteUse keep concurrent
// acceptances from over-claiming.
func (s *Store) WithInviteTx(ctx context.Context, fn func(tx storage.InviteTx) error) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return fn(&inviteTx{tx: tx})
	})
}

type inviteTx struct {
	tx pgx.Tx
}

func (t *inviteTx) GetInviteByToken(ctx context.Context, token string) (*domain.Invite, error) {
	return scanInvite(t.tx.QueryRow(ctx, `SELECT `+inviteColumns+` FROM invites WHERE token = $1 FOR UPDATE`, token))
}

func (t *inviteTx) GetProduction(ctx context.Context, id string) (*domain.Production, error) {
	return getProduction(ctx, t.tx, id, true)
}

func (t *inviteTx) ClaimInviteUse(ctx context.Context, inviteID string, now time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE invites SET uses = uses + 1
		 WHERE id = $1 AND (max_uses IS NULL OR uses < max_uses) AND (expires_at IS NULL OR expires_at > $2)`,
		inviteID, now)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *inviteTx) EnsureProductionMember(ctx context.Context, m *domain.ProductionMember) error {
	if m == nil || m.ProductionID == "" || m.UserID == "" {
		return storage.ErrValidation
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO production_members (production_id, user_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (production_id, user_id) DO NOTHING`,
		m.ProductionID, m.UserID, string(m.Role))
	return mapErr(err)
}

func (t *inviteTx) EnsureMembership(ctx context.Context, m *domain.Membership) error {
	if m == nil || m.UserID == "" || m.OrganisationID == "" {
		return storage.ErrValidation
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO memberships (user_id, organisation_id, role) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, organisation_id) DO NOTHING`,
		m.UserID, m.OrganisationID, string(m.Role))
	return mapErr(err)
}
