// Package invite issues and redeems production invite tokens.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stagesuite/internal/audit"
	"stagesuite/internal/domain"
	"stagesuite/internal/observability"
	"stagesuite/internal/storage"
)

// TokenBytes is the number of random bytes in an invite token.
const TokenBytes = 24

// Store is the persistence the manager needs.
type Store interface {
	storage.InviteStore
	storage.ProductionStore
	storage.Transactor
}

// Authorizer decides who may manage a production.
type Authorizer interface {
	CanManage(ctx context.Context, userID string, p *domain.Production) (bool, error)
}

// Manager creates, inspects and accepts invites.
type Manager struct {
	store   Store
	authz   Authorizer
	audit   audit.AuditLogger
	logger  observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
	token   func() (string, error)
}

// Option configures a Manager.
type Option func(*Manager)

func WithAudit(al audit.AuditLogger) Option { return func(m *Manager) { m.audit = al } }

func WithLogger(l observability.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithMetrics(mt *observability.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(store Store, authz Authorizer, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		authz: authz,
		now:   func() time.Time { return time.Now().UTC() },
		token: NewToken,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = observability.Discard()
	}
	m.logger = m.logger.WithComponent("invite")
	return m
}

// NewToken returns TokenBytes of crypto/rand output, hex encoded.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CreateRequest describes a new invite. Role defaults to CAST when empty or unknown.
type CreateRequest struct {
	ProductionID string
	Role         domain.ProductionRole
	ExpiresAt    *time.Time
	MaxUses      *int
	CreatorID    string
}

// Create issues an invite. The creator must be able to manage the production.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*domain.Invite, error) {
	if req.ProductionID == "" {
		return nil, &domain.ValidationError{Field: "production_id", Message: "is required"}
	}
	if req.MaxUses != nil && *req.MaxUses < 1 {
		return nil, &domain.ValidationError{Field: "max_uses", Message: "must be at least 1"}
	}
	now := m.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, &domain.ValidationError{Field: "expires_at", Message: "must be in the future"}
	}

	p, err := m.store.GetProduction(ctx, req.ProductionID)
	if err != nil {
		return nil, err
	}
	ok, err := m.authz.CanManage(ctx, req.CreatorID, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrForbidden
	}

	role := req.Role
	if !domain.IsValidProductionRole(role) {
		role = domain.DefaultInviteRole
	}

	inv := &domain.Invite{
		ID:           uuid.New().String(),
		ProductionID: p.ID,
		Role:         role,
		MaxUses:      req.MaxUses,
		CreatedBy:    req.CreatorID,
		CreatedAt:    now,
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		inv.ExpiresAt = &exp
	}

	// a token collision is astronomically unlikely; retry once anyway
	for attempt := 0; ; attempt++ {
		if inv.Token, err = m.token(); err != nil {
			return nil, err
		}
		err = m.store.CreateInvite(ctx, inv)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt > 0 {
			return nil, fmt.Errorf("create invite: %w", err)
		}
	}

	m.metrics.RecordInviteCreated()
	audit.Record(ctx, m.audit, m.logger, &audit.AuditEvent{
		Actor:          req.CreatorID,
		Action:         audit.ActionCreate,
		ResourceType:   audit.ResourceInvite,
		ResourceID:     inv.ID,
		OrganisationID: p.OrganisationID,
		Details:        map[string]any{"production_id": p.ID, "role": string(role)},
	})
	m.logger.InfoContext(ctx, "invite created", "invite_id", inv.ID, "production_id", p.ID, "role", string(role))
	return inv, nil
}

// Accept redeems token for userID and returns the production id. The use
// counter increment and both membership inserts commit together or not at
// all. Existing memberships are left untouched.
func (m *Manager) Accept(ctx context.Context, token, userID string) (string, error) {
	if token == "" {
		return "", &domain.ValidationError{Field: "token", Message: "is required"}
	}
	if userID == "" {
		return "", &domain.ValidationError{Field: "user_id", Message: "is required"}
	}

	var inv *domain.Invite
	var orgID string
	err := m.store.WithInviteTx(ctx, func(tx storage.InviteTx) error {
		var err error
		inv, err = tx.GetInviteByToken(ctx, token)
		if errors.Is(err, storage.ErrNotFound) {
			return &domain.NotFoundError{Resource: "invite"}
		}
		if err != nil {
			return err
		}

		now := m.now()
		if st := inv.State(now); st != domain.InviteActive {
			return &domain.StateError{State: st}
		}
		claimed, err := tx.ClaimInviteUse(ctx, inv.ID, now)
		if err != nil {
			return err
		}
		if !claimed {
			// another acceptor took the last use between our read and update
			return &domain.StateError{State: lostRaceState(inv, now)}
		}

		p, err := tx.GetProduction(ctx, inv.ProductionID)
		if err != nil {
			return err
		}
		orgID = p.OrganisationID

		if err := tx.EnsureProductionMember(ctx, &domain.ProductionMember{
			ProductionID: p.ID, UserID: userID, Role: inv.Role, CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.EnsureMembership(ctx, &domain.Membership{
			UserID: userID, OrganisationID: p.OrganisationID, Role: domain.OrgRoleMember, CreatedAt: now,
		})
	})

	m.metrics.RecordInviteAccept(acceptOutcome(err))
	if err != nil {
		var serr *domain.StateError
		if errors.As(err, &serr) {
			m.logger.InfoContext(ctx, "invite rejected", "state", string(serr.State), "user_id", userID)
		}
		return "", err
	}

	audit.Record(ctx, m.audit, m.logger, &audit.AuditEvent{
		Actor:          userID,
		Action:         audit.ActionAccept,
		ResourceType:   audit.ResourceInvite,
		ResourceID:     inv.ID,
		OrganisationID: orgID,
		Details:        map[string]any{"production_id": inv.ProductionID, "role": string(inv.Role)},
	})
	m.logger.InfoContext(ctx, "invite accepted", "invite_id", inv.ID, "production_id", inv.ProductionID, "user_id", userID)
	return inv.ProductionID, nil
}

// lostRaceState classifies a rejected claim on an invite that looked active.
func lostRaceState(inv *domain.Invite, now time.Time) domain.InviteState {
	if inv.ExpiresAt != nil && !inv.ExpiresAt.After(now) {
		return domain.InviteExpired
	}
	return domain.InviteExhausted
}

func acceptOutcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrInviteExpired):
		return "expired"
	case errors.Is(err, domain.ErrInviteExhausted):
		return "exhausted"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	}
	return "error"
}

// View is what the invite landing page shows.
type View struct {
	ProductionID   string                `json:"production_id"`
	ProductionName string                `json:"production_name"`
	Role           domain.ProductionRole `json:"role"`
	State          domain.InviteState    `json:"state"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
	UsesRemaining  *int                  `json:"uses_remaining,omitempty"`
}

// Inspect reports an invite's state without consuming it.
func (m *Manager) Inspect(ctx context.Context, token string) (*View, error) {
	inv, err := m.store.GetInviteByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &domain.NotFoundError{Resource: "invite"}
	}
	if err != nil {
		return nil, err
	}
	p, err := m.store.GetProduction(ctx, inv.ProductionID)
	if err != nil {
		return nil, err
	}
	v := &View{
		ProductionID:   p.ID,
		ProductionName: p.Name,
		Role:           inv.Role,
		State:          inv.State(m.now()),
		ExpiresAt:      inv.ExpiresAt,
	}
	if inv.MaxUses != nil {
		left := max(*inv.MaxUses-inv.Uses, 0)
		v.UsesRemaining = &left
	}
	return v, nil
}

// List returns a production's invites, newest first. Managers only.
func (m *Manager) List(ctx context.Context, productionID, actorID string) ([]*domain.Invite, error) {
	p, err := m.store.GetProduction(ctx, productionID)
	if err != nil {
		return nil, err
	}
	ok, err := m.authz.CanManage(ctx, actorID, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrForbidden
	}
	return m.store.ListInvites(ctx, productionID)
}
