package storage

import (
	"context"
	"time"

	"stagesuite/internal/domain"
)

// IdentityConfigStore persists per-organisation SSO configuration and the
// email domains routed to each organisation.
type IdentityConfigStore interface {
	// GetIdentityConfig returns the organisation's config or ErrNotFound.
	GetIdentityConfig(ctx context.Context, organisationID string) (*domain.TenantIdentityConfig, error)

	// ListEnabledIdentityConfigs returns every enabled config across all organisations.
	ListEnabledIdentityConfigs(ctx context.Context) ([]*domain.TenantIdentityConfig, error)

	// SaveIdentityConfig upserts the organisation's config and replaces its
	// domain set in one transaction. The stored config is returned with ID
	// and CreatedAt populated. A domain owned by a different organisation
	// yields ErrConflict and nothing is written.
	SaveIdentityConfig(ctx context.Context, cfg *domain.TenantIdentityConfig, domains []string) (*domain.TenantIdentityConfig, error)

	// ListDomains returns the organisation's domains in lexical order.
	ListDomains(ctx context.Context, organisationID string) ([]string, error)

	// LookupDomain returns the routing entry for a normalized domain or ErrNotFound.
	LookupDomain(ctx context.Context, domainName string) (*domain.TenantDomain, error)
}

// UserStore persists signed-in users.
type UserStore interface {
	// UpsertUserByEmail returns the user with the given email, creating it if needed.
	// A non-empty name replaces the stored name.
	UpsertUserByEmail(ctx context.Context, email, name string) (*domain.User, error)

	GetUser(ctx context.Context, id string) (*domain.User, error)
}

// OrganisationStore persists organisations and organisation memberships.
type OrganisationStore interface {
	// CreateOrganisationWithAdmin inserts org and an ADMIN membership for userID
	// atomically. ErrConflict if the user already belongs to any organisation.
	CreateOrganisationWithAdmin(ctx context.Context, org *domain.Organisation, userID string) error

	GetOrganisation(ctx context.Context, id string) (*domain.Organisation, error)
	// UpdateOrganisation replaces the profile fields of org.ID. ID and
	// CreatedAt are kept from the stored row.
	UpdateOrganisation(ctx context.Context, org *domain.Organisation) error
	ListOrganisations(ctx context.Context) ([]*domain.Organisation, error)

	// GetMembership returns ErrNotFound when the user is not a member.
	GetMembership(ctx context.Context, userID, organisationID string) (*domain.Membership, error)
	ListMembershipsByUser(ctx context.Context, userID string) ([]*domain.Membership, error)
}

// ProductionStore persists productions and their members.
type ProductionStore interface {
	// CreateProductionWithDirector inserts p and seeds creatorID as DIRECTOR atomically.
	CreateProductionWithDirector(ctx context.Context, p *domain.Production, creatorID string) error

	GetProduction(ctx context.Context, id string) (*domain.Production, error)
	UpdateProduction(ctx context.Context, p *domain.Production) error
	ListProductions(ctx context.Context, organisationID string) ([]*domain.Production, error)

	GetProductionMember(ctx context.Context, productionID, userID string) (*domain.ProductionMember, error)
	ListProductionMembers(ctx context.Context, productionID string) ([]*domain.ProductionMember, error)
	UpdateProductionMemberRole(ctx context.Context, productionID, userID string, role domain.ProductionRole) error
	DeleteProductionMember(ctx context.Context, productionID, userID string) error
}

// InviteStore persists invites outside the acceptance transaction.
type InviteStore interface {
	// CreateInvite inserts inv. ErrConflict on token collision.
	CreateInvite(ctx context.Context, inv *domain.Invite) error
	GetInviteByToken(ctx context.Context, token string) (*domain.Invite, error)
	ListInvites(ctx context.Context, productionID string) ([]*domain.Invite, error)
}

// InviteTx is the set of operations available inside an invite acceptance
// transaction. Writes are visible to later calls on the same InviteTx and
// are discarded if the transaction function returns an error.
type InviteTx interface {
	// GetInviteByToken reads the invite, locking the row where the backend supports it.
	GetInviteByToken(ctx context.Context, token string) (*domain.Invite, error)

	GetProduction(ctx context.Context, id string) (*domain.Production, error)

	// ClaimInviteUse increments uses only if the invite is still usable at now.
	// It reports false when the guard rejected the update.
	ClaimInviteUse(ctx context.Context, inviteID string, now time.Time) (bool, error)

	// EnsureProductionMember inserts m unless the (production, user) pair exists.
	EnsureProductionMember(ctx context.Context, m *domain.ProductionMember) error

	// EnsureMembership inserts m unless the (user, organisation) pair exists.
	EnsureMembership(ctx context.Context, m *domain.Membership) error
}

// Transactor runs fn inside one store transaction. If fn returns an error,
// every write made through tx is rolled back and the error is returned as is.
type Transactor interface {
	WithInviteTx(ctx context.Context, fn func(tx InviteTx) error) error
}

// HealthCheck provides database health information.
type HealthCheck interface {
	Ping(ctx context.Context) error
}

// Store aggregates every persistence concern of the service.
type Store interface {
	IdentityConfigStore
	UserStore
	OrganisationStore
	ProductionStore
	InviteStore
	Transactor
	HealthCheck

	// Close releases resources held by the store
	Close() error
}
