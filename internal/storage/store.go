package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stagesuite/internal/domain"
)

type pairKey struct{ a, b string }

// MemoryStore is an in-memory implementation for quick start and tests.
type MemoryStore struct {
	mu sync.RWMutex

	users        map[string]*domain.User
	userByEmail  map[string]string
	orgs         map[string]*domain.Organisation
	memberships  map[pairKey]*domain.Membership // (user, organisation)
	configs      map[string]*domain.TenantIdentityConfig // keyed by organisation ID
	domains      map[string]string                       // domain -> organisation ID
	productions  map[string]*domain.Production
	members      map[pairKey]*domain.ProductionMember // (production, user)
	invites      map[string]*domain.Invite
	inviteTokens map[string]string // token -> invite ID

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*domain.User),
		userByEmail:  make(map[string]string),
		orgs:         make(map[string]*domain.Organisation),
		memberships:  make(map[pairKey]*domain.Membership),
		configs:      make(map[string]*domain.TenantIdentityConfig),
		domains:      make(map[string]string),
		productions:  make(map[string]*domain.Production),
		members:      make(map[pairKey]*domain.ProductionMember),
		invites:      make(map[string]*domain.Invite),
		inviteTokens: make(map[string]string),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// Identity configuration
// =============================================================================

func (m *MemoryStore) GetIdentityConfig(_ context.Context, organisationID string) (*domain.TenantIdentityConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.configs[organisationID]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *c
	return &cpy, nil
}

func (m *MemoryStore) ListEnabledIdentityConfigs(_ context.Context) ([]*domain.TenantIdentityConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.TenantIdentityConfig
	for _, c := range m.configs {
		if c.Enabled {
			cpy := *c
			out = append(out, &cpy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveIdentityConfig(_ context.Context, cfg *domain.TenantIdentityConfig, domains []string) (*domain.TenantIdentityConfig, error) {
	if cfg == nil || cfg.OrganisationID == "" {
		return nil, ErrValidation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[cfg.OrganisationID]; !ok {
		return nil, ErrNotFound
	}
	for _, d := range domains {
		if owner, taken := m.domains[d]; taken && owner != cfg.OrganisationID {
			return nil, ErrConflict
		}
	}

	now := m.now()
	stored := *cfg
	if existing, ok := m.configs[cfg.OrganisationID]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.New().String()
		}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.configs[cfg.OrganisationID] = &stored

	for d, owner := range m.domains {
		if owner == cfg.OrganisationID {
			delete(m.domains, d)
		}
	}
	for _, d := range domains {
		m.domains[d] = cfg.OrganisationID
	}

	out := stored
	return &out, nil
}

func (m *MemoryStore) ListDomains(_ context.Context, organisationID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []string{}
	for d, owner := range m.domains {
		if owner == organisationID {
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) LookupDomain(_ context.Context, domainName string) (*domain.TenantDomain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owner, ok := m.domains[domainName]
	if !ok {
		return nil, ErrNotFound
	}
	return &domain.TenantDomain{Domain: domainName, OrganisationID: owner}, nil
}

// =============================================================================
// Users
// =============================================================================

func (m *MemoryStore) UpsertUserByEmail(_ context.Context, email, name string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrValidation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.userByEmail[email]; ok {
		u := m.users[id]
		if name != "" {
			u.Name = name
		}
		cpy := *u
		return &cpy, nil
	}
	u := &domain.User{ID: uuid.New().String(), Email: email, Name: name, CreatedAt: m.now()}
	m.users[u.ID] = u
	m.userByEmail[email] = u.ID
	cpy := *u
	return &cpy, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *u
	return &cpy, nil
}

// =============================================================================
// Organisations
// =============================================================================

func (m *MemoryStore) CreateOrganisationWithAdmin(_ context.Context, org *domain.Organisation, userID string) error {
	if org == nil || org.ID == "" || org.Name == "" || userID == "" {
		return ErrValidation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orgs[org.ID]; exists {
		return ErrConflict
	}
	for k := range m.memberships {
		if k.a == userID {
			return ErrConflict
		}
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = m.now()
	}
	cpy := *org
	m.orgs[org.ID] = &cpy
	m.memberships[pairKey{userID, org.ID}] = &domain.Membership{
		UserID:         userID,
		OrganisationID: org.ID,
		Role:           domain.OrgRoleAdmin,
		CreatedAt:      org.CreatedAt,
	}
	return nil
}

func (m *MemoryStore) GetOrganisation(_ context.Context, id string) (*domain.Organisation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *o
	return &cpy, nil
}

func (m *MemoryStore) UpdateOrganisation(_ context.Context, org *domain.Organisation) error {
	if org == nil || org.ID == "" || org.Name == "" {
		return ErrValidation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.orgs[org.ID]
	if !ok {
		return ErrNotFound
	}
	cpy := *org
	cpy.CreatedAt = existing.CreatedAt
	m.orgs[org.ID] = &cpy
	org.CreatedAt = existing.CreatedAt
	return nil
}

func (m *MemoryStore) ListOrganisations(_ context.Context) ([]*domain.Organisation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*domain.Organisation, 0, len(m.orgs))
	for _, o := range m.orgs {
		cpy := *o
		out = append(out, &cpy)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetMembership(_ context.Context, userID, organisationID string) (*domain.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.memberships[pairKey{userID, organisationID}]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *ms
	return &cpy, nil
}

func (m *MemoryStore) ListMembershipsByUser(_ context.Context, userID string) ([]*domain.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Membership
	for k, ms := range m.memberships {
		if k.a == userID {
			cpy := *ms
			out = append(out, &cpy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrganisationID < out[j].OrganisationID })
	return out, nil
}

// =============================================================================
// Productions
// =============================================================================

func (m *MemoryStore) CreateProductionWithDirector(_ context.Context, p *domain.Production, creatorID string) error {
	if p == nil || p.ID == "" || p.OrganisationID == "" || creatorID == "" {
		return ErrValidation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[p.OrganisationID]; !ok {
		return ErrNotFound
	}
	if _, exists := m.productions[p.ID]; exists {
		return ErrConflict
	}
	now := m.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	m.productions[p.ID] = copyProduction(p)
	m.members[pairKey{p.ID, creatorID}] = &domain.ProductionMember{
		ProductionID: p.ID,
		UserID:       creatorID,
		Role:         domain.RoleDirector,
		CreatedAt:    p.CreatedAt,
	}
	return nil
}

func (m *MemoryStore) GetProduction(_ context.Context, id string) (*domain.Production, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getProductionLocked(id)
}

func (m *MemoryStore) getProductionLocked(id string) (*domain.Production, error) {
	p, ok := m.productions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProduction(p), nil
}

func (m *MemoryStore) UpdateProduction(_ context.Context, p *domain.Production) error {
	if p == nil || p.ID == "" {
		return ErrValidation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.productions[p.ID]
	if !ok {
		return ErrNotFound
	}
	next := copyProduction(p)
	next.OrganisationID = existing.OrganisationID
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = m.now()
	m.productions[p.ID] = next
	p.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) ListProductions(_ context.Context, organisationID string) ([]*domain.Production, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Production
	for _, p := range m.productions {
		if p.OrganisationID == organisationID {
			out = append(out, copyProduction(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetProductionMember(_ context.Context, productionID, userID string) (*domain.ProductionMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pm, ok := m.members[pairKey{productionID, userID}]
	if !ok {
		return nil, ErrNotFound
	}
	cpy := *pm
	return &cpy, nil
}

func (m *MemoryStore) ListProductionMembers(_ context.Context, productionID string) ([]*domain.ProductionMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.ProductionMember
	for k, pm := range m.members {
		if k.a == productionID {
			cpy := *pm
			out = append(out, &cpy)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (m *MemoryStore) UpdateProductionMemberRole(_ context.Context, productionID, userID string, role domain.ProductionRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.members[pairKey{productionID, userID}]
	if !ok {
		return ErrNotFound
	}
	pm.Role = role
	return nil
}

func (m *MemoryStore) DeleteProductionMember(_ context.Context, productionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := pairKey{productionID, userID}
	if _, ok := m.members[k]; !ok {
		return ErrNotFound
	}
	delete(m.members, k)
	return nil
}

// =============================================================================
// Invites
// =============================================================================

func (m *MemoryStore) CreateInvite(_ context.Context, inv *domain.Invite) error {
	if inv == nil || inv.ID == "" || inv.Token == "" || inv.ProductionID == "" {
		return ErrValidation
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.productions[inv.ProductionID]; !ok {
		return ErrNotFound
	}
	if _, taken := m.inviteTokens[inv.Token]; taken {
		return ErrConflict
	}
	if _, exists := m.invites[inv.ID]; exists {
		return ErrConflict
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = m.now()
	}
	m.invites[inv.ID] = copyInvite(inv)
	m.inviteTokens[inv.Token] = inv.ID
	return nil
}

func (m *MemoryStore) GetInviteByToken(_ context.Context, token string) (*domain.Invite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getInviteByTokenLocked(token)
}

func (m *MemoryStore) getInviteByTokenLocked(token string) (*domain.Invite, error) {
	id, ok := m.inviteTokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	return copyInvite(m.invites[id]), nil
}

func (m *MemoryStore) ListInvites(_ context.Context, productionID string) ([]*domain.Invite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.Invite
	for _, inv := range m.invites {
		if inv.ProductionID == productionID {
			out = append(out, copyInvite(inv))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// WithInviteTx holds the write lock for the whole of fn, so concurrent
// acceptances are fully serialized. Writes are undone in reverse order if
// fn fails.
func (m *MemoryStore) WithInviteTx(ctx context.Context, fn func(tx InviteTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryInviteTx{m: m}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// memoryInviteTx runs with MemoryStore.mu already held for writing.
type memoryInviteTx struct {
	m    *MemoryStore
	undo []func()
}

func (t *memoryInviteTx) GetInviteByToken(_ context.Context, token string) (*domain.Invite, error) {
	return t.m.getInviteByTokenLocked(token)
}

func (t *memoryInviteTx) GetProduction(_ context.Context, id string) (*domain.Production, error) {
	return t.m.getProductionLocked(id)
}

func (t *memoryInviteTx) ClaimInviteUse(_ context.Context, inviteID string, now time.Time) (bool, error) {
	inv, ok := t.m.invites[inviteID]
	if !ok {
		return false, ErrNotFound
	}
	if inv.MaxUses != nil && inv.Uses >= *inv.MaxUses {
		return false, nil
	}
	if inv.ExpiresAt != nil && !inv.ExpiresAt.After(now) {
		return false, nil
	}
	inv.Uses++
	t.undo = append(t.undo, func() { inv.Uses-- })
	return true, nil
}

func (t *memoryInviteTx) EnsureProductionMember(_ context.Context, pm *domain.ProductionMember) error {
	if pm == nil || pm.ProductionID == "" || pm.UserID == "" {
		return ErrValidation
	}
	k := pairKey{pm.ProductionID, pm.UserID}
	if _, exists := t.m.members[k]; exists {
		return nil
	}
	cpy := *pm
	if cpy.CreatedAt.IsZero() {
		cpy.CreatedAt = t.m.now()
	}
	t.m.members[k] = &cpy
	t.undo = append(t.undo, func() { delete(t.m.members, k) })
	return nil
}

func (t *memoryInviteTx) EnsureMembership(_ context.Context, ms *domain.Membership) error {
	if ms == nil || ms.UserID == "" || ms.OrganisationID == "" {
		return ErrValidation
	}
	k := pairKey{ms.UserID, ms.OrganisationID}
	if _, exists := t.m.memberships[k]; exists {
		return nil
	}
	cpy := *ms
	if cpy.CreatedAt.IsZero() {
		cpy.CreatedAt = t.m.now()
	}
	t.m.memberships[k] = &cpy
	t.undo = append(t.undo, func() { delete(t.m.memberships, k) })
	return nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func copyProduction(p *domain.Production) *domain.Production {
	if p == nil {
		return nil
	}
	cpy := *p
	if p.ManagerRoles != nil {
		cpy.ManagerRoles = append([]domain.ProductionRole(nil), p.ManagerRoles...)
	}
	if p.RehearsalStart != nil {
		t := *p.RehearsalStart
		cpy.RehearsalStart = &t
	}
	if p.RehearsalEnd != nil {
		t := *p.RehearsalEnd
		cpy.RehearsalEnd = &t
	}
	return &cpy
}

func copyInvite(inv *domain.Invite) *domain.Invite {
	if inv == nil {
		return nil
	}
	cpy := *inv
	if inv.ExpiresAt != nil {
		t := *inv.ExpiresAt
		cpy.ExpiresAt = &t
	}
	if inv.MaxUses != nil {
		n := *inv.MaxUses
		cpy.MaxUses = &n
	}
	return &cpy
}
