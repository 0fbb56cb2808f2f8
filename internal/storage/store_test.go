package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"stagesuite/internal/domain"
)

func seedOrg(t *testing.T, m *MemoryStore, orgID, adminID string) {
	t.Helper()
	if err := m.CreateOrganisationWithAdmin(context.Background(), &domain.Organisation{ID: orgID, Name: "Org " + orgID}, adminID); err != nil {
		t.Fatalf("CreateOrganisationWithAdmin(%s): %v", orgID, err)
	}
}

func TestMemoryStore_SaveIdentityConfigReplacesDomains(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedOrg(t, m, "org-1", "u1")

	saved, err := m.SaveIdentityConfig(ctx, &domain.TenantIdentityConfig{
		OrganisationID: "org-1", Provider: domain.ProviderEntra, ClientID: "cid", ClientSecretEncrypted: "env", Enabled: true,
	}, []string{"a.example", "b.example"})
	if err != nil {
		t.Fatalf("SaveIdentityConfig: %v", err)
	}
	if saved.ID == "" || saved.CreatedAt.IsZero() {
		t.Fatalf("expected ID and CreatedAt to be populated, got %+v", saved)
	}

	again, err := m.SaveIdentityConfig(ctx, &domain.TenantIdentityConfig{
		OrganisationID: "org-1", Provider: domain.ProviderEntra, ClientID: "cid2", ClientSecretEncrypted: "env2", Enabled: true,
	}, []string{"c.example"})
	if err != nil {
		t.Fatalf("second SaveIdentityConfig: %v", err)
	}
	if again.ID != saved.ID {
		t.Errorf("config ID changed on upsert: %s -> %s", saved.ID, again.ID)
	}

	domains, _ := m.ListDomains(ctx, "org-1")
	if len(domains) != 1 || domains[0] != "c.example" {
		t.Errorf("domains = %v, want [c.example]", domains)
	}
	if _, err := m.LookupDomain(ctx, "a.example"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old domain still routed: %v", err)
	}
}

func TestMemoryStore_DomainOwnedByOtherOrgConflicts(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedOrg(t, m, "org-1", "u1")
	seedOrg(t, m, "org-2", "u2")

	if _, err := m.SaveIdentityConfig(ctx, &domain.TenantIdentityConfig{OrganisationID: "org-1", Provider: domain.ProviderOkta, Enabled: true}, []string{"shared.example"}); err != nil {
		t.Fatalf("save org-1: %v", err)
	}
	_, err := m.SaveIdentityConfig(ctx, &domain.TenantIdentityConfig{OrganisationID: "org-2", Provider: domain.ProviderOkta, Enabled: true}, []string{"other.example", "shared.example"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := m.GetIdentityConfig(ctx, "org-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("conflicting save left a config behind: %v", err)
	}
	if _, err := m.LookupDomain(ctx, "other.example"); !errors.Is(err, ErrNotFound) {
		t.Errorf("conflicting save left a domain behind: %v", err)
	}
}

func TestMemoryStore_ListEnabledIdentityConfigs(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedOrg(t, m, "org-1", "u1")
	seedOrg(t, m, "org-2", "u2")

	_, _ = m.SaveIdentityConfig(ctx, &domain.TenantIdentityConfig{OrganisationID: "org-1", Provider: domain.ProviderEntra, Enabled: true}, []string{"one.example"})
	_, _ = m.SaveIdentityConfig(ctx, &domain.TenantIdentityConfig{OrganisationID: "org-2", Provider: domain.ProviderEntra, Enabled: false}, []string{"two.example"})

	got, err := m.ListEnabledIdentityConfigs(ctx)
	if err != nil {
		t.Fatalf("ListEnabledIdentityConfigs: %v", err)
	}
	if len(got) != 1 || got[0].OrganisationID != "org-1" {
		t.Errorf("expected only org-1 enabled, got %+v", got)
	}
}

func TestMemoryStore_BootstrapConflict(t *testing.T) {
	m := NewMemoryStore()
	seedOrg(t, m, "org-1", "u1")

	err := m.CreateOrganisationWithAdmin(context.Background(), &domain.Organisation{ID: "org-2", Name: "Second"}, "u1")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for second organisation, got %v", err)
	}
}

func TestMemoryStore_UpdateOrganisation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedOrg(t, m, "org-1", "u1")
	before, _ := m.GetOrganisation(ctx, "org-1")

	if err := m.UpdateOrganisation(ctx, &domain.Organisation{ID: "org-1", Name: "Renamed", Description: "Touring"}); err != nil {
		t.Fatalf("UpdateOrganisation: %v", err)
	}
	got, _ := m.GetOrganisation(ctx, "org-1")
	if got.Name != "Renamed" || got.Description != "Touring" || !got.CreatedAt.Equal(before.CreatedAt) {
		t.Errorf("after update = %+v", got)
	}
	if err := m.UpdateOrganisation(ctx, &domain.Organisation{ID: "missing", Name: "X"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown org: expected ErrNotFound, got %v", err)
	}
	if err := m.UpdateOrganisation(ctx, &domain.Organisation{ID: "org-1"}); !errors.Is(err, ErrValidation) {
		t.Errorf("empty name: expected ErrValidation, got %v", err)
	}
}

func TestMemoryStore_UpsertUserByEmail(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	u1, err := m.UpsertUserByEmail(ctx, "Ada@Example.com", "Ada")
	if err != nil {
		t.Fatalf("UpsertUserByEmail: %v", err)
	}
	u2, err := m.UpsertUserByEmail(ctx, "ada@example.com", "")
	if err != nil {
		t.Fatalf("UpsertUserByEmail again: %v", err)
	}
	if u1.ID != u2.ID {
		t.Errorf("expected same user, got %s and %s", u1.ID, u2.ID)
	}
	if u2.Name != "Ada" {
		t.Errorf("empty name should not overwrite, got %q", u2.Name)
	}
}

func newInviteFixture(t *testing.T, maxUses *int, expires *time.Time) (*MemoryStore, *domain.Invite) {
	t.Helper()
	ctx := context.Background()
	m := NewMemoryStore()
	seedOrg(t, m, "org-1", "admin")
	if err := m.CreateProductionWithDirector(ctx, &domain.Production{ID: "prod-1", OrganisationID: "org-1", Name: "Show"}, "admin"); err != nil {
		t.Fatalf("CreateProductionWithDirector: %v", err)
	}
	inv := &domain.Invite{ID: "inv-1", Token: "tok", ProductionID: "prod-1", Role: domain.RoleCast, MaxUses: maxUses, ExpiresAt: expires, CreatedBy: "admin"}
	if err := m.CreateInvite(ctx, inv); err != nil {
		t.Fatalf("CreateInvite: %v", err)
	}
	return m, inv
}

func TestMemoryStore_InviteTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m, inv := newInviteFixture(t, nil, nil)
	boom := errors.New("boom")

	err := m.WithInviteTx(ctx, func(tx InviteTx) error {
		if ok, err := tx.ClaimInviteUse(ctx, inv.ID, time.Now()); err != nil || !ok {
			t.Fatalf("ClaimInviteUse: ok=%v err=%v", ok, err)
		}
		if err := tx.EnsureProductionMember(ctx, &domain.ProductionMember{ProductionID: "prod-1", UserID: "u9", Role: domain.RoleCast}); err != nil {
			t.Fatalf("EnsureProductionMember: %v", err)
		}
		if err := tx.EnsureMembership(ctx, &domain.Membership{UserID: "u9", OrganisationID: "org-1", Role: domain.OrgRoleMember}); err != nil {
			t.Fatalf("EnsureMembership: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := m.GetInviteByToken(ctx, "tok")
	if got.Uses != 0 {
		t.Errorf("uses = %d after rollback, want 0", got.Uses)
	}
	if _, err := m.GetProductionMember(ctx, "prod-1", "u9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("production member survived rollback: %v", err)
	}
	if _, err := m.GetMembership(ctx, "u9", "org-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("membership survived rollback: %v", err)
	}
}

func TestMemoryStore_ClaimInviteUseGuard(t *testing.T) {
	ctx := context.Background()
	one := 1
	m, inv := newInviteFixture(t, &one, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithInviteTx(ctx, func(tx InviteTx) error {
				ok, err := tx.ClaimInviteUse(ctx, inv.ID, time.Now())
				if err != nil {
					return err
				}
				if ok {
					mu.Lock()
					claimed++
					mu.Unlock()
				}
				return nil
			})
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("claimed = %d, want exactly 1", claimed)
	}
	got, _ := m.GetInviteByToken(ctx, "tok")
	if got.Uses != 1 {
		t.Errorf("uses = %d, want 1", got.Uses)
	}
}

func TestMemoryStore_ClaimInviteUseExpired(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)
	m, inv := newInviteFixture(t, nil, &past)

	err := m.WithInviteTx(ctx, func(tx InviteTx) error {
		ok, err := tx.ClaimInviteUse(ctx, inv.ID, time.Now())
		if err != nil {
			return err
		}
		if ok {
			t.Errorf("expired invite was claimed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithInviteTx: %v", err)
	}
}

func TestMemoryStore_CopyOnRead(t *testing.T) {
	ctx := context.Background()
	max := 3
	m, _ := newInviteFixture(t, &max, nil)

	got, _ := m.GetInviteByToken(ctx, "tok")
	*got.MaxUses = 99
	got.Uses = 42

	again, _ := m.GetInviteByToken(ctx, "tok")
	if *again.MaxUses != 3 || again.Uses != 0 {
		t.Errorf("stored invite mutated through returned copy: %+v", again)
	}
}
