package federation

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"stagesuite/internal/auth/oidc"
	"stagesuite/internal/domain"
	"stagesuite/internal/storage"
)

func newVault(t *testing.T) *oidc.Vault {
	t.Helper()
	key, err := oidc.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := oidc.NewVault(key)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

// newOrg creates an organisation with a fresh admin and returns its id.
func newOrg(t *testing.T, store *storage.MemoryStore, name string) string {
	t.Helper()
	ctx := context.Background()
	admin, err := store.UpsertUserByEmail(ctx, "admin-"+uuid.NewString()+"@stagesuite.test", "Admin")
	if err != nil {
		t.Fatalf("UpsertUserByEmail: %v", err)
	}
	org := &domain.Organisation{ID: uuid.NewString(), Name: name}
	if err := store.CreateOrganisationWithAdmin(ctx, org, admin.ID); err != nil {
		t.Fatalf("CreateOrganisationWithAdmin: %v", err)
	}
	return org.ID
}

// saveConfig stores cfg for orgID with its secret sealed by vault.
func saveConfig(t *testing.T, store *storage.MemoryStore, vault *oidc.Vault, cfg domain.TenantIdentityConfig, secret string, domains ...string) *domain.TenantIdentityConfig {
	t.Helper()
	env, err := vault.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	cfg.ClientSecretEncrypted = env
	stored, err := store.SaveIdentityConfig(context.Background(), &cfg, domains)
	if err != nil {
		t.Fatalf("SaveIdentityConfig: %v", err)
	}
	return stored
}
