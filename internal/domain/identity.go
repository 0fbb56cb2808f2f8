package domain

import (
	"strings"
	"time"
)

// ProviderKind identifies the identity provider product behind a tenant configuration.
type ProviderKind string

const (
	ProviderEntra           ProviderKind = "ENTRA"
	ProviderOkta            ProviderKind = "OKTA"
	ProviderGoogleWorkspace ProviderKind = "GOOGLE_WORKSPACE"
)

// ProviderKinds lists all supported provider kinds.
var ProviderKinds = []ProviderKind{ProviderEntra, ProviderOkta, ProviderGoogleWorkspace}

// IsValidProviderKind reports whether k is a supported provider kind.
func IsValidProviderKind(k ProviderKind) bool {
	for _, v := range ProviderKinds {
		if v == k {
			return true
		}
	}
	return false
}

// ParseProviderKind converts s to a ProviderKind. Matching is case sensitive.
func ParseProviderKind(s string) (ProviderKind, error) {
	k := ProviderKind(strings.TrimSpace(s))
	if !IsValidProviderKind(k) {
		return "", &ValidationError{Field: "provider", Message: "must be one of ENTRA, OKTA, GOOGLE_WORKSPACE"}
	}
	return k, nil
}

// TenantIdentityConfig is an organisation's single sign-on configuration.
// An organisation has at most one.
type TenantIdentityConfig struct {
	ID                    string       `json:"id"`
	OrganisationID        string       `json:"organisation_id"`
	Provider              ProviderKind `json:"provider"`
	ClientID              string       `json:"client_id"`
	ClientSecretEncrypted string       `json:"-"`
	Issuer                string       `json:"issuer,omitempty"`
	DirectoryID           string       `json:"directory_id,omitempty"`
	Enabled               bool         `json:"enabled"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// TenantDomain routes an email domain to exactly one organisation.
type TenantDomain struct {
	Domain         string `json:"domain"`
	OrganisationID string `json:"organisation_id"`
}

// NormalizeDomain lower-cases and trims a domain string.
func NormalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

// IsValidDomain does a shallow syntax check on a normalized domain.
func IsValidDomain(d string) bool {
	if d == "" || len(d) > 253 {
		return false
	}
	if strings.ContainsAny(d, "@/ \t") || !strings.Contains(d, ".") {
		return false
	}
	if strings.HasPrefix(d, ".") || strings.HasSuffix(d, ".") || strings.Contains(d, "..") {
		return false
	}
	return true
}

// NormalizeDomains normalizes, drops empties and removes duplicates while keeping order.
func NormalizeDomains(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, d := range in {
		n := NormalizeDomain(d)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// User is a signed-in person. Email is unique across users.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
