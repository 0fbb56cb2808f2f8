// Package federation builds the set of identity providers usable for sign-in
// and routes email addresses to the provider of the owning organisation.
package federation

import (
	"strings"

	"stagesuite/internal/domain"
)

// ProviderID returns the stable provider id for a tenant identity config:
// entra-{id}, okta-{id} or google-workspace-{id}. The same row always maps
// to the same id, so ids handed out by the resolver stay valid for sign-in.
func ProviderID(kind domain.ProviderKind, configID string) string {
	return kindSlug(kind) + "-" + configID
}

func kindSlug(kind domain.ProviderKind) string {
	switch kind {
	case domain.ProviderEntra:
		return "entra"
	case domain.ProviderOkta:
		return "okta"
	case domain.ProviderGoogleWorkspace:
		return "google-workspace"
	}
	return strings.ToLower(strings.ReplaceAll(string(kind), "_", "-"))
}

// IsDynamicProviderID reports whether id has the shape produced by ProviderID.
func IsDynamicProviderID(id string) bool {
	for _, k := range domain.ProviderKinds {
		prefix := kindSlug(k) + "-"
		if strings.HasPrefix(id, prefix) && len(id) > len(prefix) {
			return true
		}
	}
	return false
}
