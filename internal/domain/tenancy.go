package domain

import (
	"strings"
	"time"
)

// OrgRole is a user's role within an organisation.
type OrgRole string

const (
	OrgRoleAdmin  OrgRole = "ADMIN"
	OrgRoleMember OrgRole = "MEMBER"
)

// Organisation is the tenant boundary.
type Organisation struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	PrimaryLocation string    `json:"primary_location,omitempty"`
	Description     string    `json:"description,omitempty"`
	ContactEmail    string    `json:"contact_email,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Membership places a user in an organisation. Keyed by (UserID, OrganisationID).
type Membership struct {
	UserID         string    `json:"user_id"`
	OrganisationID string    `json:"organisation_id"`
	Role           OrgRole   `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// ProductionRole is a user's role within a production.
type ProductionRole string

const (
	RoleDirector      ProductionRole = "DIRECTOR"
	RoleStageManager  ProductionRole = "STAGE_MANAGER"
	RoleChoreographer ProductionRole = "CHOREOGRAPHER"
	RoleMusicDirector ProductionRole = "MUSIC_DIRECTOR"
	RoleCast          ProductionRole = "CAST"
	RoleCrew          ProductionRole = "CREW"
	RoleViewer        ProductionRole = "VIEWER"
)

// ProductionRoles lists every assignable production role.
var ProductionRoles = []ProductionRole{
	RoleDirector, RoleStageManager, RoleChoreographer, RoleMusicDirector, RoleCast, RoleCrew, RoleViewer,
}

// DefaultManagerRoles applies when a production has no manager roles configured.
var DefaultManagerRoles = []ProductionRole{RoleDirector}

// DefaultInviteRole is granted when an invite is created without a valid role.
const DefaultInviteRole = RoleCast

// IsValidProductionRole reports whether r is an assignable production role.
func IsValidProductionRole(r ProductionRole) bool {
	for _, v := range ProductionRoles {
		if v == r {
			return true
		}
	}
	return false
}

// NormalizeManagerRoles trims, drops unknown roles and duplicates, and falls back
// to DefaultManagerRoles when nothing valid remains.
func NormalizeManagerRoles(in []string) []ProductionRole {
	seen := make(map[ProductionRole]struct{}, len(in))
	var out []ProductionRole
	for _, s := range in {
		r := ProductionRole(strings.TrimSpace(s))
		if !IsValidProductionRole(r) {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return append([]ProductionRole(nil), DefaultManagerRoles...)
	}
	return out
}

// Production is a sub-tenant unit with its own member list.
type Production struct {
	ID             string           `json:"id"`
	OrganisationID string           `json:"organisation_id"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Venue          string           `json:"venue,omitempty"`
	RehearsalStart *time.Time       `json:"rehearsal_start,omitempty"`
	RehearsalEnd   *time.Time       `json:"rehearsal_end,omitempty"`
	ManagerRoles   []ProductionRole `json:"manager_roles"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// EffectiveManagerRoles returns the manager roles, substituting the default seed when empty.
func (p *Production) EffectiveManagerRoles() []ProductionRole {
	if len(p.ManagerRoles) == 0 {
		return DefaultManagerRoles
	}
	return p.ManagerRoles
}

// IsManagerRole reports whether r may manage the production.
func (p *Production) IsManagerRole(r ProductionRole) bool {
	for _, m := range p.EffectiveManagerRoles() {
		if m == r {
			return true
		}
	}
	return false
}

// ProductionMember places a user in a production. Keyed by (ProductionID, UserID).
type ProductionMember struct {
	ProductionID string         `json:"production_id"`
	UserID       string         `json:"user_id"`
	Role         ProductionRole `json:"role"`
	CreatedAt    time.Time      `json:"created_at"`
}
