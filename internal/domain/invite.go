package domain

import "time"

// InviteState is the computed lifecycle state of an invite.
type InviteState string

const (
	InviteActive    InviteState = "ACTIVE"
	InviteExpired   InviteState = "EXPIRED"
	InviteExhausted InviteState = "EXHAUSTED"
	InviteNotFound  InviteState = "NOT_FOUND"
)

// Invite is a bearer token granting membership of one production.
// Uses is the only field that changes after creation.
type Invite struct {
	ID           string         `json:"id"`
	Token        string         `json:"token"`
	ProductionID string         `json:"production_id"`
	Role         ProductionRole `json:"role"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	MaxUses      *int           `json:"max_uses,omitempty"`
	Uses         int            `json:"uses"`
	CreatedBy    string         `json:"created_by"`
	CreatedAt    time.Time      `json:"created_at"`
}

// State reports the invite's state at now. Expiry wins over exhaustion.
func (i *Invite) State(now time.Time) InviteState {
	if i.ExpiresAt != nil && !i.ExpiresAt.After(now) {
		return InviteExpired
	}
	if i.MaxUses != nil && i.Uses >= *i.MaxUses {
		return InviteExhausted
	}
	return InviteActive
}

// Usable reports whether the invite can still be accepted at now.
func (i *Invite) Usable(now time.Time) bool {
	return i.State(now) == InviteActive
}
