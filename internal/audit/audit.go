// Package audit records who changed federation and membership state.
package audit

import (
	"context"
	"time"

	"stagesuite/internal/observability"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	Actor          string         `json:"actor"` // user id, or "anonymous"
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	OrganisationID string         `json:"organisation_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
}

// ListOptions provides filtering and pagination options for listing audit events.
type ListOptions struct {
	Limit          int
	Offset         int
	Actor          string
	Action         string
	ResourceType   string
	OrganisationID string
	Since          *time.Time
	Until          *time.Time
}

// AuditLogger defines the interface for audit logging operations.
type AuditLogger interface {
	Log(ctx context.Context, event *AuditEvent) error

	// List returns matching events newest first, plus the unpaginated total.
	List(ctx context.Context, opts ListOptions) ([]*AuditEvent, int, error)

	GetByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEvent, error)
}

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionAccept = "accept"
)

const (
	ResourceOrganisation     = "organisation"
	ResourceSSOConfig        = "sso_config"
	ResourceProduction       = "production"
	ResourceProductionMember = "production_member"
	ResourceInvite           = "invite"
)

// ActorAnonymous is recorded when no signed-in user triggered the event.
const ActorAnonymous = "anonymous"

// Record logs event if al is non-nil, filling RequestID from ctx. A failure
// is written to logger and otherwise ignored; auditing never fails the
// operation being audited.
func Record(ctx context.Context, al AuditLogger, logger observability.Logger, event *AuditEvent) {
	if al == nil || event == nil {
		return
	}
	if event.RequestID == "" {
		event.RequestID = observability.RequestIDFromContext(ctx)
	}
	if event.Actor == "" {
		event.Actor = ActorAnonymous
	}
	if err := al.Log(ctx, event); err != nil && logger != nil {
		logger.WarnContext(ctx, "audit log failed", "action", event.Action, "resource_type", event.ResourceType, "error", err)
	}
}
