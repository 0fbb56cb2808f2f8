// Package tenancy manages organisations, productions and their members.
package tenancy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stagesuite/internal/audit"
	"stagesuite/internal/domain"
	"stagesuite/internal/observability"
	"stagesuite/internal/storage"
)

// Store is the persistence the service needs.
type Store interface {
	storage.UserStore
	storage.OrganisationStore
	storage.ProductionStore
}

// Service applies the organisation and production authorization rules.
type Service struct {
	store  Store
	admins map[string]struct{}
	audit  audit.AuditLogger
	logger observability.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithAppAdmins marks emails (case-insensitive) as application administrators.
func WithAppAdmins(emails []string) Option {
	return func(s *Service) {
		for _, e := range emails {
			if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
				s.admins[e] = struct{}{}
			}
		}
	}
}

// WithAudit records changes to al.
func WithAudit(al audit.AuditLogger) Option {
	return func(s *Service) { s.audit = al }
}

func WithLogger(l observability.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, admins: make(map[string]struct{})}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.Discard()
	}
	s.logger = s.logger.WithComponent("tenancy")
	return s
}

// IsAppAdmin reports whether email belongs to an application administrator.
func (s *Service) IsAppAdmin(email string) bool {
	_, ok := s.admins[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// OrganisationInput holds the editable organisation fields.
type OrganisationInput struct {
	Name            string `json:"name"`
	PrimaryLocation string `json:"primary_location"`
	Description     string `json:"description"`
	ContactEmail    string `json:"contact_email"`
}

// BootstrapOrganisation creates an organisation with userID as its ADMIN.
// A user who already belongs to an organisation gets storage.ErrConflict.
func (s *Service) BootstrapOrganisation(ctx context.Context, userID string, in OrganisationInput) (*domain.Organisation, error) {
	org, err := newOrganisationFields(in)
	if err != nil {
		return nil, err
	}
	org.ID = uuid.New().String()
	if err := s.store.CreateOrganisationWithAdmin(ctx, org, userID); err != nil {
		return nil, fmt.Errorf("create organisation: %w", err)
	}
	s.record(ctx, userID, audit.ActionCreate, audit.ResourceOrganisation, org.ID, org.ID, nil)
	s.logger.InfoContext(ctx, "organisation bootstrapped", "org_id", org.ID, "user_id", userID)
	return org, nil
}

// UpdateOrganisation replaces the profile of the organisation userID
// administers. Blank optional fields are cleared.
func (s *Service) UpdateOrganisation(ctx context.Context, userID string, in OrganisationInput) (*domain.Organisation, error) {
	orgID, err := s.AdminOrganisation(ctx, userID)
	if err != nil {
		return nil, err
	}
	org, err := newOrganisationFields(in)
	if err != nil {
		return nil, err
	}
	org.ID = orgID
	if err := s.store.UpdateOrganisation(ctx, org); err != nil {
		return nil, fmt.Errorf("update organisation: %w", err)
	}
	s.record(ctx, userID, audit.ActionUpdate, audit.ResourceOrganisation, org.ID, org.ID, nil)
	s.logger.InfoContext(ctx, "organisation updated", "org_id", org.ID, "user_id", userID)
	return org, nil
}

func newOrganisationFields(in OrganisationInput) (*domain.Organisation, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &domain.ValidationError{Field: "name", Message: "is required"}
	}
	contact := strings.TrimSpace(in.ContactEmail)
	if contact != "" && strings.Count(contact, "@") != 1 {
		return nil, &domain.ValidationError{Field: "contact_email", Message: "must be an email address"}
	}
	return &domain.Organisation{
		Name:            name,
		PrimaryLocation: strings.TrimSpace(in.PrimaryLocation),
		Description:     strings.TrimSpace(in.Description),
		ContactEmail:    contact,
	}, nil
}

// ListOrganisations returns every organisation. Application admins only.
func (s *Service) ListOrganisations(ctx context.Context, userID string) ([]*domain.Organisation, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !s.IsAppAdmin(u.Email) {
		return nil, domain.ErrForbidden
	}
	return s.store.ListOrganisations(ctx)
}

// AdminOrganisation returns the organisation where userID is ADMIN.
func (s *Service) AdminOrganisation(ctx context.Context, userID string) (string, error) {
	ms, err := s.store.ListMembershipsByUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list memberships: %w", err)
	}
	for _, m := range ms {
		if m.Role == domain.OrgRoleAdmin {
			return m.OrganisationID, nil
		}
	}
	return "", domain.ErrForbidden
}

// IsOrgAdmin reports whether userID is ADMIN of organisationID.
func (s *Service) IsOrgAdmin(ctx context.Context, userID, organisationID string) (bool, error) {
	m, err := s.store.GetMembership(ctx, userID, organisationID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get membership: %w", err)
	}
	return m.Role == domain.OrgRoleAdmin, nil
}

// CanManage reports whether userID may manage p: an ADMIN of p's
// organisation, or a member of p whose role is one of p's manager roles.
func (s *Service) CanManage(ctx context.Context, userID string, p *domain.Production) (bool, error) {
	if userID == "" || p == nil {
		return false, nil
	}
	admin, err := s.IsOrgAdmin(ctx, userID, p.OrganisationID)
	if err != nil || admin {
		return admin, err
	}
	pm, err := s.store.GetProductionMember(ctx, p.ID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get production member: %w", err)
	}
	return p.IsManagerRole(pm.Role), nil
}

// ProductionInput holds the editable production fields. Nil fields are
// left unchanged on update.
type ProductionInput struct {
	Name           *string    `json:"name"`
	Description    *string    `json:"description"`
	Venue          *string    `json:"venue"`
	RehearsalStart *time.Time `json:"rehearsal_start"`
	RehearsalEnd   *time.Time `json:"rehearsal_end"`
	ManagerRoles   []string   `json:"manager_roles"`
}

// CreateProduction creates a production in organisationID. Organisation
// admins only; the creator is seeded as DIRECTOR.
func (s *Service) CreateProduction(ctx context.Context, userID, organisationID string, in ProductionInput) (*domain.Production, error) {
	if organisationID == "" {
		return nil, &domain.ValidationError{Field: "organisation_id", Message: "is required"}
	}
	admin, err := s.IsOrgAdmin(ctx, userID, organisationID)
	if err != nil {
		return nil, err
	}
	if !admin {
		return nil, domain.ErrForbidden
	}

	p := &domain.Production{ID: uuid.New().String(), OrganisationID: organisationID}
	if err := applyProductionInput(p, in); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, &domain.ValidationError{Field: "name", Message: "is required"}
	}
	if in.ManagerRoles == nil {
		p.ManagerRoles = append([]domain.ProductionRole(nil), domain.DefaultManagerRoles...)
	}
	if err := s.store.CreateProductionWithDirector(ctx, p, userID); err != nil {
		return nil, fmt.Errorf("create production: %w", err)
	}
	s.record(ctx, userID, audit.ActionCreate, audit.ResourceProduction, p.ID, organisationID, nil)
	return p, nil
}

// UpdateProduction applies in to a production. Managers only.
func (s *Service) UpdateProduction(ctx context.Context, userID, productionID string, in ProductionInput) (*domain.Production, error) {
	p, err := s.RequireManager(ctx, userID, productionID)
	if err != nil {
		return nil, err
	}
	if err := applyProductionInput(p, in); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, &domain.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if err := s.store.UpdateProduction(ctx, p); err != nil {
		return nil, fmt.Errorf("update production: %w", err)
	}
	s.record(ctx, userID, audit.ActionUpdate, audit.ResourceProduction, p.ID, p.OrganisationID,
		map[string]any{"manager_roles": p.ManagerRoles})
	return s.store.GetProduction(ctx, p.ID)
}

func applyProductionInput(p *domain.Production, in ProductionInput) error {
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
	}
	if in.Venue != nil {
		p.Venue = strings.TrimSpace(*in.Venue)
	}
	if in.RehearsalStart != nil {
		p.RehearsalStart = in.RehearsalStart
	}
	if in.RehearsalEnd != nil {
		p.RehearsalEnd = in.RehearsalEnd
	}
	if p.RehearsalStart != nil && p.RehearsalEnd != nil && p.RehearsalEnd.Before(*p.RehearsalStart) {
		return &domain.ValidationError{Field: "rehearsal_end", Message: "must not be before rehearsal_start"}
	}
	if in.ManagerRoles != nil {
		p.ManagerRoles = domain.NormalizeManagerRoles(in.ManagerRoles)
	}
	return nil
}

// GetProduction returns a production to any member of its organisation.
func (s *Service) GetProduction(ctx context.Context, userID, productionID string) (*domain.Production, error) {
	p, err := s.store.GetProduction(ctx, productionID)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetMembership(ctx, userID, p.OrganisationID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ErrForbidden
		}
		return nil, err
	}
	return p, nil
}

// ListMembers returns a production's members. Managers only.
func (s *Service) ListMembers(ctx context.Context, userID, productionID string) ([]*domain.ProductionMember, error) {
	if _, err := s.RequireManager(ctx, userID, productionID); err != nil {
		return nil, err
	}
	return s.store.ListProductionMembers(ctx, productionID)
}

// UpdateMemberRole changes a member's production role. Managers only.
func (s *Service) UpdateMemberRole(ctx context.Context, userID, productionID, memberID string, role domain.ProductionRole) error {
	if !domain.IsValidProductionRole(role) {
		return &domain.ValidationError{Field: "role", Message: "unknown production role"}
	}
	p, err := s.RequireManager(ctx, userID, productionID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateProductionMemberRole(ctx, productionID, memberID, role); err != nil {
		return fmt.Errorf("update member role: %w", err)
	}
	s.record(ctx, userID, audit.ActionUpdate, audit.ResourceProductionMember, productionID+"/"+memberID, p.OrganisationID,
		map[string]any{"role": string(role)})
	return nil
}

// RemoveMember removes a member from a production. Managers only.
func (s *Service) RemoveMember(ctx context.Context, userID, productionID, memberID string) error {
	p, err := s.RequireManager(ctx, userID, productionID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProductionMember(ctx, productionID, memberID); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	s.record(ctx, userID, audit.ActionDelete, audit.ResourceProductionMember, productionID+"/"+memberID, p.OrganisationID, nil)
	return nil
}

// RequireManager loads the production and fails with domain.ErrForbidden
// unless userID may manage it.
func (s *Service) RequireManager(ctx context.Context, userID, productionID string) (*domain.Production, error) {
	if productionID == "" {
		return nil, &domain.ValidationError{Field: "production_id", Message: "is required"}
	}
	p, err := s.store.GetProduction(ctx, productionID)
	if err != nil {
		return nil, err
	}
	ok, err := s.CanManage(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrForbidden
	}
	return p, nil
}

func (s *Service) record(ctx context.Context, actor, action, resourceType, resourceID, orgID string, details map[string]any) {
	audit.Record(ctx, s.audit, s.logger, &audit.AuditEvent{
		Actor:          actor,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		OrganisationID: orgID,
		Details:        details,
	})
}
