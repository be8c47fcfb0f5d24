// Package identity owns the acting principal of a portal session: login, logout,
// impersonation overlays and their persistence.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates the principal variants.
type Kind string

const (
	KindAdmin      Kind = "admin"
	KindTeamMember Kind = "team_member"
	KindClient     Kind = "client"
)

// Role is the name looked up in the permission table.
type Role string

const (
	RoleAdmin       Role = "admin"
	RolePortalAdmin Role = "portal_admin"
	RoleMember      Role = "member"
	RoleViewer      Role = "viewer"
	RoleClient      Role = "client"
)

// ErrInvalidPrincipal is returned when a principal does not satisfy its variant's shape.
var ErrInvalidPrincipal = errors.New("identity: invalid principal")

// Principal is the identity attributed to the acting user. Exactly one variant is
// populated, selected by Kind: Admin{id,email,name}, TeamMember{...,role} or
// Client{...,clientId,clientName,clientCompany}.
//
// Impersonated marks a principal synthesised by an admin's impersonation overlay. The ID
// of such a principal is the target's id, unmodified.
type Principal struct {
	Kind           Kind   `json:"kind"`
	ID             string `json:"id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Role           Role   `json:"role"`
	ClientRecordID string `json:"clientId,omitempty"`
	ClientName     string `json:"clientName,omitempty"`
	ClientCompany  string `json:"clientCompany,omitempty"`
	Impersonated   bool   `json:"impersonated,omitempty"`
}

// NewAdmin builds an Admin principal.
func NewAdmin(id, email, name string) Principal {
	return Principal{Kind: KindAdmin, ID: id, Email: email, Name: name, Role: RoleAdmin}
}

// NewTeamMember builds a TeamMember principal. Role must be admin, member or viewer.
func NewTeamMember(id, email, name string, role Role) (Principal, error) {
	p := Principal{Kind: KindTeamMember, ID: id, Email: email, Name: name, Role: role}
	if err := p.Validate(); err != nil {
		return Principal{}, err
	}
	return p, nil
}

// NewClient builds a Client principal bound to a client record.
func NewClient(id, email, name, clientRecordID, clientName, company string) Principal {
	return Principal{
		Kind:           KindClient,
		ID:             id,
		Email:          email,
		Name:           name,
		Role:           RoleClient,
		ClientRecordID: clientRecordID,
		ClientName:     clientName,
		ClientCompany:  company,
	}
}

// IsAdmin reports whether the principal holds an administrator role. Team members with
// the admin role count; an impersonated principal never does unless its own role is admin.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin || p.Role == RolePortalAdmin
}

// CanImpersonate reports whether p may adopt another identity.
func (p Principal) CanImpersonate() bool {
	return p.Kind == KindAdmin && p.IsAdmin() && !p.Impersonated
}

// Validate checks the variant shape.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidPrincipal)
	}
	switch p.Kind {
	case KindAdmin:
		if p.Role != RoleAdmin && p.Role != RolePortalAdmin {
			return fmt.Errorf("%w: admin with role %q", ErrInvalidPrincipal, p.Role)
		}
	case KindTeamMember:
		switch p.Role {
		case RoleAdmin, RoleMember, RoleViewer:
		default:
			return fmt.Errorf("%w: team member with role %q", ErrInvalidPrincipal, p.Role)
		}
	case KindClient:
		if p.Role != RoleClient {
			return fmt.Errorf("%w: client with role %q", ErrInvalidPrincipal, p.Role)
		}
		if strings.TrimSpace(p.ClientRecordID) == "" {
			return fmt.Errorf("%w: client record required", ErrInvalidPrincipal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPrincipal, p.Kind)
	}
	return nil
}

// Account is what the external auth collaborator returns for valid credentials.
// Role is the account role as stored by the auth backend: admin, portal_admin, client,
// team_admin, member or viewer.
type Account struct {
	ID             string
	Email          string
	Name           string
	Role           string
	ClientRecordID string
	ClientName     string
	ClientCompany  string
}

// Classify maps an account onto the principal union.
func Classify(acc Account) (Principal, error) {
	role := strings.ToLower(strings.TrimSpace(acc.Role))
	var p Principal
	switch role {
	case string(RoleAdmin), string(RolePortalAdmin):
		p = NewAdmin(acc.ID, acc.Email, acc.Name)
		p.Role = Role(role)
	case string(RoleClient):
		p = NewClient(acc.ID, acc.Email, acc.Name, acc.ClientRecordID, acc.ClientName, acc.ClientCompany)
	case "team_admin":
		p = Principal{Kind: KindTeamMember, ID: acc.ID, Email: acc.Email, Name: acc.Name, Role: RoleAdmin}
	case string(RoleMember), string(RoleViewer):
		p = Principal{Kind: KindTeamMember, ID: acc.ID, Email: acc.Email, Name: acc.Name, Role: Role(role)}
	default:
		return Principal{}, fmt.Errorf("%w: unknown account role %q", ErrInvalidPrincipal, acc.Role)
	}
	if err := p.Validate(); err != nil {
		return Principal{}, err
	}
	return p, nil
}
