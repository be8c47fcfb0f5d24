package identity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrImpersonationForbidden is returned when a non-admin tries to impersonate.
	ErrImpersonationForbidden = errors.New("identity: only administrators may impersonate")
	// ErrAlreadyImpersonating rejects a second overlay; impersonation does not nest.
	ErrAlreadyImpersonating = errors.New("identity: already impersonating")
	// ErrNotImpersonating is returned by stop when no overlay is active.
	ErrNotImpersonating = errors.New("identity: not impersonating")
	// ErrNotAuthenticated is returned by transitions that need a principal.
	ErrNotAuthenticated = errors.New("identity: not authenticated")
	// ErrProfileLocked rejects profile edits while an overlay is active.
	ErrProfileLocked = errors.New("identity: profile cannot change while impersonating")
)

// State is the session's identity snapshot. Invariant: Impersonating implies Original is
// set and is an administrator; Principal is then the derived identity.
type State struct {
	Principal     *Principal `json:"principal"`
	Authenticated bool       `json:"isAuthenticated"`
	Impersonating bool       `json:"impersonating"`
	Original      *Principal `json:"originalPrincipal,omitempty"`
}

// Current returns the acting principal, if any.
func (s State) Current() (Principal, bool) {
	if s.Principal == nil {
		return Principal{}, false
	}
	return *s.Principal, true
}

func (s State) check() error {
	if s.Authenticated != (s.Principal != nil) {
		return errors.New("identity: authenticated flag disagrees with principal")
	}
	if s.Impersonating {
		if s.Original == nil || !s.Original.CanImpersonate() {
			return errors.New("identity: impersonation without admin original")
		}
		if s.Principal == nil || !s.Principal.Impersonated {
			return errors.New("identity: impersonation without derived principal")
		}
	} else if s.Original != nil {
		return errors.New("identity: original principal without impersonation")
	}
	return nil
}

// ClientTarget names the client an admin wants to act as.
type ClientTarget struct {
	ClientID string `json:"clientId" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email"`
	Company  string `json:"company"`
}

// MemberTarget names the team member an admin wants to act as.
type MemberTarget struct {
	MemberID string `json:"memberId" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email"`
	Role     Role   `json:"role" validate:"required,oneof=admin member viewer"`
}

type event interface {
	isEvent()
}

type loggedIn struct{ principal Principal }
type loggedOut struct{}
type impersonationStarted struct{ derived Principal }
type impersonationStopped struct{}
type profileUpdated struct{ name, email string }

func (loggedIn) isEvent()             {}
func (loggedOut) isEvent()            {}
func (impersonationStarted) isEvent() {}
func (impersonationStopped) isEvent() {}
func (profileUpdated) isEvent()       {}

// reduce is the only place state transitions are decided. It never mutates its input.
func reduce(s State, ev event) (State, error) {
	switch ev := ev.(type) {
	case loggedIn:
		if err := ev.principal.Validate(); err != nil {
			return s, err
		}
		p := ev.principal
		p.Impersonated = false
		return State{Principal: &p, Authenticated: true}, nil

	case loggedOut:
		return State{}, nil

	case impersonationStarted:
		current, ok := s.Current()
		if !ok {
			return s, ErrNotAuthenticated
		}
		if s.Impersonating {
			return s, ErrAlreadyImpersonating
		}
		if !current.CanImpersonate() {
			return s, ErrImpersonationForbidden
		}
		derived := ev.derived
		derived.Impersonated = true
		if err := derived.Validate(); err != nil {
			return s, err
		}
		original := current
		return State{Principal: &derived, Authenticated: true, Impersonating: true, Original: &original}, nil

	case impersonationStopped:
		if !s.Impersonating || s.Original == nil {
			return s, ErrNotImpersonating
		}
		original := *s.Original
		return State{Principal: &original, Authenticated: true}, nil

	case profileUpdated:
		current, ok := s.Current()
		if !ok {
			return s, ErrNotAuthenticated
		}
		if s.Impersonating {
			return s, ErrProfileLocked
		}
		if name := strings.TrimSpace(ev.name); name != "" {
			current.Name = name
		}
		if email := strings.TrimSpace(ev.email); email != "" {
			current.Email = email
		}
		return State{Principal: &current, Authenticated: true}, nil
	}
	return s, fmt.Errorf("identity: unknown event %T", ev)
}

func derivedClient(t ClientTarget) Principal {
	p := NewClient(t.ClientID, t.Email, t.Name, t.ClientID, t.Name, t.Company)
	p.Impersonated = true
	return p
}

func derivedMember(t MemberTarget) Principal {
	return Principal{
		Kind:         KindTeamMember,
		ID:           t.MemberID,
		Email:        t.Email,
		Name:         t.Name,
		Role:         t.Role,
		Impersonated: true,
	}
}
