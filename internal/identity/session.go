package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/agency-portal/internal/shared"
)

// Navigation is where the UI should go after a transition.
type Navigation string

const (
	NavLogin     Navigation = "/login"
	NavDashboard Navigation = "/"
)

// Authenticator is the external auth collaborator.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (Account, error)
}

// Credentials is the login payload.
type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithStopTarget sets where StopImpersonation sends the user.
func WithStopTarget(nav Navigation) Option {
	return func(s *Session) { s.stopTarget = nav }
}

// Session owns one browser's identity state and keeps it in sync with storage. It is not
// safe for concurrent use; the HTTP layer builds one per request.
type Session struct {
	store      Storage
	state      State
	logger     *slog.Logger
	stopTarget Navigation
}

// Restore rebuilds the session from storage. Unreadable or inconsistent stored data is
// purged and the session starts logged out.
func Restore(store Storage, opts ...Option) *Session {
	s := &Session{store: store, stopTarget: NavDashboard}
	for _, opt := range opts {
		opt(s)
	}
	if store == nil {
		return s
	}
	state, err := safeLoad(store)
	if err != nil {
		s.log().Warn("discarding stored identity", slog.Any("error", err))
		purge(store)
		return s
	}
	s.state = state
	return s
}

func safeLoad(store Storage) (state State, err error) {
	defer func() {
		if r := recover(); r != nil {
			state, err = State{}, fmt.Errorf("identity: storage panic: %v", r)
		}
	}()
	return load(store)
}

// State returns a copy of the current state.
func (s *Session) State() State {
	out := State{Authenticated: s.state.Authenticated, Impersonating: s.state.Impersonating}
	if s.state.Principal != nil {
		p := *s.state.Principal
		out.Principal = &p
	}
	if s.state.Original != nil {
		o := *s.state.Original
		out.Original = &o
	}
	return out
}

// Principal returns the acting principal: the derived identity while impersonating.
func (s *Session) Principal() (Principal, bool) {
	if s == nil {
		return Principal{}, false
	}
	return s.state.Current()
}

// Login authenticates through the collaborator and replaces the session wholesale.
// Credential problems come back as *shared.AuthError; anything else as a
// *shared.TransportError. State is untouched on failure.
func (s *Session) Login(ctx context.Context, auth Authenticator, creds Credentials) (Principal, error) {
	if auth == nil {
		return Principal{}, shared.Transport("identity: login", errors.New("authenticator not configured"))
	}
	acc, err := auth.Authenticate(ctx, strings.TrimSpace(creds.Email), creds.Password)
	if err != nil {
		return Principal{}, classifyLoginError(err)
	}
	p, err := Classify(acc)
	if err != nil {
		return Principal{}, shared.NewAuthError("This account cannot sign in to the portal", err)
	}
	if err := s.dispatch(loggedIn{principal: p}); err != nil {
		return Principal{}, err
	}
	s.log().Info("login", slog.String("principal_id", p.ID), slog.String("role", string(p.Role)))
	return p, nil
}

func classifyLoginError(err error) error {
	var authErr *shared.AuthError
	switch {
	case errors.As(err, &authErr):
		return authErr
	case errors.Is(err, shared.ErrInvalidCredentials):
		return shared.NewAuthError("Invalid email or password", err)
	case errors.Is(err, shared.ErrUnverifiedAccount):
		return shared.NewAuthError("Please verify your email address before signing in", err)
	default:
		return shared.Transport("identity: login", err)
	}
}

// Logout clears the session and any overlay. It never fails: a storage problem is logged
// and the in-memory state is reset regardless.
func (s *Session) Logout() Navigation {
	prev, _ := s.state.Current()
	s.state = State{}
	if s.store != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log().Warn("logout storage cleanup failed", slog.Any("panic", r))
				}
			}()
			purge(s.store)
		}()
	}
	if prev.ID != "" {
		s.log().Info("logout", slog.String("principal_id", prev.ID))
	}
	return NavLogin
}

// ImpersonateClient overlays a client identity on an admin session. Anyone other than an
// admin gets ErrImpersonationForbidden and the session is left exactly as it was.
func (s *Session) ImpersonateClient(target ClientTarget) error {
	if strings.TrimSpace(target.ClientID) == "" {
		return fmt.Errorf("%w: client id required", ErrInvalidPrincipal)
	}
	return s.impersonate(derivedClient(target))
}

// ImpersonateTeamMember overlays a team member identity on an admin session.
func (s *Session) ImpersonateTeamMember(target MemberTarget) error {
	return s.impersonate(derivedMember(target))
}

func (s *Session) impersonate(derived Principal) error {
	if err := s.dispatch(impersonationStarted{derived: derived}); err != nil {
		return err
	}
	s.log().Info("impersonation started",
		slog.String("original_id", s.state.Original.ID),
		slog.String("target_id", derived.ID),
		slog.String("target_kind", string(derived.Kind)))
	return nil
}

// StopImpersonation restores the original admin.
func (s *Session) StopImpersonation() (Navigation, error) {
	derived, _ := s.state.Current()
	if err := s.dispatch(impersonationStopped{}); err != nil {
		return "", err
	}
	s.log().Info("impersonation stopped",
		slog.String("original_id", s.state.Principal.ID),
		slog.String("target_id", derived.ID))
	return s.stopTarget, nil
}

// UpdateProfile changes the stored name/email of the logged-in principal.
func (s *Session) UpdateProfile(name, email string) error {
	return s.dispatch(profileUpdated{name: name, email: email})
}

func (s *Session) dispatch(ev event) error {
	next, err := reduce(s.state, ev)
	if err != nil {
		return err
	}
	if s.store != nil {
		if err := save(s.store, next); err != nil {
			return fmt.Errorf("identity: persist: %w", err)
		}
	}
	s.state = next
	return nil
}

func (s *Session) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

type sessionContextKey struct{}

// WithSession stores the identity session in context.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// FromContext returns the identity session, or nil.
func FromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// PrincipalFromContext returns the acting principal carried by ctx.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	return FromContext(ctx).Principal()
}

// NewAuthenticated starts a session for a principal that was authenticated elsewhere,
// persisting it like a login would.
func NewAuthenticated(store Storage, p Principal, opts ...Option) (*Session, error) {
	s := &Session{store: store, stopTarget: NavDashboard}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.dispatch(loggedIn{principal: p}); err != nil {
		return nil, err
	}
	return s, nil
}

// ImpersonatorFromContext returns the admin behind an impersonated principal, if any.
func ImpersonatorFromContext(ctx context.Context) (Principal, bool) {
	sess := FromContext(ctx)
	if sess == nil || !sess.state.Impersonating || sess.state.Original == nil {
		return Principal{}, false
	}
	return *sess.state.Original, true
}
