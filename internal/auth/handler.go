package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/agency-portal/internal/identity"
	"github.com/odyssey-erp/agency-portal/internal/platform/httpx"
	"github.com/odyssey-erp/agency-portal/internal/rbac"
	"github.com/odyssey-erp/agency-portal/internal/shared"
)

// AuditRecorder records security-relevant transitions.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Recorder receives auth metrics. *observability.Metrics implements it.
type Recorder interface {
	RecordLogin(outcome string)
	RecordImpersonation(kind, action string)
}

type noopRecorder struct{}

func (noopRecorder) RecordLogin(string)                 {}
func (noopRecorder) RecordImpersonation(string, string) {}

// HandlerConfig collects the dependencies of a Handler.
type HandlerConfig struct {
	Logger   *slog.Logger
	Service  *Service
	Sessions *shared.SessionManager
	CSRF     *shared.CSRFManager
	Guard    rbac.RouteGuard
	RBAC     rbac.Middleware
	Audit    AuditRecorder
	Metrics  Recorder
}

// Handler wires HTTP endpoints for authentication and impersonation.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	sessions *shared.SessionManager
	csrf     *shared.CSRFManager
	guard    rbac.RouteGuard
	rbac     rbac.Middleware
	audit    AuditRecorder
	metrics  Recorder
}

// NewHandler constructs a Handler instance.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Handler{
		logger:   logger,
		service:  cfg.Service,
		sessions: cfg.Sessions,
		csrf:     cfg.CSRF,
		guard:    cfg.Guard,
		rbac:     cfg.RBAC,
		audit:    cfg.Audit,
		metrics:  metrics,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/me", h.handleMe)
	r.Get("/routes/access", h.handleRouteAccess)

	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermImpersonate))
		r.Post("/impersonate/client", h.handleImpersonateClient)
		r.Post("/impersonate/member", h.handleImpersonateMember)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAuthenticated())
		r.Post("/impersonate/stop", h.handleStopImpersonation)
		r.Patch("/profile", h.handleUpdateProfile)
	})
}

type stateResponse struct {
	identity.State
	Permissions []string            `json:"permissions"`
	CSRFToken   string              `json:"csrfToken,omitempty"`
	Redirect    identity.Navigation `json:"redirect,omitempty"`
}

func (h *Handler) stateResponse(sess *shared.Session, idSess *identity.Session, redirect identity.Navigation) stateResponse {
	resp := stateResponse{State: idSess.State(), Permissions: []string{}, Redirect: redirect}
	if p, ok := idSess.Principal(); ok {
		resp.Permissions = rbac.PermissionsOf(&p)
	}
	if token, err := h.csrf.EnsureToken(sess); err == nil {
		resp.CSRFToken = token
	}
	return resp
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	sess, idSess, ok := h.sessionsFrom(w, r)
	if !ok {
		return
	}
	var creds identity.Credentials
	if !httpx.Bind(w, r, &creds) {
		return
	}
	principal, err := idSess.Login(r.Context(), h.service, creds)
	if err != nil {
		h.metrics.RecordLogin("failure")
		h.logger.Warn("login failed", slog.String("email", strings.ToLower(strings.TrimSpace(creds.Email))), slog.String("remote_ip", r.RemoteAddr), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	h.metrics.RecordLogin("success")

	h.sessions.Regenerate(sess)
	sess.SetUser(principal.ID)
	if _, err := h.csrf.Rotate(sess); err != nil {
		h.logger.Warn("rotate csrf", slog.Any("error", err))
	}
	expiresAt := time.Now().Add(h.sessions.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, principal.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	h.record(r.Context(), principal, "auth.login", "user", principal.ID, nil)
	httpx.JSON(w, http.StatusOK, h.stateResponse(sess, idSess, identity.NavDashboard))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess, idSess, ok := h.sessionsFrom(w, r)
	if !ok {
		return
	}
	prev, wasAuthenticated := idSess.Principal()
	if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
		h.logger.Warn("remove session", slog.Any("error", err))
	}
	nav := idSess.Logout()
	h.sessions.Destroy(sess)
	if wasAuthenticated {
		h.record(r.Context(), prev, "auth.logout", "user", prev.ID, nil)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"redirect": nav})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	sess, idSess, ok := h.sessionsFrom(w, r)
	if !ok {
		return
	}
	httpx.JSON(w, http.StatusOK, h.stateResponse(sess, idSess, ""))
}

func (h *Handler) handleRouteAccess(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		httpx.ValidationProblem(w, map[string]string{"path": "required"})
		return
	}
	var principal *identity.Principal
	if p, ok := identity.PrincipalFromContext(r.Context()); ok {
		principal = &p
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"path":    path,
		"allowed": h.guard.CanAccess(principal, path),
	})
}

func (h *Handler) handleImpersonateClient(w http.ResponseWriter, r *http.Request) {
	var target identity.ClientTarget
	if !httpx.Bind(w, r, &target) {
		return
	}
	h.impersonate(w, r, "client", target.ClientID, func(s *identity.Session) error {
		return s.ImpersonateClient(target)
	})
}

func (h *Handler) handleImpersonateMember(w http.ResponseWriter, r *http.Request) {
	var target identity.MemberTarget
	if !httpx.Bind(w, r, &target) {
		return
	}
	h.impersonate(w, r, "team_member", target.MemberID, func(s *identity.Session) error {
		return s.ImpersonateTeamMember(target)
	})
}

func (h *Handler) impersonate(w http.ResponseWriter, r *http.Request, kind, targetID string, start func(*identity.Session) error) {
	sess, idSess, ok := h.sessionsFrom(w, r)
	if !ok {
		return
	}
	admin, _ := idSess.Principal()
	if err := start(idSess); err != nil {
		h.respondIdentityError(w, err)
		return
	}
	h.sessions.Regenerate(sess)
	if _, err := h.csrf.Rotate(sess); err != nil {
		h.logger.Warn("rotate csrf", slog.Any("error", err))
	}
	h.metrics.RecordImpersonation(kind, "start")
	h.record(r.Context(), admin, "impersonation.start", kind, targetID, nil)
	httpx.JSON(w, http.StatusOK, h.stateResponse(sess, idSess, identity.NavDashboard))
}

func (h *Handler) handleStopImpersonation(w http.ResponseWriter, r *http.Request) {
	sess, idSess, ok := h.sessionsFrom(w, r)
	if !ok {
		return
	}
	derived, _ := idSess.Principal()
	nav, err := idSess.StopImpersonation()
	if err != nil {
		h.respondIdentityError(w, err)
		return
	}
	admin, _ := idSess.Principal()
	h.sessions.Regenerate(sess)
	if _, err := h.csrf.Rotate(sess); err != nil {
		h.logger.Warn("rotate csrf", slog.Any("error", err))
	}
	h.metrics.RecordImpersonation(string(derived.Kind), "stop")
	h.record(r.Context(), admin, "impersonation.stop", string(derived.Kind), derived.ID, nil)
	httpx.JSON(w, http.StatusOK, h.stateResponse(sess, idSess, nav))
}

type profileRequest struct {
	Name  string `json:"name" validate:"omitempty,max=120"`
	Email string `json:"email" validate:"omitempty,email"`
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	sess, idSess, ok := h.sessionsFrom(w, r)
	if !ok {
		return
	}
	var in profileRequest
	if !httpx.Bind(w, r, &in) {
		return
	}
	if idSess.State().Impersonating {
		h.respondIdentityError(w, identity.ErrProfileLocked)
		return
	}
	principal, _ := idSess.Principal()
	if err := h.service.UpdateProfile(r.Context(), principal.ID, in.Name, in.Email); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			httpx.Problem(w, http.StatusConflict, "Conflict", "that email address is already in use")
			return
		}
		httpx.RespondError(w, err)
		return
	}
	if err := idSess.UpdateProfile(in.Name, in.Email); err != nil {
		h.respondIdentityError(w, err)
		return
	}
	h.record(r.Context(), principal, "profile.update", "user", principal.ID, map[string]any{
		"name_changed":  in.Name != "",
		"email_changed": in.Email != "",
	})
	httpx.JSON(w, http.StatusOK, h.stateResponse(sess, idSess, ""))
}

// sessionsFrom returns the cookie session and the identity session restored from it.
func (h *Handler) sessionsFrom(w http.ResponseWriter, r *http.Request) (*shared.Session, *identity.Session, bool) {
	sess := shared.SessionFromContext(r.Context())
	idSess := identity.FromContext(r.Context())
	if sess == nil || idSess == nil {
		h.logger.Error("session missing from request context", slog.String("path", r.URL.Path))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return nil, nil, false
	}
	return sess, idSess, true
}

func (h *Handler) respondIdentityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrImpersonationForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "only administrators may impersonate")
	case errors.Is(err, identity.ErrAlreadyImpersonating):
		httpx.Problem(w, http.StatusConflict, "Conflict", "stop the current impersonation first")
	case errors.Is(err, identity.ErrNotImpersonating):
		httpx.Problem(w, http.StatusConflict, "Conflict", "not impersonating")
	case errors.Is(err, identity.ErrProfileLocked):
		httpx.Problem(w, http.StatusConflict, "Conflict", "profile cannot change while impersonating")
	case errors.Is(err, identity.ErrInvalidPrincipal):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Target", err.Error())
	case errors.Is(err, identity.ErrNotAuthenticated):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
	default:
		h.logger.Error("identity transition failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

// record writes an audit entry. Audit failures are logged and never undo the action.
func (h *Handler) record(ctx context.Context, actor identity.Principal, action, entity, entityID string, meta map[string]any) {
	if h.audit == nil {
		return
	}
	log := shared.AuditLog{
		ActorID:   actor.ID,
		ActorRole: string(actor.Role),
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Meta:      meta,
		At:        time.Now().UTC(),
	}
	if original, ok := identity.ImpersonatorFromContext(ctx); ok && original.ID != actor.ID {
		log.OnBehalfOf = original.ID
	}
	err := h.audit.Record(ctx, log)
	if err != nil {
		h.logger.Error("audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
