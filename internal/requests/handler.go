package requests

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/agency-portal/internal/activity"
	"github.com/odyssey-erp/agency-portal/internal/identity"
	"github.com/odyssey-erp/agency-portal/internal/platform/httpx"
	"github.com/odyssey-erp/agency-portal/internal/rbac"
	"github.com/odyssey-erp/agency-portal/internal/shared"
)

// IdempotencyHeader lets clients retry a message post safely.
const IdempotencyHeader = "Idempotency-Key"

// Handler serves the request and ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	activity *activity.Service
	rbac     rbac.Middleware
}

// NewHandler builds a Handler.
func NewHandler(logger *slog.Logger, service *Service, ledger *activity.Service, rbacMW rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, activity: ledger, rbac: rbacMW}
}

// MountRoutes registers the request routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermRequestsView))
		r.Get("/{id}", h.show)
		r.Get("/{id}/activity", h.listActivity)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRequestsCreate))
		r.Post("/", h.submit)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermRequestsEdit))
		r.Patch("/{id}", h.updateField)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermChatSend))
		r.Post("/{id}/messages", h.postMessage)
		r.Patch("/{id}/messages/{entryID}", h.editMessage)
		r.Delete("/{id}/messages/{entryID}", h.deleteMessage)
	})
}

type detailResponse struct {
	Request  Record           `json:"request"`
	Activity []activity.Entry `json:"activity"`
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	principal, _ := identity.PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var (
		rec     Record
		entries []activity.Entry
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		rec, err = h.service.Get(ctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		entries, err = h.activity.List(ctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		h.respondError(w, err)
		return
	}
	if !Visible(principal, rec) {
		h.respondError(w, ErrNotFound)
		return
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	httpx.JSON(w, http.StatusOK, detailResponse{Request: rec, Activity: entries})
}

func (h *Handler) listActivity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.loadVisible(w, r, id); !ok {
		return
	}
	entries, err := h.activity.List(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	var in NewRequestInput
	if !httpx.Bind(w, r, &in) {
		return
	}
	principal, _ := identity.PrincipalFromContext(r.Context())
	if principal.Kind == identity.KindClient {
		in.ClientID = principal.ClientRecordID
	}
	if strings.TrimSpace(in.ClientID) == "" {
		httpx.ValidationProblem(w, map[string]string{"clientid": "required"})
		return
	}
	rec, err := h.service.Submit(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

type fieldUpdateRequest struct {
	Field string `json:"field" validate:"required"`
	Value string `json:"value"`
}

func (h *Handler) updateField(w http.ResponseWriter, r *http.Request) {
	var in fieldUpdateRequest
	if !httpx.Bind(w, r, &in) {
		return
	}
	field, err := ParseField(in.Field)
	if err != nil {
		h.respondError(w, err)
		return
	}
	principal, _ := identity.PrincipalFromContext(r.Context())
	if field == FieldAssignedTo && !rbac.HasPermission(&principal, shared.PermAssignmentEdit) {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission")
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := h.loadVisible(w, r, id); !ok {
		return
	}
	result, err := h.service.UpdateField(r.Context(), id, string(field), in.Value)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type messageRequest struct {
	Text string `json:"text" validate:"required,max=5000"`
}

func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	var in messageRequest
	if !httpx.Bind(w, r, &in) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := h.loadVisible(w, r, id); !ok {
		return
	}
	principal, _ := identity.PrincipalFromContext(r.Context())
	entry, err := h.activity.PostMessage(r.Context(), id, principal, in.Text, r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request) {
	var in messageRequest
	if !httpx.Bind(w, r, &in) {
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := h.loadVisible(w, r, id); !ok {
		return
	}
	principal, _ := identity.PrincipalFromContext(r.Context())
	entry, err := h.activity.EditMessage(r.Context(), id, chi.URLParam(r, "entryID"), in.Text, principal)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("message edited", slog.String("entry_id", entry.ID), slog.String("actor_id", principal.ID))
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.loadVisible(w, r, id); !ok {
		return
	}
	principal, _ := identity.PrincipalFromContext(r.Context())
	entryID := chi.URLParam(r, "entryID")
	if err := h.activity.DeleteMessage(r.Context(), id, entryID, principal); err != nil {
		h.respondError(w, err)
		return
	}
	h.logger.Info("message deleted", slog.String("entry_id", entryID), slog.String("actor_id", principal.ID))
	w.WriteHeader(http.StatusNoContent)
}

// loadVisible fetches the request and hides it from principals that may not see it.
func (h *Handler) loadVisible(w http.ResponseWriter, r *http.Request, id string) (Record, bool) {
	rec, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return Record{}, false
	}
	principal, _ := identity.PrincipalFromContext(r.Context())
	if !Visible(principal, rec) {
		h.respondError(w, ErrNotFound)
		return Record{}, false
	}
	return rec, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, activity.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidField), errors.Is(err, ErrInvalidValue), errors.Is(err, activity.ErrEmptyMessage):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", err.Error())
	case errors.Is(err, activity.ErrMessageForbidden), errors.Is(err, activity.ErrNotMessage):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, identity.ErrNotAuthenticated):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
	default:
		if shared.IsTransport(err) {
			h.logger.Error("request store failure", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}
