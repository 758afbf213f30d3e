package users

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/k9ops/k9ops/internal/platform/httpx"
	"github.com/k9ops/k9ops/internal/rbac"
	"github.com/k9ops/k9ops/internal/shared"
)

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	localizer *shared.Localizer
	validate  *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware, localizer *shared.Localizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, localizer: localizer, validate: validator.New()}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAdminOrPermission(shared.PermAdminUsersView))
		r.Get("/", h.listUsers)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAdminOrPermission(shared.PermAdminUsersCreate))
		r.Post("/", h.createUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAdminOrPermission(shared.PermAdminPermissionsEdit))
		r.Post("/{userID}/baseline", h.reapplyBaseline)
	})
}

type createRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"max=200"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Role     string `json:"role" validate:"required"`
}

type response struct {
	Success    bool               `json:"success"`
	Message    string             `json:"message,omitempty"`
	Error      string             `json:"error,omitempty"`
	Queued     *bool              `json:"baseline_queued,omitempty"`
	Data       any                `json:"data,omitempty"`
	Pagination *shared.Pagination `json:"pagination,omitempty"`
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	users, pagination, err := h.service.ListUsers(r.Context(), q.Get("role"), page, perPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if users == nil {
		users = []User{}
	}
	httpx.JSON(w, http.StatusOK, response{Success: true, Data: users, Pagination: &pagination})
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.invalid(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.invalid(w, r, err)
		return
	}
	actorID, ok := shared.SessionFromContext(r.Context()).UserID()
	user, queued, err := h.service.CreateUser(r.Context(), CreateInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		Role:     req.Role,
	}, uuid.NullUUID{UUID: actorID, Valid: ok})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, response{
		Success: true,
		Message: h.localizer.Sprintf(r, shared.MsgUserCreated),
		Queued:  &queued,
		Data:    user,
	})
}

func (h *Handler) reapplyBaseline(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.invalid(w, r, err)
		return
	}
	actorID, ok := shared.SessionFromContext(r.Context()).UserID()
	user, err := h.service.ReapplyBaseline(r.Context(), id, uuid.NullUUID{UUID: actorID, Valid: ok})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	queued := true
	httpx.JSON(w, http.StatusAccepted, response{
		Success: true,
		Message: h.localizer.Sprintf(r, shared.MsgBaselineQueued),
		Queued:  &queued,
		Data:    user,
	})
}

func (h *Handler) invalid(w http.ResponseWriter, r *http.Request, err error) {
	httpx.JSON(w, http.StatusBadRequest, response{
		Success: false,
		Message: h.localizer.Sprintf(r, shared.MsgInvalidRequest),
		Error:   err.Error(),
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := shared.MsgStorageFailure
	switch {
	case errors.Is(err, ErrInvalidRole):
		status, msg = http.StatusBadRequest, shared.MsgInvalidRequest
	case errors.Is(err, ErrEmailTaken):
		status, msg = http.StatusConflict, shared.MsgInvalidRequest
	case errors.Is(err, ErrNotFound):
		status, msg = http.StatusNotFound, shared.MsgUserNotFound
	default:
		h.logger.Error("user management failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.JSON(w, status, response{Success: false, Message: h.localizer.Sprintf(r, msg), Error: err.Error()})
}
