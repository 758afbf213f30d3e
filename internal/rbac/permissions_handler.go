package rbac

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/k9ops/k9ops/internal/platform/httpx"
	"github.com/k9ops/k9ops/internal/shared"
)

// ChangeRecorder receives committed grant change counts for metrics.
type ChangeRecorder interface {
	ObservePermissionChanges(action string, n int)
}

// PermissionsHandler serves the permission management JSON endpoints.
type PermissionsHandler struct {
	logger    *slog.Logger
	service   *Service
	exports   *ExportService
	rbac      Middleware
	localizer *shared.Localizer
	validate  *validator.Validate
	metrics   ChangeRecorder
}

// NewPermissionsHandler builds a PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service *Service, exports *ExportService, rbac Middleware, localizer *shared.Localizer, metrics ChangeRecorder) *PermissionsHandler {
	return &PermissionsHandler{
		logger:    logger,
		service:   service,
		exports:   exports,
		rbac:      rbac,
		localizer: localizer,
		validate:  validator.New(),
		metrics:   metrics,
	}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAdminOrPermission(shared.PermAdminPermissionsView))
		r.Get("/", h.listGrouped)
		r.Get("/users/{userID}", h.listForUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAdminOrPermission(shared.PermAdminPermissionsEdit))
		r.Post("/grant", h.grant)
		r.Post("/revoke", h.revoke)
		r.Post("/batch-grant", h.batchGrant)
		r.Post("/batch-revoke", h.batchRevoke)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAdminOrPermission(shared.PermAdminAuditView))
		r.Get("/audit", h.listAudit)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAdminOrPermission(shared.PermAdminPermissionsExport))
		r.Get("/export", h.export)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAdminOrPermission(shared.PermAdminPermissionsManage))
		r.Post("/catalog", h.registerPermission)
		r.Delete("/catalog/{key}", h.deletePermission)
	})
}

type envelope struct {
	Success    bool               `json:"success"`
	Message    string             `json:"message,omitempty"`
	Error      string             `json:"error,omitempty"`
	Count      *int               `json:"count,omitempty"`
	Changed    *bool              `json:"changed,omitempty"`
	Data       any                `json:"data,omitempty"`
	Pagination *shared.Pagination `json:"pagination,omitempty"`
}

type grantRequest struct {
	UserID        string `json:"user_id" validate:"required,uuid"`
	PermissionKey string `json:"permission_key" validate:"required,max=100"`
}

type batchRequest struct {
	UserID         string   `json:"user_id" validate:"required,uuid"`
	PermissionKeys []string `json:"permission_keys" validate:"required,min=1,max=500,dive,required,max=100"`
}

type catalogRequest struct {
	Key         string `json:"key" validate:"required,max=100"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=2000"`
	Category    string `json:"category" validate:"max=50"`
}

func (h *PermissionsHandler) listGrouped(w http.ResponseWriter, r *http.Request) {
	grouped, err := h.service.ListGroupedByCategory(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, envelope{Success: true, Data: SortedGroups(grouped)})
}

func (h *PermissionsHandler) listForUser(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		h.invalid(w, r, err)
		return
	}
	keys, err := h.service.ListForUser(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	count := len(keys)
	h.respond(w, http.StatusOK, envelope{Success: true, Count: &count, Data: keys})
}

func (h *PermissionsHandler) grant(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, ActionGranted)
}

func (h *PermissionsHandler) revoke(w http.ResponseWriter, r *http.Request) {
	h.single(w, r, ActionRevoked)
}

func (h *PermissionsHandler) single(w http.ResponseWriter, r *http.Request, action Action) {
	var req grantRequest
	if err := h.decode(r, &req); err != nil {
		h.invalid(w, r, err)
		return
	}
	userID := uuid.MustParse(req.UserID)
	actor := actorFromRequest(r)

	var (
		result GrantResult
		err    error
		msg    = shared.MsgPermissionGranted
	)
	if action == ActionGranted {
		result, err = h.service.Grant(r.Context(), userID, req.PermissionKey, actor)
	} else {
		result, err = h.service.Revoke(r.Context(), userID, req.PermissionKey, actor)
		msg = shared.MsgPermissionRevoked
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !result.Changed {
		msg = shared.MsgPermissionUnchanged
	} else {
		h.observe(action, 1)
	}
	changed := result.Changed
	h.respond(w, http.StatusOK, envelope{
		Success: true,
		Message: h.localizer.Sprintf(r, msg),
		Changed: &changed,
		Data:    result,
	})
}

func (h *PermissionsHandler) batchGrant(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, ActionGranted)
}

func (h *PermissionsHandler) batchRevoke(w http.ResponseWriter, r *http.Request) {
	h.batch(w, r, ActionRevoked)
}

func (h *PermissionsHandler) batch(w http.ResponseWriter, r *http.Request, action Action) {
	var req batchRequest
	if err := h.decode(r, &req); err != nil {
		h.invalid(w, r, err)
		return
	}
	userID := uuid.MustParse(req.UserID)
	actor := actorFromRequest(r)

	var (
		count int
		err   error
		msg   = shared.MsgBatchGranted
	)
	if action == ActionGranted {
		count, err = h.service.BatchGrant(r.Context(), userID, req.PermissionKeys, actor)
	} else {
		count, err = h.service.BatchRevoke(r.Context(), userID, req.PermissionKeys, actor)
		msg = shared.MsgBatchRevoked
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.observe(action, count)
	h.respond(w, http.StatusOK, envelope{
		Success: true,
		Message: h.localizer.Sprintf(r, msg, count),
		Count:   &count,
	})
}

func (h *PermissionsHandler) listAudit(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.invalid(w, r, err)
		return
	}
	entries, page, err := h.service.ListAudit(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	h.respond(w, http.StatusOK, envelope{Success: true, Data: entries, Pagination: &page})
}

func (h *PermissionsHandler) export(w http.ResponseWriter, r *http.Request) {
	category := strings.TrimSpace(strings.ToLower(r.URL.Query().Get("category")))
	out, err := h.exports.Build(r.Context(), category)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	count := len(out.Pairs)
	h.respond(w, http.StatusOK, envelope{Success: true, Count: &count, Data: out})
}

func (h *PermissionsHandler) registerPermission(w http.ResponseWriter, r *http.Request) {
	var req catalogRequest
	if err := h.decode(r, &req); err != nil {
		h.invalid(w, r, err)
		return
	}
	perm, created, err := h.service.RegisterPermission(r.Context(), Permission{
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.respond(w, status, envelope{Success: true, Message: h.localizer.Sprintf(r, shared.MsgCatalogUpdated), Data: perm})
}

func (h *PermissionsHandler) deletePermission(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	revoked, err := h.service.DeletePermission(r.Context(), key, actorFromRequest(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.observe(ActionRevoked, revoked)
	h.respond(w, http.StatusOK, envelope{Success: true, Message: h.localizer.Sprintf(r, shared.MsgCatalogDeleted), Count: &revoked})
}

func (h *PermissionsHandler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	return h.validate.Struct(target)
}

func (h *PermissionsHandler) invalid(w http.ResponseWriter, r *http.Request, err error) {
	h.respond(w, http.StatusBadRequest, envelope{
		Success: false,
		Message: h.localizer.Sprintf(r, shared.MsgInvalidRequest),
		Error:   err.Error(),
	})
}

// fail maps service errors onto the envelope. Caller errors are reported
// back as-is; storage failures surface their message for operators.
func (h *PermissionsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := shared.MsgStorageFailure
	switch {
	case errors.Is(err, ErrUnknownPermission):
		status, msg = http.StatusNotFound, shared.MsgUnknownPermission
	case errors.Is(err, ErrUserNotFound):
		status, msg = http.StatusNotFound, shared.MsgUserNotFound
	case errors.Is(err, ErrInvalidKey):
		status, msg = http.StatusBadRequest, shared.MsgInvalidKey
	default:
		if h.logger != nil {
			h.logger.Error("permission management failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
	}
	h.respond(w, status, envelope{Success: false, Message: h.localizer.Sprintf(r, msg), Error: err.Error()})
}

func (h *PermissionsHandler) respond(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil && h.logger != nil {
		h.logger.Error("encode response", slog.Any("error", err))
	}
}

func (h *PermissionsHandler) observe(action Action, n int) {
	if h.metrics != nil {
		h.metrics.ObservePermissionChanges(string(action), n)
	}
}

func actorFromRequest(r *http.Request) uuid.NullUUID {
	id, ok := shared.SessionFromContext(r.Context()).UserID()
	return uuid.NullUUID{UUID: id, Valid: ok}
}

func parseAuditFilter(r *http.Request) (AuditFilter, error) {
	q := r.URL.Query()
	var filter AuditFilter
	if raw := q.Get("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return AuditFilter{}, err
		}
		filter.UserID = uuid.NullUUID{UUID: id, Valid: true}
	}
	if raw := q.Get("actor_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return AuditFilter{}, err
		}
		filter.ActorID = uuid.NullUUID{UUID: id, Valid: true}
	}
	if raw := q.Get("action"); raw != "" {
		filter.Action = Action(raw)
		if !filter.Action.Valid() {
			return AuditFilter{}, errors.New("action must be granted or revoked")
		}
	}
	filter.Key = q.Get("key")
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return AuditFilter{}, err
		}
		*dst = t
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	return filter, nil
}
