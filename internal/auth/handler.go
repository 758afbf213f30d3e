package auth

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/k9ops/k9ops/internal/platform/httpx"
	"github.com/k9ops/k9ops/internal/rbac"
	"github.com/k9ops/k9ops/internal/shared"
	"github.com/k9ops/k9ops/internal/view"
)

// PermissionCache is the slice of rbac.SessionCache the login flow needs.
type PermissionCache interface {
	Rebuild(ctx context.Context, sess *shared.Session, userID uuid.UUID) (rbac.PermissionSet, error)
	Discard(sess *shared.Session)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	templates      *view.Engine
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	permissions    PermissionCache
	localizer      *shared.Localizer
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager, permissions PermissionCache, localizer *shared.Localizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		templates:      templates,
		sessionManager: sessions,
		csrfManager:    csrf,
		permissions:    permissions,
		localizer:      localizer,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Post("/mode", h.handleMode)
}

type loginForm struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type modeForm struct {
	Mode string `json:"mode" validate:"required,oneof=general_admin project_manager"`
}

type loginPageData struct {
	Form   loginForm
	Errors map[string]string
}

type response struct {
	Success bool              `json:"success"`
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
	Data    any               `json:"data,omitempty"`
}

type sessionInfo struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Mode   string `json:"mode"`
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	h.renderLogin(w, r, http.StatusOK, loginPageData{})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var form loginForm
	if err := h.decode(r, &form, func() {
		form.Email = r.PostFormValue("email")
		form.Password = r.PostFormValue("password")
	}); err != nil {
		h.respondError(w, r, http.StatusBadRequest, shared.MsgInvalidRequest, err)
		return
	}

	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fieldErr := range fieldErrs {
				errs[fieldErr.Field()] = fieldErr.Error()
			}
		}
	}

	if len(errs) == 0 {
		user, err := h.service.Authenticate(r.Context(), form.Email, form.Password)
		if err == nil {
			h.startSession(w, r, user)
			return
		}
		errs["general"] = h.localizer.Sprintf(r, shared.MsgInvalidCredentials)
	}

	form.Password = ""
	if rbac.IsAPIRequest(r) {
		httpx.JSON(w, http.StatusUnauthorized, response{
			Success: false,
			Error:   h.localizer.Sprintf(r, shared.MsgInvalidCredentials),
			Errors:  errs,
		})
		return
	}
	h.renderLogin(w, r, http.StatusBadRequest, loginPageData{Form: form, Errors: errs})
}

// startSession binds user to the request session, rotates the CSRF token and
// materialises the permission cache before the response is committed.
func (h *Handler) startSession(w http.ResponseWriter, r *http.Request, user *User) {
	ctx := r.Context()
	sess := shared.SessionFromContext(ctx)
	if sess == nil {
		h.logger.Error("session missing during login")
		h.respondError(w, r, http.StatusInternalServerError, shared.MsgStorageFailure, errors.New("session missing"))
		return
	}

	sess.Clear()
	if err := h.sessionManager.Regenerate(ctx, sess); err != nil {
		h.logger.Error("regenerate session", slog.Any("error", err))
		h.respondError(w, r, http.StatusInternalServerError, shared.MsgStorageFailure, err)
		return
	}
	sess.SetUser(user.ID.String())
	sess.Set(shared.SessionRoleKey, user.Role)
	if _, err := h.csrfManager.Rotate(ctx, sess); err != nil {
		h.logger.Warn("rotate csrf token", slog.Any("error", err))
	}
	if h.permissions != nil {
		if _, err := h.permissions.Rebuild(ctx, sess, user.ID); err != nil {
			// The guard rebuilds lazily on the next request.
			h.permissions.Discard(sess)
			h.logger.Warn("load permissions at login", slog.String("user_id", user.ID.String()), slog.Any("error", err))
		}
	}

	expiresAt := time.Now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(ctx, sess.ID, user.ID, expiresAt, shared.ClientIPFromContext(ctx), r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}

	msg := h.localizer.Sprintf(r, shared.MsgWelcomeBack)
	if rbac.IsAPIRequest(r) {
		httpx.JSON(w, http.StatusOK, response{
			Success: true,
			Message: msg,
			Data:    sessionInfo{UserID: user.ID.String(), Role: user.Role, Mode: rbac.PrincipalFromSession(sess).Mode},
		})
		return
	}
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: msg})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if h.permissions != nil {
			h.permissions.Discard(sess)
		}
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	if rbac.IsAPIRequest(r) {
		httpx.JSON(w, http.StatusOK, response{Success: true, Message: h.localizer.Sprintf(r, shared.MsgLoggedOut)})
		return
	}
	http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
}

func (h *Handler) handleMode(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	principal := rbac.PrincipalFromSession(sess)
	if !principal.Authenticated {
		if rbac.IsAPIRequest(r) {
			h.respondError(w, r, http.StatusUnauthorized, shared.MsgLoginRequired, nil)
			return
		}
		if sess != nil {
			sess.AddFlash(shared.FlashMessage{Kind: "warning", Message: h.localizer.Sprintf(r, shared.MsgLoginRequired)})
		}
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
		return
	}

	var form modeForm
	if err := h.decode(r, &form, func() { form.Mode = r.PostFormValue("mode") }); err != nil {
		h.respondError(w, r, http.StatusBadRequest, shared.MsgInvalidRequest, err)
		return
	}
	if err := h.validator.Struct(form); err != nil {
		h.respondError(w, r, http.StatusBadRequest, shared.MsgInvalidRequest, err)
		return
	}

	err := h.service.SwitchMode(r.Context(), principal.UserID, principal.Role, principal.Mode, form.Mode)
	switch {
	case errors.Is(err, shared.ErrModeNotAllowed):
		h.respondError(w, r, http.StatusForbidden, shared.MsgModeNotAllowed, err)
		return
	case err != nil:
		h.logger.Error("record mode switch", slog.Any("error", err))
		h.respondError(w, r, http.StatusInternalServerError, shared.MsgStorageFailure, err)
		return
	}

	sess.Set(shared.SessionModeKey, form.Mode)
	if _, err := h.csrfManager.Rotate(r.Context(), sess); err != nil {
		h.logger.Warn("rotate csrf token", slog.Any("error", err))
	}
	msg := h.localizer.Sprintf(r, shared.MsgModeSwitched)
	if rbac.IsAPIRequest(r) {
		httpx.JSON(w, http.StatusOK, response{
			Success: true,
			Message: msg,
			Data:    sessionInfo{UserID: principal.UserID.String(), Role: principal.Role, Mode: form.Mode},
		})
		return
	}
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: msg})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// decode reads a JSON body when the request declares one and falls back to
// form values otherwise.
func (h *Handler) decode(r *http.Request, target any, fromForm func()) error {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mediaType == "application/json" {
		return httpx.DecodeJSON(r, target)
	}
	if err := r.ParseForm(); err != nil {
		return err
	}
	fromForm()
	return nil
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, key string, err error) {
	if !rbac.IsAPIRequest(r) && status == http.StatusForbidden {
		if sess := shared.SessionFromContext(r.Context()); sess != nil {
			sess.AddFlash(shared.FlashMessage{Kind: "warning", Message: h.localizer.Sprintf(r, key)})
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	body := response{Success: false, Message: h.localizer.Sprintf(r, key), Error: h.localizer.Sprintf(r, key)}
	if err != nil && status != http.StatusForbidden {
		body.Error = err.Error()
	}
	httpx.JSON(w, status, body)
}

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, status int, data loginPageData) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrfManager.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:     shared.TitleLogin,
		CSRFToken: csrfToken,
		Flash:     flash,
		Data:      data,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, r, "pages/login.html", viewData); err != nil {
		h.logger.Error("render login", slog.Any("error", err))
	}
}

