package app

import (
	"log/slog"
	"net/http"

	"github.com/k9ops/k9ops/internal/rbac"
	"github.com/k9ops/k9ops/internal/shared"
	"github.com/k9ops/k9ops/internal/view"
)

type homeData struct {
	Role        string
	Mode        string
	Permissions []string
}

// homeHandler renders the signed-in dashboard listing the caller's role,
// operating mode and effective permissions.
type homeHandler struct {
	logger    *slog.Logger
	templates *view.Engine
	csrf      *shared.CSRFManager
	cache     *rbac.SessionCache
}

func (h homeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	principal := rbac.PrincipalFromSession(sess)
	if !principal.Authenticated {
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
		return
	}

	data := homeData{Role: principal.Role, Mode: principal.Mode}
	if principal.Bypass() {
		data.Permissions = []string{"*"}
	} else if h.cache != nil {
		held, err := h.cache.Load(r.Context(), sess, principal.UserID)
		if err != nil {
			h.logger.Error("load permissions for home", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		data.Permissions = held.Keys()
	}

	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	viewData := view.TemplateData{
		Title:     shared.TitleHome,
		CSRFToken: csrfToken,
		Flash:     sess.PopFlash(),
		Data:      data,
	}
	if err := h.templates.Render(w, r, "pages/home.html", viewData); err != nil {
		h.logger.Error("render home", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
