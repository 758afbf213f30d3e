package rbac

import (
	"context"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/k9ops/k9ops/internal/shared"
)

// Decision is the outcome of a guard evaluation.
type Decision int

const (
	// Unauthenticated means no valid session; checked before any permission logic.
	Unauthenticated Decision = iota
	Deny
	Allow
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "unauthenticated"
	}
}

// Requirement declares what a protected operation needs.
type Requirement struct {
	Kind string
	Keys []string
}

// Requirement kinds.
const (
	KindPermission   = "permission"
	KindAny          = "any"
	KindAll          = "all"
	KindAdminOrGrant = "admin_or_permission"
)

// Single requires key.
func Single(key string) Requirement {
	return Requirement{Kind: KindPermission, Keys: normalizeKeys([]string{key})}
}

// AnyOf requires at least one of keys.
func AnyOf(keys ...string) Requirement {
	return Requirement{Kind: KindAny, Keys: normalizeKeys(keys)}
}

// AllOf requires every key.
func AllOf(keys ...string) Requirement {
	return Requirement{Kind: KindAll, Keys: normalizeKeys(keys)}
}

// AdminOr admits a general admin in general admin mode or a holder of key.
func AdminOr(key string) Requirement {
	return Requirement{Kind: KindAdminOrGrant, Keys: normalizeKeys([]string{key})}
}

func (req Requirement) satisfied(p Principal, held PermissionSet) bool {
	switch req.Kind {
	case KindAny:
		return HasAny(p, held, req.Keys...)
	case KindAll:
		return HasAll(p, held, req.Keys...)
	default:
		// Single and AdminOr both reduce to bypass-or-membership.
		if len(req.Keys) == 0 {
			return p.Bypass()
		}
		return HasPermission(p, held, req.Keys[0])
	}
}

// DecisionRecorder receives guard outcomes for metrics.
type DecisionRecorder interface {
	ObserveDecision(kind, outcome string)
}

// Middleware wires permission checks for HTTP handlers.
type Middleware struct {
	Cache       *SessionCache
	Localizer   *shared.Localizer
	Logger      *slog.Logger
	Metrics     DecisionRecorder
	LoginPath   string
	LandingPath string
}

// RequirePermission admits requests whose principal holds key.
func (m Middleware) RequirePermission(key string) func(http.Handler) http.Handler {
	return m.Require(Single(key))
}

// RequireAny admits requests whose principal holds at least one key.
func (m Middleware) RequireAny(keys ...string) func(http.Handler) http.Handler {
	return m.Require(AnyOf(keys...))
}

// RequireAll admits requests whose principal holds every key.
func (m Middleware) RequireAll(keys ...string) func(http.Handler) http.Handler {
	return m.Require(AllOf(keys...))
}

// RequireAdminOrPermission admits general admins in general admin mode and
// anyone holding key, which lets admin screens be delegated.
func (m Middleware) RequireAdminOrPermission(key string) func(http.Handler) http.Handler {
	return m.Require(AdminOr(key))
}

// Require enforces req: authenticate, evaluate, then allow or deny.
func (m Middleware) Require(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := m.Decide(r.Context(), req)
			if err != nil {
				m.observe(req, "error")
				if m.Logger != nil {
					m.Logger.Error("rbac load permissions", slog.String("path", r.URL.Path), slog.Any("error", err))
				}
				m.fail(w, r, http.StatusInternalServerError, shared.MsgStorageFailure)
				return
			}
			m.observe(req, decision.String())
			switch decision {
			case Allow:
				next.ServeHTTP(w, r)
			case Unauthenticated:
				if IsAPIRequest(r) {
					m.fail(w, r, http.StatusUnauthorized, shared.MsgLoginRequired)
					return
				}
				m.redirect(w, r, m.loginPath(), shared.MsgLoginRequired)
			default:
				if IsAPIRequest(r) {
					m.fail(w, r, http.StatusForbidden, shared.MsgAccessDenied)
					return
				}
				m.redirect(w, r, m.landingPath(), shared.MsgAccessDenied)
			}
		})
	}
}

// Decide evaluates req for the session bound to ctx. An error means the
// permission set could not be loaded and is never a deny.
func (m Middleware) Decide(ctx context.Context, req Requirement) (Decision, error) {
	sess := shared.SessionFromContext(ctx)
	principal := PrincipalFromSession(sess)
	if !principal.Authenticated {
		return Unauthenticated, nil
	}
	if principal.Bypass() {
		return Allow, nil
	}
	held, err := m.Cache.Load(ctx, sess, principal.UserID)
	if err != nil {
		return Deny, err
	}
	if req.satisfied(principal, held) {
		return Allow, nil
	}
	return Deny, nil
}

// HasPermission reports whether the session principal in ctx holds key.
// Load failures evaluate to false.
func (m Middleware) HasPermission(ctx context.Context, key string) bool {
	return m.check(ctx, Single(key))
}

// HasAnyPermission reports whether the session principal holds any of keys.
func (m Middleware) HasAnyPermission(ctx context.Context, keys ...string) bool {
	return m.check(ctx, AnyOf(keys...))
}

// HasAllPermissions reports whether the session principal holds every key.
func (m Middleware) HasAllPermissions(ctx context.Context, keys ...string) bool {
	return m.check(ctx, AllOf(keys...))
}

func (m Middleware) check(ctx context.Context, req Requirement) bool {
	decision, err := m.Decide(ctx, req)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Warn("rbac check failed", slog.Any("error", err))
		}
		return false
	}
	return decision == Allow
}

// IsAPIRequest reports whether r expects a JSON answer rather than a page.
func IsAPIRequest(r *http.Request) bool {
	if r.Header.Get("X-Requested-With") == "XMLHttpRequest" {
		return true
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil && mediaType == "application/json" {
			return true
		}
	}
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mediaType {
		case "application/json":
			return true
		case "text/html", "application/xhtml+xml":
			return false
		}
	}
	return false
}

func (m Middleware) fail(w http.ResponseWriter, r *http.Request, status int, key string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: m.Localizer.Sprintf(r, key)})
}

func (m Middleware) redirect(w http.ResponseWriter, r *http.Request, target, key string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: "warning", Message: m.Localizer.Sprintf(r, key)})
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (m Middleware) observe(req Requirement, outcome string) {
	if m.Metrics != nil {
		m.Metrics.ObserveDecision(req.Kind, outcome)
	}
}

func (m Middleware) loginPath() string {
	if m.LoginPath != "" {
		return m.LoginPath
	}
	return "/auth/login"
}

func (m Middleware) landingPath() string {
	if m.LandingPath != "" {
		return m.LandingPath
	}
	return "/"
}
