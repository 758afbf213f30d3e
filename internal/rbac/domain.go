package rbac

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/k9ops/k9ops/internal/shared"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrUnknownPermission is returned when a key is absent from the catalog.
	ErrUnknownPermission = errors.New("rbac: unknown permission")
	// ErrInvalidKey rejects keys that do not follow the namespace.action shape.
	ErrInvalidKey = errors.New("rbac: invalid permission key")
	// ErrUserNotFound is returned when a grant targets a user that does not exist.
	ErrUserNotFound = errors.New("rbac: user not found")
)

// Permission is a catalog entry.
type Permission struct {
	ID          uuid.UUID `json:"id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Grant ties a permission to a user.
type Grant struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	PermissionID uuid.UUID
	GrantedAt    time.Time
	GrantedBy    uuid.NullUUID
}

// Action labels an audit entry.
type Action string

const (
	ActionGranted Action = "granted"
	ActionRevoked Action = "revoked"
)

// Valid reports whether a is a recognised action.
func (a Action) Valid() bool {
	return a == ActionGranted || a == ActionRevoked
}

// AuditEntry is an immutable record of one grant or revoke.
type AuditEntry struct {
	ID            uuid.UUID     `json:"id"`
	UserID        uuid.UUID     `json:"user_id"`
	PermissionID  uuid.NullUUID `json:"permission_id"`
	PermissionKey string        `json:"permission_key"`
	Action        Action        `json:"action"`
	ChangedBy     uuid.NullUUID `json:"changed_by_user_id"`
	IPAddress     string        `json:"ip_address,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// AuditFilter narrows audit listings. Zero values are ignored.
type AuditFilter struct {
	UserID  uuid.NullUUID
	ActorID uuid.NullUUID
	Action  Action
	Key     string
	From    time.Time
	To      time.Time
	Page    int
	PerPage int
}

// GrantResult reports whether a single grant or revoke changed stored state.
type GrantResult struct {
	Key     string `json:"key"`
	Changed bool   `json:"changed"`
}

// Holder is a (user, permission) pair used by exports.
type Holder struct {
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	Key      string    `json:"permission_key"`
	Category string    `json:"category"`
}

// Principal describes the actor a check is evaluated for.
type Principal struct {
	UserID        uuid.UUID
	Role          string
	Mode          string
	Authenticated bool
}

// Bypass reports whether the principal is a general admin operating in
// general admin mode.
func (p Principal) Bypass() bool {
	return p.Authenticated && p.Role == shared.RoleGeneralAdmin && p.Mode == shared.ModeGeneralAdmin
}

// PrincipalFromSession derives the principal bound to sess. A missing mode
// defaults to general admin mode.
func PrincipalFromSession(sess *shared.Session) Principal {
	if sess == nil {
		return Principal{}
	}
	id, ok := sess.UserID()
	if !ok {
		return Principal{}
	}
	mode := sess.Get(shared.SessionModeKey)
	if mode == "" {
		mode = shared.ModeGeneralAdmin
	}
	return Principal{
		UserID:        id,
		Role:          sess.Get(shared.SessionRoleKey),
		Mode:          mode,
		Authenticated: true,
	}
}
