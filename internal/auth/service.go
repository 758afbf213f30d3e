package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/k9ops/k9ops/internal/shared"
)

// AuditRecorder persists generic access events. Satisfied by
// *shared.AuditLogger.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service wraps authentication business rules.
type Service struct {
	repo  Repository
	audit AuditRecorder
}

// NewService constructs a new Service. audit may be nil.
func NewService(repo Repository, audit AuditRecorder) *Service {
	return &Service{repo: repo, audit: audit}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID uuid.UUID, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

// SwitchMode validates a mode change for a user holding role. Only general
// admins may switch; the change is written to the access audit log.
func (s *Service) SwitchMode(ctx context.Context, userID uuid.UUID, role, from, to string) error {
	if role != shared.RoleGeneralAdmin || !shared.ValidMode(to) {
		return shared.ErrModeNotAllowed
	}
	if from == to || s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, shared.AuditLog{
		ActorID:  uuid.NullUUID{UUID: userID, Valid: true},
		Action:   "mode_switch",
		Entity:   "user",
		EntityID: userID.String(),
		Meta:     map[string]any{"from": from, "to": to, "ip": shared.ClientIPFromContext(ctx)},
	})
}
