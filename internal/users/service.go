package users

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/k9ops/k9ops/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, role string, limit, offset int) ([]User, int, error)
	GetUser(ctx context.Context, id uuid.UUID) (User, error)
	CreateUser(ctx context.Context, user User, passwordHash string) (User, error)
}

// BaselineEnqueuer schedules the role baseline grant for an account.
type BaselineEnqueuer interface {
	EnqueueBaseline(ctx context.Context, userID uuid.UUID, role string, grantedBy uuid.NullUUID) error
}

// Service handles user business logic.
type Service struct {
	repo     RepositoryPort
	baseline BaselineEnqueuer
	logger   *slog.Logger
	hashCost int
}

// NewService builds Service instance. baseline may be nil when no worker is
// configured; accounts then start without grants.
func NewService(repo RepositoryPort, baseline BaselineEnqueuer, logger *slog.Logger) *Service {
	return &Service{repo: repo, baseline: baseline, logger: logger, hashCost: bcrypt.DefaultCost}
}

// ListUsers returns one page of users, optionally filtered by role.
func (s *Service) ListUsers(ctx context.Context, role string, page, perPage int) ([]User, shared.Pagination, error) {
	if role != "" && !shared.ValidRole(role) {
		return nil, shared.Pagination{}, ErrInvalidRole
	}
	page, perPage = shared.NormalizePage(page, perPage)
	users, total, err := s.repo.ListUsers(ctx, role, perPage, (page-1)*perPage)
	if err != nil {
		return nil, shared.Pagination{}, fmt.Errorf("users: list: %w", err)
	}
	return users, shared.NewPagination(page, perPage, total), nil
}

// CreateUser stores a new account and queues its role baseline. queued
// reports whether the baseline task was accepted.
func (s *Service) CreateUser(ctx context.Context, in CreateInput, actor uuid.NullUUID) (user User, queued bool, err error) {
	in.Role = strings.TrimSpace(in.Role)
	if !shared.ValidRole(in.Role) {
		return User{}, false, ErrInvalidRole
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return User{}, false, fmt.Errorf("users: hash password: %w", err)
	}
	user, err = s.repo.CreateUser(ctx, User{
		ID:    uuid.New(),
		Email: strings.TrimSpace(in.Email),
		Name:  strings.TrimSpace(in.Name),
		Role:  in.Role,
	}, string(hash))
	if err != nil {
		return User{}, false, err
	}
	queued = s.enqueueBaseline(ctx, user, actor)
	return user, queued, nil
}

// ReapplyBaseline queues the role baseline again for an existing account.
func (s *Service) ReapplyBaseline(ctx context.Context, id uuid.UUID, actor uuid.NullUUID) (User, error) {
	user, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	if s.baseline == nil {
		return User{}, fmt.Errorf("users: baseline queue not configured")
	}
	if err := s.baseline.EnqueueBaseline(ctx, user.ID, user.Role, actor); err != nil {
		return User{}, fmt.Errorf("users: enqueue baseline: %w", err)
	}
	return user, nil
}

func (s *Service) enqueueBaseline(ctx context.Context, user User, actor uuid.NullUUID) bool {
	if s.baseline == nil {
		return false
	}
	if err := s.baseline.EnqueueBaseline(ctx, user.ID, user.Role, actor); err != nil {
		if s.logger != nil {
			s.logger.Warn("enqueue permission baseline", slog.String("user_id", user.ID.String()), slog.Any("error", err))
		}
		return false
	}
	return true
}
