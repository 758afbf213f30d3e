package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/k9ops/k9ops/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListUserPermissionKeys(ctx context.Context, userID uuid.UUID) ([]string, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	UpsertPermission(ctx context.Context, p Permission) (Permission, bool, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, int, error)
	ListHolders(ctx context.Context, category string) ([]Holder, error)
}

// Service orchestrates catalog maintenance and grant mutations.
type Service struct {
	repo    RepositoryPort
	catalog *Catalog
	cache   *SessionCache
	stamps  StampStore
	logger  *slog.Logger

	reload singleflight.Group

	seedMu sync.RWMutex
	seed   *SeedFile
}

// NewService constructs a Service. cache and stamps may be nil in tools that
// never serve sessions.
func NewService(repo RepositoryPort, catalog *Catalog, cache *SessionCache, stamps StampStore, logger *slog.Logger) *Service {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Service{repo: repo, catalog: catalog, cache: cache, stamps: stamps, logger: logger}
}

// Catalog exposes the in-process registry.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// Grant gives key to userID. Granting a held key is a successful no-op.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, key string, grantedBy uuid.NullUUID) (GrantResult, error) {
	return s.single(ctx, userID, key, grantedBy, ActionGranted)
}

// Revoke removes key from userID. Revoking a key that is not held is a
// successful no-op.
func (s *Service) Revoke(ctx context.Context, userID uuid.UUID, key string, revokedBy uuid.NullUUID) (GrantResult, error) {
	return s.single(ctx, userID, key, revokedBy, ActionRevoked)
}

// BatchGrant grants every key in one transaction and returns how many grants
// were created. Any unknown key aborts the whole batch.
func (s *Service) BatchGrant(ctx context.Context, userID uuid.UUID, keys []string, grantedBy uuid.NullUUID) (int, error) {
	results, err := s.apply(ctx, userID, normalizeKeys(keys), grantedBy, ActionGranted)
	if err != nil {
		return 0, err
	}
	return countChanged(results), nil
}

// BatchRevoke revokes every key in one transaction and returns how many grants
// were removed. Any unknown key aborts the whole batch.
func (s *Service) BatchRevoke(ctx context.Context, userID uuid.UUID, keys []string, revokedBy uuid.NullUUID) (int, error) {
	results, err := s.apply(ctx, userID, normalizeKeys(keys), revokedBy, ActionRevoked)
	if err != nil {
		return 0, err
	}
	return countChanged(results), nil
}

// ListForUser returns the keys stored for userID, sorted.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]string, error) {
	keys, err := s.repo.ListUserPermissionKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: list user permissions: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// ListGroupedByCategory returns the catalog grouped by category.
func (s *Service) ListGroupedByCategory(ctx context.Context) (map[string][]Permission, error) {
	if err := s.ReloadCatalog(ctx); err != nil {
		return nil, err
	}
	return s.catalog.ListByCategory(), nil
}

// ReloadCatalog refreshes the registry from storage. Concurrent callers share
// one query, which is detached from the cancellation of whichever caller
// started it.
func (s *Service) ReloadCatalog(ctx context.Context) error {
	_, err, _ := s.reload.Do("catalog", func() (any, error) {
		perms, err := s.repo.ListPermissions(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("rbac: load catalog: %w", err)
		}
		s.catalog.Replace(perms)
		return nil, nil
	})
	return err
}

// RegisterPermission persists a catalog entry. Re-registering a key updates
// its display metadata only.
func (s *Service) RegisterPermission(ctx context.Context, p Permission) (Permission, bool, error) {
	p, err := preparePermission(p)
	if err != nil {
		return Permission{}, false, err
	}
	stored, created, err := s.repo.UpsertPermission(ctx, p)
	if err != nil {
		return Permission{}, false, fmt.Errorf("rbac: register %s: %w", p.Key, err)
	}
	s.catalog.Put(stored)
	return stored, created, nil
}

// DeletePermission removes key from the catalog. Every grant of it is revoked
// with an audit entry first, and the affected users' caches are invalidated.
// It returns the number of revoked grants.
func (s *Service) DeletePermission(ctx context.Context, key string, actor uuid.NullUUID) (int, error) {
	key = NormalizeKey(key)
	ip := shared.ClientIPFromContext(ctx)
	var holders []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		holders = nil
		perm, err := tx.LockPermission(ctx, key)
		if err != nil {
			return err
		}
		users, err := tx.ListPermissionHolders(ctx, perm.ID)
		if err != nil {
			return err
		}
		for _, userID := range users {
			removed, err := tx.DeleteGrant(ctx, userID, perm.ID)
			if err != nil {
				return err
			}
			if !removed {
				continue
			}
			if err := tx.AppendAudit(ctx, AuditEntry{
				UserID:        userID,
				PermissionID:  uuid.NullUUID{UUID: perm.ID, Valid: true},
				PermissionKey: perm.Key,
				Action:        ActionRevoked,
				ChangedBy:     actor,
				IPAddress:     ip,
			}); err != nil {
				return err
			}
			holders = append(holders, userID)
		}
		return tx.DeletePermission(ctx, perm.ID)
	})
	if err != nil {
		return 0, err
	}
	s.catalog.Remove(key)
	s.afterChange(ctx, holders...)
	if s.logger != nil {
		s.logger.Info("permission deleted", slog.String("key", key), slog.Int("revoked", len(holders)))
	}
	return len(holders), nil
}

// SeedCatalog registers every entry of seed and keeps its role baselines.
func (s *Service) SeedCatalog(ctx context.Context, seed SeedFile) (created, updated int, err error) {
	for _, p := range seed.Permissions() {
		_, isNew, err := s.RegisterPermission(ctx, p)
		if err != nil {
			return created, updated, err
		}
		if isNew {
			created++
		} else {
			updated++
		}
	}
	s.seedMu.Lock()
	s.seed = &seed
	s.seedMu.Unlock()
	if err := s.ReloadCatalog(ctx); err != nil {
		return created, updated, err
	}
	if s.logger != nil {
		s.logger.Info("permission catalog seeded", slog.Int("created", created), slog.Int("updated", updated))
	}
	return created, updated, nil
}

// ApplyBaseline grants the default permission set of role to userID.
func (s *Service) ApplyBaseline(ctx context.Context, userID uuid.UUID, role string, actor uuid.NullUUID) (int, error) {
	seed, err := s.baselines()
	if err != nil {
		return 0, err
	}
	patterns := seed.Baseline(role)
	if len(patterns) == 0 {
		return 0, nil
	}
	// The local snapshot may predate catalog edits made by another process.
	if err := s.ReloadCatalog(ctx); err != nil {
		return 0, err
	}
	keys, unmatched := s.catalog.Expand(patterns...)
	if len(unmatched) > 0 && s.logger != nil {
		s.logger.Warn("baseline patterns match no permission", slog.String("role", role), slog.Any("patterns", unmatched))
	}
	return s.BatchGrant(ctx, userID, keys, actor)
}

func (s *Service) baselines() (SeedFile, error) {
	s.seedMu.RLock()
	seed := s.seed
	s.seedMu.RUnlock()
	if seed != nil {
		return *seed, nil
	}
	def, err := DefaultSeed()
	if err != nil {
		return SeedFile{}, err
	}
	s.seedMu.Lock()
	s.seed = &def
	s.seedMu.Unlock()
	return def, nil
}

func (s *Service) single(ctx context.Context, userID uuid.UUID, key string, actor uuid.NullUUID, action Action) (GrantResult, error) {
	key = NormalizeKey(key)
	if key == "" {
		return GrantResult{}, fmt.Errorf("%w: empty key", ErrUnknownPermission)
	}
	results, err := s.apply(ctx, userID, []string{key}, actor, action)
	if err != nil {
		return GrantResult{}, err
	}
	return results[0], nil
}

// apply performs one grant or revoke per key inside a single transaction.
// keys must already be normalised and de-duplicated.
func (s *Service) apply(ctx context.Context, userID uuid.UUID, keys []string, actor uuid.NullUUID, action Action) ([]GrantResult, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ip := shared.ClientIPFromContext(ctx)
	var results []GrantResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		results = make([]GrantResult, 0, len(keys))
		perms, err := tx.PermissionsByKeys(ctx, keys)
		if err != nil {
			return fmt.Errorf("rbac: resolve keys: %w", err)
		}
		var unknown []string
		for _, k := range keys {
			if _, ok := perms[k]; !ok {
				unknown = append(unknown, k)
			}
		}
		if len(unknown) > 0 {
			return fmt.Errorf("%w: %s", ErrUnknownPermission, strings.Join(unknown, ", "))
		}

		for _, k := range keys {
			perm := perms[k]
			var changed bool
			if action == ActionGranted {
				changed, err = tx.InsertGrant(ctx, userID, perm.ID, actor)
			} else {
				changed, err = tx.DeleteGrant(ctx, userID, perm.ID)
			}
			if err != nil {
				return fmt.Errorf("rbac: %s %s: %w", action, k, err)
			}
			if changed {
				if err := tx.AppendAudit(ctx, AuditEntry{
					UserID:        userID,
					PermissionID:  uuid.NullUUID{UUID: perm.ID, Valid: true},
					PermissionKey: k,
					Action:        action,
					ChangedBy:     actor,
					IPAddress:     ip,
				}); err != nil {
					return fmt.Errorf("rbac: audit %s %s: %w", action, k, err)
				}
			}
			results = append(results, GrantResult{Key: k, Changed: changed})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if countChanged(results) > 0 {
		s.afterChange(ctx, userID)
	}
	return results, nil
}

// afterChange runs once the transaction has committed. It bumps the stamps
// of the affected users and rebuilds the cache of the calling session when it
// belongs to one of them.
func (s *Service) afterChange(ctx context.Context, userIDs ...uuid.UUID) {
	if len(userIDs) == 0 {
		return
	}
	if s.stamps != nil {
		for _, id := range userIDs {
			if err := s.stamps.Touch(ctx, id); err != nil && s.logger != nil {
				s.logger.Warn("rbac stamp touch failed", slog.String("user_id", id.String()), slog.Any("error", err))
			}
		}
	}
	if s.cache == nil {
		return
	}
	sess := shared.SessionFromContext(ctx)
	current, ok := sess.UserID()
	if !ok {
		return
	}
	for _, id := range userIDs {
		if id != current {
			continue
		}
		if _, err := s.cache.Rebuild(ctx, sess, current); err != nil {
			s.cache.Discard(sess)
			if s.logger != nil {
				s.logger.Error("rbac cache rebuild failed", slog.String("user_id", current.String()), slog.Any("error", err))
			}
		}
		return
	}
}

func countChanged(results []GrantResult) int {
	n := 0
	for _, r := range results {
		if r.Changed {
			n++
		}
	}
	return n
}

// IsCallerError reports whether err stems from bad input rather than a
// storage failure.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrUnknownPermission) || errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrUserNotFound)
}
