package rbac

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/k9ops/k9ops/internal/shared"
)

var errInjected = errors.New("injected storage failure")

// memoryRepo is an in-memory RepositoryPort. WithTx snapshots state and
// restores it when the callback fails, mirroring a database rollback.
type memoryRepo struct {
	mu     sync.Mutex
	perms  map[string]Permission
	grants map[uuid.UUID]map[uuid.UUID]Grant
	audit  []AuditEntry
	emails map[uuid.UUID]string

	txCalls       int
	listCalls     int
	failAuditOn   int
	auditAttempts int
	listErr       error

	// racingGrant, when set, runs after the holders of a permission are
	// listed, as a grant committed by another transaction would. It is
	// blocked while the permission row is locked.
	racingGrant func(permissionID uuid.UUID) (userID uuid.UUID, ok bool)
}

type memoryTx struct {
	repo   *memoryRepo
	locked map[uuid.UUID]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		perms:  make(map[string]Permission),
		grants: make(map[uuid.UUID]map[uuid.UUID]Grant),
		emails: make(map[uuid.UUID]string),
	}
}

func (m *memoryRepo) addUser(email string) uuid.UUID {
	id := uuid.New()
	m.emails[id] = email
	return id
}

func (m *memoryRepo) addPermissions(keys ...string) {
	for _, k := range keys {
		m.perms[k] = Permission{ID: uuid.New(), Key: k, Name: k, Category: CategoryOf(k), CreatedAt: time.Now(), UpdatedAt: time.Now()}
	}
}

func (m *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCalls++

	permsSnap := make(map[string]Permission, len(m.perms))
	for k, v := range m.perms {
		permsSnap[k] = v
	}
	grantsSnap := make(map[uuid.UUID]map[uuid.UUID]Grant, len(m.grants))
	for u, set := range m.grants {
		inner := make(map[uuid.UUID]Grant, len(set))
		for p, g := range set {
			inner[p] = g
		}
		grantsSnap[u] = inner
	}
	auditLen := len(m.audit)

	if err := fn(ctx, &memoryTx{repo: m, locked: make(map[uuid.UUID]bool)}); err != nil {
		m.perms = permsSnap
		m.grants = grantsSnap
		m.audit = m.audit[:auditLen]
		return err
	}
	return nil
}

func (t *memoryTx) PermissionsByKeys(ctx context.Context, keys []string) (map[string]Permission, error) {
	out := make(map[string]Permission)
	for _, k := range keys {
		if p, ok := t.repo.perms[k]; ok {
			out[k] = p
		}
	}
	return out, nil
}

func (t *memoryTx) LockPermission(ctx context.Context, key string) (Permission, error) {
	p, ok := t.repo.perms[key]
	if !ok {
		return Permission{}, fmt.Errorf("%w: %s", ErrUnknownPermission, key)
	}
	t.locked[p.ID] = true
	return p, nil
}

func (t *memoryTx) InsertGrant(ctx context.Context, userID, permissionID uuid.UUID, grantedBy uuid.NullUUID) (bool, error) {
	if _, ok := t.repo.emails[userID]; !ok {
		return false, ErrUserNotFound
	}
	set, ok := t.repo.grants[userID]
	if !ok {
		set = make(map[uuid.UUID]Grant)
		t.repo.grants[userID] = set
	}
	if _, exists := set[permissionID]; exists {
		return false, nil
	}
	set[permissionID] = Grant{ID: uuid.New(), UserID: userID, PermissionID: permissionID, GrantedAt: time.Now(), GrantedBy: grantedBy}
	return true, nil
}

func (t *memoryTx) DeleteGrant(ctx context.Context, userID, permissionID uuid.UUID) (bool, error) {
	set := t.repo.grants[userID]
	if _, ok := set[permissionID]; !ok {
		return false, nil
	}
	delete(set, permissionID)
	return true, nil
}

func (t *memoryTx) AppendAudit(ctx context.Context, entry AuditEntry) error {
	t.repo.auditAttempts++
	if t.repo.failAuditOn > 0 && t.repo.auditAttempts == t.repo.failAuditOn {
		return errInjected
	}
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	t.repo.audit = append(t.repo.audit, entry)
	return nil
}

func (t *memoryTx) ListPermissionHolders(ctx context.Context, permissionID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for userID, set := range t.repo.grants {
		if _, ok := set[permissionID]; ok {
			out = append(out, userID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if hook := t.repo.racingGrant; hook != nil && !t.locked[permissionID] {
		if userID, ok := hook(permissionID); ok {
			if _, err := t.InsertGrant(ctx, userID, permissionID, uuid.NullUUID{}); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (t *memoryTx) DeletePermission(ctx context.Context, permissionID uuid.UUID) error {
	for k, p := range t.repo.perms {
		if p.ID == permissionID {
			delete(t.repo.perms, k)
			for _, set := range t.repo.grants {
				delete(set, permissionID)
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *memoryRepo) ListUserPermissionKeys(ctx context.Context, userID uuid.UUID) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var keys []string
	for permID := range m.grants[userID] {
		for _, p := range m.perms {
			if p.ID == permID {
				keys = append(keys, p.Key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryRepo) ListPermissions(ctx context.Context) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		out = append(out, p)
	}
	sortPermissions(out)
	return out, nil
}

func (m *memoryRepo) UpsertPermission(ctx context.Context, p Permission) (Permission, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.perms[p.Key]; ok {
		existing.Name = p.Name
		existing.Description = p.Description
		existing.Category = p.Category
		existing.UpdatedAt = time.Now()
		m.perms[p.Key] = existing
		return existing, false, nil
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.perms[p.Key] = p
	return p, true, nil
}

func (m *memoryRepo) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.UserID.Valid && e.UserID != filter.UserID.UUID {
			continue
		}
		if filter.ActorID.Valid && e.ChangedBy != filter.ActorID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Key != "" && e.PermissionKey != filter.Key {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func (m *memoryRepo) ListHolders(ctx context.Context, category string) ([]Holder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Holder
	for userID, set := range m.grants {
		for permID := range set {
			for _, p := range m.perms {
				if p.ID != permID || (category != "" && p.Category != category) {
					continue
				}
				out = append(out, Holder{UserID: userID, Email: m.emails[userID], Key: p.Key, Category: p.Category})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Email != out[j].Email {
			return out[i].Email < out[j].Email
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *memoryRepo) grantCount(userID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.grants[userID])
}

func (m *memoryRepo) auditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audit)
}

type testEnv struct {
	repo    *memoryRepo
	redis   *miniredis.Miniredis
	client  *redis.Client
	stamps  *RedisStampStore
	cache   *SessionCache
	service *Service
	manager *shared.SessionManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemoryRepo()
	stamps := NewRedisStampStore(client, 0)
	cache := NewSessionCache(repo, stamps, nil)
	return &testEnv{
		repo:    repo,
		redis:   mr,
		client:  client,
		stamps:  stamps,
		cache:   cache,
		service: NewService(repo, NewCatalog(), cache, stamps, nil),
		manager: shared.NewSessionManager(client, "k9ops_session", "test-secret", time.Hour, false),
	}
}

// session returns a fresh session bound to userID. uuid.Nil yields an
// anonymous session.
func (e *testEnv) session(t *testing.T, userID uuid.UUID, role, mode string) *shared.Session {
	t.Helper()
	sess, err := e.manager.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	if userID != uuid.Nil {
		sess.SetUser(userID.String())
		sess.Set(shared.SessionRoleKey, role)
		if mode != "" {
			sess.Set(shared.SessionModeKey, mode)
		}
	}
	return sess
}

func actor(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: true}
}
