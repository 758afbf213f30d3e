package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k9ops/k9ops/internal/platform/db"
	"github.com/k9ops/k9ops/internal/shared"
)

const pgForeignKeyViolation = "23503"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Repository provides PostgreSQL backed persistence for permissions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations that must share a transaction.
type TxRepository interface {
	PermissionsByKeys(ctx context.Context, keys []string) (map[string]Permission, error)
	LockPermission(ctx context.Context, key string) (Permission, error)
	InsertGrant(ctx context.Context, userID, permissionID uuid.UUID, grantedBy uuid.NullUUID) (bool, error)
	DeleteGrant(ctx context.Context, userID, permissionID uuid.UUID) (bool, error)
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListPermissionHolders(ctx context.Context, permissionID uuid.UUID) ([]uuid.UUID, error)
	DeletePermission(ctx context.Context, permissionID uuid.UUID) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn in a read-committed transaction. Grant uniqueness is carried
// by the unique_user_permission constraint, so a stronger level buys nothing.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTxIso(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

func (t *txRepo) PermissionsByKeys(ctx context.Context, keys []string) (map[string]Permission, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, key, name, description, category, created_at, updated_at
FROM permissions WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, err
	}
	perms, err := pgx.CollectRows(rows, scanPermission)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Permission, len(perms))
	for _, p := range perms {
		out[p.Key] = p
	}
	return out, nil
}

// LockPermission reads the catalog row for key and holds it until commit.
// Grant inserts take FOR KEY SHARE on the same row through the foreign key,
// so they wait for the lock holder to finish.
func (t *txRepo) LockPermission(ctx context.Context, key string) (Permission, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, key, name, description, category, created_at, updated_at
FROM permissions WHERE key = $1 FOR UPDATE`, key)
	if err != nil {
		return Permission{}, err
	}
	perm, err := pgx.CollectExactlyOneRow(rows, scanPermission)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, fmt.Errorf("%w: %s", ErrUnknownPermission, key)
	}
	return perm, err
}

func (t *txRepo) InsertGrant(ctx context.Context, userID, permissionID uuid.UUID, grantedBy uuid.NullUUID) (bool, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO user_permissions (id, user_id, permission_id, granted_at, granted_by_user_id)
VALUES ($1, $2, $3, NOW(), $4)
ON CONFLICT ON CONSTRAINT unique_user_permission DO NOTHING`, uuid.New(), userID, permissionID, grantedBy)
	if err != nil {
		return false, mapPgError(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) DeleteGrant(ctx context.Context, userID, permissionID uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) AppendAudit(ctx context.Context, entry AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	ip := pgtype.Text{String: entry.IPAddress, Valid: entry.IPAddress != ""}
	_, err := t.tx.Exec(ctx, `INSERT INTO permission_change_logs
(id, user_id, permission_id, permission_key, action, changed_by_user_id, ip_address, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		entry.ID, entry.UserID, entry.PermissionID, entry.PermissionKey, string(entry.Action), entry.ChangedBy, ip)
	return mapPgError(err)
}

func (t *txRepo) ListPermissionHolders(ctx context.Context, permissionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `SELECT user_id FROM user_permissions WHERE permission_id = $1 ORDER BY user_id FOR UPDATE`, permissionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (t *txRepo) DeletePermission(ctx context.Context, permissionID uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUserPermissionKeys returns the keys held by userID, sorted.
func (r *Repository) ListUserPermissionKeys(ctx context.Context, userID uuid.UUID) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.key
FROM user_permissions up
JOIN permissions p ON p.id = up.permission_id
WHERE up.user_id = $1
ORDER BY p.key`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ListPermissions returns the whole catalog ordered by category then name.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, key, name, description, category, created_at, updated_at
FROM permissions ORDER BY category, name, key`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanPermission)
}

// UpsertPermission inserts p or updates the display metadata of an existing key.
// The row identity of an existing key is never changed.
func (r *Repository) UpsertPermission(ctx context.Context, p Permission) (Permission, bool, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO permissions (id, key, name, description, category, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
ON CONFLICT (key) DO UPDATE
SET name = EXCLUDED.name, description = EXCLUDED.description, category = EXCLUDED.category, updated_at = NOW()
RETURNING id, key, name, description, category, created_at, updated_at, (xmax = 0) AS inserted`,
		p.ID, p.Key, p.Name, p.Description, p.Category)
	var out Permission
	var inserted bool
	if err := row.Scan(&out.ID, &out.Key, &out.Name, &out.Description, &out.Category, &out.CreatedAt, &out.UpdatedAt, &inserted); err != nil {
		return Permission{}, false, err
	}
	return out, inserted, nil
}

// ListAudit returns audit entries matching filter, newest first, plus the total count.
func (r *Repository) ListAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, int, error) {
	where := auditWhere(filter)

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("permission_change_logs").Where(where).ToSql()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page := shared.NewPagination(filter.Page, filter.PerPage, total)
	query, args, err := psql.
		Select("id", "user_id", "permission_id", "permission_key", "action", "changed_by_user_id", "ip_address", "created_at").
		From("permission_change_logs").
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(page.PerPage)).
		Offset(uint64(page.Offset())).
		ToSql()
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListHolders returns every (user, permission) pair, optionally restricted to
// one category.
func (r *Repository) ListHolders(ctx context.Context, category string) ([]Holder, error) {
	builder := psql.Select("u.id", "u.email", "p.key", "p.category").
		From("user_permissions up").
		Join("users u ON u.id = up.user_id").
		Join("permissions p ON p.id = up.permission_id").
		OrderBy("u.email", "p.key")
	if category != "" {
		builder = builder.Where(sq.Eq{"p.category": category})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Holder, error) {
		var h Holder
		err := row.Scan(&h.UserID, &h.Email, &h.Key, &h.Category)
		return h, err
	})
}

func auditWhere(filter AuditFilter) sq.And {
	where := sq.And{}
	if filter.UserID.Valid {
		where = append(where, sq.Eq{"user_id": filter.UserID.UUID})
	}
	if filter.ActorID.Valid {
		where = append(where, sq.Eq{"changed_by_user_id": filter.ActorID.UUID})
	}
	if filter.Action != "" {
		where = append(where, sq.Eq{"action": string(filter.Action)})
	}
	if filter.Key != "" {
		where = append(where, sq.Eq{"permission_key": NormalizeKey(filter.Key)})
	}
	if !filter.From.IsZero() {
		where = append(where, sq.GtOrEq{"created_at": filter.From})
	}
	if !filter.To.IsZero() {
		where = append(where, sq.Lt{"created_at": filter.To})
	}
	return where
}

func scanPermission(row pgx.CollectableRow) (Permission, error) {
	var p Permission
	err := row.Scan(&p.ID, &p.Key, &p.Name, &p.Description, &p.Category, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func scanAuditEntry(row pgx.CollectableRow) (AuditEntry, error) {
	var (
		e         AuditEntry
		action    string
		ip        pgtype.Text
		createdAt time.Time
	)
	if err := row.Scan(&e.ID, &e.UserID, &e.PermissionID, &e.PermissionKey, &action, &e.ChangedBy, &ip, &createdAt); err != nil {
		return AuditEntry{}, err
	}
	e.Action = Action(action)
	e.IPAddress = ip.String
	e.CreatedAt = createdAt
	return e, nil
}

func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		if strings.Contains(pgErr.ConstraintName, "permission_id") {
			return fmt.Errorf("%w: %s", ErrUnknownPermission, pgErr.ConstraintName)
		}
		return fmt.Errorf("%w: %s", ErrUserNotFound, pgErr.ConstraintName)
	}
	return err
}
