package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/k9ops/k9ops/internal/shared"
)

// Session value keys holding the materialised permission set.
const (
	SessionPermissionsKey = "permissions"
	SessionVersionKey     = "permissions_version"
)

// PermissionSource reads the stored grant set of a user.
type PermissionSource interface {
	ListUserPermissionKeys(ctx context.Context, userID uuid.UUID) ([]string, error)
}

// StampStore tracks a per-user grant version so sessions other than the one
// performing a change notice they are stale. Versions only ever grow.
type StampStore interface {
	Touch(ctx context.Context, userID uuid.UUID) error
	Version(ctx context.Context, userID uuid.UUID) (int64, bool, error)
}

// touchScript sets the version to max(current+1, Redis TIME in µs), so
// versions grow across writers and across key expiry.
var touchScript = redis.NewScript(`
local t = redis.call('TIME')
local v = tonumber(t[1]) * 1000000 + tonumber(t[2])
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if v <= cur then
	v = cur + 1
end
local out = string.format('%.0f', v)
redis.call('SET', KEYS[1], out)
local ttl = tonumber(ARGV[1])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return out
`)

// RedisStampStore keeps user grant versions in Redis.
type RedisStampStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisStampStore constructs a stamp store. ttl should outlive the session
// lifetime; zero keeps stamps forever.
func NewRedisStampStore(client redis.Cmdable, ttl time.Duration) *RedisStampStore {
	return &RedisStampStore{client: client, ttl: ttl}
}

// Touch issues a new version for userID.
func (s *RedisStampStore) Touch(ctx context.Context, userID uuid.UUID) error {
	return touchScript.Run(ctx, s.client, []string{stampKey(userID)}, s.ttl.Milliseconds()).Err()
}

// Version returns the current version for userID. ok is false when none is
// recorded.
func (s *RedisStampStore) Version(ctx context.Context, userID uuid.UUID) (int64, bool, error) {
	v, err := s.client.Get(ctx, stampKey(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return v, true, nil
}

func stampKey(userID uuid.UUID) string {
	return "permissions:stamp:" + userID.String()
}

// versionUnknown marks a set built while the stamp store was unreachable. It
// never matches a real version, so the set is rebuilt once stamps recover.
const versionUnknown = "unknown"

// SessionCache materialises a user's permission keys inside their session.
// Entries are always recomputed from storage, never patched.
type SessionCache struct {
	source PermissionSource
	stamps StampStore
	logger *slog.Logger
}

// NewSessionCache constructs a SessionCache. stamps may be nil, in which case
// only the session performing a change observes it before re-login.
func NewSessionCache(source PermissionSource, stamps StampStore, logger *slog.Logger) *SessionCache {
	return &SessionCache{source: source, stamps: stamps, logger: logger}
}

// Rebuild recomputes the cached set for userID from storage.
func (c *SessionCache) Rebuild(ctx context.Context, sess *shared.Session, userID uuid.UUID) (PermissionSet, error) {
	if sess == nil {
		return nil, errors.New("rbac: session missing")
	}
	// Read before the grants so a change committing mid-read bumps past it.
	version := c.currentVersion(ctx, userID)
	keys, err := c.source.ListUserPermissionKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rbac: load permissions: %w", err)
	}
	set := NewPermissionSet(keys...)
	payload, err := json.Marshal(set.Keys())
	if err != nil {
		return nil, err
	}
	sess.Set(SessionPermissionsKey, string(payload))
	sess.Set(SessionVersionKey, version)
	return set, nil
}

// Load returns the cached set, rebuilding it when absent, unreadable or
// built against an older grant version than the user's current one.
func (c *SessionCache) Load(ctx context.Context, sess *shared.Session, userID uuid.UUID) (PermissionSet, error) {
	if sess == nil {
		return nil, errors.New("rbac: session missing")
	}
	raw := sess.Get(SessionPermissionsKey)
	version := sess.Get(SessionVersionKey)
	if raw == "" || version == "" {
		return c.Rebuild(ctx, sess, userID)
	}
	if c.stale(ctx, userID, version) {
		return c.Rebuild(ctx, sess, userID)
	}
	var keys []string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return c.Rebuild(ctx, sess, userID)
	}
	return NewPermissionSet(keys...), nil
}

// Discard drops the cached set. Called at logout.
func (c *SessionCache) Discard(sess *shared.Session) {
	if sess == nil {
		return
	}
	sess.Delete(SessionPermissionsKey)
	sess.Delete(SessionVersionKey)
}

// currentVersion renders the user's version for storage in the session. No
// recorded version is "0".
func (c *SessionCache) currentVersion(ctx context.Context, userID uuid.UUID) string {
	if c.stamps == nil {
		return "0"
	}
	v, _, err := c.stamps.Version(ctx, userID)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("rbac stamp lookup failed", slog.String("user_id", userID.String()), slog.Any("error", err))
		}
		return versionUnknown
	}
	return strconv.FormatInt(v, 10)
}

// stale reports whether the user's version moved since cached was stored.
// Lookup failures serve the cached set.
func (c *SessionCache) stale(ctx context.Context, userID uuid.UUID, cached string) bool {
	if c.stamps == nil {
		return false
	}
	v, _, err := c.stamps.Version(ctx, userID)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("rbac stamp lookup failed", slog.String("user_id", userID.String()), slog.Any("error", err))
		}
		return false
	}
	return strconv.FormatInt(v, 10) != cached
}
