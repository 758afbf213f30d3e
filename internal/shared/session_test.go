package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "k9ops_session", "secret", time.Hour, false), mr
}

func commit(t *testing.T, sm *SessionManager, sess *Session) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, sm.Commit(context.Background(), rec, httptest.NewRequest(http.MethodGet, "/", nil), sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestSessionRoundTrip(t *testing.T) {
	sm, mr := newTestManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.False(t, sess.IsAuthenticated())

	user := uuid.New()
	sess.SetUser(user.String())
	sess.Set(SessionRoleKey, RoleTrainer)
	sess.AddFlash(FlashMessage{Kind: "success", Message: "hi"})
	cookie := commit(t, sm, sess)
	assert.Equal(t, "k9ops_session", cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, mr.Exists("k9ops:session:"+sess.ID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	loaded, err := sm.Load(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, loaded.ID)
	id, ok := loaded.UserID()
	require.True(t, ok)
	assert.Equal(t, user, id)
	assert.Equal(t, RoleTrainer, loaded.Get(SessionRoleKey))
	require.NotNil(t, loaded.PopFlash())
	assert.Nil(t, loaded.PopFlash())
}

func TestSessionUnknownCookieStartsFresh(t *testing.T) {
	sm, _ := newTestManager(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "k9ops_session", Value: "forged"})
	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, "forged", sess.ID)
}

func TestSessionDestroy(t *testing.T) {
	sm, mr := newTestManager(t)
	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	commit(t, sm, sess)

	sm.Destroy(sess)
	cookie := commit(t, sm, sess)
	assert.Equal(t, -1, cookie.MaxAge)
	assert.False(t, mr.Exists("k9ops:session:"+sess.ID))
}

func TestSessionClearKeepsFlashes(t *testing.T) {
	sm, _ := newTestManager(t)
	sess, err := sm.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUser(uuid.NewString())
	sess.Set("permissions", `["dogs.view"]`)
	sess.AddFlash(FlashMessage{Kind: "info", Message: MsgLoggedOut})

	sess.Clear()
	assert.False(t, sess.IsAuthenticated())
	assert.Empty(t, sess.Get("permissions"))
	assert.Len(t, sess.Flashes(), 1)
}

func TestSessionUserIDRejectsGarbage(t *testing.T) {
	var nilSession *Session
	_, ok := nilSession.UserID()
	assert.False(t, ok)

	sess := &Session{}
	sess.SetUser("42")
	_, ok = sess.UserID()
	assert.False(t, ok)

	sess.SetUser(uuid.Nil.String())
	_, ok = sess.UserID()
	assert.False(t, ok)
}

func TestSessionRegenerate(t *testing.T) {
	sm, mr := newTestManager(t)
	ctx := context.Background()

	sess, err := sm.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.Set("lang", "ar")
	before := commit(t, sm, sess)
	oldID := sess.ID

	require.NoError(t, sm.Regenerate(ctx, sess))
	assert.NotEqual(t, oldID, sess.ID)
	assert.False(t, mr.Exists("k9ops:session:"+oldID))

	after := commit(t, sm, sess)
	assert.Equal(t, sess.ID, after.Value)
	assert.True(t, mr.Exists("k9ops:session:"+sess.ID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(before)
	stale, err := sm.Load(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, oldID, stale.ID)
	assert.Empty(t, stale.Get("lang"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(after)
	fresh, err := sm.Load(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "ar", fresh.Get("lang"))

	assert.NoError(t, sm.Regenerate(ctx, nil))
}
