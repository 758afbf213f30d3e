package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/k9ops/k9ops/internal/auth"
	"github.com/k9ops/k9ops/internal/rbac"
	"github.com/k9ops/k9ops/internal/shared"
	"github.com/k9ops/k9ops/internal/view"
	_ "github.com/k9ops/k9ops/testing"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]uuid.UUID
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || !strings.EqualFold(s.user.Email, email) {
		return nil, shared.ErrNotFound
	}
	return s.user, nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id string, userID uuid.UUID, expiresAt time.Time, ip, ua string) error {
	if s.sessions == nil {
		s.sessions = make(map[string]uuid.UUID)
	}
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

type stubCache struct {
	rebuilt   []uuid.UUID
	discarded int
	err       error
}

func (c *stubCache) Rebuild(ctx context.Context, sess *shared.Session, userID uuid.UUID) (rbac.PermissionSet, error) {
	c.rebuilt = append(c.rebuilt, userID)
	if c.err != nil {
		return nil, c.err
	}
	sess.Set(rbac.SessionPermissionsKey, `["dogs.view"]`)
	return rbac.NewPermissionSet("dogs.view"), nil
}

func (c *stubCache) Discard(sess *shared.Session) {
	c.discarded++
	sess.Delete(rbac.SessionPermissionsKey)
}

type stubAudit struct {
	logs []shared.AuditLog
	err  error
}

func (a *stubAudit) Record(ctx context.Context, log shared.AuditLog) error {
	if a.err != nil {
		return a.err
	}
	a.logs = append(a.logs, log)
	return nil
}

type fixture struct {
	handler  *auth.Handler
	redis    *miniredis.Miniredis
	sessions *shared.SessionManager
	repo     *stubRepo
	cache    *stubCache
	audit    *stubAudit
	user     *auth.User
}

func newFixture(t *testing.T, role string) *fixture {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte("correctpass"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &auth.User{ID: uuid.New(), Email: "handler@k9.local", PasswordHash: string(hashed), Role: role, IsActive: true}

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })
	sessionManager := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)
	localizer := shared.NewLocalizer("ar")
	templates, err := view.NewEngine(localizer)
	require.NoError(t, err)

	f := &fixture{redis: mr, sessions: sessionManager, repo: &stubRepo{user: user}, cache: &stubCache{}, audit: &stubAudit{}, user: user}
	f.handler = auth.NewHandler(nil, auth.NewService(f.repo, f.audit), templates, sessionManager, shared.NewCSRFManager("csrfsecret"), f.cache, localizer)
	return f
}

// commitRecorder commits the session on the first header write, the way the
// session middleware does, so cookies set by Commit reach the response.
type commitRecorder struct {
	*httptest.ResponseRecorder
	commit    func() error
	err       error
	committed bool
}

func (c *commitRecorder) WriteHeader(code int) {
	if !c.committed {
		c.committed = true
		c.err = c.commit()
	}
	c.ResponseRecorder.WriteHeader(code)
}

func (c *commitRecorder) Write(b []byte) (int, error) {
	if !c.committed {
		c.WriteHeader(http.StatusOK)
	}
	return c.ResponseRecorder.Write(b)
}

// serve runs req through the router with a loaded session.
func (f *fixture) serve(t *testing.T, req *http.Request, sess *shared.Session) (*httptest.ResponseRecorder, *shared.Session) {
	t.Helper()
	if sess == nil {
		var err error
		sess, err = f.sessions.Load(context.Background(), req)
		require.NoError(t, err)
	}
	ctx := shared.ContextWithSession(req.Context(), sess)
	req = req.WithContext(ctx)

	res := &commitRecorder{ResponseRecorder: httptest.NewRecorder()}
	res.commit = func() error { return f.sessions.Commit(ctx, res, req, sess) }
	chiRouter(f.handler).ServeHTTP(res, req)
	if !res.committed {
		res.WriteHeader(http.StatusOK)
	}
	require.NoError(t, res.err)
	return res.ResponseRecorder, sess
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req
}

func TestLoginPage(t *testing.T) {
	f := newFixture(t, shared.RoleHandler)

	res, sess := f.serve(t, httptest.NewRequest(http.MethodGet, "/auth/login", nil), nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "<form")
	assert.Contains(t, res.Body.String(), `dir="rtl"`)
	assert.NotEmpty(t, sess.Get(shared.CSRFSessionKey))
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t, shared.RoleHandler)

	form := url.Values{}
	form.Set("email", "handler@k9.local")
	form.Set("password", "wrongpass")
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, sess := f.serve(t, req, nil)
	assert.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "البريد الإلكتروني أو كلمة المرور غير صحيحة")
	assert.False(t, sess.IsAuthenticated())
	assert.Empty(t, f.cache.rebuilt)

	res, _ = f.serve(t, jsonRequest(http.MethodPost, "/auth/login", `{"email":"handler@k9.local","password":"wrongpass"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestLoginLoadsPermissionCache(t *testing.T) {
	f := newFixture(t, shared.RoleTrainer)

	getRes, sess := f.serve(t, httptest.NewRequest(http.MethodGet, "/auth/login", nil), nil)
	require.Equal(t, http.StatusOK, getRes.Code)
	before := sess.Get(shared.CSRFSessionKey)
	anonymousID := sess.ID

	req := jsonRequest(http.MethodPost, "/auth/login", `{"email":"HANDLER@k9.local","password":"correctpass"}`)
	req.Header.Set("Accept-Language", "en")
	res, sess := f.serve(t, req, sess)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
			Mode   string `json:"mode"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, shared.MsgWelcomeBack, body.Message)
	assert.Equal(t, f.user.ID.String(), body.Data.UserID)
	assert.Equal(t, shared.RoleTrainer, body.Data.Role)
	assert.Equal(t, shared.ModeGeneralAdmin, body.Data.Mode)

	id, ok := sess.UserID()
	require.True(t, ok)
	assert.Equal(t, f.user.ID, id)
	assert.Equal(t, shared.RoleTrainer, sess.Get(shared.SessionRoleKey))
	assert.Equal(t, `["dogs.view"]`, sess.Get(rbac.SessionPermissionsKey))
	assert.Equal(t, []uuid.UUID{f.user.ID}, f.cache.rebuilt)
	assert.NotEqual(t, before, sess.Get(shared.CSRFSessionKey))
	assert.NotEqual(t, anonymousID, sess.ID, "login issues a fresh session id")
	assert.Equal(t, f.user.ID, f.repo.sessions[sess.ID])

	cookies := res.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sess.ID, cookies[0].Value)
}

func TestLoginSurvivesCacheFailure(t *testing.T) {
	f := newFixture(t, shared.RoleHandler)
	f.cache.err = errors.New("db down")

	form := url.Values{"email": {"handler@k9.local"}, "password": {"correctpass"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, sess := f.serve(t, req, nil)

	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/", res.Header().Get("Location"))
	assert.True(t, sess.IsAuthenticated())
	assert.Equal(t, 1, f.cache.discarded)
	assert.Empty(t, sess.Get(rbac.SessionPermissionsKey))
}

func TestLogoutDiscardsCache(t *testing.T) {
	f := newFixture(t, shared.RoleHandler)
	_, sess := f.serve(t, jsonRequest(http.MethodPost, "/auth/login", `{"email":"handler@k9.local","password":"correctpass"}`), nil)
	require.True(t, sess.IsAuthenticated())

	res, _ := f.serve(t, httptest.NewRequest(http.MethodPost, "/auth/logout", nil), sess)
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/auth/login", res.Header().Get("Location"))
	assert.Equal(t, 1, f.cache.discarded)
	assert.Empty(t, f.repo.sessions)

	cookie := res.Result().Cookies()
	require.NotEmpty(t, cookie)
	assert.Equal(t, -1, cookie[0].MaxAge)
	assert.False(t, f.redis.Exists("k9ops:session:"+sess.ID))
}

func TestModeSwitch(t *testing.T) {
	f := newFixture(t, shared.RoleGeneralAdmin)
	_, sess := f.serve(t, jsonRequest(http.MethodPost, "/auth/login", `{"email":"handler@k9.local","password":"correctpass"}`), nil)
	assert.True(t, rbac.PrincipalFromSession(sess).Bypass())

	res, sess := f.serve(t, jsonRequest(http.MethodPost, "/auth/mode", `{"mode":"project_manager"}`), sess)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, shared.ModeProjectManager, sess.Get(shared.SessionModeKey))
	assert.False(t, rbac.PrincipalFromSession(sess).Bypass())

	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, "mode_switch", f.audit.logs[0].Action)
	assert.Equal(t, shared.ModeGeneralAdmin, f.audit.logs[0].Meta["from"])
	assert.Equal(t, shared.ModeProjectManager, f.audit.logs[0].Meta["to"])

	res, _ = f.serve(t, jsonRequest(http.MethodPost, "/auth/mode", `{"mode":"superuser"}`), sess)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestModeSwitchRejected(t *testing.T) {
	f := newFixture(t, shared.RoleProjectManager)

	res, _ := f.serve(t, jsonRequest(http.MethodPost, "/auth/mode", `{"mode":"general_admin"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	_, sess := f.serve(t, jsonRequest(http.MethodPost, "/auth/login", `{"email":"handler@k9.local","password":"correctpass"}`), nil)
	res, sess = f.serve(t, jsonRequest(http.MethodPost, "/auth/mode", `{"mode":"general_admin"}`), sess)
	assert.Equal(t, http.StatusForbidden, res.Code)
	assert.Empty(t, sess.Get(shared.SessionModeKey))
	assert.Empty(t, f.audit.logs)
}

func TestModeSwitchAuditFailure(t *testing.T) {
	f := newFixture(t, shared.RoleGeneralAdmin)
	_, sess := f.serve(t, jsonRequest(http.MethodPost, "/auth/login", `{"email":"handler@k9.local","password":"correctpass"}`), nil)
	f.audit.err = errors.New("insert failed")

	res, sess := f.serve(t, jsonRequest(http.MethodPost, "/auth/mode", `{"mode":"project_manager"}`), sess)
	assert.Equal(t, http.StatusInternalServerError, res.Code)
	assert.Empty(t, sess.Get(shared.SessionModeKey))
}
