package rbac

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k9ops/k9ops/internal/shared"
)

type changeSpy map[string]int

func (s changeSpy) ObservePermissionChanges(action string, n int) {
	s[action] += n
}

type handlerFixture struct {
	env     *testEnv
	router  chi.Router
	session *shared.Session
	admin   uuid.UUID
	changes changeSpy
}

func newHandlerFixture(t *testing.T, role, mode string) *handlerFixture {
	t.Helper()
	env := newTestEnv(t)
	env.repo.addPermissions("dogs.view", "dogs.edit", "training.view")
	admin := env.repo.addUser("admin@k9.local")
	sess := env.session(t, admin, role, mode)

	guard := Middleware{Cache: env.cache, Localizer: shared.NewLocalizer("en")}
	changes := changeSpy{}
	handler := NewPermissionsHandler(nil, env.service, NewExportService(env.service, env.repo), guard, shared.NewLocalizer("en"), changes)

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(shared.ContextWithSession(r.Context(), sess)))
		})
	})
	router.Route("/admin/permissions", handler.MountRoutes)
	return &handlerFixture{env: env, router: router, session: sess, admin: admin, changes: changes}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestPermissionsHandlerGrantAndRevoke(t *testing.T) {
	f := newHandlerFixture(t, shared.RoleGeneralAdmin, "")
	target := f.env.repo.addUser("handler@k9.local")

	rec, body := f.do(t, http.MethodPost, "/admin/permissions/grant", map[string]string{
		"user_id": target.String(), "permission_key": "dogs.view",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, body.Success)
	require.NotNil(t, body.Changed)
	assert.True(t, *body.Changed)
	assert.Equal(t, shared.MsgPermissionGranted, body.Message)
	assert.Equal(t, 1, f.changes["granted"])

	rec, body = f.do(t, http.MethodPost, "/admin/permissions/grant", map[string]string{
		"user_id": target.String(), "permission_key": "dogs.view",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, *body.Changed)
	assert.Equal(t, shared.MsgPermissionUnchanged, body.Message)
	assert.Equal(t, 1, f.env.repo.auditCount())

	rec, body = f.do(t, http.MethodPost, "/admin/permissions/revoke", map[string]string{
		"user_id": target.String(), "permission_key": "dogs.view",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *body.Changed)
	assert.Equal(t, 0, f.env.repo.grantCount(target))

	entries, _, err := f.env.service.ListAudit(t.Context(), AuditFilter{UserID: uuid.NullUUID{UUID: target, Valid: true}})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, actor(f.admin), entries[0].ChangedBy)
}

func TestPermissionsHandlerErrors(t *testing.T) {
	f := newHandlerFixture(t, shared.RoleGeneralAdmin, "")
	target := f.env.repo.addUser("handler@k9.local")

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{name: "unknown key", path: "/admin/permissions/grant", body: map[string]string{"user_id": target.String(), "permission_key": "dogs.fly"}, want: http.StatusNotFound},
		{name: "unknown user", path: "/admin/permissions/grant", body: map[string]string{"user_id": uuid.NewString(), "permission_key": "dogs.view"}, want: http.StatusNotFound},
		{name: "bad user id", path: "/admin/permissions/grant", body: map[string]string{"user_id": "42", "permission_key": "dogs.view"}, want: http.StatusBadRequest},
		{name: "missing key", path: "/admin/permissions/revoke", body: map[string]string{"user_id": target.String()}, want: http.StatusBadRequest},
		{name: "empty batch", path: "/admin/permissions/batch-grant", body: map[string]any{"user_id": target.String(), "permission_keys": []string{}}, want: http.StatusBadRequest},
		{name: "batch with unknown", path: "/admin/permissions/batch-grant", body: map[string]any{"user_id": target.String(), "permission_keys": []string{"dogs.view", "nope.nope"}}, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Error)
		})
	}
	assert.Equal(t, 0, f.env.repo.grantCount(target))
	assert.Equal(t, 0, f.env.repo.auditCount())
}

func TestPermissionsHandlerBatch(t *testing.T) {
	f := newHandlerFixture(t, shared.RoleGeneralAdmin, "")
	target := f.env.repo.addUser("trainer@k9.local")

	rec, body := f.do(t, http.MethodPost, "/admin/permissions/batch-grant", map[string]any{
		"user_id": target.String(), "permission_keys": []string{"dogs.view", "training.view", "dogs.view"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, body.Count)
	assert.Equal(t, 2, *body.Count)
	assert.Equal(t, "2 permissions granted", body.Message)

	rec, body = f.do(t, http.MethodGet, "/admin/permissions/users/"+target.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"dogs.view", "training.view"}, body.Data)

	rec, body = f.do(t, http.MethodPost, "/admin/permissions/batch-revoke", map[string]any{
		"user_id": target.String(), "permission_keys": []string{"dogs.view", "dogs.edit"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, *body.Count)
	assert.Equal(t, 2, f.changes["granted"])
	assert.Equal(t, 1, f.changes["revoked"])
}

func TestPermissionsHandlerCatalogAndAudit(t *testing.T) {
	f := newHandlerFixture(t, shared.RoleGeneralAdmin, "")

	rec, _ := f.do(t, http.MethodPost, "/admin/permissions/catalog", map[string]string{
		"key": "pm.approve", "name": "Approve PM requests",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec, _ = f.do(t, http.MethodPost, "/admin/permissions/catalog", map[string]string{
		"key": "pm.approve", "name": "Approve requests",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/admin/permissions/catalog", map[string]string{
		"key": "PM", "name": "bad",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := f.do(t, http.MethodGet, "/admin/permissions/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	groups, ok := body.Data.([]any)
	require.True(t, ok)
	assert.Len(t, groups, 3)

	rec, _ = f.do(t, http.MethodGet, "/admin/permissions/audit?action=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, body = f.do(t, http.MethodGet, "/admin/permissions/audit?per_page=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, body.Pagination)
	assert.Equal(t, 5, body.Pagination.PerPage)

	rec, body = f.do(t, http.MethodDelete, "/admin/permissions/catalog/pm.approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, *body.Count)
	rec, _ = f.do(t, http.MethodDelete, "/admin/permissions/catalog/pm.approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/admin/permissions/export?category=dogs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, *body.Count)
}

func TestPermissionsHandlerGuards(t *testing.T) {
	f := newHandlerFixture(t, shared.RoleProjectManager, "")
	target := f.env.repo.addUser("handler@k9.local")

	rec, _ := f.do(t, http.MethodGet, "/admin/permissions/", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Delegated view access does not extend to edits.
	f.env.repo.addPermissions(shared.PermAdminPermissionsView)
	_, err := f.env.service.Grant(t.Context(), f.admin, shared.PermAdminPermissionsView, uuid.NullUUID{})
	require.NoError(t, err)

	rec, _ = f.do(t, http.MethodGet, "/admin/permissions/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/admin/permissions/grant", map[string]string{
		"user_id": target.String(), "permission_key": "dogs.view",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, f.env.repo.grantCount(target))
}
