package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveJob("permissions:baseline", nil)
	metrics.ObserveJob("permissions:baseline", errors.New("boom"))

	body := scrape(t, metrics)
	if !strings.Contains(body, `k9ops_jobs_total{result="ok",task="permissions:baseline"} 1`) {
		t.Fatalf("expected successful job sample, got: %s", body)
	}
	if !strings.Contains(body, `k9ops_jobs_total{result="error",task="permissions:baseline"} 1`) {
		t.Fatalf("expected failed job sample, got: %s", body)
	}
}

func TestMetricsPermissionCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision("permission", "allow")
	metrics.ObserveDecision("permission", "allow")
	metrics.ObserveDecision("any", "deny")
	metrics.ObservePermissionChanges("granted", 3)
	metrics.ObservePermissionChanges("revoked", 0)

	body := scrape(t, metrics)
	for _, want := range []string{
		`k9ops_permission_decisions_total{kind="permission",outcome="allow"} 2`,
		`k9ops_permission_decisions_total{kind="any",outcome="deny"} 1`,
		`k9ops_permission_changes_total{action="granted"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in: %s", want, body)
		}
	}
	if strings.Contains(body, `action="revoked"`) {
		t.Fatalf("zero-change revokes must not create a series: %s", body)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveDecision("permission", "allow")
	metrics.ObservePermissionChanges("granted", 1)
	metrics.ObserveJob("permissions:baseline", nil)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics, got %d", rr.Code)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/admin/permissions/grant")

	req := httptest.NewRequest(http.MethodPost, "/admin/permissions/grant", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `k9ops_http_requests_total{code="403",route="/admin/permissions/grant"} 1`) {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, `k9ops_http_request_duration_seconds_bucket{route="/admin/permissions/grant"`) {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}
